/*
Package log provides structured logging for Loom using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	eventLog := log.WithComponent("event")
	eventLog.Debug().Str("event", e.String()).Msg("event triggered")

The conventional components mirror the subsystems: "event" for generational
event state changes, "barrier" for arrivals and phase triggers, "poison" for
fault propagation, "transport" for envelope traffic, and "runtime" for
directory and lifecycle activity.
*/
package log
