package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/metrics"
	"github.com/loomworks/loom/pkg/runtime"
	"github.com/loomworks/loom/pkg/trace"
	"github.com/loomworks/loom/pkg/transport"
	"github.com/loomworks/loom/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "loomd",
	Short: "Loom - distributed event and barrier synchronization node",
	Long: `Loomd runs one node of a Loom mesh: a directory of generational
events and phase barriers, synchronized with its peers over gRPC.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Loom version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "loom.yaml", "Path to the node configuration file")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a Loom node",
	Long: `Start a Loom node: listen for peer traffic, serve metrics, and keep
the node's event and barrier state synchronized with the mesh described in
the configuration file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
			Output:     os.Stdout,
		})
		logger := log.WithNodeID(types.NodeID(cfg.NodeID))

		var journal *trace.Journal
		if cfg.TracePath != "" {
			journal, err = trace.Open(cfg.TracePath)
			if err != nil {
				return fmt.Errorf("failed to open trace journal: %w", err)
			}
			defer journal.Close()
			logger.Info().Str("path", cfg.TracePath).
				Str("session", journal.Session().String()).Msg("trace journal enabled")
		}

		tp, err := transport.NewGRPC(types.NodeID(cfg.NodeID), cfg.ListenAddr, cfg.PeerAddresses())
		if err != nil {
			return err
		}
		defer tp.Close()

		runtime.New(runtime.Config{
			Transport: tp,
			Journal:   journal,
		})
		tp.Start()
		logger.Info().Str("addr", tp.Addr()).Int("peers", len(cfg.Peers)).Msg("loom node started")

		if cfg.Metrics != "" {
			metrics.Register()
			go func() {
				if err := metrics.Serve(cfg.Metrics); err != nil {
					logger.Error().Err(err).Msg("metrics server stopped")
				}
			}()
			logger.Info().Str("addr", cfg.Metrics).Msg("metrics server started")
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		logger.Info().Msg("shutting down")
		return nil
	},
}
