/*
Package runtime binds the synchronization core together: it owns the per-node
directory mapping ids to event and barrier implementations, the event free
list, the reduction op table, and the dispatch of incoming envelopes. It also
carries the public façade: handle-based operations (wait, merge, user events,
barrier arrivals) are methods on Runtime, so several nodes can coexist in one
process over an in-process fabric.

# Directory

Handles are plain values; the runtime resolves them. An operation on an id
this node has never seen creates a proxy implementation whose owner is read
out of the id's creator field. Owner-side event implementations are pooled:
a triggered event returns to the free list and its id is reused at the next
generation, unless its poisoned-generation budget is exhausted, in which case
the id is retired.

# Mergers and deferred work

The event merger, deferred user-event triggers, and deferred barrier arrivals
live here: each is a waiter that needs the directory to re-enter the core
(trigger another event, re-issue an arrival) when its precondition fires.
*/
package runtime
