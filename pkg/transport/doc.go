/*
Package transport moves wire envelopes between nodes.

Two implementations share the Transport interface:

  - Loopback: an in-process fabric. Every (src, dst) pair gets a buffered
    queue and a pump goroutine, so delivery is FIFO per pair and concurrent
    across pairs. Used by tests and single-process deployments.

  - GRPC: one bidirectional gRPC stream per peer pair, with a hand-written
    service descriptor and an envelope codec. The stream is the ordering
    domain, which gives the per-(src, dst) FIFO guarantee for free.

The contract consumed by the synchronization core: best-effort reliable
delivery, no ordering across destinations, FIFO per pair. PayloadCopy hands
buffer ownership back to the caller at Send; PayloadKeep requires the caller
to keep buffers live until delivery.
*/
package transport
