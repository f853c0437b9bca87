/*
Package trace provides an optional bbolt-backed journal of envelope traffic.

When enabled, every envelope a node sends or receives is appended with a
direction, peer, and monotone sequence number, letting an operator replay the
node's message history after a hang or a protocol violation. The journal is
purely diagnostic: no synchronization state is ever restored from it.
*/
package trace
