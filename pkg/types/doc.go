/*
Package types defines the identifier and handle value types shared by every
Loom package: packed 64-bit IDs, Event/UserEvent/Barrier handles, generations,
and barrier adjustment timestamps.

Handles are plain values. They carry no reference to the runtime that created
them and are safe to copy, compare, and ship over the wire.
*/
package types
