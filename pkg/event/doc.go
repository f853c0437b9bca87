/*
Package event implements generational events: single-shot synchronization
handles that trigger exactly once per generation, with distributed fan-out and
poison (fault) propagation.

# State model

One GenEvent object serves every generation of one event id on one node. The
owner (the node that allocated the id) holds authoritative state: the set of
remote subscribers and the definitive poisoned-generation list. Every other
node holds a proxy that learns about triggers two ways: update messages from
the owner, and triggers the node itself initiated (recorded in a local
trigger map so the outcome is known before the owner's update returns).

The proxy's published generation only advances when information is complete
through that generation: a trigger of generation 5 arriving while the proxy
sits at 2 wakes generation-5 waiters but leaves the published generation at 2,
because the poison bits of 3 and 4 are still unknown.

# Lock-free query path

HasTriggered takes no lock in the common case. The trigger path writes the
poisoned-generation list, then the list length, then the generation counter,
each with release semantics; a reader that observes generation g with an
acquire load can therefore trust the poison entries covering g. The list is
append-only with a fixed capacity; an id that fills it is retired instead of
recycled.

# Waiters

Waiters on generation g fire after state g (including its poison bit) is
published, and always outside the event's mutex, so a callback may register
on other events or send messages. See Waiter for the reclaim-hint contract.
*/
package event
