/*
Package barrier implements phase barriers: reusable collective synchronization
where each generation (phase) triggers once a configurable number of arrivals
has been observed, optionally folding a reduction value per arrival.

# Arrival bookkeeping

All adjustments funnel to the owner node. Each untriggered generation tracks a
cumulative signed delta; the generation triggers when the base arrival count
plus that delta reaches zero, and triggering a generation may expose further
fully-satisfied generations directly behind it.

Adjustments carry timestamps so that ordering across nodes stays coherent:
when a caller raises the arrival count and hands the returned barrier handle
to someone else, that handle's arrivals (negative deltas) carry the timestamp
of the raise and are parked until the matching increment has been applied.
Untimestamped deltas apply immediately.

# Remote subscribers

Non-owners learn about phase triggers by subscribing. The owner answers each
subscription with trigger messages covering contiguous generation ranges
(previous, trigger]; ranges can arrive out of order, so a subscriber holds a
message whose range does not start at its current generation and re-links the
chain once the gap fills. Reduction results ride in the same messages, one
slot per generation.
*/
package barrier
