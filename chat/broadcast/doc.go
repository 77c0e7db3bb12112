// Package broadcast fans chat messages out to every registered member.
//
// A broadcast takes a snapshot of the registry, formats the line once and
// hands it to each member's non-blocking Deliver. Members that are full,
// closing or faulty are counted and skipped; the remaining recipients are
// unaffected and the caller never sees an error.
//
// Ordering:
//
// Each member drains its own outbound queue with a single writer, so lines
// broadcast by one sender reach every recipient in the order they were sent.
// No ordering is promised between different senders.
//
// Echo policy:
//
// Options.EchoToSender controls whether a member receives its own chat
// lines. System notices carry an explicit exclusion instead.
package broadcast
