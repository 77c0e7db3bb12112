// Package registry provides the process-wide set of logged-in chat members.
//
// The registry implements:
//   - Atomic insert-if-absent on login (two sessions can never share a name)
//   - Remove-if-owner on teardown (a stale session cannot evict a newer one)
//   - Consistent snapshots for broadcasting
//
// Invariant:
//
// A username is present iff the member holding it is in the active state.
// Sessions register after a successful login and unregister exactly once
// when they close.
//
// Concurrency:
//
// All operations are safe for concurrent use. The lock only guards the map;
// delivery to members always happens on a snapshot, outside the lock.
//
// Usage:
//
//	reg := registry.New()
//	if err := reg.Register(session); errors.Is(err, registry.ErrUsernameTaken) {
//		// reject the login
//	}
//	defer reg.Unregister(session)
//
//	for _, m := range reg.Snapshot() {
//		m.Deliver(line)
//	}
package registry
