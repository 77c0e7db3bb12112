// Package chat holds the domain types shared by the chat server packages.
//
// The chat package defines:
//   - Message: a line being broadcast, with its sender label
//   - Member: the narrow view of a session used by the registry and broadcaster
//   - Delivery: the per-recipient outcome of queuing a line
//   - State and CloseReason: the session lifecycle and why it ended
//
// Subpackages:
//   - protocol: wire format of the line-oriented login and chat protocol
//   - registry: username to session mapping with atomic check-and-set
//   - broadcast: fan-out of messages to every registered member
//   - service: operator operations (list, kick, announce, stats)
//   - config: configuration files and TLS material
package chat
