// Package websocket provides a live WebSocket feed of chat traffic for
// operators.
//
// The websocket package implements:
//   - A read-only stream of every chat line and SYSTEM notice
//   - Optional filtering by sender (?user=alice)
//   - Connection lifecycle management with ping/pong keepalive
//
// Architecture:
//
// The package uses a hub-and-spoke model. The Hub registers itself as a
// broadcast.Observer; Observe never blocks the broadcaster and drops feed
// messages when the hub falls behind. Each subscriber has a read pump
// (keepalive only) and a write pump.
//
// Message Protocol:
//
// Each frame is one JSON event:
//
//	{"type":"chat","sender":"alice","text":"hello","at":"2026-01-02T03:04:05Z"}
//
// Usage:
//
//	hub := websocket.NewHub(logger)
//	go hub.Run(ctx)
//	broadcaster.AddObserver(hub)
//
//	router.HandleFunc("/ws", hub.ServeWS)
//
// Concurrency:
//
// Only the Run loop touches the client set. Feed subscribers are
// independent of chat sessions: a slow or dead subscriber is dropped from
// the feed and never affects chat delivery.
package websocket
