// Package api provides the admin HTTP API for the chat server.
//
// The api package implements:
//   - Listing and inspecting logged-in members
//   - Kicking a member
//   - SYSTEM announcements
//   - Server counters and a health probe
//   - The WebSocket live feed upgrade
//
// Endpoints:
//
// Members:
//   - GET /api/users - List logged-in members (?limit=N)
//   - GET /api/users/{name} - Get one member
//   - DELETE /api/users/{name} - Disconnect a member (?reason=... or {"reason": "..."})
//
// Messaging:
//   - POST /api/announce - Broadcast {"text": "..."} as SYSTEM
//
// Monitoring:
//   - GET /api/stats - Connection, broadcast and feed counters
//   - GET /health - Liveness probe
//   - GET /ws - Live feed (?user=alice filters by sender)
//
// Usage:
//
//	hub := websocket.NewHub(logger)
//	go hub.Run(ctx)
//	apiServer := api.NewServer(chatService, hub)
//	http.ListenAndServe("127.0.0.1:8080", apiServer)
//
// Error Handling:
//
// Errors are returned as JSON with an HTTP status code derived from the
// service error (404 for unknown users, 400 for empty announcements):
//
//	{
//	  "error": "user not found: bob"
//	}
//
// The API has no authentication of its own. Bind it to a loopback or
// otherwise private address.
package api
