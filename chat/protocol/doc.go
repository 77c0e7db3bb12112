// Package protocol defines the newline-delimited text protocol spoken over
// the TLS connection.
//
// Login exchange:
//
//	S: Please login: send 'LOGIN:<username>'
//	C: LOGIN:alice
//	S: Welcome, alice! You can start chatting.
//
// A login line without the marker, with an empty, reserved or overlong
// username, or a username already in use is answered with a single
// rejection line and the connection is closed.
//
// After login every line the client sends is broadcast as "[sender] text".
// Server notices use the SYSTEM sender label. A line equal to /quit
// (any case) sent by either side ends the session.
package protocol
