// Package tcp serves the chat protocol over mutually authenticated TLS.
//
// The Server accepts raw TCP connections and hands each one to its own
// goroutine, which performs the TLS handshake (client certificates are
// required and verified) and then runs a Session. A failed handshake only
// closes that connection; the accept loop keeps going.
//
// Session lifecycle:
//
//	Connecting -> AwaitingLogin -> Active -> Closed
//	                    |                      ^
//	                    +----------------------+  (rejected login)
//
// Each Session has one reader (its own goroutine) and one writer draining
// a bounded outbound queue. Broadcasts never block on a peer: when the
// queue is full the configured overload policy drops the line or
// disconnects the slow consumer.
//
// Usage:
//
//	srv := tcp.NewServer(tlsConfig, reg, broadcaster, tcp.Options{}, logger)
//	go srv.ListenAndServe(ctx, "0.0.0.0:4433")
//	defer srv.Close()
package tcp
