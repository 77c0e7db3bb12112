// Package client connects to the chat server as an interactive user.
//
// A Conn wraps one mutually authenticated TLS connection. The Duplexer
// runs a receive loop that prints server lines and a send loop that
// forwards operator input:
//
//	conn, err := client.Dial(ctx, "chat.example.com:4433", tlsConfig, logger)
//	if err != nil { ... }
//	d := client.NewDuplexer(conn, client.NewLineSource(os.Stdin), os.Stdout, logger)
//	reason, err := d.Run(ctx, "alice")
//
// The session ends as a whole: when the server closes the connection the
// send loop stops too, and when operator input ends the client sends the
// quit command before closing.
package client
