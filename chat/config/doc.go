// Package config provides configuration management for the chat server and client.
//
// The config package handles:
//   - Loading server and client settings from YAML files
//   - Defaults matching the conventional certificate layout
//   - Validation of queue sizes, timeouts and overload policy
//   - Building mutual TLS configurations from PEM files
//   - Hot reloading of the server certificate and client trust root
//
// Configuration Format:
//
//	listen: 0.0.0.0:4433
//	tls:
//	  cert_file: server/server_fullchain.crt
//	  key_file: server/server.key
//	  ca_file: ca/certs/root.crt
//	  reload: true
//	chat:
//	  echo_to_sender: true
//	  outbound_queue: 256
//	  overload_policy: disconnect   # or drop
//	  max_line_bytes: 4096
//	  handshake_timeout: 10s
//	  login_timeout: 0s             # 0 disables
//	  idle_timeout: 0s              # 0 disables
//	  write_timeout: 10s
//	admin:
//	  listen: 127.0.0.1:8080
//	ngrok:
//	  enabled: false
//
// Clients set max_line_bytes to the server's value; received lines may be
// longer by the "[sender] " prefix and are read with that allowance.
//
// Usage:
//
//	cfg, err := config.LoadServerConfig("chat.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	tlsConfig, err := config.LoadServerTLS(cfg.TLS)
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Reloading:
//
// CertReloader resolves the certificate per handshake through
// GetConfigForClient and watches the certificate directories with fsnotify.
// A failed reload keeps serving the previous material.
package config
