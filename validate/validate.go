// Command validate checks chat server and client configuration files and
// the TLS material they point at. It checks:
//   - YAML structure and configuration values
//   - Certificate and private key match
//   - Certificate chain verifies against the configured CA
//   - Extended key usage fits the role (server auth or client auth)
//   - Validity window, including an expiry horizon
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"github.com/wricardo/mtls-chat/chat/config"
)

// Role selects which configuration schema and key usage apply.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// ValidationResult captures the outcome of validating a single file.
// If Valid is true, Errors contains informational messages; otherwise it
// accumulates the validation errors that were found.
type ValidationResult struct {
	File   string
	Valid  bool
	Errors []string
}

func (r *ValidationResult) fail(format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) info(format string, args ...any) {
	r.Errors = append(r.Errors, "✓ "+fmt.Sprintf(format, args...))
}

func (r *ValidationResult) merge(other ValidationResult) {
	if !other.Valid {
		r.Valid = false
	}
	r.Errors = append(r.Errors, other.Errors...)
}

// validateConfig loads a configuration file (an empty path means the
// built-in defaults) and validates it together with its TLS material.
func validateConfig(path string, role Role, now time.Time, horizon time.Duration) ValidationResult {
	name := "(defaults)"
	if path != "" {
		name = filepath.Base(path)
	}
	result := ValidationResult{
		File:   name,
		Valid:  true,
		Errors: []string{},
	}

	var files config.TLSFiles
	switch role {
	case RoleClient:
		cfg, err := config.LoadClientConfig(path)
		if err != nil {
			result.fail("Invalid configuration: %v", err)
			return result
		}
		files = cfg.TLS
		result.info("Server: %s", cfg.Server)
		if cfg.Username != "" {
			result.info("Username: %s", cfg.Username)
		}
	default:
		cfg, err := config.LoadServerConfig(path)
		if err != nil {
			result.fail("Invalid configuration: %v", err)
			return result
		}
		files = cfg.TLS
		result.info("Listen: %s", cfg.Listen)
		result.info("Overload policy: %s (queue %d)", cfg.Chat.OverloadPolicy, cfg.Chat.OutboundQueue)
		if cfg.Admin.Listen != "" {
			result.info("Admin: %s", cfg.Admin.Listen)
		}
	}

	result.merge(validateTLS(files, role, now, horizon))
	return result
}

// validateTLS checks the key pair against the CA bundle for the given role.
func validateTLS(files config.TLSFiles, role Role, now time.Time, horizon time.Duration) ValidationResult {
	result := ValidationResult{
		Valid:  true,
		Errors: []string{},
	}

	pool, err := config.LoadCAPool(files.CAFile)
	if err != nil {
		result.fail("CA bundle: %v", err)
		return result
	}
	result.info("CA bundle: %s", files.CAFile)

	pair, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
	if err != nil {
		result.fail("Key pair: %v", err)
		return result
	}
	result.info("Key matches certificate: %s", files.KeyFile)

	chain, err := parseChain(pair.Certificate)
	if err != nil {
		result.fail("Certificate: %v", err)
		return result
	}
	leaf := chain[0]
	result.info("Subject: %s", leaf.Subject.CommonName)

	usage := x509.ExtKeyUsageServerAuth
	if role == RoleClient {
		usage = x509.ExtKeyUsageClientAuth
	}
	if !hasUsage(leaf, usage) {
		result.fail("Certificate lacks %s extended key usage", usageName(usage))
	}

	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}
	opts := x509.VerifyOptions{
		Roots:         pool,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{usage},
	}
	if role == RoleServer && files.ServerName != "" {
		opts.DNSName = files.ServerName
	}
	if _, err := leaf.Verify(opts); err != nil {
		result.fail("Chain verification failed: %v", err)
	} else {
		result.info("Chain verifies against CA (%d certificates)", len(chain))
	}

	switch {
	case now.Before(leaf.NotBefore):
		result.fail("Certificate not valid until %s", leaf.NotBefore.Format(time.RFC3339))
	case now.After(leaf.NotAfter):
		result.fail("Certificate expired at %s", leaf.NotAfter.Format(time.RFC3339))
	case leaf.NotAfter.Sub(now) < horizon:
		result.fail("Certificate expires in %s (at %s)", leaf.NotAfter.Sub(now).Round(time.Hour), leaf.NotAfter.Format(time.RFC3339))
	default:
		result.info("Valid until %s", leaf.NotAfter.Format(time.RFC3339))
	}

	return result
}

func parseChain(raw [][]byte) ([]*x509.Certificate, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("no certificates found")
	}
	chain := make([]*x509.Certificate, 0, len(raw))
	for _, der := range raw {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, err
		}
		chain = append(chain, c)
	}
	return chain, nil
}

func hasUsage(c *x509.Certificate, usage x509.ExtKeyUsage) bool {
	if len(c.ExtKeyUsage) == 0 {
		return true
	}
	for _, u := range c.ExtKeyUsage {
		if u == usage || u == x509.ExtKeyUsageAny {
			return true
		}
	}
	return false
}

func usageName(usage x509.ExtKeyUsage) string {
	if usage == x509.ExtKeyUsageClientAuth {
		return "client auth"
	}
	return "server auth"
}

func printResult(result ValidationResult) {
	fmt.Printf("\n%s %s\n", strings.Repeat("=", 20), result.File)

	if result.Valid {
		fmt.Println("✅ VALID")
		for _, info := range result.Errors {
			fmt.Println("  " + info)
		}
		return
	}

	fmt.Println("❌ INVALID")
	for _, err := range result.Errors {
		if !strings.HasPrefix(err, "✓") {
			fmt.Println("  ❌ " + err)
		}
	}
}

func command() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Validate chat configuration files and their TLS material",
		ArgsUsage: "[config.yaml ...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "client", Usage: "Validate client configurations instead of server ones"},
			&cli.DurationFlag{Name: "expiry-horizon", Value: 30 * 24 * time.Hour, Usage: "Fail certificates expiring sooner than this"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			role := RoleServer
			if cmd.Bool("client") {
				role = RoleClient
			}

			paths := cmd.Args().Slice()
			if len(paths) == 0 {
				paths = []string{""}
			}

			allValid := true
			for _, path := range paths {
				result := validateConfig(path, role, time.Now(), cmd.Duration("expiry-horizon"))
				printResult(result)
				if !result.Valid {
					allValid = false
				}
			}

			fmt.Printf("\n%s\n", strings.Repeat("=", 40))
			if !allValid {
				return fmt.Errorf("some configurations have errors")
			}
			fmt.Println("✅ All configurations are valid!")
			return nil
		},
	}
}

func main() {
	if err := command().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
