package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wricardo/mtls-chat/chat"
	"github.com/wricardo/mtls-chat/chat/protocol"
	"github.com/wricardo/mtls-chat/client"
)

// Options drives one load run.
type Options struct {
	Server   string
	Clients  int
	Messages int
	// SharedName logs every client in under the same name; exactly one
	// login must succeed.
	SharedName string
	Prefix     string
	Settle     time.Duration
}

// Report summarizes a load run.
type Report struct {
	Attempts        int
	Accepted        int
	Rejected        int
	Failed          int
	Sent            int
	Received        int
	Missing         int
	OrderViolations int
	Duration        time.Duration
}

// Check verifies the run against the registry guarantees: distinct names
// all log in, a shared name logs in exactly once, and every receiver sees
// every other sender's lines in order.
func (r *Report) Check(shared bool) error {
	var problems []string

	if r.Failed > 0 {
		problems = append(problems, fmt.Sprintf("%d clients failed to connect", r.Failed))
	}
	if shared {
		if r.Accepted != 1 {
			problems = append(problems, fmt.Sprintf("shared name accepted %d times, want 1", r.Accepted))
		}
		if r.Rejected != r.Attempts-r.Failed-1 {
			problems = append(problems, fmt.Sprintf("shared name rejected %d times, want %d", r.Rejected, r.Attempts-r.Failed-1))
		}
	} else if r.Accepted != r.Attempts-r.Failed {
		problems = append(problems, fmt.Sprintf("accepted %d of %d distinct names", r.Accepted, r.Attempts-r.Failed))
	}
	if r.Missing > 0 {
		problems = append(problems, fmt.Sprintf("%d deliveries missing", r.Missing))
	}
	if r.OrderViolations > 0 {
		problems = append(problems, fmt.Sprintf("%d per-sender order violations", r.OrderViolations))
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

type participant struct {
	name string
	conn *client.Conn
}

// receipt tracks what one receiver saw from each sender.
type receipt struct {
	lastSeq    map[string]int
	count      map[string]int
	violations int
}

// runLoad connects opts.Clients clients at once, lets every accepted
// client send opts.Messages lines and collects what each receiver saw.
func runLoad(ctx context.Context, opts Options, tlsConfig *tls.Config, logger *slog.Logger) (*Report, error) {
	if opts.Clients <= 0 {
		return nil, fmt.Errorf("clients must be positive")
	}
	if opts.Prefix == "" {
		opts.Prefix = "load"
	}
	if opts.Settle <= 0 {
		opts.Settle = 10 * time.Second
	}

	started := time.Now()
	report := &Report{Attempts: opts.Clients}

	// Phase 1: every client logs in at the same moment.
	var (
		mu       sync.Mutex
		accepted []participant
		wg       sync.WaitGroup
	)
	start := make(chan struct{})
	for i := 0; i < opts.Clients; i++ {
		name := opts.SharedName
		if name == "" {
			name = fmt.Sprintf("%s-%d", opts.Prefix, i)
		}

		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			<-start

			conn, err := client.Dial(ctx, opts.Server, tlsConfig, logger)
			if err != nil {
				logger.Warn("connect failed", "username", name, "error", err)
				mu.Lock()
				report.Failed++
				mu.Unlock()
				return
			}

			err = conn.Login(name)
			if err == nil {
				err = conn.AwaitWelcome(name)
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Accepted++
				accepted = append(accepted, participant{name: name, conn: conn})
			case errors.Is(err, client.ErrLoginRejected):
				report.Rejected++
				logger.Debug("login rejected", "username", name, "error", err)
				conn.Close()
			default:
				report.Failed++
				logger.Warn("login failed", "username", name, "error", err)
				conn.Close()
			}
		}(name)
	}
	close(start)
	wg.Wait()

	logger.Info("logins complete", "accepted", report.Accepted, "rejected", report.Rejected, "failed", report.Failed)

	defer func() {
		for _, p := range accepted {
			p.conn.Send(protocol.QuitCommand)
			p.conn.Close()
		}
	}()

	if opts.Messages <= 0 || len(accepted) == 0 {
		report.Duration = time.Since(started)
		return report, nil
	}

	// Phase 2: everyone sends while everyone receives.
	deadline := time.Now().Add(opts.Settle)
	receipts := make([]*receipt, len(accepted))
	expected := opts.Messages * (len(accepted) - 1)

	var recvWG sync.WaitGroup
	for i, p := range accepted {
		receipts[i] = &receipt{lastSeq: make(map[string]int), count: make(map[string]int)}
		recvWG.Add(1)
		go func(p participant, r *receipt) {
			defer recvWG.Done()
			p.conn.SetReadDeadline(deadline)
			collect(p, r, expected)
		}(p, receipts[i])
	}

	var sendWG sync.WaitGroup
	var sent sync.Map
	for _, p := range accepted {
		sendWG.Add(1)
		go func(p participant) {
			defer sendWG.Done()
			n := 0
			for seq := 1; seq <= opts.Messages; seq++ {
				if err := p.conn.Send(fmt.Sprintf("seq=%d", seq)); err != nil {
					logger.Warn("send failed", "username", p.name, "error", err)
					break
				}
				n++
			}
			sent.Store(p.name, n)
		}(p)
	}
	sendWG.Wait()
	recvWG.Wait()

	sent.Range(func(_, v any) bool {
		report.Sent += v.(int)
		return true
	})

	for i, p := range accepted {
		r := receipts[i]
		report.OrderViolations += r.violations
		for _, other := range accepted {
			if other.name == p.name {
				continue
			}
			got := r.count[other.name]
			report.Received += got
			if got < opts.Messages {
				report.Missing += opts.Messages - got
			}
		}
	}

	report.Duration = time.Since(started)
	return report, nil
}

// collect reads chat lines until expected lines from other senders have
// arrived or the read deadline passes.
func collect(p participant, r *receipt, expected int) {
	received := 0
	for received < expected {
		line, err := p.conn.Receive()
		if err != nil {
			return
		}

		sender, text, ok := protocol.ParseChatLine(line)
		if !ok || sender == chat.SystemSender || sender == p.name {
			continue
		}
		seq, err := strconv.Atoi(strings.TrimPrefix(text, "seq="))
		if err != nil {
			continue
		}

		if seq <= r.lastSeq[sender] {
			r.violations++
		}
		r.lastSeq[sender] = seq
		r.count[sender]++
		received++
	}
}
