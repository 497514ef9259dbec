// Package session hands out authenticated, exclusive IMAP connections to the
// enumerator and the download workers. Broken connections are discarded and
// the next Acquire dials fresh; the provider never repairs a connection in
// place.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/imap-backup/imap"
)

// DialFunc opens one authenticated connection. The production DialFunc wraps
// imap.Dial against the discovered server; tests inject fakes.
type DialFunc func(ctx context.Context) (imap.Mailbox, error)

// Options configures the provider.
type Options struct {
	Dial DialFunc

	// ConnectRetries is the number of extra dial attempts after the first
	// transient failure before Acquire gives up.
	ConnectRetries int
	// RetryDelay is the pause between dial attempts.
	RetryDelay time.Duration
}

// Provider is the pool. One connection is held per active caller;
// connections are never shared concurrently.
type Provider struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	idle   []imap.Mailbox
	closed bool
}

func NewProvider(opts Options, logger *slog.Logger) (*Provider, error) {
	if opts.Dial == nil {
		return nil, fmt.Errorf("dial function must not be nil")
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	return &Provider{opts: opts, logger: logger}, nil
}

// Acquire returns an idle connection or dials a new one, retrying transient
// dial failures up to the configured limit. Authentication failure is
// returned immediately: credentials do not get better by retrying.
func (p *Provider) Acquire(ctx context.Context) (imap.Mailbox, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("session provider is closed")
	}
	if n := len(p.idle); n > 0 {
		mbox := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return mbox, nil
	}
	p.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= p.opts.ConnectRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.opts.RetryDelay):
			}
		}

		mbox, err := p.opts.Dial(ctx)
		if err == nil {
			return mbox, nil
		}
		if errors.Is(err, imap.ErrAuthFailed) || errors.Is(err, context.Canceled) {
			return nil, err
		}

		lastErr = err
		if p.logger != nil {
			p.logger.Debug("session dial failed", "attempt", attempt+1, "err", err)
		}
	}

	return nil, fmt.Errorf("acquire connection: %w", lastErr)
}

// Release returns a healthy connection to the pool.
func (p *Provider) Release(mbox imap.Mailbox) {
	if mbox == nil {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = mbox.Close()
		return
	}
	p.idle = append(p.idle, mbox)
	p.mu.Unlock()
}

// Discard drops a connection that hit a network error. The caller gets a
// fresh one on its next Acquire.
func (p *Provider) Discard(mbox imap.Mailbox) {
	if mbox == nil {
		return
	}
	_ = mbox.Close()
}

// Close logs out and closes every idle connection. In-flight connections are
// closed when their holder releases them.
func (p *Provider) Close() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()

	for _, mbox := range idle {
		if err := mbox.Logout(); err != nil && p.logger != nil {
			p.logger.Debug("imap logout failed", "err", err)
		}
		_ = mbox.Close()
	}
}
