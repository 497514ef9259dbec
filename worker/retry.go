package worker

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/dhcgn/imap-backup/imap"
)

// Kind classifies a fetch/write failure for the retry loop.
type Kind int

const (
	// KindTransient failures are retried with backoff up to the budget.
	KindTransient Kind = iota
	// KindPermanent failures are recorded as failed without retry.
	KindPermanent
)

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"timeout",
	"unexpected eof",
	"use of closed network connection",
	"temporary failure",
	"server temporarily unavailable",
	"* bye",
}

// Classify decides whether an error is worth retrying. Missing or malformed
// message identifiers and empty bodies are server answers that will not
// change on retry; network-shaped errors are transient. Unknown errors
// default to transient so flaky servers get their retry budget.
func Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}

	if errors.Is(err, imap.ErrNoMessageID) || errors.Is(err, imap.ErrEmptyBody) {
		return KindPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	lower := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(lower, pattern) {
			return KindTransient
		}
	}

	return KindTransient
}

// Backoff returns the pause before the given retry attempt (0-based),
// doubling from base and capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
