package imap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dhcgn/imap-backup/model"
)

// commonProviders maps mail domains to their known IMAP hosts, checked before
// falling back to the imap./mail. prefixes.
var commonProviders = map[string]string{
	"gmail.com":      "imap.gmail.com",
	"googlemail.com": "imap.gmail.com",
	"outlook.com":    "outlook.office365.com",
	"hotmail.com":    "outlook.office365.com",
	"live.com":       "outlook.office365.com",
	"yahoo.com":      "imap.mail.yahoo.com",
	"icloud.com":     "imap.mail.me.com",
	"me.com":         "imap.mail.me.com",
	"mac.com":        "imap.mail.me.com",
	"uol.com.br":     "imap.uol.com.br",
	"bol.com.br":     "imap.bol.com.br",
	"terra.com.br":   "imap.terra.com.br",
}

// CandidateHosts returns the IMAP hosts to try for an account, in order. An
// explicitly configured host is the only candidate.
func CandidateHosts(account model.Account) []string {
	if account.Host != "" {
		return []string{account.Host}
	}

	at := strings.LastIndex(account.Address, "@")
	if at < 0 || at == len(account.Address)-1 {
		return nil
	}
	domain := strings.ToLower(account.Address[at+1:])

	var candidates []string
	known := commonProviders[domain]
	if known != "" {
		candidates = append(candidates, known)
	}
	for _, fallback := range []string{"imap." + domain, "mail." + domain} {
		if fallback != known {
			candidates = append(candidates, fallback)
		}
	}
	return candidates
}

// Discover tries each candidate host until a login succeeds and returns the
// connected client plus the host that worked. An authentication rejection on
// any host aborts discovery immediately: the credentials are wrong everywhere.
func Discover(ctx context.Context, account model.Account, callTimeout time.Duration, logger *slog.Logger) (*Client, string, error) {
	candidates := CandidateHosts(account)
	if len(candidates) == 0 {
		return nil, "", fmt.Errorf("no imap host candidates for %q", account.Address)
	}

	var lastErr error
	for _, host := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}

		opts := Options{
			Host:        host,
			Port:        account.Port,
			Username:    account.Address,
			Password:    account.Password,
			UseTLS:      account.UseTLS,
			CallTimeout: callTimeout,
		}

		client, err := Dial(ctx, opts, logger)
		if err == nil {
			if logger != nil {
				logger.Info("imap server identified", "host", host)
			}
			return client, host, nil
		}

		if errors.Is(err, ErrAuthFailed) {
			return nil, "", err
		}

		if logger != nil {
			logger.Debug("imap candidate failed", "host", host, "err", err)
		}
		lastErr = err
	}

	return nil, "", fmt.Errorf("no reachable imap server for %q: %w", account.Address, lastErr)
}
