// Package imap wraps go-imap v2 behind the small Mailbox surface the
// download engine needs: list folders, search UIDs by date, fetch the
// Message-Id header, fetch the raw body.
package imap

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/imap-backup/filter"
	"github.com/dhcgn/imap-backup/model"
)

var (
	ErrAuthFailed   = errors.New("imap authentication failed")
	ErrEmptyBody    = errors.New("message body is empty")
	ErrNoMessageID  = errors.New("message has no Message-Id header")
	ErrNotConnected = errors.New("imap client is not connected")
)

// Mailbox is the protocol surface used by the enumerator and the workers.
// One Mailbox is one exclusive authenticated connection; it must not be used
// concurrently.
type Mailbox interface {
	ListFolders(ctx context.Context) ([]string, error)
	SearchUIDs(ctx context.Context, folder string, dates filter.DateRange) ([]uint32, error)
	FetchMessageID(ctx context.Context, folder string, uid uint32) (string, error)
	FetchBody(ctx context.Context, folder string, uid uint32) (model.Message, error)
	Logout() error
	Close() error
}

// Options configures a single connection.
type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool

	// CallTimeout bounds every network operation. Zero means no per-call
	// timeout beyond the surrounding context.
	CallTimeout time.Duration
}

// Client is the go-imap backed Mailbox.
type Client struct {
	opts     Options
	client   *imapclient.Client
	selected string
	logger   *slog.Logger
}

// Dial connects and authenticates. An authentication rejection is reported
// as ErrAuthFailed so callers can abort instead of retrying.
func Dial(ctx context.Context, opts Options, logger *slog.Logger) (*Client, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}

	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	clientOpts := &imapclient.Options{}

	if opts.UseTLS {
		clientOpts.TLSConfig = &tls.Config{ServerName: opts.Host}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if opts.UseTLS {
		client, err = imapclient.DialTLS(address, clientOpts)
	} else {
		client, err = imapclient.DialInsecure(address, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrAuthFailed, opts.Username, err)
	}

	if logger != nil {
		logger.Debug("imap connection established", "address", address, "user", opts.Username, "tls", opts.UseTLS)
	}

	return &Client{opts: opts, client: client, logger: logger}, nil
}

// withTimeout runs fn under the per-call timeout. Expiry force-closes the
// connection so a blocked command unwinds with a transient error.
func (c *Client) withTimeout(ctx context.Context, fn func() error) error {
	if c.client == nil {
		return ErrNotConnected
	}

	if c.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.client.Close()
	})
	defer stop()

	err := fn()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("imap call: %w", ctxErr)
	}
	return err
}

func (c *Client) ListFolders(ctx context.Context) ([]string, error) {
	var folders []string

	err := c.withTimeout(ctx, func() error {
		mailboxes, err := c.client.List("", "*", nil).Collect()
		if err != nil {
			return fmt.Errorf("list mailboxes: %w", err)
		}
		for _, mbox := range mailboxes {
			folders = append(folders, mbox.Mailbox)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return folders, nil
}

func (c *Client) selectFolder(folder string) error {
	if c.selected == folder {
		return nil
	}

	opts := &imapv2.SelectOptions{ReadOnly: true}
	if _, err := c.client.Select(folder, opts).Wait(); err != nil {
		c.selected = ""
		return fmt.Errorf("select folder %q: %w", folder, err)
	}

	c.selected = folder
	return nil
}

func (c *Client) SearchUIDs(ctx context.Context, folder string, dates filter.DateRange) ([]uint32, error) {
	var uids []uint32

	err := c.withTimeout(ctx, func() error {
		if err := c.selectFolder(folder); err != nil {
			return err
		}

		data, err := c.client.UIDSearch(dates.Criteria(), nil).Wait()
		if err != nil {
			return fmt.Errorf("search folder %q: %w", folder, err)
		}

		for _, uid := range data.AllUIDs() {
			uids = append(uids, uint32(uid))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return uids, nil
}

// FetchMessageID fetches only the Message-Id header field. The body stays on
// the server until the dedup reservation is won.
func (c *Client) FetchMessageID(ctx context.Context, folder string, uid uint32) (string, error) {
	section := &imapv2.FetchItemBodySection{
		Specifier:    imapv2.PartSpecifierHeader,
		HeaderFields: []string{"Message-Id"},
		Peek:         true,
	}

	var raw []byte

	err := c.withTimeout(ctx, func() error {
		if err := c.selectFolder(folder); err != nil {
			return err
		}

		fetchOpts := &imapv2.FetchOptions{
			UID:         true,
			BodySection: []*imapv2.FetchItemBodySection{section},
		}

		cmd := c.client.Fetch(imapv2.UIDSetNum(imapv2.UID(uid)), fetchOpts)
		defer cmd.Close()

		msg := cmd.Next()
		if msg == nil {
			return fmt.Errorf("uid %d not found in %q", uid, folder)
		}

		buf, err := msg.Collect()
		if err != nil {
			return fmt.Errorf("collect header uid %d: %w", uid, err)
		}
		raw = buf.FindBodySection(section)

		return cmd.Close()
	})
	if err != nil {
		return "", err
	}

	return ParseMessageID(raw)
}

func (c *Client) FetchBody(ctx context.Context, folder string, uid uint32) (model.Message, error) {
	section := &imapv2.FetchItemBodySection{Peek: true}

	var msg model.Message

	err := c.withTimeout(ctx, func() error {
		if err := c.selectFolder(folder); err != nil {
			return err
		}

		fetchOpts := &imapv2.FetchOptions{
			UID:          true,
			Envelope:     true,
			InternalDate: true,
			BodySection:  []*imapv2.FetchItemBodySection{section},
		}

		cmd := c.client.Fetch(imapv2.UIDSetNum(imapv2.UID(uid)), fetchOpts)
		defer cmd.Close()

		m := cmd.Next()
		if m == nil {
			return fmt.Errorf("uid %d not found in %q", uid, folder)
		}

		buf, err := m.Collect()
		if err != nil {
			return fmt.Errorf("collect body uid %d: %w", uid, err)
		}

		raw := buf.FindBodySection(section)
		if len(raw) == 0 {
			return fmt.Errorf("uid %d: %w", uid, ErrEmptyBody)
		}

		msg.Raw = raw
		msg.Size = int64(len(raw))
		msg.ReceivedAt = buf.InternalDate
		if buf.Envelope != nil {
			msg.MessageID = buf.Envelope.MessageID
		}

		return cmd.Close()
	})
	if err != nil {
		return model.Message{}, err
	}

	return msg, nil
}

func (c *Client) Logout() error {
	if c.client == nil {
		return nil
	}
	if err := c.client.Logout().Wait(); err != nil {
		return fmt.Errorf("imap logout: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// ParseMessageID extracts and normalizes the Message-Id value from raw
// header bytes. Missing or unparseable ids are reported as ErrNoMessageID;
// the task is then a permanent failure rather than guessing a fallback key.
func ParseMessageID(rawHeader []byte) (string, error) {
	if len(rawHeader) == 0 {
		return "", ErrNoMessageID
	}

	header, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(rawHeader)))
	if err != nil {
		return "", fmt.Errorf("%w: parse header: %v", ErrNoMessageID, err)
	}

	id := strings.TrimSpace(header.Get("Message-Id"))
	if id == "" {
		return "", ErrNoMessageID
	}

	return id, nil
}
