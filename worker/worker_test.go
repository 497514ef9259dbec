package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dhcgn/imap-backup/filter"
	"github.com/dhcgn/imap-backup/imap"
	"github.com/dhcgn/imap-backup/model"
	"github.com/dhcgn/imap-backup/queue"
	"github.com/dhcgn/imap-backup/session"
	"github.com/dhcgn/imap-backup/state"
	"github.com/dhcgn/imap-backup/stats"
)

type fakeMessage struct {
	id   string
	body string
}

// fakeServer holds mailbox contents shared by every dialed fakeConn.
type fakeServer struct {
	mu       sync.Mutex
	msgs     map[string]map[uint32]fakeMessage
	idErrs   map[string][]error
	bodyErrs map[string][]error
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		msgs:     make(map[string]map[uint32]fakeMessage),
		idErrs:   make(map[string][]error),
		bodyErrs: make(map[string][]error),
	}
}

func (s *fakeServer) add(folder string, uid uint32, id, body string) {
	if s.msgs[folder] == nil {
		s.msgs[folder] = make(map[uint32]fakeMessage)
	}
	s.msgs[folder][uid] = fakeMessage{id: id, body: body}
}

func key(folder string, uid uint32) string {
	return fmt.Sprintf("%s/%d", folder, uid)
}

// failBodyFetch queues errors returned by successive FetchBody calls for one
// message before it starts succeeding.
func (s *fakeServer) failBodyFetch(folder string, uid uint32, errs ...error) {
	s.bodyErrs[key(folder, uid)] = errs
}

func (s *fakeServer) failIDFetch(folder string, uid uint32, errs ...error) {
	s.idErrs[key(folder, uid)] = errs
}

func (s *fakeServer) dial(ctx context.Context) (imap.Mailbox, error) {
	return &fakeConn{srv: s}, nil
}

type fakeConn struct {
	srv *fakeServer
}

func (c *fakeConn) ListFolders(ctx context.Context) ([]string, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	var folders []string
	for name := range c.srv.msgs {
		folders = append(folders, name)
	}
	return folders, nil
}

func (c *fakeConn) SearchUIDs(ctx context.Context, folder string, dates filter.DateRange) ([]uint32, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	var uids []uint32
	for uid := range c.srv.msgs[folder] {
		uids = append(uids, uid)
	}
	return uids, nil
}

func (c *fakeConn) FetchMessageID(ctx context.Context, folder string, uid uint32) (string, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	k := key(folder, uid)
	if errs := c.srv.idErrs[k]; len(errs) > 0 {
		c.srv.idErrs[k] = errs[1:]
		return "", errs[0]
	}

	msg, ok := c.srv.msgs[folder][uid]
	if !ok {
		return "", fmt.Errorf("uid %d not found in %q", uid, folder)
	}
	if msg.id == "" {
		return "", imap.ErrNoMessageID
	}
	return msg.id, nil
}

func (c *fakeConn) FetchBody(ctx context.Context, folder string, uid uint32) (model.Message, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	k := key(folder, uid)
	if errs := c.srv.bodyErrs[k]; len(errs) > 0 {
		c.srv.bodyErrs[k] = errs[1:]
		return model.Message{}, errs[0]
	}

	msg, ok := c.srv.msgs[folder][uid]
	if !ok {
		return model.Message{}, fmt.Errorf("uid %d not found in %q", uid, folder)
	}
	return model.Message{
		MessageID:  msg.id,
		ReceivedAt: time.Now(),
		Size:       int64(len(msg.body)),
		Raw:        []byte(msg.body),
	}, nil
}

func (c *fakeConn) Logout() error { return nil }
func (c *fakeConn) Close() error  { return nil }

// recordingSink collects events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []stats.Event
}

func (s *recordingSink) EmitEvent(evt stats.Event) {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
}

func (s *recordingSink) count(kind stats.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, evt := range s.events {
		if evt.Type == kind {
			n++
		}
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func runPool(t *testing.T, srv *fakeServer, tasks []model.MessageTask, opts Options) (*recordingSink, string) {
	t.Helper()

	if opts.OutputDir == "" {
		opts.OutputDir = t.TempDir()
	}
	if opts.Workers == 0 {
		opts.Workers = 2
	}
	opts.RetryBaseDelay = time.Millisecond
	opts.RetryMaxDelay = 5 * time.Millisecond

	sessions, err := session.NewProvider(session.Options{Dial: srv.dial, RetryDelay: time.Millisecond}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer sessions.Close()

	q := queue.New()
	for _, task := range tasks {
		q.Push(queue.LanePrimary, task)
	}
	q.Close()

	sink := &recordingSink{}
	pool, err := New(opts, q, sessions, state.NewMemoryStore(), sink, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	if err := pool.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	return sink, opts.OutputDir
}

func TestPool_DownloadsAndWritesFiles(t *testing.T) {
	srv := newFakeServer()
	srv.add("INBOX", 1, "<a@example.com>", "From: x\r\n\r\nbody a")
	srv.add("INBOX", 2, "<b@example.com>", "From: y\r\n\r\nbody b")

	tasks := []model.MessageTask{
		{Folder: "INBOX", UID: 1},
		{Folder: "INBOX", UID: 2},
	}

	sink, dir := runPool(t, srv, tasks, Options{})

	if got := sink.count(stats.EventTypeDownloaded); got != 2 {
		t.Errorf("downloaded = %d, want 2", got)
	}

	for _, uid := range []uint32{1, 2} {
		path := filepath.Join(dir, "INBOX", fmt.Sprintf("%d.eml", uid))
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected %s to exist: %v", path, err)
		}
	}

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Join(dir, "INBOX"))
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == ".tmp" {
			t.Errorf("leftover temp file %s", entry.Name())
		}
	}
}

func TestPool_DeduplicatesAcrossFolders(t *testing.T) {
	srv := newFakeServer()
	// The same message carried in two folders plus one unique per folder.
	srv.add("INBOX", 1, "<shared@example.com>", "shared")
	srv.add("INBOX", 2, "<only-inbox@example.com>", "inbox only")
	srv.add("Archive", 7, "<shared@example.com>", "shared")
	srv.add("Archive", 8, "<only-archive@example.com>", "archive only")

	tasks := []model.MessageTask{
		{Folder: "INBOX", UID: 1},
		{Folder: "INBOX", UID: 2},
		{Folder: "Archive", UID: 7},
		{Folder: "Archive", UID: 8},
	}

	sink, _ := runPool(t, srv, tasks, Options{})

	if got := sink.count(stats.EventTypeDownloaded); got != 3 {
		t.Errorf("downloaded = %d, want 3", got)
	}
	if got := sink.count(stats.EventTypeDuplicate); got != 1 {
		t.Errorf("duplicates = %d, want 1", got)
	}
	if got := sink.count(stats.EventTypeFailed); got != 0 {
		t.Errorf("failed = %d, want 0", got)
	}
}

func TestPool_RetriesTransientThenSucceeds(t *testing.T) {
	srv := newFakeServer()
	srv.add("INBOX", 1, "<a@example.com>", "body")
	srv.failBodyFetch("INBOX", 1,
		errors.New("read tcp: connection reset by peer"),
		errors.New("i/o timeout"),
	)

	tasks := []model.MessageTask{{Folder: "INBOX", UID: 1}}
	sink, _ := runPool(t, srv, tasks, Options{MaxRetries: 3})

	if got := sink.count(stats.EventTypeRetried); got != 2 {
		t.Errorf("retried = %d, want 2", got)
	}
	if got := sink.count(stats.EventTypeDownloaded); got != 1 {
		t.Errorf("downloaded = %d, want 1", got)
	}
}

func TestPool_ExhaustsRetryBudget(t *testing.T) {
	srv := newFakeServer()
	srv.add("INBOX", 1, "<a@example.com>", "body")
	// More failures than the budget allows.
	srv.failIDFetch("INBOX", 1,
		errors.New("i/o timeout"),
		errors.New("i/o timeout"),
		errors.New("i/o timeout"),
		errors.New("i/o timeout"),
	)

	tasks := []model.MessageTask{{Folder: "INBOX", UID: 1}}
	sink, _ := runPool(t, srv, tasks, Options{MaxRetries: 2})

	// MaxRetries=2 means 3 attempts: 2 retried events then a failure.
	if got := sink.count(stats.EventTypeRetried); got != 2 {
		t.Errorf("retried = %d, want 2", got)
	}
	if got := sink.count(stats.EventTypeFailed); got != 1 {
		t.Errorf("failed = %d, want 1", got)
	}
	if got := sink.count(stats.EventTypeDownloaded); got != 0 {
		t.Errorf("downloaded = %d, want 0", got)
	}
}

func TestPool_MissingMessageIDIsPermanent(t *testing.T) {
	srv := newFakeServer()
	srv.add("INBOX", 1, "", "body without id")

	tasks := []model.MessageTask{{Folder: "INBOX", UID: 1}}
	sink, _ := runPool(t, srv, tasks, Options{MaxRetries: 5})

	if got := sink.count(stats.EventTypeRetried); got != 0 {
		t.Errorf("retried = %d, want 0 for a permanent failure", got)
	}
	if got := sink.count(stats.EventTypeFailed); got != 1 {
		t.Errorf("failed = %d, want 1", got)
	}
}

func TestPool_ReleasesReservationOnBodyFailure(t *testing.T) {
	srv := newFakeServer()
	srv.add("INBOX", 1, "<a@example.com>", "body")
	srv.add("Archive", 9, "<a@example.com>", "body")
	// UID 1 permanently fails after winning the reservation; the Archive
	// copy must then be downloadable instead of counted duplicate.
	srv.failBodyFetch("INBOX", 1, fmt.Errorf("uid 1: %w", imap.ErrEmptyBody))

	sessions, err := session.NewProvider(session.Options{Dial: srv.dial, RetryDelay: time.Millisecond}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer sessions.Close()

	q := queue.New()
	q.Push(queue.LanePrimary, model.MessageTask{Folder: "INBOX", UID: 1})
	q.Push(queue.LaneSecondary, model.MessageTask{Folder: "Archive", UID: 9})
	q.Close()

	sink := &recordingSink{}
	pool, err := New(Options{
		Workers:        1,
		OutputDir:      t.TempDir(),
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  time.Millisecond,
	}, q, sessions, state.NewMemoryStore(), sink, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := pool.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := sink.count(stats.EventTypeFailed); got != 1 {
		t.Errorf("failed = %d, want 1", got)
	}
	if got := sink.count(stats.EventTypeDownloaded); got != 1 {
		t.Errorf("downloaded = %d, want 1", got)
	}
	if got := sink.count(stats.EventTypeDuplicate); got != 0 {
		t.Errorf("duplicates = %d, want 0", got)
	}
}

func TestPool_SanitizesFolderNames(t *testing.T) {
	srv := newFakeServer()
	srv.add("[Gmail]/All Mail", 3, "<a@example.com>", "body")

	tasks := []model.MessageTask{{Folder: "[Gmail]/All Mail", UID: 3}}
	_, dir := runPool(t, srv, tasks, Options{})

	path := filepath.Join(dir, "_Gmail__All_Mail", "3.eml")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected %s to exist: %v", path, err)
	}
}
