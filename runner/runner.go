// Package runner wires the download engine together: session pool,
// enumerator, work queue, worker pool, dedup store, progress tracking and
// the final archive step.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dhcgn/imap-backup/archive"
	"github.com/dhcgn/imap-backup/enumerate"
	"github.com/dhcgn/imap-backup/filter"
	"github.com/dhcgn/imap-backup/imap"
	"github.com/dhcgn/imap-backup/model"
	"github.com/dhcgn/imap-backup/queue"
	"github.com/dhcgn/imap-backup/session"
	"github.com/dhcgn/imap-backup/state"
	"github.com/dhcgn/imap-backup/stats"
	"github.com/dhcgn/imap-backup/worker"
)

const (
	StatusCompleted = "Completed"
	StatusCancelled = "Cancelled"
)

// ErrTasksFailed signals that the run finished but some tasks exhausted
// their retry budget.
var ErrTasksFailed = errors.New("some downloads failed")

// Options is everything a run needs; the CLI layer fills it in.
type Options struct {
	Account model.Account
	Dates   filter.DateRange

	// Dial overrides connection establishment. When nil the runner
	// discovers a reachable server from the account and dials that.
	Dial session.DialFunc

	OutputDir string
	RunName   string

	Workers          int
	MaxRetries       int
	ConnectRetries   int
	CallTimeout      time.Duration
	FetchesPerSecond float64

	CreateArchive    bool
	CompressionLevel int
	ExportMbox       bool
}

// Result is what a finished (or cancelled) run produced.
type Result struct {
	Summary      stats.Summary
	Status       string
	Server       string
	RunDir       string
	ArchivePath  string
	ManifestPath string
	MboxPath     string
}

// Failed reports whether the run should map to a non-zero exit status.
func (r Result) Failed() bool {
	return r.Status == StatusCancelled || r.Summary.Failed > 0
}

// Runner owns the per-run shared state. Dedup store and collector are
// constructed here and passed by reference into every worker; independent
// runs never share them.
type Runner struct {
	opts   Options
	logger *slog.Logger

	runDir string

	queue     *queue.Queue
	store     *state.FileStore
	collector *stats.Collector

	events    chan stats.Event
	displays  []func(stats.Event)
	displayMu sync.Mutex

	dispatchWG      sync.WaitGroup
	closeEventsOnce sync.Once
}

func New(opts Options, logger *slog.Logger) (*Runner, error) {
	if opts.Workers <= 0 {
		return nil, fmt.Errorf("worker count must be positive")
	}
	if opts.RunName == "" {
		return nil, fmt.Errorf("run name is empty")
	}

	runDir := filepath.Join(opts.OutputDir, opts.RunName)

	store, err := state.NewFileStore(runDir, true)
	if err != nil {
		return nil, fmt.Errorf("dedup store: %w", err)
	}

	return &Runner{
		opts:      opts,
		logger:    logger,
		runDir:    runDir,
		queue:     queue.New(),
		store:     store,
		collector: stats.NewCollector(),
		events:    make(chan stats.Event, 128),
	}, nil
}

// EmitEvent records the event in the progress counters and forwards it to
// the display subscribers. Counter updates are synchronous so a snapshot is
// never behind a terminal outcome.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.collector.Apply(evt)
	r.events <- evt
}

// OnEvent registers a display callback, invoked from the dispatch goroutine
// in event order. Must be called before Run.
func (r *Runner) OnEvent(fn func(stats.Event)) {
	r.displayMu.Lock()
	r.displays = append(r.displays, fn)
	r.displayMu.Unlock()
}

// Snapshot returns the current progress counters. Usable at any time, e.g.
// for the manual refresh trigger.
func (r *Runner) Snapshot() stats.Summary {
	return r.collector.Snapshot()
}

// Run executes the whole engine and blocks until the run reaches a terminal
// state. The returned error is fatal-only (authentication, no reachable
// server); per-task failures are reported through Result instead.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	r.startDispatch()
	defer r.closeEvents()

	dial := r.opts.Dial
	server := r.opts.Account.Host
	var seed imap.Mailbox

	if dial == nil {
		client, discovered, err := imap.Discover(ctx, r.opts.Account, r.opts.CallTimeout, r.logger)
		if err != nil {
			return Result{}, err
		}
		r.logger.Info("connected", "server", discovered, "user", r.opts.Account.Address)

		server = discovered
		seed = client
		dial = func(ctx context.Context) (imap.Mailbox, error) {
			return imap.Dial(ctx, imap.Options{
				Host:        server,
				Port:        r.opts.Account.Port,
				Username:    r.opts.Account.Address,
				Password:    r.opts.Account.Password,
				UseTLS:      r.opts.Account.UseTLS,
				CallTimeout: r.opts.CallTimeout,
			}, r.logger)
		}
	}

	sessions, err := session.NewProvider(session.Options{
		Dial:           dial,
		ConnectRetries: r.opts.ConnectRetries,
	}, r.logger)
	if err != nil {
		return Result{}, err
	}
	defer sessions.Close()

	// The discovery connection becomes the first pool member.
	if seed != nil {
		sessions.Release(seed)
	}

	enum := enumerate.New(sessions, r.queue, r.opts.Dates, r, r.logger)

	primary, secondary, err := enum.ListFolders(ctx)
	if err != nil {
		return Result{}, err
	}
	r.logger.Info("folders listed", "primary", primary, "secondary", len(secondary))

	// Prime the primary folder synchronously so workers start with work.
	if primary != "" {
		if _, err := enum.Prime(ctx, primary); err != nil {
			if ctx.Err() == nil {
				r.logger.Warn("priming failed, primary folder skipped", "folder", primary, "err", err)
				r.EmitEvent(stats.Event{Type: stats.EventTypeFolderSkipped, Folder: primary, Err: err})
			}
		}
	}

	// Cancellation: stop producing, drop queued tasks, let workers finish
	// their in-flight task.
	runDone := make(chan struct{})
	defer close(runDone)
	go func() {
		select {
		case <-ctx.Done():
			dropped := r.queue.Abort()
			if dropped > 0 {
				r.logger.Warn("run cancelled", "droppedTasks", dropped)
			}
		case <-runDone:
		}
	}()

	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		if err := enum.Scan(ctx, secondary); err != nil && ctx.Err() == nil {
			r.logger.Error("background scan aborted", "err", err)
		}
		r.queue.Close()
	}()

	pool, err := worker.New(worker.Options{
		Workers:          r.opts.Workers,
		MaxRetries:       r.opts.MaxRetries,
		OutputDir:        r.runDir,
		FetchesPerSecond: r.opts.FetchesPerSecond,
	}, r.queue, sessions, r.store, r, r.logger)
	if err != nil {
		return Result{}, err
	}

	if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
		return Result{}, fmt.Errorf("worker pool: %w", err)
	}
	<-scanDone

	if err := r.store.Close(); err != nil {
		r.logger.Error("closing dedup store", "err", err)
	}

	r.closeEvents()
	r.dispatchWG.Wait()

	status := StatusCompleted
	if ctx.Err() != nil {
		status = StatusCancelled
	}

	result := Result{
		Summary: r.collector.Snapshot(),
		Status:  status,
		Server:  server,
		RunDir:  r.runDir,
	}

	r.logger.Info("run finished", append(result.Summary.LogAttrs(), "status", status, "duration", result.Summary.Elapsed)...)

	// The archiver runs against whatever completed, also after cancellation.
	if r.opts.CreateArchive {
		if err := r.archiveRun(&result); err != nil {
			// Downloaded data stays intact; only the packaging failed.
			r.logger.Error("archive failed, run directory preserved", "dir", r.runDir, "err", err)
		}
	}

	if r.opts.ExportMbox {
		mboxPath := filepath.Join(r.opts.OutputDir, r.opts.RunName+".mbox")
		if _, err := archive.ExportMbox(r.runDir, mboxPath, r.logger); err != nil {
			r.logger.Error("mbox export failed", "err", err)
		} else {
			result.MboxPath = mboxPath
		}
	}

	return result, nil
}

func (r *Runner) archiveRun(result *Result) error {
	archivePath := filepath.Join(r.opts.OutputDir, r.opts.RunName+".zip")
	manifestPath := filepath.Join(r.opts.OutputDir, r.opts.RunName+".txt")

	res, err := archive.Create(archive.Options{
		SourceDir:        r.runDir,
		ArchivePath:      archivePath,
		CompressionLevel: r.opts.CompressionLevel,
	}, r.logger)
	if err != nil {
		return err
	}

	manifest := archive.Manifest{
		FileName: filepath.Base(archivePath),
		Size:     res.SizeBytes,
		SHA1:     res.SHA1,
		Date:     time.Now(),
		Status:   result.Status,
		Server:   result.Server,
		Summary:  result.Summary,
	}
	if err := archive.WriteManifest(manifestPath, manifest); err != nil {
		return err
	}

	result.ArchivePath = archivePath
	result.ManifestPath = manifestPath
	return nil
}

func (r *Runner) startDispatch() {
	r.dispatchWG.Add(1)
	go func() {
		defer r.dispatchWG.Done()
		for evt := range r.events {
			r.displayMu.Lock()
			displays := r.displays
			r.displayMu.Unlock()
			for _, fn := range displays {
				fn(evt)
			}
		}
	}()
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		close(r.events)
	})
}

// RunName derives the canonical base name for a run:
// <user>_<domain>_<start>_<end>, with "Start" standing in for an unbounded
// start and today's date for an open end.
func RunName(account model.Account, dates filter.DateRange, now time.Time) string {
	user := account.Address
	if at := strings.LastIndex(user, "@"); at >= 0 {
		user = user[:at] + "_" + user[at+1:]
	}

	start := "Start"
	if !dates.Since.IsZero() {
		start = dates.Since.Format("20060102")
	}

	end := now.Format("20060102")
	if !dates.Before.IsZero() {
		end = dates.Before.Format("20060102")
	}

	return filter.SanitizeName(user + "_" + start + "_" + end)
}
