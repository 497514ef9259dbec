// Package worker implements the download worker pool. Each worker pops a
// task, resolves the message's Message-Id, races for the dedup reservation,
// and either persists the body or records the task as duplicate or failed.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dhcgn/imap-backup/filter"
	"github.com/dhcgn/imap-backup/model"
	"github.com/dhcgn/imap-backup/queue"
	"github.com/dhcgn/imap-backup/session"
	"github.com/dhcgn/imap-backup/state"
	"github.com/dhcgn/imap-backup/stats"
)

// EventSink receives terminal-outcome events; the runner implements it.
type EventSink interface {
	EmitEvent(evt stats.Event)
}

// Options configures the pool.
type Options struct {
	// Workers is the number of concurrent download workers.
	Workers int
	// MaxRetries is the extra attempts after the first transient failure.
	// A task is attempted MaxRetries+1 times before it is recorded failed.
	MaxRetries int
	// OutputDir is the run directory files are written into.
	OutputDir string
	// RetryBaseDelay and RetryMaxDelay bound the backoff between attempts.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// FetchesPerSecond throttles body fetches across the pool. Zero means
	// no throttle.
	FetchesPerSecond float64
}

// Pool drains the queue until it is closed and empty.
type Pool struct {
	opts     Options
	queue    *queue.Queue
	sessions *session.Provider
	store    state.Store
	sink     EventSink
	limiter  *rate.Limiter
	logger   *slog.Logger
}

func New(opts Options, q *queue.Queue, sessions *session.Provider, store state.Store, sink EventSink, logger *slog.Logger) (*Pool, error) {
	if opts.Workers <= 0 {
		return nil, fmt.Errorf("worker count must be positive")
	}
	if opts.OutputDir == "" {
		return nil, fmt.Errorf("output directory is empty")
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 500 * time.Millisecond
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 30 * time.Second
	}

	var limiter *rate.Limiter
	if opts.FetchesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.FetchesPerSecond), 1)
	}

	return &Pool{
		opts:     opts,
		queue:    q,
		sessions: sessions,
		store:    store,
		sink:     sink,
		limiter:  limiter,
		logger:   logger,
	}, nil
}

// Run blocks until every worker has exited. Workers exit when the queue is
// closed and drained. Per-task failures never propagate; only a fatal
// condition (context cancelled during an acquire with no work done) ends a
// worker early.
func (p *Pool) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.opts.Workers; i++ {
		id := i
		group.Go(func() error {
			p.loop(ctx, id)
			return nil
		})
	}

	return group.Wait()
}

func (p *Pool) loop(ctx context.Context, id int) {
	for {
		task, ok := p.queue.Pop()
		if !ok {
			p.logger.Debug("worker exiting", "worker", id)
			return
		}

		outcome := p.process(ctx, &task)
		p.logger.Debug("task done", "worker", id, "folder", task.Folder, "uid", task.UID, "outcome", outcome.String(), "attempts", task.Attempt+1)
	}
}

// process drives one task to its terminal outcome, retrying transient
// failures in place. The task is never re-enqueued.
func (p *Pool) process(ctx context.Context, task *model.MessageTask) model.Outcome {
	for {
		outcome, kind, err := p.attempt(ctx, task)
		if err == nil {
			p.emitOutcome(*task, outcome, nil)
			return outcome
		}

		if kind == KindPermanent || task.Attempt >= p.opts.MaxRetries || ctx.Err() != nil {
			p.emitOutcome(*task, model.OutcomeFailed, err)
			return model.OutcomeFailed
		}

		delay := Backoff(p.opts.RetryBaseDelay, p.opts.RetryMaxDelay, task.Attempt)
		task.Attempt++
		p.sink.EmitEvent(stats.Event{Type: stats.EventTypeRetried, Folder: task.Folder, UID: task.UID, Attempt: task.Attempt, Err: err})
		p.logger.Debug("retrying task", "folder", task.Folder, "uid", task.UID, "attempt", task.Attempt, "delay", delay, "err", err)

		select {
		case <-ctx.Done():
			p.emitOutcome(*task, model.OutcomeFailed, ctx.Err())
			return model.OutcomeFailed
		case <-time.After(delay):
		}
	}
}

func (p *Pool) emitOutcome(task model.MessageTask, outcome model.Outcome, err error) {
	evt := stats.Event{Folder: task.Folder, UID: task.UID, Attempt: task.Attempt, Err: err}
	switch outcome {
	case model.OutcomeDownloaded:
		evt.Type = stats.EventTypeDownloaded
	case model.OutcomeSkippedDuplicate:
		evt.Type = stats.EventTypeDuplicate
	case model.OutcomeFailed:
		evt.Type = stats.EventTypeFailed
		if err != nil {
			p.logger.Warn("task failed", "folder", task.Folder, "uid", task.UID, "attempts", task.Attempt+1, "err", err)
		}
	}
	p.sink.EmitEvent(evt)
}

// attempt performs a single download attempt. The returned Kind is only
// meaningful when err is non-nil.
func (p *Pool) attempt(ctx context.Context, task *model.MessageTask) (model.Outcome, Kind, error) {
	mbox, err := p.sessions.Acquire(ctx)
	if err != nil {
		return 0, Classify(err), fmt.Errorf("acquire session: %w", err)
	}

	msgID, err := mbox.FetchMessageID(ctx, task.Folder, task.UID)
	if err != nil {
		kind := Classify(err)
		if kind == KindTransient {
			p.sessions.Discard(mbox)
		} else {
			p.sessions.Release(mbox)
		}
		return 0, kind, fmt.Errorf("fetch message id %s/%d: %w", task.Folder, task.UID, err)
	}

	if !p.store.Reserve(msgID) {
		// Another folder already carries this message, or a previous run
		// persisted it.
		p.sessions.Release(mbox)
		return model.OutcomeSkippedDuplicate, 0, nil
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			p.store.Release(msgID)
			p.sessions.Release(mbox)
			return 0, KindTransient, fmt.Errorf("rate limit: %w", err)
		}
	}

	msg, err := mbox.FetchBody(ctx, task.Folder, task.UID)
	if err != nil {
		p.store.Release(msgID)
		kind := Classify(err)
		if kind == KindTransient {
			p.sessions.Discard(mbox)
		} else {
			p.sessions.Release(mbox)
		}
		return 0, kind, fmt.Errorf("fetch body %s/%d: %w", task.Folder, task.UID, err)
	}
	p.sessions.Release(mbox)

	if err := p.writeMessage(*task, msg); err != nil {
		p.store.Release(msgID)
		// A full disk or bad permissions will not heal between attempts.
		return 0, KindPermanent, err
	}

	if err := p.store.Complete(msgID, task.Folder, task.UID); err != nil {
		return 0, KindPermanent, fmt.Errorf("record completion %s/%d: %w", task.Folder, task.UID, err)
	}

	return model.OutcomeDownloaded, 0, nil
}

// writeMessage persists the raw message under <out>/<folder>/<uid>.eml,
// writing to a temporary name first and renaming into place.
func (p *Pool) writeMessage(task model.MessageTask, msg model.Message) error {
	folderDir := filepath.Join(p.opts.OutputDir, filter.SanitizeName(task.Folder))
	if err := os.MkdirAll(folderDir, 0o755); err != nil {
		return fmt.Errorf("create folder dir: %w", err)
	}

	name := strconv.FormatUint(uint64(task.UID), 10) + ".eml"
	finalPath := filepath.Join(folderDir, name)
	tmpPath := filepath.Join(folderDir, "."+name+".tmp")

	if err := os.WriteFile(tmpPath, msg.Raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", finalPath, err)
	}

	return nil
}
