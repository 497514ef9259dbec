// Package enumerate discovers download tasks. The primary folder is primed
// synchronously so workers have work immediately; every other folder is
// scanned in the background while downloads are already running.
package enumerate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dhcgn/imap-backup/filter"
	"github.com/dhcgn/imap-backup/model"
	"github.com/dhcgn/imap-backup/queue"
	"github.com/dhcgn/imap-backup/session"
	"github.com/dhcgn/imap-backup/stats"
)

const primaryFolder = "INBOX"

// EventSink receives discovery events; the runner implements it.
type EventSink interface {
	EmitEvent(evt stats.Event)
}

// SplitFolders separates the primary folder from the rest and drops folders
// excluded by the skip rules. primary is empty when the listing has no INBOX.
func SplitFolders(folders []string) (primary string, secondary []string) {
	for _, folder := range folders {
		if filter.SkipFolder(folder) {
			continue
		}
		if strings.EqualFold(folder, primaryFolder) {
			primary = folder
			continue
		}
		secondary = append(secondary, folder)
	}
	return primary, secondary
}

// Enumerator lists folders and pushes (folder, uid) tasks to the queue.
type Enumerator struct {
	sessions *session.Provider
	queue    *queue.Queue
	dates    filter.DateRange
	sink     EventSink
	logger   *slog.Logger
}

func New(sessions *session.Provider, q *queue.Queue, dates filter.DateRange, sink EventSink, logger *slog.Logger) *Enumerator {
	return &Enumerator{
		sessions: sessions,
		queue:    q,
		dates:    dates,
		sink:     sink,
		logger:   logger,
	}
}

// ListFolders fetches the folder listing and splits it into primary and
// secondary folders.
func (e *Enumerator) ListFolders(ctx context.Context) (string, []string, error) {
	mbox, err := e.sessions.Acquire(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("list folders: %w", err)
	}

	folders, err := mbox.ListFolders(ctx)
	if err != nil {
		e.sessions.Discard(mbox)
		return "", nil, fmt.Errorf("list folders: %w", err)
	}
	e.sessions.Release(mbox)

	primary, secondary := SplitFolders(folders)
	return primary, secondary, nil
}

// Prime synchronously enumerates the primary folder and enqueues its tasks on
// the primary lane. It returns the number of tasks pushed.
func (e *Enumerator) Prime(ctx context.Context, primary string) (int, error) {
	if primary == "" {
		return 0, nil
	}
	return e.scanFolder(ctx, primary, queue.LanePrimary)
}

// Scan enumerates the secondary folders in turn, pushing tasks on the
// secondary lane as they are found. A folder that cannot be opened is logged
// and skipped; it never aborts the scan. Scan returns once every folder has
// been attempted, which is the "scan complete" signal.
func (e *Enumerator) Scan(ctx context.Context, folders []string) error {
	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := e.scanFolder(ctx, folder, queue.LaneSecondary); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Warn("skipping folder", "folder", folder, "err", err)
			e.sink.EmitEvent(stats.Event{Type: stats.EventTypeFolderSkipped, Folder: folder, Err: err})
			continue
		}
	}

	return nil
}

func (e *Enumerator) scanFolder(ctx context.Context, folder string, lane queue.Lane) (int, error) {
	mbox, err := e.sessions.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("scan %q: %w", folder, err)
	}

	uids, err := mbox.SearchUIDs(ctx, folder, e.dates)
	if err != nil {
		e.sessions.Discard(mbox)
		return 0, fmt.Errorf("scan %q: %w", folder, err)
	}
	e.sessions.Release(mbox)

	pushed := 0
	for _, uid := range uids {
		task := model.MessageTask{Folder: folder, UID: uid}
		if !e.queue.Push(lane, task) {
			break
		}
		e.sink.EmitEvent(stats.Event{Type: stats.EventTypeDiscovered, Folder: folder, UID: uid})
		pushed++
	}

	e.sink.EmitEvent(stats.Event{Type: stats.EventTypeFolderScanned, Folder: folder})
	e.logger.Debug("folder scanned", "folder", folder, "found", len(uids), "enqueued", pushed)

	return pushed, nil
}
