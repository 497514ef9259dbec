package stats

import (
	"sort"
	"sync"
	"time"
)

type EventType string

const (
	EventTypeDiscovered    EventType = "discovered"
	EventTypeDownloaded    EventType = "downloaded"
	EventTypeDuplicate     EventType = "duplicate"
	EventTypeFailed        EventType = "failed"
	EventTypeRetried       EventType = "retried"
	EventTypeFolderScanned EventType = "folder_scanned"
	EventTypeFolderSkipped EventType = "folder_skipped"
	EventTypeError         EventType = "error"
)

// Event is one occurrence on the run's event stream. Workers and the
// enumerator emit events; subscribers (collector, progress bar) consume them.
type Event struct {
	Type      EventType
	Folder    string
	UID       uint32
	MessageID string
	Attempt   int
	Err       error
}

// FolderSummary is the per-folder outcome breakdown.
type FolderSummary struct {
	Downloaded int
	Skipped    int
	Failed     int
}

// Summary is a point-in-time snapshot of the run's counters. Each task
// contributes to exactly one of Downloaded, Skipped or Failed.
type Summary struct {
	Discovered     int
	Downloaded     int
	Skipped        int
	Failed         int
	Retries        int
	FoldersScanned int
	FoldersSkipped int
	LastError      error
	PerFolder      map[string]FolderSummary

	Started time.Time
	Elapsed time.Duration
}

// Remaining is the number of discovered tasks without a terminal outcome.
func (s Summary) Remaining() int {
	remaining := s.Discovered - s.Downloaded - s.Skipped - s.Failed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// EmailsPerHour derives the average download rate.
func (s Summary) EmailsPerHour() float64 {
	hours := s.Elapsed.Hours()
	if hours <= 0 {
		return 0
	}
	return float64(s.Downloaded) / hours
}

// FolderNames returns the folders with recorded outcomes, sorted.
func (s Summary) FolderNames() []string {
	names := make([]string, 0, len(s.PerFolder))
	for name := range s.PerFolder {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"discovered", s.Discovered,
		"downloaded", s.Downloaded,
		"skipped", s.Skipped,
		"failed", s.Failed,
		"retries", s.Retries,
		"foldersScanned", s.FoldersScanned,
		"foldersSkipped", s.FoldersSkipped,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// Collector aggregates events into a Summary. It doubles as the run's
// progress tracker: counters are monotonically non-decreasing and a snapshot
// can be taken at any time.
type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{
		summary: Summary{
			Started:   time.Now(),
			PerFolder: make(map[string]FolderSummary),
		},
	}
}

func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch evt.Type {
	case EventTypeDiscovered:
		c.summary.Discovered++
	case EventTypeDownloaded:
		c.summary.Downloaded++
		c.bumpFolder(evt.Folder, func(fs *FolderSummary) { fs.Downloaded++ })
	case EventTypeDuplicate:
		c.summary.Skipped++
		c.bumpFolder(evt.Folder, func(fs *FolderSummary) { fs.Skipped++ })
	case EventTypeFailed:
		c.summary.Failed++
		c.bumpFolder(evt.Folder, func(fs *FolderSummary) { fs.Failed++ })
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeRetried:
		c.summary.Retries++
	case EventTypeFolderScanned:
		c.summary.FoldersScanned++
	case EventTypeFolderSkipped:
		c.summary.FoldersSkipped++
	case EventTypeError:
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

func (c *Collector) bumpFolder(folder string, fn func(*FolderSummary)) {
	fs := c.summary.PerFolder[folder]
	fn(&fs)
	c.summary.PerFolder[folder] = fs
}

// Snapshot returns a copy of the current counters with elapsed time filled
// in. Safe to call concurrently with Apply.
func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	summary := c.summary
	summary.Elapsed = time.Since(summary.Started)
	summary.PerFolder = make(map[string]FolderSummary, len(c.summary.PerFolder))
	for name, fs := range c.summary.PerFolder {
		summary.PerFolder[name] = fs
	}
	return summary
}

