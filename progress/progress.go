package progress

import (
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/imap-backup/stats"
)

// Bar renders the download progress with pterm. The total grows as the
// background scan discovers more folders.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar if logLevel is "info"; at other levels the bar
// stays disabled and the structured log carries the progress instead.
func New(logLevel string) *Bar {
	enabled := logLevel == "info"

	bar := &Bar{enabled: enabled}

	if enabled {
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(0).
			WithTitle("Downloading messages").
			Start()
		bar.pb = pb
	}

	return bar
}

// Update advances the bar for one event. Discovered events grow the total;
// terminal outcomes advance the position.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeDiscovered:
		b.pb.Total++
	case stats.EventTypeDownloaded, stats.EventTypeDuplicate, stats.EventTypeFailed:
		b.pb.Increment()
	case stats.EventTypeFolderScanned:
		if evt.Folder != "" {
			b.pb.UpdateTitle("Scanned: " + evt.Folder)
		}
	case stats.EventTypeFolderSkipped:
		pterm.Warning.Printf("Skipping folder %s: %v\n", evt.Folder, evt.Err)
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

// PrintStatus writes an explicit status line below the bar. This is the
// manually triggered refresh: the runner calls it on demand with a fresh
// snapshot.
func (b *Bar) PrintStatus(summary stats.Summary) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pterm.Info.Printf("Downloaded: %d | Skipped: %d | Failed: %d | Remaining: %d | %.0f emails/h\n",
		summary.Downloaded, summary.Skipped, summary.Failed, summary.Remaining(), summary.EmailsPerHour())
}

// Stop finalizes the bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	_, _ = b.pb.Stop()
}

// PrintSummary renders the final run summary with pterm sections.
func PrintSummary(summary stats.Summary, status string) {
	pterm.Println()
	pterm.DefaultSection.Println("Summary")
	pterm.Info.Printf("Status: %s\n", status)
	pterm.Info.Printf("Duration: %v\n", summary.Elapsed.Round(time.Second))
	pterm.Info.Printf("Discovered: %d\n", summary.Discovered)
	pterm.Info.Printf("Downloaded: %d\n", summary.Downloaded)
	pterm.Info.Printf("Skipped (duplicates): %d\n", summary.Skipped)
	pterm.Info.Printf("Failed: %d\n", summary.Failed)
	pterm.Info.Printf("Average speed: %.2f emails/hour\n", summary.EmailsPerHour())

	for _, name := range summary.FolderNames() {
		fs := summary.PerFolder[name]
		pterm.Info.Printf("  %s: downloaded %d, skipped %d, failed %d\n", name, fs.Downloaded, fs.Skipped, fs.Failed)
	}

	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
}
