package archive

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhcgn/imap-backup/stats"
)

// Manifest is the integrity record written next to the archive.
type Manifest struct {
	FileName string
	Size     int64
	SHA1     string
	Date     time.Time
	Status   string
	Server   string
	Summary  stats.Summary
}

// WriteManifest renders the manifest in the <run-name>.txt format.
func WriteManifest(path string, m Manifest) error {
	var b strings.Builder

	fmt.Fprintf(&b, "File: %s\n", m.FileName)
	fmt.Fprintf(&b, "Size: %d bytes\n", m.Size)
	fmt.Fprintf(&b, "SHA1: %s\n", m.SHA1)
	fmt.Fprintf(&b, "Date: %s\n", m.Date.Format(time.RFC3339))
	fmt.Fprintf(&b, "Status: %s\n", m.Status)
	fmt.Fprintf(&b, "Total Emails: %d\n", m.Summary.Discovered)
	fmt.Fprintf(&b, "Downloaded: %d\n", m.Summary.Downloaded)
	fmt.Fprintf(&b, "Skipped: %d\n", m.Summary.Skipped)
	fmt.Fprintf(&b, "Failed: %d\n", m.Summary.Failed)
	fmt.Fprintf(&b, "Remaining: %d\n", m.Summary.Remaining())
	fmt.Fprintf(&b, "Speed: %.2f emails/hour\n", m.Summary.EmailsPerHour())
	if m.Server != "" {
		fmt.Fprintf(&b, "Server Connected: %s\n", m.Server)
	}

	if len(m.Summary.PerFolder) > 0 {
		b.WriteString("\n--- Folder Statistics ---\n")
		for _, name := range m.Summary.FolderNames() {
			fs := m.Summary.PerFolder[name]
			fmt.Fprintf(&b, "Folder: %s - Downloaded: %d, Skipped: %d, Failed: %d\n",
				name, fs.Downloaded, fs.Skipped, fs.Failed)
		}
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ErrHashMismatch is returned by Verify when the archive no longer matches
// its recorded hash.
var ErrHashMismatch = errors.New("archive hash does not match manifest")

// RecordedHash reads the SHA1 line out of a manifest file.
func RecordedHash(manifestPath string) (string, error) {
	file, err := os.Open(manifestPath)
	if err != nil {
		return "", fmt.Errorf("open manifest: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if value, ok := strings.CutPrefix(line, "SHA1: "); ok {
			return strings.TrimSpace(value), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read manifest: %w", err)
	}

	return "", fmt.Errorf("manifest %s has no SHA1 line", filepath.Base(manifestPath))
}

// Verify recomputes the archive hash and compares it to the manifest record.
func Verify(archivePath, manifestPath string) error {
	recorded, err := RecordedHash(manifestPath)
	if err != nil {
		return err
	}

	actual, _, err := HashFile(archivePath)
	if err != nil {
		return fmt.Errorf("hash archive: %w", err)
	}

	if actual != recorded {
		return fmt.Errorf("%w: recorded %s, computed %s", ErrHashMismatch, recorded, actual)
	}

	return nil
}
