package archive

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dhcgn/imap-backup/stats"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestCreate_RoundTrip(t *testing.T) {
	files := map[string]string{
		"INBOX/1.eml":   "From: a@example.com\r\n\r\nhello",
		"INBOX/2.eml":   "From: b@example.com\r\n\r\nworld",
		"Archive/9.eml": "From: c@example.com\r\n\r\nthird",
	}
	src := writeTree(t, files)
	archivePath := filepath.Join(t.TempDir(), "run.zip")

	res, err := Create(Options{SourceDir: src, ArchivePath: archivePath}, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if res.FileCount != 3 {
		t.Errorf("FileCount = %d, want 3", res.FileCount)
	}
	if res.SHA1 == "" || res.SizeBytes == 0 {
		t.Errorf("missing hash or size in result: %+v", res)
	}

	dest := t.TempDir()
	if err := Extract(archivePath, dest); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	for rel, want := range files {
		got, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(rel)))
		if err != nil {
			t.Errorf("missing %s after extract: %v", rel, err)
			continue
		}
		if string(got) != want {
			t.Errorf("%s content = %q, want %q", rel, got, want)
		}
	}
}

func TestCreate_CompressedRoundTrip(t *testing.T) {
	src := writeTree(t, map[string]string{
		"INBOX/1.eml": strings.Repeat("compressible content\n", 200),
	})
	archivePath := filepath.Join(t.TempDir(), "run.zip")

	res, err := Create(Options{SourceDir: src, ArchivePath: archivePath, CompressionLevel: 6}, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if res.SizeBytes >= res.TotalBytes {
		t.Errorf("deflate archive (%d bytes) not smaller than input (%d bytes)", res.SizeBytes, res.TotalBytes)
	}

	dest := t.TempDir()
	if err := Extract(archivePath, dest); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
}

func TestCreate_InvalidCompressionLevel(t *testing.T) {
	src := writeTree(t, map[string]string{"a.eml": "x"})
	_, err := Create(Options{SourceDir: src, ArchivePath: filepath.Join(t.TempDir(), "x.zip"), CompressionLevel: 11}, nil)
	if err == nil {
		t.Error("expected error for compression level out of range")
	}
}

func TestCreate_MissingSource(t *testing.T) {
	_, err := Create(Options{SourceDir: filepath.Join(t.TempDir(), "nope"), ArchivePath: filepath.Join(t.TempDir(), "x.zip")}, nil)
	if err == nil {
		t.Error("expected error for missing source directory")
	}
}

func TestCreate_NoTempLeftOnSuccess(t *testing.T) {
	src := writeTree(t, map[string]string{"a.eml": "x"})
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "run.zip")

	if _, err := Create(Options{SourceDir: src, ArchivePath: archivePath}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(archivePath + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary archive file left behind")
	}
}

func TestManifest_WriteAndVerify(t *testing.T) {
	src := writeTree(t, map[string]string{"INBOX/1.eml": "body"})
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "run.zip")
	manifestPath := filepath.Join(dir, "run.txt")

	res, err := Create(Options{SourceDir: src, ArchivePath: archivePath}, nil)
	if err != nil {
		t.Fatal(err)
	}

	summary := stats.Summary{
		Discovered: 10,
		Downloaded: 7,
		Skipped:    3,
		Started:    time.Now().Add(-time.Hour),
		PerFolder: map[string]stats.FolderSummary{
			"INBOX": {Downloaded: 7, Skipped: 3},
		},
	}
	manifest := Manifest{
		FileName: "run.zip",
		Size:     res.SizeBytes,
		SHA1:     res.SHA1,
		Date:     time.Now(),
		Status:   "Completed",
		Server:   "imap.example.com",
		Summary:  summary,
	}
	if err := WriteManifest(manifestPath, manifest); err != nil {
		t.Fatalf("WriteManifest() error = %v", err)
	}

	if err := Verify(archivePath, manifestPath); err != nil {
		t.Errorf("Verify() error = %v, want pass", err)
	}

	recorded, err := RecordedHash(manifestPath)
	if err != nil {
		t.Fatal(err)
	}
	if recorded != res.SHA1 {
		t.Errorf("RecordedHash = %s, want %s", recorded, res.SHA1)
	}
}

func TestManifest_Format(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.txt")
	manifest := Manifest{
		FileName: "run.zip",
		Size:     1234,
		SHA1:     "da39a3ee5e6b4b0d3255bfef95601890afd80709",
		Date:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Status:   "Completed",
		Server:   "imap.example.com",
		Summary: stats.Summary{
			Discovered: 5,
			Downloaded: 4,
			Failed:     1,
			Started:    time.Now(),
		},
	}
	if err := WriteManifest(path, manifest); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	content := string(raw)

	for _, want := range []string{
		"File: run.zip\n",
		"Size: 1234 bytes\n",
		"SHA1: da39a3ee5e6b4b0d3255bfef95601890afd80709\n",
		"Status: Completed\n",
		"Total Emails: 5\n",
		"Downloaded: 4\n",
		"Failed: 1\n",
		"Remaining: 0\n",
		"Server Connected: imap.example.com\n",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("manifest missing line %q\n%s", want, content)
		}
	}
}

func TestVerify_DetectsCorruption(t *testing.T) {
	src := writeTree(t, map[string]string{"INBOX/1.eml": "body"})
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "run.zip")
	manifestPath := filepath.Join(dir, "run.txt")

	res, err := Create(Options{SourceDir: src, ArchivePath: archivePath}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteManifest(manifestPath, Manifest{FileName: "run.zip", Size: res.SizeBytes, SHA1: res.SHA1, Date: time.Now(), Status: "Completed"}); err != nil {
		t.Fatal(err)
	}

	f, err := os.OpenFile(archivePath, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("corruption"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if err := Verify(archivePath, manifestPath); !errors.Is(err, ErrHashMismatch) {
		t.Errorf("Verify() error = %v, want ErrHashMismatch", err)
	}
}

func TestVerify_ManifestWithoutHash(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "run.txt")
	if err := os.WriteFile(manifestPath, []byte("File: run.zip\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := RecordedHash(manifestPath); err == nil {
		t.Error("expected error for manifest without SHA1 line")
	}
}

func TestExportMbox(t *testing.T) {
	src := writeTree(t, map[string]string{
		"INBOX/1.eml":   "From: alice@example.com\r\nDate: Mon, 02 Jan 2006 15:04:05 -0700\r\nSubject: one\r\n\r\nfirst",
		"Archive/2.eml": "From: bob@example.com\r\nSubject: two\r\n\r\nsecond",
		"INBOX/note":    "not an eml file",
	})
	mboxPath := filepath.Join(t.TempDir(), "run.mbox")

	count, err := ExportMbox(src, mboxPath, nil)
	if err != nil {
		t.Fatalf("ExportMbox() error = %v", err)
	}
	if count != 2 {
		t.Errorf("exported %d messages, want 2", count)
	}

	file, err := os.Open(mboxPath)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	separators := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "From ") {
			separators++
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatal(err)
	}
	if separators != 2 {
		t.Errorf("mbox has %d From_ separators, want 2", separators)
	}

	if _, err := os.Stat(mboxPath + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary mbox file left behind")
	}
}
