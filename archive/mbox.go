package archive

import (
	"bytes"
	"fmt"
	"io/fs"
	"log/slog"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"
)

// ExportMbox writes every .eml file under sourceDir into a single mbox file,
// so the run can be imported back into a mail client in one step. Written to
// a temporary path and renamed, like the zip archive.
func ExportMbox(sourceDir, mboxPath string, logger *slog.Logger) (int, error) {
	tmpPath := mboxPath + ".tmp"

	out, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("create mbox: %w", err)
	}

	writer := mboxlib.NewWriter(out)
	count := 0

	walkErr := filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".eml") {
			return nil
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		from, date := envelopeLine(raw)
		msgWriter, err := writer.CreateMessage(from, date)
		if err != nil {
			return fmt.Errorf("mbox entry %s: %w", d.Name(), err)
		}
		if _, err := msgWriter.Write(raw); err != nil {
			return fmt.Errorf("mbox write %s: %w", d.Name(), err)
		}

		count++
		return nil
	})
	if walkErr == nil {
		walkErr = writer.Close()
	}
	if closeErr := out.Close(); walkErr == nil {
		walkErr = closeErr
	}
	if walkErr != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("export mbox: %w", walkErr)
	}

	if err := os.Rename(tmpPath, mboxPath); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("rename mbox: %w", err)
	}

	if logger != nil {
		logger.Info("mbox exported", "path", mboxPath, "messages", count)
	}

	return count, nil
}

// envelopeLine derives the From_ separator fields from the message headers,
// falling back to MAILER-DAEMON and the current time.
func envelopeLine(raw []byte) (string, time.Time) {
	from := "MAILER-DAEMON"
	date := time.Now()

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return from, date
	}

	if addr, err := mail.ParseAddress(msg.Header.Get("From")); err == nil && addr.Address != "" {
		from = addr.Address
	}
	if parsed, err := msg.Header.Date(); err == nil {
		date = parsed
	}

	return from, date
}
