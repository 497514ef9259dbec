// Package archive packages a finished run directory into a zip archive with
// a SHA-1 manifest, and optionally exports the tree as a single mbox file.
// Archives are written to a temporary path and renamed into place; a failed
// archive never touches the downloaded data.
package archive

import (
	"archive/zip"
	"compress/flate"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Options configures archive creation.
type Options struct {
	// SourceDir is the run directory to package.
	SourceDir string
	// ArchivePath is the final .zip location.
	ArchivePath string
	// CompressionLevel selects the method: 0 stores entries uncompressed,
	// 1-9 use deflate at that level.
	CompressionLevel int
}

// Result describes the produced archive.
type Result struct {
	ArchivePath string
	SHA1        string
	SizeBytes   int64
	FileCount   int
	TotalBytes  int64
}

// Create walks the source tree, writes the archive and hashes it.
func Create(opts Options, logger *slog.Logger) (Result, error) {
	if opts.SourceDir == "" {
		return Result{}, fmt.Errorf("source directory is empty")
	}
	if opts.ArchivePath == "" {
		return Result{}, fmt.Errorf("archive path is empty")
	}
	if opts.CompressionLevel < 0 || opts.CompressionLevel > 9 {
		return Result{}, fmt.Errorf("compression level must be 0-9")
	}

	info, err := os.Stat(opts.SourceDir)
	if err != nil {
		return Result{}, fmt.Errorf("stat source: %w", err)
	}
	if !info.IsDir() {
		return Result{}, fmt.Errorf("source %q is not a directory", opts.SourceDir)
	}

	tmpPath := opts.ArchivePath + ".tmp"
	result, err := writeZip(opts, tmpPath)
	if err != nil {
		_ = os.Remove(tmpPath)
		return Result{}, err
	}

	if err := os.Rename(tmpPath, opts.ArchivePath); err != nil {
		_ = os.Remove(tmpPath)
		return Result{}, fmt.Errorf("rename archive: %w", err)
	}

	sum, size, err := HashFile(opts.ArchivePath)
	if err != nil {
		return Result{}, fmt.Errorf("hash archive: %w", err)
	}

	result.ArchivePath = opts.ArchivePath
	result.SHA1 = sum
	result.SizeBytes = size

	if logger != nil {
		logger.Info("archive created", "path", opts.ArchivePath, "files", result.FileCount, "bytes", result.TotalBytes, "sha1", sum)
	}

	return result, nil
}

func writeZip(opts Options, tmpPath string) (Result, error) {
	out, err := os.Create(tmpPath)
	if err != nil {
		return Result{}, fmt.Errorf("create archive: %w", err)
	}

	zw := zip.NewWriter(out)

	method := zip.Store
	if opts.CompressionLevel > 0 {
		method = zip.Deflate
		level := opts.CompressionLevel
		zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(w, level)
		})
	}

	var result Result

	walkErr := filepath.WalkDir(opts.SourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(opts.SourceDir, path)
		if err != nil {
			return err
		}

		header := &zip.FileHeader{
			Name:   filepath.ToSlash(rel),
			Method: method,
		}
		if info, err := d.Info(); err == nil {
			header.Modified = info.ModTime()
		}

		entry, err := zw.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("create entry %s: %w", rel, err)
		}

		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		n, err := io.Copy(entry, file)
		file.Close()
		if err != nil {
			return fmt.Errorf("copy %s: %w", rel, err)
		}

		result.FileCount++
		result.TotalBytes += n
		return nil
	})
	if walkErr != nil {
		_ = zw.Close()
		_ = out.Close()
		return Result{}, fmt.Errorf("walk source: %w", walkErr)
	}

	if err := zw.Close(); err != nil {
		_ = out.Close()
		return Result{}, fmt.Errorf("finish archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return Result{}, fmt.Errorf("close archive: %w", err)
	}

	return result, nil
}

// HashFile computes the SHA-1 of a file and returns the hex digest plus the
// file size.
func HashFile(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	hash := sha1.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return "", 0, err
	}

	return hex.EncodeToString(hash.Sum(nil)), size, nil
}

// Extract unpacks an archive into destDir. Used by tests to check that the
// archive reproduces the source tree byte for byte.
func Extract(archivePath, destDir string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer reader.Close()

	for _, entry := range reader.File {
		rel := filepath.FromSlash(entry.Name)
		if strings.Contains(rel, "..") {
			return fmt.Errorf("entry %q escapes destination", entry.Name)
		}
		target := filepath.Join(destDir, rel)

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		src, err := entry.Open()
		if err != nil {
			return fmt.Errorf("open entry %s: %w", entry.Name, err)
		}
		dst, err := os.Create(target)
		if err != nil {
			src.Close()
			return err
		}
		_, err = io.Copy(dst, src)
		src.Close()
		if closeErr := dst.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return fmt.Errorf("extract %s: %w", entry.Name, err)
		}
	}

	return nil
}
