// Package state implements the dedup store: a process-wide map from a
// message's Message-ID to its completion state. Reservation is the single
// mutual-exclusion point that guarantees at most one file is ever written per
// identifier, no matter how many folders carry the message.
package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// EntryState is the lifecycle of a dedup key within a run.
type EntryState int

const (
	// StateReserved means a worker has claimed the key and is fetching the
	// body. A reservation is released again if the fetch fails.
	StateReserved EntryState = iota
	// StateCompleted means a file has been written for the key.
	StateCompleted
)

// Store is the dedup interface shared by all workers of a run.
type Store interface {
	// Reserve atomically claims the key. It returns true if the caller won
	// the claim, false if the key is already reserved or completed.
	Reserve(key string) bool
	// Release drops a reservation so a later attempt can claim the key
	// again. Completed keys are not affected.
	Release(key string)
	// Complete marks a reserved key as completed. folder and uid record
	// where the file was written.
	Complete(key, folder string, uid uint32) error
	// Known reports whether the key is reserved or completed.
	Known(key string) bool
	Snapshot() Snapshot
}

type Snapshot struct {
	Reserved  int
	Completed int
}

// MemoryStore keeps all entries in memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]EntryState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]EntryState)}
}

func (m *MemoryStore) Reserve(key string) bool {
	if key == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; ok {
		return false
	}
	m.entries[key] = StateReserved
	return true
}

func (m *MemoryStore) Release(key string) {
	m.mu.Lock()
	if s, ok := m.entries[key]; ok && s == StateReserved {
		delete(m.entries, key)
	}
	m.mu.Unlock()
}

func (m *MemoryStore) Complete(key, folder string, uid uint32) error {
	m.mu.Lock()
	m.entries[key] = StateCompleted
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Known(key string) bool {
	if key == "" {
		return false
	}

	m.mu.Lock()
	_, ok := m.entries[key]
	m.mu.Unlock()
	return ok
}

func (m *MemoryStore) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var snap Snapshot
	for _, s := range m.entries {
		if s == StateCompleted {
			snap.Completed++
		} else {
			snap.Reserved++
		}
	}
	return snap
}

// preload marks a key completed without persisting it, used when loading the
// state file of a previous run.
func (m *MemoryStore) preload(key string) {
	m.mu.Lock()
	m.entries[key] = StateCompleted
	m.mu.Unlock()
}

const stateFileName = ".imap-backup-state.jsonl"

// FileStore persists completed keys so a later run over the same output
// directory resolves them as duplicates instead of downloading again.
type FileStore struct {
	*MemoryStore
	path    string
	persist bool
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

type fileRecord struct {
	MessageID string `json:"message_id"`
	Folder    string `json:"folder,omitempty"`
	UID       uint32 `json:"uid,omitempty"`
}

// NewFileStore opens (or creates) the state file inside runDir and preloads
// every previously completed key.
func NewFileStore(runDir string, persist bool) (*FileStore, error) {
	if strings.TrimSpace(runDir) == "" {
		return nil, fmt.Errorf("run directory is empty")
	}

	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}

	store := &FileStore{
		MemoryStore: NewMemoryStore(),
		path:        filepath.Join(runDir, stateFileName),
		persist:     persist,
	}

	if err := store.load(); err != nil {
		return nil, err
	}

	if persist {
		file, err := os.OpenFile(store.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open state file for append: %w", err)
		}
		store.file = file
		store.writer = bufio.NewWriterSize(file, 64*1024)
	}

	return store, nil
}

func (f *FileStore) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var record fileRecord
		if err := json.Unmarshal(text, &record); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		if record.MessageID == "" {
			continue
		}

		f.preload(record.MessageID)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	return nil
}

func (f *FileStore) Complete(key, folder string, uid uint32) error {
	if err := f.MemoryStore.Complete(key, folder, uid); err != nil {
		return err
	}

	if !f.persist {
		return nil
	}

	record := fileRecord{MessageID: key, Folder: folder, UID: uid}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}

	return nil
}

// Flush writes any buffered records to the underlying file.
func (f *FileStore) Flush() error {
	if !f.persist || f.writer == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}
	return nil
}

// Close flushes and closes the state file.
func (f *FileStore) Close() error {
	if !f.persist || f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if f.writer != nil {
		if err := f.writer.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush state file: %w", err)
		}
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync state file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}

	return firstErr
}
