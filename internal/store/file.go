package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
)

// FileStore implements Store on the local filesystem. Snapshots are written
// to a temp file, fsynced and renamed over the target so a crash leaves
// either the old or the new snapshot. Logs are JSON-lines files opened in
// append mode and fsynced per line.
type FileStore struct {
	root string
	mu   sync.Mutex
}

// NewFileStore creates (if needed) the snapshot and log directories under root.
func NewFileStore(root string) (*FileStore, error) {
	for _, dir := range []string{filepath.Join(root, "snapshots"), filepath.Join(root, "logs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", dir, err)
		}
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) snapshotPath(key string) string {
	return filepath.Join(s.root, "snapshots", url.PathEscape(key)+".json")
}

func (s *FileStore) logPath(key string) string {
	return filepath.Join(s.root, "logs", url.PathEscape(key)+".jsonl")
}

func (s *FileStore) ReadSnapshot(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.snapshotPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrMissing
		}
		return nil, fmt.Errorf("store: read snapshot %s: %w", key, err)
	}
	return data, nil
}

func (s *FileStore) WriteSnapshot(_ context.Context, key string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.snapshotPath(key)
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp for %s: %w", key, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("store: write temp for %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("store: sync temp for %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: close temp for %s: %w", key, err)
	}

	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: rename snapshot %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) AppendLog(_ context.Context, key string, line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.logPath(key), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("store: open log %s: %w", key, err)
	}
	defer f.Close()

	end, err := lastLineEnd(f)
	if err != nil {
		return fmt.Errorf("store: inspect log %s: %w", key, err)
	}
	if info, err := f.Stat(); err == nil && info.Size() > end {
		slog.Warn("store: trimming torn log tail", "key", key, "bytes", info.Size()-end)
		if err := f.Truncate(end); err != nil {
			return fmt.Errorf("store: trim log %s: %w", key, err)
		}
	}

	if _, err := f.WriteAt(append(clone(line), '\n'), end); err != nil {
		return fmt.Errorf("store: append log %s: %w", key, err)
	}
	// Sync to disk for durability.
	if err := f.Sync(); err != nil {
		return fmt.Errorf("store: sync log %s: %w", key, err)
	}
	return nil
}

// ReadLog returns complete lines only. A final line without its newline was
// cut short by an interrupted append and is dropped.
func (s *FileStore) ReadLog(_ context.Context, key string) ([][]byte, error) {
	data, err := os.ReadFile(s.logPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return [][]byte{}, nil
		}
		return nil, fmt.Errorf("store: read log %s: %w", key, err)
	}

	if i := bytes.LastIndexByte(data, '\n'); i < len(data)-1 {
		slog.Warn("store: dropping torn log tail", "key", key, "bytes", len(data)-1-i)
		data = data[:i+1]
	}

	var lines [][]byte
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		lines = append(lines, clone(line))
	}
	return lines, nil
}

// lastLineEnd returns the offset just past the final newline in f.
func lastLineEnd(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	buf := make([]byte, 4096)
	for off := info.Size(); off > 0; {
		n := min(int64(len(buf)), off)
		off -= n
		if _, err := f.ReadAt(buf[:n], off); err != nil {
			return 0, err
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			return off + int64(i) + 1, nil
		}
	}
	return 0, nil
}
