package logger

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxSizeMB  = 100
	defaultMaxBackups = 7
	defaultMaxAgeDays = 30

	// backupLayout sorts lexically in chronological order and is safe in file names.
	backupLayout = "20060102T150405.000"
)

// rotatingWriter appends to a single file. When the next write would push it
// past maxSize the file is renamed to <name>-<utc timestamp><ext>, optionally
// gzipped, and a fresh file is started. Backups beyond maxBackups or older
// than maxAge are removed, judged by the timestamp in their name.
type rotatingWriter struct {
	mu   sync.Mutex
	path string
	file *os.File
	size int64

	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	compress   bool
	now        func() time.Time
}

type backupFile struct {
	path string
	at   time.Time
}

func newRotatingWriter(path string, cfg RotationConfig) (*rotatingWriter, error) {
	if path == "" {
		return nil, errors.New("log path is required")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = defaultMaxSizeMB
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = defaultMaxBackups
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = defaultMaxAgeDays
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return &rotatingWriter{
		path:       path,
		maxSize:    int64(cfg.MaxSizeMB) << 20,
		maxBackups: cfg.MaxBackups,
		maxAge:     time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		compress:   cfg.Compress,
		now:        time.Now,
	}, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		if err := w.openExisting(); err != nil {
			return 0, err
		}
	}
	// A single oversized entry still goes into an empty file rather than looping.
	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Sync flushes the current file to disk.
func (w *rotatingWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeFile()
}

func (w *rotatingWriter) closeFile() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.size = 0
	return err
}

func (w *rotatingWriter) openExisting() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", w.path, err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat log file %s: %w", w.path, err)
	}
	w.file, w.size = file, info.Size()
	return nil
}

func (w *rotatingWriter) rotate() error {
	if err := w.closeFile(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	at := w.now()
	backup := w.backupName(at)
	for exists(backup) || exists(backup+".gz") {
		at = at.Add(time.Millisecond)
		backup = w.backupName(at)
	}
	if err := os.Rename(w.path, backup); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("rotate log file: %w", err)
	}
	if err := w.openExisting(); err != nil {
		return err
	}
	if w.compress {
		// A failed compression leaves the plain backup in place.
		_ = gzipFile(backup)
	}
	w.prune()
	return nil
}

func (w *rotatingWriter) backupName(at time.Time) string {
	dir, prefix, ext := w.nameParts()
	return filepath.Join(dir, prefix+at.UTC().Format(backupLayout)+ext)
}

func (w *rotatingWriter) nameParts() (dir, prefix, ext string) {
	dir = filepath.Dir(w.path)
	base := filepath.Base(w.path)
	ext = filepath.Ext(base)
	return dir, strings.TrimSuffix(base, ext) + "-", ext
}

// backups lists rotated files, newest first.
func (w *rotatingWriter) backups() []backupFile {
	dir, prefix, ext := w.nameParts()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []backupFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".gz"), ext)
		at, err := time.Parse(backupLayout, stamp)
		if err != nil {
			continue
		}
		out = append(out, backupFile{path: filepath.Join(dir, name), at: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].at.After(out[j].at) })
	return out
}

func (w *rotatingWriter) prune() {
	cutoff := w.now().Add(-w.maxAge)
	for i, b := range w.backups() {
		if i >= w.maxBackups || b.at.Before(cutoff) {
			_ = os.Remove(b.path)
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	dst, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		_ = src.Close()
		return err
	}
	zw := gzip.NewWriter(dst)
	_, err = io.Copy(zw, src)
	if err := errors.Join(err, zw.Close(), dst.Close(), src.Close()); err != nil {
		_ = os.Remove(dst.Name())
		return err
	}
	return os.Remove(path)
}
