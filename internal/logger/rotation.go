package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// rotatingWriter rotates the log file once it grows past maxSize bytes.
// Rotated files keep a timestamp suffix; archives older than maxAge days
// are pruned at rotation time.
type rotatingWriter struct {
	filename string
	maxSize  int64
	maxAge   int

	file *os.File
	size int64
}

func newRotatingWriter(filename string, maxSizeMB, maxAgeDays int) (*rotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat log file: %w", err)
	}
	return &rotatingWriter{
		filename: filename,
		maxSize:  int64(maxSizeMB) * 1024 * 1024,
		maxAge:   maxAgeDays,
		file:     file,
		size:     info.Size(),
	}, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	if w.maxSize > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) Close() error {
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}

func (w *rotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	archived := fmt.Sprintf("%s.%s", w.filename, time.Now().Format("20060102-150405"))
	if err := os.Rename(w.filename, archived); err != nil {
		return err
	}
	file, err := os.OpenFile(w.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.file = file
	w.size = 0
	w.prune()
	return nil
}

// prune removes archives older than maxAge days.
func (w *rotatingWriter) prune() {
	if w.maxAge <= 0 {
		return
	}
	archives, err := filepath.Glob(w.filename + ".*")
	if err != nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -w.maxAge)
	for _, path := range archives {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(path)
		}
	}
}
