package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const rotatedSuffixLayout = "20060102-150405.000"

// RotatingWriter appends to a log file and moves it aside once it grows past
// maxSize. Rotated files are optionally gzipped and pruned after maxAge days.
// Writes are serialized because lane workers log concurrently.
type RotatingWriter struct {
	mu          sync.Mutex
	filename    string
	maxSize     int64
	maxAge      int
	compress    bool
	currentFile *os.File
	currentSize int64

	// housekeeping runs compression and pruning off the write path.
	housekeeping sync.WaitGroup
}

// NewRotatingWriter opens filename for appending, creating its directory.
func NewRotatingWriter(filename string, maxSizeMB int, maxAge int, compress bool) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, size, err := openLogFile(filename)
	if err != nil {
		return nil, err
	}

	rw := &RotatingWriter{
		filename:    filename,
		maxSize:     int64(maxSizeMB) << 20,
		maxAge:      maxAge,
		compress:    compress,
		currentFile: file,
		currentSize: size,
	}
	rw.afterRotate("")
	return rw, nil
}

func openLogFile(filename string) (*os.File, int64, error) {
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("failed to stat log file: %w", err)
	}
	return file, info.Size(), nil
}

// Write appends p, rotating first when p would overflow a non-empty file.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return 0, os.ErrClosed
	}
	if w.currentSize > 0 && w.currentSize+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("rotate %s: %w", w.filename, err)
		}
	}

	n, err := w.currentFile.Write(p)
	w.currentSize += int64(n)
	return n, err
}

// Close closes the file and waits for pending compression. Safe to call
// more than once.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.currentFile != nil {
		err = w.currentFile.Close()
		w.currentFile = nil
	}
	w.mu.Unlock()

	w.housekeeping.Wait()
	return err
}

// rotate must be called with mu held.
func (w *RotatingWriter) rotate() error {
	if err := w.currentFile.Close(); err != nil {
		return err
	}
	w.currentFile = nil

	rotated := w.filename + "." + time.Now().Format(rotatedSuffixLayout)
	if err := os.Rename(w.filename, rotated); err != nil {
		return err
	}

	file, _, err := openLogFile(w.filename)
	if err != nil {
		return err
	}
	w.currentFile = file
	w.currentSize = 0

	w.afterRotate(rotated)
	return nil
}

// afterRotate compresses rotated (when set) and prunes expired files in the
// background.
func (w *RotatingWriter) afterRotate(rotated string) {
	if w.maxAge <= 0 && (rotated == "" || !w.compress) {
		return
	}
	w.housekeeping.Add(1)
	go func() {
		defer w.housekeeping.Done()
		if rotated != "" && w.compress {
			_ = w.compressFile(rotated)
		}
		w.cleanup()
	}()
}

// compressFile replaces filename with filename.gz.
func (w *RotatingWriter) compressFile(filename string) error {
	src, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(filename + ".gz")
	if err != nil {
		return err
	}

	gzw := gzip.NewWriter(dst)
	_, copyErr := io.Copy(gzw, src)
	closeErr := gzw.Close()
	fileErr := dst.Close()
	for _, err := range []error{copyErr, closeErr, fileErr} {
		if err != nil {
			os.Remove(filename + ".gz")
			return err
		}
	}
	return os.Remove(filename)
}

// cleanup deletes rotated siblings of filename older than maxAge days.
func (w *RotatingWriter) cleanup() {
	if w.maxAge <= 0 {
		return
	}

	matches, err := filepath.Glob(w.filename + ".*")
	if err != nil {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -w.maxAge)
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		os.Remove(path)
		if !strings.HasSuffix(path, ".gz") {
			os.Remove(path + ".gz")
		}
	}
}
