package keystore

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Key files hold one key per line. A line may carry a value after a tab,
// base64 encoded, when the value was recorded too.
const valueSeparator = "\t"

// FileReader is a read-only provider that returns the keys of a key file in
// order and is exhausted at end of file. Lines have no length limit. A read
// error also exhausts the reader; it is kept and returned by Err and Stop.
type FileReader struct {
	path string

	mu     sync.Mutex
	file   *os.File
	reader *bufio.Reader
	done   bool
	err    error
}

// NewFileReader creates a reader of path. The file is opened by Start.
func NewFileReader(path string) *FileReader {
	return &FileReader{path: path}
}

// Start opens the key file.
func (r *FileReader) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		return nil
	}
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("keystore: opening %s: %w", r.path, err)
	}
	r.file = f
	r.reader = bufio.NewReader(f)
	r.done, r.err = false, nil
	return nil
}

// Get returns the next non-empty key, or false at end of file, after a read
// error or before Start.
func (r *FileReader) Get() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader == nil || r.done {
		return "", false
	}
	for {
		line, err := r.reader.ReadString('\n')
		if key := lineKey(line); key != "" {
			return key, true
		}
		if err != nil {
			r.done = true
			if !errors.Is(err, io.EOF) {
				r.err = fmt.Errorf("keystore: reading %s: %w", r.path, err)
			}
			return "", false
		}
	}
}

// Err returns the read error that exhausted the reader, if any.
func (r *FileReader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Stop closes the key file and returns any read error seen by Get.
func (r *FileReader) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return r.err
	}
	err := errors.Join(r.err, r.file.Close())
	r.file, r.reader = nil, nil
	return err
}

// FileWriter is a write-only store appending recorded keys to a key file.
type FileWriter struct {
	path string

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

// NewFileWriter creates a writer of path. The file is created by Start.
func NewFileWriter(path string) *FileWriter {
	return &FileWriter{path: path}
}

// Start creates (truncating) the key file.
func (w *FileWriter) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		return nil
	}
	f, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("keystore: creating %s: %w", w.path, err)
	}
	w.file = f
	w.writer = bufio.NewWriter(f)
	return nil
}

// Store appends key.
func (w *FileWriter) Store(key string) error {
	return w.writeLine(key)
}

// StoreValue appends key with its base64-encoded value.
func (w *FileWriter) StoreValue(key string, value []byte) error {
	return w.writeLine(key + valueSeparator + base64.StdEncoding.EncodeToString(value))
}

// Retrieve is not supported by a write-only store.
func (w *FileWriter) Retrieve(string) (Entry, error) {
	return Entry{}, fmt.Errorf("%w: file writer is write-only", ErrUnsupported)
}

func (w *FileWriter) writeLine(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writer == nil {
		return ErrClosed
	}
	if _, err := w.writer.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("keystore: writing %s: %w", w.path, err)
	}
	return nil
}

// Stop flushes and closes the key file.
func (w *FileWriter) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := errors.Join(w.writer.Flush(), w.file.Close())
	w.file, w.writer = nil, nil
	return err
}

func lineKey(line string) string {
	line = strings.TrimRight(line, "\r\n")
	key, _, _ := strings.Cut(line, valueSeparator)
	return key
}
