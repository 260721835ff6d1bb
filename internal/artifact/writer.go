// Package artifact persists per-question and per-run outputs.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrArtifactExists is returned when a run writes the same artifact twice
// without declaring the second write a correction.
var ErrArtifactExists = errors.New("artifact already written in this run")

// Entry describes one artifact registered during the run.
type Entry struct {
	Name     string `json:"name"`
	SHA256   string `json:"sha256"`
	Bytes    int64  `json:"bytes"`
	Purpose  string `json:"purpose,omitempty"`
	Reused   bool   `json:"reused,omitempty"`
	Versions int    `json:"versions"`
}

// Writer is an append-only artifact sink rooted at the run output directory.
// Files left by earlier runs may be overwritten; files written by this run
// may only be replaced through Replace.
type Writer struct {
	dir     string
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewWriter creates the output directory if needed.
func NewWriter(dir string) (*Writer, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("output dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Writer{dir: dir, entries: map[string]*Entry{}}, nil
}

// Dir returns the output directory.
func (w *Writer) Dir() string {
	return w.dir
}

// Path returns the absolute location of an artifact name.
func (w *Writer) Path(name string) string {
	return filepath.Join(w.dir, name)
}

// Has reports whether this run already registered name.
func (w *Writer) Has(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.entries[name]
	return ok
}

// Write stores a new artifact.
func (w *Writer) Write(name string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.entries[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrArtifactExists)
	}
	return w.store(name, data, "", false)
}

// WriteJSON stores a new artifact as indented JSON.
func (w *Writer) WriteJSON(name string, value any) error {
	data, err := marshalIndent(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return w.Write(name, data)
}

// Replace overwrites an artifact this run already wrote. purpose names the
// correction, for example "gate B citation auto-complete".
func (w *Writer) Replace(name string, data []byte, purpose string) error {
	if strings.TrimSpace(purpose) == "" {
		return fmt.Errorf("replace %s: purpose is required", name)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.entries[name]; !ok {
		return fmt.Errorf("replace %s: not written in this run", name)
	}
	return w.store(name, data, purpose, false)
}

// ReplaceJSON is Replace for JSON values.
func (w *Writer) ReplaceJSON(name string, value any, purpose string) error {
	data, err := marshalIndent(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return w.Replace(name, data, purpose)
}

// Adopt registers a file already present in the output directory, such as a
// reused cached preflight artifact.
func (w *Writer) Adopt(name, purpose string) error {
	sum, size, err := hashFile(w.Path(name))
	if err != nil {
		return fmt.Errorf("adopt %s: %w", name, err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.entries[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrArtifactExists)
	}
	w.entries[name] = &Entry{Name: name, SHA256: sum, Bytes: size, Purpose: purpose, Reused: true, Versions: 1}
	return nil
}

// Track registers a file that another component wrote into the output
// directory, such as a database or metrics textfile.
func (w *Writer) Track(name, purpose string) error {
	sum, size, err := hashFile(w.Path(name))
	if err != nil {
		return fmt.Errorf("track %s: %w", name, err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	entry, ok := w.entries[name]
	if !ok {
		entry = &Entry{Name: name}
		w.entries[name] = entry
	}
	entry.SHA256 = sum
	entry.Bytes = size
	entry.Purpose = purpose
	entry.Versions++
	return nil
}

// Lookup returns the entry registered under name.
func (w *Writer) Lookup(name string) (Entry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry, ok := w.entries[name]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Entries returns the registered artifacts sorted by name.
func (w *Writer) Entries() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Entry, 0, len(w.entries))
	for _, entry := range w.entries {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (w *Writer) store(name string, data []byte, purpose string, reused bool) error {
	path := w.Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", name, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	hash := sha256.Sum256(data)
	entry, ok := w.entries[name]
	if !ok {
		entry = &Entry{Name: name}
		w.entries[name] = entry
	}
	entry.SHA256 = hex.EncodeToString(hash[:])
	entry.Bytes = int64(len(data))
	entry.Reused = reused
	entry.Versions++
	if purpose != "" {
		entry.Purpose = purpose
	}
	return nil
}

func marshalIndent(value any) ([]byte, error) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func hashFile(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()
	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hash.Sum(nil)), size, nil
}

// HashFile returns the sha256 hex digest of a file.
func HashFile(path string) (string, error) {
	sum, _, err := hashFile(path)
	return sum, err
}
