// Package cancel holds per-build cancellation flags. A flag is set by the
// cancel consumer of a worker node and polled by the build running on that
// node at every checkpoint.
package cancel

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Store records which builds have been asked to stop, and when.
type Store interface {
	// Set raises the flag for id as of at; a zero at means now. Setting an
	// already raised flag moves it to the later of the two times.
	Set(id string, at time.Time) error
	// IsSet reports whether the flag for id is raised.
	IsSet(id string) bool
	// RaisedAt returns when the flag for id was raised.
	RaisedAt(id string) (time.Time, bool)
	// Clear lowers the flag for id. Clearing an absent flag is not an error.
	Clear(id string) error
}

// Memory is a Store for builds that run inside the consuming process.
type Memory struct {
	mu    sync.RWMutex
	flags map[string]time.Time
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{flags: make(map[string]time.Time)}
}

func stamp(at time.Time) time.Time {
	if at.IsZero() {
		return time.Now().UTC()
	}
	return at.UTC()
}

// Set implements Store.
func (m *Memory) Set(id string, at time.Time) error {
	at = stamp(at)
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.flags[id]; !ok || at.After(prev) {
		m.flags[id] = at
	}
	return nil
}

// IsSet implements Store.
func (m *Memory) IsSet(id string) bool {
	_, ok := m.RaisedAt(id)
	return ok
}

// RaisedAt implements Store.
func (m *Memory) RaisedAt(id string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.flags[id]
	return at, ok
}

// Clear implements Store.
func (m *Memory) Clear(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flags, id)
	return nil
}

// Prune drops flags raised before cutoff. Cancellations are broadcast to every
// node, so most flags belong to builds this node never ran.
func (m *Memory) Prune(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, at := range m.flags {
		if at.Before(cutoff) {
			delete(m.flags, id)
			n++
		}
	}
	return n
}

// Files is a Store backed by marker files, for builds that run in child
// processes of the consumer.
type Files struct {
	dir string
}

// NewFiles creates a file-backed store rooted at dir.
func NewFiles(dir string) (*Files, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create cancel dir: %w", err)
	}
	return &Files{dir: dir}, nil
}

func (f *Files) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid build id %q", id)
	}
	return filepath.Join(f.dir, id), nil
}

// Set implements Store. The marker holds the raise time; its modification
// time is when this node wrote it, which is what Prune goes by.
func (f *Files) Set(id string, at time.Time) error {
	p, err := f.path(id)
	if err != nil {
		return err
	}
	at = stamp(at)
	if prev, ok := f.RaisedAt(id); ok && !at.After(prev) {
		at = prev
	}
	if err := os.WriteFile(p, []byte(at.Format(time.RFC3339Nano)), 0o600); err != nil {
		return fmt.Errorf("write cancel marker: %w", err)
	}
	return nil
}

// IsSet implements Store.
func (f *Files) IsSet(id string) bool {
	_, ok := f.RaisedAt(id)
	return ok
}

// RaisedAt implements Store. A marker whose content does not parse counts as
// raised when it was written.
func (f *Files) RaisedAt(id string) (time.Time, bool) {
	p, err := f.path(id)
	if err != nil {
		return time.Time{}, false
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return time.Time{}, false
	}
	if at, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data))); err == nil {
		return at, true
	}
	info, err := os.Stat(p)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime().UTC(), true
}

// Clear implements Store.
func (f *Files) Clear(id string) error {
	p, err := f.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove cancel marker: %w", err)
	}
	return nil
}

// Prune removes markers last written before cutoff.
func (f *Files) Prune(cutoff time.Time) int {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if os.Remove(filepath.Join(f.dir, e.Name())) == nil {
			n++
		}
	}
	return n
}

// Pruner is implemented by stores that can expire stale flags.
type Pruner interface {
	Prune(cutoff time.Time) int
}

var (
	_ Store  = (*Memory)(nil)
	_ Store  = (*Files)(nil)
	_ Pruner = (*Memory)(nil)
	_ Pruner = (*Files)(nil)
)
