package store

import (
	"context"
	"sync"
)

// KV is a durable string map shared between runs. Merge performs a
// load-merge-save so entries written by another process since Load are kept.
type KV interface {
	Load(ctx context.Context) (map[string]string, error)
	Merge(ctx context.Context, entries map[string]string) error
	Close() error
}

// FileKV stores the map as one JSON object.
type FileKV struct {
	path string
	mu   sync.Mutex
}

// NewFileKV returns a FileKV backed by path. The file is created on the
// first Merge.
func NewFileKV(path string) *FileKV {
	return &FileKV{path: path}
}

// Path returns the backing file.
func (f *FileKV) Path() string { return f.path }

// Load returns the stored map, empty when the file does not exist yet.
func (f *FileKV) Load(ctx context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *FileKV) load() (map[string]string, error) {
	entries := map[string]string{}
	if _, err := ReadJSON(f.path, &entries); err != nil {
		return nil, err
	}
	// a file holding JSON null decodes to a nil map
	if entries == nil {
		entries = map[string]string{}
	}
	return entries, nil
}

// Merge re-reads the file, overlays entries and writes the result back.
func (f *FileKV) Merge(ctx context.Context, entries map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	current, err := f.load()
	if err != nil {
		return err
	}
	for k, v := range entries {
		current[k] = v
	}
	return WriteJSON(f.path, current)
}

// Close is a no-op.
func (f *FileKV) Close() error { return nil }
