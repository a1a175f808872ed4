package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// File keeps the whole store in one JSON object on disk. Every Get reads
// the file, so writes from other processes are visible immediately; the
// fsnotify watcher turns those writes into change notifications.
//
// Set reloads the file before writing, but two processes writing at the
// same instant can still lose one of the updates. Last write wins.
type File struct {
	*Notifier

	path    string
	logger  *slog.Logger
	mu      sync.Mutex
	cache   map[string]json.RawMessage
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

// OpenFile opens (or lazily creates) the store at path and starts watching
// its directory.
func OpenFile(path string, logger *slog.Logger) (*File, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path = filepath.Clean(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("kv: create dir: %w", err)
	}

	f := &File{
		Notifier: NewNotifier(),
		path:     path,
		logger:   logger,
		done:     make(chan struct{}),
	}
	data, err := f.load()
	if err != nil {
		return nil, err
	}
	f.cache = data

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("kv: create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("kv: watch %s: %w", dir, err)
	}
	f.watcher = watcher

	f.wg.Add(1)
	go f.watch()
	return f, nil
}

func (f *File) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load()
	if err != nil {
		return nil, false, err
	}
	v, ok := data[key]
	return clone(v), ok, nil
}

func (f *File) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, value); err != nil {
		return fmt.Errorf("kv: value for %q is not valid JSON: %w", key, err)
	}

	f.mu.Lock()
	data, err := f.load()
	if err != nil {
		f.mu.Unlock()
		return err
	}
	// Other processes may have written since the watcher last looked.
	external := diff(f.cache, data)
	data[key] = json.RawMessage(compact.Bytes())
	if err := f.write(data); err != nil {
		f.mu.Unlock()
		return err
	}
	f.cache = data
	f.mu.Unlock()

	for _, c := range external {
		if c.Key != key {
			f.Notify(c)
		}
	}
	f.Notify(Change{Key: key, Value: compact.Bytes()})
	return nil
}

func (f *File) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := os.Stat(filepath.Dir(f.path))
	return err
}

func (f *File) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	close(f.done)
	err := f.watcher.Close()
	f.wg.Wait()
	return err
}

func (f *File) load() (map[string]json.RawMessage, error) {
	data := make(map[string]json.RawMessage)
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return data, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kv: read %s: %w", f.path, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("kv: decode %s: %w", f.path, err)
	}
	return data, nil
}

// write replaces the file atomically: temp file in the same directory,
// fsync, rename.
func (f *File) write(data map[string]json.RawMessage) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("kv: encode: %w", err)
	}
	raw := buf.Bytes()

	tmp, err := os.CreateTemp(filepath.Dir(f.path), "."+filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("kv: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("kv: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("kv: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("kv: close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("kv: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("kv: replace %s: %w", f.path, err)
	}
	return nil
}

func (f *File) watch() {
	defer f.wg.Done()
	for {
		select {
		case <-f.done:
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				f.reload()
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("kv: watcher error", "path", f.path, "err", err)
		}
	}
}

// reload diffs the file against the last known contents and notifies
// subscribers of every key that changed.
func (f *File) reload() {
	f.mu.Lock()
	data, err := f.load()
	if err != nil {
		f.mu.Unlock()
		// A half-written file from a non-atomic writer; the next event
		// will carry the complete contents.
		f.logger.Debug("kv: reload skipped", "path", f.path, "err", err)
		return
	}

	changes := diff(f.cache, data)
	f.cache = data
	f.mu.Unlock()

	for _, c := range changes {
		f.Notify(c)
	}
}

func diff(old, cur map[string]json.RawMessage) []Change {
	var changes []Change
	for key, value := range cur {
		if prev, ok := old[key]; !ok || !bytes.Equal(prev, value) {
			changes = append(changes, Change{Key: key, Value: value})
		}
	}
	for key := range old {
		if _, ok := cur[key]; !ok {
			changes = append(changes, Change{Key: key})
		}
	}
	return changes
}
