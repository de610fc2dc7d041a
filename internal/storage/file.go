package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrCorrupt is returned when the backing file exists but cannot be decoded.
var ErrCorrupt = errors.New("storage: corrupt file")

const fileFormatVersion = "1"

// FileBackend implements Backend using a local JSON file. Writes replace the
// file atomically and are serialized across processes with an exclusive
// lock on a sibling ".lock" file.
type FileBackend struct {
	Path string

	mu       sync.Mutex
	debounce time.Duration
}

// FileOption configures a FileBackend.
type FileOption func(*FileBackend)

// WithDebounce sets how long Watch waits for a burst of file events to
// settle before invoking its callback.
func WithDebounce(d time.Duration) FileOption {
	return func(b *FileBackend) { b.debounce = d }
}

// NewFileBackend creates a file backend rooted at path. The file is created
// on first write.
func NewFileBackend(path string, opts ...FileOption) *FileBackend {
	b := &FileBackend{
		Path:     path,
		debounce: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// storeFile is the on-disk JSON structure.
type storeFile struct {
	Version string            `json:"version"`
	Values  map[string]string `json:"values"`
}

func (b *FileBackend) load() (map[string]string, error) {
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return map[string]string{}, nil
	}
	var sf storeFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, b.Path, err)
	}
	if sf.Values == nil {
		sf.Values = map[string]string{}
	}
	return sf.Values, nil
}

func (b *FileBackend) save(values map[string]string) error {
	if len(values) == 0 {
		if err := os.Remove(b.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	data, err := json.MarshalIndent(storeFile{Version: fileFormatVersion, Values: values}, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return atomicWriteFile(b.Path, data, 0o600)
}

// update runs fn against the current contents under both the in-process
// mutex and the cross-process file lock, then persists the result.
func (b *FileBackend) update(ctx context.Context, fn func(values map[string]string)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(b.Path), 0o700); err != nil {
		return fmt.Errorf("create storage directory: %w", err)
	}

	lock, err := acquireFileLock(ctx, b.Path+".lock")
	if err != nil {
		return err
	}
	defer func() { _ = releaseFileLock(lock) }()

	values, err := b.load()
	if errors.Is(err, ErrCorrupt) {
		// A corrupt document is replaced rather than blocking every write.
		values, err = map[string]string{}, nil
	}
	if err != nil {
		return err
	}

	fn(values)
	return b.save(values)
}

// Get retrieves a single value.
func (b *FileBackend) Get(_ context.Context, key string) (string, error) {
	values, err := b.load()
	if err != nil {
		return "", err
	}
	v, ok := values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// GetMany reads the present keys from a single load of the file.
func (b *FileBackend) GetMany(_ context.Context, keys ...string) (map[string]string, error) {
	values, err := b.load()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// Put writes all entries in one atomic file replacement.
func (b *FileBackend) Put(ctx context.Context, entries map[string]string) error {
	return b.update(ctx, func(values map[string]string) {
		for k, v := range entries {
			values[k] = v
		}
	})
}

// Delete removes keys. The file is removed once it holds no values.
func (b *FileBackend) Delete(ctx context.Context, keys ...string) error {
	return b.update(ctx, func(values map[string]string) {
		for _, k := range keys {
			delete(values, k)
		}
	})
}

// Close is a no-op.
func (b *FileBackend) Close() error { return nil }

// Watch calls onChange whenever the backing file is written, replaced or
// removed by any process. Bursts of events are coalesced. Watch blocks until
// ctx is cancelled.
func (b *FileBackend) Watch(ctx context.Context, onChange func()) error {
	dir := filepath.Dir(b.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create storage directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(b.Path)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
				!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(b.debounce, onChange)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch %s: %w", b.Path, err)
		}
	}
}

// atomicWriteFile writes data to a temp file in the target directory and
// renames it over filename.
func atomicWriteFile(filename string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(filename)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(filename)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, filename); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
