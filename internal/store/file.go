package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"tdl-archive-manager/internal/runstore"
)

// FileStore is a MemoryStore whose state is rewritten atomically to one JSON
// file after every mutation. The containing directory is locked for the
// lifetime of a writable store.
type FileStore struct {
	*MemoryStore
	path string
	lock runstore.DirLock
}

func OpenFileStore(path string, opts OpenOptions) (*FileStore, error) {
	st := newMemState()
	if _, err := runstore.ReadJSONIfExists(path, st); err != nil {
		return nil, fmt.Errorf("load state file: %w", err)
	}
	st.fill()

	fs := &FileStore{
		MemoryStore: &MemoryStore{st: st, now: time.Now, readOnly: opts.ReadOnly},
		path:        path,
	}
	if opts.ReadOnly {
		return fs, nil
	}

	lock, err := runstore.AcquireDirLock(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%w (is the scheduler running? read-only commands still work)", err)
	}
	fs.lock = lock
	fs.MemoryStore.persist = fs.save
	return fs, nil
}

func (s *FileStore) save(st *memState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')
	if err := runstore.WriteBytes(s.path, data); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Close() error {
	return s.lock.Release()
}
