// Package memory implements an in-memory core.Store for tests.
package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"refcore/internal/blob/core"
)

// Store is an in-memory core.Store.
type Store struct {
	mu    sync.RWMutex
	blobs map[string]entry
	nowFn func() time.Time
}

type entry struct {
	data    []byte
	modTime time.Time
}

// New returns an empty in-memory blob store.
func New() *Store {
	return &Store{
		blobs: map[string]entry{},
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Driver() core.Driver { return core.DriverMemory }

func (s *Store) Put(ctx context.Context, key string, r io.Reader) (core.Info, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return core.Info{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := entry{data: data, modTime: s.nowFn()}
	s.blobs[key] = e
	return core.Info{Key: key, Size: int64(len(data)), ModTime: e.modTime}, nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, core.Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.blobs[key]
	if !ok {
		return nil, core.Info{}, core.ErrNotExist
	}
	info := core.Info{Key: key, Size: int64(len(e.data)), ModTime: e.modTime}
	return io.NopCloser(bytes.NewReader(e.data)), info, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]core.Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Info
	for key, e := range s.blobs {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		out = append(out, core.Info{Key: key, Size: int64(len(e.data)), ModTime: e.modTime})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
