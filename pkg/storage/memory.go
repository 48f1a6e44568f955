package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/platinummonkey/plugd/pkg/plugins"
)

// MemoryStore is an in-process Store used for tests and single-node setups
// without a database.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record // by key
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Save implements Store.Save
func (s *MemoryStore) Save(ctx context.Context, rec *Record) (*Record, error) {
	if rec == nil || rec.Key == "" {
		return nil, fmt.Errorf("record key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.records[rec.Key]
	cp := *rec
	s.records[rec.Key] = &cp
	return prev, nil
}

// GetByKey implements Store.GetByKey
func (s *MemoryStore) GetByKey(ctx context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, fmt.Errorf("plugin record %s: %w", key, ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

// List implements Store.List
func (s *MemoryStore) List(ctx context.Context) ([]*Record, error) {
	return s.list(func(*Record) bool { return true }), nil
}

// ListEnabled implements Store.ListEnabled
func (s *MemoryStore) ListEnabled(ctx context.Context) ([]*Record, error) {
	return s.list(func(r *Record) bool { return r.Enabled }), nil
}

func (s *MemoryStore) list(keep func(*Record) bool) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		if keep(rec) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// SetEnabled implements Store.SetEnabled
func (s *MemoryStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.records {
		if rec.ID == id {
			rec.Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("plugin record id %s: %w", id, ErrNotFound)
}

// DeleteByKey implements Store.DeleteByKey
func (s *MemoryStore) DeleteByKey(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)
	return nil
}

// LookupActiveByHook implements plugins.HookResolver. When several enabled
// records claim the hook the one with the smallest key wins.
func (s *MemoryStore) LookupActiveByHook(ctx context.Context, hook string) (*plugins.PluginRecord, error) {
	recs := s.list(func(r *Record) bool { return r.Enabled && r.Hook == hook })
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0].PluginRecord(), nil
}

// Close implements Store.Close
func (s *MemoryStore) Close() error {
	return nil
}
