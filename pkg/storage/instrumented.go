package storage

import (
	"context"
	"errors"

	"github.com/platinummonkey/plugd/pkg/plugins"
)

// OperationRecorder receives one call per storage operation
type OperationRecorder interface {
	StorageOperation(operation, backend string, err error)
}

type instrumentedStore struct {
	next    Store
	rec     OperationRecorder
	backend string
}

// Instrument wraps store so every operation is reported to rec
func Instrument(store Store, rec OperationRecorder, backend string) Store {
	if rec == nil {
		return store
	}
	return &instrumentedStore{next: store, rec: rec, backend: backend}
}

func (s *instrumentedStore) Save(ctx context.Context, rec *Record) (*Record, error) {
	prev, err := s.next.Save(ctx, rec)
	s.rec.StorageOperation("save", s.backend, err)
	return prev, err
}

func (s *instrumentedStore) GetByKey(ctx context.Context, key string) (*Record, error) {
	rec, err := s.next.GetByKey(ctx, key)
	s.rec.StorageOperation("get", s.backend, ignoreNotFound(err))
	return rec, err
}

func (s *instrumentedStore) List(ctx context.Context) ([]*Record, error) {
	recs, err := s.next.List(ctx)
	s.rec.StorageOperation("list", s.backend, err)
	return recs, err
}

func (s *instrumentedStore) ListEnabled(ctx context.Context) ([]*Record, error) {
	recs, err := s.next.ListEnabled(ctx)
	s.rec.StorageOperation("list_enabled", s.backend, err)
	return recs, err
}

func (s *instrumentedStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	err := s.next.SetEnabled(ctx, id, enabled)
	s.rec.StorageOperation("set_enabled", s.backend, err)
	return err
}

func (s *instrumentedStore) DeleteByKey(ctx context.Context, key string) error {
	err := s.next.DeleteByKey(ctx, key)
	s.rec.StorageOperation("delete", s.backend, err)
	return err
}

func (s *instrumentedStore) LookupActiveByHook(ctx context.Context, hook string) (*plugins.PluginRecord, error) {
	rec, err := s.next.LookupActiveByHook(ctx, hook)
	s.rec.StorageOperation("lookup_hook", s.backend, err)
	return rec, err
}

func (s *instrumentedStore) Close() error {
	return s.next.Close()
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
