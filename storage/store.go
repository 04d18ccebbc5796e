// Package storage is the client's single source of truth: a leveldb database accessed
// through scopes. A scope reads from a snapshot, buffers its writes and commits them as
// one batch after checking that nothing it touched changed in the meantime.
package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
)

type Store struct {
	db   *leveldb.DB
	path string

	// commitMu serializes validation and batch write of every scope.
	commitMu sync.Mutex
	closed   atomic.Bool
}

// Open opens or creates a store at path. If path is empty, uses in-memory storage.
func Open(path string) (*Store, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %q: %w: %w", path, clienterrors.ErrStore, err)
	}
	log.Debug(log.StoreMonitoring, "Opened store", "path", path)
	return &Store{db: db, path: path}, nil
}

// OpenMemory creates an in-memory store for testing.
func OpenMemory() (*Store, error) {
	return Open("")
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// Begin opens a read-write scope over a snapshot of the current state.
func (s *Store) Begin() (*Scope, error) {
	return s.begin(false)
}

func (s *Store) begin(readOnly bool) (*Scope, error) {
	if s.closed.Load() {
		return nil, clienterrors.ErrStoreClosed
	}
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w: %w", clienterrors.ErrStore, err)
	}
	return &Scope{
		store:    s,
		snap:     snap,
		readOnly: readOnly,
		seen:     make(map[string]uint64),
		writes:   make(map[string]*pendingWrite),
	}, nil
}

// View runs fn against a read-only scope.
func (s *Store) View(fn func(*Scope) error) error {
	sc, err := s.begin(true)
	if err != nil {
		return err
	}
	defer sc.Abort()
	return fn(sc)
}

// Update runs fn in a scope and commits it if fn succeeds. fn must not block on I/O.
func (s *Store) Update(ctx context.Context, fn func(*Scope) error) error {
	sc, err := s.Begin()
	if err != nil {
		return err
	}
	if err := fn(sc); err != nil {
		sc.Abort()
		return err
	}
	return sc.Commit(ctx)
}

// currentVersion reads the committed version of an entity key outside any snapshot.
func (s *Store) currentVersion(key string) (uint64, error) {
	raw, err := s.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w: %w", key, clienterrors.ErrStore, err)
	}
	ver, _, err := openEnvelope(key, raw)
	return ver, err
}

func (s *Store) write(batch *leveldb.Batch) error {
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: s.path != ""}); err != nil {
		return fmt.Errorf("write batch: %w: %w", clienterrors.ErrStore, err)
	}
	return nil
}
