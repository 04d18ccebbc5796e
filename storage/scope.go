package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/common"
	"github.com/colorfulnotion/noteclient/log"
	"github.com/colorfulnotion/noteclient/telemetry"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const versionLen = 8

type pendingWrite struct {
	value  []byte
	del    bool
	entity bool
}

// Scope is a unit of work. Entity reads record the version they observed; Commit fails
// with clienterrors.ErrConflict if any of those versions moved. Range queries read the
// snapshot only and do not see the scope's own buffered writes.
type Scope struct {
	store    *Store
	snap     *leveldb.Snapshot
	readOnly bool
	seen     map[string]uint64
	writes   map[string]*pendingWrite
	done     bool
}

func envelope(ver uint64, payload []byte) []byte {
	out := make([]byte, versionLen+len(payload))
	copy(out, common.Uint64ToBytes(ver))
	copy(out[versionLen:], payload)
	return out
}

func openEnvelope(key string, raw []byte) (uint64, []byte, error) {
	if len(raw) < versionLen {
		return 0, nil, fmt.Errorf("%s: %w", key, clienterrors.ErrCorruptData)
	}
	return common.BytesToUint64(raw[:versionLen]), raw[versionLen:], nil
}

func (s *Scope) check() error {
	if s.done {
		return clienterrors.ErrScopeDone
	}
	return nil
}

func (s *Scope) checkWritable() error {
	if err := s.check(); err != nil {
		return err
	}
	if s.readOnly {
		return fmt.Errorf("write in read-only scope: %w", clienterrors.ErrInvalidTransition)
	}
	return nil
}

func (s *Scope) snapGet(key string) ([]byte, bool, error) {
	raw, err := s.snap.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w: %w", key, clienterrors.ErrStore, err)
	}
	return raw, true, nil
}

// getEntity returns the payload of a versioned key, preferring this scope's writes. An
// empty payload is a tombstone and reads as absent.
func (s *Scope) getEntity(key string) ([]byte, bool, error) {
	if err := s.check(); err != nil {
		return nil, false, err
	}
	if w, ok := s.writes[key]; ok {
		if w.del {
			return nil, false, nil
		}
		return w.value, true, nil
	}
	raw, found, err := s.snapGet(key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		s.observe(key, 0)
		return nil, false, nil
	}
	ver, payload, err := openEnvelope(key, raw)
	if err != nil {
		return nil, false, err
	}
	s.observe(key, ver)
	if len(payload) == 0 {
		return nil, false, nil
	}
	return payload, true, nil
}

func (s *Scope) observe(key string, ver uint64) {
	if _, ok := s.seen[key]; !ok {
		s.seen[key] = ver
	}
}

func (s *Scope) getEntityJSON(key string, out interface{}) (bool, error) {
	payload, found, err := s.getEntity(key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return false, fmt.Errorf("decode %s: %w: %w", key, clienterrors.ErrCorruptData, err)
	}
	return true, nil
}

func (s *Scope) putEntity(key string, value interface{}) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if _, ok := s.seen[key]; !ok {
		if _, _, err := s.getEntity(key); err != nil {
			return err
		}
	}
	s.writes[key] = &pendingWrite{value: payload, entity: true}
	return nil
}

func (s *Scope) deleteEntity(key string) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if _, ok := s.seen[key]; !ok {
		if _, _, err := s.getEntity(key); err != nil {
			return err
		}
	}
	s.writes[key] = &pendingWrite{del: true, entity: true}
	return nil
}

// getRaw reads an unversioned key.
func (s *Scope) getRaw(key string) ([]byte, bool, error) {
	if err := s.check(); err != nil {
		return nil, false, err
	}
	if w, ok := s.writes[key]; ok {
		if w.del {
			return nil, false, nil
		}
		return w.value, true, nil
	}
	return s.snapGet(key)
}

func (s *Scope) getRawJSON(key string, out interface{}) (bool, error) {
	raw, found, err := s.getRaw(key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s: %w: %w", key, clienterrors.ErrCorruptData, err)
	}
	return true, nil
}

func (s *Scope) putRaw(key string, value []byte) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	s.writes[key] = &pendingWrite{value: value}
	return nil
}

func (s *Scope) putRawJSON(key string, value interface{}) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.putRaw(key, payload)
}

func (s *Scope) deleteRaw(key string) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	s.writes[key] = &pendingWrite{del: true}
	return nil
}

// iterate visits every snapshot key with prefix in key order.
func (s *Scope) iterate(prefix string, fn func(key string, value []byte) error) error {
	return s.iterateRange(util.BytesPrefix([]byte(prefix)), fn)
}

func (s *Scope) iterateRange(r *util.Range, fn func(key string, value []byte) error) error {
	if err := s.check(); err != nil {
		return err
	}
	iter := s.snap.NewIterator(r, nil)
	defer iter.Release()
	for iter.Next() {
		value := make([]byte, len(iter.Value()))
		copy(value, iter.Value())
		if err := fn(string(iter.Key()), value); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate: %w: %w", clienterrors.ErrStore, err)
	}
	return nil
}

// Dirty reports whether the scope has buffered writes.
func (s *Scope) Dirty() bool {
	return len(s.writes) > 0
}

func (s *Scope) release() {
	if !s.done {
		s.done = true
		s.snap.Release()
	}
}

// Abort discards every buffered write. Safe to call after Commit.
func (s *Scope) Abort() {
	s.release()
}

// Commit validates and writes the scope atomically. Cancellation is honored until the
// commit lock is held; after that the batch is written regardless.
func (s *Scope) Commit(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	defer s.release()
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(s.writes) == 0 {
		return nil
	}

	s.store.commitMu.Lock()
	defer s.store.commitMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.store.closed.Load() {
		return clienterrors.ErrStoreClosed
	}

	keys := make([]string, 0, len(s.seen))
	for key := range s.seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		cur, err := s.store.currentVersion(key)
		if err != nil {
			telemetry.StoreCommits.WithLabelValues("error").Inc()
			return err
		}
		if cur != s.seen[key] {
			telemetry.StoreCommits.WithLabelValues("conflict").Inc()
			log.Debug(log.StoreMonitoring, "Scope conflict", "key", key, "seen", s.seen[key], "current", cur)
			return fmt.Errorf("%s: %w", key, clienterrors.ErrConflict)
		}
	}

	batch := new(leveldb.Batch)
	for key, w := range s.writes {
		switch {
		case w.del && w.entity:
			// tombstone: the version survives so a re-created key keeps counting up
			batch.Put([]byte(key), envelope(s.seen[key]+1, nil))
		case w.del:
			batch.Delete([]byte(key))
		case w.entity:
			batch.Put([]byte(key), envelope(s.seen[key]+1, w.value))
		default:
			batch.Put([]byte(key), w.value)
		}
	}
	if err := s.store.write(batch); err != nil {
		telemetry.StoreCommits.WithLabelValues("error").Inc()
		return err
	}
	telemetry.StoreCommits.WithLabelValues("ok").Inc()
	log.Trace(log.StoreMonitoring, "Scope committed", "writes", len(s.writes), "validated", len(keys))
	return nil
}
