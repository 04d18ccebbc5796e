package storage

import (
	"encoding/json"
	"fmt"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/common"
	"github.com/colorfulnotion/noteclient/merkle"
	"github.com/colorfulnotion/noteclient/types"
	"github.com/syndtr/goleveldb/leveldb/util"
)

func (s *Scope) GetHeader(height uint32) (*types.StoredHeader, error) {
	var sh types.StoredHeader
	found, err := s.getRawJSON(headerKey(height), &sh)
	if err != nil || !found {
		return nil, err
	}
	return &sh, nil
}

// PutHeader stores a header. Headers are immutable; only the client-notes flag may be raised.
func (s *Scope) PutHeader(sh *types.StoredHeader) error {
	prev, err := s.GetHeader(sh.Header.Number)
	if err != nil {
		return err
	}
	if prev != nil {
		if prev.Header.Hash() != sh.Header.Hash() {
			return fmt.Errorf("header %d already stored with hash %s: %w", sh.Header.Number, prev.Header.Hash(), clienterrors.ErrInvalidTransition)
		}
		if prev.HasClientNotes && !sh.HasClientNotes {
			return nil
		}
	}
	return s.putRawJSON(headerKey(sh.Header.Number), sh)
}

// HeadersInRange returns stored headers with from <= number <= to.
func (s *Scope) HeadersInRange(from, to uint32) ([]*types.StoredHeader, error) {
	if to < from {
		return nil, nil
	}
	r := &util.Range{Start: []byte(headerKey(from)), Limit: []byte(headerKey(to) + "\xff")}
	var out []*types.StoredHeader
	err := s.iterateRange(r, func(key string, value []byte) error {
		var sh types.StoredHeader
		if err := json.Unmarshal(value, &sh); err != nil {
			return fmt.Errorf("%s: %w: %w", key, clienterrors.ErrCorruptData, err)
		}
		out = append(out, &sh)
		return nil
	})
	return out, err
}

// SyncHeight returns the last committed block height; found is false before genesis.
func (s *Scope) SyncHeight() (uint32, bool, error) {
	var h uint32
	found, err := s.getEntityJSON(keySyncHeight, &h)
	return h, found, err
}

// SetSyncHeight refuses to move the height backwards.
func (s *Scope) SetSyncHeight(height uint32) error {
	cur, found, err := s.SyncHeight()
	if err != nil {
		return err
	}
	if found && height < cur {
		return fmt.Errorf("sync height %d -> %d: %w", cur, height, clienterrors.ErrInvalidTransition)
	}
	return s.putEntity(keySyncHeight, height)
}

type mmrPeaks struct {
	Forest uint64        `json:"forest"`
	Peaks  []common.Hash `json:"peaks"`
}

// LoadPartialMmr rebuilds the authentication view from its peaks and tracked leaves.
func (s *Scope) LoadPartialMmr() (*merkle.PartialMmr, error) {
	var mp mmrPeaks
	if _, err := s.getEntityJSON(keyMmrPeaks, &mp); err != nil {
		return nil, err
	}
	p, err := merkle.NewPartialMmr(mp.Forest, mp.Peaks)
	if err != nil {
		return nil, fmt.Errorf("stored peaks: %w: %w", clienterrors.ErrCorruptData, err)
	}
	err = s.iterate(prefixMmrLeaf, func(key string, value []byte) error {
		var pos uint64
		if _, err := fmt.Sscanf(key[len(prefixMmrLeaf):], "%d", &pos); err != nil {
			return fmt.Errorf("%s: %w", key, clienterrors.ErrCorruptData)
		}
		var tl merkle.TrackedLeaf
		if err := json.Unmarshal(value, &tl); err != nil {
			return fmt.Errorf("%s: %w: %w", key, clienterrors.ErrCorruptData, err)
		}
		if err := p.Restore(pos, tl); err != nil {
			return fmt.Errorf("%s: %w: %w", key, clienterrors.ErrCorruptData, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// PutPartialMmr persists p, dropping leaves that are no longer tracked.
func (s *Scope) PutPartialMmr(p *merkle.PartialMmr) error {
	tracked := p.Tracked()
	var stale []string
	err := s.iterate(prefixMmrLeaf, func(key string, _ []byte) error {
		var pos uint64
		if _, err := fmt.Sscanf(key[len(prefixMmrLeaf):], "%d", &pos); err != nil {
			return fmt.Errorf("%s: %w", key, clienterrors.ErrCorruptData)
		}
		if _, ok := tracked[pos]; !ok {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range stale {
		if err := s.deleteRaw(key); err != nil {
			return err
		}
	}
	for pos, tl := range tracked {
		if err := s.putRawJSON(mmrLeafKey(pos), tl); err != nil {
			return err
		}
	}
	return s.putEntity(keyMmrPeaks, &mmrPeaks{Forest: p.Forest(), Peaks: p.Peaks()})
}
