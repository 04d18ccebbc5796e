// Package chainsync advances the local store to the node's chain tip. Every header, note,
// nullifier, account and transaction in a response is verified before anything is
// written, and a pass lands in the store as a single scope.
package chainsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/common"
	"github.com/colorfulnotion/noteclient/log"
	"github.com/colorfulnotion/noteclient/merkle"
	"github.com/colorfulnotion/noteclient/rpc"
	"github.com/colorfulnotion/noteclient/screener"
	"github.com/colorfulnotion/noteclient/storage"
	"github.com/colorfulnotion/noteclient/telemetry"
	"github.com/colorfulnotion/noteclient/transaction"
	"github.com/colorfulnotion/noteclient/types"
	"go.opentelemetry.io/otel/attribute"
)

type Config struct {
	// MaxPendingPasses is how many height-advancing passes a Pending record may go
	// unobserved before it is discarded.
	MaxPendingPasses uint32
	// TrustedGenesis, if set, pins the hash of header 0.
	TrustedGenesis *common.Hash
}

func DefaultConfig() Config {
	return Config{MaxPendingPasses: 20}
}

type Engine struct {
	store    *storage.Store
	node     rpc.NodeRPC
	screener *screener.Screener
	reserved *transaction.Reservations
	cfg      Config

	// mu keeps passes strictly sequential.
	mu sync.Mutex
}

func NewEngine(store *storage.Store, node rpc.NodeRPC, scr *screener.Screener, reserved *transaction.Reservations, cfg Config) *Engine {
	return &Engine{
		store:    store,
		node:     node,
		screener: scr,
		reserved: reserved,
		cfg:      cfg,
	}
}

// SyncSummary lists what one or more passes changed.
type SyncSummary struct {
	From                  uint32            `json:"from"`
	To                    uint32            `json:"to"`
	ChainTip              uint32            `json:"chain_tip"`
	NewNotes              []types.NoteID    `json:"new_notes,omitempty"`
	ConsumedNotes         []types.NoteID    `json:"consumed_notes,omitempty"`
	UpdatedAccounts       []types.AccountID `json:"updated_accounts,omitempty"`
	LockedAccounts        []types.AccountID `json:"locked_accounts,omitempty"`
	UnknownNotes          []types.NoteID    `json:"unknown_notes,omitempty"`
	CommittedTransactions []types.TxID      `json:"committed_transactions,omitempty"`
	DiscardedTransactions []types.TxID      `json:"discarded_transactions,omitempty"`
}

func (s *SyncSummary) IsEmpty() bool {
	return s.From == s.To && len(s.NewNotes) == 0 && len(s.ConsumedNotes) == 0 &&
		len(s.UpdatedAccounts) == 0 && len(s.LockedAccounts) == 0 && len(s.UnknownNotes) == 0 &&
		len(s.CommittedTransactions) == 0 && len(s.DiscardedTransactions) == 0
}

func (s *SyncSummary) Merge(o *SyncSummary) {
	s.To = o.To
	s.ChainTip = o.ChainTip
	s.NewNotes = append(s.NewNotes, o.NewNotes...)
	s.ConsumedNotes = append(s.ConsumedNotes, o.ConsumedNotes...)
	s.UpdatedAccounts = append(s.UpdatedAccounts, o.UpdatedAccounts...)
	s.LockedAccounts = append(s.LockedAccounts, o.LockedAccounts...)
	s.UnknownNotes = append(s.UnknownNotes, o.UnknownNotes...)
	s.CommittedTransactions = append(s.CommittedTransactions, o.CommittedTransactions...)
	s.DiscardedTransactions = append(s.DiscardedTransactions, o.DiscardedTransactions...)
}

// localState is what a pass reads before it talks to the node.
type localState struct {
	height      uint32
	header      types.BlockHeader
	tracker     *AuthTracker
	accounts    map[types.AccountID]*storage.AccountRecord
	accountIDs  []types.AccountID
	notes       map[types.NoteID]*types.NoteRecord
	byNullifier map[types.Nullifier]*types.NoteRecord
	pending     []*types.TransactionRecord
}

func (e *Engine) load() (*localState, error) {
	ls := &localState{
		accounts:    make(map[types.AccountID]*storage.AccountRecord),
		notes:       make(map[types.NoteID]*types.NoteRecord),
		byNullifier: make(map[types.Nullifier]*types.NoteRecord),
	}
	err := e.store.View(func(sc *storage.Scope) error {
		height, found, err := sc.SyncHeight()
		if err != nil {
			return err
		}
		if !found {
			return errNoGenesis
		}
		ls.height = height
		sh, err := sc.GetHeader(height)
		if err != nil {
			return err
		}
		if sh == nil {
			return fmt.Errorf("header %d missing: %w", height, clienterrors.ErrCorruptData)
		}
		ls.header = sh.Header
		pm, err := sc.LoadPartialMmr()
		if err != nil {
			return err
		}
		if pm.Forest() != uint64(height)+1 {
			return fmt.Errorf("authentication view covers %d headers at height %d: %w", pm.Forest(), height, clienterrors.ErrCorruptData)
		}
		ls.tracker = NewAuthTracker(pm)
		accounts, err := sc.ListAccounts()
		if err != nil {
			return err
		}
		for _, a := range accounts {
			ls.accounts[a.ID] = a
			ls.accountIDs = append(ls.accountIDs, a.ID)
		}
		notes, err := sc.ListNotes()
		if err != nil {
			return err
		}
		for _, n := range notes {
			ls.notes[n.ID] = n
			ls.byNullifier[n.Nullifier] = n
		}
		ls.pending, err = sc.TransactionsByStatus(types.TxPending)
		return err
	})
	return ls, err
}

// hasUntracked reports whether a provable note sits in a block whose path is missing.
func (ls *localState) hasUntracked() bool {
	for _, n := range ls.notes {
		if provable(n) && !ls.tracker.IsTracked(n.CommittedBlock) {
			return true
		}
	}
	return false
}

var errNoGenesis = fmt.Errorf("store has no genesis header: %w", clienterrors.ErrInvalidTransition)

func (ls *localState) request() *rpc.SyncRequest {
	req := &rpc.SyncRequest{Since: ls.height, Accounts: ls.accountIDs}
	tags := make(map[uint32]bool)
	for _, id := range ls.accountIDs {
		tags[id.Tag()] = true
	}
	prefixes := make(map[uint16]bool)
	for _, n := range ls.notes {
		switch n.State {
		case types.NoteExpected:
			tags[n.Note.Metadata.Tag] = true
			prefixes[rpc.NullifierPrefix(n.Nullifier)] = true
		case types.NoteCommitted, types.NoteProcessing, types.NoteUnknown:
			prefixes[rpc.NullifierPrefix(n.Nullifier)] = true
		}
	}
	for t := range tags {
		req.NoteTags = append(req.NoteTags, t)
	}
	for p := range prefixes {
		req.NullifierPrefixes = append(req.NullifierPrefixes, p)
	}
	sort.Slice(req.NoteTags, func(i, j int) bool { return req.NoteTags[i] < req.NoteTags[j] })
	sort.Slice(req.NullifierPrefixes, func(i, j int) bool { return req.NullifierPrefixes[i] < req.NullifierPrefixes[j] })
	return req
}

// SyncOnce fetches everything past the local height, verifies it and applies it in one
// scope. Any verification failure aborts the pass with nothing written. Network errors
// are returned as is; retrying is the caller's decision.
func (e *Engine) SyncOnce(ctx context.Context) (summary *SyncSummary, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "sync.once")
	defer func() {
		telemetry.EndSpan(span, err)
		result := "ok"
		if err != nil {
			result = clienterrors.KindOf(err).String()
		}
		telemetry.SyncPasses.WithLabelValues(result).Inc()
	}()

	ls, err := e.load()
	if errors.Is(err, errNoGenesis) {
		if err = e.ensureGenesis(ctx); err != nil {
			return nil, err
		}
		ls, err = e.load()
	}
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int64("from", int64(ls.height)))

	update, err := e.node.GetSyncUpdate(ctx, ls.request())
	if err != nil {
		return nil, err
	}
	b, err := e.verify(ls, update)
	if err != nil {
		log.Warn(log.SyncMonitoring, "Sync response rejected", "height", ls.height, "err", err)
		return nil, err
	}
	summary = &SyncSummary{From: ls.height, To: b.height, ChainTip: update.ChainTip}
	if b.isEmpty() && !ls.hasUntracked() {
		log.Trace(log.SyncMonitoring, "Already at tip", "height", ls.height)
		return summary, nil
	}

	var release []types.TxID
	err = e.store.Update(ctx, func(sc *storage.Scope) error {
		var err error
		release, err = e.apply(sc, ls, b, summary)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, id := range release {
		e.reserved.Release(id)
	}
	telemetry.SyncHeight.Set(float64(summary.To))
	log.Info(log.SyncMonitoring, "Synced", "from", summary.From, "to", summary.To, "tip", summary.ChainTip,
		"notes", len(summary.NewNotes), "consumed", len(summary.ConsumedNotes),
		"committed", len(summary.CommittedTransactions), "discarded", len(summary.DiscardedTransactions))
	return summary, nil
}

// SyncToTip repeats SyncOnce until the node has nothing newer.
func (e *Engine) SyncToTip(ctx context.Context) (*SyncSummary, error) {
	var total *SyncSummary
	for {
		s, err := e.SyncOnce(ctx)
		if err != nil {
			return total, err
		}
		if total == nil {
			total = s
		} else {
			total.Merge(s)
		}
		if s.To >= s.ChainTip || s.To == s.From {
			return total, nil
		}
	}
}

// EnsureGenesis stores header 0 if the store is empty. With a trusted hash configured the
// header must match it.
func (e *Engine) EnsureGenesis(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ensureGenesis(ctx)
}

func (e *Engine) ensureGenesis(ctx context.Context) error {
	var found bool
	if err := e.store.View(func(sc *storage.Scope) (err error) {
		_, found, err = sc.SyncHeight()
		return err
	}); err != nil || found {
		return err
	}
	resp, err := e.node.GetBlockHeader(ctx, 0, false)
	if err != nil {
		return err
	}
	genesis := resp.Header
	if genesis.Number != 0 || genesis.PrevHash != (common.Hash{}) {
		return fmt.Errorf("header %d offered as genesis: %w", genesis.Number, clienterrors.ErrGenesisMismatch)
	}
	if e.cfg.TrustedGenesis != nil && genesis.Hash() != *e.cfg.TrustedGenesis {
		return fmt.Errorf("genesis %s, trusted %s: %w", genesis.Hash(), *e.cfg.TrustedGenesis, clienterrors.ErrGenesisMismatch)
	}
	empty, _ := merkle.NewPartialMmr(0, nil)
	tracker := NewAuthTracker(empty)
	if err := tracker.Extend(nil, []types.BlockHeader{genesis}, nil); err != nil {
		return fmt.Errorf("genesis: %w", err)
	}
	err = e.store.Update(ctx, func(sc *storage.Scope) error {
		if err := sc.PutHeader(&types.StoredHeader{Header: genesis}); err != nil {
			return err
		}
		if err := sc.PutPartialMmr(tracker.PartialMmr()); err != nil {
			return err
		}
		return sc.SetSyncHeight(0)
	})
	if err != nil {
		return err
	}
	log.Info(log.SyncMonitoring, "Genesis stored", "hash", genesis.Hash())
	return nil
}
