package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/log"
	"github.com/colorfulnotion/noteclient/merkle"
	"github.com/colorfulnotion/noteclient/prover"
	"github.com/colorfulnotion/noteclient/types"
)

// DefaultMaxBlocksPerSync caps the headers returned by one sync response.
const DefaultMaxBlocksPerSync = 64

type mockBlock struct {
	header     types.BlockHeader
	notes      []types.ChainNote
	nullifiers []types.NullifierUpdate
	accounts   []types.AccountUpdate
	txs        []types.TransactionUpdate
}

// MockNode is an in-memory node that produces blocks on demand. It keeps the full header
// MMR and per-block trees and answers with real proofs.
type MockNode struct {
	mu     sync.Mutex
	blocks []*mockBlock
	mmr    *merkle.Mmr

	accounts map[types.AccountID]*types.AccountSnapshot
	notes    map[types.NoteID]types.ChainNote
	spent    map[types.Nullifier]uint32

	pendingNotes      []types.ChainNote
	pendingNullifiers []types.Nullifier
	pendingSpent      map[types.Nullifier]bool
	pendingAccounts   map[types.AccountID]bool
	pendingTxs        []types.TransactionUpdate

	rejectNext       []string
	dropSubmissions  bool
	submitCalls      int
	maxBlocksPerSync uint32
	tamper           func(*types.SyncUpdate)

	subs    map[int]chan types.BlockHeader
	nextSub int
}

var (
	_ NodeRPC    = (*MockNode)(nil)
	_ HeadSource = (*MockNode)(nil)
)

// NewMockNode returns a node holding only the genesis block.
func NewMockNode() *MockNode {
	n := &MockNode{
		mmr:              merkle.NewMmr(),
		accounts:         make(map[types.AccountID]*types.AccountSnapshot),
		notes:            make(map[types.NoteID]types.ChainNote),
		spent:            make(map[types.Nullifier]uint32),
		pendingSpent:     make(map[types.Nullifier]bool),
		pendingAccounts:  make(map[types.AccountID]bool),
		maxBlocksPerSync: DefaultMaxBlocksPerSync,
		subs:             make(map[int]chan types.BlockHeader),
	}
	n.produceBlock()
	return n
}

func clone[T any](v T) T {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return out
}

func (n *MockNode) Genesis() types.BlockHeader {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.blocks[0].header
}

func (n *MockNode) Tip() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tip()
}

func (n *MockNode) tip() uint32 { return uint32(len(n.blocks) - 1) }

// DeployAccount records acct's current state in the next block. Private accounts are
// recorded by commitment only.
func (n *MockNode) DeployAccount(acct *types.Account) {
	n.mu.Lock()
	defer n.mu.Unlock()
	snap := &types.AccountSnapshot{ID: acct.ID, Nonce: acct.Nonce, Commitment: acct.Commitment()}
	if acct.ID.IsPublic() {
		snap.Account = acct.Clone()
	}
	n.accounts[acct.ID] = snap
	n.pendingAccounts[acct.ID] = true
}

// AddNote publishes note in the next block. Private notes carry sealed instead of details.
func (n *MockNode) AddNote(note *types.Note, sealed []byte) types.NoteID {
	n.mu.Lock()
	defer n.mu.Unlock()
	cn := types.ChainNote{ID: note.ID(), Metadata: note.Metadata}
	if note.Metadata.Type == types.NotePublic {
		cn.Details = note.Clone()
	} else {
		cn.Sealed = append([]byte(nil), sealed...)
	}
	n.pendingNotes = append(n.pendingNotes, cn)
	return cn.ID
}

// SpendNullifier marks nf spent in the next block, as if another client consumed the note.
func (n *MockNode) SpendNullifier(nf types.Nullifier) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pendingNullifiers = append(n.pendingNullifiers, nf)
	n.pendingSpent[nf] = true
}

// RejectNext makes the next submissions fail with reasons, in order.
func (n *MockNode) RejectNext(reasons ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rejectNext = append(n.rejectNext, reasons...)
}

// DropSubmissions makes the node accept and then lose every submission.
func (n *MockNode) DropSubmissions(drop bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropSubmissions = drop
}

func (n *MockNode) SubmitCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.submitCalls
}

func (n *MockNode) SetMaxBlocksPerSync(max uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.maxBlocksPerSync = max
}

// Tamper installs fn to rewrite every sync response before it is returned.
func (n *MockNode) Tamper(fn func(*types.SyncUpdate)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tamper = fn
}

// ProduceBlock seals everything pending into a new block and announces its header.
func (n *MockNode) ProduceBlock() types.BlockHeader {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.produceBlock()
}

func (n *MockNode) produceBlock() types.BlockHeader {
	number := uint32(len(n.blocks))
	b := &mockBlock{}

	noteLeaves := make([]types.NoteID, len(n.pendingNotes))
	for i, cn := range n.pendingNotes {
		noteLeaves[i] = types.NoteLeaf(cn.ID, cn.Metadata)
	}
	noteTree := mustTree(noteLeaves)
	for i, cn := range n.pendingNotes {
		path, _ := noteTree.Path(uint64(i))
		cn.Proof = types.InclusionProof{BlockNum: number, Index: uint64(i), Path: path}
		b.notes = append(b.notes, cn)
		n.notes[cn.ID] = cn
	}

	nfLeaves := make([]types.NoteID, len(n.pendingNullifiers))
	for i, nf := range n.pendingNullifiers {
		nfLeaves[i] = types.NullifierLeaf(nf)
	}
	nfTree := mustTree(nfLeaves)
	for i, nf := range n.pendingNullifiers {
		path, _ := nfTree.Path(uint64(i))
		b.nullifiers = append(b.nullifiers, types.NullifierUpdate{
			Nullifier: nf,
			Proof:     types.InclusionProof{BlockNum: number, Index: uint64(i), Path: path},
		})
		n.spent[nf] = number
	}

	ids := make([]types.AccountID, 0, len(n.pendingAccounts))
	for id := range n.pendingAccounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	accLeaves := make([]types.NoteID, len(ids))
	for i, id := range ids {
		snap := n.accounts[id]
		snap.BlockNum = number
		accLeaves[i] = types.AccountLeaf(id, snap.Nonce, snap.Commitment)
	}
	accTree := mustTree(accLeaves)
	for i, id := range ids {
		path, _ := accTree.Path(uint64(i))
		b.accounts = append(b.accounts, types.AccountUpdate{
			Snapshot: *clone(n.accounts[id]),
			Proof:    types.InclusionProof{BlockNum: number, Index: uint64(i), Path: path},
		})
	}

	txLeaves := make([]types.NoteID, len(n.pendingTxs))
	for i, tx := range n.pendingTxs {
		txLeaves[i] = types.TransactionLeaf(tx.ID, tx.AccountID, tx.FinalCommitment)
	}
	txTree := mustTree(txLeaves)
	for i, tx := range n.pendingTxs {
		path, _ := txTree.Path(uint64(i))
		tx.Proof = types.InclusionProof{BlockNum: number, Index: uint64(i), Path: path}
		b.txs = append(b.txs, tx)
	}

	b.header = types.BlockHeader{
		Number:        number,
		ChainRoot:     n.mmr.Root(),
		NoteRoot:      noteTree.Root(),
		NullifierRoot: nfTree.Root(),
		AccountRoot:   accTree.Root(),
		TxRoot:        txTree.Root(),
		Timestamp:     uint64(number),
	}
	if number > 0 {
		b.header.PrevHash = n.blocks[number-1].header.Hash()
	}
	n.mmr.Add(b.header.Hash())
	n.blocks = append(n.blocks, b)

	n.pendingNotes = nil
	n.pendingNullifiers = nil
	n.pendingSpent = make(map[types.Nullifier]bool)
	n.pendingAccounts = make(map[types.AccountID]bool)
	n.pendingTxs = nil

	for _, ch := range n.subs {
		select {
		case ch <- b.header:
		default:
		}
	}
	log.Trace(log.RPCMonitoring, "Mock block produced", "number", number, "notes", len(b.notes), "txs", len(b.txs))
	return b.header
}

func mustTree(leaves []types.NoteID) *merkle.Tree {
	t, err := merkle.BuildTree(leaves)
	if err != nil {
		panic(err)
	}
	return t
}

func (n *MockNode) GetSyncUpdate(ctx context.Context, req *SyncRequest) (*types.SyncUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	tip := n.tip()
	update := &types.SyncUpdate{ChainTip: tip}
	if req.Since >= tip {
		return update, nil
	}
	to := tip
	if req.Since+n.maxBlocksPerSync < to {
		to = req.Since + n.maxBlocksPerSync
	}
	accounts := make(map[types.AccountID]bool, len(req.Accounts))
	for _, id := range req.Accounts {
		accounts[id] = true
	}
	tags := make(map[uint32]bool, len(req.NoteTags))
	for _, t := range req.NoteTags {
		tags[t] = true
	}
	prefixes := make(map[uint16]bool, len(req.NullifierPrefixes))
	for _, p := range req.NullifierPrefixes {
		prefixes[p] = true
	}
	latest := make(map[types.AccountID]types.AccountUpdate)
	for h := req.Since + 1; h <= to; h++ {
		b := n.blocks[h]
		update.Headers = append(update.Headers, b.header)
		for _, cn := range b.notes {
			if tags[cn.Metadata.Tag] {
				update.Notes = append(update.Notes, cn)
			}
		}
		for _, nu := range b.nullifiers {
			if prefixes[NullifierPrefix(nu.Nullifier)] {
				update.Nullifiers = append(update.Nullifiers, nu)
			}
		}
		for _, au := range b.accounts {
			if accounts[au.Snapshot.ID] {
				latest[au.Snapshot.ID] = au
			}
		}
		for _, tx := range b.txs {
			if accounts[tx.AccountID] {
				update.Transactions = append(update.Transactions, tx)
			}
		}
	}
	for _, id := range req.Accounts {
		if au, ok := latest[id]; ok {
			update.Accounts = append(update.Accounts, au)
		}
	}
	out := clone(update)
	if n.tamper != nil {
		n.tamper(out)
	}
	return out, nil
}

func (n *MockNode) SubmitTransaction(ctx context.Context, ptx *types.ProvenTransaction) (*types.SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.submitCalls++
	reject := func(reason string) (*types.SubmitResult, error) {
		log.Debug(log.RPCMonitoring, "Mock node rejected transaction", "tx", ptx.Transaction.ID, "reason", reason)
		return &types.SubmitResult{Reason: reason}, nil
	}
	if len(n.rejectNext) > 0 {
		reason := n.rejectNext[0]
		n.rejectNext = n.rejectNext[1:]
		return reject(reason)
	}
	if n.dropSubmissions {
		return &types.SubmitResult{Accepted: true}, nil
	}
	tx := &ptx.Transaction
	if tx.ID != types.ComputeTxID(tx.InitialCommitment, tx.FinalCommitment, tx.Nullifiers, tx.OutputNoteIDs()) ||
		!prover.Verify(tx, ptx.Proof) {
		return reject(types.RejectInvalidProof)
	}
	if tx.ExpirationBlock != 0 && n.tip()+1 > tx.ExpirationBlock {
		return reject(types.RejectExpired)
	}
	snap, known := n.accounts[tx.AccountID]
	if known {
		if snap.Nonce >= tx.FinalNonce {
			return reject(types.RejectStaleNonce)
		}
		if snap.Commitment != tx.InitialCommitment {
			return reject(types.RejectStaleCommitment)
		}
	}
	for _, nf := range tx.Nullifiers {
		if _, ok := n.spent[nf]; ok || n.pendingSpent[nf] {
			return reject(types.RejectAlreadySpent)
		}
	}

	next := &types.AccountSnapshot{ID: tx.AccountID, Nonce: tx.FinalNonce, Commitment: tx.FinalCommitment}
	if known && snap.Account != nil {
		acct, err := tx.Delta.Apply(snap.Account)
		if err != nil || acct.Commitment() != tx.FinalCommitment {
			return reject(types.RejectInvalidProof)
		}
		next.Account = acct
	}
	n.accounts[tx.AccountID] = next
	n.pendingAccounts[tx.AccountID] = true
	for _, nf := range tx.Nullifiers {
		n.pendingSpent[nf] = true
		n.pendingNullifiers = append(n.pendingNullifiers, nf)
	}
	for i := range tx.OutputNotes {
		note := &tx.OutputNotes[i]
		cn := types.ChainNote{ID: note.ID(), Metadata: note.Metadata}
		if note.Metadata.Type == types.NotePublic {
			cn.Details = note.Clone()
		}
		n.pendingNotes = append(n.pendingNotes, cn)
	}
	n.pendingTxs = append(n.pendingTxs, types.TransactionUpdate{ID: tx.ID, AccountID: tx.AccountID, FinalCommitment: tx.FinalCommitment})
	return &types.SubmitResult{Accepted: true}, nil
}

func (n *MockNode) GetAccountState(ctx context.Context, id types.AccountID) (*types.AccountSnapshot, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	snap, ok := n.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, clienterrors.ErrAccountNotFound)
	}
	return clone(snap), nil
}

func (n *MockNode) GetBlockHeader(ctx context.Context, number uint32, withProof bool) (*BlockHeaderResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if number > n.tip() {
		return nil, fmt.Errorf("block %d beyond tip %d: %w", number, n.tip(), clienterrors.ErrRemote)
	}
	resp := &BlockHeaderResponse{Header: n.blocks[number].header}
	if withProof {
		proof, err := n.mmr.Open(uint64(number))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", clienterrors.ErrRemote, err)
		}
		resp.Proof = &proof
	}
	return resp, nil
}

func (n *MockNode) GetNotesByID(ctx context.Context, ids []types.NoteID) ([]types.ChainNote, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []types.ChainNote
	for _, id := range ids {
		if cn, ok := n.notes[id]; ok {
			out = append(out, clone(cn))
		}
	}
	return out, nil
}

func (n *MockNode) SubscribeHeads() (<-chan types.BlockHeader, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextSub
	n.nextSub++
	ch := make(chan types.BlockHeader, 16)
	n.subs[id] = ch
	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if _, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(ch)
		}
	}
}
