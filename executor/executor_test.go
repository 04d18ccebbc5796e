package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/common"
	"github.com/colorfulnotion/noteclient/prover"
	"github.com/colorfulnotion/noteclient/retry"
	"github.com/colorfulnotion/noteclient/rpc"
	"github.com/colorfulnotion/noteclient/storage"
	"github.com/colorfulnotion/noteclient/transaction"
	"github.com/colorfulnotion/noteclient/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = retry.Policy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

type fixture struct {
	store    *storage.Store
	node     *rpc.MockNode
	reserved *transaction.Reservations
	builder  *transaction.Builder
	exec     *Executor
	vm       *StandardVM
	faucet   *types.Account
	alice    *types.Account
	bob      *types.Account
	serials  int
}

func newFixture(t *testing.T) *fixture {
	store, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	faucetCode, err := types.NewAccountCode(types.ComponentFungibleFaucet, types.ComponentSingleSigAuth)
	require.NoError(t, err)
	walletCode, err := types.NewAccountCode(types.ComponentBasicWallet, types.ComponentSingleSigAuth, types.ComponentCustomScriptRunner)
	require.NoError(t, err)
	f := &fixture{
		store:    store,
		node:     rpc.NewMockNode(),
		reserved: transaction.NewReservations(),
		vm:       NewStandardVM(),
		faucet:   types.NewAccount(common.Keccak256([]byte("faucet")), types.AccountFungibleFaucet, types.StoragePublic, faucetCode, nil),
		alice:    types.NewAccount(common.Keccak256([]byte("alice")), types.AccountRegularUpdatable, types.StoragePrivate, walletCode, nil),
		bob:      types.NewAccount(common.Keccak256([]byte("bob")), types.AccountRegularUpdatable, types.StoragePublic, walletCode, nil),
	}
	f.builder = transaction.NewBuilder(store, f.reserved)
	f.builder.SetSerialSource(func() (common.Hash, error) {
		f.serials++
		return common.Keccak256([]byte("serial"), common.Uint32ToBytes(uint32(f.serials))), nil
	})
	f.exec = New(store, f.node, prover.NewLocalProver(), f.vm, f.reserved, fastRetry)
	require.NoError(t, store.Update(context.Background(), func(sc *storage.Scope) error {
		for _, a := range []*types.Account{f.faucet, f.alice, f.bob} {
			if err := sc.PutAccount(a, types.AccountTracked); err != nil {
				return err
			}
		}
		return sc.SetSyncHeight(10)
	}))
	return f
}

func (f *fixture) asset(t *testing.T, amount uint64) types.Asset {
	a, err := types.NewFungibleAsset(f.faucet.ID, uint256.NewInt(amount))
	require.NoError(t, err)
	return a
}

// committed stores a Committed P2ID note paying amount to target.
func (f *fixture) committed(t *testing.T, target types.AccountID, serial string, amount uint64) *types.NoteRecord {
	n, err := types.NewP2IDNote(f.faucet.ID, target, []types.Asset{f.asset(t, amount)}, types.NotePublic, common.Keccak256([]byte(serial)))
	require.NoError(t, err)
	rec := types.NewNoteRecord(n, types.NoteCommitted)
	rec.CommittedBlock = 5
	rec.Consumability = []types.NoteConsumability{{Account: target}}
	require.NoError(t, f.store.Update(context.Background(), func(sc *storage.Scope) error { return sc.PutNote(rec) }))
	return rec
}

func (f *fixture) note(t *testing.T, id types.NoteID) *types.NoteRecord {
	var rec *types.NoteRecord
	require.NoError(t, f.store.View(func(sc *storage.Scope) (err error) {
		rec, err = sc.GetNote(id)
		return err
	}))
	require.NotNil(t, rec)
	return rec
}

func (f *fixture) tx(t *testing.T, id types.TxID) *types.TransactionRecord {
	var rec *types.TransactionRecord
	require.NoError(t, f.store.View(func(sc *storage.Scope) (err error) {
		rec, err = sc.GetTransaction(id)
		return err
	}))
	require.NotNil(t, rec)
	return rec
}

func (f *fixture) account(t *testing.T, id types.AccountID) *types.Account {
	var acct *types.Account
	require.NoError(t, f.store.View(func(sc *storage.Scope) (err error) {
		acct, _, err = sc.GetAccount(id)
		return err
	}))
	return acct
}

func TestRunConsumesNote(t *testing.T) {
	f := newFixture(t)
	n := f.committed(t, f.alice.ID, "n1", 100)
	req, err := f.builder.Consume(f.alice.ID, []types.NoteID{n.ID})
	require.NoError(t, err)

	rec, err := f.exec.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.TxPending, rec.Status)
	assert.Equal(t, types.StageSubmitted, rec.Stage)
	assert.Equal(t, uint32(10), rec.SubmittedHeight)
	assert.Equal(t, 1, f.node.SubmitCalls())

	stored := f.note(t, n.ID)
	assert.Equal(t, types.NoteProcessing, stored.State)
	require.NotNil(t, stored.ConsumedBy)
	assert.Equal(t, rec.ID, *stored.ConsumedBy)
	assert.True(t, f.reserved.IsReserved(n.ID))

	acct := f.account(t, f.alice.ID)
	assert.Equal(t, uint64(1), acct.Nonce)
	assert.Equal(t, uint64(100), acct.Vault.Balance(f.faucet.ID).Uint64())
	assert.Equal(t, rec.FinalCommitment, acct.Commitment())
}

func TestStaleNonceRejectionReleasesNotes(t *testing.T) {
	f := newFixture(t)
	n := f.committed(t, f.alice.ID, "n1", 100)
	req, err := f.builder.Consume(f.alice.ID, []types.NoteID{n.ID})
	require.NoError(t, err)
	f.node.RejectNext(types.RejectStaleNonce)

	ex, err := f.exec.Execute(context.Background(), req)
	require.NoError(t, err)
	ptx, err := f.exec.Prove(context.Background(), ex)
	require.NoError(t, err)
	err = f.exec.Submit(context.Background(), ex, ptx)
	require.ErrorIs(t, err, clienterrors.ErrSubmissionConflict)
	assert.Equal(t, clienterrors.KindConflict, clienterrors.KindOf(err))
	assert.Equal(t, 1, f.node.SubmitCalls())

	rec := f.tx(t, ex.Tx.ID)
	assert.Equal(t, types.TxDiscarded, rec.Status)
	assert.Equal(t, types.RejectStaleNonce, rec.DiscardReason)

	stored := f.note(t, n.ID)
	assert.Equal(t, types.NoteCommitted, stored.State)
	assert.Nil(t, stored.ConsumedBy)
	assert.False(t, f.reserved.IsReserved(n.ID))
	assert.Equal(t, uint64(0), f.account(t, f.alice.ID).Nonce)

	// the released note is selectable again
	notes, err := f.builder.ConsumableNotes(f.alice.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, n.ID, notes[0].ID)
}

func TestConcurrentExecutionsOfSameNote(t *testing.T) {
	f := newFixture(t)
	n := f.committed(t, f.alice.ID, "n1", 100)

	// both requests are built against the same snapshot
	reqs := make([]*transaction.Request, 2)
	for i := range reqs {
		var err error
		reqs[i], err = f.builder.Consume(f.alice.ID, []types.NoteID{n.ID})
		require.NoError(t, err)
	}

	var (
		wg      sync.WaitGroup
		results = make([]*Executed, 2)
		errs    = make([]error, 2)
	)
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.exec.Execute(context.Background(), reqs[i])
		}(i)
	}
	wg.Wait()

	var winner *Executed
	failures := 0
	for i := range errs {
		if errs[i] == nil {
			winner = results[i]
			continue
		}
		failures++
		assert.Equal(t, clienterrors.KindConflict, clienterrors.KindOf(errs[i]), "%v", errs[i])
	}
	require.NotNil(t, winner)
	require.Equal(t, 1, failures)

	ptx, err := f.exec.Prove(context.Background(), winner)
	require.NoError(t, err)
	require.NoError(t, f.exec.Submit(context.Background(), winner, ptx))

	require.NoError(t, f.store.View(func(sc *storage.Scope) error {
		pending, err := sc.TransactionsByStatus(types.TxPending)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, types.StageSubmitted, pending[0].Stage)
		return nil
	}))
}

// flakyNode fails the first failures submissions with a transport error.
type flakyNode struct {
	*rpc.MockNode
	failures int32
	calls    int32
}

func (n *flakyNode) SubmitTransaction(ctx context.Context, tx *types.ProvenTransaction) (*types.SubmitResult, error) {
	c := atomic.AddInt32(&n.calls, 1)
	if c <= atomic.LoadInt32(&n.failures) {
		return nil, clienterrors.ErrTransport
	}
	return n.MockNode.SubmitTransaction(ctx, tx)
}

func TestSubmitRetriesNetworkErrors(t *testing.T) {
	f := newFixture(t)
	node := &flakyNode{MockNode: f.node, failures: 2}
	f.exec = New(f.store, node, prover.NewLocalProver(), f.vm, f.reserved, fastRetry)
	n := f.committed(t, f.alice.ID, "n1", 100)
	req, err := f.builder.Consume(f.alice.ID, []types.NoteID{n.ID})
	require.NoError(t, err)

	rec, err := f.exec.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.StageSubmitted, rec.Stage)
	assert.Equal(t, int32(3), atomic.LoadInt32(&node.calls))
}

func TestSubmitExhaustedLeavesRecordPending(t *testing.T) {
	f := newFixture(t)
	node := &flakyNode{MockNode: f.node, failures: 100}
	f.exec = New(f.store, node, prover.NewLocalProver(), f.vm, f.reserved, fastRetry)
	n := f.committed(t, f.alice.ID, "n1", 100)
	req, err := f.builder.Consume(f.alice.ID, []types.NoteID{n.ID})
	require.NoError(t, err)

	_, err = f.exec.Run(context.Background(), req)
	require.ErrorIs(t, err, clienterrors.ErrRetriesExhausted)
	assert.Equal(t, int32(fastRetry.MaxRetries+1), atomic.LoadInt32(&node.calls))

	pending := f.reserved.Len()
	assert.Equal(t, 1, pending)
	assert.Equal(t, types.NoteProcessing, f.note(t, n.ID).State)
}

// downProver fails with a transport error while down is set.
type downProver struct {
	down  atomic.Bool
	calls int32
	local *prover.LocalProver
}

func (p *downProver) Prove(ctx context.Context, tx *types.ExecutedTransaction) (*types.ProvenTransaction, error) {
	atomic.AddInt32(&p.calls, 1)
	if p.down.Load() {
		return nil, clienterrors.ErrTransport
	}
	return p.local.Prove(ctx, tx)
}

func TestProverOutageKeepsRecordForReprove(t *testing.T) {
	f := newFixture(t)
	p := &downProver{local: prover.NewLocalProver()}
	p.down.Store(true)
	f.exec = New(f.store, f.node, p, f.vm, f.reserved, fastRetry)
	n := f.committed(t, f.alice.ID, "n1", 100)
	req, err := f.builder.Consume(f.alice.ID, []types.NoteID{n.ID})
	require.NoError(t, err)
	ctx := context.Background()

	ex, err := f.exec.Execute(ctx, req)
	require.NoError(t, err)
	_, err = f.exec.Prove(ctx, ex)
	require.ErrorIs(t, err, clienterrors.ErrRetriesExhausted)
	assert.Equal(t, int32(fastRetry.MaxRetries+1), atomic.LoadInt32(&p.calls))

	rec := f.tx(t, ex.Tx.ID)
	assert.Equal(t, types.TxPending, rec.Status)
	assert.Equal(t, types.StageExecuted, rec.Stage)
	assert.Equal(t, types.NoteProcessing, f.note(t, n.ID).State)
	assert.Equal(t, 1, f.reserved.Len())

	p.down.Store(false)
	ptx, err := f.exec.Prove(ctx, ex)
	require.NoError(t, err)
	assert.Equal(t, types.StageProven, f.tx(t, ex.Tx.ID).Stage)
	require.NoError(t, f.exec.Submit(ctx, ex, ptx))
	assert.Equal(t, types.StageSubmitted, f.tx(t, ex.Tx.ID).Stage)
}

type badProver struct{}

func (badProver) Prove(ctx context.Context, tx *types.ExecutedTransaction) (*types.ProvenTransaction, error) {
	return &types.ProvenTransaction{Transaction: *tx, Proof: make([]byte, common.HashLength)}, nil
}

func TestInvalidProofDiscards(t *testing.T) {
	f := newFixture(t)
	f.exec = New(f.store, f.node, badProver{}, f.vm, f.reserved, fastRetry)
	n := f.committed(t, f.alice.ID, "n1", 100)
	req, err := f.builder.Consume(f.alice.ID, []types.NoteID{n.ID})
	require.NoError(t, err)

	_, err = f.exec.Run(context.Background(), req)
	require.ErrorIs(t, err, clienterrors.ErrProofRejected)
	assert.Equal(t, types.NoteCommitted, f.note(t, n.ID).State)
	assert.Zero(t, f.reserved.Len())
}

func TestSendCreatesExpectedNote(t *testing.T) {
	f := newFixture(t)
	f.committed(t, f.alice.ID, "n1", 60)
	f.committed(t, f.alice.ID, "n2", 60)
	req, err := f.builder.Send(transaction.SendParams{
		Sender:   f.alice.ID,
		Target:   f.bob.ID,
		Assets:   []types.Asset{f.asset(t, 100)},
		NoteType: types.NotePublic,
	})
	require.NoError(t, err)

	rec, err := f.exec.Run(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, rec.OutputNotes, 1)

	out := f.note(t, rec.OutputNotes[0])
	assert.Equal(t, types.NoteExpected, out.State)
	require.NotNil(t, out.CreatedBy)
	assert.Equal(t, rec.ID, *out.CreatedBy)
	assert.True(t, out.ConsumableBy(f.bob.ID, 0))

	acct := f.account(t, f.alice.ID)
	assert.Equal(t, uint64(20), acct.Vault.Balance(f.faucet.ID).Uint64())
	assert.Len(t, rec.Delta.Added, 1)
	assert.Len(t, rec.Delta.Removed, 0)
}

func TestMintUpdatesIssuance(t *testing.T) {
	f := newFixture(t)
	req, err := f.builder.Mint(f.faucet.ID, f.alice.ID, uint256.NewInt(500), types.NotePrivate)
	require.NoError(t, err)

	rec, err := f.exec.Run(context.Background(), req)
	require.NoError(t, err)
	faucet := f.account(t, f.faucet.ID)
	issued := new(uint256.Int).SetBytes(faucet.Storage.Get(IssuedSlot).Bytes())
	assert.Equal(t, uint64(500), issued.Uint64())
	assert.Contains(t, rec.Delta.StorageUpdates, IssuedSlot)
	assert.True(t, f.note(t, rec.OutputNotes[0]).ConsumableBy(f.alice.ID, 0))
}

func TestSwapConsumptionEmitsPayback(t *testing.T) {
	f := newFixture(t)
	otherCode, err := types.NewAccountCode(types.ComponentFungibleFaucet)
	require.NoError(t, err)
	other := types.NewAccount(common.Keccak256([]byte("other")), types.AccountFungibleFaucet, types.StoragePublic, otherCode, nil)
	offered := f.asset(t, 10)
	requested, err := types.NewFungibleAsset(other.ID, uint256.NewInt(3))
	require.NoError(t, err)
	swap, payback, err := types.NewSwapNote(f.alice.ID, offered, requested, types.NotePublic, common.Keccak256([]byte("swap")))
	require.NoError(t, err)

	bob := f.bob.Clone()
	require.NoError(t, bob.Vault.Add(requested))
	res, err := f.vm.Execute(context.Background(), &ExecutionInput{
		Account:    bob,
		InputNotes: []ExecutionNote{{Note: *swap}},
	})
	require.NoError(t, err)
	require.Len(t, res.OutputNotes, 1)
	assert.Equal(t, payback.ID(), res.OutputNotes[0].ID())
	assert.Equal(t, uint64(10), res.Account.Vault.Balance(f.faucet.ID).Uint64())
	assert.True(t, res.Account.Vault.Balance(other.ID).IsZero())
	assert.Equal(t, bob.Nonce+1, res.Account.Nonce)

	// without the requested asset the swap cannot be consumed
	_, err = f.vm.Execute(context.Background(), &ExecutionInput{
		Account:    f.bob,
		InputNotes: []ExecutionNote{{Note: *swap}},
	})
	assert.ErrorIs(t, err, clienterrors.ErrScriptFailed)
}

func TestCustomScriptAndMissingOutputs(t *testing.T) {
	f := newFixture(t)
	n := f.committed(t, f.alice.ID, "n1", 100)
	script := &transaction.TxScript{Code: []byte("forward")}
	forward, err := types.NewP2IDNote(f.alice.ID, f.bob.ID, []types.Asset{f.asset(t, 40)}, types.NotePublic, common.Keccak256([]byte("fwd")))
	require.NoError(t, err)
	f.vm.Register(script.Root(), func(sc *ScriptContext) error {
		return sc.CreateNote(forward)
	})

	req, err := f.builder.Custom(transaction.CustomParams{
		Account:         f.alice.ID,
		Script:          script,
		Inputs:          []transaction.InputNote{{ID: n.ID}},
		ExpectedOutputs: []*types.Note{forward},
	})
	require.NoError(t, err)
	rec, err := f.exec.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []types.NoteID{forward.ID()}, rec.OutputNotes)

	other, err := types.NewP2IDNote(f.alice.ID, f.bob.ID, []types.Asset{f.asset(t, 1)}, types.NotePublic, common.Keccak256([]byte("never")))
	require.NoError(t, err)
	req, err = f.builder.Custom(transaction.CustomParams{
		Account:         f.alice.ID,
		Script:          script,
		ExpectedOutputs: []*types.Note{other},
	})
	require.NoError(t, err)
	_, err = f.exec.Execute(context.Background(), req)
	assert.ErrorIs(t, err, clienterrors.ErrMissingOutputNotes)
}

func TestForeignAccountsFetched(t *testing.T) {
	f := newFixture(t)
	f.node.DeployAccount(f.bob)
	f.node.ProduceBlock()
	script := &transaction.TxScript{Code: []byte("read-foreign")}
	var seen *types.Account
	f.vm.Register(script.Root(), func(sc *ScriptContext) error {
		seen = sc.Foreign[f.bob.ID]
		sc.Account.Storage.Set(1, common.Keccak256([]byte("observed")))
		return nil
	})
	req, err := f.builder.Custom(transaction.CustomParams{
		Account: f.alice.ID,
		Script:  script,
		Foreign: []transaction.ForeignAccount{{ID: f.bob.ID}},
	})
	require.NoError(t, err)
	_, err = f.exec.Run(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, f.bob.Commitment(), seen.Commitment())
}

func TestLockedAccountCannotExecute(t *testing.T) {
	f := newFixture(t)
	n := f.committed(t, f.alice.ID, "n1", 100)
	req, err := f.builder.Consume(f.alice.ID, []types.NoteID{n.ID})
	require.NoError(t, err)
	require.NoError(t, f.store.Update(context.Background(), func(sc *storage.Scope) error {
		return sc.SetAccountStatus(f.alice.ID, types.AccountLocked)
	}))
	_, err = f.exec.Execute(context.Background(), req)
	assert.ErrorIs(t, err, clienterrors.ErrAccountLocked)
}
