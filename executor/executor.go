// Package executor drives a transaction request through execution, proving and submission
// and folds each outcome back into the store.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/log"
	"github.com/colorfulnotion/noteclient/prover"
	"github.com/colorfulnotion/noteclient/retry"
	"github.com/colorfulnotion/noteclient/screener"
	"github.com/colorfulnotion/noteclient/storage"
	"github.com/colorfulnotion/noteclient/telemetry"
	"github.com/colorfulnotion/noteclient/transaction"
	"github.com/colorfulnotion/noteclient/types"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Node is the part of the node the executor needs.
type Node interface {
	GetAccountState(ctx context.Context, id types.AccountID) (*types.AccountSnapshot, error)
	SubmitTransaction(ctx context.Context, tx *types.ProvenTransaction) (*types.SubmitResult, error)
}

// maxFoldAttempts bounds how often an accepted submission is re-applied after losing a
// store conflict to a concurrent scope.
const maxFoldAttempts = 3

type Executor struct {
	store    *storage.Store
	node     Node
	prover   prover.Prover
	vm       VM
	reserved *transaction.Reservations
	retry    retry.Policy
}

func New(store *storage.Store, node Node, p prover.Prover, vm VM, reserved *transaction.Reservations, policy retry.Policy) *Executor {
	return &Executor{
		store:    store,
		node:     node,
		prover:   p,
		vm:       vm,
		reserved: reserved,
		retry:    policy,
	}
}

// Executed is a transaction that ran locally and is recorded as Pending.
type Executed struct {
	Tx     *types.ExecutedTransaction
	Record *types.TransactionRecord
	Final  *types.Account
}

type executionView struct {
	acct   *types.Account
	height uint32
	inputs []*types.NoteRecord
}

func (e *Executor) view(req *transaction.Request) (*executionView, error) {
	v := &executionView{}
	err := e.store.View(func(sc *storage.Scope) error {
		acct, rec, err := sc.GetAccount(req.Account())
		if err != nil {
			return err
		}
		if rec.Status == types.AccountLocked {
			return fmt.Errorf("account %s: %w", acct.ID, clienterrors.ErrAccountLocked)
		}
		if v.height, _, err = sc.SyncHeight(); err != nil {
			return err
		}
		v.acct = acct
		for _, id := range req.InputNoteIDs() {
			n, err := sc.GetNote(id)
			if err != nil {
				return err
			}
			if n == nil {
				return fmt.Errorf("note %s: %w", id, clienterrors.ErrNoteNotFound)
			}
			if n.State != types.NoteCommitted {
				return fmt.Errorf("note %s is %s: %w", id, n.State, clienterrors.ErrNoteNotConsumable)
			}
			if e.reserved.IsReserved(id) {
				return fmt.Errorf("note %s: %w", id, clienterrors.ErrNoteReserved)
			}
			if !n.ConsumableBy(acct.ID, v.height) {
				return fmt.Errorf("note %s by %s at %d: %w", id, acct.ID, v.height, clienterrors.ErrNotConsumable)
			}
			v.inputs = append(v.inputs, n)
		}
		return nil
	})
	return v, err
}

// loadForeign resolves foreign accounts. Public ones missing from the request are fetched
// from the node concurrently and checked against their reported commitment.
func (e *Executor) loadForeign(ctx context.Context, foreign []transaction.ForeignAccount) (map[types.AccountID]*types.Account, error) {
	out := make(map[types.AccountID]*types.Account, len(foreign))
	fetched := make([]*types.Account, len(foreign))
	for _, fa := range foreign {
		if fa.Account == nil && !fa.ID.IsPublic() {
			return nil, fmt.Errorf("private foreign account %s not supplied: %w", fa.ID, clienterrors.ErrMalformedRequest)
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, fa := range foreign {
		if fa.Account != nil {
			out[fa.ID] = fa.Account
			continue
		}
		i, id := i, fa.ID
		g.Go(func() error {
			var snap *types.AccountSnapshot
			err := retry.Do(gctx, e.retry, "foreign_account", func() (err error) {
				snap, err = e.node.GetAccountState(gctx, id)
				return err
			})
			if err != nil {
				return err
			}
			if snap.Account == nil || snap.Account.ID != id {
				return fmt.Errorf("foreign account %s has no public state: %w", id, clienterrors.ErrMalformedResponse)
			}
			if snap.Account.Commitment() != snap.Commitment {
				return fmt.Errorf("foreign account %s: %w", id, clienterrors.ErrCommitmentMismatch)
			}
			fetched[i] = snap.Account
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, a := range fetched {
		if a != nil {
			out[a.ID] = a
		}
	}
	return out, nil
}

// Execute runs req against the current local state and records it as Pending. The input
// notes move to Processing and are reserved. Two executions racing for the same note or
// account serialize in the store: the loser fails with a conflict.
func (e *Executor) Execute(ctx context.Context, req *transaction.Request) (ex *Executed, err error) {
	ctx, span := telemetry.StartSpan(ctx, "tx.execute",
		attribute.String("request", req.ID()),
		attribute.String("intent", req.Intent().String()))
	defer func() { telemetry.EndSpan(span, err) }()

	v, err := e.view(req)
	if err != nil {
		return nil, err
	}
	foreign, err := e.loadForeign(ctx, req.ForeignAccounts())
	if err != nil {
		return nil, err
	}
	in := &ExecutionInput{
		Account:     v.acct,
		OwnOutputs:  req.OwnOutputNotes(),
		Foreign:     foreign,
		BlockNumber: v.height,
	}
	for i, n := range req.InputNotes() {
		in.InputNotes = append(in.InputNotes, ExecutionNote{Note: v.inputs[i].Note, Args: n.Args})
	}
	if s := req.Script(); s != nil {
		in.HasScript = true
		in.ScriptRoot = s.Root()
		in.ScriptArgs = s.Args
	}
	result, err := e.vm.Execute(ctx, in)
	if err != nil {
		if clienterrors.KindOf(err) == clienterrors.KindUnknown {
			err = fmt.Errorf("%w: %w", clienterrors.ErrScriptFailed, err)
		}
		return nil, err
	}

	produced := make(map[types.NoteID]bool, len(result.OutputNotes))
	for i := range result.OutputNotes {
		produced[result.OutputNotes[i].ID()] = true
	}
	for _, n := range req.ExpectedOutputNotes() {
		if !produced[n.ID()] {
			return nil, fmt.Errorf("note %s: %w", n.ID(), clienterrors.ErrMissingOutputNotes)
		}
	}

	tx := &types.ExecutedTransaction{
		AccountID:         v.acct.ID,
		InitialCommitment: v.acct.Commitment(),
		FinalCommitment:   result.Account.Commitment(),
		FinalNonce:        result.Account.Nonce,
		Delta:             computeDelta(v.acct, result.Account),
		OutputNotes:       result.OutputNotes,
		FutureNotes:       req.ExpectedFutureNotes(),
		RefBlock:          v.height,
		Trace:             result.Trace,
	}
	if d := req.ExpirationDelta(); d > 0 {
		tx.ExpirationBlock = v.height + d
	}
	for _, n := range v.inputs {
		tx.InputNotes = append(tx.InputNotes, n.ID)
		tx.Nullifiers = append(tx.Nullifiers, n.Nullifier)
	}
	tx.ID = types.ComputeTxID(tx.InitialCommitment, tx.FinalCommitment, tx.Nullifiers, tx.OutputNoteIDs())

	rec := &types.TransactionRecord{
		ID:                tx.ID,
		RequestID:         req.ID(),
		AccountID:         tx.AccountID,
		InitialCommitment: tx.InitialCommitment,
		FinalCommitment:   tx.FinalCommitment,
		InitialNonce:      v.acct.Nonce,
		FinalNonce:        tx.FinalNonce,
		Delta:             tx.Delta,
		InputNotes:        tx.InputNotes,
		Nullifiers:        tx.Nullifiers,
		OutputNotes:       tx.OutputNoteIDs(),
		RefBlock:          tx.RefBlock,
		ExpirationBlock:   tx.ExpirationBlock,
		Stage:             types.StageExecuted,
		Status:            types.TxPending,
		CreatedAt:         time.Now().UTC(),
	}
	for i := range tx.FutureNotes {
		rec.FutureNotes = append(rec.FutureNotes, tx.FutureNotes[i].ID())
	}

	err = e.store.Update(ctx, func(sc *storage.Scope) error {
		cur, err := sc.GetAccountRecord(tx.AccountID)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("account %s: %w", tx.AccountID, clienterrors.ErrAccountNotFound)
		}
		if cur.Commitment != tx.InitialCommitment {
			return fmt.Errorf("account %s: %w", tx.AccountID, clienterrors.ErrAccountChanged)
		}
		// rewriting the record makes a concurrent scope on this account conflict
		if err := sc.SetAccountStatus(tx.AccountID, cur.Status); err != nil {
			return err
		}
		for _, id := range tx.InputNotes {
			n, err := sc.GetNote(id)
			if err != nil {
				return err
			}
			if n == nil || n.State != types.NoteCommitted {
				return fmt.Errorf("note %s: %w", id, clienterrors.ErrNoteNotConsumable)
			}
			n.State = types.NoteProcessing
			txID := tx.ID
			n.ConsumedBy = &txID
			if err := sc.PutNote(n); err != nil {
				return err
			}
		}
		return sc.PutTransaction(rec)
	})
	if err != nil {
		return nil, err
	}
	if err := e.reserved.Reserve(tx.ID, tx.InputNotes); err != nil {
		log.Warn(log.TxMonitoring, "Reservation overlay out of step with store", "tx", tx.ID, "err", err)
	}
	telemetry.TxTransitions.WithLabelValues("executed").Inc()
	log.Debug(log.TxMonitoring, "Transaction executed", "tx", tx.ID, "account", tx.AccountID,
		"inputs", len(tx.InputNotes), "outputs", len(tx.OutputNotes))
	return &Executed{Tx: tx, Record: rec, Final: result.Account}, nil
}

// Prove obtains a proof for ex, retrying network failures. A prover that refuses the
// transaction discards the record. Cancellation and network failures leave it Pending,
// so Prove can be called again with the same ex.
func (e *Executor) Prove(ctx context.Context, ex *Executed) (ptx *types.ProvenTransaction, err error) {
	ctx, span := telemetry.StartSpan(ctx, "tx.prove", attribute.String("tx", ex.Tx.ID.Hex()))
	defer func() { telemetry.EndSpan(span, err) }()

	err = retry.Do(ctx, e.retry, "prove", func() (err error) {
		ptx, err = e.prover.Prove(ctx, ex.Tx)
		return err
	})
	if err != nil {
		switch clienterrors.KindOf(err) {
		case clienterrors.KindCanceled, clienterrors.KindNetwork:
			log.Warn(log.TxMonitoring, "Prover unavailable, transaction left pending", "tx", ex.Tx.ID, "err", err)
		default:
			if derr := e.Discard(context.WithoutCancel(ctx), ex.Tx.ID, "prove: "+clienterrors.GetErrorName(err)); derr != nil {
				log.Warn(log.TxMonitoring, "Could not discard unprovable transaction", "tx", ex.Tx.ID, "err", derr)
			}
		}
		return nil, err
	}
	err = e.store.Update(ctx, func(sc *storage.Scope) error {
		rec, err := pendingRecord(sc, ex.Tx.ID)
		if err != nil {
			return err
		}
		rec.Stage = types.StageProven
		rec.Proof = append([]byte(nil), ptx.Proof...)
		ex.Record = rec
		return sc.PutTransaction(rec)
	})
	if err != nil {
		return nil, err
	}
	telemetry.TxTransitions.WithLabelValues("proven").Inc()
	return ptx, nil
}

func pendingRecord(sc *storage.Scope, id types.TxID) (*types.TransactionRecord, error) {
	rec, err := sc.GetTransaction(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("transaction %s: %w", id, clienterrors.ErrTransactionNotFound)
	}
	if rec.Status != types.TxPending {
		return nil, fmt.Errorf("transaction %s is %s: %w", id, rec.Status, clienterrors.ErrInvalidTransition)
	}
	return rec, nil
}

// Submit sends ptx to the node. Network failures are retried; when they are exhausted the
// record stays Pending and a later sync pass confirms or discards it. A conflict rejection
// is final: the record is discarded, its notes are released and ErrSubmissionConflict is
// returned without another attempt.
func (e *Executor) Submit(ctx context.Context, ex *Executed, ptx *types.ProvenTransaction) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "tx.submit", attribute.String("tx", ex.Tx.ID.Hex()))
	defer func() { telemetry.EndSpan(span, err) }()

	var res *types.SubmitResult
	err = retry.Do(ctx, e.retry, "submit", func() (err error) {
		res, err = e.node.SubmitTransaction(ctx, ptx)
		return err
	})
	if err != nil {
		log.Warn(log.TxMonitoring, "Submission did not reach the node", "tx", ex.Tx.ID, "err", err)
		return err
	}
	if !res.Accepted {
		reason := res.Reason
		if reason == "" {
			reason = "rejected"
		}
		if derr := e.Discard(context.WithoutCancel(ctx), ex.Tx.ID, reason); derr != nil {
			return derr
		}
		if res.IsConflict() {
			return fmt.Errorf("transaction %s: %s: %w", ex.Tx.ID, reason, clienterrors.ErrSubmissionConflict)
		}
		return fmt.Errorf("transaction %s: %s: %w", ex.Tx.ID, reason, clienterrors.ErrProofRejected)
	}

	ctx = context.WithoutCancel(ctx)
	for attempt := 1; ; attempt++ {
		err = e.store.Update(ctx, func(sc *storage.Scope) error { return e.foldAccepted(sc, ex) })
		if !errors.Is(err, clienterrors.ErrConflict) || attempt == maxFoldAttempts {
			break
		}
		log.Debug(log.TxMonitoring, "Retrying submission fold after conflict", "tx", ex.Tx.ID, "attempt", attempt)
	}
	if err != nil {
		return err
	}
	telemetry.TxTransitions.WithLabelValues("submitted").Inc()
	log.Info(log.TxMonitoring, "Transaction submitted", "tx", ex.Tx.ID, "account", ex.Tx.AccountID, "nonce", ex.Tx.FinalNonce)
	return nil
}

// foldAccepted applies an accepted submission: the account advances to its final state and
// the notes it creates are tracked as Expected until a sync pass sees them on chain.
func (e *Executor) foldAccepted(sc *storage.Scope, ex *Executed) error {
	rec, err := pendingRecord(sc, ex.Tx.ID)
	if err != nil {
		return err
	}
	height, _, err := sc.SyncHeight()
	if err != nil {
		return err
	}
	rec.Stage = types.StageSubmitted
	rec.SubmittedHeight = height
	if err := sc.PutTransaction(rec); err != nil {
		return err
	}
	ex.Record = rec

	cur, err := sc.GetAccountRecord(rec.AccountID)
	if err != nil {
		return err
	}
	if cur != nil && cur.Commitment == rec.InitialCommitment {
		if err := sc.PutAccount(ex.Final, cur.Status); err != nil {
			return err
		}
	} else {
		log.Warn(log.TxMonitoring, "Account moved before submission was folded", "tx", rec.ID, "account", rec.AccountID)
	}

	accounts, err := sc.ListAccounts()
	if err != nil {
		return err
	}
	tracked := make([]types.AccountID, len(accounts))
	for i, a := range accounts {
		tracked[i] = a.ID
	}
	created := append(append([]types.Note(nil), ex.Tx.OutputNotes...), ex.Tx.FutureNotes...)
	for i := range created {
		note := &created[i]
		prev, err := sc.GetNote(note.ID())
		if err != nil {
			return err
		}
		if prev != nil {
			continue
		}
		nr := types.NewNoteRecord(note, types.NoteExpected)
		txID := rec.ID
		nr.CreatedBy = &txID
		nr.Consumability = screener.Consumability(note, tracked)
		if err := sc.PutNote(nr); err != nil {
			return err
		}
	}
	return nil
}

// Discard marks a Pending record Discarded, returns its notes to Committed and releases
// their reservations.
func (e *Executor) Discard(ctx context.Context, id types.TxID, reason string) error {
	err := e.store.Update(ctx, func(sc *storage.Scope) error {
		_, err := sc.DiscardTransaction(id, reason)
		return err
	})
	if err != nil {
		return err
	}
	released := e.reserved.Release(id)
	telemetry.TxTransitions.WithLabelValues("discarded").Inc()
	log.Info(log.TxMonitoring, "Transaction discarded", "tx", id, "reason", reason, "released", len(released))
	return nil
}

// Run takes req from Built to Submitted.
func (e *Executor) Run(ctx context.Context, req *transaction.Request) (*types.TransactionRecord, error) {
	ex, err := e.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	ptx, err := e.Prove(ctx, ex)
	if err != nil {
		return nil, err
	}
	if err := e.Submit(ctx, ex, ptx); err != nil {
		return nil, err
	}
	return ex.Record, nil
}
