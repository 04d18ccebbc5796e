package transaction

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/common"
	"github.com/colorfulnotion/noteclient/log"
	"github.com/colorfulnotion/noteclient/storage"
	"github.com/colorfulnotion/noteclient/types"
	"github.com/holiman/uint256"
	"golang.org/x/exp/slices"
)

// SerialSource produces note serial numbers.
type SerialSource func() (common.Hash, error)

func randomSerial() (common.Hash, error) {
	var h common.Hash
	if _, err := rand.Read(h[:]); err != nil {
		return common.Hash{}, err
	}
	return h, nil
}

// Builder turns intents into requests using the store's current view. It never mutates
// the store or the reservation overlay.
type Builder struct {
	store           *storage.Store
	reserved        *Reservations
	serial          SerialSource
	expirationDelta uint32
}

func NewBuilder(store *storage.Store, reserved *Reservations) *Builder {
	return &Builder{store: store, reserved: reserved, serial: randomSerial}
}

func (b *Builder) SetSerialSource(src SerialSource) { b.serial = src }

// SetExpirationDelta stamps every built request with delta; 0 disables expiration.
func (b *Builder) SetExpirationDelta(delta uint32) { b.expirationDelta = delta }

func (b *Builder) newRequest(account types.AccountID, intent Intent) *RequestBuilder {
	rb := NewRequestBuilder(account).WithIntent(intent)
	if b.expirationDelta > 0 {
		rb.WithExpirationDelta(b.expirationDelta)
	}
	return rb
}

type view struct {
	sc     *storage.Scope
	acct   *types.Account
	height uint32
}

func (b *Builder) load(sc *storage.Scope, id types.AccountID) (*view, error) {
	acct, rec, err := sc.GetAccount(id)
	if err != nil {
		return nil, err
	}
	if rec.Status == types.AccountLocked {
		return nil, fmt.Errorf("account %s: %w", id, clienterrors.ErrAccountLocked)
	}
	height, _, err := sc.SyncHeight()
	if err != nil {
		return nil, err
	}
	return &view{sc: sc, acct: acct, height: height}, nil
}

// consumable lists Committed, unreserved notes account may consume at height, oldest first.
func (b *Builder) consumable(v *view) ([]*types.NoteRecord, error) {
	committed, err := v.sc.NotesByState(types.NoteCommitted)
	if err != nil {
		return nil, err
	}
	var out []*types.NoteRecord
	for _, rec := range committed {
		if b.reserved.IsReserved(rec.ID) || !rec.ConsumableBy(v.acct.ID, v.height) {
			continue
		}
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, c *types.NoteRecord) int {
		if a.CommittedBlock != c.CommittedBlock {
			if a.CommittedBlock < c.CommittedBlock {
				return -1
			}
			return 1
		}
		return bytes.Compare(a.ID[:], c.ID[:])
	})
	return out, nil
}

// ConsumableNotes returns the notes account could consume right now.
func (b *Builder) ConsumableNotes(account types.AccountID) ([]*types.NoteRecord, error) {
	var out []*types.NoteRecord
	err := b.store.View(func(sc *storage.Scope) error {
		v, err := b.load(sc, account)
		if err != nil {
			return err
		}
		out, err = b.consumable(v)
		return err
	})
	return out, err
}

// fund picks input notes so that the vault plus those notes covers want. Only pay-to-id
// notes are used; they need nothing from the vault to consume.
func (b *Builder) fund(v *view, want []types.Asset) ([]types.NoteID, error) {
	candidates, err := b.consumable(v)
	if err != nil {
		return nil, err
	}
	vault := v.acct.Vault.Clone()
	used := make(map[types.NoteID]bool)
	var chosen []types.NoteID
	for _, a := range want {
		for !vault.Has(a) {
			next := pickFunding(candidates, used, a)
			if next == nil {
				return nil, fmt.Errorf("account %s cannot cover %s: %w", v.acct.ID, a, clienterrors.ErrInsufficientFunds)
			}
			used[next.ID] = true
			chosen = append(chosen, next.ID)
			for _, held := range next.Note.Assets {
				if err := vault.Add(held); err != nil {
					return nil, err
				}
			}
		}
		if err := vault.Remove(a); err != nil {
			return nil, err
		}
	}
	return chosen, nil
}

func pickFunding(candidates []*types.NoteRecord, used map[types.NoteID]bool, want types.Asset) *types.NoteRecord {
	for _, rec := range candidates {
		if used[rec.ID] {
			continue
		}
		k := rec.Note.Recipient.Script.Kind
		if k != types.ScriptP2ID && k != types.ScriptP2IDE {
			continue
		}
		for _, held := range rec.Note.Assets {
			if held.Key() == want.Key() {
				return rec
			}
		}
	}
	return nil
}

// Mint issues amount of faucet's asset to target in a new pay-to-id note.
func (b *Builder) Mint(faucet, target types.AccountID, amount *uint256.Int, noteType types.NoteType) (*Request, error) {
	if faucet.Type() != types.AccountFungibleFaucet {
		return nil, fmt.Errorf("account %s cannot mint: %w", faucet, clienterrors.ErrMalformedRequest)
	}
	asset, err := types.NewFungibleAsset(faucet, amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", clienterrors.ErrMalformedRequest, err)
	}
	var req *Request
	err = b.store.View(func(sc *storage.Scope) error {
		if _, err := b.load(sc, faucet); err != nil {
			return err
		}
		serial, err := b.serial()
		if err != nil {
			return err
		}
		note, err := types.NewP2IDNote(faucet, target, []types.Asset{asset}, noteType, serial)
		if err != nil {
			return fmt.Errorf("%w: %w", clienterrors.ErrMalformedRequest, err)
		}
		req, err = b.newRequest(faucet, IntentMint).WithOwnOutputNotes(note).Build()
		return err
	})
	return req, err
}

// SendParams describes a payment. A non-zero RecallHeight or TimelockHeight makes it a P2IDE note.
type SendParams struct {
	Sender         types.AccountID
	Target         types.AccountID
	Assets         []types.Asset
	NoteType       types.NoteType
	RecallHeight   uint32
	TimelockHeight uint32
}

func (b *Builder) Send(p SendParams) (*Request, error) {
	if len(p.Assets) == 0 {
		return nil, fmt.Errorf("send without assets: %w", clienterrors.ErrMalformedRequest)
	}
	var req *Request
	err := b.store.View(func(sc *storage.Scope) error {
		v, err := b.load(sc, p.Sender)
		if err != nil {
			return err
		}
		inputs, err := b.fund(v, p.Assets)
		if err != nil {
			return err
		}
		serial, err := b.serial()
		if err != nil {
			return err
		}
		var note *types.Note
		if p.RecallHeight > 0 || p.TimelockHeight > 0 {
			note, err = types.NewP2IDENote(p.Sender, p.Target, p.Assets, p.NoteType, p.RecallHeight, p.TimelockHeight, serial)
		} else {
			note, err = types.NewP2IDNote(p.Sender, p.Target, p.Assets, p.NoteType, serial)
		}
		if err != nil {
			return fmt.Errorf("%w: %w", clienterrors.ErrMalformedRequest, err)
		}
		req, err = b.newRequest(p.Sender, IntentSend).WithInputNotes(inputs...).WithOwnOutputNotes(note).Build()
		return err
	})
	return req, err
}

// SwapParams offers one asset for another. The payback note the counterparty creates is
// recorded as an expected future note of Account.
type SwapParams struct {
	Account   types.AccountID
	Offered   types.Asset
	Requested types.Asset
	NoteType  types.NoteType
}

func (b *Builder) Swap(p SwapParams) (*Request, error) {
	var req *Request
	err := b.store.View(func(sc *storage.Scope) error {
		v, err := b.load(sc, p.Account)
		if err != nil {
			return err
		}
		inputs, err := b.fund(v, []types.Asset{p.Offered})
		if err != nil {
			return err
		}
		serial, err := b.serial()
		if err != nil {
			return err
		}
		swap, payback, err := types.NewSwapNote(p.Account, p.Offered, p.Requested, p.NoteType, serial)
		if err != nil {
			return fmt.Errorf("%w: %w", clienterrors.ErrMalformedRequest, err)
		}
		req, err = b.newRequest(p.Account, IntentSwap).
			WithInputNotes(inputs...).
			WithOwnOutputNotes(swap).
			WithExpectedFutureNotes(payback).
			Build()
		return err
	})
	return req, err
}

// checkInputs verifies each note is Committed, unreserved and consumable by the account.
// Swap notes add their payback to the expected outputs and their price to the bill.
func (b *Builder) checkInputs(v *view, ids []types.NoteID) (paybacks []*types.Note, err error) {
	incoming, _ := types.NewAssetVault()
	var bill []types.Asset
	for _, id := range ids {
		rec, err := v.sc.GetNote(id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, fmt.Errorf("note %s: %w", id, clienterrors.ErrNoteNotFound)
		}
		if rec.State != types.NoteCommitted {
			return nil, fmt.Errorf("note %s is %s: %w", id, rec.State, clienterrors.ErrInsufficientNotes)
		}
		if b.reserved.IsReserved(id) {
			return nil, fmt.Errorf("note %s: %w", id, clienterrors.ErrNoteReserved)
		}
		if !rec.ConsumableBy(v.acct.ID, v.height) {
			return nil, fmt.Errorf("note %s by %s at %d: %w", id, v.acct.ID, v.height, clienterrors.ErrNotConsumable)
		}
		for _, a := range rec.Note.Assets {
			if err := incoming.Add(a); err != nil {
				return nil, err
			}
		}
		if rec.Note.Recipient.Script.Kind == types.ScriptSwap {
			requested, payback, err := rec.Note.SwapTerms()
			if err != nil {
				return nil, fmt.Errorf("%w: %w", clienterrors.ErrMalformedRequest, err)
			}
			bill = append(bill, requested)
			paybacks = append(paybacks, payback)
		}
	}
	if len(bill) > 0 {
		funds := v.acct.Vault.Clone()
		for _, a := range incoming.Assets() {
			if err := funds.Add(a); err != nil {
				return nil, err
			}
		}
		for _, a := range bill {
			if err := funds.Remove(a); err != nil {
				return nil, fmt.Errorf("account %s cannot pay %s: %w", v.acct.ID, a, clienterrors.ErrInsufficientFunds)
			}
		}
	}
	return paybacks, nil
}

// Consume builds a request consuming exactly ids.
func (b *Builder) Consume(account types.AccountID, ids []types.NoteID) (*Request, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("nothing to consume: %w", clienterrors.ErrInsufficientNotes)
	}
	var req *Request
	err := b.store.View(func(sc *storage.Scope) error {
		v, err := b.load(sc, account)
		if err != nil {
			return err
		}
		paybacks, err := b.checkInputs(v, ids)
		if err != nil {
			return err
		}
		req, err = b.newRequest(account, IntentConsume).
			WithInputNotes(ids...).
			WithExpectedOutputNotes(paybacks...).
			Build()
		return err
	})
	return req, err
}

// ConsumeAll consumes every pay-to-id note account can consume now.
func (b *Builder) ConsumeAll(account types.AccountID) (*Request, error) {
	notes, err := b.ConsumableNotes(account)
	if err != nil {
		return nil, err
	}
	var ids []types.NoteID
	for _, rec := range notes {
		if k := rec.Note.Recipient.Script.Kind; k == types.ScriptP2ID || k == types.ScriptP2IDE {
			ids = append(ids, rec.ID)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("account %s: %w", account, clienterrors.ErrInsufficientNotes)
	}
	log.Debug(log.TxMonitoring, "Consuming all notes", "account", account, "notes", len(ids))
	return b.Consume(account, ids)
}

// CustomParams runs a caller supplied transaction script.
type CustomParams struct {
	Account         types.AccountID
	Script          *TxScript
	Inputs          []InputNote
	OwnOutputs      []*types.Note
	ExpectedOutputs []*types.Note
	Foreign         []ForeignAccount
}

func (b *Builder) Custom(p CustomParams) (*Request, error) {
	var req *Request
	err := b.store.View(func(sc *storage.Scope) error {
		v, err := b.load(sc, p.Account)
		if err != nil {
			return err
		}
		if p.Script != nil && !v.acct.Code.Supports(types.ComponentCustomScriptRunner) {
			return fmt.Errorf("account %s does not accept custom scripts: %w", p.Account, clienterrors.ErrUnsupportedIntent)
		}
		ids := make([]types.NoteID, len(p.Inputs))
		for i, in := range p.Inputs {
			ids[i] = in.ID
		}
		paybacks, err := b.checkInputs(v, ids)
		if err != nil {
			return err
		}
		rb := b.newRequest(p.Account, IntentCustom)
		for _, in := range p.Inputs {
			rb.WithInputNote(in.ID, in.Args)
		}
		if p.Script != nil {
			rb.WithCustomScript(p.Script)
		}
		req, err = rb.WithOwnOutputNotes(p.OwnOutputs...).
			WithExpectedOutputNotes(append(paybacks, p.ExpectedOutputs...)...).
			WithForeignAccounts(p.Foreign...).
			Build()
		return err
	})
	return req, err
}
