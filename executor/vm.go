package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/common"
	"github.com/colorfulnotion/noteclient/types"
	"github.com/holiman/uint256"
)

// IssuedSlot is the faucet storage slot holding the total amount minted so far.
const IssuedSlot uint8 = 0

// ExecutionInput is everything a VM sees. Account is a working copy the VM may modify.
type ExecutionInput struct {
	Account     *types.Account
	InputNotes  []ExecutionNote
	OwnOutputs  []types.Note
	ScriptRoot  common.Hash
	ScriptArgs  []common.Hash
	HasScript   bool
	Foreign     map[types.AccountID]*types.Account
	BlockNumber uint32
}

type ExecutionNote struct {
	Note types.Note
	Args []common.Hash
}

// ExecutionResult is the account after execution plus the notes it created.
type ExecutionResult struct {
	Account     *types.Account
	OutputNotes []types.Note
	Trace       []byte
}

// VM runs a transaction against a local account state.
type VM interface {
	Execute(ctx context.Context, in *ExecutionInput) (*ExecutionResult, error)
}

// ScriptContext is what a custom note or transaction script can touch.
type ScriptContext struct {
	Account     *types.Account
	Foreign     map[types.AccountID]*types.Account
	Args        []common.Hash
	Note        *types.Note
	BlockNumber uint32

	vm *run
}

// Receive moves assets into the account vault.
func (c *ScriptContext) Receive(assets ...types.Asset) error {
	for _, a := range assets {
		if err := c.Account.Vault.Add(a); err != nil {
			return err
		}
	}
	return nil
}

// CreateNote emits note, paying for its assets from the vault or minting them.
func (c *ScriptContext) CreateNote(note *types.Note) error {
	return c.vm.createNote(note)
}

// ScriptRunner executes a custom script identified by its root.
type ScriptRunner func(ctx *ScriptContext) error

// StandardVM understands the standard note scripts, faucet minting and registered custom
// scripts. Each step is appended to a JSON trace the prover commits to.
type StandardVM struct {
	mu      sync.RWMutex
	runners map[common.Hash]ScriptRunner
}

func NewStandardVM() *StandardVM {
	return &StandardVM{runners: make(map[common.Hash]ScriptRunner)}
}

// Register installs runner for scripts whose code hashes to root.
func (v *StandardVM) Register(root common.Hash, runner ScriptRunner) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.runners[root] = runner
}

func (v *StandardVM) runner(root common.Hash) (ScriptRunner, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	r, ok := v.runners[root]
	return r, ok
}

type traceStep struct {
	Op     string        `json:"op"`
	Note   *types.NoteID `json:"note,omitempty"`
	Script *common.Hash  `json:"script,omitempty"`
	Assets []types.Asset `json:"assets,omitempty"`
}

type run struct {
	vm      *StandardVM
	in      *ExecutionInput
	acct    *types.Account
	outputs []types.Note
	trace   []traceStep
}

func scriptError(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), clienterrors.ErrScriptFailed)
}

func (v *StandardVM) Execute(ctx context.Context, in *ExecutionInput) (*ExecutionResult, error) {
	r := &run{vm: v, in: in, acct: in.Account.Clone()}
	for i := range in.InputNotes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.consume(&in.InputNotes[i]); err != nil {
			return nil, err
		}
	}
	if in.HasScript {
		runner, ok := v.runner(in.ScriptRoot)
		if !ok {
			return nil, scriptError("no runner for transaction script %s", in.ScriptRoot)
		}
		root := in.ScriptRoot
		r.trace = append(r.trace, traceStep{Op: "tx_script", Script: &root})
		if err := runner(r.scriptContext(nil, in.ScriptArgs)); err != nil {
			return nil, fmt.Errorf("transaction script: %w: %w", clienterrors.ErrScriptFailed, err)
		}
	}
	for i := range in.OwnOutputs {
		if err := r.createNote(&in.OwnOutputs[i]); err != nil {
			return nil, err
		}
	}
	if len(r.trace) == 0 {
		return nil, scriptError("transaction for %s does nothing", r.acct.ID)
	}
	r.acct.Nonce++
	r.acct.Seed = nil
	trace, err := json.Marshal(r.trace)
	if err != nil {
		return nil, err
	}
	return &ExecutionResult{Account: r.acct, OutputNotes: r.outputs, Trace: trace}, nil
}

func (r *run) scriptContext(note *types.Note, args []common.Hash) *ScriptContext {
	return &ScriptContext{
		Account:     r.acct,
		Foreign:     r.in.Foreign,
		Args:        args,
		Note:        note,
		BlockNumber: r.in.BlockNumber,
		vm:          r,
	}
}

func (r *run) consume(in *ExecutionNote) error {
	note := &in.Note
	id := note.ID()
	r.trace = append(r.trace, traceStep{Op: "consume", Note: &id, Assets: note.Assets})
	switch note.Recipient.Script.Kind {
	case types.ScriptP2ID:
		target, err := note.P2IDTarget()
		if err != nil {
			return scriptError("%v", err)
		}
		if target != r.acct.ID {
			return scriptError("note %s pays %s, not %s", id, target, r.acct.ID)
		}
		return r.receive(note)
	case types.ScriptP2IDE:
		target, err := note.P2IDTarget()
		if err != nil {
			return scriptError("%v", err)
		}
		recall, timelock, err := note.P2IDEHeights()
		if err != nil {
			return scriptError("%v", err)
		}
		h := r.in.BlockNumber
		switch {
		case r.acct.ID == target && h >= timelock:
		case r.acct.ID == note.Metadata.Sender && recall > 0 && h >= recall:
		default:
			return scriptError("note %s not consumable by %s at %d", id, r.acct.ID, h)
		}
		return r.receive(note)
	case types.ScriptSwap:
		requested, payback, err := note.SwapTerms()
		if err != nil {
			return scriptError("%v", err)
		}
		if err := r.receive(note); err != nil {
			return err
		}
		if err := r.acct.Vault.Remove(requested); err != nil {
			return scriptError("swap %s: cannot pay %s: %v", id, requested, err)
		}
		payback.Metadata.Sender = r.acct.ID
		pid := payback.ID()
		r.trace = append(r.trace, traceStep{Op: "payback", Note: &pid, Assets: payback.Assets})
		r.outputs = append(r.outputs, *payback)
		return nil
	case types.ScriptCustom:
		if err := note.Recipient.Script.Validate(); err != nil {
			return scriptError("%v", err)
		}
		runner, ok := r.vm.runner(note.Recipient.Script.Root)
		if !ok {
			return scriptError("no runner for note script %s", note.Recipient.Script.Root)
		}
		if err := runner(r.scriptContext(note, in.Args)); err != nil {
			return fmt.Errorf("note %s: %w: %w", id, clienterrors.ErrScriptFailed, err)
		}
		return nil
	default:
		return scriptError("note %s has unknown script %s", id, note.Recipient.Script.Kind)
	}
}

func (r *run) receive(note *types.Note) error {
	if !r.acct.Code.Supports(types.ComponentBasicWallet) {
		return fmt.Errorf("account %s cannot receive assets: %w", r.acct.ID, clienterrors.ErrUnsupportedIntent)
	}
	for _, a := range note.Assets {
		if err := r.acct.Vault.Add(a); err != nil {
			return scriptError("receive %s: %v", a, err)
		}
	}
	return nil
}

// createNote pays for note's assets. A faucet mints its own asset instead of spending it.
func (r *run) createNote(note *types.Note) error {
	id := note.ID()
	var minted []types.Asset
	for _, a := range note.Assets {
		if a.Faucet == r.acct.ID && r.acct.ID.IsFaucet() {
			if err := r.mint(a); err != nil {
				return err
			}
			minted = append(minted, a)
			continue
		}
		if !r.acct.Code.Supports(types.ComponentBasicWallet) {
			return fmt.Errorf("account %s cannot send assets: %w", r.acct.ID, clienterrors.ErrUnsupportedIntent)
		}
		if err := r.acct.Vault.Remove(a); err != nil {
			return fmt.Errorf("note %s: %w: %v", id, clienterrors.ErrInsufficientFunds, err)
		}
	}
	if len(minted) > 0 {
		r.trace = append(r.trace, traceStep{Op: "mint", Note: &id, Assets: minted})
	}
	r.trace = append(r.trace, traceStep{Op: "create", Note: &id, Assets: note.Assets})
	r.outputs = append(r.outputs, *note.Clone())
	return nil
}

func (r *run) mint(a types.Asset) error {
	switch a.Kind {
	case types.AssetFungible:
		if !r.acct.Code.Supports(types.ComponentFungibleFaucet) {
			return fmt.Errorf("account %s cannot distribute: %w", r.acct.ID, clienterrors.ErrUnsupportedIntent)
		}
		issued := new(uint256.Int).SetBytes(r.acct.Storage.Get(IssuedSlot).Bytes())
		next, overflow := new(uint256.Int).AddOverflow(issued, a.Amount)
		if overflow {
			return scriptError("faucet %s issuance overflows", r.acct.ID)
		}
		word := next.Bytes32()
		r.acct.Storage.Set(IssuedSlot, common.BytesToHash(word[:]))
	case types.AssetNonFungible:
		if !r.acct.Code.Supports(types.ComponentNonFungibleFaucet) {
			return fmt.Errorf("account %s cannot mint items: %w", r.acct.ID, clienterrors.ErrUnsupportedIntent)
		}
	}
	return nil
}
