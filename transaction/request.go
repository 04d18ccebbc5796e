// Package transaction turns caller intents into immutable requests and tracks which
// notes are held by in-flight transactions.
package transaction

import (
	"fmt"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/common"
	"github.com/colorfulnotion/noteclient/types"
	"github.com/google/uuid"
)

// MaxExpirationDelta bounds how many blocks past its reference block a transaction stays valid.
const MaxExpirationDelta = 0xFFFF

type Intent uint8

const (
	IntentCustom Intent = iota
	IntentMint
	IntentSend
	IntentConsume
	IntentSwap
)

func (i Intent) String() string {
	switch i {
	case IntentMint:
		return "mint"
	case IntentSend:
		return "send"
	case IntentConsume:
		return "consume"
	case IntentSwap:
		return "swap"
	default:
		return "custom"
	}
}

// InputNote is a note to consume plus optional per-note arguments for its script.
type InputNote struct {
	ID   types.NoteID
	Args []common.Hash
}

// TxScript is custom code run against the executing account.
type TxScript struct {
	Code []byte
	Args []common.Hash
}

func (s *TxScript) Root() common.Hash { return common.Keccak256(s.Code) }

// ForeignAccount is an account the transaction reads but does not modify. Public ones are
// fetched from the node at execution time; private ones must be supplied.
type ForeignAccount struct {
	ID      types.AccountID
	Account *types.Account
}

// Request is immutable once built. Accessors return copies.
type Request struct {
	id              string
	intent          Intent
	account         types.AccountID
	inputs          []InputNote
	ownOutputs      []types.Note
	expectedOutputs []types.Note
	expectedFuture  []types.Note
	script          *TxScript
	foreign         []ForeignAccount
	expirationDelta uint32
}

func (r *Request) ID() string               { return r.id }
func (r *Request) Intent() Intent           { return r.intent }
func (r *Request) Account() types.AccountID { return r.account }
func (r *Request) ExpirationDelta() uint32  { return r.expirationDelta }

func (r *Request) InputNotes() []InputNote {
	out := make([]InputNote, len(r.inputs))
	for i, in := range r.inputs {
		out[i] = InputNote{ID: in.ID, Args: append([]common.Hash(nil), in.Args...)}
	}
	return out
}

func (r *Request) InputNoteIDs() []types.NoteID {
	out := make([]types.NoteID, len(r.inputs))
	for i, in := range r.inputs {
		out[i] = in.ID
	}
	return out
}

// OwnOutputNotes are created by the request's account out of its own vault.
func (r *Request) OwnOutputNotes() []types.Note { return cloneNotes(r.ownOutputs) }

// ExpectedOutputNotes must appear among the executed outputs, e.g. a swap payback.
func (r *Request) ExpectedOutputNotes() []types.Note { return cloneNotes(r.expectedOutputs) }

// ExpectedFutureNotes are notes someone else is expected to create for this account later.
func (r *Request) ExpectedFutureNotes() []types.Note { return cloneNotes(r.expectedFuture) }

func (r *Request) Script() *TxScript {
	if r.script == nil {
		return nil
	}
	return &TxScript{Code: append([]byte(nil), r.script.Code...), Args: append([]common.Hash(nil), r.script.Args...)}
}

func (r *Request) ForeignAccounts() []ForeignAccount {
	out := make([]ForeignAccount, len(r.foreign))
	for i, fa := range r.foreign {
		out[i] = ForeignAccount{ID: fa.ID}
		if fa.Account != nil {
			out[i].Account = fa.Account.Clone()
		}
	}
	return out
}

func cloneNotes(in []types.Note) []types.Note {
	out := make([]types.Note, len(in))
	for i := range in {
		out[i] = *in[i].Clone()
	}
	return out
}

// RequestBuilder assembles a Request. The zero value is not usable; see NewRequestBuilder.
type RequestBuilder struct {
	r   Request
	err error
}

func NewRequestBuilder(account types.AccountID) *RequestBuilder {
	return &RequestBuilder{r: Request{account: account, intent: IntentCustom}}
}

func (b *RequestBuilder) fail(format string, args ...interface{}) *RequestBuilder {
	if b.err == nil {
		b.err = fmt.Errorf(format+": %w", append(args, clienterrors.ErrMalformedRequest)...)
	}
	return b
}

func (b *RequestBuilder) WithIntent(i Intent) *RequestBuilder {
	b.r.intent = i
	return b
}

func (b *RequestBuilder) WithInputNotes(ids ...types.NoteID) *RequestBuilder {
	for _, id := range ids {
		b.WithInputNote(id, nil)
	}
	return b
}

func (b *RequestBuilder) WithInputNote(id types.NoteID, args []common.Hash) *RequestBuilder {
	for _, in := range b.r.inputs {
		if in.ID == id {
			return b.fail("note %s listed twice", id)
		}
	}
	b.r.inputs = append(b.r.inputs, InputNote{ID: id, Args: append([]common.Hash(nil), args...)})
	return b
}

func (b *RequestBuilder) WithOwnOutputNotes(notes ...*types.Note) *RequestBuilder {
	for _, n := range notes {
		if len(n.Assets) == 0 {
			return b.fail("output note %s carries no assets", n.ID())
		}
		b.r.ownOutputs = append(b.r.ownOutputs, *n.Clone())
	}
	return b
}

func (b *RequestBuilder) WithExpectedOutputNotes(notes ...*types.Note) *RequestBuilder {
	for _, n := range notes {
		b.r.expectedOutputs = append(b.r.expectedOutputs, *n.Clone())
	}
	return b
}

func (b *RequestBuilder) WithExpectedFutureNotes(notes ...*types.Note) *RequestBuilder {
	for _, n := range notes {
		b.r.expectedFuture = append(b.r.expectedFuture, *n.Clone())
	}
	return b
}

func (b *RequestBuilder) WithCustomScript(s *TxScript) *RequestBuilder {
	if s == nil || len(s.Code) == 0 {
		return b.fail("empty transaction script")
	}
	b.r.script = &TxScript{Code: append([]byte(nil), s.Code...), Args: append([]common.Hash(nil), s.Args...)}
	return b
}

func (b *RequestBuilder) WithForeignAccounts(accounts ...ForeignAccount) *RequestBuilder {
	for _, fa := range accounts {
		if fa.ID == b.r.account {
			return b.fail("account %s cannot be foreign to itself", fa.ID)
		}
		if !fa.ID.IsPublic() && fa.Account == nil {
			return b.fail("private foreign account %s must be supplied", fa.ID)
		}
		if fa.Account != nil && fa.Account.ID != fa.ID {
			return b.fail("foreign account %s supplied as %s", fa.ID, fa.Account.ID)
		}
		b.r.foreign = append(b.r.foreign, fa)
	}
	return b
}

func (b *RequestBuilder) WithExpirationDelta(delta uint32) *RequestBuilder {
	if delta == 0 || delta > MaxExpirationDelta {
		return b.fail("expiration delta %d out of range", delta)
	}
	b.r.expirationDelta = delta
	return b
}

// Build checks the request is well formed and stamps it with a fresh id.
func (b *RequestBuilder) Build() (*Request, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.r.inputs) == 0 && len(b.r.ownOutputs) == 0 && b.r.script == nil {
		return nil, fmt.Errorf("request for %s does nothing: %w", b.r.account, clienterrors.ErrMalformedRequest)
	}
	seen := make(map[types.NoteID]bool)
	for _, n := range b.r.ownOutputs {
		id := n.ID()
		if seen[id] {
			return nil, fmt.Errorf("output note %s listed twice: %w", id, clienterrors.ErrMalformedRequest)
		}
		seen[id] = true
	}
	r := b.r
	r.id = uuid.New().String()
	r.inputs = append([]InputNote(nil), b.r.inputs...)
	r.ownOutputs = cloneNotes(b.r.ownOutputs)
	r.expectedOutputs = cloneNotes(b.r.expectedOutputs)
	r.expectedFuture = cloneNotes(b.r.expectedFuture)
	r.foreign = append([]ForeignAccount(nil), b.r.foreign...)
	return &r, nil
}
