// Package screener decides which chain notes the client keeps.
package screener

import (
	"fmt"
	"sort"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/crypto"
	"github.com/colorfulnotion/noteclient/log"
	"github.com/colorfulnotion/noteclient/types"
)

// Result of classifying one note. Irrelevant notes have a nil Note.
type Result struct {
	Note          *types.Note
	Consumability []types.NoteConsumability
}

func (r *Result) Relevant() bool { return r != nil && r.Note != nil }

var irrelevant = &Result{}

type Screener struct {
	keys crypto.KeyStore
}

// New returns a screener. keys may be nil, in which case every private note is irrelevant.
func New(keys crypto.KeyStore) *Screener {
	return &Screener{keys: keys}
}

// Classify resolves the note behind raw and reports which tracked accounts may consume it.
// Private notes that no tracked key opens are irrelevant. A public note whose details do
// not hash to its id is a verification failure.
func (s *Screener) Classify(raw *types.ChainNote, tracked []types.AccountID) (*Result, error) {
	var note *types.Note
	switch raw.Metadata.Type {
	case types.NotePublic:
		if raw.Details == nil {
			return nil, fmt.Errorf("public note %s without details: %w", raw.ID, clienterrors.ErrMalformedResponse)
		}
		if id := raw.Details.ID(); id != raw.ID {
			return nil, fmt.Errorf("note %s details hash to %s: %w", raw.ID, id, clienterrors.ErrNoteIDMismatch)
		}
		note = raw.Details.Clone()
	case types.NotePrivate:
		note = s.open(raw, tracked)
		if note == nil {
			log.Trace(log.ScreenerMonitoring, "Private note not addressed to us", "id", raw.ID)
			return irrelevant, nil
		}
	default:
		return nil, fmt.Errorf("note %s has type %d: %w", raw.ID, raw.Metadata.Type, clienterrors.ErrMalformedResponse)
	}
	// the leaf proof authenticates the chain's metadata, not what the sender sealed
	note.Metadata = raw.Metadata

	if err := note.Recipient.Script.Validate(); err != nil {
		log.Debug(log.ScreenerMonitoring, "Dropping note with unknown script", "id", raw.ID, "err", err)
		return irrelevant, nil
	}
	cons := Consumability(note, tracked)
	if len(cons) == 0 {
		return irrelevant, nil
	}
	return &Result{Note: note, Consumability: cons}, nil
}

func (s *Screener) open(raw *types.ChainNote, tracked []types.AccountID) *types.Note {
	if s.keys == nil || len(raw.Sealed) == 0 {
		return nil
	}
	for _, id := range tracked {
		kp, ok := s.keys.NoteKey(id)
		if !ok {
			continue
		}
		note, err := crypto.OpenNote(raw.Sealed, kp)
		if err != nil {
			continue
		}
		if note.ID() != raw.ID {
			log.Warn(log.ScreenerMonitoring, "Sealed note opened to a different id", "id", raw.ID, "opened", note.ID(), "account", id)
			return nil
		}
		return note
	}
	return nil
}

// Consumability lists the tracked accounts that may consume note and from which height.
func Consumability(note *types.Note, tracked []types.AccountID) []types.NoteConsumability {
	set := make(map[types.AccountID]bool, len(tracked))
	for _, id := range tracked {
		set[id] = true
	}
	var out []types.NoteConsumability
	switch note.Recipient.Script.Kind {
	case types.ScriptP2ID:
		if target, err := note.P2IDTarget(); err == nil && set[target] {
			out = append(out, types.NoteConsumability{Account: target})
		}
	case types.ScriptP2IDE:
		target, err := note.P2IDTarget()
		if err != nil {
			return nil
		}
		recall, timelock, err := note.P2IDEHeights()
		if err != nil {
			return nil
		}
		if set[target] {
			out = append(out, types.NoteConsumability{Account: target, AfterBlock: timelock})
		}
		sender := note.Metadata.Sender
		if recall > 0 && sender != target && set[sender] {
			out = append(out, types.NoteConsumability{Account: sender, AfterBlock: recall})
		}
	case types.ScriptSwap:
		if _, _, err := note.SwapTerms(); err != nil {
			return nil
		}
		for id := range set {
			out = append(out, types.NoteConsumability{Account: id})
		}
	case types.ScriptCustom:
		for id := range set {
			if id.Tag() == note.Metadata.Tag {
				out = append(out, types.NoteConsumability{Account: id})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account.String() < out[j].Account.String() })
	return out
}
