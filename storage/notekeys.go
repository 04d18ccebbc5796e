package storage

import (
	"fmt"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/types"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type noteKeyPair struct {
	Public  hexutil.Bytes `json:"public"`
	Private hexutil.Bytes `json:"private"`
}

// PutNoteKey stores the key pair private notes for id are sealed to.
func (s *Scope) PutNoteKey(id types.AccountID, public, private [32]byte) error {
	return s.putRawJSON(noteKeyKey(id), &noteKeyPair{Public: public[:], Private: private[:]})
}

func (s *Scope) NoteKey(id types.AccountID) (public, private [32]byte, found bool, err error) {
	var kp noteKeyPair
	found, err = s.getRawJSON(noteKeyKey(id), &kp)
	if err != nil || !found {
		return public, private, false, err
	}
	if len(kp.Public) != 32 || len(kp.Private) != 32 {
		return public, private, false, fmt.Errorf("note key for %s: %w", id, clienterrors.ErrCorruptData)
	}
	copy(public[:], kp.Public)
	copy(private[:], kp.Private)
	return public, private, true, nil
}
