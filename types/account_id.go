package types

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/colorfulnotion/noteclient/common"
)

// AccountType is fixed at creation and encoded into the account id.
type AccountType uint8

const (
	AccountRegularImmutable AccountType = iota
	AccountRegularUpdatable
	AccountFungibleFaucet
	AccountNonFungibleFaucet
)

func (t AccountType) String() string {
	switch t {
	case AccountRegularImmutable:
		return "regular-immutable"
	case AccountRegularUpdatable:
		return "regular-updatable"
	case AccountFungibleFaucet:
		return "fungible-faucet"
	case AccountNonFungibleFaucet:
		return "non-fungible-faucet"
	default:
		return fmt.Sprintf("account-type(%d)", uint8(t))
	}
}

func (t AccountType) IsFaucet() bool {
	return t == AccountFungibleFaucet || t == AccountNonFungibleFaucet
}

// StorageMode decides whether the network keeps the full account state or only its commitment.
type StorageMode uint8

const (
	StoragePublic StorageMode = iota
	StoragePrivate
)

func (m StorageMode) String() string {
	switch m {
	case StoragePublic:
		return "public"
	case StoragePrivate:
		return "private"
	default:
		return fmt.Sprintf("storage-mode(%d)", uint8(m))
	}
}

const AccountIDLength = 16

// AccountID is content derived. The high nibble of byte 0 carries the AccountType and
// the low nibble the StorageMode.
type AccountID [AccountIDLength]byte

func NewAccountID(seed common.Hash, typ AccountType, mode StorageMode, codeRoot, storageRoot common.Hash) AccountID {
	digest := common.Blake2Hash(seed[:], codeRoot[:], storageRoot[:])
	var id AccountID
	copy(id[:], digest[:AccountIDLength])
	id[0] = byte(typ)<<4 | byte(mode)
	return id
}

func (id AccountID) Type() AccountType { return AccountType(id[0] >> 4) }

func (id AccountID) StorageMode() StorageMode { return StorageMode(id[0] & 0x0f) }

func (id AccountID) IsPublic() bool { return id.StorageMode() == StoragePublic }

func (id AccountID) IsFaucet() bool { return id.Type().IsFaucet() }

func (id AccountID) IsZero() bool { return id == AccountID{} }

func (id AccountID) Bytes() []byte { return id[:] }

func (id AccountID) String() string { return "0x" + hex.EncodeToString(id[:]) }

// Word left-pads the id into a note input word.
func (id AccountID) Word() common.Hash {
	return common.BytesToHash(id[:])
}

// Tag is the note tag a sender uses to address this account.
func (id AccountID) Tag() uint32 {
	return common.BytesToUint32(id[1:5])
}

func AccountIDFromWord(w common.Hash) (AccountID, error) {
	for _, b := range w[:common.HashLength-AccountIDLength] {
		if b != 0 {
			return AccountID{}, fmt.Errorf("word %s is not an account id", w)
		}
	}
	var id AccountID
	copy(id[:], w[common.HashLength-AccountIDLength:])
	return id, id.validate()
}

func (id AccountID) validate() error {
	if id.Type() > AccountNonFungibleFaucet {
		return fmt.Errorf("invalid account type %d", id[0]>>4)
	}
	if id.StorageMode() > StoragePrivate {
		return fmt.Errorf("invalid storage mode %d", id[0]&0x0f)
	}
	return nil
}

func ParseAccountID(s string) (AccountID, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return AccountID{}, fmt.Errorf("parse account id %q: %w", s, err)
	}
	if len(raw) != AccountIDLength {
		return AccountID{}, fmt.Errorf("parse account id %q: want %d bytes, got %d", s, AccountIDLength, len(raw))
	}
	var id AccountID
	copy(id[:], raw)
	return id, id.validate()
}

func (id AccountID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *AccountID) UnmarshalText(text []byte) error {
	parsed, err := ParseAccountID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
