package types

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/colorfulnotion/noteclient/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// Well-known code components. An account's interface is the set it was built with.
const (
	ComponentBasicWallet        = "basic-wallet"
	ComponentFungibleFaucet     = "basic-fungible-faucet"
	ComponentNonFungibleFaucet  = "basic-non-fungible-faucet"
	ComponentSingleSigAuth      = "auth-single-sig"
	ComponentCustomScriptRunner = "custom-scripts"
)

var componentProcedures = map[string][]string{
	ComponentBasicWallet:        {"receive_asset", "create_note", "move_asset_to_note"},
	ComponentFungibleFaucet:     {"distribute", "burn"},
	ComponentNonFungibleFaucet:  {"mint_item"},
	ComponentSingleSigAuth:      {"auth_tx"},
	ComponentCustomScriptRunner: {"exec_script"},
}

// AccountCode lists the components an account exposes and the roots of their procedures.
type AccountCode struct {
	Components []string      `json:"components"`
	Procedures []common.Hash `json:"procedures"`
}

func NewAccountCode(components ...string) (*AccountCode, error) {
	code := &AccountCode{}
	for _, c := range components {
		procs, ok := componentProcedures[c]
		if !ok {
			return nil, fmt.Errorf("unknown account component %q", c)
		}
		code.Components = append(code.Components, c)
		for _, p := range procs {
			code.Procedures = append(code.Procedures, common.Keccak256([]byte(c), []byte("::"), []byte(p)))
		}
	}
	return code, nil
}

func (c *AccountCode) Supports(component string) bool {
	for _, have := range c.Components {
		if have == component {
			return true
		}
	}
	return false
}

func (c *AccountCode) Commitment() common.Hash {
	enc, _ := rlp.EncodeToBytes(c)
	return common.Keccak256(enc)
}

func (c *AccountCode) Clone() *AccountCode {
	return &AccountCode{
		Components: append([]string(nil), c.Components...),
		Procedures: append([]common.Hash(nil), c.Procedures...),
	}
}

// AccountStorage is a fixed set of indexed value slots.
type AccountStorage struct {
	Slots map[uint8]common.Hash `json:"slots"`
}

func NewAccountStorage() *AccountStorage {
	return &AccountStorage{Slots: make(map[uint8]common.Hash)}
}

func (s *AccountStorage) Get(index uint8) common.Hash {
	return s.Slots[index]
}

func (s *AccountStorage) Set(index uint8, value common.Hash) {
	if value == (common.Hash{}) {
		delete(s.Slots, index)
		return
	}
	s.Slots[index] = value
}

type storageSlot struct {
	Index uint8
	Value common.Hash
}

func (s *AccountStorage) Commitment() common.Hash {
	slots := make([]storageSlot, 0, len(s.Slots))
	for i, v := range s.Slots {
		slots = append(slots, storageSlot{Index: i, Value: v})
	}
	sort.Slice(slots, func(a, b int) bool { return slots[a].Index < slots[b].Index })
	enc, _ := rlp.EncodeToBytes(slots)
	return common.Keccak256(enc)
}

func (s *AccountStorage) Clone() *AccountStorage {
	c := NewAccountStorage()
	for i, v := range s.Slots {
		c.Slots[i] = v
	}
	return c
}

type AccountStatus uint8

const (
	AccountTracked AccountStatus = iota
	// AccountLocked marks a private account whose on-chain commitment matches no local state.
	AccountLocked
)

func (s AccountStatus) String() string {
	if s == AccountLocked {
		return "locked"
	}
	return "tracked"
}

// AccountHeader is derived from an Account and never mutated on its own.
type AccountHeader struct {
	ID          AccountID   `json:"id"`
	Nonce       uint64      `json:"nonce"`
	VaultRoot   common.Hash `json:"vault_root"`
	StorageRoot common.Hash `json:"storage_root"`
	CodeRoot    common.Hash `json:"code_root"`
}

func (h AccountHeader) Commitment() common.Hash {
	enc, _ := rlp.EncodeToBytes(&h)
	return common.Keccak256(enc)
}

type Account struct {
	ID      AccountID       `json:"id"`
	Nonce   uint64          `json:"nonce"`
	Vault   *AssetVault     `json:"vault"`
	Storage *AccountStorage `json:"storage"`
	Code    *AccountCode    `json:"code"`
	// Seed is kept until the account's first transaction is committed.
	Seed *common.Hash `json:"seed,omitempty"`
}

// NewAccount derives the id from seed and the initial code and storage.
func NewAccount(seed common.Hash, typ AccountType, mode StorageMode, code *AccountCode, storage *AccountStorage) *Account {
	vault, _ := NewAssetVault()
	if storage == nil {
		storage = NewAccountStorage()
	}
	s := seed
	return &Account{
		ID:      NewAccountID(seed, typ, mode, code.Commitment(), storage.Commitment()),
		Vault:   vault,
		Storage: storage,
		Code:    code,
		Seed:    &s,
	}
}

func (a *Account) Header() AccountHeader {
	return AccountHeader{
		ID:          a.ID,
		Nonce:       a.Nonce,
		VaultRoot:   a.Vault.Commitment(),
		StorageRoot: a.Storage.Commitment(),
		CodeRoot:    a.Code.Commitment(),
	}
}

// Commitment is recomputed from the current fields on every call.
func (a *Account) Commitment() common.Hash {
	return a.Header().Commitment()
}

func (a *Account) IsNew() bool { return a.Nonce == 0 }

func (a *Account) Clone() *Account {
	c := &Account{
		ID:      a.ID,
		Nonce:   a.Nonce,
		Vault:   a.Vault.Clone(),
		Storage: a.Storage.Clone(),
		Code:    a.Code.Clone(),
	}
	if a.Seed != nil {
		s := *a.Seed
		c.Seed = &s
	}
	return c
}

func (a *Account) String() string {
	b, _ := json.Marshal(a)
	return string(b)
}

// AccountDelta is the change a transaction makes to its executing account.
type AccountDelta struct {
	AccountID      AccountID             `json:"account_id"`
	NonceIncrement uint64                `json:"nonce_increment"`
	Added          []Asset               `json:"added,omitempty"`
	Removed        []Asset               `json:"removed,omitempty"`
	StorageUpdates map[uint8]common.Hash `json:"storage_updates,omitempty"`
}

// Apply returns the account after the delta; a receives no modification.
func (d *AccountDelta) Apply(a *Account) (*Account, error) {
	if d.AccountID != a.ID {
		return nil, fmt.Errorf("delta for %s applied to %s", d.AccountID, a.ID)
	}
	if d.NonceIncrement == 0 {
		return nil, fmt.Errorf("delta for %s does not advance the nonce", a.ID)
	}
	next := a.Clone()
	for _, asset := range d.Removed {
		if err := next.Vault.Remove(asset); err != nil {
			return nil, err
		}
	}
	for _, asset := range d.Added {
		if err := next.Vault.Add(asset); err != nil {
			return nil, err
		}
	}
	for i, v := range d.StorageUpdates {
		next.Storage.Set(i, v)
	}
	next.Nonce += d.NonceIncrement
	next.Seed = nil
	return next, nil
}
