package storage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/common"
	"github.com/colorfulnotion/noteclient/types"
)

// AccountRecord points at the account's current state.
type AccountRecord struct {
	ID         types.AccountID     `json:"id"`
	Nonce      uint64              `json:"nonce"`
	Commitment common.Hash         `json:"commitment"`
	Status     types.AccountStatus `json:"status"`
	Seed       *common.Hash        `json:"seed,omitempty"`
}

func (s *Scope) GetAccountRecord(id types.AccountID) (*AccountRecord, error) {
	var rec AccountRecord
	found, err := s.getEntityJSON(accountKey(id), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

// GetAccount loads the account's current state. Returns ErrAccountNotFound if untracked.
func (s *Scope) GetAccount(id types.AccountID) (*types.Account, *AccountRecord, error) {
	rec, err := s.GetAccountRecord(id)
	if err != nil {
		return nil, nil, err
	}
	if rec == nil {
		return nil, nil, fmt.Errorf("account %s: %w", id, clienterrors.ErrAccountNotFound)
	}
	acct, err := s.GetAccountAtNonce(id, rec.Nonce)
	if err != nil {
		return nil, nil, err
	}
	if acct.Commitment() != rec.Commitment {
		return nil, nil, fmt.Errorf("account %s nonce %d: stored commitment mismatch: %w", id, rec.Nonce, clienterrors.ErrCorruptData)
	}
	if rec.Seed != nil && rec.Nonce == 0 {
		seed := *rec.Seed
		acct.Seed = &seed
	}
	return acct, rec, nil
}

// GetAccountAtNonce rebuilds a historical state from its components.
func (s *Scope) GetAccountAtNonce(id types.AccountID, nonce uint64) (*types.Account, error) {
	var hdr types.AccountHeader
	found, err := s.getRawJSON(accountStateKey(id, nonce), &hdr)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("account %s has no state at nonce %d: %w", id, nonce, clienterrors.ErrAccountNotFound)
	}
	acct := &types.Account{ID: id, Nonce: nonce, Code: &types.AccountCode{}, Storage: types.NewAccountStorage()}
	if found, err = s.getRawJSON(codeKey(hdr.CodeRoot), acct.Code); err != nil || !found {
		return nil, missingComponent("code", id, hdr.CodeRoot, err)
	}
	if found, err = s.getRawJSON(storageKey(hdr.StorageRoot), acct.Storage); err != nil || !found {
		return nil, missingComponent("storage", id, hdr.StorageRoot, err)
	}
	vault, _ := types.NewAssetVault()
	if found, err = s.getRawJSON(vaultKey(hdr.VaultRoot), vault); err != nil || !found {
		return nil, missingComponent("vault", id, hdr.VaultRoot, err)
	}
	acct.Vault = vault
	if acct.Storage.Slots == nil {
		acct.Storage.Slots = make(map[uint8]common.Hash)
	}
	return acct, nil
}

func missingComponent(what string, id types.AccountID, root common.Hash, err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("account %s %s %s missing: %w", id, what, root, clienterrors.ErrCorruptData)
}

// PutAccount stores acct's components and state and makes it the current state.
func (s *Scope) PutAccount(acct *types.Account, status types.AccountStatus) error {
	hdr := acct.Header()
	if err := s.putRawJSON(codeKey(hdr.CodeRoot), acct.Code); err != nil {
		return err
	}
	if err := s.putRawJSON(storageKey(hdr.StorageRoot), acct.Storage); err != nil {
		return err
	}
	if err := s.putRawJSON(vaultKey(hdr.VaultRoot), acct.Vault); err != nil {
		return err
	}
	if err := s.putRawJSON(accountStateKey(acct.ID, acct.Nonce), &hdr); err != nil {
		return err
	}
	rec := &AccountRecord{
		ID:         acct.ID,
		Nonce:      acct.Nonce,
		Commitment: hdr.Commitment(),
		Status:     status,
	}
	if acct.Seed != nil {
		seed := *acct.Seed
		rec.Seed = &seed
	} else {
		// the seed outlives the first state so a reverted new account can still be created
		prev, err := s.GetAccountRecord(acct.ID)
		if err != nil {
			return err
		}
		if prev != nil {
			rec.Seed = prev.Seed
		}
	}
	return s.putEntity(accountKey(acct.ID), rec)
}

// RevertAccount makes the state at nonce current again and drops later states.
func (s *Scope) RevertAccount(id types.AccountID, nonce uint64) error {
	rec, err := s.GetAccountRecord(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("revert %s: %w", id, clienterrors.ErrAccountNotFound)
	}
	acct, err := s.GetAccountAtNonce(id, nonce)
	if err != nil {
		return err
	}
	for n := nonce + 1; n <= rec.Nonce; n++ {
		if err := s.deleteRaw(accountStateKey(id, n)); err != nil {
			return err
		}
	}
	rec.Nonce = nonce
	rec.Commitment = acct.Commitment()
	return s.putEntity(accountKey(id), rec)
}

func (s *Scope) SetAccountStatus(id types.AccountID, status types.AccountStatus) error {
	rec, err := s.GetAccountRecord(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("account %s: %w", id, clienterrors.ErrAccountNotFound)
	}
	rec.Status = status
	return s.putEntity(accountKey(id), rec)
}

// ListAccounts returns every tracked account record ordered by id.
func (s *Scope) ListAccounts() ([]*AccountRecord, error) {
	var ids []types.AccountID
	err := s.iterate(prefixAccount, func(key string, _ []byte) error {
		id, err := types.ParseAccountID(strings.TrimPrefix(key, prefixAccount))
		if err != nil {
			return fmt.Errorf("%s: %w", key, clienterrors.ErrCorruptData)
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*AccountRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetAccountRecord(id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}
