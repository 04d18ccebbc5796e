package executor

import (
	"github.com/colorfulnotion/noteclient/common"
	"github.com/colorfulnotion/noteclient/types"
	"github.com/holiman/uint256"
)

// computeDelta describes how before became after.
func computeDelta(before, after *types.Account) types.AccountDelta {
	d := types.AccountDelta{
		AccountID:      before.ID,
		NonceIncrement: after.Nonce - before.Nonce,
	}
	was := make(map[common.Hash]types.Asset)
	for _, a := range before.Vault.Assets() {
		was[a.Key()] = a
	}
	now := make(map[common.Hash]types.Asset)
	for _, a := range after.Vault.Assets() {
		now[a.Key()] = a
	}
	for key, a := range now {
		prev, ok := was[key]
		switch {
		case !ok:
			d.Added = append(d.Added, a.Clone())
		case a.Kind == types.AssetFungible && a.Amount.Gt(prev.Amount):
			diff := a.Clone()
			diff.Amount = new(uint256.Int).Sub(a.Amount, prev.Amount)
			d.Added = append(d.Added, diff)
		case a.Kind == types.AssetFungible && a.Amount.Lt(prev.Amount):
			diff := a.Clone()
			diff.Amount = new(uint256.Int).Sub(prev.Amount, a.Amount)
			d.Removed = append(d.Removed, diff)
		}
	}
	for key, a := range was {
		if _, ok := now[key]; !ok {
			d.Removed = append(d.Removed, a.Clone())
		}
	}
	types.SortAssets(d.Added)
	types.SortAssets(d.Removed)

	for i, v := range after.Storage.Slots {
		if before.Storage.Get(i) != v {
			if d.StorageUpdates == nil {
				d.StorageUpdates = make(map[uint8]common.Hash)
			}
			d.StorageUpdates[i] = v
		}
	}
	for i := range before.Storage.Slots {
		if _, ok := after.Storage.Slots[i]; !ok {
			if d.StorageUpdates == nil {
				d.StorageUpdates = make(map[uint8]common.Hash)
			}
			d.StorageUpdates[i] = common.Hash{}
		}
	}
	return d
}
