package types

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/common"
	"github.com/holiman/uint256"
)

type AssetKind uint8

const (
	AssetFungible AssetKind = iota
	AssetNonFungible
)

// Asset is either an amount issued by a fungible faucet or a unique item issued by a
// non-fungible faucet.
type Asset struct {
	Kind   AssetKind    `json:"kind"`
	Faucet AccountID    `json:"faucet"`
	Amount *uint256.Int `json:"amount,omitempty"`
	Data   common.Hash  `json:"data,omitempty"`
}

func NewFungibleAsset(faucet AccountID, amount *uint256.Int) (Asset, error) {
	if faucet.Type() != AccountFungibleFaucet {
		return Asset{}, fmt.Errorf("account %s is not a fungible faucet", faucet)
	}
	if amount == nil || amount.IsZero() {
		return Asset{}, fmt.Errorf("fungible asset amount must be positive")
	}
	return Asset{Kind: AssetFungible, Faucet: faucet, Amount: new(uint256.Int).Set(amount)}, nil
}

func NewNonFungibleAsset(faucet AccountID, data common.Hash) (Asset, error) {
	if faucet.Type() != AccountNonFungibleFaucet {
		return Asset{}, fmt.Errorf("account %s is not a non-fungible faucet", faucet)
	}
	return Asset{Kind: AssetNonFungible, Faucet: faucet, Data: data}, nil
}

// Key is the vault slot an asset occupies. All fungible assets of a faucet share one slot.
func (a Asset) Key() common.Hash {
	if a.Kind == AssetFungible {
		return common.Keccak256(a.Faucet[:])
	}
	return common.Keccak256(a.Faucet[:], a.Data[:])
}

func (a Asset) Commitment() common.Hash {
	var amount uint256.Int
	if a.Amount != nil {
		amount.Set(a.Amount)
	}
	amt := amount.Bytes32()
	return common.Keccak256([]byte{byte(a.Kind)}, a.Faucet[:], amt[:], a.Data[:])
}

func (a Asset) Clone() Asset {
	c := a
	if a.Amount != nil {
		c.Amount = new(uint256.Int).Set(a.Amount)
	}
	return c
}

func (a Asset) String() string {
	if a.Kind == AssetFungible {
		return fmt.Sprintf("%s@%s", a.Amount.Dec(), a.Faucet)
	}
	return fmt.Sprintf("nft(%s)@%s", a.Data.Hex(), a.Faucet)
}

// SortAssets orders assets by vault key.
func SortAssets(assets []Asset) {
	sort.Slice(assets, func(i, j int) bool {
		ki, kj := assets[i].Key(), assets[j].Key()
		return string(ki[:]) < string(kj[:])
	})
}

// AssetsCommitment commits to an asset list independent of order.
func AssetsCommitment(assets []Asset) common.Hash {
	sorted := make([]Asset, len(assets))
	copy(sorted, assets)
	SortAssets(sorted)
	parts := make([][]byte, 0, len(sorted))
	for _, a := range sorted {
		c := a.Commitment()
		parts = append(parts, c[:])
	}
	return common.Keccak256(parts...)
}

// AssetVault holds an account's assets.
type AssetVault struct {
	fungible    map[AccountID]*uint256.Int
	nonFungible map[common.Hash]Asset
}

func NewAssetVault(assets ...Asset) (*AssetVault, error) {
	v := &AssetVault{
		fungible:    make(map[AccountID]*uint256.Int),
		nonFungible: make(map[common.Hash]Asset),
	}
	for _, a := range assets {
		if err := v.Add(a); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (v *AssetVault) Add(a Asset) error {
	switch a.Kind {
	case AssetFungible:
		if a.Amount == nil {
			return fmt.Errorf("fungible asset without amount")
		}
		cur, ok := v.fungible[a.Faucet]
		if !ok {
			cur = new(uint256.Int)
		}
		sum, overflow := new(uint256.Int).AddOverflow(cur, a.Amount)
		if overflow {
			return fmt.Errorf("vault balance overflow for faucet %s", a.Faucet)
		}
		v.fungible[a.Faucet] = sum
	case AssetNonFungible:
		key := a.Key()
		if _, ok := v.nonFungible[key]; ok {
			return fmt.Errorf("non-fungible asset %s already in vault", a)
		}
		v.nonFungible[key] = a
	default:
		return fmt.Errorf("unknown asset kind %d", a.Kind)
	}
	return nil
}

func (v *AssetVault) Remove(a Asset) error {
	switch a.Kind {
	case AssetFungible:
		cur, ok := v.fungible[a.Faucet]
		if !ok || a.Amount == nil || cur.Lt(a.Amount) {
			return fmt.Errorf("remove %s: %w", a, clienterrors.ErrInsufficientFunds)
		}
		rest := new(uint256.Int).Sub(cur, a.Amount)
		if rest.IsZero() {
			delete(v.fungible, a.Faucet)
		} else {
			v.fungible[a.Faucet] = rest
		}
	case AssetNonFungible:
		key := a.Key()
		if _, ok := v.nonFungible[key]; !ok {
			return fmt.Errorf("remove %s: %w", a, clienterrors.ErrInsufficientFunds)
		}
		delete(v.nonFungible, key)
	default:
		return fmt.Errorf("unknown asset kind %d", a.Kind)
	}
	return nil
}

// Balance returns a copy of the fungible balance for faucet.
func (v *AssetVault) Balance(faucet AccountID) *uint256.Int {
	if cur, ok := v.fungible[faucet]; ok {
		return new(uint256.Int).Set(cur)
	}
	return new(uint256.Int)
}

func (v *AssetVault) Has(a Asset) bool {
	if a.Kind == AssetNonFungible {
		_, ok := v.nonFungible[a.Key()]
		return ok
	}
	return a.Amount != nil && !v.Balance(a.Faucet).Lt(a.Amount)
}

func (v *AssetVault) Assets() []Asset {
	out := make([]Asset, 0, len(v.fungible)+len(v.nonFungible))
	for faucet, amt := range v.fungible {
		out = append(out, Asset{Kind: AssetFungible, Faucet: faucet, Amount: new(uint256.Int).Set(amt)})
	}
	for _, a := range v.nonFungible {
		out = append(out, a)
	}
	SortAssets(out)
	return out
}

func (v *AssetVault) Commitment() common.Hash {
	return AssetsCommitment(v.Assets())
}

func (v *AssetVault) Clone() *AssetVault {
	c, _ := NewAssetVault(v.Assets()...)
	return c
}

func (v *AssetVault) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Assets())
}

func (v *AssetVault) UnmarshalJSON(data []byte) error {
	var assets []Asset
	if err := json.Unmarshal(data, &assets); err != nil {
		return err
	}
	fresh, err := NewAssetVault(assets...)
	if err != nil {
		return err
	}
	*v = *fresh
	return nil
}
