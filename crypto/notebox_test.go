package crypto

import (
	"crypto/rand"
	"testing"

	"github.com/colorfulnotion/noteclient/common"
	"github.com/colorfulnotion/noteclient/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	code, err := types.NewAccountCode(types.ComponentFungibleFaucet)
	require.NoError(t, err)
	faucet := types.NewAccount(common.Keccak256([]byte("f")), types.AccountFungibleFaucet, types.StoragePublic, code, nil)
	asset, err := types.NewFungibleAsset(faucet.ID, uint256.NewInt(3))
	require.NoError(t, err)
	note, err := types.NewP2IDNote(faucet.ID, faucet.ID, []types.Asset{asset}, types.NotePrivate, common.Keccak256([]byte("serial")))
	require.NoError(t, err)

	owner, err := GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	other, err := GenerateKeyPair(rand.Reader)
	require.NoError(t, err)

	sealed, err := SealNote(note, owner.Public, rand.Reader)
	require.NoError(t, err)

	opened, err := OpenNote(sealed, owner)
	require.NoError(t, err)
	require.Equal(t, note.ID(), opened.ID())

	_, err = OpenNote(sealed, other)
	require.ErrorIs(t, err, ErrOpenFailed)

	ks := NewMemKeyStore()
	ks.Add(faucet.ID, owner)
	got, ok := ks.NoteKey(faucet.ID)
	require.True(t, ok)
	require.Equal(t, owner.Public, got.Public)
}
