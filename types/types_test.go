package types

import (
	"encoding/json"
	"testing"

	"github.com/colorfulnotion/noteclient/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFaucet(t *testing.T, seed string) *Account {
	code, err := NewAccountCode(ComponentFungibleFaucet, ComponentSingleSigAuth)
	require.NoError(t, err)
	return NewAccount(common.Keccak256([]byte(seed)), AccountFungibleFaucet, StoragePublic, code, nil)
}

func testWallet(t *testing.T, seed string, mode StorageMode) *Account {
	code, err := NewAccountCode(ComponentBasicWallet, ComponentSingleSigAuth)
	require.NoError(t, err)
	return NewAccount(common.Keccak256([]byte(seed)), AccountRegularUpdatable, mode, code, nil)
}

func TestAccountIDEncodesTypeAndMode(t *testing.T) {
	faucet := testFaucet(t, "faucet")
	wallet := testWallet(t, "alice", StoragePrivate)

	assert.Equal(t, AccountFungibleFaucet, faucet.ID.Type())
	assert.True(t, faucet.ID.IsPublic())
	assert.Equal(t, AccountRegularUpdatable, wallet.ID.Type())
	assert.Equal(t, StoragePrivate, wallet.ID.StorageMode())

	parsed, err := ParseAccountID(wallet.ID.String())
	require.NoError(t, err)
	assert.Equal(t, wallet.ID, parsed)

	fromWord, err := AccountIDFromWord(wallet.ID.Word())
	require.NoError(t, err)
	assert.Equal(t, wallet.ID, fromWord)

	_, err = ParseAccountID("0x1234")
	assert.Error(t, err)
}

func TestAccountCommitmentSurvivesStorage(t *testing.T) {
	faucet := testFaucet(t, "faucet")
	acct := testWallet(t, "alice", StoragePublic)
	asset, err := NewFungibleAsset(faucet.ID, uint256.NewInt(500))
	require.NoError(t, err)
	require.NoError(t, acct.Vault.Add(asset))
	acct.Storage.Set(3, common.Keccak256([]byte("slot")))
	acct.Nonce = 4

	before := acct.Commitment()
	raw, err := json.Marshal(acct)
	require.NoError(t, err)
	var loaded Account
	require.NoError(t, json.Unmarshal(raw, &loaded))
	assert.Equal(t, before, loaded.Commitment())
	assert.Equal(t, before, loaded.Header().Commitment())

	acct.Nonce++
	assert.NotEqual(t, before, acct.Commitment())
}

func TestAccountDeltaApply(t *testing.T) {
	faucet := testFaucet(t, "faucet")
	acct := testWallet(t, "alice", StoragePrivate)
	hundred, _ := NewFungibleAsset(faucet.ID, uint256.NewInt(100))
	thirty, _ := NewFungibleAsset(faucet.ID, uint256.NewInt(30))

	delta := AccountDelta{AccountID: acct.ID, NonceIncrement: 1, Added: []Asset{hundred}}
	next, err := delta.Apply(acct)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next.Nonce)
	assert.Nil(t, next.Seed)
	assert.Equal(t, uint64(100), next.Vault.Balance(faucet.ID).Uint64())
	assert.Equal(t, uint64(0), acct.Vault.Balance(faucet.ID).Uint64(), "input account must not change")

	spend := AccountDelta{AccountID: acct.ID, NonceIncrement: 1, Removed: []Asset{thirty}}
	after, err := spend.Apply(next)
	require.NoError(t, err)
	assert.Equal(t, uint64(70), after.Vault.Balance(faucet.ID).Uint64())

	_, err = spend.Apply(acct)
	assert.Error(t, err, "removing from an empty vault must fail")

	noop := AccountDelta{AccountID: acct.ID}
	_, err = noop.Apply(acct)
	assert.Error(t, err, "nonce must strictly increase")
}

func TestNoteIdentity(t *testing.T) {
	faucet := testFaucet(t, "faucet")
	alice := testWallet(t, "alice", StoragePublic)
	bob := testWallet(t, "bob", StoragePrivate)
	asset, _ := NewFungibleAsset(faucet.ID, uint256.NewInt(10))

	n1, err := NewP2IDNote(alice.ID, bob.ID, []Asset{asset}, NotePrivate, common.Keccak256([]byte("s1")))
	require.NoError(t, err)
	n2, err := NewP2IDNote(alice.ID, bob.ID, []Asset{asset}, NotePrivate, common.Keccak256([]byte("s2")))
	require.NoError(t, err)
	assert.NotEqual(t, n1.ID(), n2.ID())
	assert.NotEqual(t, n1.ID(), n1.Nullifier())

	target, err := n1.P2IDTarget()
	require.NoError(t, err)
	assert.Equal(t, bob.ID, target)
	assert.Equal(t, bob.ID.Tag(), n1.Metadata.Tag)

	// metadata is not part of the id but is part of the leaf
	n3 := n1.Clone()
	n3.Metadata.Aux = 9
	assert.Equal(t, n1.ID(), n3.ID())
	assert.NotEqual(t, n1.Leaf(), n3.Leaf())

	p2ide, err := NewP2IDENote(alice.ID, bob.ID, []Asset{asset}, NotePublic, 50, 20, common.Keccak256([]byte("s3")))
	require.NoError(t, err)
	recall, timelock, err := p2ide.P2IDEHeights()
	require.NoError(t, err)
	assert.Equal(t, uint32(50), recall)
	assert.Equal(t, uint32(20), timelock)
	assert.Equal(t, HintAfterBlock, p2ide.Metadata.Hint.Kind)
}

func TestSwapTermsRecoverPayback(t *testing.T) {
	faucetA := testFaucet(t, "faucet-a")
	faucetB := testFaucet(t, "faucet-b")
	alice := testWallet(t, "alice", StoragePublic)
	offered, _ := NewFungibleAsset(faucetA.ID, uint256.NewInt(5))
	requested, _ := NewFungibleAsset(faucetB.ID, uint256.NewInt(7))

	swap, payback, err := NewSwapNote(alice.ID, offered, requested, NotePublic, common.Keccak256([]byte("swap")))
	require.NoError(t, err)

	gotAsset, gotPayback, err := swap.SwapTerms()
	require.NoError(t, err)
	assert.Equal(t, requested.Commitment(), gotAsset.Commitment())
	assert.Equal(t, payback.ID(), gotPayback.ID())
	target, err := gotPayback.P2IDTarget()
	require.NoError(t, err)
	assert.Equal(t, alice.ID, target)
}

func TestNoteStateTransitions(t *testing.T) {
	allowed := map[[2]NoteState]bool{
		{NoteExpected, NoteCommitted}:    true,
		{NoteExpected, NoteConsumed}:     true,
		{NoteExpected, NoteUnknown}:      true,
		{NoteCommitted, NoteProcessing}:  true,
		{NoteCommitted, NoteConsumed}:    true,
		{NoteCommitted, NoteUnknown}:     true,
		{NoteProcessing, NoteCommitted}:  true,
		{NoteProcessing, NoteConsumed}:   true,
		{NoteProcessing, NoteUnknown}:    true,
		{NoteUnknown, NoteCommitted}:     true,
		{NoteUnknown, NoteConsumed}:      true,
	}
	for _, from := range NoteStates() {
		for _, to := range NoteStates() {
			assert.Equal(t, allowed[[2]NoteState{from, to}], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}

	rec := &NoteRecord{State: NoteConsumed}
	assert.Error(t, rec.Transition(NoteCommitted))
}

func TestVaultNonFungible(t *testing.T) {
	code, _ := NewAccountCode(ComponentNonFungibleFaucet)
	nft := NewAccount(common.Keccak256([]byte("nft")), AccountNonFungibleFaucet, StoragePublic, code, nil)
	item, err := NewNonFungibleAsset(nft.ID, common.Keccak256([]byte("item-1")))
	require.NoError(t, err)

	v, err := NewAssetVault(item)
	require.NoError(t, err)
	assert.True(t, v.Has(item))
	assert.Error(t, v.Add(item))
	require.NoError(t, v.Remove(item))
	assert.False(t, v.Has(item))
	assert.Error(t, v.Remove(item))

	_, err = NewFungibleAsset(nft.ID, uint256.NewInt(1))
	assert.Error(t, err)
}

func TestBlockHeaderHash(t *testing.T) {
	h := BlockHeader{Number: 3, Timestamp: 100}
	first := h.Hash()
	h.NoteRoot = common.Keccak256([]byte("notes"))
	assert.NotEqual(t, first, h.Hash())
	assert.Equal(t, h.NoteRoot, h.Root(TreeNotes))
}
