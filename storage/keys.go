package storage

import (
	"fmt"

	"github.com/colorfulnotion/noteclient/common"
	"github.com/colorfulnotion/noteclient/types"
)

// Key layout. Versioned entities: account, note, tx, sync height, mmr peaks.
const (
	prefixAccount      = "acct_"     // acct_<id> -> AccountRecord
	prefixAccountState = "acst_"     // acst_<id>_<nonce> -> AccountHeader
	prefixCode         = "code_"     // code_<root> -> AccountCode
	prefixStorage      = "stor_"     // stor_<root> -> AccountStorage
	prefixVault        = "vault_"    // vault_<root> -> []Asset
	prefixNote         = "note_"     // note_<id> -> NoteRecord
	prefixNoteState    = "nstate_"   // nstate_<state>_<id> -> ""
	prefixNoteByNf     = "nfidx_"    // nfidx_<nullifier> -> note id
	prefixSpent        = "nf_"       // nf_<nullifier> -> block height
	prefixHeader       = "hdr_"      // hdr_<height> -> StoredHeader
	prefixMmrLeaf      = "mmrleaf_"  // mmrleaf_<pos> -> TrackedLeaf
	prefixTx           = "tx_"       // tx_<id> -> TransactionRecord
	prefixTxStatus     = "txstatus_" // txstatus_<status>_<id> -> ""
	prefixNoteKey      = "nkey_"     // nkey_<account id> -> noteKeyPair

	keySyncHeight = "sync_height"
	keyMmrPeaks   = "mmrpeaks"
)

func accountKey(id types.AccountID) string { return prefixAccount + id.String() }

func accountStateKey(id types.AccountID, nonce uint64) string {
	return fmt.Sprintf("%s%s_%020d", prefixAccountState, id, nonce)
}

func codeKey(root common.Hash) string    { return prefixCode + root.Hex() }
func storageKey(root common.Hash) string { return prefixStorage + root.Hex() }
func vaultKey(root common.Hash) string   { return prefixVault + root.Hex() }

func noteKey(id types.NoteID) string { return prefixNote + id.Hex() }

func noteStatePrefix(state types.NoteState) string {
	return fmt.Sprintf("%s%d_", prefixNoteState, uint8(state))
}

func noteStateKey(state types.NoteState, id types.NoteID) string {
	return noteStatePrefix(state) + id.Hex()
}

func noteByNullifierKey(nf types.Nullifier) string { return prefixNoteByNf + nf.Hex() }
func spentKey(nf types.Nullifier) string          { return prefixSpent + nf.Hex() }

func headerKey(height uint32) string { return fmt.Sprintf("%s%020d", prefixHeader, height) }

func mmrLeafKey(pos uint64) string { return fmt.Sprintf("%s%020d", prefixMmrLeaf, pos) }

func txKey(id types.TxID) string { return prefixTx + id.Hex() }

func txStatusPrefix(status types.TxStatus) string {
	return fmt.Sprintf("%s%d_", prefixTxStatus, uint8(status))
}

func txStatusKey(status types.TxStatus, id types.TxID) string {
	return txStatusPrefix(status) + id.Hex()
}

func noteKeyKey(id types.AccountID) string { return prefixNoteKey + id.String() }
