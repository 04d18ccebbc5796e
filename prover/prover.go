// Package prover obtains validity proofs for executed transactions, either in-process or
// from a remote proving service.
package prover

import (
	"context"
	"fmt"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/common"
	"github.com/colorfulnotion/noteclient/log"
	"github.com/colorfulnotion/noteclient/types"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
)

// Prover turns an executed transaction into the bundle the node accepts.
type Prover interface {
	Prove(ctx context.Context, tx *types.ExecutedTransaction) (*types.ProvenTransaction, error)
}

func element(b []byte) []byte {
	var e fr.Element
	e.SetBytes(b)
	out := e.Bytes()
	return out[:]
}

// Digest binds the transaction id, its state transition and its execution trace. The node
// recomputes it to accept a proof.
func Digest(tx *types.ExecutedTransaction) common.Hash {
	h := mimc.NewMiMC()
	h.Write(element(tx.ID[:]))
	h.Write(element(tx.InitialCommitment[:]))
	h.Write(element(tx.FinalCommitment[:]))
	h.Write(element(common.Uint64ToBytes(uint64(len(tx.Trace)))))
	for i := 0; i < len(tx.Trace); i += common.HashLength {
		end := i + common.HashLength
		if end > len(tx.Trace) {
			end = len(tx.Trace)
		}
		chunk := common.BytesToHash(tx.Trace[i:end])
		h.Write(element(chunk[:]))
	}
	return common.BytesToHash(h.Sum(nil))
}

// Verify reports whether proof is valid for tx.
func Verify(tx *types.ExecutedTransaction, proof []byte) bool {
	d := Digest(tx)
	return len(proof) == common.HashLength && common.BytesToHash(proof) == d
}

// LocalProver computes proofs in process.
type LocalProver struct{}

func NewLocalProver() *LocalProver { return &LocalProver{} }

func (p *LocalProver) Prove(ctx context.Context, tx *types.ExecutedTransaction) (*types.ProvenTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tx.ID != types.ComputeTxID(tx.InitialCommitment, tx.FinalCommitment, tx.Nullifiers, tx.OutputNoteIDs()) {
		return nil, fmt.Errorf("transaction %s: id does not match its contents: %w", tx.ID, clienterrors.ErrProofRejected)
	}
	d := Digest(tx)
	log.Trace(log.ProverMonitoring, "Proved locally", "tx", tx.ID, "trace", len(tx.Trace))
	return &types.ProvenTransaction{Transaction: *tx, Proof: d.Bytes()}, nil
}
