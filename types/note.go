package types

import (
	"encoding/json"
	"fmt"

	"github.com/colorfulnotion/noteclient/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

type (
	NoteID    = common.Hash
	Nullifier = common.Hash
)

// NoteType decides whether note details are published on chain.
type NoteType uint8

const (
	NotePublic NoteType = iota
	NotePrivate
)

func (t NoteType) String() string {
	if t == NotePrivate {
		return "private"
	}
	return "public"
}

func ParseNoteType(s string) (NoteType, error) {
	switch s {
	case "public":
		return NotePublic, nil
	case "private":
		return NotePrivate, nil
	default:
		return 0, fmt.Errorf("unknown note type %q", s)
	}
}

type HintKind uint8

const (
	HintAlways HintKind = iota
	HintAfterBlock
)

// ExecutionHint tells a consumer when the note is expected to become consumable.
type ExecutionHint struct {
	Kind   HintKind `json:"kind"`
	Height uint32   `json:"height,omitempty"`
}

type NoteMetadata struct {
	Sender AccountID     `json:"sender"`
	Type   NoteType      `json:"type"`
	Tag    uint32        `json:"tag"`
	Hint   ExecutionHint `json:"hint"`
	Aux    uint64        `json:"aux"`
}

func (m NoteMetadata) Hash() common.Hash {
	enc, _ := rlp.EncodeToBytes(&m)
	return common.Keccak256(enc)
}

// NoteScriptKind is the closed set of scripts the client understands.
type NoteScriptKind uint8

const (
	ScriptP2ID NoteScriptKind = iota
	ScriptP2IDE
	ScriptSwap
	ScriptCustom
)

func (k NoteScriptKind) String() string {
	switch k {
	case ScriptP2ID:
		return "P2ID"
	case ScriptP2IDE:
		return "P2IDE"
	case ScriptSwap:
		return "SWAP"
	case ScriptCustom:
		return "custom"
	default:
		return fmt.Sprintf("script(%d)", uint8(k))
	}
}

type NoteScript struct {
	Kind NoteScriptKind `json:"kind"`
	Root common.Hash    `json:"root"`
	Code hexutil.Bytes  `json:"code,omitempty"`
}

var standardScriptRoots = map[NoteScriptKind]common.Hash{
	ScriptP2ID:  common.Keccak256([]byte("note-script::p2id")),
	ScriptP2IDE: common.Keccak256([]byte("note-script::p2ide")),
	ScriptSwap:  common.Keccak256([]byte("note-script::swap")),
}

func StandardScript(kind NoteScriptKind) NoteScript {
	return NoteScript{Kind: kind, Root: standardScriptRoots[kind]}
}

func CustomScript(code []byte) NoteScript {
	return NoteScript{Kind: ScriptCustom, Root: common.Keccak256(code), Code: append([]byte(nil), code...)}
}

// Validate rejects a standard kind whose root does not match, or a custom root not derived from its code.
func (s NoteScript) Validate() error {
	if s.Kind == ScriptCustom {
		if common.Keccak256(s.Code) != s.Root {
			return fmt.Errorf("custom script root %s does not match code", s.Root)
		}
		return nil
	}
	want, ok := standardScriptRoots[s.Kind]
	if !ok || want != s.Root {
		return fmt.Errorf("script %s has unexpected root %s", s.Kind, s.Root)
	}
	return nil
}

type NoteRecipient struct {
	Serial common.Hash   `json:"serial"`
	Script NoteScript    `json:"script"`
	Inputs []common.Hash `json:"inputs"`
}

func (r NoteRecipient) InputsCommitment() common.Hash {
	return common.Keccak256(common.HashesToBytes(r.Inputs))
}

func (r NoteRecipient) Digest() common.Hash {
	inputs := r.InputsCommitment()
	return common.Keccak256(r.Serial[:], r.Script.Root[:], inputs[:])
}

// Note is the full content of a note: what it carries, who sent it and who may consume it.
type Note struct {
	Assets    []Asset       `json:"assets"`
	Metadata  NoteMetadata  `json:"metadata"`
	Recipient NoteRecipient `json:"recipient"`
}

func (n *Note) ID() NoteID {
	digest := n.Recipient.Digest()
	assets := AssetsCommitment(n.Assets)
	return common.Keccak256(digest[:], assets[:])
}

// Nullifier is published when the note is consumed. It cannot be linked back to the id
// without the serial number.
func (n *Note) Nullifier() Nullifier {
	inputs := n.Recipient.InputsCommitment()
	assets := AssetsCommitment(n.Assets)
	return common.Blake2Hash(n.Recipient.Serial[:], n.Recipient.Script.Root[:], inputs[:], assets[:])
}

// Leaf is the value a block's note tree commits to.
func (n *Note) Leaf() common.Hash {
	return NoteLeaf(n.ID(), n.Metadata)
}

func NoteLeaf(id NoteID, metadata NoteMetadata) common.Hash {
	m := metadata.Hash()
	return common.Keccak256(id[:], m[:])
}

func (n *Note) Clone() *Note {
	c := *n
	c.Assets = make([]Asset, len(n.Assets))
	for i, a := range n.Assets {
		c.Assets[i] = a.Clone()
	}
	c.Recipient.Inputs = append([]common.Hash(nil), n.Recipient.Inputs...)
	c.Recipient.Script.Code = append([]byte(nil), n.Recipient.Script.Code...)
	return &c
}

func (n *Note) String() string {
	b, _ := json.Marshal(n)
	return string(b)
}

func heightWord(h uint32) common.Hash {
	return common.BytesToHash(common.Uint32ToBytes(h))
}

func wordHeight(w common.Hash) (uint32, error) {
	for _, b := range w[:common.HashLength-4] {
		if b != 0 {
			return 0, fmt.Errorf("word %s is not a block height", w)
		}
	}
	return common.BytesToUint32(w[common.HashLength-4:]), nil
}

func newNote(sender AccountID, assets []Asset, noteType NoteType, tag uint32, script NoteScript, serial common.Hash, inputs []common.Hash) (*Note, error) {
	if len(assets) == 0 {
		return nil, fmt.Errorf("note must carry at least one asset")
	}
	return &Note{
		Assets:    assets,
		Metadata:  NoteMetadata{Sender: sender, Type: noteType, Tag: tag},
		Recipient: NoteRecipient{Serial: serial, Script: script, Inputs: inputs},
	}, nil
}

// NewP2IDNote pays assets to a single target account.
func NewP2IDNote(sender, target AccountID, assets []Asset, noteType NoteType, serial common.Hash) (*Note, error) {
	return newNote(sender, assets, noteType, target.Tag(), StandardScript(ScriptP2ID), serial,
		[]common.Hash{target.Word()})
}

// NewP2IDENote pays target, who may consume after timelock; the sender may reclaim after recall.
func NewP2IDENote(sender, target AccountID, assets []Asset, noteType NoteType, recall, timelock uint32, serial common.Hash) (*Note, error) {
	n, err := newNote(sender, assets, noteType, target.Tag(), StandardScript(ScriptP2IDE), serial,
		[]common.Hash{target.Word(), heightWord(recall), heightWord(timelock)})
	if err != nil {
		return nil, err
	}
	if timelock > 0 {
		n.Metadata.Hint = ExecutionHint{Kind: HintAfterBlock, Height: timelock}
	}
	return n, nil
}

// NewSwapNote offers an asset in exchange for requested. Whoever consumes it must emit the
// returned payback note, a P2ID note to sender carrying requested.
func NewSwapNote(sender AccountID, offered, requested Asset, noteType NoteType, serial common.Hash) (*Note, *Note, error) {
	paybackSerial := common.Keccak256(serial[:], []byte("payback"))
	amount := new(uint256.Int)
	if requested.Amount != nil {
		amount.Set(requested.Amount)
	}
	amt := amount.Bytes32()
	inputs := []common.Hash{
		heightWord(uint32(requested.Kind)),
		requested.Faucet.Word(),
		common.BytesToHash(amt[:]),
		requested.Data,
		paybackSerial,
	}
	swap, err := newNote(sender, []Asset{offered}, noteType, sender.Tag(), StandardScript(ScriptSwap), serial, inputs)
	if err != nil {
		return nil, nil, err
	}
	payback, err := NewP2IDNote(AccountID{}, sender, []Asset{requested}, noteType, paybackSerial)
	if err != nil {
		return nil, nil, err
	}
	return swap, payback, nil
}

// P2IDTarget decodes the target of a P2ID or P2IDE note.
func (n *Note) P2IDTarget() (AccountID, error) {
	k := n.Recipient.Script.Kind
	if (k != ScriptP2ID && k != ScriptP2IDE) || len(n.Recipient.Inputs) < 1 {
		return AccountID{}, fmt.Errorf("note %s is not a pay-to-id note", n.ID())
	}
	return AccountIDFromWord(n.Recipient.Inputs[0])
}

// P2IDEHeights decodes recall and timelock heights.
func (n *Note) P2IDEHeights() (recall, timelock uint32, err error) {
	if n.Recipient.Script.Kind != ScriptP2IDE || len(n.Recipient.Inputs) != 3 {
		return 0, 0, fmt.Errorf("note %s is not a P2IDE note", n.ID())
	}
	if recall, err = wordHeight(n.Recipient.Inputs[1]); err != nil {
		return 0, 0, err
	}
	timelock, err = wordHeight(n.Recipient.Inputs[2])
	return recall, timelock, err
}

// SwapTerms decodes the requested asset and the payback note a consumer must create.
func (n *Note) SwapTerms() (Asset, *Note, error) {
	in := n.Recipient.Inputs
	if n.Recipient.Script.Kind != ScriptSwap || len(in) != 5 {
		return Asset{}, nil, fmt.Errorf("note %s is not a swap note", n.ID())
	}
	kind, err := wordHeight(in[0])
	if err != nil {
		return Asset{}, nil, err
	}
	faucet, err := AccountIDFromWord(in[1])
	if err != nil {
		return Asset{}, nil, err
	}
	requested := Asset{Kind: AssetKind(kind), Faucet: faucet, Data: in[3]}
	if requested.Kind == AssetFungible {
		requested.Amount = new(uint256.Int).SetBytes(in[2][:])
		requested.Data = common.Hash{}
	}
	payback, err := NewP2IDNote(AccountID{}, n.Metadata.Sender, []Asset{requested}, n.Metadata.Type, in[4])
	if err != nil {
		return Asset{}, nil, err
	}
	return requested, payback, nil
}
