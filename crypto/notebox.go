// Package crypto seals private note details to a recipient's X25519 key.
package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/colorfulnotion/noteclient/types"
	"golang.org/x/crypto/nacl/box"
)

var ErrOpenFailed = errors.New("sealed note could not be opened with this key")

type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

func GenerateKeyPair(rand io.Reader) (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand)
	if err != nil {
		return nil, fmt.Errorf("generate note key: %w", err)
	}
	return &KeyPair{Public: *pub, Private: *priv}, nil
}

// SealNote encrypts the full note to recipient using an anonymous box.
func SealNote(note *types.Note, recipient [32]byte, rand io.Reader) ([]byte, error) {
	msg, err := json.Marshal(note)
	if err != nil {
		return nil, err
	}
	return box.SealAnonymous(nil, msg, &recipient, rand)
}

// OpenNote is the inverse of SealNote.
func OpenNote(sealed []byte, kp *KeyPair) (*types.Note, error) {
	msg, ok := box.OpenAnonymous(nil, sealed, &kp.Public, &kp.Private)
	if !ok {
		return nil, ErrOpenFailed
	}
	var note types.Note
	if err := json.Unmarshal(msg, &note); err != nil {
		return nil, fmt.Errorf("decode opened note: %w", err)
	}
	return &note, nil
}

// KeyStore hands out note decryption keys for tracked accounts.
type KeyStore interface {
	NoteKey(id types.AccountID) (*KeyPair, bool)
}

type MemKeyStore struct {
	mu   sync.RWMutex
	keys map[types.AccountID]*KeyPair
}

func NewMemKeyStore() *MemKeyStore {
	return &MemKeyStore{keys: make(map[types.AccountID]*KeyPair)}
}

func (m *MemKeyStore) Add(id types.AccountID, kp *KeyPair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[id] = kp
}

func (m *MemKeyStore) NoteKey(id types.AccountID) (*KeyPair, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kp, ok := m.keys[id]
	return kp, ok
}
