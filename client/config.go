package client

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/common"
	"github.com/colorfulnotion/noteclient/types"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	DefaultRPCEndpoint      = "http://localhost:57291"
	DefaultStorePath        = "store.ldb"
	DefaultRPCTimeout       = 10 * time.Second
	DefaultSyncInterval     = 5 * time.Second
	DefaultMaxPendingPasses = 20
	DefaultRetryCount       = 5
	DefaultRetryInterval    = 200 * time.Millisecond
	DefaultRetryMaxInterval = 5 * time.Second
)

// Duration reads either a Go duration string ("5s") or integer nanoseconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var ns int64
	if err := json.Unmarshal(data, &ns); err != nil {
		return fmt.Errorf("duration %s: %w", data, err)
	}
	*d = Duration(ns)
	return nil
}

// Config holds everything needed to open a client.
type Config struct {
	RPCEndpoint      string   `json:"rpc_endpoint"`
	WSEndpoint       string   `json:"ws_endpoint,omitempty"` // head feed; polling only when empty
	StorePath        string   `json:"store_path"`            // empty keeps the store in memory
	RPCTimeout       Duration `json:"rpc_timeout"`
	SyncInterval     Duration `json:"sync_interval"`
	DefaultNoteType  string   `json:"default_note_type"`
	MaxPendingPasses uint32   `json:"max_pending_passes"`
	ExpirationDelta  uint32   `json:"expiration_delta,omitempty"`
	RetryCount       uint64   `json:"retry_count"`
	RetryInterval    Duration `json:"retry_interval"`
	RetryMaxInterval Duration `json:"retry_max_interval"`
	TrustedGenesis   string   `json:"trusted_genesis,omitempty"`
	ProverEndpoint   string   `json:"prover_endpoint,omitempty"` // local proving when empty
}

// DefaultConfig returns the default client configuration
func DefaultConfig() Config {
	return Config{
		RPCEndpoint:      DefaultRPCEndpoint,
		StorePath:        DefaultStorePath,
		RPCTimeout:       Duration(DefaultRPCTimeout),
		SyncInterval:     Duration(DefaultSyncInterval),
		DefaultNoteType:  types.NotePrivate.String(),
		MaxPendingPasses: DefaultMaxPendingPasses,
		RetryCount:       DefaultRetryCount,
		RetryInterval:    Duration(DefaultRetryInterval),
		RetryMaxInterval: Duration(DefaultRetryMaxInterval),
	}
}

// LoadConfig reads a JSON file over the defaults. Fields the file omits keep their default.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.RPCEndpoint == "" {
		return fmt.Errorf("rpc_endpoint is empty: %w", clienterrors.ErrMalformedRequest)
	}
	if _, err := types.ParseNoteType(c.DefaultNoteType); err != nil {
		return fmt.Errorf("default_note_type: %w: %w", clienterrors.ErrMalformedRequest, err)
	}
	if _, err := c.trustedGenesis(); err != nil {
		return err
	}
	if c.RPCTimeout <= 0 || c.SyncInterval <= 0 {
		return fmt.Errorf("timeouts must be positive: %w", clienterrors.ErrMalformedRequest)
	}
	return nil
}

// NoteType is the note type intents use when the caller does not pick one.
func (c Config) NoteType() types.NoteType {
	t, err := types.ParseNoteType(c.DefaultNoteType)
	if err != nil {
		return types.NotePrivate
	}
	return t
}

func (c Config) trustedGenesis() (*common.Hash, error) {
	if c.TrustedGenesis == "" {
		return nil, nil
	}
	b, err := hexutil.Decode(c.TrustedGenesis)
	if err != nil || len(b) != common.HashLength {
		return nil, fmt.Errorf("trusted_genesis %q is not a 0x-prefixed 32-byte hash: %w", c.TrustedGenesis, clienterrors.ErrMalformedRequest)
	}
	h := common.BytesToHash(b)
	return &h, nil
}
