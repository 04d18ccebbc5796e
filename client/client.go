// Package client ties the store, sync engine, builder and executor into one handle.
package client

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/colorfulnotion/noteclient/chainsync"
	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/common"
	"github.com/colorfulnotion/noteclient/crypto"
	"github.com/colorfulnotion/noteclient/executor"
	"github.com/colorfulnotion/noteclient/log"
	"github.com/colorfulnotion/noteclient/prover"
	"github.com/colorfulnotion/noteclient/retry"
	"github.com/colorfulnotion/noteclient/rpc"
	"github.com/colorfulnotion/noteclient/screener"
	"github.com/colorfulnotion/noteclient/storage"
	"github.com/colorfulnotion/noteclient/transaction"
	"github.com/colorfulnotion/noteclient/types"
)

// HeadFeed opens a stream of new chain heads. The channel closes when the feed drops.
type HeadFeed func(ctx context.Context) (<-chan types.BlockHeader, error)

// HeadsFrom adapts an in-process head source such as rpc.MockNode.
func HeadsFrom(src rpc.HeadSource) HeadFeed {
	return func(ctx context.Context) (<-chan types.BlockHeader, error) {
		ch, cancel := src.SubscribeHeads()
		go func() {
			<-ctx.Done()
			cancel()
		}()
		return ch, nil
	}
}

type Client struct {
	cfg      Config
	store    *storage.Store
	node     rpc.NodeRPC
	heads    HeadFeed
	keys     *crypto.MemKeyStore
	reserved *transaction.Reservations
	engine   *chainsync.Engine
	builder  *transaction.Builder
	vm       *executor.StandardVM
	exec     *executor.Executor
	retry    retry.Policy
}

// New assembles a client over an open store. Pending transactions left by a previous run
// re-reserve their input notes before anything else touches the store.
func New(cfg Config, store *storage.Store, node rpc.NodeRPC, p prover.Prover) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	genesis, _ := cfg.trustedGenesis()
	c := &Client{
		cfg:      cfg,
		store:    store,
		node:     node,
		keys:     crypto.NewMemKeyStore(),
		reserved: transaction.NewReservations(),
		vm:       executor.NewStandardVM(),
		retry: retry.Policy{
			MaxRetries:      cfg.RetryCount,
			InitialInterval: time.Duration(cfg.RetryInterval),
			MaxInterval:     time.Duration(cfg.RetryMaxInterval),
		},
	}
	if c.retry.MaxInterval < c.retry.InitialInterval {
		c.retry.MaxInterval = c.retry.InitialInterval
	}
	err := store.View(func(sc *storage.Scope) error {
		if err := c.reserved.Rebuild(sc); err != nil {
			return err
		}
		return c.loadKeys(sc)
	})
	if err != nil {
		return nil, fmt.Errorf("restore client state: %w", err)
	}
	c.engine = chainsync.NewEngine(store, node, screener.New(c.keys), c.reserved, chainsync.Config{
		MaxPendingPasses: cfg.MaxPendingPasses,
		TrustedGenesis:   genesis,
	})
	c.builder = transaction.NewBuilder(store, c.reserved)
	if cfg.ExpirationDelta > 0 {
		c.builder.SetExpirationDelta(cfg.ExpirationDelta)
	}
	c.exec = executor.New(store, node, p, c.vm, c.reserved, c.retry)
	log.Debug(log.ClientMonitoring, "Client ready", "reserved", c.reserved.Len())
	return c, nil
}

// Open builds the store, JSON-RPC transport and prover the config names.
func Open(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var (
		store *storage.Store
		err   error
	)
	if cfg.StorePath == "" {
		store, err = storage.OpenMemory()
	} else {
		store, err = storage.Open(cfg.StorePath)
	}
	if err != nil {
		return nil, err
	}
	var p prover.Prover = prover.NewLocalProver()
	if cfg.ProverEndpoint != "" {
		p = prover.NewRemoteProver(cfg.ProverEndpoint, time.Duration(cfg.RPCTimeout))
	}
	c, err := New(cfg, store, rpc.NewClient(cfg.RPCEndpoint, time.Duration(cfg.RPCTimeout)), p)
	if err != nil {
		store.Close()
		return nil, err
	}
	if cfg.WSEndpoint != "" {
		c.heads = rpc.NewHeadSubscriber(cfg.WSEndpoint).Subscribe
	}
	log.Info(log.ClientMonitoring, "Client opened", "rpc", cfg.RPCEndpoint, "store", cfg.StorePath, "prover", cfg.ProverEndpoint)
	return c, nil
}

func (c *Client) Close() error { return c.store.Close() }

// SetHeadFeed replaces the head feed Watch listens on.
func (c *Client) SetHeadFeed(feed HeadFeed) { c.heads = feed }

func (c *Client) Config() Config { return c.cfg }
func (c *Client) Store() *storage.Store { return c.store }
func (c *Client) Builder() *transaction.Builder { return c.builder }
func (c *Client) VM() *executor.StandardVM { return c.vm }
func (c *Client) Executor() *executor.Executor { return c.exec }
func (c *Client) Node() rpc.NodeRPC { return c.node }
func (c *Client) Reservations() *transaction.Reservations { return c.reserved }

func (c *Client) loadKeys(sc *storage.Scope) error {
	recs, err := sc.ListAccounts()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		pub, priv, found, err := sc.NoteKey(rec.ID)
		if err != nil {
			return err
		}
		if found {
			c.keys.Add(rec.ID, &crypto.KeyPair{Public: pub, Private: priv})
		}
	}
	return nil
}

// AddAccount starts tracking acct. kp, when given, opens private notes addressed to it.
func (c *Client) AddAccount(ctx context.Context, acct *types.Account, kp *crypto.KeyPair) error {
	err := c.store.Update(ctx, func(sc *storage.Scope) error {
		prev, err := sc.GetAccountRecord(acct.ID)
		if err != nil {
			return err
		}
		if prev != nil {
			return fmt.Errorf("account %s is already tracked: %w", acct.ID, clienterrors.ErrMalformedRequest)
		}
		if err := sc.PutAccount(acct, types.AccountTracked); err != nil {
			return err
		}
		if kp != nil {
			return sc.PutNoteKey(acct.ID, kp.Public, kp.Private)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if kp != nil {
		c.keys.Add(acct.ID, kp)
	}
	log.Info(log.ClientMonitoring, "Account added", "account", acct.ID, "type", acct.ID.Type(), "storage", acct.ID.StorageMode())
	return nil
}

// CreateAccount derives a fresh wallet or faucet from a random seed, generates its note key
// and tracks it.
func (c *Client) CreateAccount(ctx context.Context, typ types.AccountType, mode types.StorageMode) (*types.Account, error) {
	components := []string{types.ComponentBasicWallet, types.ComponentSingleSigAuth}
	switch typ {
	case types.AccountFungibleFaucet:
		components = []string{types.ComponentFungibleFaucet, types.ComponentSingleSigAuth}
	case types.AccountNonFungibleFaucet:
		components = []string{types.ComponentNonFungibleFaucet, types.ComponentSingleSigAuth}
	}
	code, err := types.NewAccountCode(components...)
	if err != nil {
		return nil, err
	}
	var seed common.Hash
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("account seed: %w", err)
	}
	kp, err := crypto.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, err
	}
	acct := types.NewAccount(seed, typ, mode, code, nil)
	if err := c.AddAccount(ctx, acct, kp); err != nil {
		return nil, err
	}
	return acct, nil
}

// Account returns the current local state of id.
func (c *Client) Account(id types.AccountID) (*types.Account, *storage.AccountRecord, error) {
	var (
		acct *types.Account
		rec  *storage.AccountRecord
	)
	err := c.store.View(func(sc *storage.Scope) (err error) {
		acct, rec, err = sc.GetAccount(id)
		return err
	})
	if err == nil && rec == nil {
		err = fmt.Errorf("account %s: %w", id, clienterrors.ErrAccountNotFound)
	}
	return acct, rec, err
}

func (c *Client) Accounts() ([]*storage.AccountRecord, error) {
	var out []*storage.AccountRecord
	err := c.store.View(func(sc *storage.Scope) (err error) {
		out, err = sc.ListAccounts()
		return err
	})
	return out, err
}

// Notes lists local notes in the given states, or every note when none are given.
func (c *Client) Notes(states ...types.NoteState) ([]*types.NoteRecord, error) {
	var out []*types.NoteRecord
	err := c.store.View(func(sc *storage.Scope) error {
		if len(states) == 0 {
			all, err := sc.ListNotes()
			out = all
			return err
		}
		for _, st := range states {
			recs, err := sc.NotesByState(st)
			if err != nil {
				return err
			}
			out = append(out, recs...)
		}
		return nil
	})
	return out, err
}

func (c *Client) Transactions(status types.TxStatus) ([]*types.TransactionRecord, error) {
	var out []*types.TransactionRecord
	err := c.store.View(func(sc *storage.Scope) (err error) {
		out, err = sc.TransactionsByStatus(status)
		return err
	})
	return out, err
}

// SyncHeight returns the last block the store has applied.
func (c *Client) SyncHeight() (uint32, error) {
	var h uint32
	err := c.store.View(func(sc *storage.Scope) (err error) {
		h, _, err = sc.SyncHeight()
		return err
	})
	return h, err
}

// SubmitTransaction executes, proves and submits req. Only network errors are retried.
func (c *Client) SubmitTransaction(ctx context.Context, req *transaction.Request) (*types.TransactionRecord, error) {
	return c.exec.Run(ctx, req)
}

// Sync brings the store to the node's tip. Network failures are retried with backoff;
// verification failures abort at once with nothing written for the failing pass.
func (c *Client) Sync(ctx context.Context) (*chainsync.SyncSummary, error) {
	var summary *chainsync.SyncSummary
	err := retry.Do(ctx, c.retry, "sync", func() error {
		s, err := c.engine.SyncToTip(ctx)
		if s != nil {
			if summary == nil {
				summary = s
			} else {
				summary.Merge(s)
			}
		}
		return err
	})
	return summary, err
}
