package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/colorfulnotion/noteclient/client"
	"github.com/colorfulnotion/noteclient/types"
	"github.com/nsf/jsondiff"
	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"
)

func parseAccountType(s string) (types.AccountType, error) {
	switch s {
	case "wallet":
		return types.AccountRegularUpdatable, nil
	case "immutable":
		return types.AccountRegularImmutable, nil
	case "faucet":
		return types.AccountFungibleFaucet, nil
	case "nft-faucet":
		return types.AccountNonFungibleFaucet, nil
	}
	return 0, fmt.Errorf("unknown account type %q (wallet, immutable, faucet, nft-faucet)", s)
}

func parseStorageMode(s string) (types.StorageMode, error) {
	switch s {
	case "private":
		return types.StoragePrivate, nil
	case "public":
		return types.StoragePublic, nil
	}
	return 0, fmt.Errorf("unknown storage mode %q (private, public)", s)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newInitCmd(g *globalFlags) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file and bootstrap the store from the node's genesis",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.config(cmd)
			if err != nil {
				return err
			}
			if out != "" {
				data, err := json.MarshalIndent(cfg, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, data, 0o600); err != nil {
					return err
				}
				fmt.Printf("Config written to %s\n", out)
			}
			c, err := client.Open(cfg)
			if err != nil {
				return err
			}
			defer c.Close()
			summary, err := c.Sync(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Store %s synced to block %d (tip %d)\n", cfg.StorePath, summary.To, summary.ChainTip)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "write-config", "noteclient.json", "Where to write the resolved config (empty skips)")
	return cmd
}

func newSyncCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Fetch, verify and apply everything up to the node's tip",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			summary, err := c.Sync(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(summary)
		},
	}
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show tracked accounts, notes and pending transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			tree, err := statusTree(c)
			if err != nil {
				return err
			}
			fmt.Println(tree.String())
			return nil
		},
	}
}

func statusTree(c *client.Client) (treeprint.Tree, error) {
	height, err := c.SyncHeight()
	if err != nil {
		return nil, err
	}
	tree := treeprint.NewWithRoot(fmt.Sprintf("synced to block %d", height))

	recs, err := c.Accounts()
	if err != nil {
		return nil, err
	}
	accounts := tree.AddBranch("accounts")
	for _, rec := range recs {
		acct, _, err := c.Account(rec.ID)
		if err != nil {
			return nil, err
		}
		b := accounts.AddMetaBranch(rec.Status.String(), fmt.Sprintf("%s %s/%s", rec.ID, rec.ID.Type(), rec.ID.StorageMode()))
		b.AddNode(fmt.Sprintf("nonce %d", rec.Nonce))
		b.AddNode(fmt.Sprintf("commitment %s", rec.Commitment))
		for _, a := range acct.Vault.Assets() {
			b.AddNode(a.String())
		}
	}

	notes := tree.AddBranch("notes")
	for _, st := range types.NoteStates() {
		recs, err := c.Notes(st)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			continue
		}
		b := notes.AddMetaBranch(len(recs), st.String())
		for _, n := range recs {
			b.AddNode(fmt.Sprintf("%s block %d", n.ID.Hex(), n.CommittedBlock))
		}
	}

	txs := tree.AddBranch("transactions")
	for _, st := range types.TxStatuses() {
		recs, err := c.Transactions(st)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			continue
		}
		b := txs.AddMetaBranch(len(recs), st.String())
		for _, tx := range recs {
			switch st {
			case types.TxPending:
				b.AddMetaNode(tx.Stage.String(), fmt.Sprintf("%s account %s passes %d", tx.ID.Hex(), tx.AccountID, tx.PendingPasses))
			case types.TxDiscarded:
				b.AddMetaNode(tx.DiscardReason, tx.ID.Hex())
			default:
				b.AddNode(fmt.Sprintf("%s block %d", tx.ID.Hex(), tx.CommittedBlock))
			}
		}
	}
	return tree, nil
}

func newAccountCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Create and inspect tracked accounts",
	}

	var typ, mode string
	newCmd := &cobra.Command{
		Use:   "new",
		Short: "Create a new account with a fresh note key and track it",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseAccountType(typ)
			if err != nil {
				return err
			}
			m, err := parseStorageMode(mode)
			if err != nil {
				return err
			}
			c, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			acct, err := c.CreateAccount(cmd.Context(), t, m)
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", acct.ID)
			return nil
		},
	}
	newCmd.Flags().StringVar(&typ, "type", "wallet", "Account type (wallet, immutable, faucet, nft-faucet)")
	newCmd.Flags().StringVar(&mode, "storage", "private", "Storage mode (private, public)")

	showCmd := &cobra.Command{
		Use:   "show <account-id>",
		Short: "Print the local state of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.ParseAccountID(args[0])
			if err != nil {
				return err
			}
			c, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			acct, _, err := c.Account(id)
			if err != nil {
				return err
			}
			return printJSON(acct)
		},
	}

	diffCmd := &cobra.Command{
		Use:   "diff <account-id>",
		Short: "Compare a public account's local state with the node's",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.ParseAccountID(args[0])
			if err != nil {
				return err
			}
			c, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			local, _, err := c.Account(id)
			if err != nil {
				return err
			}
			snap, err := c.Node().GetAccountState(cmd.Context(), id)
			if err != nil {
				return err
			}
			if snap.Account == nil {
				fmt.Printf("node holds only the commitment %s (nonce %d); local is %s (nonce %d)\n",
					snap.Commitment, snap.Nonce, local.Commitment(), local.Nonce)
				return nil
			}
			a, err := json.Marshal(local)
			if err != nil {
				return err
			}
			b, err := json.Marshal(snap.Account)
			if err != nil {
				return err
			}
			opts := jsondiff.DefaultConsoleOptions()
			diff, text := jsondiff.Compare(a, b, &opts)
			if diff == jsondiff.FullMatch {
				fmt.Println("local state matches the node")
				return nil
			}
			fmt.Println(text)
			return nil
		},
	}

	cmd.AddCommand(newCmd, showCmd, diffCmd)
	return cmd
}
