package main

import (
	"fmt"

	"github.com/colorfulnotion/noteclient/client"
	"github.com/colorfulnotion/noteclient/common"
	"github.com/colorfulnotion/noteclient/transaction"
	"github.com/colorfulnotion/noteclient/types"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"
)

func parseAmount(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("amount %q: %w", s, err)
	}
	return v, nil
}

func parseNoteID(s string) (types.NoteID, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return types.NoteID{}, fmt.Errorf("note id %q is not a 0x-prefixed 32-byte hash", s)
	}
	return common.BytesToHash(b), nil
}

func fungible(faucet, amount string) (types.Asset, error) {
	id, err := types.ParseAccountID(faucet)
	if err != nil {
		return types.Asset{}, err
	}
	v, err := parseAmount(amount)
	if err != nil {
		return types.Asset{}, err
	}
	return types.NewFungibleAsset(id, v)
}

// noteType resolves the --note-type flag, falling back to the configured default.
func noteType(c *client.Client, flag string) (types.NoteType, error) {
	if flag == "" {
		return c.Config().NoteType(), nil
	}
	return types.ParseNoteType(flag)
}

// submit runs build against an open client and pushes the request through the executor.
func submit(g *globalFlags, cmd *cobra.Command, build func(c *client.Client) (*transaction.Request, error)) error {
	c, err := g.open(cmd)
	if err != nil {
		return err
	}
	defer c.Close()
	if _, err := c.Sync(cmd.Context()); err != nil {
		return err
	}
	req, err := build(c)
	if err != nil {
		return err
	}
	rec, err := c.SubmitTransaction(cmd.Context(), req)
	if err != nil {
		return err
	}
	fmt.Printf("Transaction %s %s (%s)\n", rec.ID.Hex(), rec.Stage, rec.Status)
	for _, id := range rec.OutputNotes {
		fmt.Printf("  output note %s\n", id.Hex())
	}
	return nil
}

func newMintCmd(g *globalFlags) *cobra.Command {
	var faucet, to, amount, nt string
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a faucet's asset into a pay-to-id note",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submit(g, cmd, func(c *client.Client) (*transaction.Request, error) {
				f, err := types.ParseAccountID(faucet)
				if err != nil {
					return nil, err
				}
				target, err := types.ParseAccountID(to)
				if err != nil {
					return nil, err
				}
				v, err := parseAmount(amount)
				if err != nil {
					return nil, err
				}
				t, err := noteType(c, nt)
				if err != nil {
					return nil, err
				}
				return c.Builder().Mint(f, target, v, t)
			})
		},
	}
	cmd.Flags().StringVar(&faucet, "faucet", "", "Faucet account id")
	cmd.Flags().StringVar(&to, "to", "", "Recipient account id")
	cmd.Flags().StringVar(&amount, "amount", "", "Amount to mint")
	cmd.Flags().StringVar(&nt, "note-type", "", "public or private (config default when empty)")
	cmd.MarkFlagRequired("faucet")
	cmd.MarkFlagRequired("to")
	cmd.MarkFlagRequired("amount")
	return cmd
}

func newSendCmd(g *globalFlags) *cobra.Command {
	var from, to, faucet, amount, nt string
	var recall, timelock uint32
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Pay an account from notes held by another",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submit(g, cmd, func(c *client.Client) (*transaction.Request, error) {
				sender, err := types.ParseAccountID(from)
				if err != nil {
					return nil, err
				}
				target, err := types.ParseAccountID(to)
				if err != nil {
					return nil, err
				}
				asset, err := fungible(faucet, amount)
				if err != nil {
					return nil, err
				}
				t, err := noteType(c, nt)
				if err != nil {
					return nil, err
				}
				return c.Builder().Send(transaction.SendParams{
					Sender:         sender,
					Target:         target,
					Assets:         []types.Asset{asset},
					NoteType:       t,
					RecallHeight:   recall,
					TimelockHeight: timelock,
				})
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Sender account id")
	cmd.Flags().StringVar(&to, "to", "", "Recipient account id")
	cmd.Flags().StringVar(&faucet, "faucet", "", "Faucet of the asset to send")
	cmd.Flags().StringVar(&amount, "amount", "", "Amount to send")
	cmd.Flags().StringVar(&nt, "note-type", "", "public or private (config default when empty)")
	cmd.Flags().Uint32Var(&recall, "recall", 0, "Block from which the sender may reclaim the note")
	cmd.Flags().Uint32Var(&timelock, "timelock", 0, "Block before which the recipient may not consume the note")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	cmd.MarkFlagRequired("faucet")
	cmd.MarkFlagRequired("amount")
	return cmd
}

func newConsumeCmd(g *globalFlags) *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "consume [note-id...]",
		Short: "Consume the given notes, or every consumable note, into an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submit(g, cmd, func(c *client.Client) (*transaction.Request, error) {
				id, err := types.ParseAccountID(account)
				if err != nil {
					return nil, err
				}
				if len(args) == 0 {
					return c.Builder().ConsumeAll(id)
				}
				ids := make([]types.NoteID, len(args))
				for i, a := range args {
					if ids[i], err = parseNoteID(a); err != nil {
						return nil, err
					}
				}
				return c.Builder().Consume(id, ids)
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "Consuming account id")
	cmd.MarkFlagRequired("account")
	return cmd
}

func newSwapCmd(g *globalFlags) *cobra.Command {
	var account, offerFaucet, offerAmount, wantFaucet, wantAmount, nt string
	cmd := &cobra.Command{
		Use:   "swap",
		Short: "Offer one asset for another in a swap note",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submit(g, cmd, func(c *client.Client) (*transaction.Request, error) {
				id, err := types.ParseAccountID(account)
				if err != nil {
					return nil, err
				}
				offered, err := fungible(offerFaucet, offerAmount)
				if err != nil {
					return nil, err
				}
				requested, err := fungible(wantFaucet, wantAmount)
				if err != nil {
					return nil, err
				}
				t, err := noteType(c, nt)
				if err != nil {
					return nil, err
				}
				return c.Builder().Swap(transaction.SwapParams{Account: id, Offered: offered, Requested: requested, NoteType: t})
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "Offering account id")
	cmd.Flags().StringVar(&offerFaucet, "offer-faucet", "", "Faucet of the offered asset")
	cmd.Flags().StringVar(&offerAmount, "offer-amount", "", "Offered amount")
	cmd.Flags().StringVar(&wantFaucet, "want-faucet", "", "Faucet of the requested asset")
	cmd.Flags().StringVar(&wantAmount, "want-amount", "", "Requested amount")
	cmd.Flags().StringVar(&nt, "note-type", "", "public or private (config default when empty)")
	for _, f := range []string{"account", "offer-faucet", "offer-amount", "want-faucet", "want-amount"} {
		cmd.MarkFlagRequired(f)
	}
	return cmd
}

func newImportCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "import <note-id>",
		Short: "Fetch a public note by id, verify it and track its block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseNoteID(args[0])
			if err != nil {
				return err
			}
			c, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			rec, err := c.ImportNote(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("Note %s %s in block %d\n", rec.ID.Hex(), rec.State, rec.CommittedBlock)
			return nil
		},
	}
}
