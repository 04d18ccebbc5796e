package client

import (
	"context"
	"fmt"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/log"
	"github.com/colorfulnotion/noteclient/types"
)

// ImportNote fetches a public note the client did not discover through its tags, verifies
// it against the stored header of its block and tracks that block so the note can be
// consumed. Nothing is stored when the node's header or proof disagrees with local history.
func (c *Client) ImportNote(ctx context.Context, id types.NoteID) (*types.NoteRecord, error) {
	notes, err := c.node.GetNotesByID(ctx, []types.NoteID{id})
	if err != nil {
		return nil, err
	}
	var cn *types.ChainNote
	for i := range notes {
		if notes[i].ID == id {
			cn = &notes[i]
		}
	}
	if cn == nil {
		return nil, fmt.Errorf("note %s unknown to the node: %w", id, clienterrors.ErrNoteNotFound)
	}
	if cn.Details == nil {
		return nil, fmt.Errorf("note %s has no public details: %w", id, clienterrors.ErrMalformedRequest)
	}

	block := cn.Proof.BlockNum
	height, err := c.SyncHeight()
	if err != nil {
		return nil, err
	}
	if block > height {
		if _, err := c.Sync(ctx); err != nil {
			return nil, err
		}
		if height, err = c.SyncHeight(); err != nil {
			return nil, err
		}
		if block > height {
			return nil, fmt.Errorf("note %s in block %d past synced height %d: %w", id, block, height, clienterrors.ErrStaleResponse)
		}
	}

	resp, err := c.node.GetBlockHeader(ctx, block, true)
	if err != nil {
		return nil, err
	}
	rec, err := c.engine.AdoptNote(ctx, cn, resp.Header, resp.Proof)
	if err != nil {
		return nil, err
	}
	log.Info(log.ClientMonitoring, "Note imported", "id", id, "block", block, "state", rec.State)
	return rec, nil
}
