package client

import (
	"context"
	"errors"
	"time"

	"github.com/colorfulnotion/noteclient/chainsync"
	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/log"
	"github.com/colorfulnotion/noteclient/types"
)

// Watch syncs on every new head from the feed and on every tick of the sync interval, until
// ctx is done. A dropped feed is reopened on the next tick. onSync, if set, sees every
// pass that changed something.
func (c *Client) Watch(ctx context.Context, onSync func(*chainsync.SyncSummary)) error {
	ticker := time.NewTicker(time.Duration(c.cfg.SyncInterval))
	defer ticker.Stop()

	var heads <-chan types.BlockHeader
	subscribe := func() {
		if c.heads == nil || heads != nil {
			return
		}
		ch, err := c.heads(ctx)
		if err != nil {
			log.Debug(log.ClientMonitoring, "Head feed unavailable, polling", "err", err)
			return
		}
		heads = ch
	}
	pass := func(reason string) {
		s, err := c.Sync(ctx)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		case clienterrors.KindOf(err) == clienterrors.KindVerification:
			log.Error(log.ClientMonitoring, "Node response failed verification", "trigger", reason, "err", err)
		default:
			log.Warn(log.ClientMonitoring, "Sync failed", "trigger", reason, "err", err)
		}
		if s != nil && !s.IsEmpty() && onSync != nil {
			onSync(s)
		}
	}

	subscribe()
	pass("start")
	for {
		select {
		case <-ctx.Done():
			return nil
		case h, ok := <-heads:
			if !ok {
				heads = nil
				continue
			}
			height, err := c.SyncHeight()
			if err == nil && h.Number <= height {
				continue
			}
			pass("head")
		case <-ticker.C:
			subscribe()
			pass("tick")
		}
	}
}
