package rpc

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/log"
	"github.com/colorfulnotion/noteclient/types"
	"github.com/gorilla/websocket"
)

// HeadSubscriber follows a node's websocket head feed.
type HeadSubscriber struct {
	url    string
	dialer *websocket.Dialer
}

// NewHeadSubscriber accepts a ws:// or wss:// URL; http(s) URLs are rewritten and get
// HeadsPath appended when they carry no path.
func NewHeadSubscriber(url string) *HeadSubscriber {
	switch {
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	}
	if rest := url[strings.Index(url, "://")+3:]; !strings.Contains(rest, "/") {
		url += HeadsPath
	}
	return &HeadSubscriber{url: url, dialer: websocket.DefaultDialer}
}

// Subscribe delivers heads until ctx is done or the connection drops; then the channel closes.
func (s *HeadSubscriber) Subscribe(ctx context.Context) (<-chan types.BlockHeader, error) {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: HTTP %d: %w: %w", s.url, resp.StatusCode, clienterrors.ErrTransport, err)
		}
		return nil, fmt.Errorf("dial %s: %w: %w", s.url, clienterrors.ErrTransport, err)
	}
	out := make(chan types.BlockHeader, 16)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	go func() {
		defer close(out)
		defer close(done)
		defer conn.Close()
		for {
			var h types.BlockHeader
			if err := conn.ReadJSON(&h); err != nil {
				if ctx.Err() == nil {
					log.Debug(log.RPCMonitoring, "Head feed closed", "url", s.url, "err", err)
				}
				return
			}
			select {
			case out <- h:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
