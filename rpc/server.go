package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/log"
	"github.com/colorfulnotion/noteclient/types"
	"github.com/gorilla/websocket"
)

const (
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000

	// HeadsPath is where the websocket head feed is served.
	HeadsPath = "/ws"

	writeWait = 5 * time.Second
)

// Server exposes a NodeRPC over JSON-RPC and, if heads is set, a websocket head feed.
type Server struct {
	node     NodeRPC
	heads    HeadSource
	upgrader websocket.Upgrader
}

func NewServer(node NodeRPC, heads HeadSource) *Server {
	return &Server{node: node, heads: heads}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == HeadsPath && s.heads != nil {
		s.serveHeads(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, &JSONRPCResponse{JSONRPC: "2.0", Error: &RPCError{Code: codeInvalidRequest, Message: "invalid JSON-RPC request"}})
		return
	}
	result, rpcErr := s.dispatch(r.Context(), &req)
	resp := &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = &RPCError{Code: codeServerError, Message: err.Error()}
		} else {
			resp.Result = raw
		}
	}
	writeResponse(w, resp)
}

func writeResponse(w http.ResponseWriter, resp *JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Warn(log.RPCMonitoring, "Failed to write RPC response", "err", err)
	}
}

func decodeParams(raw json.RawMessage, out interface{}) *RPCError {
	if err := json.Unmarshal(raw, out); err != nil {
		return &RPCError{Code: codeInvalidParams, Message: err.Error()}
	}
	return nil
}

func toRPCError(err error) *RPCError {
	return &RPCError{Code: codeServerError, Message: err.Error(), Data: clienterrors.GetErrorCode(err)}
}

func (s *Server) dispatch(ctx context.Context, req *JSONRPCRequest) (interface{}, *RPCError) {
	var (
		result interface{}
		err    error
	)
	switch req.Method {
	case methodGetSyncUpdate:
		var p SyncRequest
		if rpcErr := decodeParams(req.Params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		result, err = s.node.GetSyncUpdate(ctx, &p)
	case methodSubmitTransaction:
		var p types.ProvenTransaction
		if rpcErr := decodeParams(req.Params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		result, err = s.node.SubmitTransaction(ctx, &p)
	case methodGetAccountState:
		var p accountStateParams
		if rpcErr := decodeParams(req.Params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		result, err = s.node.GetAccountState(ctx, p.ID)
	case methodGetBlockHeader:
		var p blockHeaderParams
		if rpcErr := decodeParams(req.Params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		result, err = s.node.GetBlockHeader(ctx, p.Number, p.WithProof)
	case methodGetNotesByID:
		var p notesByIDParams
		if rpcErr := decodeParams(req.Params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		result, err = s.node.GetNotesByID(ctx, p.IDs)
	default:
		return nil, &RPCError{Code: codeMethodNotFound, Message: fmt.Sprintf("method %s not found", req.Method)}
	}
	if err != nil {
		log.Debug(log.RPCMonitoring, "RPC method failed", "method", req.Method, "err", err)
		return nil, toRPCError(err)
	}
	return result, nil
}

func (s *Server) serveHeads(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn(log.RPCMonitoring, "Websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	heads, cancel := s.heads.SubscribeHeads()
	defer cancel()

	// reader goroutine notices the peer going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case h, ok := <-heads:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(&h); err != nil {
				log.Debug(log.RPCMonitoring, "Head feed write failed", "err", err)
				return
			}
		}
	}
}
