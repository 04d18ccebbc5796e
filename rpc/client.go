package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/log"
	"github.com/colorfulnotion/noteclient/types"
)

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      uint64          `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

// RPCError represents a JSON-RPC error. Data carries the client error code when the
// failure maps onto one.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// Client speaks NodeRPC over JSON-RPC 2.0 on HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client

	statsMu    sync.Mutex
	totalCalls uint64
	errorCalls uint64
}

var _ NodeRPC = (*Client)(nil)

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Stats returns total and failed call counts.
func (c *Client) Stats() (total, failed uint64) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.totalCalls, c.errorCalls
}

func (c *Client) GetSyncUpdate(ctx context.Context, req *SyncRequest) (*types.SyncUpdate, error) {
	var out types.SyncUpdate
	if err := c.call(ctx, methodGetSyncUpdate, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SubmitTransaction(ctx context.Context, tx *types.ProvenTransaction) (*types.SubmitResult, error) {
	var out types.SubmitResult
	if err := c.call(ctx, methodSubmitTransaction, tx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetAccountState(ctx context.Context, id types.AccountID) (*types.AccountSnapshot, error) {
	var out types.AccountSnapshot
	if err := c.call(ctx, methodGetAccountState, &accountStateParams{ID: id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetBlockHeader(ctx context.Context, number uint32, withProof bool) (*BlockHeaderResponse, error) {
	var out BlockHeaderResponse
	if err := c.call(ctx, methodGetBlockHeader, &blockHeaderParams{Number: number, WithProof: withProof}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetNotesByID(ctx context.Context, ids []types.NoteID) ([]types.ChainNote, error) {
	var out []types.ChainNote
	if err := c.call(ctx, methodGetNotesByID, &notesByIDParams{IDs: ids}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) failed() {
	c.statsMu.Lock()
	c.errorCalls++
	c.statsMu.Unlock()
}

// call performs the JSON-RPC round trip. Transport trouble and 5xx statuses map onto
// network errors; coded errors returned by the node are rewrapped as their sentinel.
func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	c.statsMu.Lock()
	c.totalCalls++
	callID := c.totalCalls
	c.statsMu.Unlock()

	rawParams, err := json.Marshal(params)
	if err != nil {
		c.failed()
		return fmt.Errorf("failed to marshal %s params: %w", method, err)
	}
	requestBody, err := json.Marshal(&JSONRPCRequest{JSONRPC: "2.0", Method: method, Params: rawParams, ID: callID})
	if err != nil {
		c.failed()
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(requestBody))
	if err != nil {
		c.failed()
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.failed()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w: %w", method, clienterrors.ErrTimeout, err)
		}
		return fmt.Errorf("%s: %w: %w", method, clienterrors.ErrTransport, err)
	}
	defer httpResp.Body.Close()
	responseBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		c.failed()
		return fmt.Errorf("%s: read response: %w: %w", method, clienterrors.ErrTransport, err)
	}
	if httpResp.StatusCode >= 500 {
		c.failed()
		return fmt.Errorf("%s: HTTP %d: %w", method, httpResp.StatusCode, clienterrors.ErrRemote)
	}
	if httpResp.StatusCode != http.StatusOK {
		c.failed()
		return fmt.Errorf("%s: HTTP %d: %s: %w", method, httpResp.StatusCode, string(responseBody), clienterrors.ErrMalformedResponse)
	}

	var rpcResponse JSONRPCResponse
	if err := json.Unmarshal(responseBody, &rpcResponse); err != nil {
		c.failed()
		return fmt.Errorf("%s: decode response: %w: %w", method, clienterrors.ErrMalformedResponse, err)
	}
	if rpcResponse.Error != nil {
		c.failed()
		if sentinel, ok := clienterrors.FromCode(rpcResponse.Error.Data); ok {
			return fmt.Errorf("%s: %s: %w", method, rpcResponse.Error.Message, sentinel)
		}
		return fmt.Errorf("%s: RPC error %d: %s: %w", method, rpcResponse.Error.Code, rpcResponse.Error.Message, clienterrors.ErrRemote)
	}
	if err := json.Unmarshal(rpcResponse.Result, result); err != nil {
		c.failed()
		return fmt.Errorf("%s: decode result: %w: %w", method, clienterrors.ErrMalformedResponse, err)
	}
	log.Trace(log.RPCMonitoring, "RPC call", "method", method, "id", callID, "duration", time.Since(start))
	return nil
}
