package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/log"
	"github.com/colorfulnotion/noteclient/types"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const provePath = "/prove"

type proveRequest struct {
	Transaction *types.ExecutedTransaction `json:"transaction"`
}

type proveResponse struct {
	Proof hexutil.Bytes `json:"proof"`
	Error string        `json:"error,omitempty"`
}

// RemoteProver delegates proving to an HTTP service.
type RemoteProver struct {
	baseURL    string
	httpClient *http.Client
}

func NewRemoteProver(baseURL string, timeout time.Duration) *RemoteProver {
	return &RemoteProver{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Prove posts tx to the service. Transport failures and 5xx responses are network errors;
// a 4xx response is a permanent rejection.
func (p *RemoteProver) Prove(ctx context.Context, tx *types.ExecutedTransaction) (*types.ProvenTransaction, error) {
	body, err := json.Marshal(&proveRequest{Transaction: tx})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal prove request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+provePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create prove request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("prover %s: %w: %w", p.baseURL, clienterrors.ErrTimeout, err)
		}
		return nil, fmt.Errorf("prover %s: %w: %w", p.baseURL, clienterrors.ErrTransport, err)
	}
	defer httpResp.Body.Close()
	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("prover %s: read response: %w: %w", p.baseURL, clienterrors.ErrTransport, err)
	}

	var resp proveResponse
	_ = json.Unmarshal(respBody, &resp)
	switch {
	case httpResp.StatusCode >= 500:
		return nil, fmt.Errorf("prover %s: HTTP %d %s: %w", p.baseURL, httpResp.StatusCode, resp.Error, clienterrors.ErrRemote)
	case httpResp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("prover %s: HTTP %d %s: %w", p.baseURL, httpResp.StatusCode, resp.Error, clienterrors.ErrProofRejected)
	case len(resp.Proof) == 0:
		return nil, fmt.Errorf("prover %s: empty proof: %w", p.baseURL, clienterrors.ErrMalformedResponse)
	}
	log.Debug(log.ProverMonitoring, "Remote proof received", "tx", tx.ID, "duration", time.Since(start))
	return &types.ProvenTransaction{Transaction: *tx, Proof: resp.Proof}, nil
}

// Handler serves p at /prove with the protocol RemoteProver speaks.
func Handler(p Prover) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(provePath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(w).Encode(&proveResponse{Error: "method not allowed"})
			return
		}
		var req proveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Transaction == nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(&proveResponse{Error: "invalid prove request"})
			return
		}
		proven, err := p.Prove(r.Context(), req.Transaction)
		if err != nil {
			status := http.StatusInternalServerError
			if clienterrors.KindOf(err) == clienterrors.KindVerification {
				status = http.StatusUnprocessableEntity
			}
			log.Warn(log.ProverMonitoring, "Prove request failed", "tx", req.Transaction.ID, "err", err)
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(&proveResponse{Error: err.Error()})
			return
		}
		json.NewEncoder(w).Encode(&proveResponse{Proof: proven.Proof})
	})
	return mux
}
