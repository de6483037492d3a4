package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/frame-engine/internal/model"
)

// HTTPRelay posts bundles to a relay service that owns the signing keys.
//
// Request:  {"transfers":[{"recipient":..,"amount":..}],"priority_fee":".."}
// Response: {"tx_id":".."} on 200; {"error":"..","code":".."} otherwise.
// A 402 status or code "reserve_exhausted" maps to ErrReserveExhausted.
type HTTPRelay struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPRelay creates a relay client. timeout bounds each submission.
func NewHTTPRelay(endpoint, apiKey string, timeout time.Duration) *HTTPRelay {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPRelay{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type relayRequest struct {
	Transfers   []model.Transfer `json:"transfers"`
	PriorityFee decimal.Decimal  `json:"priority_fee"`
}

type relayResponse struct {
	TxID  string `json:"tx_id"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Submit implements Submitter.
func (r *HTTPRelay) Submit(ctx context.Context, transfers []model.Transfer, priorityFee decimal.Decimal) (string, error) {
	body, err := json.Marshal(relayRequest{Transfers: transfers, PriorityFee: priorityFee})
	if err != nil {
		return "", fmt.Errorf("%w: encode bundle: %v", ErrSubmissionFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/transfers", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrSubmissionFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrSubmissionFailed, err)
	}

	var out relayResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode == http.StatusPaymentRequired || out.Code == "reserve_exhausted" {
		return "", fmt.Errorf("%w: %s", ErrReserveExhausted, out.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: relay status %d: %s", ErrSubmissionFailed, resp.StatusCode, out.Error)
	}
	if out.TxID == "" {
		return "", fmt.Errorf("%w: relay returned no tx id", ErrSubmissionFailed)
	}
	return out.TxID, nil
}

var _ Submitter = (*HTTPRelay)(nil)
