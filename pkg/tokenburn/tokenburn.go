// Package tokenburn talks to the merchant token service that burns branded
// tokens after a redemption is confirmed.
package tokenburn

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

	"github.com/ethereum/go-ethereum/common"
	"github.com/gojek/heimdall/v7"
	"github.com/gojek/heimdall/v7/httpclient"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"getonblockchain/pkg/config"
)

var Module = fx.Module("tokenburn", fx.Provide(ProvideBurner))

type BurnRequest struct {
	MemberID        string `json:"memberId"`
	MerchantID      string `json:"merchantId"`
	Amount          int64  `json:"amount"`
	Reason          string `json:"reason"`
	RelatedEntityID string `json:"relatedEntityId"`
}

type BurnResult struct {
	Success bool   `json:"success"`
	Amount  int64  `json:"amount,omitempty"`
	TxHash  string `json:"txHash,omitempty"`
}

//go:generate mockgen -destination=mock/burner.go -package=mock getonblockchain/pkg/tokenburn Burner

// Burner burns member tokens on behalf of a merchant.
type Burner interface {
	BurnTokens(ctx context.Context, req BurnRequest) (*BurnResult, error)
}

var ErrBurnRejected = errors.New("tokenburn: burn rejected")

// HeaderIdempotencyKey carries the redemption ID on every burn attempt.
const HeaderIdempotencyKey = "Idempotency-Key"

type Params struct {
	fx.In
	Config *config.Config
}

func ProvideBurner(p Params) Burner {
	ts := p.Config.TokenService
	if ts.URL == "" {
		zap.L().Info("token service not configured, token burns disabled")
		return NoopBurner{}
	}
	return NewHTTPBurner(ts.URL, ts.ApiKey, ts.Timeout)
}

// HTTPBurner posts burn requests to the token service.
type HTTPBurner struct {
	client  heimdall.Doer
	baseURL string
	apiKey  string
}

func NewHTTPBurner(baseURL, apiKey string, timeout time.Duration) *HTTPBurner {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	backoff := heimdall.NewConstantBackoff(100*time.Millisecond, 50*time.Millisecond)
	client := httpclient.NewClient(
		httpclient.WithHTTPTimeout(timeout),
		httpclient.WithRetryCount(2),
		httpclient.WithRetrier(heimdall.NewRetrier(backoff)),
	)

	return &HTTPBurner{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

// WithDoer swaps the underlying HTTP client.
func (b *HTTPBurner) WithDoer(d heimdall.Doer) *HTTPBurner {
	b.client = d
	return b
}

func (b *HTTPBurner) BurnTokens(ctx context.Context, req BurnRequest) (*BurnResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("tokenburn: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/tokens/burn", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tokenburn: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// Retries resend this key; the token service applies one burn per key.
	httpReq.Header.Set(HeaderIdempotencyKey, req.RelatedEntityID)
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tokenburn: call token service: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("tokenburn: read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%w: status %d: %s", ErrBurnRejected, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out BurnResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("tokenburn: decode response: %w", err)
	}
	if !out.Success {
		return nil, ErrBurnRejected
	}

	out.TxHash = normalizeTxHash(out.TxHash)
	if out.Amount == 0 {
		out.Amount = req.Amount
	}
	return &out, nil
}

// normalizeTxHash lowercases and 0x-prefixes a 32-byte hash. Anything else
// is returned unchanged.
func normalizeTxHash(h string) string {
	if len(common.FromHex(h)) != common.HashLength {
		return h
	}
	return common.HexToHash(h).Hex()
}

// NoopBurner reports that nothing was burned.
type NoopBurner struct{}

func (NoopBurner) BurnTokens(context.Context, BurnRequest) (*BurnResult, error) {
	return nil, nil
}

// FuncBurner adapts a callback to the Burner interface.
type FuncBurner func(ctx context.Context, req BurnRequest) (*BurnResult, error)

func (f FuncBurner) BurnTokens(ctx context.Context, req BurnRequest) (*BurnResult, error) {
	if f == nil {
		return nil, nil
	}
	return f(ctx, req)
}
