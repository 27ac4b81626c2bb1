package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"tradeguard/observability"
)

// RPC method names exposed by the settlement node.
const (
	MethodCreateTrade   = "escrow_createTrade"
	MethodFund          = "escrow_fund"
	MethodRelease       = "escrow_release"
	MethodRefund        = "escrow_refund"
	MethodDispute       = "escrow_dispute"
	MethodConfirmations = "tx_confirmations"
)

// Transaction states reported by tx_confirmations.
const (
	TxStatusPending   = "pending"
	TxStatusConfirmed = "confirmed"
	TxStatusFailed    = "failed"
)

// RPCError is an error object returned by the node. It is never retried.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("ledger rpc %s error %d: %s", e.Method, e.Code, e.Message)
}

// RPCConfig configures the JSON-RPC adapter.
type RPCConfig struct {
	Endpoint          string
	AuthToken         string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	HTTPClient        *http.Client
}

// RPCAdapter implements Adapter against the settlement node's JSON-RPC API.
type RPCAdapter struct {
	endpoint    string
	authToken   string
	http        *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	initial     time.Duration
	maxBackoff  time.Duration
	nextID      atomic.Int64
	tracer      trace.Tracer
	metrics     *observability.LedgerMetrics
}

// NewRPCAdapter validates cfg and constructs the adapter.
func NewRPCAdapter(cfg RPCConfig) (*RPCAdapter, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("ledger: endpoint required")
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		if burst <= 0 {
			burst = 1
		}
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = 200 * time.Millisecond
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Second
	}
	return &RPCAdapter{
		endpoint:    endpoint,
		authToken:   strings.TrimSpace(cfg.AuthToken),
		http:        client,
		limiter:     rate.NewLimiter(limit, burst),
		maxAttempts: attempts,
		initial:     initial,
		maxBackoff:  maxBackoff,
		tracer:      otel.Tracer("tradeguard/ledger"),
		metrics:     observability.Ledger(),
	}, nil
}

type submitResult struct {
	TxRef string `json:"txRef"`
}

// CreateTrade implements Adapter.
func (a *RPCAdapter) CreateTrade(ctx context.Context, orderID, buyer, seller string, amount decimal.Decimal) (TxRef, error) {
	return a.submit(ctx, MethodCreateTrade, map[string]any{
		"orderId": orderID,
		"buyer":   buyer,
		"seller":  seller,
		"amount":  amount.String(),
	})
}

// FundEscrow implements Adapter.
func (a *RPCAdapter) FundEscrow(ctx context.Context, escrowID string, amount decimal.Decimal) (TxRef, error) {
	return a.submit(ctx, MethodFund, map[string]any{"escrowId": escrowID, "amount": amount.String()})
}

// ReleaseEscrow implements Adapter. A nil partial releases the full balance.
func (a *RPCAdapter) ReleaseEscrow(ctx context.Context, escrowID string, partial *decimal.Decimal) (TxRef, error) {
	params := map[string]any{"escrowId": escrowID}
	if partial != nil {
		params["amount"] = partial.String()
	}
	return a.submit(ctx, MethodRelease, params)
}

// RefundEscrow implements Adapter.
func (a *RPCAdapter) RefundEscrow(ctx context.Context, escrowID string) (TxRef, error) {
	return a.submit(ctx, MethodRefund, map[string]any{"escrowId": escrowID})
}

// DisputeEscrow implements Adapter.
func (a *RPCAdapter) DisputeEscrow(ctx context.Context, escrowID string, reasonHash common.Hash) (TxRef, error) {
	return a.submit(ctx, MethodDispute, map[string]any{"escrowId": escrowID, "reasonHash": reasonHash.Hex()})
}

type confirmationsResult struct {
	Confirmations int    `json:"confirmations"`
	Status        string `json:"status"`
}

// WaitForConfirmations polls until ref reaches the requested depth, fails, or
// ctx ends.
func (a *RPCAdapter) WaitForConfirmations(ctx context.Context, ref TxRef, confirmations int, pollInterval time.Duration) error {
	if confirmations <= 0 {
		return nil
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ctx, span := a.tracer.Start(ctx, "ledger.wait_confirmations", trace.WithAttributes(
		attribute.String("ledger.tx_ref", string(ref)),
		attribute.Int("ledger.confirmations", confirmations),
	))
	defer span.End()
	started := time.Now()
	defer func() { a.metrics.ObserveCall(MethodConfirmations, time.Since(started)) }()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		var res confirmationsResult
		err := a.call(ctx, MethodConfirmations, map[string]any{"txRef": string(ref)}, &res)
		switch {
		case err != nil:
			a.fail(span, MethodConfirmations, err)
			return err
		case res.Status == TxStatusFailed:
			err := fmt.Errorf("%w: %s", ErrTxFailed, ref)
			a.fail(span, MethodConfirmations, err)
			return err
		case res.Confirmations >= confirmations:
			return nil
		}
		select {
		case <-ctx.Done():
			a.fail(span, MethodConfirmations, ctx.Err())
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// submit sends a state-changing call. Every retry of one submission carries
// the same idempotency key so the node can discard duplicates.
func (a *RPCAdapter) submit(ctx context.Context, method string, params map[string]any) (TxRef, error) {
	ctx, span := a.tracer.Start(ctx, "ledger."+method)
	defer span.End()
	started := time.Now()
	defer func() { a.metrics.ObserveCall(method, time.Since(started)) }()

	params["idempotencyKey"] = uuid.NewString()
	var res submitResult
	if err := a.call(ctx, method, params, &res); err != nil {
		a.fail(span, method, err)
		return "", err
	}
	if strings.TrimSpace(res.TxRef) == "" {
		err := fmt.Errorf("ledger rpc %s returned empty txRef", method)
		a.fail(span, method, err)
		return "", err
	}
	span.SetAttributes(attribute.String("ledger.tx_ref", res.TxRef))
	return TxRef(res.TxRef), nil
}

func (a *RPCAdapter) fail(span trace.Span, method string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	reason := "transport"
	var rpcErr *RPCError
	switch {
	case errors.As(err, &rpcErr):
		reason = "rejected"
	case errors.Is(err, ErrTxFailed):
		reason = "tx_failed"
	case errors.Is(err, context.DeadlineExceeded):
		reason = "timeout"
	}
	a.metrics.RecordFailure(method, reason)
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int64  `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call performs one JSON-RPC exchange, retrying transport failures and 5xx
// responses with exponential backoff up to maxAttempts.
func (a *RPCAdapter) call(ctx context.Context, method string, params any, out any) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = a.initial
	policy.MaxInterval = a.maxBackoff
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(a.maxAttempts-1)), ctx)

	return backoff.Retry(func() error {
		if err := a.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := a.roundTrip(ctx, method, params, out)
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return backoff.Permanent(err)
		}
		return err
	}, retry)
}

func (a *RPCAdapter) roundTrip(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  []any{params},
		ID:      a.nextID.Add(1),
	})
	if err != nil {
		return backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.authToken)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("ledger rpc %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ledger rpc %s: status=%d body=%s", method, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &RPCError{Method: method, Code: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("ledger rpc %s: decode: %w", method, err)
	}
	if rpcResp.Error != nil {
		return &RPCError{Method: method, Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return backoff.Permanent(fmt.Errorf("ledger rpc %s returned empty result", method))
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return backoff.Permanent(fmt.Errorf("ledger rpc %s: decode result: %w", method, err))
	}
	return nil
}
