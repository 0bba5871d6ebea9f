package x402

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/agentmesh/internal/facilitator"
	"github.com/mbd888/agentmesh/internal/txbuilder"
)

// Error kinds for the payment-gated request flow.
var (
	// ErrBudgetExceeded is returned when a challenge's amount exceeds the
	// caller-supplied ceiling; no transaction is built.
	ErrBudgetExceeded = errors.New("x402: challenge amount exceeds max")
	// ErrSettlementFailed is returned when the facilitator's /settle call
	// reports failure. No retry with proof is attempted.
	ErrSettlementFailed = errors.New("x402: facilitator settlement failed")
	// ErrPaymentRejected is returned when the provider answers a retry that
	// carries proof with a second 402 — a terminal condition.
	ErrPaymentRejected = errors.New("x402: provider rejected proof of payment")
	// ErrProviderError is returned when the retry succeeds in settling
	// payment but the provider's response is a non-402 4xx/5xx.
	ErrProviderError = errors.New("x402: provider error after payment")
)

// PaymentError wraps a failure from the payment-gated flow. Signature is set
// whenever a payment settled on-chain before the failure occurred, so a
// caller never silently drops a paid-for transaction.
type PaymentError struct {
	Kind      error
	Signature string
	Network   string
	Err       error
}

func (e *PaymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return e.Kind.Error()
}

func (e *PaymentError) Unwrap() error { return e.Kind }

// Result is the outcome of a successful payment-gated request.
type Result struct {
	Response  *http.Response
	Signature string // empty if the request never needed payment
	Network   string
}

// Client performs payment-gated HTTP requests. It never holds a signing key
// itself: it builds an unsigned transaction against the facilitator's
// advertised fee-payer account and hands it to the facilitator to
// countersign and broadcast, so the consumer stays gasless and keyless.
type Client struct {
	httpClient *http.Client
	builder    *txbuilder.Builder

	mu          sync.Mutex
	facilitator map[string]*facilitator.Client // keyed by facilitator_url, one client per facilitator seen
}

// NewClient returns a Client that builds unsigned transactions with builder
// and settles them through whichever facilitator a challenge names.
func NewClient(builder *txbuilder.Builder) *Client {
	return &Client{
		httpClient:  &http.Client{},
		builder:     builder,
		facilitator: make(map[string]*facilitator.Client),
	}
}

func (c *Client) facilitatorFor(baseURL string) *facilitator.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fc, ok := c.facilitator[baseURL]; ok {
		return fc
	}
	fc := facilitator.NewClient(baseURL)
	c.facilitator[baseURL] = fc
	return fc
}

// Do executes the payment-gated request state machine: issue the request;
// on 402, parse the challenge, build and settle a payment, and retry once
// with proof; a second 402 aborts.
//
// maxAmountMinor bounds the amount the client will pay; a challenge above it
// yields ErrBudgetExceeded before any transaction is built.
func (c *Client) Do(ctx context.Context, method, url string, body []byte, maxAmountMinor *big.Int) (*Result, error) {
	resp, err := c.issue(ctx, method, url, body, nil)
	if err != nil {
		return nil, fmt.Errorf("x402: request: %w", err)
	}

	if !Is402Response(resp) {
		return &Result{Response: resp}, nil
	}

	challenge, err := ParseChallenge(resp)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("x402: parse challenge: %w", err)
	}

	amount := big.NewInt(challenge.AmountMinor)
	if maxAmountMinor != nil && amount.Cmp(maxAmountMinor) > 0 {
		return nil, &PaymentError{Kind: ErrBudgetExceeded, Err: fmt.Errorf("amount %s exceeds max %s", amount, maxAmountMinor)}
	}

	signature, network, err := c.settle(ctx, challenge, amount)
	if err != nil {
		var settleErr *PaymentError
		if errors.As(err, &settleErr) {
			return nil, settleErr
		}
		return nil, &PaymentError{Kind: ErrSettlementFailed, Err: err}
	}

	proofHeader, err := EncodeHeader(PaymentResponse{Signature: signature, Network: network})
	if err != nil {
		return nil, &PaymentError{Kind: ErrSettlementFailed, Signature: signature, Network: network, Err: err}
	}

	retryResp, err := c.issue(ctx, method, url, body, map[string]string{HeaderName: proofHeader})
	if err != nil {
		// Payment settled but the retry never reached the provider — the
		// caller must still see the signature.
		return nil, &PaymentError{Kind: ErrProviderError, Signature: signature, Network: network, Err: err}
	}

	// A second 402 after presenting proof is terminal, never retried.
	if Is402Response(retryResp) {
		_ = retryResp.Body.Close()
		return nil, &PaymentError{Kind: ErrPaymentRejected, Signature: signature, Network: network}
	}

	if retryResp.StatusCode >= 400 {
		return nil, &PaymentError{Kind: ErrProviderError, Signature: signature, Network: network,
			Err: fmt.Errorf("provider responded %d", retryResp.StatusCode)}
	}

	return &Result{Response: retryResp, Signature: signature, Network: network}, nil
}

// settle builds an unsigned transfer against the facilitator's advertised
// fee-payer account and asks the facilitator to countersign and broadcast it.
func (c *Client) settle(ctx context.Context, challenge *Challenge, amount *big.Int) (signature, network string, err error) {
	fc := c.facilitatorFor(challenge.FacilitatorURL)

	supported, err := fc.Supported(ctx)
	if err != nil {
		return "", "", fmt.Errorf("discover facilitator: %w", err)
	}

	payer := common.HexToAddress(supported.FeePayerAddress)
	recipient := common.HexToAddress(challenge.Recipient)

	unsigned, err := c.builder.BuildTransfer(ctx, payer, recipient, amount)
	if err != nil {
		return "", "", fmt.Errorf("build transfer: %w", err)
	}

	encoded, err := txbuilder.EncodeUnsigned(unsigned.Tx)
	if err != nil {
		return "", "", fmt.Errorf("encode transfer: %w", err)
	}

	settled, err := fc.Settle(ctx, encoded)
	if err != nil {
		return "", "", fmt.Errorf("settle: %w", err)
	}
	if !settled.Success {
		return "", "", &PaymentError{Kind: ErrSettlementFailed, Network: settled.Network, Err: errors.New(settled.Error)}
	}

	return settled.TransactionSignature, settled.Network, nil
}

func (c *Client) issue(ctx context.Context, method, url string, body []byte, headers map[string]string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.httpClient.Do(req)
}
