package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Client is a thin RPC wrapper over the facilitator's HTTP operations.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a Client pointed at a facilitator base URL (e.g.
// "http://localhost:8402").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

// Supported calls GET /supported for facilitator discovery.
func (c *Client) Supported(ctx context.Context) (*SupportedResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, VerifyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/supported", nil)
	if err != nil {
		return nil, err
	}
	var out SupportedResponse
	if err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("facilitator: supported: %w", err)
	}
	return &out, nil
}

// Verify calls POST /verify to check structural validity without broadcasting.
func (c *Client) Verify(ctx context.Context, unsignedTxBase64 string) (*VerifyResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, VerifyTimeout)
	defer cancel()

	body := VerifyRequest{Payment: Payment{Transaction: unsignedTxBase64}}
	req, err := c.jsonRequest(ctx, http.MethodPost, "/verify", body)
	if err != nil {
		return nil, err
	}
	var out VerifyResponse
	if err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("facilitator: verify: %w", err)
	}
	return &out, nil
}

// Settle calls POST /settle: the facilitator signs as fee-payer, broadcasts,
// and waits for confirmation before returning the signature. Retries on
// transport failure are safe — settlement is keyed by the transaction's
// inherent uniqueness (nonce + gas price), not by call count.
func (c *Client) Settle(ctx context.Context, unsignedTxBase64 string) (*SettleResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, SettleTimeout)
	defer cancel()

	body := SettleRequest{Payment: Payment{Transaction: unsignedTxBase64}}
	req, err := c.jsonRequest(ctx, http.MethodPost, "/settle", body)
	if err != nil {
		return nil, err
	}
	var out SettleResponse
	if err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("facilitator: settle: %w", err)
	}
	return &out, nil
}

// VerifyOnChain asks the facilitator to confirm a signature against an
// expected recipient and minor-unit amount; providers call this before
// serving a paid delivery.
func (c *Client) VerifyOnChain(ctx context.Context, req VerifyOnChainRequest) (*VerifyOnChainResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, VerifyTimeout)
	defer cancel()

	httpReq, err := c.jsonRequest(ctx, http.MethodPost, "/verify-onchain", req)
	if err != nil {
		return nil, err
	}
	var out VerifyOnChainResponse
	if err := c.do(httpReq, &out); err != nil {
		return nil, fmt.Errorf("facilitator: verify-onchain: %w", err)
	}
	return &out, nil
}

func (c *Client) jsonRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("facilitator: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
