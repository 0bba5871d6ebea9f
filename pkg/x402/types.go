// Package x402 implements the payment-gated HTTP request protocol: parsing
// a provider's 402 challenge, building and settling a payment through a
// trusted facilitator, and retrying the request with signature-backed proof.
package x402

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Challenge is the body a provider returns on a 402 Payment Required
// response.
type Challenge struct {
	Recipient      string    `json:"recipient"`
	AmountHuman    string    `json:"amount_human"`
	AmountMinor    int64     `json:"amount_minor"`
	TokenMint      string    `json:"token_mint"`
	Network        string    `json:"network"`
	FacilitatorURL string    `json:"facilitator_url"`
	Nonce          string    `json:"nonce"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired reports whether the challenge's nonce is no longer usable.
func (c *Challenge) Expired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// PaymentResponse is the value carried in the X-Payment-Response retry
// header once a payment has settled.
type PaymentResponse struct {
	Signature string `json:"signature"`
	Network   string `json:"network"`
}

// HeaderName is the header a client sets on its retry and a provider reads
// to locate proof of payment.
const HeaderName = "X-Payment-Response"

// EncodeHeader serializes a PaymentResponse for the X-Payment-Response header.
func EncodeHeader(pr PaymentResponse) (string, error) {
	data, err := json.Marshal(pr)
	if err != nil {
		return "", fmt.Errorf("x402: marshal payment response: %w", err)
	}
	return string(data), nil
}

// DecodeHeader parses the X-Payment-Response header value a provider
// receives on a retried request.
func DecodeHeader(value string) (*PaymentResponse, error) {
	var pr PaymentResponse
	if err := json.Unmarshal([]byte(value), &pr); err != nil {
		return nil, fmt.Errorf("x402: decode payment response header: %w", err)
	}
	if pr.Signature == "" {
		return nil, fmt.Errorf("x402: payment response header missing signature")
	}
	return &pr, nil
}

// Is402Response reports whether an HTTP response is a 402 Payment Required.
func Is402Response(resp *http.Response) bool {
	return resp.StatusCode == http.StatusPaymentRequired
}

// ParseChallenge extracts the payment challenge from a 402 response body.
func ParseChallenge(resp *http.Response) (*Challenge, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("x402: not a 402 response: got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("x402: read challenge body: %w", err)
	}

	var ch Challenge
	if err := json.Unmarshal(body, &ch); err != nil {
		return nil, fmt.Errorf("x402: parse challenge: %w", err)
	}
	return &ch, nil
}
