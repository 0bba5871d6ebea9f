// Package facilitator implements both sides of the facilitator trust
// boundary: an HTTP Client that a consumer's x402 client calls to settle
// payments, and an HTTP Service that wraps internal/wallet.Wallet as the
// only signer in the marketplace. The facilitator co-signs as fee-payer and
// broadcasts; no other process ever holds a private key.
package facilitator

import "time"

// VerifyTimeout and SettleTimeout are the fixed client-side timeouts for the
// two settlement operations.
const (
	VerifyTimeout = 5 * time.Second
	SettleTimeout = 30 * time.Second
)

// SupportedResponse answers GET /supported.
type SupportedResponse struct {
	X402Version     int      `json:"x402Version"`
	Scheme          string   `json:"scheme"`
	Network         string   `json:"network"`
	FeePayerAddress string   `json:"feePayer_pubkey"`
	SupportedTokens []string `json:"supportedTokens"`
}

// Payment wraps the base64-encoded unsigned or signed transaction carried in
// /verify and /settle request bodies.
type Payment struct {
	Transaction string `json:"transaction"`
}

// VerifyRequest is the POST /verify body.
type VerifyRequest struct {
	Payment Payment `json:"payment"`
}

// VerifyResponse answers POST /verify: structural validity without
// broadcasting.
type VerifyResponse struct {
	IsValid bool   `json:"isValid"`
	Message string `json:"message,omitempty"`
}

// SettleRequest is the POST /settle body.
type SettleRequest struct {
	Payment Payment `json:"payment"`
}

// SettleResponse answers POST /settle: the facilitator signs as fee-payer,
// broadcasts, waits for confirmation, and returns the signature.
type SettleResponse struct {
	Success              bool   `json:"success"`
	TransactionSignature string `json:"transactionSignature,omitempty"`
	Network              string `json:"network,omitempty"`
	Error                string `json:"error,omitempty"`
}

// VerifyOnChainRequest asks the facilitator to confirm an already-broadcast
// payment against an expected recipient and amount. Providers use it to
// validate proof-of-payment, since only the facilitator process holds a
// ledger client.
type VerifyOnChainRequest struct {
	Signature          string `json:"signature"`
	ExpectedRecipient  string `json:"expected_recipient"`
	ExpectedMinorUnits string `json:"expected_minor_units"`
	Network            string `json:"network"`
}

// VerifyOnChainResponse answers the on-chain confirmation check.
type VerifyOnChainResponse struct {
	Confirmed bool   `json:"confirmed"`
	Reason    string `json:"reason,omitempty"`
}
