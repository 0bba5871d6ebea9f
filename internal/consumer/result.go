package consumer

import "encoding/json"

// ErrorKind discriminates the ways a procurement run can end short of a
// rated delivery.
type ErrorKind string

const (
	KindNone                       ErrorKind = ""
	KindNoBids                     ErrorKind = "no_bids"
	KindBudgetExceeded             ErrorKind = "budget_exceeded"
	KindSettlementFailed           ErrorKind = "settlement_failed"
	KindPaymentRejected            ErrorKind = "payment_rejected"
	KindDeliveryFailedAfterPayment ErrorKind = "delivery_failed_after_payment"
	KindUpstreamUnavailable        ErrorKind = "upstream_unavailable"
	KindTimeout                    ErrorKind = "timeout"
)

// Result is the discriminated outcome of one decision-loop run. Signature is
// populated whenever a payment settled on chain, regardless of what failed
// afterwards — a settled payment is never silently dropped.
type Result struct {
	OK        bool            `json:"ok"`
	ErrorKind ErrorKind       `json:"error_kind,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Signature string          `json:"signature,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`

	RFPID        string `json:"rfp_id,omitempty"`
	WinnerBidID  string `json:"winner_bid_id,omitempty"`
	AssignmentID string `json:"assignment_id,omitempty"`
	ProviderID   string `json:"provider_id,omitempty"`
	PriceUSDC    string `json:"price_usdc,omitempty"`
	Stars        int    `json:"stars,omitempty"`
	LatencyMs    int64  `json:"latency_ms,omitempty"`
}

func failure(kind ErrorKind, reason string) *Result {
	return &Result{OK: false, ErrorKind: kind, Reason: reason}
}
