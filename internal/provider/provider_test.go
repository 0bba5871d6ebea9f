package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentmesh/internal/facilitator"
	"github.com/mbd888/agentmesh/pkg/x402"
)

const providerWallet = "0x2222222222222222222222222222222222222222"

// fakeFacilitator answers /verify-onchain with a scripted verdict.
type fakeFacilitator struct {
	confirmed bool
	requests  int
}

func (f *fakeFacilitator) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/verify-onchain", func(w http.ResponseWriter, r *http.Request) {
		f.requests++
		_ = json.NewEncoder(w).Encode(facilitator.VerifyOnChainResponse{
			Confirmed: f.confirmed,
			Reason:    "scripted",
		})
	})
	return httptest.NewServer(mux)
}

func newTestProvider(t *testing.T, facilitatorURL string) (*Provider, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	p := New(Config{
		AgentID:        "p1",
		Name:           "price-provider",
		WalletAddress:  providerWallet,
		Capabilities:   []string{"price_data"},
		Pricing:        map[string]string{"price_data": "0.000100"},
		Network:        "base-sepolia",
		TokenMint:      "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		FacilitatorURL: facilitatorURL,
	}, ServiceHandlerFunc(func(_ context.Context, _ []byte) (interface{}, error) {
		return map[string]string{"symbol": "SOL/USDC", "price": "147.25"}, nil
	}), nil)

	router := gin.New()
	p.RegisterRoutes(router)
	return p, router
}

func deliver(t *testing.T, router *gin.Engine, body interface{}, paymentHeader string) *httptest.ResponseRecorder {
	t.Helper()
	var data []byte
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(http.MethodPost, "/deliver", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if paymentHeader != "" {
		req.Header.Set(x402.HeaderName, paymentHeader)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func proofHeader(t *testing.T, signature string) string {
	t.Helper()
	h, err := x402.EncodeHeader(x402.PaymentResponse{Signature: signature, Network: "base-sepolia"})
	require.NoError(t, err)
	return h
}

func TestDeliverIssuesChallenge(t *testing.T) {
	fac := &fakeFacilitator{confirmed: true}
	srv := fac.server()
	defer srv.Close()

	_, router := newTestProvider(t, srv.URL)

	rec := deliver(t, router, map[string]string{"task_type": "price_data"}, "")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var challenge x402.Challenge
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &challenge))
	assert.Equal(t, providerWallet, challenge.Recipient)
	assert.Equal(t, "0.000100", challenge.AmountHuman)
	assert.Equal(t, int64(100), challenge.AmountMinor)
	assert.Equal(t, srv.URL, challenge.FacilitatorURL)
	assert.NotEmpty(t, challenge.Nonce)
	assert.True(t, challenge.ExpiresAt.After(time.Now()))
	assert.Zero(t, fac.requests, "no payment header means no on-chain lookup")
}

func TestDeliverUnknownCapability(t *testing.T) {
	fac := &fakeFacilitator{confirmed: true}
	srv := fac.server()
	defer srv.Close()

	_, router := newTestProvider(t, srv.URL)
	rec := deliver(t, router, map[string]string{"task_type": "weather"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeliverAcceptsVerifiedPayment(t *testing.T) {
	fac := &fakeFacilitator{confirmed: true}
	srv := fac.server()
	defer srv.Close()

	_, router := newTestProvider(t, srv.URL)

	rec := deliver(t, router, nil, proofHeader(t, "0xsig1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		ServiceData      map[string]string `json:"service_data"`
		PaymentSignature string            `json:"payment_signature"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "SOL/USDC", resp.ServiceData["symbol"])
	assert.Equal(t, "0xsig1", resp.PaymentSignature)
	assert.Equal(t, 1, fac.requests)
}

func TestDeliverRejectsReplay(t *testing.T) {
	fac := &fakeFacilitator{confirmed: true}
	srv := fac.server()
	defer srv.Close()

	_, router := newTestProvider(t, srv.URL)

	first := deliver(t, router, nil, proofHeader(t, "0xsig2"))
	require.Equal(t, http.StatusOK, first.Code)

	second := deliver(t, router, nil, proofHeader(t, "0xsig2"))
	require.Equal(t, http.StatusPaymentRequired, second.Code)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &body))
	assert.Equal(t, "signature_already_used", body.Error)
	assert.Equal(t, 1, fac.requests, "a replayed signature never reaches the chain check")
}

func TestDeliverRejectsUnverifiedPayment(t *testing.T) {
	fac := &fakeFacilitator{confirmed: false}
	srv := fac.server()
	defer srv.Close()

	p, router := newTestProvider(t, srv.URL)

	rec := deliver(t, router, nil, proofHeader(t, "0xsig3"))
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "payment_not_found_or_insufficient", body.Error)

	// A failed verification must not burn the signature: once the payment
	// confirms, a retry with the same signature succeeds.
	fac.confirmed = true
	rec = deliver(t, router, nil, proofHeader(t, "0xsig3"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, p.replay.size())
}

func TestDeliverMalformedPaymentHeader(t *testing.T) {
	fac := &fakeFacilitator{confirmed: true}
	srv := fac.server()
	defer srv.Close()

	_, router := newTestProvider(t, srv.URL)
	rec := deliver(t, router, nil, "{not json")
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Zero(t, fac.requests)
}

func TestReplayCacheExpiry(t *testing.T) {
	cache := newReplayCache(30 * time.Millisecond)

	require.True(t, cache.reserve("sig"))
	require.False(t, cache.reserve("sig"))

	time.Sleep(50 * time.Millisecond)
	evicted := cache.sweep(time.Now())
	assert.Equal(t, 1, evicted)
	assert.True(t, cache.reserve("sig"), "expired signatures may be reserved again")
}

func TestReplayCacheRelease(t *testing.T) {
	cache := newReplayCache(time.Minute)
	require.True(t, cache.reserve("sig"))
	cache.release("sig")
	assert.True(t, cache.reserve("sig"))
}
