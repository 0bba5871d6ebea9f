package x402

import (
	"bytes"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIs402Response(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		want       bool
	}{
		{"402 response", http.StatusPaymentRequired, true},
		{"200 response", http.StatusOK, false},
		{"500 response", http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{StatusCode: tt.statusCode}
			assert.Equal(t, tt.want, Is402Response(resp))
		})
	}
}

func TestParseChallenge(t *testing.T) {
	body := `{"recipient":"0x1234","amount_human":"0.0001","amount_minor":100,
		"token_mint":"0xusdc","network":"base-sepolia",
		"facilitator_url":"http://localhost:8402","nonce":"abc",
		"expires_at":"2026-01-01T00:00:00Z"}`

	resp := &http.Response{
		StatusCode: http.StatusPaymentRequired,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}

	ch, err := ParseChallenge(resp)
	require.NoError(t, err)
	assert.Equal(t, "0x1234", ch.Recipient)
	assert.Equal(t, int64(100), ch.AmountMinor)
	assert.Equal(t, "base-sepolia", ch.Network)
}

func TestParseChallenge_NotA402(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewBufferString(`{}`)),
	}
	_, err := ParseChallenge(resp)
	assert.Error(t, err)
}

func TestChallenge_Expired(t *testing.T) {
	past := Challenge{ExpiresAt: time.Now().Add(-time.Minute)}
	future := Challenge{ExpiresAt: time.Now().Add(time.Minute)}
	zero := Challenge{}

	assert.True(t, past.Expired())
	assert.False(t, future.Expired())
	assert.False(t, zero.Expired())
}

func TestEncodeDecodeHeader(t *testing.T) {
	header, err := EncodeHeader(PaymentResponse{Signature: "0xsig", Network: "base-sepolia"})
	require.NoError(t, err)
	assert.Contains(t, header, "0xsig")

	pr, err := DecodeHeader(header)
	require.NoError(t, err)
	assert.Equal(t, "0xsig", pr.Signature)
	assert.Equal(t, "base-sepolia", pr.Network)
}

func TestDecodeHeader_MissingSignature(t *testing.T) {
	_, err := DecodeHeader(`{"network":"base-sepolia"}`)
	assert.Error(t, err)
}

func TestDecodeHeader_Malformed(t *testing.T) {
	_, err := DecodeHeader(`not-json`)
	assert.Error(t, err)
}
