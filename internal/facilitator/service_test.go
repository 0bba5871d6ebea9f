package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentmesh/internal/txbuilder"
	"github.com/mbd888/agentmesh/internal/wallet"
)

const (
	testPrivateKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	testUSDC       = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
)

// stubEthClient answers every receipt lookup with the same receipt, so tests
// don't need to predict the hash of a freshly signed transaction.
type stubEthClient struct {
	nonce      uint64
	sendErr    error
	receipt    *types.Receipt
	receiptErr error
	sent       []*types.Transaction
}

func (s *stubEthClient) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	return s.nonce, nil
}

func (s *stubEthClient) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (s *stubEthClient) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	return 65000, nil
}

func (s *stubEthClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, tx)
	return nil
}

func (s *stubEthClient) TransactionReceipt(_ context.Context, _ common.Hash) (*types.Receipt, error) {
	if s.receiptErr != nil {
		return nil, s.receiptErr
	}
	return s.receipt, nil
}

func (s *stubEthClient) CallContract(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return make([]byte, 32), nil
}

func (s *stubEthClient) NetworkID(_ context.Context) (*big.Int, error) {
	return big.NewInt(84532), nil
}

func (s *stubEthClient) Close() {}

func newTestService(t *testing.T, client wallet.EthClient) (*Service, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	w, err := wallet.New(wallet.Config{
		RPCURL:       "http://localhost:8545",
		PrivateKey:   testPrivateKey,
		ChainID:      84532,
		USDCContract: testUSDC,
	}, wallet.WithClient(client))
	require.NoError(t, err)

	svc := NewService(w, "base-sepolia", nil)
	router := gin.New()
	svc.RegisterRoutes(router)
	return svc, router
}

func encodeTestTransfer(t *testing.T) string {
	t.Helper()
	to := common.HexToAddress(testUSDC)
	tx := types.NewTransaction(0, to, big.NewInt(0), 65000, big.NewInt(1_000_000_000), []byte{0xa9, 0x05, 0x9c, 0xbb})
	encoded, err := txbuilder.EncodeUnsigned(tx)
	require.NoError(t, err)
	return encoded
}

func postJSON(t *testing.T, router *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSupported(t *testing.T) {
	_, router := newTestService(t, &stubEthClient{})

	req := httptest.NewRequest(http.MethodGet, "/supported", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp SupportedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.X402Version)
	assert.Equal(t, "base-sepolia", resp.Network)
	assert.NotEmpty(t, resp.FeePayerAddress)
	assert.Contains(t, resp.SupportedTokens, "USDC")
}

func TestVerifyStructural(t *testing.T) {
	_, router := newTestService(t, &stubEthClient{})

	rec := postJSON(t, router, "/verify", VerifyRequest{Payment: Payment{Transaction: encodeTestTransfer(t)}})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp VerifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.IsValid)

	rec = postJSON(t, router, "/verify", VerifyRequest{Payment: Payment{Transaction: "not base64!"}})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.IsValid)
	assert.NotEmpty(t, resp.Message)
}

func TestSettleSuccess(t *testing.T) {
	client := &stubEthClient{
		nonce:   3,
		receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100)},
	}
	_, router := newTestService(t, client)

	rec := postJSON(t, router, "/settle", SettleRequest{Payment: Payment{Transaction: encodeTestTransfer(t)}})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SettleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.TransactionSignature)
	assert.Equal(t, "base-sepolia", resp.Network)
	require.Len(t, client.sent, 1)
	assert.Equal(t, uint64(3), client.sent[0].Nonce())
}

func TestSettleBroadcastFailure(t *testing.T) {
	client := &stubEthClient{sendErr: errors.New("insufficient funds for gas")}
	_, router := newTestService(t, client)

	rec := postJSON(t, router, "/settle", SettleRequest{Payment: Payment{Transaction: encodeTestTransfer(t)}})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SettleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
	assert.Empty(t, resp.TransactionSignature)
}

func TestSettleMalformedTransaction(t *testing.T) {
	_, router := newTestService(t, &stubEthClient{})

	rec := postJSON(t, router, "/settle", SettleRequest{Payment: Payment{Transaction: "garbage"}})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SettleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
}

func TestVerifyOnChain(t *testing.T) {
	recipient := common.HexToAddress("0x2222222222222222222222222222222222222222")
	transferSig := common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")
	amount := make([]byte, 32)
	big.NewInt(150).FillBytes(amount)

	client := &stubEthClient{
		receipt: &types.Receipt{
			Status: types.ReceiptStatusSuccessful,
			Logs: []*types.Log{{
				Address: common.HexToAddress(testUSDC),
				Topics: []common.Hash{
					transferSig,
					common.BytesToHash(common.HexToAddress("0x1111111111111111111111111111111111111111").Bytes()),
					common.BytesToHash(recipient.Bytes()),
				},
				Data: amount,
			}},
		},
	}
	_, router := newTestService(t, client)

	rec := postJSON(t, router, "/verify-onchain", VerifyOnChainRequest{
		Signature:          "0xabc",
		ExpectedRecipient:  recipient.Hex(),
		ExpectedMinorUnits: "150",
		Network:            "base-sepolia",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp VerifyOnChainResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Confirmed)

	// A larger expected amount than the transfer carried is rejected.
	rec = postJSON(t, router, "/verify-onchain", VerifyOnChainRequest{
		Signature:          "0xabc",
		ExpectedRecipient:  recipient.Hex(),
		ExpectedMinorUnits: "151",
		Network:            "base-sepolia",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Confirmed)
}

func TestClientAgainstService(t *testing.T) {
	client := &stubEthClient{
		nonce:   0,
		receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1)},
	}
	_, router := newTestService(t, client)
	srv := httptest.NewServer(router)
	defer srv.Close()

	fc := NewClient(srv.URL)

	supported, err := fc.Supported(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "base-sepolia", supported.Network)

	verify, err := fc.Verify(context.Background(), encodeTestTransfer(t))
	require.NoError(t, err)
	assert.True(t, verify.IsValid)

	settled, err := fc.Settle(context.Background(), encodeTestTransfer(t))
	require.NoError(t, err)
	assert.True(t, settled.Success)
	assert.NotEmpty(t, settled.TransactionSignature)
}
