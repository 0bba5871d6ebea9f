package txbuilder

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	nonce    uint64
	gasPrice *big.Int
	gasLimit uint64
	gasErr   error
	balance  *big.Int
}

func (f *fakeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}

func (f *fakeClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if f.gasErr != nil {
		return 0, f.gasErr
	}
	return f.gasLimit, nil
}

func (f *fakeClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	buf := make([]byte, 32)
	f.balance.FillBytes(buf)
	return buf, nil
}

func (f *fakeClient) NetworkID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(84532), nil
}

func newTestBuilder(t *testing.T, client EthClient) *Builder {
	t.Helper()
	b, err := NewWithClient(client, Config{
		ChainID:   84532,
		TokenMint: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	})
	require.NoError(t, err)
	return b
}

func TestBuildTransfer_Success(t *testing.T) {
	client := &fakeClient{nonce: 7, gasPrice: big.NewInt(1_000_000_000), gasLimit: 65000, balance: big.NewInt(1_000_000)}
	b := newTestBuilder(t, client)

	payer := common.HexToAddress("0x1111111111111111111111111111111111111111")
	recipient := common.HexToAddress("0x2222222222222222222222222222222222222222")

	utx, err := b.BuildTransfer(context.Background(), payer, recipient, big.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), utx.Nonce)
	assert.Equal(t, recipient, utx.Recipient)
	assert.Equal(t, big.NewInt(100), utx.AmountMinor)
	assert.NotNil(t, utx.Tx)
}

func TestBuildTransfer_InsufficientBalance(t *testing.T) {
	client := &fakeClient{nonce: 1, gasPrice: big.NewInt(1), gasLimit: 21000, balance: big.NewInt(10)}
	b := newTestBuilder(t, client)

	payer := common.HexToAddress("0x1111111111111111111111111111111111111111")
	recipient := common.HexToAddress("0x2222222222222222222222222222222222222222")

	_, err := b.BuildTransfer(context.Background(), payer, recipient, big.NewInt(100))
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestBuildTransfer_RejectsNonPositiveAmount(t *testing.T) {
	client := &fakeClient{nonce: 1, gasPrice: big.NewInt(1), gasLimit: 21000, balance: big.NewInt(1000)}
	b := newTestBuilder(t, client)

	payer := common.HexToAddress("0x1111111111111111111111111111111111111111")
	recipient := common.HexToAddress("0x2222222222222222222222222222222222222222")

	_, err := b.BuildTransfer(context.Background(), payer, recipient, big.NewInt(0))
	assert.Error(t, err)
}

func TestEncodeDecodeUnsignedRoundTrip(t *testing.T) {
	client := &fakeClient{nonce: 3, gasPrice: big.NewInt(2_000_000_000), gasLimit: 65000, balance: big.NewInt(1_000_000)}
	b := newTestBuilder(t, client)

	payer := common.HexToAddress("0x1111111111111111111111111111111111111111")
	recipient := common.HexToAddress("0x2222222222222222222222222222222222222222")

	utx, err := b.BuildTransfer(context.Background(), payer, recipient, big.NewInt(250))
	require.NoError(t, err)

	encoded, err := EncodeUnsigned(utx.Tx)
	require.NoError(t, err)
	assert.NotEmpty(t, encoded)

	decoded, err := DecodeUnsigned(encoded)
	require.NoError(t, err)
	assert.Equal(t, utx.Tx.Nonce(), decoded.Nonce())
	assert.Equal(t, utx.Tx.Data(), decoded.Data())
}
