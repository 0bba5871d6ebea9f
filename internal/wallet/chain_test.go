package wallet

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPrivateKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

// fakeEthClient is a scriptable EthClient for tests that never touch a real
// node.
type fakeEthClient struct {
	nonce      uint64
	nonceErr   error
	gasPrice   *big.Int
	sent       []*types.Transaction
	sendErr    error
	receipts   map[common.Hash]*types.Receipt
	callResult []byte
	networkID  *big.Int
}

func (f *fakeEthClient) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	return f.nonce, f.nonceErr
}

func (f *fakeEthClient) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	if f.gasPrice == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return f.gasPrice, nil
}

func (f *fakeEthClient) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	return 65000, nil
}

func (f *fakeEthClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeEthClient) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, errors.New("not found")
	}
	return r, nil
}

func (f *fakeEthClient) CallContract(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return f.callResult, nil
}

func (f *fakeEthClient) NetworkID(_ context.Context) (*big.Int, error) {
	if f.networkID == nil {
		return big.NewInt(84532), nil
	}
	return f.networkID, nil
}

func (f *fakeEthClient) Close() {}

func newTestWallet(t *testing.T, client EthClient) *Wallet {
	t.Helper()
	w, err := New(Config{
		RPCURL:       "http://localhost:8545",
		PrivateKey:   testPrivateKey,
		ChainID:      84532,
		USDCContract: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	}, WithClient(client))
	require.NoError(t, err)
	return w
}

func TestSignAndSend(t *testing.T) {
	client := &fakeEthClient{nonce: 7}
	w := newTestWallet(t, client)

	to := common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	unsigned := types.NewTransaction(0, to, big.NewInt(0), 65000, big.NewInt(1_000_000_000), []byte{0x01})

	result, err := w.SignAndSend(context.Background(), unsigned)
	require.NoError(t, err)
	require.Len(t, client.sent, 1)

	sent := client.sent[0]
	assert.Equal(t, uint64(7), sent.Nonce(), "stale nonce must be replaced with the signer's pending nonce")
	assert.Equal(t, sent.Hash().Hex(), result.TxHash)
	assert.Equal(t, w.Address(), result.From)

	// Signature must recover to the wallet's own address.
	signer := types.NewEIP155Signer(big.NewInt(84532))
	from, err := types.Sender(signer, sent)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), from.Hex())
}

func TestSignAndSendNonceFailure(t *testing.T) {
	client := &fakeEthClient{nonceErr: errors.New("rpc down")}
	w := newTestWallet(t, client)

	to := common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	unsigned := types.NewTransaction(0, to, big.NewInt(0), 65000, big.NewInt(1), nil)

	_, err := w.SignAndSend(context.Background(), unsigned)
	require.Error(t, err)
	var terr *TransferError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "nonce", terr.Op)
}

func transferLog(contract, to common.Address, amount *big.Int) *types.Log {
	transferSig := common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")
	data := make([]byte, 32)
	amount.FillBytes(data)
	return &types.Log{
		Address: contract,
		Topics: []common.Hash{
			transferSig,
			common.BytesToHash(common.HexToAddress("0x1111111111111111111111111111111111111111").Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: data,
	}
}

func TestVerifyTransfer(t *testing.T) {
	contract := common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	recipient := common.HexToAddress("0x2222222222222222222222222222222222222222")
	txHash := common.HexToHash("0xabc1")

	client := &fakeEthClient{receipts: map[common.Hash]*types.Receipt{
		txHash: {
			Status: types.ReceiptStatusSuccessful,
			Logs:   []*types.Log{transferLog(contract, recipient, big.NewInt(150))},
		},
	}}
	w := newTestWallet(t, client)

	ok, err := w.VerifyTransfer(context.Background(), recipient.Hex(), big.NewInt(150), txHash.Hex())
	require.NoError(t, err)
	assert.True(t, ok)

	// Amount below the expected minimum fails.
	ok, err = w.VerifyTransfer(context.Background(), recipient.Hex(), big.NewInt(151), txHash.Hex())
	require.NoError(t, err)
	assert.False(t, ok)

	// Wrong recipient fails.
	ok, err = w.VerifyTransfer(context.Background(), "0x3333333333333333333333333333333333333333", big.NewInt(150), txHash.Hex())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyTransferRevertedTx(t *testing.T) {
	contract := common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	recipient := common.HexToAddress("0x2222222222222222222222222222222222222222")
	txHash := common.HexToHash("0xabc2")

	client := &fakeEthClient{receipts: map[common.Hash]*types.Receipt{
		txHash: {
			Status: types.ReceiptStatusFailed,
			Logs:   []*types.Log{transferLog(contract, recipient, big.NewInt(150))},
		},
	}}
	w := newTestWallet(t, client)

	ok, err := w.VerifyTransfer(context.Background(), recipient.Hex(), big.NewInt(150), txHash.Hex())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyTransferUnknownTx(t *testing.T) {
	client := &fakeEthClient{receipts: map[common.Hash]*types.Receipt{}}
	w := newTestWallet(t, client)

	_, err := w.VerifyTransfer(context.Background(), "0x2222222222222222222222222222222222222222", big.NewInt(1), common.HexToHash("0xdead").Hex())
	require.Error(t, err)
}
