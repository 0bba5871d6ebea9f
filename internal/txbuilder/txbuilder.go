// Package txbuilder constructs unsigned ERC-20 transfer transactions for the
// x402 payment flow. It factors out the unsigned half of internal/wallet's
// Transfer — resolving accounts, fetching nonce/gas-price freshness, and
// packing transfer calldata — so a consumer can hand a ready-to-sign
// transaction to the facilitator without ever touching a private key.
package txbuilder

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	// ErrRecipientAccountMissing indicates the recipient has no resolvable
	// token account on chain (an ERC-20 balance is always resolvable by
	// address, so this is reserved for future token standards that require
	// an explicit associated account).
	ErrRecipientAccountMissing = errors.New("txbuilder: recipient account missing")
	// ErrInsufficientBalance is returned by the best-effort pre-check.
	ErrInsufficientBalance = errors.New("txbuilder: payer balance insufficient for transfer")
	// ErrRPCUnavailable wraps any failure to reach the ledger's JSON-RPC.
	ErrRPCUnavailable = errors.New("txbuilder: ledger RPC unavailable")
)

const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// DefaultGasLimit is used when gas estimation fails or is skipped.
const DefaultGasLimit = uint64(100000)

// EthClient is the subset of ethclient.Client the builder needs. Accepting an
// interface lets callers inject a fake RPC in tests.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	NetworkID(ctx context.Context) (*big.Int, error)
}

// Builder constructs unsigned payment transactions against one ERC-20
// stablecoin contract on one chain.
type Builder struct {
	client      EthClient
	chainID     *big.Int
	tokenMint   common.Address
	tokenABI    abi.ABI
	skipBalance bool // set true in tests that don't stub CallContract
}

// Config configures a Builder.
type Config struct {
	RPCURL    string
	ChainID   int64
	TokenMint string // ERC-20 contract address for the settlement token
}

// New dials the configured RPC endpoint and returns a ready Builder.
func New(cfg Config) (*Builder, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}
	return NewWithClient(client, cfg)
}

// NewWithClient builds a Builder around an already-constructed EthClient,
// primarily for testing.
func NewWithClient(client EthClient, cfg Config) (*Builder, error) {
	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("txbuilder: parse abi: %w", err)
	}
	return &Builder{
		client:    client,
		chainID:   big.NewInt(cfg.ChainID),
		tokenMint: common.HexToAddress(cfg.TokenMint),
		tokenABI:  parsedABI,
	}, nil
}

// UnsignedTransfer is the result of BuildTransfer: an RLP-ready unsigned
// transaction plus the metadata the facilitator and x402 client need to
// reason about it without re-deriving it.
type UnsignedTransfer struct {
	Tx          *types.Transaction
	Payer       common.Address
	Recipient   common.Address
	AmountMinor *big.Int
	Nonce       uint64
	GasPrice    *big.Int
	GasLimit    uint64
	ChainID     *big.Int
}

// BuildTransfer constructs an unsigned payment: given payer, recipient, and
// an exact minor-unit amount, it resolves freshness (nonce + gas price),
// packs a single ERC-20 transfer instruction, and returns the unsigned
// transaction. It never signs or broadcasts; that is the facilitator's job.
func (b *Builder) BuildTransfer(ctx context.Context, payer, recipient common.Address, amountMinor *big.Int) (*UnsignedTransfer, error) {
	if amountMinor == nil || amountMinor.Sign() <= 0 {
		return nil, fmt.Errorf("txbuilder: amount must be positive")
	}

	if !b.skipBalance {
		balance, err := b.balanceOf(ctx, payer)
		if err == nil && balance.Cmp(amountMinor) < 0 {
			return nil, ErrInsufficientBalance
		}
	}

	data, err := b.tokenABI.Pack("transfer", recipient, amountMinor)
	if err != nil {
		return nil, fmt.Errorf("txbuilder: pack transfer: %w", err)
	}

	nonce, err := b.client.PendingNonceAt(ctx, payer)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrRPCUnavailable, err)
	}

	gasPrice, err := b.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: gas price: %v", ErrRPCUnavailable, err)
	}

	gasLimit, err := b.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  payer,
		To:    &b.tokenMint,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, b.tokenMint, big.NewInt(0), gasLimit, gasPrice, data)

	return &UnsignedTransfer{
		Tx:          tx,
		Payer:       payer,
		Recipient:   recipient,
		AmountMinor: amountMinor,
		Nonce:       nonce,
		GasPrice:    gasPrice,
		GasLimit:    gasLimit,
		ChainID:     b.chainID,
	}, nil
}

func (b *Builder) balanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := b.tokenABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, err
	}
	result, err := b.client.CallContract(ctx, ethereum.CallMsg{To: &b.tokenMint, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(result), nil
}

// EncodeUnsigned base64-encodes the RLP binary form of an unsigned
// transaction for wire transport.
func EncodeUnsigned(utx *types.Transaction) (string, error) {
	raw, err := utx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("txbuilder: encode unsigned tx: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeUnsigned is the inverse of EncodeUnsigned.
func DecodeUnsigned(encoded string) (*types.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("txbuilder: decode unsigned tx: %w", err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("txbuilder: unmarshal unsigned tx: %w", err)
	}
	return tx, nil
}
