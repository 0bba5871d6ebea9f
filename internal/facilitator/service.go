package facilitator

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/agentmesh/internal/txbuilder"
	"github.com/mbd888/agentmesh/internal/wallet"
)

// Service is the facilitator's HTTP surface. It is the only component in the
// marketplace that signs transactions: it accepts an unsigned transaction
// built by a consumer's txbuilder, countersigns as fee-payer with its own
// Wallet, broadcasts, and waits for confirmation.
type Service struct {
	wallet  *wallet.Wallet
	network string
	logger  *slog.Logger
}

// NewService wraps a Wallet as the facilitator's signer.
func NewService(w *wallet.Wallet, network string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{wallet: w, network: network, logger: logger}
}

// RegisterRoutes wires the facilitator's HTTP operations (supported, verify,
// settle, verify-onchain) plus health.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.GET("/supported", s.handleSupported)
	r.POST("/verify", s.handleVerify)
	r.POST("/settle", s.handleSettle)
	r.POST("/verify-onchain", s.handleVerifyOnChain)
	r.GET("/health", s.handleHealth)
}

func (s *Service) handleSupported(c *gin.Context) {
	c.JSON(http.StatusOK, SupportedResponse{
		X402Version:     1,
		Scheme:          "exact",
		Network:         s.network,
		FeePayerAddress: s.wallet.Address(),
		SupportedTokens: []string{"USDC"},
	})
}

// handleVerify checks structural validity of the unsigned transaction
// without broadcasting: the transaction must base64-decode and unmarshal.
// Its calldata and recipient are not inspected.
func (s *Service) handleVerify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, VerifyResponse{IsValid: false, Message: "malformed payment body"})
		return
	}

	if _, err := txbuilder.DecodeUnsigned(req.Payment.Transaction); err != nil {
		c.JSON(http.StatusOK, VerifyResponse{IsValid: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, VerifyResponse{IsValid: true})
}

// handleSettle countersigns and broadcasts the unsigned transaction, then
// waits for confirmation before returning the signature. Safe to retry on
// transport failure: the transaction's nonce+gasPrice make it idempotent.
func (s *Service) handleSettle(c *gin.Context) {
	var req SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, SettleResponse{Success: false, Error: "malformed payment body"})
		return
	}

	unsigned, err := txbuilder.DecodeUnsigned(req.Payment.Transaction)
	if err != nil {
		c.JSON(http.StatusOK, SettleResponse{Success: false, Error: "invalid transaction: " + err.Error()})
		return
	}

	result, err := s.signAndSend(c.Request.Context(), unsigned)
	if err != nil {
		s.logger.Error("settle failed", "error", err)
		c.JSON(http.StatusOK, SettleResponse{Success: false, Network: s.network, Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, SettleResponse{
		Success:              true,
		TransactionSignature: result.TxHash,
		Network:              s.network,
	})
}

// signAndSend delegates signing and broadcast to the underlying Wallet,
// which already owns the private key and the confirmation-polling logic.
func (s *Service) signAndSend(ctx context.Context, unsigned *types.Transaction) (*wallet.TransferResult, error) {
	signed, err := s.wallet.SignAndSend(ctx, unsigned)
	if err != nil {
		return nil, err
	}
	return s.wallet.WaitForConfirmation(ctx, signed.TxHash, wallet.DefaultConfirmationTimeout)
}

// handleVerifyOnChain confirms an already-broadcast payment: the transaction
// must be mined, successful, and carry a token transfer of at least the
// expected minor-unit amount to the expected recipient.
func (s *Service) handleVerifyOnChain(c *gin.Context) {
	var req VerifyOnChainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, VerifyOnChainResponse{Confirmed: false, Reason: "malformed request"})
		return
	}

	minAmount, ok := new(big.Int).SetString(req.ExpectedMinorUnits, 10)
	if !ok || minAmount.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, VerifyOnChainResponse{Confirmed: false, Reason: "invalid expected_minor_units"})
		return
	}

	confirmed, err := s.wallet.VerifyTransfer(c.Request.Context(), req.ExpectedRecipient, minAmount, req.Signature)
	if err != nil {
		c.JSON(http.StatusOK, VerifyOnChainResponse{Confirmed: false, Reason: err.Error()})
		return
	}

	c.JSON(http.StatusOK, VerifyOnChainResponse{Confirmed: confirmed})
}

func (s *Service) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "feePayer": s.wallet.Address()})
}
