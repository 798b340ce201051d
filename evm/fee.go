package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/becomeliminal/x402-facilitator"
)

// DefaultFeeAmount is the flat fee in token base units (0.01 USDC).
const DefaultFeeAmount = 10000

// FeeConfig is built once at startup and never changes afterwards.
type FeeConfig struct {
	// Amount is the flat fee per settlement. Zero disables fees.
	Amount *big.Int

	// Key is the facilitator signing key. It receives fees and pays gas.
	Key *ecdsa.PrivateKey
}

// Enabled reports whether a non-zero fee is configured.
func (c FeeConfig) Enabled() bool {
	return c.Amount != nil && c.Amount.Sign() > 0
}

// Address returns the facilitator address derived from Key.
func (c FeeConfig) Address() (common.Address, bool) {
	if c.Key == nil {
		return common.Address{}, false
	}
	return crypto.PubkeyToAddress(c.Key.PublicKey), true
}

// ParseFeeAmount parses a fee amount from configuration. An empty value
// yields the default. On error the default is returned alongside the error so
// the caller can log it and carry on.
func ParseFeeAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(DefaultFeeAmount), nil
	}
	v, err := ParseUint256(s)
	if err != nil {
		return big.NewInt(DefaultFeeAmount), fmt.Errorf("invalid fee amount: %w", err)
	}
	return v, nil
}

var privateKeyPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// ParsePrivateKey parses a hex secp256k1 key, with or without 0x prefix.
func ParsePrivateKey(s string) (*ecdsa.PrivateKey, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if !privateKeyPattern.MatchString(s) {
		return nil, errors.New("private key must be 64 hex characters")
	}
	key, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

// FeeCheckResult is the outcome of a merchant allowance check.
type FeeCheckResult struct {
	Sufficient bool
	Allowance  *big.Int

	// RemainingSettlements is how many more fees the allowance covers.
	// nil means unlimited, which is only the case when fees are disabled.
	RemainingSettlements *big.Int
}

// Unlimited reports whether the allowance places no bound on settlements.
func (r FeeCheckResult) Unlimited() bool {
	return r.RemainingSettlements == nil
}

// FeeCollectionResult is the outcome of a fee transfer.
type FeeCollectionResult struct {
	Success bool
	TxHash  string
	Error   x402.Reason
}

// FeeCollector checks merchant allowances and pulls the flat fee with
// transferFrom on each network's fee token.
type FeeCollector struct {
	config  FeeConfig
	backend Backend
	logger  *slog.Logger
}

// NewFeeCollector creates a fee collector. A nil logger means slog.Default().
func NewFeeCollector(config FeeConfig, backend Backend, logger *slog.Logger) *FeeCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeeCollector{
		config:  config,
		backend: backend,
		logger:  logger,
	}
}

// Config returns the collector's fee configuration.
func (c *FeeCollector) Config() FeeConfig {
	return c.config
}

func insufficientAllowance(allowance *big.Int) FeeCheckResult {
	return FeeCheckResult{Sufficient: false, Allowance: allowance, RemainingSettlements: new(big.Int)}
}

// CheckMerchantAllowance reads the allowance the merchant granted to the
// facilitator. Any failure counts as insufficient.
func (c *FeeCollector) CheckMerchantAllowance(ctx context.Context, merchant common.Address, network string) FeeCheckResult {
	if !c.config.Enabled() {
		return FeeCheckResult{Sufficient: true, Allowance: new(big.Int)}
	}

	facilitator, ok := c.config.Address()
	if !ok {
		c.logger.Warn("fee allowance check without facilitator key", "merchant", merchant.Hex(), "network", network)
		return insufficientAllowance(new(big.Int))
	}

	chain, err := LookupChain(network)
	if err != nil {
		c.logger.Warn("fee allowance check on unsupported network", "network", network)
		return insufficientAllowance(new(big.Int))
	}

	token, err := c.backend.Token(ctx, chain, chain.FeeToken)
	if err != nil {
		c.logger.Error("failed to open fee token", "network", network, "error", err)
		return insufficientAllowance(new(big.Int))
	}

	allowance, err := token.Allowance(ctx, merchant, facilitator)
	if err != nil {
		c.logger.Error("failed to read merchant allowance", "merchant", merchant.Hex(), "network", network, "error", err)
		return insufficientAllowance(new(big.Int))
	}

	remaining := new(big.Int).Quo(allowance, c.config.Amount)
	result := FeeCheckResult{
		Sufficient:           allowance.Cmp(c.config.Amount) >= 0,
		Allowance:            allowance,
		RemainingSettlements: remaining,
	}

	c.logger.Debug("merchant fee allowance",
		"merchant", merchant.Hex(),
		"network", network,
		"allowance", allowance.String(),
		"remaining_settlements", remaining.String(),
	)
	return result
}

// CollectFee transfers the flat fee from merchant to the facilitator and
// waits for the receipt.
func (c *FeeCollector) CollectFee(ctx context.Context, merchant common.Address, network string) FeeCollectionResult {
	if !c.config.Enabled() {
		return FeeCollectionResult{Success: true}
	}

	facilitator, ok := c.config.Address()
	if !ok {
		return FeeCollectionResult{Error: x402.ReasonFacilitatorNotConfigured}
	}

	chain, err := LookupChain(network)
	if err != nil {
		c.logger.Warn("fee collection on unsupported network", "network", network)
		return FeeCollectionResult{Error: x402.ReasonFeeCollectionFailed}
	}

	token, err := c.backend.Token(ctx, chain, chain.FeeToken)
	if err != nil {
		c.logger.Error("failed to open fee token", "network", network, "error", err)
		return FeeCollectionResult{Error: x402.ReasonFeeCollectionFailed}
	}

	tx, err := token.TransferFrom(ctx, merchant, facilitator, c.config.Amount)
	if err != nil {
		reason := feeSubmitReason(err)
		c.logger.Warn("fee transfer rejected",
			"merchant", merchant.Hex(),
			"network", network,
			"reason", reason,
			"error", err,
		)
		return FeeCollectionResult{Error: reason}
	}

	txHash := tx.Hash().Hex()
	receipt, err := token.WaitMined(ctx, tx)
	if err != nil {
		c.logger.Error("failed to wait for fee transfer", "tx", txHash, "error", err)
		return FeeCollectionResult{TxHash: txHash, Error: x402.ReasonFeeCollectionFailed}
	}
	if receipt.Status == types.ReceiptStatusFailed {
		c.logger.Warn("fee transfer reverted", "tx", txHash, "merchant", merchant.Hex(), "network", network)
		return FeeCollectionResult{TxHash: txHash, Error: x402.ReasonFeeTransactionReverted}
	}

	c.logger.Info("fee collected",
		"tx", txHash,
		"merchant", merchant.Hex(),
		"network", network,
		"amount", c.config.Amount.String(),
	)
	return FeeCollectionResult{Success: true, TxHash: txHash}
}

func feeSubmitReason(err error) x402.Reason {
	switch {
	case errors.Is(err, ErrInsufficientAllowance):
		return x402.ReasonInsufficientFeeAllowance
	case errors.Is(err, ErrInsufficientBalance):
		return x402.ReasonInsufficientMerchantBalance
	case errors.Is(err, ErrReadOnly):
		return x402.ReasonFacilitatorNotConfigured
	default:
		return x402.ReasonFeeCollectionFailed
	}
}
