package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/becomeliminal/x402-facilitator"
)

// Facilitator verifies and settles exact EVM payments locally, against the
// chains reachable through its Backend.
type Facilitator struct {
	backend Backend
	fees    *FeeCollector
	key     *ecdsa.PrivateKey
	logger  *slog.Logger
	now     func() time.Time
}

var _ x402.Facilitator = (*Facilitator)(nil)

// Option configures a Facilitator.
type Option func(*Facilitator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(f *Facilitator) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(f *Facilitator) {
		if now != nil {
			f.now = now
		}
	}
}

// NewFacilitator creates a facilitator. The fee configuration key is also the
// settlement key; without it the facilitator can verify but not settle.
func NewFacilitator(backend Backend, fee FeeConfig, opts ...Option) *Facilitator {
	f := &Facilitator{
		backend: backend,
		key:     fee.Key,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.fees = NewFeeCollector(fee, backend, f.logger)
	return f
}

// Verify checks a payment without settling it. Rejections and internal
// failures are both reported in the response; the error is always nil.
func (f *Facilitator) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (resp *x402.VerifyResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("panic during verification", "panic", r)
			resp = &x402.VerifyResponse{IsValid: false, InvalidReason: x402.ReasonUnexpectedVerifyError}
			err = nil
		}
	}()

	_, resp = f.verify(ctx, payload, requirements)
	return resp, nil
}

func rejected(reason x402.Reason, payer string) *x402.VerifyResponse {
	return &x402.VerifyResponse{IsValid: false, InvalidReason: reason, Payer: payer}
}

// verify runs local checks, then the signature, then on-chain state, and
// stops at the first failure.
func (f *Facilitator) verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*ValidatedPayment, *x402.VerifyResponse) {
	if payload == nil || requirements == nil {
		return nil, rejected(x402.ReasonInvalidPayload, "")
	}

	payment, payer, reason, err := Validate(payload, requirements, f.now())
	if err != nil {
		f.logger.Error("verification failed unexpectedly", "payer", payer, "error", err)
		return nil, rejected(x402.ReasonUnexpectedVerifyError, payer)
	}
	if reason != "" {
		f.logger.Warn("payment rejected", "reason", reason, "payer", payer, "network", payload.Accepted.Network)
		return nil, rejected(reason, payer)
	}

	network := payment.Chain.Network
	domain, err := ResolveDomain(network, requirements.Asset)
	if err != nil {
		f.logger.Warn("payment rejected", "reason", x402.ReasonInvalidSignature, "payer", payer, "error", err)
		return nil, rejected(x402.ReasonInvalidSignature, payer)
	}
	f.logger.Debug("verifying authorization",
		"domain_name", domain.Name,
		"domain_version", domain.Version,
		"chain_id", domain.ChainID.String(),
		"verifying_contract", domain.VerifyingContract.Hex(),
		"value", payment.Authorization.Value.String(),
	)

	if err := VerifySignature(payment.Authorization, payment.Signature, domain); err != nil {
		f.logger.Warn("payment rejected", "reason", x402.ReasonInvalidSignature, "payer", payer, "error", err)
		return nil, rejected(x402.ReasonInvalidSignature, payer)
	}

	token, err := f.backend.Token(ctx, payment.Chain, domain.VerifyingContract)
	if err != nil {
		f.logger.Error("failed to open token contract", "network", network, "error", err)
		return nil, rejected(x402.ReasonUnexpectedVerifyError, payer)
	}

	used, err := token.AuthorizationState(ctx, payment.Authorization.From, payment.Authorization.Nonce)
	if err != nil {
		f.logger.Error("failed to read authorization state", "network", network, "payer", payer, "error", err)
		return nil, rejected(x402.ReasonUnexpectedVerifyError, payer)
	}
	if used {
		f.logger.Warn("payment rejected", "reason", x402.ReasonInvalidSignature, "payer", payer, "error", "nonce already used")
		return nil, rejected(x402.ReasonInvalidSignature, payer)
	}

	balance, err := token.BalanceOf(ctx, payment.Authorization.From)
	if err != nil {
		f.logger.Error("failed to read payer balance", "network", network, "payer", payer, "error", err)
		return nil, rejected(x402.ReasonUnexpectedVerifyError, payer)
	}
	if balance.Cmp(payment.Authorization.Value) < 0 {
		f.logger.Warn("payment rejected",
			"reason", x402.ReasonInsufficientFunds,
			"payer", payer,
			"balance", balance.String(),
			"value", payment.Authorization.Value.String(),
		)
		return nil, rejected(x402.ReasonInsufficientFunds, payer)
	}

	verified := &x402.VerifyResponse{IsValid: true, Payer: payer}
	if fees := f.fees.Config(); fees.Enabled() {
		if rejection := f.checkFeeAllowance(ctx, payment, fees); rejection != nil {
			return nil, rejection
		}
		verified.FeeRequired = true
		verified.Recipient = payment.Authorization.To.Hex()
	}

	f.logger.Info("payment verified", "payer", payer, "network", network, "value", payment.Authorization.Value.String())
	return payment, verified
}

// checkFeeAllowance rejects a payment whose recipient has not approved
// enough of the fee token for the facilitator.
func (f *Facilitator) checkFeeAllowance(ctx context.Context, payment *ValidatedPayment, fees FeeConfig) *x402.VerifyResponse {
	merchant := payment.Authorization.To
	network := payment.Chain.Network

	facilitator, ok := fees.Address()
	if !ok {
		f.logger.Warn("cannot check fee allowance without facilitator key", "merchant", merchant.Hex(), "network", network)
		return rejected(x402.ReasonFacilitatorNotConfigured, payment.Payer())
	}

	check := f.fees.CheckMerchantAllowance(ctx, merchant, network)
	if check.Sufficient {
		return nil
	}
	f.logger.Warn("payment rejected",
		"reason", x402.ReasonInsufficientFeeAllowance,
		"merchant", merchant.Hex(),
		"network", network,
		"allowance", check.Allowance.String(),
	)
	resp := rejected(x402.ReasonInsufficientFeeAllowance, payment.Payer())
	resp.Recipient = merchant.Hex()
	resp.RequiredAllowance = fees.Amount.String()
	resp.CurrentAllowance = check.Allowance.String()
	resp.FacilitatorAddress = facilitator.Hex()
	return resp
}

// Settle re-verifies the payment, including the merchant fee allowance,
// submits transferWithAuthorization and, once it is mined, collects the
// facilitator fee. A failed fee transfer is reported but never fails the
// settlement.
func (f *Facilitator) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (resp *x402.SettleResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("panic during settlement", "panic", r)
			resp = &x402.SettleResponse{Success: false, ErrorReason: x402.ReasonUnexpectedSettleError}
			err = nil
		}
	}()

	payment, verified := f.verify(ctx, payload, requirements)
	if !verified.IsValid {
		network := ""
		if payload != nil {
			network = payload.Accepted.Network
		}
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: verified.InvalidReason,
			Payer:       verified.Payer,
			Network:     network,
		}, nil
	}

	network := payment.Chain.Network
	failed := func(reason x402.Reason, txHash string) *x402.SettleResponse {
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: reason,
			Payer:       payment.Payer(),
			Transaction: txHash,
			Network:     network,
		}
	}

	if f.key == nil {
		f.logger.Warn("settlement without facilitator key", "network", network)
		return failed(x402.ReasonFacilitatorNotConfigured, ""), nil
	}

	merchant := payment.Authorization.To

	// verify already resolved the asset against the whitelist.
	asset, _ := payment.Chain.Token(requirements.Asset)
	token, err := f.backend.Token(ctx, payment.Chain, asset.Address)
	if err != nil {
		f.logger.Error("failed to open token contract", "network", network, "error", err)
		return failed(x402.ReasonUnexpectedSettleError, ""), nil
	}

	tx, err := token.TransferWithAuthorization(ctx, payment.Authorization, payment.Signature)
	if err != nil {
		reason := settleSubmitReason(err)
		f.logger.Error("settlement submission failed", "reason", reason, "payer", payment.Payer(), "error", err)
		return failed(reason, ""), nil
	}

	txHash := tx.Hash().Hex()
	receipt, err := token.WaitMined(ctx, tx)
	if err != nil {
		f.logger.Error("failed waiting for settlement", "tx", txHash, "error", err)
		return failed(x402.ReasonSettlementFailed, txHash), nil
	}
	if receipt.Status == types.ReceiptStatusFailed {
		f.logger.Error("settlement reverted", "tx", txHash, "payer", payment.Payer())
		return failed(x402.ReasonSettlementFailed, txHash), nil
	}

	f.logger.Info("transaction confirmed", "tx", txHash, "network", network, "payer", payment.Payer())

	resp = &x402.SettleResponse{
		Success:     true,
		Payer:       payment.Payer(),
		Transaction: txHash,
		Network:     network,
		SettledAt:   f.now(),
	}

	if !f.fees.Config().Enabled() {
		return resp, nil
	}

	fee := f.fees.CollectFee(ctx, merchant, network)
	if !fee.Success {
		f.logger.Warn("fee collection failed after successful settlement",
			"merchant", merchant.Hex(),
			"network", network,
			"reason", fee.Error,
		)
	}

	paid := "0"
	if fee.Success {
		paid = f.fees.Config().Amount.String()
	}
	resp.Fee = &x402.FeeReceipt{Collected: fee.Success, TxHash: fee.TxHash, Error: fee.Error}
	resp.Extensions = &x402.SettleExtensions{
		FacilitatorFees: &x402.FacilitatorFeesExtension{
			Info: x402.FacilitatorFeePaid{
				Version:            "1",
				FacilitatorFeePaid: paid,
				Asset:              payment.Chain.FeeToken.Hex(),
				Model:              "flat",
			},
		},
	}
	return resp, nil
}

func settleSubmitReason(err error) x402.Reason {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return x402.ReasonInsufficientFunds
	case errors.Is(err, ErrAuthorizationUsed):
		return x402.ReasonAuthorizationAlreadyUsed
	case errors.Is(err, ErrAuthorizationExpired):
		return x402.ReasonSettlementExpired
	case errors.Is(err, ErrReadOnly):
		return x402.ReasonFacilitatorNotConfigured
	default:
		return x402.ReasonSettlementFailed
	}
}

// Supported lists one exact kind per chain. Signers are only advertised when
// a facilitator key is configured.
func (f *Facilitator) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	resp := &x402.SupportedResponse{
		Kinds:      []x402.SupportedKind{},
		Extensions: []string{},
		Signers:    map[string][]string{},
	}

	for _, network := range SupportedNetworks() {
		chain, err := LookupChain(network)
		if err != nil {
			continue
		}
		kind := x402.SupportedKind{
			X402Version: x402.X402Version,
			Scheme:      x402.SchemeExact,
			Network:     network,
		}
		for _, t := range chain.Tokens() {
			kind.Assets = append(kind.Assets, x402.SupportedAsset{
				Address:  t.Address.Hex(),
				Name:     t.Name,
				Symbol:   t.Symbol,
				Decimals: t.Decimals,
			})
		}
		resp.Kinds = append(resp.Kinds, kind)
	}

	if f.key != nil {
		resp.Signers[NetworkWildcard] = []string{crypto.PubkeyToAddress(f.key.PublicKey).Hex()}
	}
	return resp, nil
}
