package evm

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/becomeliminal/x402-facilitator"
)

// ValidatedPayment is an exact EVM payment that passed the local checks.
type ValidatedPayment struct {
	Chain         Chain
	Authorization *Authorization
	Signature     []byte
}

// Payer returns the authorizing address in checksum form.
func (p *ValidatedPayment) Payer() string {
	return p.Authorization.From.Hex()
}

// Validate runs the local, synchronous checks on a payment in order and stops
// at the first failure. It never touches the network.
//
// The returned payer is set as soon as the authorization could be read, also
// when a later check fails. A non-nil error means the requirements themselves
// are unusable.
func Validate(payload *x402.PaymentPayload, requirements *x402.PaymentRequirements, now time.Time) (*ValidatedPayment, string, x402.Reason, error) {
	if payload.X402Version != x402.X402Version {
		return nil, "", x402.ReasonInvalidVersion, nil
	}

	if payload.Accepted.Scheme != x402.SchemeExact || requirements.Scheme != x402.SchemeExact {
		return nil, "", x402.ReasonUnsupportedScheme, nil
	}

	chain, err := LookupChain(payload.Accepted.Network)
	if err != nil || payload.Accepted.Network != requirements.Network {
		return nil, "", x402.ReasonInvalidNetwork, nil
	}

	exact, err := parseExactPayload(payload.Payload)
	if err != nil {
		return nil, "", x402.ReasonInvalidPayload, nil
	}
	payer := ""
	if from := exact.Authorization.From; common.IsHexAddress(from) {
		payer = common.HexToAddress(from).Hex()
	}
	auth, err := exact.Authorization.Parse()
	if err != nil {
		return nil, payer, x402.ReasonInvalidPayload, nil
	}
	sig, err := ParseSignature(exact.Signature)
	if err != nil {
		return nil, payer, x402.ReasonInvalidPayload, nil
	}

	unix := big.NewInt(now.Unix())
	if unix.Cmp(auth.ValidAfter) < 0 {
		return nil, payer, x402.ReasonAuthorizationNotYet, nil
	}
	// validBefore is exclusive: the authorization is dead at that second.
	if unix.Cmp(auth.ValidBefore) >= 0 {
		return nil, payer, x402.ReasonAuthorizationExpired, nil
	}

	required, err := ParseUint256(requirements.Amount)
	if err != nil {
		return nil, payer, "", fmt.Errorf("requirements amount: %w", err)
	}
	if auth.Value.Cmp(required) < 0 {
		return nil, payer, x402.ReasonAuthorizationValue, nil
	}

	if !common.IsHexAddress(requirements.PayTo) || auth.To != common.HexToAddress(requirements.PayTo) {
		return nil, payer, x402.ReasonRecipientMismatch, nil
	}

	return &ValidatedPayment{
		Chain:         chain,
		Authorization: auth,
		Signature:     sig,
	}, payer, "", nil
}
