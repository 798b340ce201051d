package x402

import (
	"errors"
	"fmt"
)

// Reason is a stable, machine-readable failure code returned in
// invalidReason / errorReason fields.
type Reason string

// Verification failure codes.
const (
	ReasonInvalidVersion        Reason = "invalid_x402_version"
	ReasonUnsupportedScheme     Reason = "unsupported_scheme"
	ReasonInvalidNetwork        Reason = "invalid_network"
	ReasonInvalidPayload        Reason = "invalid_payload"
	ReasonAuthorizationNotYet   Reason = "invalid_exact_evm_payload_authorization_valid_after"
	ReasonAuthorizationExpired  Reason = "invalid_exact_evm_payload_authorization_valid_before"
	ReasonAuthorizationValue    Reason = "invalid_exact_evm_payload_authorization_value"
	ReasonRecipientMismatch     Reason = "invalid_exact_evm_payload_recipient_mismatch"
	ReasonInvalidSignature      Reason = "invalid_exact_evm_payload_signature"
	ReasonInsufficientFunds     Reason = "insufficient_funds"
	ReasonUnexpectedVerifyError Reason = "unexpected_verify_error"
)

// Fee collection failure codes.
const (
	ReasonFacilitatorNotConfigured    Reason = "facilitator_not_configured"
	ReasonInsufficientFeeAllowance    Reason = "insufficient_fee_allowance"
	ReasonInsufficientMerchantBalance Reason = "insufficient_merchant_balance"
	ReasonFeeTransactionReverted      Reason = "fee_transaction_reverted"
	ReasonFeeCollectionFailed         Reason = "fee_collection_failed"
)

// Settlement failure codes.
const (
	ReasonSettlementFailed         Reason = "settlement_failed"
	ReasonAuthorizationAlreadyUsed Reason = "authorization_already_used"
	ReasonSettlementExpired        Reason = "authorization_expired"
	ReasonUnexpectedSettleError    Reason = "unexpected_settlement_error"
)

// PaymentError is returned by the library side (configuration, remote
// facilitator calls). Payment rejections are not errors; they come back as a
// Reason in the response.
type PaymentError struct {
	Code    string
	Message string
	Cause   error
}

// PaymentError codes.
const (
	ErrCodeInvalidConfig = "INVALID_CONFIG"
	ErrCodeFacilitator   = "FACILITATOR_ERROR"
)

func NewPaymentError(code, message string, cause error) *PaymentError {
	return &PaymentError{Code: code, Message: message, Cause: cause}
}

func (e *PaymentError) Error() string {
	if e.Cause == nil {
		return e.Code + ": " + e.Message
	}
	return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
}

func (e *PaymentError) Unwrap() error { return e.Cause }

// IsPaymentError reports whether err wraps a PaymentError.
func IsPaymentError(err error) bool {
	var pe *PaymentError
	return errors.As(err, &pe)
}

// GetPaymentErrorCode returns the code of the PaymentError wrapped by err, or
// "" if there is none.
func GetPaymentErrorCode(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
