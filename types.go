package x402

import (
	"context"
	"time"
)

// X402Version is the protocol major version this package speaks.
const X402Version = 2

// SchemeExact is the only payment scheme supported by the facilitator.
const SchemeExact = "exact"

// PaymentRequirements is one exact payment option offered for a resource.
// Uses CAIP-2 network identifiers (e.g., "eip155:10").
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"` // CAIP-2: "eip155:10"
	Amount            string                 `json:"amount"`  // atomic units
	Asset             string                 `json:"asset"`   // token contract address
	PayTo             string                 `json:"payTo"`   // recipient address
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// PaymentPayload is what a client sends in PAYMENT-SIGNATURE: the option it
// accepted and the signed authorization paying for it.
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Accepted    PaymentRequirements    `json:"accepted"`
	Payload     interface{}            `json:"payload"` // scheme-specific (e.g., evm.ExactPayload)
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// VerifyResponse is the outcome of a payment verification.
// Payer is filled in as soon as it could be read from the authorization,
// also on failure.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason Reason `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`

	// FeeRequired is set when settling will also charge Recipient the
	// facilitator fee.
	FeeRequired bool   `json:"feeRequired,omitempty"`
	Recipient   string `json:"recipient,omitempty"`

	// Filled in on insufficient_fee_allowance.
	RequiredAllowance  string `json:"requiredAllowance,omitempty"`
	CurrentAllowance   string `json:"currentAllowance,omitempty"`
	FacilitatorAddress string `json:"facilitatorAddress,omitempty"`
}

// SettleResponse is the outcome of a settlement.
type SettleResponse struct {
	Success     bool              `json:"success"`
	ErrorReason Reason            `json:"errorReason,omitempty"`
	Payer       string            `json:"payer,omitempty"`
	Transaction string            `json:"transaction"`
	Network     string            `json:"network,omitempty"` // CAIP-2
	Fee         *FeeReceipt       `json:"fee,omitempty"`
	Extensions  *SettleExtensions `json:"extensions,omitempty"`
	SettledAt   time.Time         `json:"-"`
}

// FeeReceipt reports the post-settlement facilitator fee transfer.
type FeeReceipt struct {
	Collected bool   `json:"collected"`
	TxHash    string `json:"txHash,omitempty"`
	Error     Reason `json:"error,omitempty"`
}

// SettleExtensions carries protocol extensions attached to a settlement.
type SettleExtensions struct {
	FacilitatorFees *FacilitatorFeesExtension `json:"facilitatorFees,omitempty"`
}

// FacilitatorFeesExtension discloses the fee taken by the facilitator.
type FacilitatorFeesExtension struct {
	Info FacilitatorFeePaid `json:"info"`
}

// FacilitatorFeePaid is the fee disclosure receipt.
type FacilitatorFeePaid struct {
	Version            string `json:"version"`
	FacilitatorFeePaid string `json:"facilitatorFeePaid"`
	Asset              string `json:"asset"`
	Model              string `json:"model"`
}

// SupportedAsset describes a token accepted on a network.
type SupportedAsset struct {
	Address  string `json:"address"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// SupportedKind is one scheme and network the facilitator settles.
type SupportedKind struct {
	X402Version int              `json:"x402Version"`
	Scheme      string           `json:"scheme"`
	Network     string           `json:"network"` // CAIP-2
	Assets      []SupportedAsset `json:"assets,omitempty"`
}

// SupportedResponse is the body of GET /supported.
type SupportedResponse struct {
	Kinds      []SupportedKind     `json:"kinds"`
	Extensions []string            `json:"extensions"`
	Signers    map[string][]string `json:"signers"` // "eip155:*" -> facilitator addresses
}

// PaymentResponse tells the client how its settlement went. It travels in
// PAYMENT-RESPONSE, X-PAYMENT-RESPONSE or the gRPC trailer.
type PaymentResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"` // CAIP-2
	Payer       string `json:"payer,omitempty"`
	ErrorReason Reason `json:"errorReason,omitempty"`
}

// PaymentRequiredResponse is the 402 body, also base64 encoded in
// PAYMENT-REQUIRED and in ResourceExhausted status messages.
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// Facilitator verifies and settles payments. It is implemented by the local
// EVM facilitator and by the remote HTTP client.
type Facilitator interface {
	// Verify checks a payment without moving funds. A rejected payment is
	// reported in the response, not as an error.
	Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerifyResponse, error)

	// Settle submits the authorization and reports the transaction.
	Settle(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettleResponse, error)

	// Supported returns the supported scheme+network pairs.
	Supported(ctx context.Context) (*SupportedResponse, error)
}

// PaymentContext is the verified payment handed to paid handlers.
// Handlers run after verification and before settlement, so no transaction
// hash is known at that point.
type PaymentContext struct {
	Verified     bool
	PayerAddress string
	Amount       string
	Asset        string
	Network      string // CAIP-2
}

type contextKey string

const (
	// PaymentContextKey holds the *PaymentContext of a paid request.
	PaymentContextKey contextKey = "x402-payment"
)


// LegacyPayment is the V1 X-PAYMENT body. It names no asset or amount.
type LegacyPayment struct {
	X402Version int         `json:"x402Version"`
	Scheme      string      `json:"scheme"`
	Network     string      `json:"network"`
	Payload     interface{} `json:"payload"`
}
