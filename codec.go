package x402

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrNoPayment is returned by ParsePayment when neither header is present.
var ErrNoPayment = errors.New("no payment attached")

// EncodeHeader marshals v to the base64 JSON form carried by x402 headers
// and gRPC metadata.
func EncodeHeader(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %T: %w", v, err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeHeader reverses EncodeHeader.
func DecodeHeader(value string, v any) error {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return fmt.Errorf("decode base64: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

// ParsePayment decodes whichever payment a request carries. The V2 value
// (PAYMENT-SIGNATURE) wins over the legacy V1 one (X-PAYMENT); legacy
// reports which of the two was used.
func ParsePayment(value, legacyValue string) (payload *PaymentPayload, legacy bool, err error) {
	switch {
	case value != "":
		payload, err = DecodePaymentSignature(value)
		return payload, false, err
	case legacyValue != "":
		payload, err = DecodeLegacyPayment(legacyValue)
		return payload, true, err
	default:
		return nil, false, ErrNoPayment
	}
}

// DecodePaymentSignature decodes a V2 PAYMENT-SIGNATURE value.
func DecodePaymentSignature(value string) (*PaymentPayload, error) {
	var payload PaymentPayload
	if err := DecodeHeader(value, &payload); err != nil {
		return nil, err
	}
	if payload.X402Version < X402Version {
		return nil, fmt.Errorf("x402Version %d cannot be sent as a V2 payment", payload.X402Version)
	}
	if payload.Payload == nil {
		return nil, errors.New("payload is required")
	}
	return &payload, nil
}

// DecodeLegacyPayment decodes a V1 X-PAYMENT value into the V2 shape. The
// result keeps its original x402Version and only knows scheme and network
// of its accepted terms.
func DecodeLegacyPayment(value string) (*PaymentPayload, error) {
	var legacy LegacyPayment
	if err := DecodeHeader(value, &legacy); err != nil {
		return nil, err
	}
	switch {
	case legacy.X402Version == 0:
		return nil, errors.New("x402Version is required")
	case legacy.Scheme == "":
		return nil, errors.New("scheme is required")
	case legacy.Network == "":
		return nil, errors.New("network is required")
	case legacy.Payload == nil:
		return nil, errors.New("payload is required")
	}
	return &PaymentPayload{
		X402Version: legacy.X402Version,
		Accepted:    PaymentRequirements{Scheme: legacy.Scheme, Network: legacy.Network},
		Payload:     legacy.Payload,
	}, nil
}

// EncodePaymentPayload encodes a payload for the PAYMENT-SIGNATURE header.
func EncodePaymentPayload(payload *PaymentPayload) (string, error) {
	return EncodeHeader(payload)
}

// EncodePaymentRequired encodes the 402 body sent in PAYMENT-REQUIRED.
func EncodePaymentRequired(accepts []PaymentRequirements, reason string) (string, error) {
	return EncodeHeader(paymentRequired(accepts, reason))
}

func paymentRequired(accepts []PaymentRequirements, reason string) PaymentRequiredResponse {
	if reason == "" {
		reason = "Payment required"
	}
	return PaymentRequiredResponse{X402Version: X402Version, Error: reason, Accepts: accepts}
}

// DecodePaymentRequired decodes a PAYMENT-REQUIRED value.
func DecodePaymentRequired(value string) (*PaymentRequiredResponse, error) {
	var resp PaymentRequiredResponse
	if err := DecodeHeader(value, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EncodePaymentResponse encodes a settlement outcome for PAYMENT-RESPONSE.
func EncodePaymentResponse(resp *PaymentResponse) (string, error) {
	return EncodeHeader(resp)
}

// DecodePaymentResponse decodes a PAYMENT-RESPONSE value.
func DecodePaymentResponse(value string) (*PaymentResponse, error) {
	var resp PaymentResponse
	if err := DecodeHeader(value, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PaymentResponseOf reduces a settlement to what the client is told.
func PaymentResponseOf(settled *SettleResponse) *PaymentResponse {
	return &PaymentResponse{
		Success:     settled.Success,
		Transaction: settled.Transaction,
		Network:     settled.Network,
		Payer:       settled.Payer,
		ErrorReason: settled.ErrorReason,
	}
}

// ReadPaymentRequirements extracts the requirements from a 402 response,
// from the PAYMENT-REQUIRED header when it decodes and from the body
// otherwise.
func ReadPaymentRequirements(resp *http.Response) (*PaymentRequiredResponse, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("expected status 402, got %d", resp.StatusCode)
	}
	if header := resp.Header.Get(HeaderPaymentRequired); header != "" {
		if required, err := DecodePaymentRequired(header); err == nil {
			return required, nil
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	var required PaymentRequiredResponse
	if err := json.Unmarshal(body, &required); err != nil {
		return nil, fmt.Errorf("decode payment requirements: %w", err)
	}
	return &required, nil
}
