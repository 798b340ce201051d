package grpc

import (
	x402 "github.com/becomeliminal/x402-facilitator"
	"google.golang.org/grpc/metadata"
)

// Metadata keys are the lowercase forms of the HTTP headers.
const (
	MetadataKeyPaymentSignature = "payment-signature"
	MetadataKeyPaymentResponse  = "payment-response"
	MetadataKeyPaymentRequired  = "payment-required"

	// V1 legacy metadata keys.
	MetadataKeyLegacyPayment             = "x402-payment"
	MetadataKeyLegacyPaymentRequirements = "x402-payment-requirements"
	MetadataKeyLegacyPaymentResponse     = "x402-payment-response"
)

// EncodePaymentRequirements encodes the requirements sent as the message of
// a ResourceExhausted status. An empty reason reads "Payment required".
func EncodePaymentRequirements(accepts []x402.PaymentRequirements, reason string) (string, error) {
	return x402.EncodePaymentRequired(accepts, reason)
}

// DecodePaymentRequirements decodes the message of a ResourceExhausted status.
func DecodePaymentRequirements(encoded string) (*x402.PaymentRequiredResponse, error) {
	return x402.DecodePaymentRequired(encoded)
}

// EncodePaymentPayload encodes a payload for the payment-signature key.
func EncodePaymentPayload(payload *x402.PaymentPayload) (string, error) {
	return x402.EncodePaymentPayload(payload)
}

// DecodePaymentResponse decodes a payment-response trailer.
func DecodePaymentResponse(encoded string) (*x402.PaymentResponse, error) {
	return x402.DecodePaymentResponse(encoded)
}

// ExtractPaymentFromMetadata decodes the payment of an incoming call,
// preferring payment-signature over x402-payment. isV2 is false when the
// legacy key was used. A call without either key yields x402.ErrNoPayment.
func ExtractPaymentFromMetadata(md metadata.MD) (payload *x402.PaymentPayload, isV2 bool, err error) {
	payload, legacy, err := x402.ParsePayment(first(md, MetadataKeyPaymentSignature), first(md, MetadataKeyLegacyPayment))
	return payload, !legacy, err
}

func first(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}
