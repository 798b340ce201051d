package x402

import (
	"context"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"
)

// gRPC metadata keys carrying the verified payment from the gateway.
const (
	MetadataKeyPaymentVerified = "x-payment-verified"
	MetadataKeyPaymentPayer    = "x-payment-payer"
	MetadataKeyPaymentAmount   = "x-payment-amount"
	MetadataKeyPaymentAsset    = "x-payment-asset"
	MetadataKeyPaymentNetwork  = "x-payment-network"
)

// WithPaymentMetadata returns a ServeMuxOption that propagates payment information
// from HTTP context to gRPC metadata, making it accessible in gRPC handlers.
// Mount the mux behind PaymentMiddleware.
func WithPaymentMetadata() runtime.ServeMuxOption {
	return runtime.WithMetadata(paymentMetadata)
}

func paymentMetadata(ctx context.Context, r *http.Request) metadata.MD {
	md := metadata.MD{}

	payment, ok := GetPaymentFromContext(ctx)
	if !ok || payment == nil || !payment.Verified {
		return md
	}

	md.Set(MetadataKeyPaymentVerified, "true")
	md.Set(MetadataKeyPaymentPayer, payment.PayerAddress)
	md.Set(MetadataKeyPaymentAmount, payment.Amount)
	md.Set(MetadataKeyPaymentNetwork, payment.Network)
	if payment.Asset != "" {
		md.Set(MetadataKeyPaymentAsset, payment.Asset)
	}

	return md
}

// GetPaymentFromGRPCContext extracts payment information from gRPC metadata.
// Use this in gRPC handlers served through the gateway.
func GetPaymentFromGRPCContext(ctx context.Context) (*PaymentContext, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, false
	}

	verified := md.Get(MetadataKeyPaymentVerified)
	if len(verified) == 0 || verified[0] != "true" {
		return nil, false
	}

	first := func(key string) string {
		if v := md.Get(key); len(v) > 0 {
			return v[0]
		}
		return ""
	}

	return &PaymentContext{
		Verified:     true,
		PayerAddress: first(MetadataKeyPaymentPayer),
		Amount:       first(MetadataKeyPaymentAmount),
		Asset:        first(MetadataKeyPaymentAsset),
		Network:      first(MetadataKeyPaymentNetwork),
	}, true
}

// GetHTTPPathPattern extracts the HTTP path pattern from grpc-gateway context.
func GetHTTPPathPattern(ctx context.Context) (string, bool) {
	pattern, ok := runtime.HTTPPathPattern(ctx)
	return pattern, ok
}
