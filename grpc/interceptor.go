package grpc

import (
	"context"
	"errors"
	"fmt"

	x402 "github.com/becomeliminal/x402-facilitator"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryServerInterceptor charges the methods priced in cfg.MethodPricing.
// payment-signature (V2) is read first, x402-payment (V1) second.
//
// The payment is verified before the handler runs and settled only after it
// returned without error. The settlement outcome is sent in the
// payment-response (or x402-payment-response) trailer, also when settling
// failed and the call ends with ResourceExhausted.
func UnaryServerInterceptor(cfg x402.Config) grpc.UnaryServerInterceptor {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		rule, priced := cfg.MatchMethod(info.FullMethod)
		if !priced {
			return handler(ctx, req)
		}

		p, err := verifyPayment(ctx, rule, &cfg)
		if err != nil {
			return nil, err
		}

		resp, err := handler(p.withContext(ctx), req)
		if err != nil {
			return nil, err
		}

		trailer, err := p.settle(ctx, rule, &cfg)
		if trailer != nil {
			grpc.SetTrailer(ctx, trailer)
		}
		if err != nil {
			return nil, err
		}
		return resp, nil
	}
}

// verifiedPayment waits for the handler to finish before it is settled.
type verifiedPayment struct {
	payload      *x402.PaymentPayload
	requirements *x402.PaymentRequirements
	legacy       bool
	payer        string
}

func verifyPayment(ctx context.Context, rule *x402.PricingRule, cfg *x402.Config) (*verifiedPayment, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	payload, isV2, err := ExtractPaymentFromMetadata(md)
	if errors.Is(err, x402.ErrNoPayment) {
		return nil, paymentRequired(rule, cfg, "")
	}
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid payment metadata: %v", err)
	}

	requirements, ok := rule.SelectFor(payload, !isV2, cfg.Validity())
	if !ok {
		return nil, paymentRequired(rule, cfg, "No matching payment requirements")
	}

	verified, err := cfg.Facilitator.Verify(ctx, payload, requirements)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "payment verification error: %v", err)
	}
	if !verified.IsValid {
		return nil, paymentRequired(rule, cfg, string(verified.InvalidReason))
	}

	return &verifiedPayment{
		payload:      payload,
		requirements: requirements,
		legacy:       !isV2,
		payer:        verified.Payer,
	}, nil
}

func (p *verifiedPayment) withContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, x402.PaymentContextKey, &x402.PaymentContext{
		Verified:     true,
		PayerAddress: p.payer,
		Amount:       p.requirements.Amount,
		Asset:        p.requirements.Asset,
		Network:      p.requirements.Network,
	})
}

// settle returns the trailer describing the settlement whenever the
// facilitator answered, and an error when the call must fail.
func (p *verifiedPayment) settle(ctx context.Context, rule *x402.PricingRule, cfg *x402.Config) (metadata.MD, error) {
	settled, err := cfg.Facilitator.Settle(ctx, p.payload, p.requirements)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "payment settlement failed: %v", err)
	}

	var trailer metadata.MD
	if encoded, err := x402.EncodePaymentResponse(x402.PaymentResponseOf(settled)); err == nil {
		key := MetadataKeyPaymentResponse
		if p.legacy {
			key = MetadataKeyLegacyPaymentResponse
		}
		trailer = metadata.Pairs(key, encoded)
	}

	if !settled.Success {
		return trailer, paymentRequired(rule, cfg, string(settled.ErrorReason))
	}
	return trailer, nil
}

// paymentRequired is the ResourceExhausted status whose message carries the
// encoded requirements of rule.
func paymentRequired(rule *x402.PricingRule, cfg *x402.Config, reason string) error {
	encoded, err := EncodePaymentRequirements(rule.Requirements(cfg.Validity()), reason)
	if err != nil {
		return status.Errorf(codes.Internal, "failed to encode payment requirements: %v", err)
	}
	return status.Error(codes.ResourceExhausted, encoded)
}

// GetPaymentFromContext returns the verified payment of the call.
func GetPaymentFromContext(ctx context.Context) (*x402.PaymentContext, bool) {
	return x402.GetPaymentFromContext(ctx)
}

// RequirePayment is GetPaymentFromContext with a ResourceExhausted status for
// handlers that cannot run unpaid.
func RequirePayment(ctx context.Context) (*x402.PaymentContext, error) {
	payment, err := x402.RequirePayment(ctx)
	if err != nil {
		return nil, status.Error(codes.ResourceExhausted, err.Error())
	}
	return payment, nil
}
