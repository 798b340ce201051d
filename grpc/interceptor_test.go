package grpc

import (
	"context"
	"errors"
	"testing"

	x402 "github.com/becomeliminal/x402-facilitator"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type mockFacilitator struct {
	verify      *x402.VerifyResponse
	settle      *x402.SettleResponse
	settleCalls int
}

func (m *mockFacilitator) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	if m.verify != nil {
		return m.verify, nil
	}
	return &x402.VerifyResponse{IsValid: true, Payer: "0xPayer"}, nil
}

func (m *mockFacilitator) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	m.settleCalls++
	if m.settle != nil {
		return m.settle, nil
	}
	return &x402.SettleResponse{Success: true, Transaction: "0xtx", Network: requirements.Network, Payer: "0xPayer"}, nil
}

func (m *mockFacilitator) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	return &x402.SupportedResponse{}, nil
}

const paidMethod = "/test.v1.TestService/Paid"

func testConfig(f x402.Facilitator) x402.Config {
	return x402.Config{
		Facilitator: f,
		MethodPricing: map[string]x402.PricingRule{
			paidMethod: {
				AcceptedTokens: []x402.TokenRequirement{
					{
						Network:       "eip155:84532",
						Symbol:        "USDC",
						AssetContract: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
						Recipient:     "0x2222222222222222222222222222222222222222",
						Amount:        "1000000",
					},
				},
			},
		},
	}
}

func paidContext(t *testing.T) context.Context {
	t.Helper()
	encoded, err := EncodePaymentPayload(&x402.PaymentPayload{
		X402Version: 2,
		Accepted: x402.PaymentRequirements{
			Scheme:  "exact",
			Network: "eip155:84532",
			Asset:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		},
		Payload: map[string]interface{}{"signature": "0xsig"},
	})
	if err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(MetadataKeyPaymentSignature, encoded))
}

func TestUnaryServerInterceptor_PaymentRequired(t *testing.T) {
	interceptor := UnaryServerInterceptor(testConfig(&mockFacilitator{}))
	info := &grpc.UnaryServerInfo{FullMethod: paidMethod}

	_, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		t.Error("handler must not run without payment")
		return nil, nil
	})

	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
	decoded, decErr := DecodePaymentRequirements(status.Convert(err).Message())
	if decErr != nil {
		t.Fatalf("status message is not encoded requirements: %v", decErr)
	}
	if len(decoded.Accepts) != 1 || decoded.Accepts[0].Amount != "1000000" {
		t.Errorf("unexpected accepts %+v", decoded.Accepts)
	}
}

func TestUnaryServerInterceptor_SettlesAfterHandler(t *testing.T) {
	f := &mockFacilitator{}
	interceptor := UnaryServerInterceptor(testConfig(f))
	info := &grpc.UnaryServerInfo{FullMethod: paidMethod}

	resp, err := interceptor(paidContext(t), "req", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		payment, err := RequirePayment(ctx)
		if err != nil {
			t.Fatalf("expected payment context: %v", err)
		}
		if payment.PayerAddress != "0xPayer" {
			t.Errorf("expected payer '0xPayer', got %s", payment.PayerAddress)
		}
		if f.settleCalls != 0 {
			t.Error("settlement must happen after the handler")
		}
		return "ok", nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp != "ok" {
		t.Errorf("expected 'ok', got %v", resp)
	}
	if f.settleCalls != 1 {
		t.Errorf("expected 1 settlement, got %d", f.settleCalls)
	}
}

func TestUnaryServerInterceptor_HandlerErrorSkipsSettlement(t *testing.T) {
	f := &mockFacilitator{}
	interceptor := UnaryServerInterceptor(testConfig(f))
	info := &grpc.UnaryServerInfo{FullMethod: paidMethod}

	handlerErr := errors.New("boom")
	_, err := interceptor(paidContext(t), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, handlerErr
	})

	if !errors.Is(err, handlerErr) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if f.settleCalls != 0 {
		t.Errorf("expected no settlement, got %d", f.settleCalls)
	}
}

func TestUnaryServerInterceptor_Rejected(t *testing.T) {
	f := &mockFacilitator{verify: &x402.VerifyResponse{IsValid: false, InvalidReason: x402.ReasonInvalidSignature}}
	interceptor := UnaryServerInterceptor(testConfig(f))
	info := &grpc.UnaryServerInfo{FullMethod: paidMethod}

	_, err := interceptor(paidContext(t), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		t.Error("handler must not run for a rejected payment")
		return nil, nil
	})

	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
	decoded, decErr := DecodePaymentRequirements(status.Convert(err).Message())
	if decErr != nil {
		t.Fatalf("failed to decode requirements: %v", decErr)
	}
	if decoded.Error != string(x402.ReasonInvalidSignature) {
		t.Errorf("expected error %q, got %q", x402.ReasonInvalidSignature, decoded.Error)
	}
}

func TestUnaryServerInterceptor_SettlementFailed(t *testing.T) {
	f := &mockFacilitator{settle: &x402.SettleResponse{Success: false, ErrorReason: x402.ReasonSettlementFailed}}
	interceptor := UnaryServerInterceptor(testConfig(f))
	info := &grpc.UnaryServerInfo{FullMethod: paidMethod}

	_, err := interceptor(paidContext(t), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	})

	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
}

type fakeServerStream struct {
	grpc.ServerStream
	ctx     context.Context
	trailer metadata.MD
}

func (s *fakeServerStream) Context() context.Context { return s.ctx }

func (s *fakeServerStream) SetTrailer(md metadata.MD) { s.trailer = metadata.Join(s.trailer, md) }

func TestStreamServerInterceptor_SetsPaymentResponseTrailer(t *testing.T) {
	f := &mockFacilitator{}
	interceptor := StreamServerInterceptor(testConfig(f))
	info := &grpc.StreamServerInfo{FullMethod: paidMethod}
	ss := &fakeServerStream{ctx: paidContext(t)}

	err := interceptor(nil, ss, info, func(srv interface{}, stream grpc.ServerStream) error {
		if _, ok := GetPaymentFromContext(stream.Context()); !ok {
			t.Error("expected payment context on the stream")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	values := ss.trailer.Get(MetadataKeyPaymentResponse)
	if len(values) != 1 {
		t.Fatalf("expected payment-response trailer, got %v", ss.trailer)
	}
	resp, err := DecodePaymentResponse(values[0])
	if err != nil {
		t.Fatalf("failed to decode payment response: %v", err)
	}
	if !resp.Success || resp.Transaction != "0xtx" {
		t.Errorf("unexpected payment response %+v", resp)
	}
}

func TestUnaryServerInterceptor_MalformedMetadata(t *testing.T) {
	interceptor := UnaryServerInterceptor(testConfig(&mockFacilitator{}))
	info := &grpc.UnaryServerInfo{FullMethod: paidMethod}
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(MetadataKeyPaymentSignature, "%%%"))

	_, err := interceptor(ctx, nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		t.Error("handler must not run for malformed metadata")
		return nil, nil
	})

	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestUnaryServerInterceptor_UnpricedMethod(t *testing.T) {
	f := &mockFacilitator{}
	interceptor := UnaryServerInterceptor(testConfig(f))
	info := &grpc.UnaryServerInfo{FullMethod: "/test.v1.TestService/Free"}

	resp, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "free", nil
	})

	if err != nil || resp != "free" {
		t.Fatalf("expected free call to pass, got %v, %v", resp, err)
	}
	if f.settleCalls != 0 {
		t.Errorf("expected no settlement, got %d", f.settleCalls)
	}
}

func TestStreamServerInterceptor_LegacyPaymentSettlesRuleTerms(t *testing.T) {
	var settled *x402.PaymentPayload
	f := &recordingFacilitator{mockFacilitator: &mockFacilitator{}, settled: &settled}
	interceptor := StreamServerInterceptor(testConfig(f))
	info := &grpc.StreamServerInfo{FullMethod: paidMethod}
	ss := &fakeServerStream{ctx: metadata.NewIncomingContext(context.Background(),
		metadata.Pairs(MetadataKeyLegacyPayment, v1Value(t, "eip155:84532")))}

	err := interceptor(nil, ss, info, func(srv interface{}, stream grpc.ServerStream) error { return nil })

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ss.trailer.Get(MetadataKeyLegacyPaymentResponse)) != 1 {
		t.Errorf("expected x402-payment-response trailer, got %v", ss.trailer)
	}
	if len(ss.trailer.Get(MetadataKeyPaymentResponse)) != 0 {
		t.Errorf("legacy call must not get payment-response, got %v", ss.trailer)
	}
	if settled == nil || settled.Accepted.Amount != "1000000" || settled.Accepted.PayTo != "0x2222222222222222222222222222222222222222" {
		t.Errorf("expected legacy payload to carry the rule's terms, got %+v", settled)
	}
}

func TestStreamServerInterceptor_SettlementFailedKeepsTrailer(t *testing.T) {
	f := &mockFacilitator{settle: &x402.SettleResponse{Success: false, ErrorReason: x402.ReasonAuthorizationAlreadyUsed, Network: "eip155:84532"}}
	interceptor := StreamServerInterceptor(testConfig(f))
	info := &grpc.StreamServerInfo{FullMethod: paidMethod}
	ss := &fakeServerStream{ctx: paidContext(t)}

	err := interceptor(nil, ss, info, func(srv interface{}, stream grpc.ServerStream) error { return nil })

	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
	values := ss.trailer.Get(MetadataKeyPaymentResponse)
	if len(values) != 1 {
		t.Fatalf("expected payment-response trailer, got %v", ss.trailer)
	}
	resp, err := DecodePaymentResponse(values[0])
	if err != nil {
		t.Fatalf("failed to decode payment response: %v", err)
	}
	if resp.Success || resp.ErrorReason != x402.ReasonAuthorizationAlreadyUsed {
		t.Errorf("unexpected payment response %+v", resp)
	}
}

// recordingFacilitator keeps the payload it was asked to settle.
type recordingFacilitator struct {
	*mockFacilitator
	settled **x402.PaymentPayload
}

func (r *recordingFacilitator) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	*r.settled = payload
	return r.mockFacilitator.Settle(ctx, payload, requirements)
}
