package grpc

import (
	"context"
	"fmt"

	x402 "github.com/becomeliminal/x402-facilitator"
	"google.golang.org/grpc"
)

// StreamServerInterceptor is UnaryServerInterceptor for streaming methods.
// The payment is verified before the stream starts and settled once the
// handler returned without error.
func StreamServerInterceptor(cfg x402.Config) grpc.StreamServerInterceptor {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		rule, priced := cfg.MatchMethod(info.FullMethod)
		if !priced {
			return handler(srv, ss)
		}

		ctx := ss.Context()
		p, err := verifyPayment(ctx, rule, &cfg)
		if err != nil {
			return err
		}

		paid := &paidStream{ServerStream: ss, ctx: p.withContext(ctx)}
		if err := handler(srv, paid); err != nil {
			return err
		}

		trailer, err := p.settle(ctx, rule, &cfg)
		if trailer != nil {
			ss.SetTrailer(trailer)
		}
		return err
	}
}

// paidStream exposes the payment context to the stream handler.
type paidStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *paidStream) Context() context.Context { return s.ctx }
