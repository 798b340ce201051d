package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// V2 header names.
const (
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"
	HeaderPaymentRequired  = "PAYMENT-REQUIRED"

	// V1 legacy header names.
	HeaderLegacyPayment         = "X-PAYMENT"
	HeaderLegacyPaymentResponse = "X-PAYMENT-RESPONSE"
)

// PaymentMiddleware creates HTTP middleware that charges the endpoints priced
// in cfg. PAYMENT-SIGNATURE (V2) is read first, X-PAYMENT (V1) second.
//
// A payment is verified before the handler runs and settled only after the
// handler succeeded (status < 400). The handler's response is buffered until
// the settlement outcome is known; a failed settlement replaces it by a 402.
// PaymentMiddleware panics on an invalid cfg.
func PaymentMiddleware(cfg Config) func(http.Handler) http.Handler {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 middleware configuration: %v", err))
	}
	return func(next http.Handler) http.Handler {
		return &paymentHandler{cfg: cfg, next: next}
	}
}

type paymentHandler struct {
	cfg  Config
	next http.Handler
}

func (h *paymentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rule, priced := h.cfg.MatchEndpoint(r.URL.Path)
	if !priced {
		h.next.ServeHTTP(w, r)
		return
	}

	payload, legacy, err := ParsePayment(r.Header.Get(HeaderPaymentSignature), r.Header.Get(HeaderLegacyPayment))
	if errors.Is(err, ErrNoPayment) {
		h.paymentRequired(w, rule, "")
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid payment header: %v", err)})
		return
	}

	requirements, ok := rule.SelectFor(payload, legacy, h.cfg.Validity())
	if !ok {
		h.paymentRequired(w, rule, "No matching payment requirements")
		return
	}

	ctx := r.Context()
	verified, err := h.cfg.Facilitator.Verify(ctx, payload, requirements)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": fmt.Sprintf("Payment verification error: %v", err)})
		return
	}
	if !verified.IsValid {
		h.paymentRequired(w, rule, string(verified.InvalidReason))
		return
	}

	ctx = context.WithValue(ctx, PaymentContextKey, &PaymentContext{
		Verified:     true,
		PayerAddress: verified.Payer,
		Amount:       requirements.Amount,
		Asset:        requirements.Asset,
		Network:      requirements.Network,
	})

	buf := newBufferedResponse()
	h.next.ServeHTTP(buf, r.WithContext(ctx))
	if buf.status >= http.StatusBadRequest {
		buf.flushTo(w)
		return
	}

	settled, err := h.cfg.Facilitator.Settle(ctx, payload, requirements)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": fmt.Sprintf("Payment settlement error: %v", err)})
		return
	}

	responseHeader := HeaderPaymentResponse
	if legacy {
		responseHeader = HeaderLegacyPaymentResponse
	}
	if encoded, err := EncodePaymentResponse(PaymentResponseOf(settled)); err == nil {
		w.Header().Set(responseHeader, encoded)
	}

	if !settled.Success {
		h.paymentRequired(w, rule, string(settled.ErrorReason))
		return
	}
	buf.flushTo(w)
}

// paymentRequired writes the 402 carrying every option of rule, in the body
// and in the PAYMENT-REQUIRED header.
func (h *paymentHandler) paymentRequired(w http.ResponseWriter, rule *PricingRule, reason string) {
	required := paymentRequired(rule.Requirements(h.cfg.Validity()), reason)
	if encoded, err := EncodeHeader(required); err == nil {
		w.Header().Set(HeaderPaymentRequired, encoded)
	}
	writeJSON(w, http.StatusPaymentRequired, required)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// bufferedResponse holds a handler's response until settlement decides
// whether it is delivered.
type bufferedResponse struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) Write(p []byte) (int, error) { return b.body.Write(p) }

func (b *bufferedResponse) WriteHeader(status int) { b.status = status }

func (b *bufferedResponse) flushTo(w http.ResponseWriter) {
	for k, v := range b.header {
		w.Header()[k] = v
	}
	w.WriteHeader(b.status)
	w.Write(b.body.Bytes())
}

// GetPaymentFromContext returns the verified payment of the request.
func GetPaymentFromContext(ctx context.Context) (*PaymentContext, bool) {
	payment, ok := ctx.Value(PaymentContextKey).(*PaymentContext)
	return payment, ok
}

// RequirePayment is GetPaymentFromContext for handlers that cannot run
// unpaid.
func RequirePayment(ctx context.Context) (*PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, errors.New("payment context not found")
	}
	if !payment.Verified {
		return nil, errors.New("payment not verified")
	}
	return payment, nil
}
