// Package server exposes a Facilitator over HTTP with the /verify, /settle
// and /supported endpoints.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	x402 "github.com/becomeliminal/x402-facilitator"
)

const (
	msgInvalidJSON     = "Invalid JSON in request body"
	msgMissingFields   = "Request must include both paymentPayload and paymentRequirements"
	msgInternalError   = "Internal server error"
	msgNotFound        = "Endpoint not found. Use /verify, /settle, or /supported"
	defaultReadTimeout = 30 * time.Second
)

// rawRequest is the body of /verify and /settle. Both parts stay raw until
// their presence is checked, so a wrong-typed field inside them is a
// rejected payment and not a malformed request.
type rawRequest struct {
	PaymentPayload      json.RawMessage `json:"paymentPayload" binding:"required"`
	PaymentRequirements json.RawMessage `json:"paymentRequirements" binding:"required"`
}

type facilitatorRequest struct {
	PaymentPayload      *x402.PaymentPayload
	PaymentRequirements *x402.PaymentRequirements
}

// Server is the facilitator HTTP transport.
type Server struct {
	facilitator x402.Facilitator
	logger      *slog.Logger
	engine      *gin.Engine
}

// New creates the server and its routes. A nil logger means slog.Default().
func New(facilitator x402.Facilitator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		facilitator: facilitator,
		logger:      logger,
		engine:      gin.New(),
	}

	s.engine.Use(requestLogger(logger))
	s.engine.Use(corsMiddleware())

	s.engine.Any("/verify", allowMethod(http.MethodPost), s.handleVerify)
	s.engine.Any("/settle", allowMethod(http.MethodPost), s.handleSettle)
	s.engine.Any("/supported", allowMethod(http.MethodGet), s.handleSupported)

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": msgNotFound})
	})

	return s
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
// within shutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: defaultReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("facilitator listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down facilitator")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// bindRequest checks the envelope of the body and writes the 400 response
// when it is unusable.
func bindRequest(c *gin.Context) (*rawRequest, bool) {
	var raw rawRequest
	if err := c.ShouldBindJSON(&raw); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			c.JSON(http.StatusBadRequest, gin.H{"error": msgMissingFields})
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": msgInvalidJSON})
		}
		return nil, false
	}
	if isNull(raw.PaymentPayload) || isNull(raw.PaymentRequirements) {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgMissingFields})
		return nil, false
	}
	return &raw, true
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// decode types both parts. A part that does not fit its type is reported
// as the reason the payment is rejected.
func (raw *rawRequest) decode() (*facilitatorRequest, x402.Reason) {
	var req facilitatorRequest
	if err := decodeNumbers(raw.PaymentPayload, &req.PaymentPayload); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field == "x402Version" {
			return nil, x402.ReasonInvalidVersion
		}
		return nil, x402.ReasonUnexpectedVerifyError
	}
	if err := decodeNumbers(raw.PaymentRequirements, &req.PaymentRequirements); err != nil {
		return nil, x402.ReasonUnexpectedVerifyError
	}
	return &req, ""
}

// decodeNumbers keeps integers in scheme payloads verbatim instead of float64.
func decodeNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func (s *Server) handleVerify(c *gin.Context) {
	logger := loggerFrom(c, s.logger)
	internalError := func() {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":         msgInternalError,
			"isValid":       false,
			"invalidReason": x402.ReasonUnexpectedVerifyError,
		})
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in verify handler", "panic", r)
			internalError()
		}
	}()

	raw, ok := bindRequest(c)
	if !ok {
		return
	}
	req, reason := raw.decode()
	if reason != "" {
		logger.Warn("verify rejected malformed payment", "reason", reason)
		c.JSON(http.StatusOK, x402.VerifyResponse{IsValid: false, InvalidReason: reason})
		return
	}

	resp, err := s.facilitator.Verify(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil || resp == nil {
		logger.Error("verify failed", "error", err)
		internalError()
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSettle(c *gin.Context) {
	logger := loggerFrom(c, s.logger)
	internalError := func() {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":       msgInternalError,
			"success":     false,
			"errorReason": x402.ReasonUnexpectedSettleError,
		})
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in settle handler", "panic", r)
			internalError()
		}
	}()

	raw, ok := bindRequest(c)
	if !ok {
		return
	}
	req, reason := raw.decode()
	if reason != "" {
		logger.Warn("settle rejected malformed payment", "reason", reason)
		c.JSON(http.StatusOK, x402.SettleResponse{Success: false, ErrorReason: reason})
		return
	}

	resp, err := s.facilitator.Settle(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil || resp == nil {
		logger.Error("settle failed", "error", err)
		internalError()
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSupported(c *gin.Context) {
	resp, err := s.facilitator.Supported(c.Request.Context())
	if err != nil {
		loggerFrom(c, s.logger).Error("supported failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternalError})
		return
	}
	c.JSON(http.StatusOK, resp)
}
