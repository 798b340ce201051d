package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	x402 "github.com/becomeliminal/x402-facilitator"
)

// FacilitatorRequest is the body of the /verify and /settle endpoints.
type FacilitatorRequest struct {
	PaymentPayload      *x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *x402.PaymentRequirements `json:"paymentRequirements"`
}

// FacilitatorClient handles communication with a remote facilitator service.
// It implements x402.Facilitator, so a resource server can swap it for the
// local Facilitator.
type FacilitatorClient struct {
	baseURL    string
	httpClient *http.Client
}

var _ x402.Facilitator = (*FacilitatorClient)(nil)

// NewFacilitatorClient creates a new facilitator client.
func NewFacilitatorClient(baseURL string) *FacilitatorClient {
	return &FacilitatorClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Verify checks if a payment is valid via POST /verify.
func (c *FacilitatorClient) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	var verifyResp x402.VerifyResponse
	req := &FacilitatorRequest{PaymentPayload: payload, PaymentRequirements: requirements}
	if err := c.do(ctx, http.MethodPost, "/verify", req, &verifyResp); err != nil {
		return nil, err
	}
	return &verifyResp, nil
}

// Settle executes the payment on-chain via POST /settle.
func (c *FacilitatorClient) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	var settleResp x402.SettleResponse
	req := &FacilitatorRequest{PaymentPayload: payload, PaymentRequirements: requirements}
	if err := c.do(ctx, http.MethodPost, "/settle", req, &settleResp); err != nil {
		return nil, err
	}
	settleResp.SettledAt = time.Now()
	return &settleResp, nil
}

// Supported fetches supported kinds, extensions, and signers via GET /supported.
func (c *FacilitatorClient) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	var supportedResp x402.SupportedResponse
	if err := c.do(ctx, http.MethodGet, "/supported", nil, &supportedResp); err != nil {
		return nil, err
	}
	return &supportedResp, nil
}

func (c *FacilitatorClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", path, err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return x402.NewPaymentError(x402.ErrCodeFacilitator, "failed to call facilitator "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return x402.NewPaymentError(x402.ErrCodeFacilitator,
			fmt.Sprintf("facilitator %s returned status %d: %s", path, resp.StatusCode, string(bodyBytes)), nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
