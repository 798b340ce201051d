package x402

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultValidity is used when Config.ValidityDuration is zero.
const DefaultValidity = 5 * time.Minute

// Config holds the pricing of a resource server guarded by PaymentMiddleware
// or the gRPC interceptors.
type Config struct {
	// Facilitator verifies and settles payments, either locally
	// (evm.Facilitator) or through a remote service (evm.FacilitatorClient).
	Facilitator Facilitator

	// EndpointPricing maps URL path patterns to pricing rules.
	// Patterns are exact paths, "/v1/*" prefixes or path.Match globs.
	EndpointPricing map[string]PricingRule

	// MethodPricing maps full gRPC method names ("/pkg.Service/Method") to
	// pricing rules, with the same pattern syntax.
	MethodPricing map[string]PricingRule

	// DefaultPricing applies when no pattern matches. Nil leaves unmatched
	// endpoints free.
	DefaultPricing *PricingRule

	// ValidityDuration becomes maxTimeoutSeconds of every requirement.
	ValidityDuration time.Duration

	// SkipPaths and SkipMethods are never charged, not even by DefaultPricing.
	SkipPaths   []string
	SkipMethods []string
}

// PricingRule lists the payment options of one resource. A client pays with
// exactly one of them.
type PricingRule struct {
	AcceptedTokens []TokenRequirement

	Description string
	MimeType    string
}

// TokenRequirement is one way to pay: a token on a network, an amount in
// base units and the address receiving it.
type TokenRequirement struct {
	Network       string // CAIP-2, e.g. "eip155:8453"
	AssetContract string
	Symbol        string
	Recipient     string
	Amount        string

	// TokenName and TokenVersion are the token's EIP-712 domain, advertised
	// in the requirement's extra field. TokenVersion defaults to "2", the
	// USDC domain version.
	TokenName     string
	TokenVersion  string
	TokenDecimals int
}

// Validity returns the configured validity or DefaultValidity.
func (c *Config) Validity() time.Duration {
	if c.ValidityDuration <= 0 {
		return DefaultValidity
	}
	return c.ValidityDuration
}

// Validate reports the first unusable part of the configuration.
func (c *Config) Validate() error {
	if c.Facilitator == nil {
		return NewPaymentError(ErrCodeInvalidConfig, "facilitator is required", nil)
	}
	for pattern, rule := range c.EndpointPricing {
		if err := rule.Validate(); err != nil {
			return NewPaymentError(ErrCodeInvalidConfig, fmt.Sprintf("endpoint %q", pattern), err)
		}
	}
	for method, rule := range c.MethodPricing {
		if err := rule.Validate(); err != nil {
			return NewPaymentError(ErrCodeInvalidConfig, fmt.Sprintf("method %q", method), err)
		}
	}
	if c.DefaultPricing != nil {
		if err := c.DefaultPricing.Validate(); err != nil {
			return NewPaymentError(ErrCodeInvalidConfig, "default pricing", err)
		}
	}
	return nil
}

// Validate checks every accepted token.
func (p *PricingRule) Validate() error {
	if len(p.AcceptedTokens) == 0 {
		return errors.New("at least one accepted token is required")
	}
	for i, token := range p.AcceptedTokens {
		if err := token.Validate(); err != nil {
			return fmt.Errorf("token %d (%s): %w", i, token.Symbol, err)
		}
	}
	return nil
}

// Validate checks that the token can be turned into an exact requirement.
func (t *TokenRequirement) Validate() error {
	namespace, reference, ok := strings.Cut(t.Network, ":")
	switch {
	case !ok || namespace == "" || reference == "":
		return fmt.Errorf("network %q is not a CAIP-2 identifier", t.Network)
	case t.Symbol == "":
		return errors.New("symbol is required")
	case !common.IsHexAddress(t.AssetContract):
		return fmt.Errorf("asset contract %q is not an address", t.AssetContract)
	case !common.IsHexAddress(t.Recipient):
		return fmt.Errorf("recipient %q is not an address", t.Recipient)
	case !isPositiveDecimal(t.Amount):
		return fmt.Errorf("amount %q is not a positive integer in base units", t.Amount)
	case t.TokenDecimals < 0:
		return fmt.Errorf("decimals %d is negative", t.TokenDecimals)
	}
	return nil
}

func isPositiveDecimal(s string) bool {
	if s == "" || strings.Trim(s, "0") == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// requirement converts the token to the exact requirement sent to clients.
func (t *TokenRequirement) requirement(validity time.Duration) PaymentRequirements {
	req := PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           t.Network,
		Amount:            t.Amount,
		Asset:             t.AssetContract,
		PayTo:             t.Recipient,
		MaxTimeoutSeconds: int(validity.Seconds()),
	}
	if t.TokenName != "" {
		version := t.TokenVersion
		if version == "" {
			version = "2"
		}
		req.Extra = map[string]interface{}{"name": t.TokenName, "version": version}
	}
	return req
}

// Requirements lists one PaymentRequirements per accepted token, in order.
func (p *PricingRule) Requirements(validity time.Duration) []PaymentRequirements {
	accepts := make([]PaymentRequirements, 0, len(p.AcceptedTokens))
	for i := range p.AcceptedTokens {
		accepts = append(accepts, p.AcceptedTokens[i].requirement(validity))
	}
	return accepts
}

// SelectRequirement returns the requirement matching the network and asset
// the client accepted. Asset addresses are compared case-insensitively.
func (p *PricingRule) SelectRequirement(accepted PaymentRequirements, validity time.Duration) (*PaymentRequirements, bool) {
	for i := range p.AcceptedTokens {
		token := &p.AcceptedTokens[i]
		if token.Network == accepted.Network && strings.EqualFold(token.AssetContract, accepted.Asset) {
			req := token.requirement(validity)
			return &req, true
		}
	}
	return nil, false
}

// SelectFor returns the requirement a decoded payment pays for. A legacy
// payment names only its network, so the first token on that network is
// chosen and its terms are copied into payload.Accepted.
func (p *PricingRule) SelectFor(payload *PaymentPayload, legacy bool, validity time.Duration) (*PaymentRequirements, bool) {
	if !legacy {
		return p.SelectRequirement(payload.Accepted, validity)
	}
	for i := range p.AcceptedTokens {
		token := &p.AcceptedTokens[i]
		if token.Network != payload.Accepted.Network {
			continue
		}
		req := token.requirement(validity)
		payload.Accepted.Amount = req.Amount
		payload.Accepted.Asset = req.Asset
		payload.Accepted.PayTo = req.PayTo
		return &req, true
	}
	return nil, false
}

// MatchEndpoint finds the pricing rule for an HTTP path.
func (c *Config) MatchEndpoint(requestPath string) (*PricingRule, bool) {
	return c.match(c.EndpointPricing, c.SkipPaths, requestPath)
}

// MatchMethod finds the pricing rule for a full gRPC method name.
func (c *Config) MatchMethod(fullMethod string) (*PricingRule, bool) {
	return c.match(c.MethodPricing, c.SkipMethods, fullMethod)
}

// match prefers an exact entry, then the longest matching pattern. Patterns
// of equal length are ordered lexically so the choice never depends on map
// iteration order.
func (c *Config) match(rules map[string]PricingRule, skip []string, target string) (*PricingRule, bool) {
	for _, pattern := range skip {
		if matchPattern(pattern, target) {
			return nil, false
		}
	}

	if rule, ok := rules[target]; ok {
		return &rule, true
	}

	best, found := "", false
	for pattern := range rules {
		if !matchPattern(pattern, target) {
			continue
		}
		if !found || len(pattern) > len(best) || (len(pattern) == len(best) && pattern < best) {
			best, found = pattern, true
		}
	}
	if found {
		rule := rules[best]
		return &rule, true
	}

	if c.DefaultPricing != nil {
		return c.DefaultPricing, true
	}
	return nil, false
}

func matchPattern(pattern, target string) bool {
	if pattern == target {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return target == prefix || strings.HasPrefix(target, prefix+"/")
	}
	matched, _ := path.Match(pattern, target)
	return matched
}
