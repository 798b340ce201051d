package evm

import (
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ExactPayload represents the EVM-specific payload of an "exact" payment.
// Following the EIP-3009 transferWithAuthorization specification.
type ExactPayload struct {
	Signature     string            `json:"signature"`
	Authorization *AuthorizationRaw `json:"authorization"`
}

// AuthorizationRaw contains the EIP-3009 authorization parameters as sent on
// the wire. Integers are unsigned decimal strings.
type AuthorizationRaw struct {
	From        string        `json:"from"`
	To          string        `json:"to"`
	Value       DecimalString `json:"value"`
	ValidAfter  DecimalString `json:"validAfter"`
	ValidBefore DecimalString `json:"validBefore"`
	Nonce       string        `json:"nonce"`
}

// DecimalString is an unsigned integer carried as a JSON string. Bare JSON
// numbers are accepted as well and kept verbatim, so no precision is lost.
type DecimalString string

// UnmarshalJSON implements json.Unmarshaler.
func (d *DecimalString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*d = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = DecimalString(s)
		return nil
	}
	*d = DecimalString(b)
	return nil
}

// Authorization is a parsed, well-formed EIP-3009 authorization.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// Raw converts the authorization back to its wire form.
func (a *Authorization) Raw() *AuthorizationRaw {
	return &AuthorizationRaw{
		From:        a.From.Hex(),
		To:          a.To.Hex(),
		Value:       DecimalString(a.Value.String()),
		ValidAfter:  DecimalString(a.ValidAfter.String()),
		ValidBefore: DecimalString(a.ValidBefore.String()),
		Nonce:       hexutil.Encode(a.Nonce[:]),
	}
}

var decimalPattern = regexp.MustCompile(`^[0-9]+$`)

// maxUint256 is 2^256 - 1.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ParseUint256 parses an unsigned decimal string in the uint256 range without
// loss of precision.
func ParseUint256(s string) (*big.Int, error) {
	if !decimalPattern.MatchString(s) {
		return nil, fmt.Errorf("%q is not an unsigned decimal integer", s)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("%q is out of uint256 range", s)
	}
	return v, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: %q is not a hex address", field, s)
	}
	return common.HexToAddress(s), nil
}

// Parse validates the wire fields and converts them to typed values.
func (r *AuthorizationRaw) Parse() (*Authorization, error) {
	from, err := parseAddress("from", r.From)
	if err != nil {
		return nil, err
	}
	to, err := parseAddress("to", r.To)
	if err != nil {
		return nil, err
	}

	value, err := ParseUint256(string(r.Value))
	if err != nil {
		return nil, fmt.Errorf("value: %w", err)
	}
	validAfter, err := ParseUint256(string(r.ValidAfter))
	if err != nil {
		return nil, fmt.Errorf("validAfter: %w", err)
	}
	validBefore, err := ParseUint256(string(r.ValidBefore))
	if err != nil {
		return nil, fmt.Errorf("validBefore: %w", err)
	}

	nonceBytes, err := hexutil.Decode(r.Nonce)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	if len(nonceBytes) != 32 {
		return nil, fmt.Errorf("nonce: expected 32 bytes, got %d", len(nonceBytes))
	}

	auth := &Authorization{
		From:        from,
		To:          to,
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
	}
	copy(auth.Nonce[:], nonceBytes)
	return auth, nil
}

// ParseSignature decodes a 65-byte r||s||v signature.
func ParseSignature(s string) ([]byte, error) {
	sig, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("signature: expected 65 bytes, got %d", len(sig))
	}
	return sig, nil
}

// parseExactPayload converts the scheme-specific payload of a PaymentPayload,
// which arrives as decoded JSON, into an ExactPayload.
func parseExactPayload(payload interface{}) (*ExactPayload, error) {
	if payload == nil {
		return nil, fmt.Errorf("payload is required")
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	var exact ExactPayload
	if err := json.Unmarshal(payloadBytes, &exact); err != nil {
		return nil, fmt.Errorf("failed to unmarshal EVM payload: %w", err)
	}

	if exact.Signature == "" {
		return nil, fmt.Errorf("signature is required")
	}

	if exact.Authorization == nil {
		return nil, fmt.Errorf("authorization is required")
	}

	return &exact, nil
}
