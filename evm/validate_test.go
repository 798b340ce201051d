package evm

import (
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/becomeliminal/x402-facilitator"
)

func TestValidate_OK(t *testing.T) {
	p := newTestPayment(t)

	payment, payer, reason, err := Validate(p.payload, p.requirements, testNow)
	require.NoError(t, err)
	assert.Empty(t, reason)
	assert.Equal(t, p.payer(), payer)
	require.NotNil(t, payment)
	assert.Equal(t, NetworkBaseSepolia, payment.Chain.Network)
	assert.Equal(t, p.payer(), payment.Payer())
	assert.Len(t, payment.Signature, 65)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(p *testPayment)
		want      x402.Reason
		wantPayer bool
	}{
		{
			name:   "version 1",
			mutate: func(p *testPayment) { p.payload.X402Version = 1 },
			want:   x402.ReasonInvalidVersion,
		},
		{
			name: "version checked before scheme",
			mutate: func(p *testPayment) {
				p.payload.X402Version = 3
				p.payload.Accepted.Scheme = "upto"
			},
			want: x402.ReasonInvalidVersion,
		},
		{
			name:   "accepted scheme",
			mutate: func(p *testPayment) { p.payload.Accepted.Scheme = "upto" },
			want:   x402.ReasonUnsupportedScheme,
		},
		{
			name:   "required scheme",
			mutate: func(p *testPayment) { p.requirements.Scheme = "upto" },
			want:   x402.ReasonUnsupportedScheme,
		},
		{
			name: "unsupported network",
			mutate: func(p *testPayment) {
				p.payload.Accepted.Network = "eip155:1"
				p.requirements.Network = "eip155:1"
			},
			want: x402.ReasonInvalidNetwork,
		},
		{
			name:   "network mismatch",
			mutate: func(p *testPayment) { p.requirements.Network = NetworkBase },
			want:   x402.ReasonInvalidNetwork,
		},
		{
			name:   "missing payload",
			mutate: func(p *testPayment) { p.payload.Payload = nil },
			want:   x402.ReasonInvalidPayload,
		},
		{
			name:   "malformed from",
			mutate: func(p *testPayment) { p.exact().Authorization.From = "0xnope" },
			want:   x402.ReasonInvalidPayload,
		},
		{
			name:      "malformed value keeps payer",
			mutate:    func(p *testPayment) { p.exact().Authorization.Value = "1.5" },
			want:      x402.ReasonInvalidPayload,
			wantPayer: true,
		},
		{
			name:      "short signature",
			mutate:    func(p *testPayment) { p.exact().Signature = "0x1234" },
			want:      x402.ReasonInvalidPayload,
			wantPayer: true,
		},
		{
			name: "not yet valid",
			mutate: func(p *testPayment) {
				p.exact().Authorization.ValidAfter = DecimalString(big.NewInt(testNow.Unix() + 1).String())
			},
			want:      x402.ReasonAuthorizationNotYet,
			wantPayer: true,
		},
		{
			name: "valid before is exclusive",
			mutate: func(p *testPayment) {
				p.exact().Authorization.ValidBefore = DecimalString(big.NewInt(testNow.Unix()).String())
			},
			want:      x402.ReasonAuthorizationExpired,
			wantPayer: true,
		},
		{
			name:      "value below required",
			mutate:    func(p *testPayment) { p.requirements.Amount = "1000001" },
			want:      x402.ReasonAuthorizationValue,
			wantPayer: true,
		},
		{
			name:      "recipient mismatch",
			mutate:    func(p *testPayment) { p.requirements.PayTo = "0x3333333333333333333333333333333333333333" },
			want:      x402.ReasonRecipientMismatch,
			wantPayer: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPayment(t)
			tt.mutate(p)

			payment, payer, reason, err := Validate(p.payload, p.requirements, testNow)
			require.NoError(t, err)
			assert.Nil(t, payment)
			assert.Equal(t, tt.want, reason)
			if tt.wantPayer {
				assert.Equal(t, p.payer(), payer)
			} else {
				assert.Empty(t, payer)
			}
		})
	}
}

func TestValidate_Boundaries(t *testing.T) {
	t.Run("valid after is inclusive", func(t *testing.T) {
		p := newTestPayment(t)
		p.exact().Authorization.ValidAfter = DecimalString(big.NewInt(testNow.Unix()).String())

		_, _, reason, err := Validate(p.payload, p.requirements, testNow)
		require.NoError(t, err)
		assert.Empty(t, reason)
	})

	t.Run("one second before expiry", func(t *testing.T) {
		p := newTestPayment(t)
		p.exact().Authorization.ValidBefore = DecimalString(big.NewInt(testNow.Unix() + 1).String())

		_, _, reason, err := Validate(p.payload, p.requirements, testNow)
		require.NoError(t, err)
		assert.Empty(t, reason)
	})

	t.Run("overpayment accepted", func(t *testing.T) {
		p := newTestPayment(t)
		p.requirements.Amount = "999999"

		_, _, reason, err := Validate(p.payload, p.requirements, testNow)
		require.NoError(t, err)
		assert.Empty(t, reason)
	})

	t.Run("recipient case ignored", func(t *testing.T) {
		p := newTestPayment(t)
		p.requirements.PayTo = strings.ToUpper(merchantAddr[2:])
		p.requirements.PayTo = "0x" + p.requirements.PayTo

		_, _, reason, err := Validate(p.payload, p.requirements, testNow)
		require.NoError(t, err)
		assert.Empty(t, reason)
	})

	t.Run("recipient without 0x prefix", func(t *testing.T) {
		p := newTestPayment(t)
		p.exact().Authorization.To = merchantAddr[2:]

		_, _, reason, err := Validate(p.payload, p.requirements, testNow)
		require.NoError(t, err)
		assert.Empty(t, reason)
	})

	t.Run("payTo without 0x prefix", func(t *testing.T) {
		p := newTestPayment(t)
		p.requirements.PayTo = merchantAddr[2:]

		_, _, reason, err := Validate(p.payload, p.requirements, testNow)
		require.NoError(t, err)
		assert.Empty(t, reason)
	})
}

func TestValidate_MalformedPayTo(t *testing.T) {
	p := newTestPayment(t)
	p.requirements.PayTo = "merchant"

	_, _, reason, err := Validate(p.payload, p.requirements, testNow)
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonRecipientMismatch, reason)
}

func TestValidate_BadRequirementsAmount(t *testing.T) {
	p := newTestPayment(t)
	p.requirements.Amount = "one dollar"

	_, payer, reason, err := Validate(p.payload, p.requirements, testNow)
	assert.Error(t, err)
	assert.Empty(t, reason)
	assert.Equal(t, p.payer(), payer)
}

func TestValidate_MapPayload(t *testing.T) {
	p := newTestPayment(t)
	raw := p.exact().Authorization
	p.payload.Payload = map[string]interface{}{
		"signature": p.exact().Signature,
		"authorization": map[string]interface{}{
			"from":        raw.From,
			"to":          raw.To,
			"value":       string(raw.Value),
			"validAfter":  string(raw.ValidAfter),
			"validBefore": string(raw.ValidBefore),
			"nonce":       raw.Nonce,
		},
	}

	payment, _, reason, err := Validate(p.payload, p.requirements, testNow)
	require.NoError(t, err)
	assert.Empty(t, reason)
	assert.NotNil(t, payment)
}
