package evm

import (
	"context"
	"crypto/ecdsa"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	x402 "github.com/becomeliminal/x402-facilitator"
)

const (
	baseSepoliaUSDC = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	merchantAddr    = "0x2222222222222222222222222222222222222222"
)

var testNow = time.Unix(1_700_000_000, 0)

// Transaction nonces let WaitMined tell the settlement from the fee transfer.
const (
	settleTxNonce = 1
	feeTxNonce    = 2
)

type fakeToken struct {
	mu    sync.Mutex
	calls []string

	used         bool
	usedErr      error
	balance      *big.Int
	balanceErr   error
	allowance    *big.Int
	allowanceErr error

	transferFromErr error
	transferAuthErr error
	waitErr         error
	settleStatus    uint64
	feeStatus       uint64

	onBalance func()
}

func newFakeToken() *fakeToken {
	return &fakeToken{
		balance:      big.NewInt(1_000_000_000),
		allowance:    big.NewInt(1_000_000),
		settleStatus: types.ReceiptStatusSuccessful,
		feeStatus:    types.ReceiptStatusSuccessful,
	}
}

func (t *fakeToken) record(call string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, call)
}

func (t *fakeToken) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

func (t *fakeToken) AuthorizationState(context.Context, common.Address, [32]byte) (bool, error) {
	t.record("authorizationState")
	return t.used, t.usedErr
}

func (t *fakeToken) BalanceOf(context.Context, common.Address) (*big.Int, error) {
	t.record("balanceOf")
	if t.onBalance != nil {
		t.onBalance()
	}
	if t.balanceErr != nil {
		return nil, t.balanceErr
	}
	return new(big.Int).Set(t.balance), nil
}

func (t *fakeToken) Allowance(context.Context, common.Address, common.Address) (*big.Int, error) {
	t.record("allowance")
	if t.allowanceErr != nil {
		return nil, t.allowanceErr
	}
	return new(big.Int).Set(t.allowance), nil
}

func (t *fakeToken) TransferFrom(context.Context, common.Address, common.Address, *big.Int) (*types.Transaction, error) {
	t.record("transferFrom")
	if t.transferFromErr != nil {
		return nil, t.transferFromErr
	}
	return types.NewTx(&types.LegacyTx{Nonce: feeTxNonce, Gas: 21000, GasPrice: big.NewInt(1)}), nil
}

func (t *fakeToken) TransferWithAuthorization(context.Context, *Authorization, []byte) (*types.Transaction, error) {
	t.record("transferWithAuthorization")
	if t.transferAuthErr != nil {
		return nil, t.transferAuthErr
	}
	return types.NewTx(&types.LegacyTx{Nonce: settleTxNonce, Gas: 21000, GasPrice: big.NewInt(1)}), nil
}

func (t *fakeToken) WaitMined(_ context.Context, tx *types.Transaction) (*types.Receipt, error) {
	t.record("waitMined")
	if t.waitErr != nil {
		return nil, t.waitErr
	}
	status := t.settleStatus
	if tx.Nonce() == feeTxNonce {
		status = t.feeStatus
	}
	return &types.Receipt{Status: status, TxHash: tx.Hash()}, nil
}

type fakeBackend struct {
	token *fakeToken
	err   error

	mu     sync.Mutex
	opened []common.Address
}

func (b *fakeBackend) Token(_ context.Context, _ Chain, token common.Address) (TokenContract, error) {
	b.mu.Lock()
	b.opened = append(b.opened, token)
	b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	return b.token, nil
}

func (b *fakeBackend) Opened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.opened)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testPayment is a signed Base Sepolia USDC payment over testNow.
type testPayment struct {
	key          *ecdsa.PrivateKey
	auth         *Authorization
	payload      *x402.PaymentPayload
	requirements *x402.PaymentRequirements
}

func newTestPayment(t *testing.T) *testPayment {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	var nonce [32]byte
	copy(nonce[:], crypto.Keccak256([]byte(t.Name())))

	auth := &Authorization{
		From:        crypto.PubkeyToAddress(key.PublicKey),
		To:          common.HexToAddress(merchantAddr),
		Value:       big.NewInt(1_000_000),
		ValidAfter:  big.NewInt(testNow.Unix() - 60),
		ValidBefore: big.NewInt(testNow.Unix() + 300),
		Nonce:       nonce,
	}

	requirements := &x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           NetworkBaseSepolia,
		Amount:            "1000000",
		Asset:             baseSepoliaUSDC,
		PayTo:             merchantAddr,
		MaxTimeoutSeconds: 300,
	}

	p := &testPayment{key: key, auth: auth, requirements: requirements}
	p.sign(t)
	return p
}

// sign re-signs the current authorization and rebuilds the payload.
func (p *testPayment) sign(t *testing.T) {
	t.Helper()

	domain, err := ResolveDomain(NetworkBaseSepolia, baseSepoliaUSDC)
	require.NoError(t, err)
	sig, err := SignTransferWithAuthorization(p.key, p.auth, domain)
	require.NoError(t, err)

	p.payload = &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Accepted:    *p.requirements,
		Payload: &ExactPayload{
			Signature:     hexutil.Encode(sig),
			Authorization: p.auth.Raw(),
		},
	}
}

func (p *testPayment) payer() string {
	return p.auth.From.Hex()
}

func (p *testPayment) exact() *ExactPayload {
	return p.payload.Payload.(*ExactPayload)
}
