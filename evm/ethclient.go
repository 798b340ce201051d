package evm

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// tokenABIJSON is the minimal ERC-20 + EIP-3009 surface used by the facilitator.
const tokenABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"authorizationState","stateMutability":"view",
   "inputs":[{"name":"authorizer","type":"address"},{"name":"nonce","type":"bytes32"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"transferFrom","stateMutability":"nonpayable",
   "inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"transferWithAuthorization","stateMutability":"nonpayable",
   "inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},
             {"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},
             {"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],
   "outputs":[]}
]`

var tokenABI = mustParseABI(tokenABIJSON)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("evm: invalid token ABI: %v", err))
	}
	return parsed
}

const (
	defaultRPCTimeout     = 15 * time.Second
	defaultReceiptTimeout = 2 * time.Minute
)

// EthBackend is a Backend talking JSON-RPC through go-ethereum's ethclient.
// One client is dialled per network and reused.
type EthBackend struct {
	rpcURLs        map[string]string
	key            *ecdsa.PrivateKey
	rpcTimeout     time.Duration
	receiptTimeout time.Duration

	mu      sync.Mutex
	clients map[string]*ethclient.Client
}

// BackendOption configures an EthBackend.
type BackendOption func(*EthBackend)

// WithRPCURL overrides the RPC endpoint of a network. Empty URLs are ignored.
func WithRPCURL(network, url string) BackendOption {
	return func(b *EthBackend) {
		if url = strings.TrimSpace(url); url != "" {
			b.rpcURLs[network] = url
		}
	}
}

// WithSigningKey sets the key used for transaction submission.
func WithSigningKey(key *ecdsa.PrivateKey) BackendOption {
	return func(b *EthBackend) {
		b.key = key
	}
}

// WithRPCTimeout bounds every read call and submission.
func WithRPCTimeout(d time.Duration) BackendOption {
	return func(b *EthBackend) {
		if d > 0 {
			b.rpcTimeout = d
		}
	}
}

// WithReceiptTimeout bounds how long WaitMined waits for inclusion.
func WithReceiptTimeout(d time.Duration) BackendOption {
	return func(b *EthBackend) {
		if d > 0 {
			b.receiptTimeout = d
		}
	}
}

// NewEthBackend creates a backend using each chain's default RPC endpoint
// unless overridden.
func NewEthBackend(opts ...BackendOption) *EthBackend {
	b := &EthBackend{
		rpcURLs:        make(map[string]string),
		rpcTimeout:     defaultRPCTimeout,
		receiptTimeout: defaultReceiptTimeout,
		clients:        make(map[string]*ethclient.Client),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *EthBackend) client(ctx context.Context, chain Chain) (*ethclient.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.clients[chain.Network]; ok {
		return c, nil
	}

	url := chain.RPCURL
	if override, ok := b.rpcURLs[chain.Network]; ok {
		url = override
	}

	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s rpc: %w", chain.Network, err)
	}
	b.clients[chain.Network] = c
	return c, nil
}

// Token implements Backend.
func (b *EthBackend) Token(ctx context.Context, chain Chain, token common.Address) (TokenContract, error) {
	c, err := b.client(ctx, chain)
	if err != nil {
		return nil, err
	}
	return &ethToken{
		client:         c,
		contract:       bind.NewBoundContract(token, tokenABI, c, c, c),
		chainID:        chain.ChainID,
		key:            b.key,
		rpcTimeout:     b.rpcTimeout,
		receiptTimeout: b.receiptTimeout,
	}, nil
}

// Close releases all dialled clients.
func (b *EthBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for network, c := range b.clients {
		c.Close()
		delete(b.clients, network)
	}
}

type ethToken struct {
	client         *ethclient.Client
	contract       *bind.BoundContract
	chainID        *big.Int
	key            *ecdsa.PrivateKey
	rpcTimeout     time.Duration
	receiptTimeout time.Duration
}

func (t *ethToken) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, t.rpcTimeout)
	defer cancel()

	var out []interface{}
	if err := t.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s returned no data", method)
	}
	return out, nil
}

func (t *ethToken) AuthorizationState(ctx context.Context, authorizer common.Address, nonce [32]byte) (bool, error) {
	out, err := t.call(ctx, "authorizationState", authorizer, nonce)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (t *ethToken) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	out, err := t.call(ctx, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (t *ethToken) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	out, err := t.call(ctx, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (t *ethToken) transact(ctx context.Context, method string, args ...interface{}) (*types.Transaction, error) {
	if t.key == nil {
		return nil, ErrReadOnly
	}

	ctx, cancel := context.WithTimeout(ctx, t.rpcTimeout)
	defer cancel()

	opts, err := bind.NewKeyedTransactorWithChainID(t.key, t.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	opts.Context = ctx

	tx, err := t.contract.Transact(opts, method, args...)
	if err != nil {
		return nil, classifyTxError(err)
	}
	return tx, nil
}

func (t *ethToken) TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) (*types.Transaction, error) {
	return t.transact(ctx, "transferFrom", from, to, amount)
}

func (t *ethToken) TransferWithAuthorization(ctx context.Context, auth *Authorization, sig []byte) (*types.Transaction, error) {
	if len(sig) != 65 {
		return nil, fmt.Errorf("invalid signature length %d", len(sig))
	}
	var r, s [32]byte
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	v := sig[64]
	if v < 27 {
		v += 27
	}
	return t.transact(ctx, "transferWithAuthorization",
		auth.From, auth.To, auth.Value, auth.ValidAfter, auth.ValidBefore, auth.Nonce, v, r, s)
}

func (t *ethToken) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, t.receiptTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(ctx, t.client, tx)
	if err != nil {
		return nil, fmt.Errorf("failed waiting for %s: %w", tx.Hash().Hex(), err)
	}
	return receipt, nil
}

// Custom error selectors of OpenZeppelin 5 ERC-20 tokens.
var (
	selectorInsufficientAllowance = crypto.Keccak256([]byte("ERC20InsufficientAllowance(address,uint256,uint256)"))[:4]
	selectorInsufficientBalance   = crypto.Keccak256([]byte("ERC20InsufficientBalance(address,uint256,uint256)"))[:4]
)

// revertFragments map revert strings (FiatToken, OpenZeppelin 4) and node
// messages to typed errors. Matching is case-insensitive.
var revertFragments = []struct {
	fragment string
	err      error
}{
	{"erc20insufficientallowance", ErrInsufficientAllowance},
	{"insufficient allowance", ErrInsufficientAllowance},
	{"exceeds allowance", ErrInsufficientAllowance},
	{"erc20insufficientbalance", ErrInsufficientBalance},
	{"insufficient balance", ErrInsufficientBalance},
	{"exceeds balance", ErrInsufficientBalance},
	{"authorization is used", ErrAuthorizationUsed},
	{"authorization is expired", ErrAuthorizationExpired},
	{"authorization is not yet valid", ErrAuthorizationExpired},
}

// classifyTxError turns a submission failure into one of the typed errors
// when possible. Revert data is inspected first; message matching is only
// the fallback for nodes that do not return it.
func classifyTxError(err error) error {
	if typed := classifyRevertData(err); typed != nil {
		return fmt.Errorf("%w: %v", typed, err)
	}
	if typed := matchRevertFragment(err.Error()); typed != nil {
		return fmt.Errorf("%w: %v", typed, err)
	}
	return err
}

func classifyRevertData(err error) error {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil
	}
	raw, ok := dataErr.ErrorData().(string)
	if !ok {
		return nil
	}
	data, decodeErr := hexutil.Decode(raw)
	if decodeErr != nil || len(data) < 4 {
		return nil
	}

	switch {
	case bytes.Equal(data[:4], selectorInsufficientAllowance):
		return ErrInsufficientAllowance
	case bytes.Equal(data[:4], selectorInsufficientBalance):
		return ErrInsufficientBalance
	}

	if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
		return matchRevertFragment(reason)
	}
	return nil
}

func matchRevertFragment(msg string) error {
	msg = strings.ToLower(msg)
	for _, f := range revertFragments {
		if strings.Contains(msg, f.fragment) {
			return f.err
		}
	}
	return nil
}
