package evm

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Typed failures reported by TokenContract implementations for transaction
// submissions, so callers can branch without inspecting error strings.
var (
	ErrInsufficientAllowance = errors.New("evm: insufficient allowance")
	ErrInsufficientBalance   = errors.New("evm: insufficient balance")
	ErrAuthorizationUsed     = errors.New("evm: authorization already used")
	ErrAuthorizationExpired  = errors.New("evm: authorization expired or not yet valid")
	ErrReadOnly              = errors.New("evm: backend has no signing key")
)

// TokenContract is the subset of an ERC-20 / EIP-3009 token the facilitator uses.
// Every call honours ctx for cancellation and deadlines.
type TokenContract interface {
	// AuthorizationState reports whether the nonce was already consumed by authorizer.
	AuthorizationState(ctx context.Context, authorizer common.Address, nonce [32]byte) (bool, error)

	// BalanceOf returns the token balance of account.
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)

	// Allowance returns how much spender may transfer on behalf of owner.
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)

	// TransferFrom submits transferFrom(from, to, amount) signed by the backend key.
	TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) (*types.Transaction, error)

	// TransferWithAuthorization submits the EIP-3009 transfer signed by the payer.
	TransferWithAuthorization(ctx context.Context, auth *Authorization, sig []byte) (*types.Transaction, error)

	// WaitMined blocks until tx is included and returns its receipt.
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// Backend opens token contracts on supported chains.
type Backend interface {
	Token(ctx context.Context, chain Chain, token common.Address) (TokenContract, error)
}
