package evm

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// ErrSignatureMismatch indicates the signature does not recover to the payer.
var ErrSignatureMismatch = errors.New("evm: signature does not match authorization.from")

const primaryType = "TransferWithAuthorization"

var transferWithAuthorizationTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	primaryType: []apitypes.Type{
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

func typedData(auth *Authorization, domain Domain) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       transferWithAuthorizationTypes,
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(domain.ChainID)),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       (*math.HexOrDecimal256)(new(big.Int).Set(auth.Value)),
			"validAfter":  (*math.HexOrDecimal256)(new(big.Int).Set(auth.ValidAfter)),
			"validBefore": (*math.HexOrDecimal256)(new(big.Int).Set(auth.ValidBefore)),
			"nonce":       hexutil.Encode(auth.Nonce[:]),
		},
	}
}

// HashTransferWithAuthorization returns the EIP-712 digest
// keccak256("\x19\x01" || domainSeparator || hashStruct(message)).
func HashTransferWithAuthorization(auth *Authorization, domain Domain) (common.Hash, error) {
	digest, _, err := apitypes.TypedDataAndHash(typedData(auth, domain))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash typed data: %w", err)
	}
	return common.BytesToHash(digest), nil
}

// SignTransferWithAuthorization signs an authorization with the payer key and
// returns the 65-byte signature with v in {27, 28}.
func SignTransferWithAuthorization(key *ecdsa.PrivateKey, auth *Authorization, domain Domain) ([]byte, error) {
	digest, err := HashTransferWithAuthorization(auth, domain)
	if err != nil {
		return nil, err
	}

	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign authorization: %w", err)
	}

	sig[64] += 27
	return sig, nil
}

// RecoverSigner recovers the address that produced sig over the authorization.
// Both v conventions (0/1 and 27/28) are accepted; high-s signatures are
// rejected the same way the token contract's ecrecover wrapper does.
func RecoverSigner(auth *Authorization, sig []byte, domain Domain) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(sig))
	}

	digest, err := HashTransferWithAuthorization(auth, domain)
	if err != nil {
		return common.Address{}, err
	}

	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(normalized[64], r, s, true) {
		return common.Address{}, fmt.Errorf("invalid signature values")
	}

	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature checks that sig was produced by auth.From.
func VerifySignature(auth *Authorization, sig []byte, domain Domain) error {
	signer, err := RecoverSigner(auth, sig, domain)
	if err != nil {
		return err
	}
	// common.Address equality is byte-wise, so letter case never matters.
	if signer != auth.From {
		return fmt.Errorf("%w: recovered %s", ErrSignatureMismatch, signer.Hex())
	}
	return nil
}
