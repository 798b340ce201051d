package evm

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrUnsupportedNetwork indicates a CAIP-2 identifier outside the supported set.
	ErrUnsupportedNetwork = errors.New("evm: unsupported network")

	// ErrUnsupportedToken indicates a token that is not in the whitelist for its network.
	ErrUnsupportedToken = errors.New("evm: unsupported token")
)

// CAIP-2 network identifiers.
const (
	NetworkOptimism        = "eip155:10"
	NetworkOptimismSepolia = "eip155:11155420"
	NetworkBase            = "eip155:8453"
	NetworkBaseSepolia     = "eip155:84532"
)

// NetworkWildcard is the signers key covering every EVM network.
const NetworkWildcard = "eip155:*"

// TokenInfo holds the EIP-712 domain parameters and display metadata of a token.
type TokenInfo struct {
	Address  common.Address
	Name     string
	Symbol   string
	Decimals int
	Version  string
}

// Chain describes a supported EVM network.
type Chain struct {
	Network    string
	ChainID    *big.Int
	RPCURL     string // default public endpoint
	FeeToken   common.Address
	tokenByKey map[string]TokenInfo
}

// Tokens returns the whitelisted tokens of the chain ordered by address.
func (c Chain) Tokens() []TokenInfo {
	out := make([]TokenInfo, 0, len(c.tokenByKey))
	for _, t := range c.tokenByKey {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Address.Hex()) < strings.ToLower(out[j].Address.Hex())
	})
	return out
}

// Token looks up a whitelisted token by address, ignoring letter case.
func (c Chain) Token(address string) (TokenInfo, bool) {
	t, ok := c.tokenByKey[strings.ToLower(address)]
	return t, ok
}

// Domain is the EIP-712 domain a TransferWithAuthorization is signed under.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

func newChain(network string, chainID int64, rpcURL string, tokens ...TokenInfo) Chain {
	c := Chain{
		Network:    network,
		ChainID:    big.NewInt(chainID),
		RPCURL:     rpcURL,
		tokenByKey: make(map[string]TokenInfo, len(tokens)),
	}
	for i, t := range tokens {
		if i == 0 {
			c.FeeToken = t.Address
		}
		c.tokenByKey[strings.ToLower(t.Address.Hex())] = t
	}
	return c
}

func usdc(address, name string) TokenInfo {
	return TokenInfo{
		Address:  common.HexToAddress(address),
		Name:     name,
		Symbol:   "USDC",
		Decimals: 6,
		Version:  "2",
	}
}

// chains is the token whitelist. It is never modified after init; adding a
// token is a code change. Domain name and version are always taken from here,
// never from request data.
var chains = map[string]Chain{
	NetworkOptimism: newChain(NetworkOptimism, 10, "https://mainnet.optimism.io",
		usdc("0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85", "USD Coin")),
	NetworkOptimismSepolia: newChain(NetworkOptimismSepolia, 11155420, "https://sepolia.optimism.io",
		usdc("0x5fd84259d66Cd46123540766Be93DFE6D43130D7", "USDC")),
	NetworkBase: newChain(NetworkBase, 8453, "https://mainnet.base.org",
		usdc("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", "USD Coin")),
	NetworkBaseSepolia: newChain(NetworkBaseSepolia, 84532, "https://sepolia.base.org",
		usdc("0x036CbD53842c5426634e7929541eC2318f3dCF7e", "USDC")),
}

// SupportedNetworks returns the supported CAIP-2 identifiers in a stable order.
func SupportedNetworks() []string {
	out := make([]string, 0, len(chains))
	for n := range chains {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// LookupChain returns the chain registered under a CAIP-2 identifier.
func LookupChain(network string) (Chain, error) {
	c, ok := chains[network]
	if !ok {
		return Chain{}, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}
	c.ChainID = new(big.Int).Set(c.ChainID)
	return c, nil
}

// ParseNetwork extracts the chain ID of an "eip155:<chainId>" identifier.
// It only checks the shape, not whether the network is supported.
func ParseNetwork(network string) (*big.Int, error) {
	ref, ok := strings.CutPrefix(network, "eip155:")
	if !ok || ref == "" {
		return nil, fmt.Errorf("%w: %q is not an eip155 identifier", ErrUnsupportedNetwork, network)
	}
	id, err := strconv.ParseUint(ref, 10, 64)
	if err != nil || id == 0 {
		return nil, fmt.Errorf("%w: invalid chain id in %q", ErrUnsupportedNetwork, network)
	}
	return new(big.Int).SetUint64(id), nil
}

// ResolveDomain returns the EIP-712 domain for a token on a network.
func ResolveDomain(network, asset string) (Domain, error) {
	c, err := LookupChain(network)
	if err != nil {
		return Domain{}, err
	}
	t, ok := c.Token(asset)
	if !ok {
		return Domain{}, fmt.Errorf("%w: %s on %s", ErrUnsupportedToken, asset, network)
	}
	return Domain{
		Name:              t.Name,
		Version:           t.Version,
		ChainID:           new(big.Int).Set(c.ChainID),
		VerifyingContract: t.Address,
	}, nil
}
