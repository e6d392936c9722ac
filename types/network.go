package types

import "strings"

// ChainFamily classifies a network into a blockchain family.
type ChainFamily string

const (
	ChainEVM    ChainFamily = "evm"
	ChainSolana ChainFamily = "solana"
)

// Network represents supported blockchain networks
type Network string

const (
	// EVM Networks
	NetworkBSC         Network = "bsc"
	NetworkBSCTestnet  Network = "bsc-testnet" // testnet
	NetworkPolygon     Network = "polygon"
	NetworkBase        Network = "base"
	NetworkBaseSepolia Network = "base-sepolia" // testnet

	// Solana Networks
	NetworkSolanaMainnet Network = "solana-mainnet"
	NetworkSolanaDevnet  Network = "solana-devnet" // testnet
)

// AllNetworks lists every network the library knows how to validate.
var AllNetworks = []Network{
	NetworkBSC,
	NetworkBSCTestnet,
	NetworkPolygon,
	NetworkBase,
	NetworkBaseSepolia,
	NetworkSolanaMainnet,
	NetworkSolanaDevnet,
}

// ParseNetwork accepts the canonical names plus the short aliases used by
// point-of-sale terminals ("BSC", "SOLANA").
func ParseNetwork(s string) (Network, error) {
	n := Network(strings.ToLower(strings.TrimSpace(s)))
	switch n {
	case "solana":
		return NetworkSolanaMainnet, nil
	case "binance", "bnb":
		return NetworkBSC, nil
	}
	for _, known := range AllNetworks {
		if n == known {
			return n, nil
		}
	}
	return "", NewError(ErrUnsupportedNetwork, "unsupported network: "+s)
}

func (n Network) IsEVM() bool {
	switch n {
	case NetworkBSC, NetworkBSCTestnet, NetworkPolygon, NetworkBase, NetworkBaseSepolia:
		return true
	}
	return false
}

func (n Network) IsSolana() bool {
	return n == NetworkSolanaMainnet || n == NetworkSolanaDevnet
}

func (n Network) IsTestnet() bool {
	return n == NetworkBSCTestnet || n == NetworkBaseSepolia || n == NetworkSolanaDevnet
}

// Family returns the chain family of the network, or "" when unknown.
func (n Network) Family() ChainFamily {
	switch {
	case n.IsEVM():
		return ChainEVM
	case n.IsSolana():
		return ChainSolana
	}
	return ""
}

// NativeAsset returns the native coin of the network with its decimal exponent.
func (n Network) NativeAsset() Asset {
	switch n {
	case NetworkBSC, NetworkBSCTestnet:
		return Asset{Symbol: "BNB", Decimals: 18, Standard: TokenStandardNative}
	case NetworkPolygon:
		return Asset{Symbol: "POL", Decimals: 18, Standard: TokenStandardNative}
	case NetworkBase, NetworkBaseSepolia:
		return Asset{Symbol: "ETH", Decimals: 18, Standard: TokenStandardNative}
	case NetworkSolanaMainnet, NetworkSolanaDevnet:
		return Asset{Symbol: "SOL", Decimals: 9, Standard: TokenStandardNative}
	}
	return Asset{}
}

// EnvPrefix is the environment variable prefix used for per-network settings.
func (n Network) EnvPrefix() string {
	return strings.ToUpper(strings.ReplaceAll(string(n), "-", "_"))
}

func (n Network) String() string {
	return string(n)
}
