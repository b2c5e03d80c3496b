// Package svm provides the Solana (SVM) side of the checkout engine: an RPC-backed
// ledger, the SPL Token TransferChecked encoder that embeds the checkout reference,
// transfer extraction for settlement validation, and reference minting.
package svm

import (
	"fmt"
	"strings"
)

// CAIP-2 network identifiers
const (
	SolanaMainnetCAIP2 = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	SolanaDevnetCAIP2  = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
	SolanaTestnetCAIP2 = "solana:4uhcVJyU9pJkvQyS88uRDiswHXSCkY3z"
)

// Simple network names
const (
	SolanaMainnet = "solana"
	SolanaDevnet  = "solana-devnet"
	SolanaTestnet = "solana-testnet"
)

// USDC mints
const (
	USDCMainnetAddress = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDCDevnetAddress  = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
)

// TransferCheckedDiscriminator is the SPL Token instruction tag for TransferChecked
const TransferCheckedDiscriminator = 12

// DefaultSignatureLimit bounds getSignaturesForAddress when looking up a reference
const DefaultSignatureLimit = 1000

// NetworkConfig describes a Solana cluster
type NetworkConfig struct {
	Name   string
	CAIP2  string
	RPCURL string
	// DefaultMint is the settlement currency used when none is configured
	DefaultMint string
}

var networks = map[string]NetworkConfig{
	SolanaMainnetCAIP2: {
		Name:        SolanaMainnet,
		CAIP2:       SolanaMainnetCAIP2,
		RPCURL:      "https://api.mainnet-beta.solana.com",
		DefaultMint: USDCMainnetAddress,
	},
	SolanaDevnetCAIP2: {
		Name:        SolanaDevnet,
		CAIP2:       SolanaDevnetCAIP2,
		RPCURL:      "https://api.devnet.solana.com",
		DefaultMint: USDCDevnetAddress,
	},
	SolanaTestnetCAIP2: {
		Name:   SolanaTestnet,
		CAIP2:  SolanaTestnetCAIP2,
		RPCURL: "https://api.testnet.solana.com",
	},
}

// NormalizeNetwork maps simple names ("solana-devnet", "devnet") to CAIP-2 identifiers
func NormalizeNetwork(network string) (string, error) {
	n := strings.TrimSpace(network)
	if _, ok := networks[n]; ok {
		return n, nil
	}
	switch strings.ToLower(n) {
	case SolanaMainnet, "mainnet", "mainnet-beta":
		return SolanaMainnetCAIP2, nil
	case SolanaDevnet, "devnet":
		return SolanaDevnetCAIP2, nil
	case SolanaTestnet, "testnet":
		return SolanaTestnetCAIP2, nil
	}
	return "", fmt.Errorf("unsupported network: %s", network)
}

// IsValidNetwork reports whether network is a known Solana cluster
func IsValidNetwork(network string) bool {
	_, err := NormalizeNetwork(network)
	return err == nil
}

// GetNetworkConfig returns the configuration for a network name or CAIP-2 id
func GetNetworkConfig(network string) (*NetworkConfig, error) {
	caip2, err := NormalizeNetwork(network)
	if err != nil {
		return nil, err
	}
	config := networks[caip2]
	return &config, nil
}
