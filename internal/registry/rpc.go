package registry

import (
	"fmt"
	"strings"
)

// Canonical default RPC endpoints for the supported chains.
var defaultRPCByChainID = map[int64]string{
	1:     "https://eth.llamarpc.com",
	10:    "https://mainnet.optimism.io",
	56:    "https://bsc-dataseed.binance.org",
	100:   "https://rpc.gnosischain.com",
	137:   "https://polygon-rpc.com",
	146:   "https://rpc.soniclabs.com",
	8453:  "https://mainnet.base.org",
	42161: "https://arb1.arbitrum.io/rpc",
	43114: "https://api.avax.network/ext/bc/C/rpc",
	59144: "https://rpc.linea.build",
}

func DefaultRPCURL(chainID int64) (string, bool) {
	value, ok := defaultRPCByChainID[chainID]
	return value, ok
}

// ResolveRPCURL prefers a per-chain override from configuration.
func ResolveRPCURL(overrides map[int64]string, chainID int64) (string, error) {
	if v := strings.TrimSpace(overrides[chainID]); v != "" {
		return v, nil
	}
	if value, ok := DefaultRPCURL(chainID); ok {
		return value, nil
	}
	return "", fmt.Errorf("no default rpc configured for chain id %d; set rpc.%d in config", chainID, chainID)
}
