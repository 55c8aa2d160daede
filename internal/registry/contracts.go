package registry

// Canonical Aave V3 PoolAddressesProvider contracts. Deposits into Aave
// markets go through Pool.supply rather than an ERC-4626 vault.
var aavePoolAddressProviderByChainID = map[int64]string{
	1:     "0x2f39d218133AFaB8F2B819B1066c7E434Ad94E9e", // Ethereum
	10:    "0xa97684ead0e402dC232d5A977953DF7ECBaB3CDb", // Optimism
	137:   "0xa97684ead0e402dC232d5A977953DF7ECBaB3CDb", // Polygon
	8453:  "0xe20fCBdBfFC4Dd138cE8b2E6FBb6CB49777ad64D", // Base
	42161: "0xa97684ead0e402dC232d5A977953DF7ECBaB3CDb", // Arbitrum
	43114: "0xa97684ead0e402dC232d5A977953DF7ECBaB3CDb", // Avalanche
}

func AavePoolAddressProvider(chainID int64) (string, bool) {
	value, ok := aavePoolAddressProviderByChainID[chainID]
	return value, ok
}
