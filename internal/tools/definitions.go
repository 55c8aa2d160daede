package tools

import "github.com/ggonzalez94/defi-yield/internal/validate"

type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Definitions describes every tool in the order a caller should learn them.
func Definitions() []Definition {
	return []Definition{
		{
			Name:        ResolveToken,
			Description: "Resolve a token symbol, name or contract address to its metadata and the supported chains it is deployed on. A contract address requires chain_hint.",
			InputSchema: objectSchema(map[string]any{
				"reference":  stringProperty("Token symbol (USDC), name (USD Coin) or 0x contract address"),
				"chain_hint": stringProperty("Chain name or id, e.g. base or 8453. Required with a contract address."),
			}, "reference"),
		},
		{
			Name:        SearchToken,
			Description: "List tokens matching a query without choosing between them.",
			InputSchema: objectSchema(map[string]any{
				"query": stringProperty("Search text"),
				"limit": integerProperty("Maximum candidates to return (default 10)"),
			}, "query"),
		},
		{
			Name:        DiscoverProtocols,
			Description: "Find yield vaults accepting a token on one chain or on every supported chain, ranked by safety score then APY.",
			InputSchema: objectSchema(map[string]any{
				"token_address": stringProperty("Token contract address on the target chain"),
				"chain_id":      integerProperty("Chain id to search"),
				"chain":         stringProperty("Chain name, alternative to chain_id"),
				"all_chains":    booleanProperty("Search every supported chain"),
			}, "token_address"),
		},
		{
			Name:        GenerateTransaction,
			Description: "Build the unsigned approval and deposit transactions for depositing into a vault. Nothing is signed or sent.",
			InputSchema: objectSchema(map[string]any{
				"user":     stringProperty("Depositor address, EIP-55 checksummed"),
				"token":    stringProperty("Token contract address"),
				"protocol": stringProperty("Protocol identifier from discover_protocols, e.g. aave-v3"),
				"vault":    stringProperty("Vault address from discover_protocols"),
				"chain_id": integerProperty("Chain id"),
				"chain":    stringProperty("Chain name, alternative to chain_id"),
				"amount":   stringProperty("Amount in base units (integer string)"),
				"symbol":   stringProperty("Token symbol, for display"),
				"decimals": integerProperty("Token decimals, for display"),
			}, "user", "token", "protocol", "amount"),
		},
		{
			Name:        Validate,
			Description: "Check an address, chain or amount and return its normalized form.",
			InputSchema: objectSchema(map[string]any{
				"kind":  stringEnumProperty("What to validate", validate.KindAddress, validate.KindChain, validate.KindAmount),
				"value": stringProperty("Value to check"),
			}, "kind", "value"),
		},
	}
}

func Names() []string {
	defs := Definitions()
	out := make([]string, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.Name)
	}
	return out
}
