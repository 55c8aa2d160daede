package id

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/defi-yield/internal/errors"
)

var (
	eip155ChainPattern = regexp.MustCompile(`^eip155:[0-9]+$`)
	evmAddressPattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

// Chain is a member of the supported network set. Values are immutable and
// shared process-wide.
type Chain struct {
	ID           int64
	Name         string
	Slug         string
	NativeSymbol string
	CAIP2        string
}

type Token struct {
	Symbol   string
	Name     string
	Address  string
	Decimals int
}

var supportedChains = []Chain{
	{ID: 1, Name: "Ethereum", Slug: "ethereum", NativeSymbol: "ETH", CAIP2: "eip155:1"},
	{ID: 10, Name: "Optimism", Slug: "optimism", NativeSymbol: "ETH", CAIP2: "eip155:10"},
	{ID: 56, Name: "BSC", Slug: "bsc", NativeSymbol: "BNB", CAIP2: "eip155:56"},
	{ID: 100, Name: "Gnosis", Slug: "gnosis", NativeSymbol: "xDAI", CAIP2: "eip155:100"},
	{ID: 137, Name: "Polygon", Slug: "polygon", NativeSymbol: "POL", CAIP2: "eip155:137"},
	{ID: 146, Name: "Sonic", Slug: "sonic", NativeSymbol: "S", CAIP2: "eip155:146"},
	{ID: 8453, Name: "Base", Slug: "base", NativeSymbol: "ETH", CAIP2: "eip155:8453"},
	{ID: 42161, Name: "Arbitrum", Slug: "arbitrum", NativeSymbol: "ETH", CAIP2: "eip155:42161"},
	{ID: 43114, Name: "Avalanche", Slug: "avalanche", NativeSymbol: "AVAX", CAIP2: "eip155:43114"},
	{ID: 59144, Name: "Linea", Slug: "linea", NativeSymbol: "ETH", CAIP2: "eip155:59144"},
}

var chainAliases = map[string]int64{
	"mainnet":      1,
	"eth":          1,
	"op":           10,
	"bnb":          56,
	"binance":      56,
	"xdai":         100,
	"matic":        137,
	"arb":          42161,
	"arbitrum-one": 42161,
	"avax":         43114,
}

var chainByID = func() map[int64]Chain {
	out := make(map[int64]Chain, len(supportedChains))
	for _, c := range supportedChains {
		out[c.ID] = c
	}
	return out
}()

var chainBySlug = func() map[string]Chain {
	out := make(map[string]Chain, len(supportedChains)+len(chainAliases))
	for _, c := range supportedChains {
		out[c.Slug] = c
		out[strings.ToLower(c.Name)] = c
	}
	for alias, id := range chainAliases {
		out[alias] = chainByID[id]
	}
	return out
}()

// Static token list used for offline resolution.
var tokenRegistry = map[int64][]Token{
	1: {
		{Symbol: "USDC", Name: "USD Coin", Address: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", Decimals: 6},
		{Symbol: "USDT", Name: "Tether USD", Address: "0xdac17f958d2ee523a2206206994597c13d831ec7", Decimals: 6},
		{Symbol: "DAI", Name: "Dai Stablecoin", Address: "0x6b175474e89094c44da98b954eedeac495271d0f", Decimals: 18},
		{Symbol: "WETH", Name: "Wrapped Ether", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18},
	},
	8453: {
		{Symbol: "USDC", Name: "USD Coin", Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6},
		{Symbol: "DAI", Name: "Dai Stablecoin", Address: "0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb", Decimals: 18},
		{Symbol: "WETH", Name: "Wrapped Ether", Address: "0x4200000000000000000000000000000000000006", Decimals: 18},
	},
	42161: {
		{Symbol: "USDC", Name: "USD Coin", Address: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", Decimals: 6},
		{Symbol: "USDT", Name: "Tether USD", Address: "0xFd086bC7CD5C481DCC9C85ebe478A1C0b69FCbb9", Decimals: 6},
		{Symbol: "DAI", Name: "Dai Stablecoin", Address: "0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1", Decimals: 18},
		{Symbol: "WETH", Name: "Wrapped Ether", Address: "0x82aF49447D8a07e3bd95BD0d56f35241523fBab1", Decimals: 18},
	},
	10: {
		{Symbol: "USDC", Name: "USD Coin", Address: "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85", Decimals: 6},
		{Symbol: "USDT", Name: "Tether USD", Address: "0x94b008aA00579c1307B0EF2c499aD98a8ce58e58", Decimals: 6},
		{Symbol: "DAI", Name: "Dai Stablecoin", Address: "0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1", Decimals: 18},
		{Symbol: "WETH", Name: "Wrapped Ether", Address: "0x4200000000000000000000000000000000000006", Decimals: 18},
	},
	137: {
		{Symbol: "USDC", Name: "USD Coin", Address: "0x3c499c542cef5e3811e1192ce70d8cc03d5c3359", Decimals: 6},
		{Symbol: "USDT", Name: "Tether USD", Address: "0xc2132D05D31c914a87C6611C10748AEb04B58e8F", Decimals: 6},
		{Symbol: "DAI", Name: "Dai Stablecoin", Address: "0x8f3Cf7ad23Cd3CaDbD9735AFf958023239c6A063", Decimals: 18},
		{Symbol: "WETH", Name: "Wrapped Ether", Address: "0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619", Decimals: 18},
	},
	56: {
		{Symbol: "USDC", Name: "USD Coin", Address: "0x8ac76a51cc950d9822d68b83fe1ad97b32cd580d", Decimals: 18},
		{Symbol: "USDT", Name: "Tether USD", Address: "0x55d398326f99059fF775485246999027B3197955", Decimals: 18},
		{Symbol: "DAI", Name: "Dai Stablecoin", Address: "0x1AF3F329e8BE154074D8769D1FFa4eE058B1DBc3", Decimals: 18},
		{Symbol: "WETH", Name: "Wrapped Ether", Address: "0x2170Ed0880ac9A755fd29B2688956BD959F933F8", Decimals: 18},
	},
	43114: {
		{Symbol: "USDC", Name: "USD Coin", Address: "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E", Decimals: 6},
		{Symbol: "USDT", Name: "Tether USD", Address: "0x9702230A8Ea53601f5cD2dc00fDBc13d4dF4A8c7", Decimals: 6},
		{Symbol: "DAI", Name: "Dai Stablecoin", Address: "0xd586E7F844cEa2F87f50152665BCbc2C279D8d70", Decimals: 18},
		{Symbol: "WETH", Name: "Wrapped Ether", Address: "0x49D5c2BdFfac6CE2BFdB6640F4F80f226bc10bAB", Decimals: 18},
	},
	59144: {
		{Symbol: "USDC", Name: "USD Coin", Address: "0x176211869cA2b568f2A7D4EE941E073a821EE1ff", Decimals: 6},
		{Symbol: "WETH", Name: "Wrapped Ether", Address: "0xe5D7C2a44FfDDf6b295A15c148167daaAf5Cf34f", Decimals: 18},
	},
	100: {
		{Symbol: "USDC", Name: "USD Coin", Address: "0xDDAfbb505ad214D7b80b1f830fcCc89B60fb7A83", Decimals: 6},
	},
	146: {
		{Symbol: "USDC", Name: "USD Coin", Address: "0x29219dd400f2Bf60E5a23d13Be72B486D4038894", Decimals: 6},
	},
}

// SupportedChains returns the supported set ordered by chain id.
func SupportedChains() []Chain {
	out := make([]Chain, len(supportedChains))
	copy(out, supportedChains)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ChainByID looks up a supported chain. There is no partial membership.
func ChainByID(chainID int64) (Chain, bool) {
	c, ok := chainByID[chainID]
	return c, ok
}

// ParseChain accepts a numeric id, a name or slug, an alias, or a CAIP-2
// identifier. Anything outside the supported set is a usage error.
func ParseChain(input string) (Chain, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Chain{}, clierr.New(clierr.CodeUsage, "chain is required")
	}
	norm := strings.ToLower(raw)

	if chain, ok := chainBySlug[norm]; ok {
		return chain, nil
	}

	idPart := norm
	if eip155ChainPattern.MatchString(norm) {
		idPart = strings.TrimPrefix(norm, "eip155:")
	}
	if id, err := strconv.ParseInt(idPart, 10, 64); err == nil {
		if chain, ok := chainByID[id]; ok {
			return chain, nil
		}
	}

	return Chain{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported chain: %s", input)).
		WithHint("supported chains: " + strings.Join(ChainNames(), ", "))
}

// ChainNames lists supported chain slugs for error hints.
func ChainNames() []string {
	chains := SupportedChains()
	out := make([]string, 0, len(chains))
	for _, c := range chains {
		out = append(out, fmt.Sprintf("%s (%d)", c.Slug, c.ID))
	}
	return out
}

// IsEVMAddress reports whether s has the 0x-prefixed 20-byte hex shape.
func IsEVMAddress(s string) bool {
	return evmAddressPattern.MatchString(strings.TrimSpace(s))
}

// Checksum returns the EIP-55 form of an address that already passed
// IsEVMAddress. Upstream APIs report addresses in arbitrary case.
func Checksum(address string) string {
	return common.HexToAddress(strings.TrimSpace(address)).Hex()
}

// Tokens returns the static token list for a chain.
func Tokens(chainID int64) []Token {
	list := tokenRegistry[chainID]
	out := make([]Token, len(list))
	copy(out, list)
	return out
}

func LookupByAddress(chainID int64, address string) (Token, bool) {
	for _, t := range tokenRegistry[chainID] {
		if strings.EqualFold(t.Address, strings.TrimSpace(address)) {
			return t, true
		}
	}
	return Token{}, false
}

// LookupBySymbol returns the token on every chain where the symbol is listed.
func LookupBySymbol(symbol string) map[int64]Token {
	out := map[int64]Token{}
	for chainID, tokens := range tokenRegistry {
		for _, t := range tokens {
			if strings.EqualFold(t.Symbol, strings.TrimSpace(symbol)) {
				out[chainID] = t
			}
		}
	}
	return out
}
