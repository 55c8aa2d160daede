package registry

import (
	"net"
	"net/url"
	"strings"
)

const (
	CoinGeckoBaseURL   = "https://api.coingecko.com/api/v3"
	EnsoBaseURL        = "https://api.enso.finance/api/v1"
	DefiLlamaYieldsURL = "https://yields.llama.fi"

	// GraphQL endpoints for the protocol-native discovery providers.
	AaveGraphQLEndpoint   = "https://api.v3.aave.com/graphql"
	MorphoGraphQLEndpoint = "https://api.morpho.org/graphql"
)

var providerHosts = map[string][]string{
	"coingecko": {"api.coingecko.com", "pro-api.coingecko.com"},
	"enso":      {"api.enso.finance"},
	"defillama": {"yields.llama.fi", "pro-api.llama.fi"},
	"aave":      {"api.v3.aave.com"},
	"morpho":    {"api.morpho.org", "blue-api.morpho.org"},
}

// IsAllowedProviderURL guards configured base URL overrides: https on a
// known provider host, or any loopback address for local testing.
func IsAllowedProviderURL(provider, endpoint string) bool {
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || strings.TrimSpace(parsed.Hostname()) == "" {
		return false
	}
	if isLoopbackHost(parsed.Hostname()) {
		scheme := strings.ToLower(parsed.Scheme)
		return scheme == "http" || scheme == "https"
	}
	if !strings.EqualFold(parsed.Scheme, "https") {
		return false
	}
	for _, host := range providerHosts[strings.ToLower(strings.TrimSpace(provider))] {
		if strings.EqualFold(parsed.Hostname(), host) {
			return true
		}
	}
	return false
}

func isLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
