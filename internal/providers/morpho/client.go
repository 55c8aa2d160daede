package morpho

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	clierr "github.com/ggonzalez94/defi-yield/internal/errors"
	"github.com/ggonzalez94/defi-yield/internal/httpx"
	"github.com/ggonzalez94/defi-yield/internal/id"
	"github.com/ggonzalez94/defi-yield/internal/model"
	"github.com/ggonzalez94/defi-yield/internal/registry"
)

// Project is the slug reported for Morpho vaults. Both vault generations
// are ERC-4626, so deposits take the generic vault path.
const Project = "morpho"

const (
	vaultPageSize = 200
	vaultMaxPages = 5
)

// Client implements providers.DiscoveryProvider over the Morpho GraphQL
// API, listing MetaMorpho (v1) and v2 vaults whose asset is the token.
type Client struct {
	http     *httpx.Client
	endpoint string
}

func New(httpClient *httpx.Client) *Client {
	return &Client{http: httpClient, endpoint: registry.MorphoGraphQLEndpoint}
}

// WithBaseURL overrides the GraphQL endpoint.
func (c *Client) WithBaseURL(base string) *Client {
	if strings.TrimSpace(base) != "" {
		c.endpoint = strings.TrimRight(base, "/")
	}
	return c
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:         "morpho",
		Type:         "discovery",
		RequiresKey:  false,
		Capabilities: []string{"vaults.find"},
	}
}

const vaultsQuery = `query Vaults($first:Int,$skip:Int,$where:VaultFilters){
  vaults(first:$first, skip:$skip, where:$where){
    items{
      address
      name
      asset{ address symbol }
      state{ netApy totalAssetsUsd }
    }
  }
}`

const vaultV2sQuery = `query VaultV2s($first:Int,$skip:Int,$where:VaultV2sFilters){
  vaultV2s(first:$first, skip:$skip, where:$where){
    items{
      address
      name
      asset{ address symbol }
      netApy
      totalAssetsUsd
    }
  }
}`

type vaultAsset struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
}

type morphoVault struct {
	Address string      `json:"address"`
	Name    string      `json:"name"`
	Asset   *vaultAsset `json:"asset"`
	State   *struct {
		NetAPY         float64 `json:"netApy"`
		TotalAssetsUSD float64 `json:"totalAssetsUsd"`
	} `json:"state"`
}

type morphoVaultV2 struct {
	Address     string      `json:"address"`
	Name        string      `json:"name"`
	Asset       *vaultAsset `json:"asset"`
	NetAPY      float64     `json:"netApy"`
	TotalAssets float64     `json:"totalAssetsUsd"`
}

type graphQLErrors []struct {
	Message string `json:"message"`
}

type vaultsResponse struct {
	Data struct {
		Vaults struct {
			Items []morphoVault `json:"items"`
		} `json:"vaults"`
	} `json:"data"`
	Errors graphQLErrors `json:"errors"`
}

type vaultV2sResponse struct {
	Data struct {
		VaultV2s struct {
			Items []morphoVaultV2 `json:"items"`
		} `json:"vaultV2s"`
	} `json:"data"`
	Errors graphQLErrors `json:"errors"`
}

func (c *Client) FindVaults(ctx context.Context, tokenAddress string, chainID int64) ([]model.ProtocolVault, error) {
	chain, ok := id.ChainByID(chainID)
	if !ok {
		return nil, clierr.New(clierr.CodeUsage, "unsupported chain id")
	}
	if !id.IsEVMAddress(tokenAddress) {
		return nil, clierr.New(clierr.CodeUsage, "morpho discovery needs a token contract address")
	}
	asset := strings.ToLower(strings.TrimSpace(tokenAddress))
	where := map[string]any{
		"chainId_in":      []int64{chainID},
		"assetAddress_in": []string{asset},
	}

	vaults, err := fetchPages[vaultsResponse](ctx, c, vaultsQuery, where, func(r vaultsResponse) (int, graphQLErrors) {
		return len(r.Data.Vaults.Items), r.Errors
	})
	if err != nil {
		return nil, err
	}
	v2s, err := fetchPages[vaultV2sResponse](ctx, c, vaultV2sQuery, where, func(r vaultV2sResponse) (int, graphQLErrors) {
		return len(r.Data.VaultV2s.Items), r.Errors
	})
	if err != nil {
		return nil, err
	}

	out := []model.ProtocolVault{}
	for _, page := range vaults {
		for _, v := range page.Data.Vaults.Items {
			if v.State == nil || !matchesAsset(v.Asset, asset) {
				continue
			}
			if vault, ok := toVault(v.Address, v.Name, asset, v.State.NetAPY, v.State.TotalAssetsUSD, chain); ok {
				out = append(out, vault)
			}
		}
	}
	for _, page := range v2s {
		for _, v := range page.Data.VaultV2s.Items {
			if !matchesAsset(v.Asset, asset) {
				continue
			}
			if vault, ok := toVault(v.Address, v.Name, asset, v.NetAPY, v.TotalAssets, chain); ok {
				out = append(out, vault)
			}
		}
	}
	return out, nil
}

// fetchPages walks skip/first pagination until a short page or the page cap.
func fetchPages[T any](ctx context.Context, c *Client, query string, where map[string]any, inspect func(T) (int, graphQLErrors)) ([]T, error) {
	var pages []T
	for page := 0; page < vaultMaxPages; page++ {
		body, err := json.Marshal(map[string]any{
			"query": query,
			"variables": map[string]any{
				"first": vaultPageSize,
				"skip":  page * vaultPageSize,
				"where": where,
			},
		})
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "marshal morpho vault query", err)
		}
		var resp T
		if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodPost, c.endpoint, body, nil, &resp); err != nil {
			return nil, err
		}
		n, gqlErrs := inspect(resp)
		if len(gqlErrs) > 0 {
			return nil, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("morpho graphql error: %s", gqlErrs[0].Message))
		}
		pages = append(pages, resp)
		if n < vaultPageSize {
			break
		}
	}
	return pages, nil
}

func toVault(address, name, asset string, netAPY, tvl float64, chain id.Chain) (model.ProtocolVault, bool) {
	if !id.IsEVMAddress(address) {
		return model.ProtocolVault{}, false
	}
	addr := id.Checksum(address)
	if strings.TrimSpace(name) == "" {
		name = "Morpho vault"
	}
	return model.ProtocolVault{
		Address:          addr,
		Name:             strings.TrimSpace(name),
		Project:          Project,
		ChainID:          chain.ID,
		ChainName:        chain.Name,
		APY:              netAPY * 100,
		TVLUSD:           tvl,
		UnderlyingTokens: []string{asset},
		Provider:         "morpho",
		SourceURL:        "https://app.morpho.org/vault/" + strings.ToLower(addr),
	}, true
}

func matchesAsset(a *vaultAsset, address string) bool {
	return a != nil && strings.EqualFold(strings.TrimSpace(a.Address), address)
}
