package aave

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	clierr "github.com/ggonzalez94/defi-yield/internal/errors"
	"github.com/ggonzalez94/defi-yield/internal/httpx"
	"github.com/ggonzalez94/defi-yield/internal/id"
	"github.com/ggonzalez94/defi-yield/internal/model"
	"github.com/ggonzalez94/defi-yield/internal/registry"
)

// Project is the slug reported for Aave V3 reserves. The onchain provider
// routes any "aave" project through Pool.supply.
const Project = "aave-v3"

// Client implements providers.DiscoveryProvider over the Aave V3 GraphQL
// API. Each reserve accepting the token becomes one vault whose address is
// the market's Pool contract.
type Client struct {
	http     *httpx.Client
	endpoint string
}

func New(httpClient *httpx.Client) *Client {
	return &Client{http: httpClient, endpoint: registry.AaveGraphQLEndpoint}
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
		Name:         "aave",
		Type:         "discovery",
		RequiresKey:  false,
		Capabilities: []string{"vaults.find"},
	}
}

const marketsQuery = `query Markets($request: MarketsRequest!) {
  markets(request: $request) {
    name
    address
    chain { chainId name }
    reserves {
      underlyingToken { address symbol decimals }
      isFrozen
      isPaused
      size { usd }
      supplyInfo { apy { value } }
    }
  }
}`

type marketsResponse struct {
	Data struct {
		Markets []aaveMarket `json:"markets"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type aaveMarket struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Chain   struct {
		ChainID int64  `json:"chainId"`
		Name    string `json:"name"`
	} `json:"chain"`
	Reserves []aaveReserve `json:"reserves"`
}

type aaveReserve struct {
	UnderlyingToken struct {
		Address  string `json:"address"`
		Symbol   string `json:"symbol"`
		Decimals int    `json:"decimals"`
	} `json:"underlyingToken"`
	IsFrozen bool `json:"isFrozen"`
	IsPaused bool `json:"isPaused"`
	Size     struct {
		USD string `json:"usd"`
	} `json:"size"`
	SupplyInfo struct {
		APY struct {
			Value string `json:"value"`
		} `json:"apy"`
	} `json:"supplyInfo"`
}

// FindVaults lists active reserves for tokenAddress. Chains without an Aave
// V3 deployment return no vaults and make no request.
func (c *Client) FindVaults(ctx context.Context, tokenAddress string, chainID int64) ([]model.ProtocolVault, error) {
	chain, ok := id.ChainByID(chainID)
	if !ok {
		return nil, clierr.New(clierr.CodeUsage, "unsupported chain id")
	}
	if _, deployed := registry.AavePoolAddressProvider(chainID); !deployed {
		return []model.ProtocolVault{}, nil
	}
	markets, err := c.fetchMarkets(ctx, chainID)
	if err != nil {
		return nil, err
	}

	out := []model.ProtocolVault{}
	for _, m := range markets {
		if !id.IsEVMAddress(m.Address) {
			continue
		}
		for _, r := range m.Reserves {
			if r.IsFrozen || r.IsPaused {
				continue
			}
			if !strings.EqualFold(strings.TrimSpace(r.UnderlyingToken.Address), strings.TrimSpace(tokenAddress)) {
				continue
			}
			out = append(out, model.ProtocolVault{
				Address:          id.Checksum(m.Address),
				Name:             strings.TrimSpace(m.Name + " " + r.UnderlyingToken.Symbol),
				Project:          Project,
				ChainID:          chain.ID,
				ChainName:        chain.Name,
				APY:              parseFloat(r.SupplyInfo.APY.Value) * 100,
				TVLUSD:           parseFloat(r.Size.USD),
				UnderlyingTokens: []string{r.UnderlyingToken.Address},
				Provider:         "aave",
				SourceURL:        "https://app.aave.com",
			})
		}
	}
	return out, nil
}

func (c *Client) fetchMarkets(ctx context.Context, chainID int64) ([]aaveMarket, error) {
	body, err := json.Marshal(map[string]any{
		"query": marketsQuery,
		"variables": map[string]any{
			"request": map[string]any{
				"chainIds": []int64{chainID},
			},
		},
	})
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "marshal aave query", err)
	}

	var resp marketsResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodPost, c.endpoint, body, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Errors) > 0 {
		return nil, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("aave graphql error: %s", resp.Errors[0].Message))
	}
	return resp.Data.Markets, nil
}

func parseFloat(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
