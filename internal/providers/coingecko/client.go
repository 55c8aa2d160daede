package coingecko

import (
	"context"
	"net/url"
	"sort"
	"strings"

	clierr "github.com/ggonzalez94/defi-yield/internal/errors"
	"github.com/ggonzalez94/defi-yield/internal/httpx"
	"github.com/ggonzalez94/defi-yield/internal/id"
	"github.com/ggonzalez94/defi-yield/internal/model"
	"github.com/ggonzalez94/defi-yield/internal/registry"
)

const maxCandidates = 5

// Asset platform ids for the supported chains.
var platformByChainID = map[int64]string{
	1:     "ethereum",
	10:    "optimistic-ethereum",
	56:    "binance-smart-chain",
	100:   "xdai",
	137:   "polygon-pos",
	146:   "sonic",
	8453:  "base",
	42161: "arbitrum-one",
	43114: "avalanche",
	59144: "linea",
}

var chainIDByPlatform = func() map[string]int64 {
	out := make(map[string]int64, len(platformByChainID))
	for chainID, platform := range platformByChainID {
		out[platform] = chainID
	}
	return out
}()

type Client struct {
	http    *httpx.Client
	baseURL string
	apiKey  string
}

func New(httpClient *httpx.Client, apiKey string) *Client {
	return &Client{http: httpClient, baseURL: registry.CoinGeckoBaseURL, apiKey: apiKey}
}

func (c *Client) WithBaseURL(base string) *Client {
	if strings.TrimSpace(base) != "" {
		c.baseURL = strings.TrimRight(base, "/")
	}
	return c
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:          "coingecko",
		Type:          "metadata",
		RequiresKey:   false,
		Capabilities:  []string{"token.search", "token.by_address"},
		KeyEnvVarName: "DEFI_YIELD_COINGECKO_API_KEY",
	}
}

type searchResponse struct {
	Coins []struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		Symbol        string `json:"symbol"`
		MarketCapRank int    `json:"market_cap_rank"`
	} `json:"coins"`
}

type coinResponse struct {
	ID              string `json:"id"`
	Symbol          string `json:"symbol"`
	Name            string `json:"name"`
	DetailPlatforms map[string]struct {
		DecimalPlace    *int   `json:"decimal_place"`
		ContractAddress string `json:"contract_address"`
	} `json:"detail_platforms"`
	MarketData *struct {
		CurrentPrice             map[string]float64 `json:"current_price"`
		MarketCap                map[string]float64 `json:"market_cap"`
		PriceChangePercentage24h float64            `json:"price_change_percentage_24h"`
	} `json:"market_data"`
}

// ResolveByQuery searches by symbol or name and expands the best hits into
// full descriptors. Coins with no deployment on a supported chain are
// dropped.
func (c *Client) ResolveByQuery(ctx context.Context, text string) ([]model.TokenDescriptor, error) {
	q := url.Values{}
	q.Set("query", strings.TrimSpace(text))
	var search searchResponse
	if err := httpx.GetJSON(ctx, c.http, c.baseURL+"/search?"+q.Encode(), c.headers(), &search); err != nil {
		return nil, err
	}

	hits := search.Coins
	sort.SliceStable(hits, func(i, j int) bool {
		ei := strings.EqualFold(hits[i].Symbol, text)
		ej := strings.EqualFold(hits[j].Symbol, text)
		if ei != ej {
			return ei
		}
		return rankOrMax(hits[i].MarketCapRank) < rankOrMax(hits[j].MarketCapRank)
	})
	if len(hits) > maxCandidates {
		hits = hits[:maxCandidates]
	}

	out := []model.TokenDescriptor{}
	for _, hit := range hits {
		coin, err := c.coin(ctx, "/coins/"+url.PathEscape(hit.ID))
		if err != nil {
			if clierr.Is(err, clierr.CodeNotFound) {
				continue
			}
			return nil, err
		}
		if d, ok := toDescriptor(coin); ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (c *Client) ResolveByAddress(ctx context.Context, address string, chainID int64) (*model.TokenDescriptor, error) {
	platform, ok := platformByChainID[chainID]
	if !ok {
		return nil, clierr.New(clierr.CodeUsage, "unsupported chain id")
	}
	coin, err := c.coin(ctx, "/coins/"+platform+"/contract/"+strings.ToLower(strings.TrimSpace(address)))
	if err != nil {
		if clierr.Is(err, clierr.CodeNotFound) {
			return nil, clierr.New(clierr.CodeNotFound, "token not found for address on chain").
				WithHint("check the contract address and chain")
		}
		return nil, err
	}
	d, ok := toDescriptor(coin)
	if !ok {
		return nil, clierr.New(clierr.CodeNotFound, "token has no deployment on a supported chain")
	}
	return &d, nil
}

func (c *Client) coin(ctx context.Context, path string) (coinResponse, error) {
	q := url.Values{}
	q.Set("localization", "false")
	q.Set("tickers", "false")
	q.Set("community_data", "false")
	q.Set("developer_data", "false")
	var coin coinResponse
	err := httpx.GetJSON(ctx, c.http, c.baseURL+path+"?"+q.Encode(), c.headers(), &coin)
	return coin, err
}

func toDescriptor(coin coinResponse) (model.TokenDescriptor, bool) {
	d := model.TokenDescriptor{
		Name:        coin.Name,
		Symbol:      strings.ToUpper(coin.Symbol),
		CoingeckoID: coin.ID,
	}
	decimals := -1
	for platform, detail := range coin.DetailPlatforms {
		chainID, ok := chainIDByPlatform[platform]
		if !ok || strings.TrimSpace(detail.ContractAddress) == "" {
			continue
		}
		chain, _ := id.ChainByID(chainID)
		d.Chains = append(d.Chains, model.ChainEntry{
			ChainID:         chainID,
			ChainName:       chain.Name,
			ContractAddress: detail.ContractAddress,
		})
		// Decimals differ per chain for a few bridged tokens; Ethereum wins.
		if detail.DecimalPlace != nil && (decimals < 0 || chainID == 1) {
			decimals = *detail.DecimalPlace
		}
	}
	if len(d.Chains) == 0 {
		return model.TokenDescriptor{}, false
	}
	sort.Slice(d.Chains, func(i, j int) bool { return d.Chains[i].ChainID < d.Chains[j].ChainID })
	if decimals < 0 {
		decimals = 18
	}
	d.Decimals = decimals
	if coin.MarketData != nil {
		d.Market = &model.MarketData{
			PriceUSD:     coin.MarketData.CurrentPrice["usd"],
			MarketCapUSD: coin.MarketData.MarketCap["usd"],
			Change24hPct: coin.MarketData.PriceChangePercentage24h,
		}
	}
	return d, true
}

func (c *Client) headers() map[string]string {
	if strings.TrimSpace(c.apiKey) == "" {
		return nil
	}
	if strings.Contains(c.baseURL, "pro-api.") {
		return map[string]string{"x-cg-pro-api-key": c.apiKey}
	}
	return map[string]string{"x-cg-demo-api-key": c.apiKey}
}

func rankOrMax(rank int) int {
	if rank <= 0 {
		return int(^uint(0) >> 1)
	}
	return rank
}
