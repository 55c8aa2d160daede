package defillama

import (
	"context"
	"math"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	clierr "github.com/ggonzalez94/defi-yield/internal/errors"
	"github.com/ggonzalez94/defi-yield/internal/httpx"
	"github.com/ggonzalez94/defi-yield/internal/id"
	"github.com/ggonzalez94/defi-yield/internal/model"
	"github.com/ggonzalez94/defi-yield/internal/registry"
)

const poolsTTL = 2 * time.Minute

var addressPrefix = regexp.MustCompile(`^0x[0-9a-fA-F]{40}`)

// Client implements providers.DiscoveryProvider over the DefiLlama yields
// API. The full pool list is fetched once and shared by every per-chain
// query issued within poolsTTL.
type Client struct {
	http       *httpx.Client
	yieldsBase string
	now        func() time.Time

	group     singleflight.Group
	mu        sync.Mutex
	pools     []poolEntry
	fetchedAt time.Time
}

func New(httpClient *httpx.Client) *Client {
	return &Client{
		http:       httpClient,
		yieldsBase: registry.DefiLlamaYieldsURL,
		now:        time.Now,
	}
}

// WithBaseURL overrides the yields endpoint.
func (c *Client) WithBaseURL(base string) *Client {
	if strings.TrimSpace(base) != "" {
		c.yieldsBase = strings.TrimRight(base, "/")
	}
	return c
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:         "defillama",
		Type:         "discovery",
		RequiresKey:  false,
		Capabilities: []string{"vaults.find"},
	}
}

type poolsEnvelope struct {
	Status string      `json:"status"`
	Data   []poolEntry `json:"data"`
}

type poolEntry struct {
	Pool       string   `json:"pool"`
	Chain      string   `json:"chain"`
	Project    string   `json:"project"`
	Symbol     string   `json:"symbol"`
	Underlying []string `json:"underlyingTokens"`
	APYBase    *float64 `json:"apyBase"`
	APYReward  *float64 `json:"apyReward"`
	APY        *float64 `json:"apy"`
	TVLUSD     *float64 `json:"tvlUsd"`
	PoolMeta   string   `json:"poolMeta"`
	URL        string   `json:"url"`
}

func (c *Client) FindVaults(ctx context.Context, tokenAddress string, chainID int64) ([]model.ProtocolVault, error) {
	chain, ok := id.ChainByID(chainID)
	if !ok {
		return nil, clierr.New(clierr.CodeUsage, "unsupported chain id")
	}
	pools, err := c.getPools(ctx)
	if err != nil {
		return nil, err
	}

	out := []model.ProtocolVault{}
	for _, p := range pools {
		if !matchesChain(p.Chain, chain) || !hasUnderlying(p.Underlying, tokenAddress) {
			continue
		}
		address, ok := vaultAddress(p, chain.ID)
		if !ok {
			continue
		}
		apy := numOrZero(p.APY)
		if apy == 0 {
			apy = numOrZero(p.APYBase) + numOrZero(p.APYReward)
		}
		out = append(out, model.ProtocolVault{
			Address:          address,
			Name:             poolName(p),
			Project:          strings.ToLower(p.Project),
			ChainID:          chain.ID,
			ChainName:        chain.Name,
			APY:              apy,
			TVLUSD:           numOrZero(p.TVLUSD),
			UnderlyingTokens: p.Underlying,
			Provider:         "defillama",
			SourceURL:        p.URL,
		})
	}
	return out, nil
}

func (c *Client) getPools(ctx context.Context) ([]poolEntry, error) {
	c.mu.Lock()
	if c.pools != nil && c.now().Sub(c.fetchedAt) < poolsTTL {
		pools := c.pools
		c.mu.Unlock()
		return pools, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("pools", func() (any, error) {
		c.mu.Lock()
		if c.pools != nil && c.now().Sub(c.fetchedAt) < poolsTTL {
			pools := c.pools
			c.mu.Unlock()
			return pools, nil
		}
		c.mu.Unlock()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.yieldsBase+"/pools", nil)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "build yields request", err)
		}
		var env poolsEnvelope
		if _, err := c.http.DoJSON(ctx, req, &env); err != nil {
			return nil, err
		}
		if len(env.Data) == 0 {
			return nil, clierr.New(clierr.CodeUnavailable, "defillama yields returned no pools")
		}
		c.mu.Lock()
		c.pools = env.Data
		c.fetchedAt = c.now()
		c.mu.Unlock()
		return env.Data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]poolEntry), nil
}

func matchesChain(input string, chain id.Chain) bool {
	normInput := strings.ToLower(strings.TrimSpace(input))
	if normInput == "" {
		return false
	}
	if strings.EqualFold(normInput, chain.Name) || strings.EqualFold(normInput, chain.Slug) {
		return true
	}
	switch normInput {
	case "binance":
		return chain.ID == 56
	case "xdai":
		return chain.ID == 100
	}
	return strings.ReplaceAll(normInput, " ", "-") == chain.Slug
}

func hasUnderlying(tokens []string, address string) bool {
	for _, t := range tokens {
		if strings.EqualFold(strings.TrimSpace(t), strings.TrimSpace(address)) {
			return true
		}
	}
	return false
}

// DefiLlama pool ids are "<address>-<chain>" for some adapters and UUIDs
// for most. A UUID names no contract, so those pools are skipped, except
// for Aave markets: deposits there go through the Pool that the chain's
// PoolAddressesProvider points at, so the provider stands in for the vault.
func vaultAddress(p poolEntry, chainID int64) (string, bool) {
	if m := addressPrefix.FindString(p.Pool); m != "" {
		return id.Checksum(m), true
	}
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(p.Project)), "aave") {
		if provider, ok := registry.AavePoolAddressProvider(chainID); ok {
			return id.Checksum(provider), true
		}
	}
	return "", false
}

func poolName(p poolEntry) string {
	name := strings.TrimSpace(p.Project + " " + p.Symbol)
	if meta := strings.TrimSpace(p.PoolMeta); meta != "" {
		name += " (" + meta + ")"
	}
	return name
}

func numOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0
	}
	return *v
}
