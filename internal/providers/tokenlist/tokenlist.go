// Package tokenlist resolves tokens from the built-in per-chain registry. It
// needs no network access and carries no market data.
package tokenlist

import (
	"context"
	"sort"
	"strings"

	clierr "github.com/ggonzalez94/defi-yield/internal/errors"
	"github.com/ggonzalez94/defi-yield/internal/id"
	"github.com/ggonzalez94/defi-yield/internal/model"
)

type Provider struct{}

func New() *Provider { return &Provider{} }

func (p *Provider) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:         "tokenlist",
		Type:         "metadata",
		RequiresKey:  false,
		Capabilities: []string{"token.search", "token.by_address"},
	}
}

func (p *Provider) ResolveByQuery(_ context.Context, text string) ([]model.TokenDescriptor, error) {
	query := strings.ToUpper(strings.TrimSpace(text))
	if query == "" {
		return nil, nil
	}
	bySymbol := map[string]*model.TokenDescriptor{}
	for _, chain := range id.SupportedChains() {
		for _, t := range id.Tokens(chain.ID) {
			if !matches(t, query) {
				continue
			}
			d, ok := bySymbol[t.Symbol]
			if !ok {
				d = &model.TokenDescriptor{Name: t.Name, Symbol: strings.ToUpper(t.Symbol), Decimals: t.Decimals}
				bySymbol[t.Symbol] = d
			}
			if chain.ID == 1 {
				d.Decimals = t.Decimals
			}
			d.Chains = append(d.Chains, model.ChainEntry{
				ChainID:         chain.ID,
				ChainName:       chain.Name,
				ContractAddress: t.Address,
			})
		}
	}
	out := make([]model.TokenDescriptor, 0, len(bySymbol))
	for _, d := range bySymbol {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (p *Provider) ResolveByAddress(_ context.Context, address string, chainID int64) (*model.TokenDescriptor, error) {
	chain, ok := id.ChainByID(chainID)
	if !ok {
		return nil, clierr.New(clierr.CodeUsage, "unsupported chain id")
	}
	t, ok := id.LookupByAddress(chainID, address)
	if !ok {
		return nil, clierr.New(clierr.CodeNotFound, "token not found for address on chain").
			WithHint("the offline token list only covers major stablecoins and WETH; configure coingecko for wider coverage")
	}
	return &model.TokenDescriptor{
		Name:     t.Name,
		Symbol:   strings.ToUpper(t.Symbol),
		Decimals: t.Decimals,
		Chains: []model.ChainEntry{{
			ChainID:         chain.ID,
			ChainName:       chain.Name,
			ContractAddress: t.Address,
		}},
	}, nil
}

func matches(t id.Token, query string) bool {
	if strings.EqualFold(t.Symbol, query) {
		return true
	}
	return len(query) >= 3 && strings.Contains(strings.ToUpper(t.Name), query)
}
