// Package resolve turns a symbol, name or contract address into a token
// descriptor on one chain, asking the caller to pick when a query is
// ambiguous.
package resolve

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"

	clierr "github.com/ggonzalez94/defi-yield/internal/errors"
	"github.com/ggonzalez94/defi-yield/internal/id"
	"github.com/ggonzalez94/defi-yield/internal/model"
	"github.com/ggonzalez94/defi-yield/internal/providers"
	"github.com/ggonzalez94/defi-yield/internal/validate"
)

const (
	DefaultMemoTTL = 2 * time.Minute
	SourceQuery    = "query"
	SourceAddress  = "address"
)

// Options tunes a Resolver. The zero value logs nowhere and disables the memo.
type Options struct {
	Logger *slog.Logger
	// MemoTTL <= 0 disables the in-process memo.
	MemoTTL time.Duration
}

// Resolver turns free-form token references into descriptors.
type Resolver struct {
	provider providers.MetadataProvider
	logger   *slog.Logger
	memo     *ristretto.Cache
	ttl      time.Duration
}

// New returns a Resolver backed by provider. It fails only when the memo
// cache cannot be allocated.
func New(provider providers.MetadataProvider, opts Options) (*Resolver, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Resolver{provider: provider, logger: logger, ttl: opts.MemoTTL}
	if opts.MemoTTL > 0 {
		memo, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 10_000,
			MaxCost:     1_000,
			BufferItems: 64,
		})
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "init resolution memo", err)
		}
		r.memo = memo
	}
	return r, nil
}

// Close releases the memo's background goroutines.
func (r *Resolver) Close() {
	if r.memo != nil {
		r.memo.Close()
	}
}

// Resolve handles both reference forms. Contract addresses need a chain;
// symbols and names fuzzy-match and may return several candidates.
func (r *Resolver) Resolve(ctx context.Context, query, chainHint string) (model.TokenResolution, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return model.TokenResolution{}, clierr.New(clierr.CodeUsage, "token query is required")
	}

	var hint *id.Chain
	if strings.TrimSpace(chainHint) != "" {
		c, err := validate.Chain(chainHint)
		if err != nil {
			return model.TokenResolution{}, err
		}
		hint = &c
	}

	if looksLikeAddress(query) {
		return r.resolveAddress(ctx, query, hint)
	}
	return r.resolveSymbol(ctx, query, hint)
}

func (r *Resolver) resolveAddress(ctx context.Context, query string, hint *id.Chain) (model.TokenResolution, error) {
	addr, err := validate.Address(query)
	if err != nil {
		return model.TokenResolution{}, err
	}
	if hint == nil {
		return model.TokenResolution{}, clierr.New(clierr.CodeUsage, "chain required when using a contract address").
			WithHint("pass a chain such as base or 8453 alongside the address")
	}

	key := fmt.Sprintf("addr|%d|%s", hint.ID, strings.ToLower(addr))
	if cached, ok := r.lookup(key); ok {
		return cached, nil
	}
	token, err := r.provider.ResolveByAddress(ctx, addr, hint.ID)
	if err != nil {
		return model.TokenResolution{}, err
	}
	if token == nil {
		return model.TokenResolution{}, clierr.New(clierr.CodeNotFound, "token not found").
			WithHint("check the address and chain")
	}
	res := model.TokenResolution{Query: query, Token: token, Source: SourceAddress}
	r.store(key, res)
	return res, nil
}

func (r *Resolver) resolveSymbol(ctx context.Context, query string, hint *id.Chain) (model.TokenResolution, error) {
	key := "q|" + strings.ToUpper(query)
	if hint != nil {
		key = fmt.Sprintf("%s|%d", key, hint.ID)
	}
	if cached, ok := r.lookup(key); ok {
		return cached, nil
	}

	found, err := r.provider.ResolveByQuery(ctx, query)
	if err != nil {
		return model.TokenResolution{}, err
	}
	candidates := supportedOnly(found)
	if hint != nil {
		candidates = narrow(candidates, hint.ID)
	}
	OrderCandidates(candidates, query)

	res := model.TokenResolution{Query: query, Source: SourceQuery}
	switch len(candidates) {
	case 0:
		msg := "no token matches the query"
		if hint != nil {
			msg = fmt.Sprintf("no token matches the query on %s", hint.Name)
		}
		return model.TokenResolution{}, clierr.New(clierr.CodeNotFound, msg).
			WithHint("retry with the token contract address and chain")
	case 1:
		token := candidates[0]
		res.Token = &token
		res.RequiresConfirmation = hint == nil
	default:
		res.Candidates = candidates
		res.RequiresConfirmation = true
	}
	r.logger.Debug("resolved token query", "query", query, "candidates", len(candidates))
	r.store(key, res)
	return res, nil
}

// Search returns up to limit candidates without deciding between them.
func (r *Resolver) Search(ctx context.Context, query string, limit int) ([]model.TokenDescriptor, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, clierr.New(clierr.CodeUsage, "search query is required")
	}
	found, err := r.provider.ResolveByQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	out := supportedOnly(found)
	OrderCandidates(out, query)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// OrderCandidates puts exact symbol matches first, then larger market caps.
// Ties keep provider order.
func OrderCandidates(items []model.TokenDescriptor, query string) {
	q := strings.ToUpper(strings.TrimSpace(query))
	sort.SliceStable(items, func(i, j int) bool {
		ei, ej := items[i].Symbol == q, items[j].Symbol == q
		if ei != ej {
			return ei
		}
		return marketCap(items[i]) > marketCap(items[j])
	})
}

func marketCap(t model.TokenDescriptor) float64 {
	if t.Market == nil {
		return 0
	}
	return t.Market.MarketCapUSD
}

// supportedOnly drops chain entries outside the supported set and the
// candidates left with none.
func supportedOnly(items []model.TokenDescriptor) []model.TokenDescriptor {
	out := make([]model.TokenDescriptor, 0, len(items))
	for _, t := range items {
		chains := make([]model.ChainEntry, 0, len(t.Chains))
		seen := map[int64]bool{}
		for _, c := range t.Chains {
			if _, ok := id.ChainByID(c.ChainID); !ok || seen[c.ChainID] {
				continue
			}
			seen[c.ChainID] = true
			chains = append(chains, c)
		}
		if len(chains) == 0 {
			continue
		}
		t.Symbol = strings.ToUpper(t.Symbol)
		t.Chains = chains
		out = append(out, t)
	}
	return out
}

func narrow(items []model.TokenDescriptor, chainID int64) []model.TokenDescriptor {
	out := make([]model.TokenDescriptor, 0, len(items))
	for _, t := range items {
		entry, ok := t.OnChain(chainID)
		if !ok {
			continue
		}
		t.Chains = []model.ChainEntry{entry}
		out = append(out, t)
	}
	return out
}

// looksLikeAddress sends 0x-prefixed hex down the address path, where a
// wrong length is reported as a malformed address. Names such as
// "0xbitcoin" contain non-hex letters and stay fuzzy queries.
func looksLikeAddress(s string) bool {
	if id.IsEVMAddress(s) {
		return true
	}
	if len(s) <= 2 || !strings.EqualFold(s[:2], "0x") {
		return false
	}
	for _, r := range s[2:] {
		if !strings.ContainsRune(hexDigits, r) {
			return false
		}
	}
	return true
}

const hexDigits = "0123456789abcdefABCDEF"

func (r *Resolver) lookup(key string) (model.TokenResolution, bool) {
	if r.memo == nil {
		return model.TokenResolution{}, false
	}
	v, ok := r.memo.Get(key)
	if !ok {
		return model.TokenResolution{}, false
	}
	res, ok := v.(model.TokenResolution)
	return res, ok
}

func (r *Resolver) store(key string, res model.TokenResolution) {
	if r.memo == nil {
		return
	}
	r.memo.SetWithTTL(key, res, 1, r.ttl)
	r.memo.Wait()
}
