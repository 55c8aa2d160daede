// Package discovery queries one or all chains for vaults accepting a token
// and hands the results to the ranker.
package discovery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	clierr "github.com/ggonzalez94/defi-yield/internal/errors"
	"github.com/ggonzalez94/defi-yield/internal/id"
	"github.com/ggonzalez94/defi-yield/internal/model"
	"github.com/ggonzalez94/defi-yield/internal/providers"
	"github.com/ggonzalez94/defi-yield/internal/ranking"
	"github.com/ggonzalez94/defi-yield/internal/validate"
)

const DefaultMaxConcurrency = 4

// Recorder counts per-chain query outcomes.
type Recorder interface {
	ChainQuery(chain, outcome string)
}

// Options configures an Aggregator. MaxConcurrency <= 0 falls back to
// DefaultMaxConcurrency.
type Options struct {
	MaxConcurrency int
	Logger         *slog.Logger
	Metrics        Recorder
	// Chains restricts all-chain mode; defaults to every supported chain.
	Chains []id.Chain
}

// Aggregator fans discovery out across chains and ranks the merged vaults.
// In all-chain mode a failing chain becomes a warning, not an error.
type Aggregator struct {
	provider       providers.DiscoveryProvider
	ranker         *ranking.Ranker
	logger         *slog.Logger
	metrics        Recorder
	maxConcurrency int
	chains         []id.Chain
	now            func() time.Time
}

// New returns an Aggregator over provider.
func New(provider providers.DiscoveryProvider, ranker *ranking.Ranker, opts Options) *Aggregator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	limit := opts.MaxConcurrency
	if limit <= 0 {
		limit = DefaultMaxConcurrency
	}
	chains := opts.Chains
	if len(chains) == 0 {
		chains = id.SupportedChains()
	}
	return &Aggregator{
		provider:       provider,
		ranker:         ranker,
		logger:         logger,
		metrics:        opts.Metrics,
		maxConcurrency: limit,
		chains:         chains,
		now:            time.Now,
	}
}

// Request selects one chain or all of them. In all-chain mode Addresses
// supplies per-chain token addresses; chains without an entry reuse
// TokenAddress.
type Request struct {
	TokenAddress string
	ChainID      int64
	AllChains    bool
	Addresses    map[int64]string
}

// Discover finds, filters, scores and truncates vaults for a token. Zero
// qualifying vaults is reported as a CodeNotFound error.
func (a *Aggregator) Discover(ctx context.Context, req Request) (model.DiscoveryResult, error) {
	token, err := validate.Address(req.TokenAddress)
	if err != nil {
		return model.DiscoveryResult{}, err
	}
	result := model.DiscoveryResult{TokenAddress: token}

	var found []model.ProtocolVault
	if req.AllChains {
		found, result.Chains = a.fanOut(ctx, token, req.Addresses)
		for _, st := range result.Chains {
			if st.Status == "error" {
				result.Warnings = append(result.Warnings, fmt.Sprintf("%s: discovery failed (%s); treated as no results", st.Chain, st.Error))
			}
		}
	} else {
		chain, err := validate.ChainID(req.ChainID)
		if err != nil {
			return model.DiscoveryResult{}, err
		}
		vaults, status, err := a.queryChain(ctx, chain, token)
		result.Chains = []model.ChainQueryStatus{status}
		if err != nil {
			return model.DiscoveryResult{}, err
		}
		found = vaults
	}

	found = dedupe(found)
	result.TotalFound = len(found)
	if len(found) == 0 {
		return result, clierr.New(clierr.CodeNotFound, "no protocols found").
			WithHint(notFoundHint(req.AllChains))
	}
	ranked, total := a.ranker.Rank(found)
	result.Candidates = found
	result.Protocols = ranked
	result.TotalFound = total
	result.Shown = len(ranked)
	return result, nil
}

func (a *Aggregator) fanOut(ctx context.Context, token string, addresses map[int64]string) ([]model.ProtocolVault, []model.ChainQueryStatus) {
	perChain := make([][]model.ProtocolVault, len(a.chains))
	statuses := make([]model.ChainQueryStatus, len(a.chains))

	var g errgroup.Group
	g.SetLimit(a.maxConcurrency)
	for i, chain := range a.chains {
		addr := token
		if v, ok := addresses[chain.ID]; ok && strings.TrimSpace(v) != "" {
			addr = v
		}
		g.Go(func() error {
			// Per-chain failures are absorbed; the group never sees an error.
			vaults, status, err := a.queryChain(ctx, chain, addr)
			if err != nil {
				a.logger.Warn("chain discovery failed", "chain", chain.Slug, "error", err)
				vaults = nil
			}
			perChain[i] = vaults
			statuses[i] = status
			return nil
		})
	}
	_ = g.Wait()

	out := []model.ProtocolVault{}
	for _, vaults := range perChain {
		out = append(out, vaults...)
	}
	return out, statuses
}

func (a *Aggregator) queryChain(ctx context.Context, chain id.Chain, token string) ([]model.ProtocolVault, model.ChainQueryStatus, error) {
	start := a.now()
	status := model.ChainQueryStatus{ChainID: chain.ID, Chain: chain.Name}

	raw, err := a.provider.FindVaults(ctx, token, chain.ID)
	status.LatencyMS = a.now().Sub(start).Milliseconds()
	if err != nil {
		status.Status = "error"
		status.Error = err.Error()
		a.record(chain, "error")
		return nil, status, err
	}

	vaults := Qualifying(raw, token)
	for i := range vaults {
		if vaults[i].ChainName == "" {
			vaults[i].ChainName = chain.Name
		}
		vaults[i].ChainID = chain.ID
	}
	status.Count = len(vaults)
	status.Status = "ok"
	if len(vaults) == 0 {
		status.Status = "empty"
	}
	a.record(chain, status.Status)
	a.logger.Debug("chain discovery", "chain", chain.Slug, "raw", len(raw), "qualifying", len(vaults))
	return vaults, status, nil
}

func (a *Aggregator) record(chain id.Chain, outcome string) {
	if a.metrics != nil {
		a.metrics.ChainQuery(chain.Slug, outcome)
	}
}

// Qualifying keeps vaults with a positive APY that are not the token itself.
func Qualifying(vaults []model.ProtocolVault, token string) []model.ProtocolVault {
	out := make([]model.ProtocolVault, 0, len(vaults))
	for _, v := range vaults {
		if v.APY <= 0 {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(v.Address), strings.TrimSpace(token)) {
			continue
		}
		out = append(out, v)
	}
	return out
}

// dedupe collapses vaults sharing (address, chain), keeping the larger TVL.
func dedupe(vaults []model.ProtocolVault) []model.ProtocolVault {
	type key struct {
		addr  string
		chain int64
	}
	index := map[key]int{}
	out := make([]model.ProtocolVault, 0, len(vaults))
	for _, v := range vaults {
		k := key{strings.ToLower(v.Address), v.ChainID}
		if i, ok := index[k]; ok {
			if v.TVLUSD > out[i].TVLUSD {
				out[i] = v
			}
			continue
		}
		index[k] = len(out)
		out = append(out, v)
	}
	return out
}

func notFoundHint(allChains bool) string {
	if allChains {
		return "no supported chain has a vault with positive APY for this token; try a different token"
	}
	return "no vault with positive APY on this chain; retry with all chains enabled"
}
