package app

import (
	"io"
	"log/slog"
	"strings"

	"github.com/ggonzalez94/defi-yield/internal/bundle"
	"github.com/ggonzalez94/defi-yield/internal/config"
	"github.com/ggonzalez94/defi-yield/internal/conversation"
	"github.com/ggonzalez94/defi-yield/internal/discovery"
	clierr "github.com/ggonzalez94/defi-yield/internal/errors"
	"github.com/ggonzalez94/defi-yield/internal/httpx"
	"github.com/ggonzalez94/defi-yield/internal/metrics"
	"github.com/ggonzalez94/defi-yield/internal/model"
	"github.com/ggonzalez94/defi-yield/internal/providers"
	"github.com/ggonzalez94/defi-yield/internal/providers/aave"
	"github.com/ggonzalez94/defi-yield/internal/providers/coingecko"
	"github.com/ggonzalez94/defi-yield/internal/providers/combined"
	"github.com/ggonzalez94/defi-yield/internal/providers/defillama"
	"github.com/ggonzalez94/defi-yield/internal/providers/enso"
	"github.com/ggonzalez94/defi-yield/internal/providers/morpho"
	"github.com/ggonzalez94/defi-yield/internal/providers/onchain"
	"github.com/ggonzalez94/defi-yield/internal/providers/tokenlist"
	"github.com/ggonzalez94/defi-yield/internal/ranking"
	"github.com/ggonzalez94/defi-yield/internal/resolve"
	"github.com/ggonzalez94/defi-yield/internal/safety"
	"github.com/ggonzalez94/defi-yield/internal/tools"
	"github.com/ggonzalez94/defi-yield/internal/version"
)

// pipeline holds the providers chosen for this invocation and the
// components built on top of them.
type pipeline struct {
	metadata     providers.MetadataProvider
	discovery    providers.DiscoveryProvider
	transactions providers.TransactionProvider
	listing      []providerListing

	resolver      *resolve.Resolver
	discoverer    *discovery.Aggregator
	bundler       *bundle.Assembler
	conversations *conversation.Manager
	tools         *tools.Service
}

type providerListing struct {
	model.ProviderInfo
	Roles      []string `json:"roles,omitempty"`
	Configured bool     `json:"configured"`
}

type pipelineFactory func(settings config.Settings, logger *slog.Logger, m *metrics.Metrics) (*pipeline, error)

func buildPipeline(settings config.Settings, logger *slog.Logger, m *metrics.Metrics) (*pipeline, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	cg := coingecko.New(newHTTPClient(settings, config.ProviderCoinGecko, m), settings.Provider(config.ProviderCoinGecko).APIKey).
		WithBaseURL(settings.Provider(config.ProviderCoinGecko).BaseURL)
	list := tokenlist.New()
	ensoClient := enso.New(newHTTPClient(settings, config.ProviderEnso, m), settings.Provider(config.ProviderEnso).APIKey).
		WithBaseURL(settings.Provider(config.ProviderEnso).BaseURL)
	llama := defillama.New(newHTTPClient(settings, config.ProviderDefiLlama, m)).
		WithBaseURL(settings.Provider(config.ProviderDefiLlama).BaseURL)
	aaveClient := aave.New(newHTTPClient(settings, config.ProviderAave, m)).
		WithBaseURL(settings.Provider(config.ProviderAave).BaseURL)
	morphoClient := morpho.New(newHTTPClient(settings, config.ProviderMorpho, m)).
		WithBaseURL(settings.Provider(config.ProviderMorpho).BaseURL)
	chain := onchain.New(settings.RPCURLs)

	p := &pipeline{}
	metaName := selectMetadata(settings)
	switch metaName {
	case config.ProviderCoinGecko:
		p.metadata = cg
	default:
		p.metadata = list
	}
	sources := map[string]combined.Member{
		config.ProviderEnso:      {Provider: ensoClient},
		config.ProviderDefiLlama: {Provider: llama},
		config.ProviderAave:      {Provider: aaveClient, Projects: []string{aave.Project}},
		config.ProviderMorpho:    {Provider: morphoClient, Projects: []string{morpho.Project}},
	}
	discNames := selectDiscovery(settings)
	if len(discNames) == 1 {
		p.discovery = sources[discNames[0]].Provider
	} else {
		members := make([]combined.Member, 0, len(discNames))
		for _, name := range discNames {
			members = append(members, sources[name])
		}
		p.discovery = combined.New(logger, members...)
	}
	txName := selectTransactions(settings)
	switch txName {
	case config.ProviderEnso:
		p.transactions = ensoClient
	default:
		p.transactions = chain
	}
	logger.Debug("providers selected", "metadata", metaName, "discovery", strings.Join(discNames, "+"), "transactions", txName)

	roles := map[string][]string{}
	roles[metaName] = append(roles[metaName], "metadata")
	for _, name := range discNames {
		roles[name] = append(roles[name], "discovery")
	}
	roles[txName] = append(roles[txName], "transactions")
	for _, prov := range []providers.Provider{cg, list, ensoClient, llama, aaveClient, morphoClient, chain} {
		info := prov.Info()
		p.listing = append(p.listing, providerListing{
			ProviderInfo: info,
			Roles:        roles[info.Name],
			Configured:   !info.RequiresKey || settings.Provider(info.Name).APIKey != "",
		})
	}

	if err := p.assemble(settings, logger, m); err != nil {
		return nil, err
	}
	return p, nil
}

// assemble builds the pipeline components on top of the selected providers.
func (p *pipeline) assemble(settings config.Settings, logger *slog.Logger, m *metrics.Metrics) error {
	resolver, err := resolve.New(p.metadata, resolve.Options{Logger: logger, MemoTTL: settings.MemoTTL})
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "create token resolver", err)
	}
	p.resolver = resolver
	ranker := ranking.New(safety.New(settings.Weights), settings.Prefilter, settings.Limit)
	p.discoverer = discovery.New(p.discovery, ranker, discovery.Options{
		MaxConcurrency: settings.MaxConcurrency,
		Logger:         logger,
		Metrics:        m,
	})
	p.bundler = bundle.New(p.transactions, logger, m)
	p.conversations = conversation.NewManager(conversation.Deps{
		Resolver:   p.resolver,
		Discoverer: p.discoverer,
		Bundler:    p.bundler,
		Logger:     logger,
	})
	p.tools = tools.New(p.resolver, p.discoverer, p.bundler)
	return nil
}

func (p *pipeline) Close() {
	if p != nil && p.resolver != nil {
		p.resolver.Close()
	}
}

func newHTTPClient(settings config.Settings, name string, m *metrics.Metrics) *httpx.Client {
	opts := []httpx.Option{httpx.WithUserAgent(version.UserAgent())}
	if rps := settings.Provider(name).RPS; rps > 0 {
		opts = append(opts, httpx.WithRateLimit(rps, 1))
	}
	if m != nil {
		opts = append(opts, httpx.WithObserver(name, m))
	}
	return httpx.New(settings.Timeout, settings.Retries, opts...)
}

// Keyed providers win in auto mode; keyless fallbacks keep the CLI usable
// without any credentials.
func selectMetadata(settings config.Settings) string {
	if name := strings.ToLower(settings.MetadataProvider); name != config.ProviderAuto && name != "" {
		return name
	}
	if settings.Provider(config.ProviderCoinGecko).APIKey != "" {
		return config.ProviderCoinGecko
	}
	return config.ProviderTokenList
}

// selectDiscovery returns one provider name, or several to be merged. The
// keyless default pairs DefiLlama's breadth with the protocol-native APIs,
// whose vault addresses are always contracts.
func selectDiscovery(settings config.Settings) []string {
	if name := strings.ToLower(settings.DiscoveryProvider); name != config.ProviderAuto && name != "" {
		return []string{name}
	}
	if settings.Provider(config.ProviderEnso).APIKey != "" {
		return []string{config.ProviderEnso}
	}
	return []string{config.ProviderDefiLlama, config.ProviderAave, config.ProviderMorpho}
}

func selectTransactions(settings config.Settings) string {
	if name := strings.ToLower(settings.TransactionProvider); name != config.ProviderAuto && name != "" {
		return name
	}
	if settings.Provider(config.ProviderEnso).APIKey != "" {
		return config.ProviderEnso
	}
	return config.ProviderOnchain
}
