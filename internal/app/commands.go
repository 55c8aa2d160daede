package app

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggonzalez94/defi-yield/internal/bundle"
	"github.com/ggonzalez94/defi-yield/internal/cache"
	"github.com/ggonzalez94/defi-yield/internal/conversation"
	"github.com/ggonzalez94/defi-yield/internal/discovery"
	clierr "github.com/ggonzalez94/defi-yield/internal/errors"
	"github.com/ggonzalez94/defi-yield/internal/id"
	"github.com/ggonzalez94/defi-yield/internal/model"
	"github.com/ggonzalez94/defi-yield/internal/schema"
	"github.com/ggonzalez94/defi-yield/internal/validate"
	"github.com/ggonzalez94/defi-yield/internal/version"
)

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass(), nil, false)
		},
	}
}

func (s *runtimeState) newProvidersCommand() *cobra.Command {
	root := &cobra.Command{Use: "providers", Short: "Provider commands"}
	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List providers, the role each plays in this configuration, and key requirements",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := s.pipeline()
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), p.listing, nil, cacheMetaBypass(), nil, false)
		},
	})
	return root
}

func (s *runtimeState) newChainsCommand() *cobra.Command {
	root := &cobra.Command{Use: "chains", Short: "Supported chains"}
	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the chains discovery and bundles support",
		RunE: func(cmd *cobra.Command, args []string) error {
			chains := id.SupportedChains()
			items := make([]model.ChainInfo, 0, len(chains))
			for _, c := range chains {
				items = append(items, model.ChainInfo{ID: c.ID, Name: c.Name, Slug: c.Slug, NativeSymbol: c.NativeSymbol, CAIP2: c.CAIP2})
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, nil, cacheMetaBypass(), nil, false)
		},
	})
	return root
}

func (s *runtimeState) newResolveCommand() *cobra.Command {
	var chainArg string
	cmd := &cobra.Command{
		Use:   "resolve <symbol|name|address>",
		Short: "Resolve a token reference to its metadata and supported chains",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := s.pipeline()
			if err != nil {
				return err
			}
			path := trimRootPath(cmd.CommandPath())
			key := cache.Key(path, map[string]any{"query": strings.ToLower(args[0]), "chain": strings.ToLower(chainArg), "provider": p.metadata.Info().Name})
			return runCached(s, path, key, func(ctx context.Context) (model.TokenResolution, []model.ProviderStatus, []string, bool, error) {
				started := time.Now()
				res, err := p.resolver.Resolve(ctx, args[0], chainArg)
				return res, providerStatusFor(p.metadata.Info().Name, started, err), nil, false, err
			})
		},
	}
	cmd.Flags().StringVar(&chainArg, "chain", "", "Chain name or id (required for contract addresses)")
	return cmd
}

func (s *runtimeState) newSearchCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "List tokens matching a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return clierr.New(clierr.CodeUsage, "--limit must be positive")
			}
			p, err := s.pipeline()
			if err != nil {
				return err
			}
			path := trimRootPath(cmd.CommandPath())
			key := cache.Key(path, map[string]any{"query": strings.ToLower(args[0]), "limit": limit, "provider": p.metadata.Info().Name})
			return runCached(s, path, key, func(ctx context.Context) ([]model.TokenDescriptor, []model.ProviderStatus, []string, bool, error) {
				started := time.Now()
				items, err := p.resolver.Search(ctx, args[0], limit)
				return items, providerStatusFor(p.metadata.Info().Name, started, err), nil, false, err
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum candidates to return")
	return cmd
}

func (s *runtimeState) newDiscoverCommand() *cobra.Command {
	var tokenArg, chainArg string
	var allChains bool
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Rank yield vaults accepting a token by safety score, then APY",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := s.pipeline()
			if err != nil {
				return err
			}
			path := trimRootPath(cmd.CommandPath())
			key := cache.Key(path, map[string]any{
				"token":      strings.ToLower(tokenArg),
				"chain":      strings.ToLower(chainArg),
				"all_chains": allChains,
				"provider":   p.discovery.Info().Name,
				"k1":         s.settings.Prefilter,
				"k2":         s.settings.Limit,
			})
			return runCached(s, path, key, func(ctx context.Context) (model.DiscoveryResult, []model.ProviderStatus, []string, bool, error) {
				req, err := discoveryRequest(ctx, p, tokenArg, chainArg, allChains)
				if err != nil {
					return model.DiscoveryResult{}, nil, nil, false, err
				}
				name := p.discovery.Info().Name
				started := time.Now()
				res, err := p.discoverer.Discover(ctx, req)
				if err != nil {
					return model.DiscoveryResult{}, providerStatusFor(name, started, err), nil, false, err
				}
				if !allChains {
					return res, providerStatusFor(name, started, nil), res.Warnings, false, nil
				}
				statuses := make([]model.ProviderStatus, 0, len(res.Chains))
				partial := false
				for _, c := range res.Chains {
					statuses = append(statuses, model.ProviderStatus{Name: name + ":" + c.Chain, Status: c.Status, LatencyMS: c.LatencyMS})
					partial = partial || c.Status == "error"
				}
				return res, statuses, res.Warnings, partial, nil
			})
		},
	}
	cmd.Flags().StringVar(&tokenArg, "token", "", "Token contract address or symbol")
	cmd.Flags().StringVar(&chainArg, "chain", "", "Chain name or id")
	cmd.Flags().BoolVar(&allChains, "all-chains", false, "Search every supported chain")
	_ = cmd.MarkFlagRequired("token")
	cmd.MarkFlagsMutuallyExclusive("chain", "all-chains")
	cmd.MarkFlagsOneRequired("chain", "all-chains")
	return cmd
}

// discoveryRequest accepts a contract address directly or resolves a symbol
// to the per-chain addresses it needs.
func discoveryRequest(ctx context.Context, p *pipeline, tokenArg, chainArg string, allChains bool) (discovery.Request, error) {
	req := discovery.Request{AllChains: allChains}
	var chain id.Chain
	if !allChains {
		c, err := validate.Chain(chainArg)
		if err != nil {
			return req, err
		}
		chain = c
		req.ChainID = c.ID
	}
	if id.IsEVMAddress(tokenArg) {
		req.TokenAddress = tokenArg
		return req, nil
	}

	res, err := p.resolver.Resolve(ctx, tokenArg, chainArg)
	if err != nil {
		return req, err
	}
	if res.Token == nil {
		return req, clierr.New(clierr.CodeUsage, fmt.Sprintf("token %q is ambiguous", tokenArg)).
			WithHint("pass the contract address or one of: " + describeCandidates(res.Candidates))
	}
	if !allChains {
		entry, ok := res.Token.OnChain(chain.ID)
		if !ok {
			return req, clierr.New(clierr.CodeNotFound, fmt.Sprintf("%s is not deployed on %s", res.Token.Symbol, chain.Name))
		}
		req.TokenAddress = entry.ContractAddress
		return req, nil
	}
	if len(res.Token.Chains) == 0 {
		return req, clierr.New(clierr.CodeNotFound, fmt.Sprintf("%s is not deployed on a supported chain", res.Token.Symbol))
	}
	req.TokenAddress = res.Token.Chains[0].ContractAddress
	req.Addresses = make(map[int64]string, len(res.Token.Chains))
	for _, c := range res.Token.Chains {
		req.Addresses[c.ChainID] = c.ContractAddress
	}
	return req, nil
}

func describeCandidates(candidates []model.TokenDescriptor) string {
	parts := make([]string, 0, len(candidates))
	for _, c := range candidates {
		parts = append(parts, fmt.Sprintf("%s (%s)", c.Symbol, c.Name))
	}
	return strings.Join(parts, ", ")
}

func (s *runtimeState) newTxCommand() *cobra.Command {
	root := &cobra.Command{Use: "tx", Short: "Unsigned transaction bundles"}

	var user, token, vault, protocol, chainArg, amountBase, amountDecimal, symbol string
	var decimals int
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Build the approval and deposit transactions for a vault deposit (nothing is signed or sent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			s.resetCommandDiagnostics()
			chain, err := validate.Chain(chainArg)
			if err != nil {
				return err
			}
			p, err := s.pipeline()
			if err != nil {
				return err
			}
			ctx, cancel := s.requestContext()
			defer cancel()

			if decimals < 0 || symbol == "" {
				d, sym, err := tokenDetails(ctx, p, token, chain)
				if err != nil && decimals < 0 && amountDecimal != "" {
					return err
				}
				if decimals < 0 {
					decimals = d
				}
				if symbol == "" {
					symbol = sym
				}
			}
			base, _, err := id.NormalizeAmount(amountBase, amountDecimal, max(decimals, 0))
			if err != nil {
				return err
			}
			amount, _ := new(big.Int).SetString(base, 10)

			name := p.transactions.Info().Name
			started := time.Now()
			b, err := p.bundler.Build(ctx, bundle.Request{
				User:     user,
				Token:    token,
				Vault:    vault,
				Protocol: protocol,
				ChainID:  chain.ID,
				Amount:   amount,
				Symbol:   symbol,
				Decimals: max(decimals, 0),
			})
			statuses := providerStatusFor(name, started, err)
			s.captureCommandDiagnostics(nil, statuses, false)
			if err != nil {
				return err
			}
			s.captureCommandDiagnostics(b.Warnings, statuses, false)
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), b, b.Warnings, cacheMetaBypass(), statuses, false)
		},
	}
	generate.Flags().StringVar(&user, "user", "", "Depositor address (EIP-55 checksummed)")
	generate.Flags().StringVar(&token, "token", "", "Token contract address")
	generate.Flags().StringVar(&vault, "vault", "", "Vault address from discover")
	generate.Flags().StringVar(&protocol, "protocol", "", "Protocol identifier from discover, e.g. aave-v3")
	generate.Flags().StringVar(&chainArg, "chain", "", "Chain name or id")
	generate.Flags().StringVar(&amountBase, "amount", "", "Amount in base units")
	generate.Flags().StringVar(&amountDecimal, "amount-decimal", "", "Amount in token units, e.g. 1.5")
	generate.Flags().IntVar(&decimals, "decimals", -1, "Token decimals (looked up when omitted)")
	generate.Flags().StringVar(&symbol, "symbol", "", "Token symbol for display (looked up when omitted)")
	for _, f := range []string{"user", "token", "vault", "protocol", "chain"} {
		_ = generate.MarkFlagRequired(f)
	}
	generate.MarkFlagsMutuallyExclusive("amount", "amount-decimal")
	generate.MarkFlagsOneRequired("amount", "amount-decimal")
	root.AddCommand(generate)
	return root
}

// tokenDetails finds decimals and symbol from the static registry first and
// the metadata provider second.
func tokenDetails(ctx context.Context, p *pipeline, token string, chain id.Chain) (int, string, error) {
	if t, ok := id.LookupByAddress(chain.ID, token); ok {
		return t.Decimals, t.Symbol, nil
	}
	res, err := p.resolver.Resolve(ctx, token, chain.Slug)
	if err != nil {
		return 0, "", err
	}
	if res.Token == nil {
		return 0, "", clierr.New(clierr.CodeNotFound, "token metadata unavailable").WithHint("pass --decimals and --symbol")
	}
	return res.Token.Decimals, res.Token.Symbol, nil
}

func (s *runtimeState) newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <address|chain|amount> <value>",
		Short: "Check an address, chain or amount and print its normalized form",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := validate.Validate(args[0], args[1])
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), res, nil, cacheMetaBypass(), nil, false)
		},
	}
}

func (s *runtimeState) newQuickCommand() *cobra.Command {
	var q conversation.QuickRequest
	cmd := &cobra.Command{
		Use:   "quick",
		Short: "Resolve, discover and build a deposit bundle in one step",
		RunE: func(cmd *cobra.Command, args []string) error {
			s.resetCommandDiagnostics()
			p, err := s.pipeline()
			if err != nil {
				return err
			}
			ctx, cancel := s.requestContext()
			defer cancel()
			reply := p.conversations.Quick(ctx, q)
			s.captureCommandDiagnostics(reply.State.Warnings, nil, false)
			if reply.Error != nil {
				return clierr.FromKind(reply.Error.Kind, reply.Error.Message, reply.Error.Hint)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), reply, reply.State.Warnings, cacheMetaBypass(), nil, false)
		},
	}
	cmd.Flags().StringVar(&q.Token, "token", "", "Token symbol or contract address")
	cmd.Flags().StringVar(&q.Chain, "chain", "", "Chain name or id")
	cmd.Flags().StringVar(&q.Protocol, "protocol", "", "Protocol name, project or vault address")
	cmd.Flags().StringVar(&q.Amount, "amount", "", "Amount in base units")
	cmd.Flags().StringVar(&q.AmountDecimal, "amount-decimal", "", "Amount in token units")
	cmd.Flags().StringVar(&q.User, "user", "", "Depositor address (EIP-55 checksummed)")
	return cmd
}
