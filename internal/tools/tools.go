// Package tools exposes the pipeline as five JSON-in/JSON-out operations
// for a tool-calling caller. Every operation returns a Result; errors are
// data, never panics or Go errors.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ggonzalez94/defi-yield/internal/bundle"
	"github.com/ggonzalez94/defi-yield/internal/discovery"
	clierr "github.com/ggonzalez94/defi-yield/internal/errors"
	"github.com/ggonzalez94/defi-yield/internal/id"
	"github.com/ggonzalez94/defi-yield/internal/model"
	"github.com/ggonzalez94/defi-yield/internal/validate"
)

const (
	ResolveToken        = "resolve_token"
	SearchToken         = "search_token"
	DiscoverProtocols   = "discover_protocols"
	GenerateTransaction = "generate_transaction"
	Validate            = "validate"
)

const defaultSearchLimit = 10

type Resolver interface {
	Resolve(ctx context.Context, query, chainHint string) (model.TokenResolution, error)
	Search(ctx context.Context, query string, limit int) ([]model.TokenDescriptor, error)
}

type Discoverer interface {
	Discover(ctx context.Context, req discovery.Request) (model.DiscoveryResult, error)
}

type Bundler interface {
	Build(ctx context.Context, req bundle.Request) (model.TransactionBundle, error)
}

type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// Result is either {ok: true, data} or {ok: false, error}.
type Result struct {
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

func success(data any) Result { return Result{OK: true, Data: data} }

func failure(err error) Result {
	body := &ErrorBody{Kind: clierr.KindOf(err), Message: err.Error()}
	if e, ok := clierr.As(err); ok {
		body.Message = e.Message
		body.Hint = e.Hint
	}
	return Result{OK: false, Error: body}
}

// Err returns the failure as a typed error, or nil on success.
func (r Result) Err() error {
	if r.OK || r.Error == nil {
		return nil
	}
	return clierr.FromKind(r.Error.Kind, r.Error.Message, r.Error.Hint)
}

type Service struct {
	resolver   Resolver
	discoverer Discoverer
	bundler    Bundler
}

func New(resolver Resolver, discoverer Discoverer, bundler Bundler) *Service {
	return &Service{resolver: resolver, discoverer: discoverer, bundler: bundler}
}

type ResolveArgs struct {
	Reference string `json:"reference"`
	ChainHint string `json:"chain_hint,omitempty"`
}

func (s *Service) ResolveToken(ctx context.Context, args ResolveArgs) Result {
	res, err := s.resolver.Resolve(ctx, args.Reference, args.ChainHint)
	if err != nil {
		return failure(err)
	}
	return success(res)
}

type SearchArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

func (s *Service) SearchToken(ctx context.Context, args SearchArgs) Result {
	limit := args.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	items, err := s.resolver.Search(ctx, args.Query, limit)
	if err != nil {
		return failure(err)
	}
	return success(items)
}

type DiscoverArgs struct {
	TokenAddress string `json:"token_address"`
	ChainID      int64  `json:"chain_id,omitempty"`
	Chain        string `json:"chain,omitempty"`
	AllChains    bool   `json:"all_chains,omitempty"`
}

func (s *Service) DiscoverProtocols(ctx context.Context, args DiscoverArgs) Result {
	req := discovery.Request{TokenAddress: args.TokenAddress, AllChains: args.AllChains}
	if !args.AllChains {
		chainID, err := chainArg(args.ChainID, args.Chain)
		if err != nil {
			return failure(err)
		}
		req.ChainID = chainID
	}
	res, err := s.discoverer.Discover(ctx, req)
	if err != nil {
		return failure(err)
	}
	return success(res)
}

type GenerateArgs struct {
	User     string `json:"user"`
	Token    string `json:"token"`
	Protocol string `json:"protocol"`
	Vault    string `json:"vault,omitempty"`
	ChainID  int64  `json:"chain_id,omitempty"`
	Chain    string `json:"chain,omitempty"`
	Amount   string `json:"amount"`
	Symbol   string `json:"symbol,omitempty"`
	Decimals int    `json:"decimals,omitempty"`
}

func (s *Service) GenerateTransaction(ctx context.Context, args GenerateArgs) Result {
	chainID, err := chainArg(args.ChainID, args.Chain)
	if err != nil {
		return failure(err)
	}
	amount, err := validate.Amount(args.Amount)
	if err != nil {
		return failure(err)
	}
	protocol, vault := strings.TrimSpace(args.Protocol), strings.TrimSpace(args.Vault)
	if vault == "" && id.IsEVMAddress(protocol) {
		vault = protocol
	}
	if vault == "" {
		return failure(clierr.New(clierr.CodeUsage, "vault address is required").
			WithHint("pass the vault address from discover_protocols"))
	}
	b, err := s.bundler.Build(ctx, bundle.Request{
		User:     args.User,
		Token:    args.Token,
		Vault:    vault,
		Protocol: protocol,
		ChainID:  chainID,
		Amount:   new(big.Int).Set(amount),
		Symbol:   args.Symbol,
		Decimals: args.Decimals,
	})
	if err != nil {
		return failure(err)
	}
	return success(b)
}

type ValidateArgs struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// Validate always succeeds as an operation; the verdict is in the data.
func (s *Service) Validate(_ context.Context, args ValidateArgs) Result {
	return success(validate.Validate(args.Kind, args.Value))
}

// Dispatch decodes rawArgs for the named tool and runs it.
func (s *Service) Dispatch(ctx context.Context, name string, rawArgs json.RawMessage) Result {
	switch strings.TrimSpace(name) {
	case ResolveToken:
		var args ResolveArgs
		if err := decode(rawArgs, &args); err != nil {
			return failure(err)
		}
		return s.ResolveToken(ctx, args)
	case SearchToken:
		var args SearchArgs
		if err := decode(rawArgs, &args); err != nil {
			return failure(err)
		}
		return s.SearchToken(ctx, args)
	case DiscoverProtocols:
		var args DiscoverArgs
		if err := decode(rawArgs, &args); err != nil {
			return failure(err)
		}
		return s.DiscoverProtocols(ctx, args)
	case GenerateTransaction:
		var args GenerateArgs
		if err := decode(rawArgs, &args); err != nil {
			return failure(err)
		}
		return s.GenerateTransaction(ctx, args)
	case Validate:
		var args ValidateArgs
		if err := decode(rawArgs, &args); err != nil {
			return failure(err)
		}
		return s.Validate(ctx, args)
	default:
		return failure(clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown tool %q", name)).
			WithHint("available tools: " + strings.Join(Names(), ", ")))
	}
}

func decode(raw json.RawMessage, out any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return clierr.Wrap(clierr.CodeUsage, "invalid tool arguments", err).
			WithHint("arguments must be a JSON object matching the tool's input schema")
	}
	return nil
}

func chainArg(chainID int64, chain string) (int64, error) {
	if strings.TrimSpace(chain) != "" {
		c, err := validate.Chain(chain)
		if err != nil {
			return 0, err
		}
		return c.ID, nil
	}
	if chainID == 0 {
		return 0, clierr.New(clierr.CodeUsage, "chain is required").
			WithHint("pass chain_id, chain, or all_chains")
	}
	c, err := validate.ChainID(chainID)
	if err != nil {
		return 0, err
	}
	return c.ID, nil
}
