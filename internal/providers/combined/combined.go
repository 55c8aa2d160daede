// Package combined merges several discovery providers into one. Each
// member is queried concurrently per chain; a member that fails is logged
// and skipped as long as another member answers.
package combined

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	clierr "github.com/ggonzalez94/defi-yield/internal/errors"
	"github.com/ggonzalez94/defi-yield/internal/model"
	"github.com/ggonzalez94/defi-yield/internal/providers"
)

// Member is one source. Projects lists the project slug prefixes the
// member reports natively: when it answers, rows for those projects from
// the other members are dropped in favour of its own.
type Member struct {
	Provider providers.DiscoveryProvider
	Projects []string
}

type Provider struct {
	members []Member
	logger  *slog.Logger
}

func New(logger *slog.Logger, members ...Member) *Provider {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Provider{members: members, logger: logger}
}

// Info names the provider after its members, e.g. "defillama+aave+morpho".
func (p *Provider) Info() model.ProviderInfo {
	names := make([]string, 0, len(p.members))
	caps := map[string]bool{}
	info := model.ProviderInfo{Type: "discovery"}
	for _, m := range p.members {
		mi := m.Provider.Info()
		names = append(names, mi.Name)
		info.RequiresKey = info.RequiresKey || mi.RequiresKey
		for _, c := range mi.Capabilities {
			if !caps[c] {
				caps[c] = true
				info.Capabilities = append(info.Capabilities, c)
			}
		}
	}
	info.Name = strings.Join(names, "+")
	return info
}

type memberResult struct {
	vaults []model.ProtocolVault
	err    error
}

// FindVaults returns the merged vaults. It fails only when every member
// fails, with the first member's error.
func (p *Provider) FindVaults(ctx context.Context, tokenAddress string, chainID int64) ([]model.ProtocolVault, error) {
	results := make([]memberResult, len(p.members))
	var g errgroup.Group
	for i, m := range p.members {
		g.Go(func() error {
			vaults, err := m.Provider.FindVaults(ctx, tokenAddress, chainID)
			results[i] = memberResult{vaults: vaults, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var native []string
	answered := 0
	for i, r := range results {
		if r.err != nil {
			p.logger.Warn("discovery member failed", "provider", p.members[i].Provider.Info().Name, "chain_id", chainID, "error", r.err)
			continue
		}
		answered++
		native = append(native, p.members[i].Projects...)
	}
	if answered == 0 {
		if len(results) == 0 {
			return nil, clierr.New(clierr.CodeInternal, "no discovery providers configured")
		}
		return nil, results[0].err
	}

	out := []model.ProtocolVault{}
	for i, r := range results {
		if r.err != nil {
			continue
		}
		own := p.members[i].Projects
		for _, v := range r.vaults {
			if !hasPrefix(own, v.Project) && hasPrefix(native, v.Project) {
				continue
			}
			out = append(out, v)
		}
	}
	return out, nil
}

func hasPrefix(prefixes []string, project string) bool {
	project = strings.ToLower(strings.TrimSpace(project))
	for _, prefix := range prefixes {
		if strings.HasPrefix(project, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}
