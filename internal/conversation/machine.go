// Package conversation drives the deposit flow one turn at a time: token,
// chain, protocol and amount are collected in order, and each reply carries
// the next prompt or a recoverable error. Sessions live in memory only.
package conversation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ggonzalez94/defi-yield/internal/bundle"
	"github.com/ggonzalez94/defi-yield/internal/discovery"
	clierr "github.com/ggonzalez94/defi-yield/internal/errors"
	"github.com/ggonzalez94/defi-yield/internal/id"
	"github.com/ggonzalez94/defi-yield/internal/model"
	"github.com/ggonzalez94/defi-yield/internal/validate"
)

type Resolver interface {
	Resolve(ctx context.Context, query, chainHint string) (model.TokenResolution, error)
}

type Discoverer interface {
	Discover(ctx context.Context, req discovery.Request) (model.DiscoveryResult, error)
}

type Bundler interface {
	Build(ctx context.Context, req bundle.Request) (model.TransactionBundle, error)
}

type Deps struct {
	Resolver   Resolver
	Discoverer Discoverer
	Bundler    Bundler
	Logger     *slog.Logger
}

// Machine sequences one conversation. Guards decide transitions; the work
// itself is delegated to Deps.
type Machine struct {
	mu     sync.Mutex
	state  State
	deps   Deps
	logger *slog.Logger
}

func NewMachine(sessionID string, deps Deps) *Machine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Machine{
		state:  State{ID: sessionID, Step: StepTokenConfirmation},
		deps:   deps,
		logger: logger,
	}
}

// State returns a copy of the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// Reset discards everything but the session id.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = State{ID: m.state.ID, Step: StepTokenConfirmation}
}

// Advance applies one turn. Errors never escape: they are reported in the
// reply, and only non-recoverable ones move the machine to StepError.
func (m *Machine) Advance(ctx context.Context, in Input) Reply {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Step == StepError {
		return m.reply("conversation failed; start a new session", nil)
	}
	m.state.LastError = nil
	switch m.state.Step {
	case StepTokenConfirmation:
		return m.confirmToken(ctx, in)
	case StepProtocolDiscovery:
		return m.selectProtocol(ctx, in)
	case StepAmountInput:
		return m.collectAmount(ctx, in)
	case StepTransactionReady:
		return m.fail(clierr.New(clierr.CodeUsage, "transaction already prepared").
			WithHint("start a new session for another deposit"))
	default:
		return m.fail(clierr.New(clierr.CodeInternal, fmt.Sprintf("unknown step %q", m.state.Step)))
	}
}

func (m *Machine) confirmToken(ctx context.Context, in Input) Reply {
	if reply, ok := m.settleToken(ctx, in); !ok {
		return reply
	}
	return m.discover(ctx)
}

// settleToken applies the token and chain fields of a turn. It reports true
// once the token and a chain choice are both known.
func (m *Machine) settleToken(ctx context.Context, in Input) (Reply, bool) {
	if ref := strings.TrimSpace(in.Token); ref != "" {
		res, err := m.deps.Resolver.Resolve(ctx, ref, in.Chain)
		if err != nil && clierr.Is(err, clierr.CodeNotFound) && strings.TrimSpace(in.Chain) != "" && !id.IsEVMAddress(ref) {
			// The token may live on other chains only; resolve it alone so
			// the chain guard below can name them.
			res, err = m.deps.Resolver.Resolve(ctx, ref, "")
		}
		if err != nil {
			return m.fail(err), false
		}
		m.state.Query = ref
		m.state.Token = res.Token
		m.state.Candidates = res.Candidates
		m.state.Chain = nil
	}

	if m.state.Token == nil && strings.TrimSpace(in.Candidate) != "" {
		picked, ok := pickCandidate(m.state.Candidates, in.Candidate)
		if !ok {
			return m.fail(clierr.New(clierr.CodeNotFound, "candidate not in the last search results").
				WithHint("choose one of: " + strings.Join(candidateNames(m.state.Candidates), ", "))), false
		}
		m.state.Token = &picked
		m.state.Candidates = nil
	}

	if m.state.Token == nil {
		if len(m.state.Candidates) > 0 {
			return m.reply("several tokens match; choose one of: "+strings.Join(candidateNames(m.state.Candidates), ", "), []string{FieldToken}), false
		}
		return m.reply("which token do you want to deposit?", []string{FieldToken}), false
	}

	if in.AllChains {
		m.state.AllChains = true
		return Reply{}, true
	}
	if strings.TrimSpace(in.Chain) == "" {
		return m.reply(fmt.Sprintf("%s is available on %s; which chain?", m.state.Token.Symbol, strings.Join(tokenChains(*m.state.Token), ", ")), []string{FieldChain}), false
	}
	entry, err := chainForToken(*m.state.Token, in.Chain)
	if err != nil {
		return m.fail(err), false
	}
	m.state.Chain = &entry
	m.state.AllChains = false
	return Reply{}, true
}

func (m *Machine) discoveryRequest() discovery.Request {
	req := discovery.Request{AllChains: m.state.AllChains}
	if m.state.AllChains {
		req.Addresses = map[int64]string{}
		for _, c := range m.state.Token.Chains {
			req.Addresses[c.ChainID] = c.ContractAddress
		}
		req.TokenAddress = m.state.Token.Chains[0].ContractAddress
	} else {
		req.TokenAddress = m.state.Chain.ContractAddress
		req.ChainID = m.state.Chain.ChainID
	}
	return req
}

func (m *Machine) discover(ctx context.Context) Reply {
	result, err := m.deps.Discoverer.Discover(ctx, m.discoveryRequest())
	if err != nil {
		if clierr.Recoverable(err) {
			m.state.Chain = nil
			m.state.AllChains = false
		}
		return m.fail(err)
	}
	m.applyDiscovery(result)
	return m.reply(fmt.Sprintf("found %d protocols (showing %d); which one?", result.TotalFound, len(result.Protocols)), []string{FieldProtocol})
}

func (m *Machine) applyDiscovery(result model.DiscoveryResult) {
	m.state.Ranked = result.Protocols
	m.state.TotalFound = result.TotalFound
	m.state.Warnings = append(m.state.Warnings, result.Warnings...)
	m.transition(StepProtocolDiscovery)
}

func (m *Machine) selectProtocol(ctx context.Context, in Input) Reply {
	if strings.TrimSpace(in.Protocol) == "" {
		return m.reply("which protocol?", []string{FieldProtocol})
	}
	vault, ok := MatchProtocol(m.state.Ranked, in.Protocol)
	if !ok {
		return m.fail(clierr.New(clierr.CodeNotFound, fmt.Sprintf("protocol %q is not in the current results", in.Protocol)).
			WithHint("available: " + strings.Join(protocolNames(m.state.Ranked), ", ")))
	}
	m.state.Protocol = &vault
	m.transition(StepAmountInput)
	return m.collectAmount(ctx, in)
}

func (m *Machine) collectAmount(ctx context.Context, in Input) Reply {
	if err := m.applyAmount(in); err != nil {
		return m.fail(err)
	}
	if strings.TrimSpace(in.User) != "" {
		user, err := validate.Checksummed(in.User)
		if err != nil {
			return m.fail(err)
		}
		m.state.UserAddress = user
	}

	var missing []string
	if m.state.Amount == "" {
		missing = append(missing, FieldAmount)
	}
	if m.state.UserAddress == "" {
		missing = append(missing, FieldUser)
	}
	if len(missing) > 0 {
		return m.reply("please provide: "+strings.Join(missing, ", "), missing)
	}
	return m.buildBundle(ctx)
}

func (m *Machine) applyAmount(in Input) error {
	raw, dec := strings.TrimSpace(in.Amount), strings.TrimSpace(in.AmountDecimal)
	if raw == "" && dec == "" {
		return nil
	}
	base, decimal, err := id.NormalizeAmount(raw, dec, m.state.Token.Decimals)
	if err != nil {
		return err
	}
	m.state.Amount, m.state.AmountDecimal = base, decimal
	return nil
}

func (m *Machine) buildBundle(ctx context.Context) Reply {
	vault := m.state.Protocol
	token, ok := m.state.Token.OnChain(vault.ChainID)
	if !ok {
		return m.fail(clierr.New(clierr.CodeNotFound, "token is not deployed on the protocol's chain"))
	}
	amount, _ := new(big.Int).SetString(m.state.Amount, 10)
	b, err := m.deps.Bundler.Build(ctx, bundle.Request{
		User:     m.state.UserAddress,
		Token:    token.ContractAddress,
		Vault:    vault.Address,
		Protocol: vault.Project,
		ChainID:  vault.ChainID,
		Amount:   amount,
		Symbol:   m.state.Token.Symbol,
		Decimals: m.state.Token.Decimals,
	})
	if err != nil {
		return m.fail(err)
	}
	m.state.Bundle = &b
	m.transition(StepTransactionReady)
	return m.reply("transaction ready; review and sign in your wallet", nil)
}

func (m *Machine) transition(to Step) {
	m.logger.Debug("conversation transition", "session", m.state.ID, "from", m.state.Step, "to", to)
	m.state.Step = to
}

// fail records err. Recoverable errors keep the current step so the
// caller can re-prompt.
func (m *Machine) fail(err error) Reply {
	info := errorInfo(err)
	m.state.LastError = info
	if !clierr.Recoverable(err) {
		m.logger.Warn("conversation failed", "session", m.state.ID, "step", m.state.Step, "error", err)
		m.transition(StepError)
		return Reply{State: m.state.clone(), Prompt: info.Message, Error: info}
	}
	prompt := info.Message
	if info.Hint != "" {
		prompt += "; " + info.Hint
	}
	return Reply{State: m.state.clone(), Prompt: prompt, Error: info}
}

func (m *Machine) reply(prompt string, missing []string) Reply {
	return Reply{State: m.state.clone(), Prompt: prompt, Missing: missing, Error: m.state.LastError}
}

// MatchProtocol finds a ranked vault by name, project or address, ignoring
// case. The highest-ranked match wins.
func MatchProtocol(ranked []model.ProtocolVault, selection string) (model.ProtocolVault, bool) {
	sel := strings.TrimSpace(selection)
	if sel == "" {
		return model.ProtocolVault{}, false
	}
	for _, v := range ranked {
		if strings.EqualFold(v.Name, sel) || strings.EqualFold(v.Project, sel) || strings.EqualFold(v.Address, sel) {
			return v, true
		}
	}
	return model.ProtocolVault{}, false
}

func chainForToken(token model.TokenDescriptor, raw string) (model.ChainEntry, error) {
	hint := "valid chains for " + token.Symbol + ": " + strings.Join(tokenChains(token), ", ")
	chain, err := id.ParseChain(raw)
	if err != nil {
		return model.ChainEntry{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported chain: %s", raw)).WithHint(hint)
	}
	entry, ok := token.OnChain(chain.ID)
	if !ok {
		return model.ChainEntry{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("%s is not available on %s", token.Symbol, chain.Name)).WithHint(hint)
	}
	if entry.ChainName == "" {
		entry.ChainName = chain.Name
	}
	return entry, nil
}

func pickCandidate(items []model.TokenDescriptor, choice string) (model.TokenDescriptor, bool) {
	choice = strings.TrimSpace(choice)
	for _, t := range items {
		if strings.EqualFold(t.Symbol, choice) || strings.EqualFold(t.Name, choice) || strings.EqualFold(t.CoingeckoID, choice) {
			return t, true
		}
	}
	return model.TokenDescriptor{}, false
}

func tokenChains(t model.TokenDescriptor) []string {
	out := make([]string, 0, len(t.Chains))
	for _, c := range t.Chains {
		name := c.ChainName
		if chain, ok := id.ChainByID(c.ChainID); ok {
			name = chain.Slug
		}
		out = append(out, name)
	}
	return out
}

func candidateNames(items []model.TokenDescriptor) []string {
	out := make([]string, 0, len(items))
	for _, t := range items {
		out = append(out, fmt.Sprintf("%s (%s)", t.Symbol, t.Name))
	}
	return out
}

func protocolNames(items []model.ProtocolVault) []string {
	out := make([]string, 0, len(items))
	for _, v := range items {
		label := v.Project
		if v.Name != "" && !strings.EqualFold(v.Name, v.Project) {
			label = fmt.Sprintf("%s (%s)", v.Name, v.Project)
		}
		out = append(out, label)
	}
	return out
}
