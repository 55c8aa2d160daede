package conversation

import (
	"context"
	"fmt"
	"strings"

	clierr "github.com/ggonzalez94/defi-yield/internal/errors"
	"github.com/ggonzalez94/defi-yield/internal/id"
	"github.com/ggonzalez94/defi-yield/internal/model"
	"github.com/ggonzalez94/defi-yield/internal/validate"
)

// QuickRequest carries every parameter of a deposit at once.
type QuickRequest struct {
	Token         string `json:"token"`
	Chain         string `json:"chain"`
	Protocol      string `json:"protocol"`
	Amount        string `json:"amount,omitempty"`
	AmountDecimal string `json:"amount_decimal,omitempty"`
	User          string `json:"user"`
}

// Validate checks all fields together and reports every problem in one
// error.
func (q QuickRequest) Validate() error {
	var problems []string
	add := func(field string, err error) {
		if err == nil {
			return
		}
		msg := err.Error()
		if e, ok := clierr.As(err); ok {
			msg = e.Message
		}
		problems = append(problems, field+": "+msg)
	}

	_, err := validate.Address(q.Token)
	add(FieldToken, err)
	_, err = validate.Chain(q.Chain)
	add(FieldChain, err)
	if strings.TrimSpace(q.Protocol) == "" {
		add(FieldProtocol, clierr.New(clierr.CodeUsage, "protocol is required"))
	}
	switch {
	case strings.TrimSpace(q.Amount) != "" && strings.TrimSpace(q.AmountDecimal) != "":
		add(FieldAmount, clierr.New(clierr.CodeUsage, "use either amount or amount_decimal, not both"))
	case strings.TrimSpace(q.AmountDecimal) != "":
		// Precision against token decimals is checked once the token is known.
		_, _, err = id.NormalizeAmount("", q.AmountDecimal, 36)
		add(FieldAmount, err)
	default:
		_, err = validate.Amount(q.Amount)
		add(FieldAmount, err)
	}
	_, err = validate.Checksummed(q.User)
	add(FieldUser, err)

	if len(problems) == 0 {
		return nil
	}
	return clierr.New(clierr.CodeUsage, "invalid quick request: "+strings.Join(problems, "; ")).
		WithHint("quick mode needs a token address, chain, protocol, positive amount and checksummed user address")
}

// Quick runs the whole flow in one call. The machine ends in
// StepTransactionReady on success; on a recoverable failure it is left at
// the step that failed with the supplied fields retained.
//
// The protocol is matched against every qualifying vault, not only the
// ranked page. A vault given by address is accepted even when discovery
// fails or does not list it; the bundle then carries no safety score for it.
func (m *Machine) Quick(ctx context.Context, q QuickRequest) Reply {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = State{ID: m.state.ID, Step: StepTokenConfirmation}
	if err := q.Validate(); err != nil {
		return m.fail(err)
	}
	if reply, ok := m.settleToken(ctx, Input{Token: q.Token, Chain: q.Chain}); !ok {
		return reply
	}

	byAddress := id.IsEVMAddress(q.Protocol)
	var candidates []model.ProtocolVault
	result, err := m.deps.Discoverer.Discover(ctx, m.discoveryRequest())
	switch {
	case err == nil:
		m.applyDiscovery(result)
		candidates = result.Candidates
	case byAddress:
		m.logger.Warn("quick discovery failed; using vault address as given", "session", m.state.ID, "error", err)
		m.state.Warnings = append(m.state.Warnings, fmt.Sprintf("discovery failed (%s); vault %s was not verified against discovered results", errorInfo(err).Message, q.Protocol))
		m.transition(StepProtocolDiscovery)
	default:
		if clierr.Recoverable(err) {
			m.state.Chain = nil
		}
		return m.fail(err)
	}

	vault, ok := MatchProtocol(m.state.Ranked, q.Protocol)
	if !ok {
		vault, ok = MatchProtocol(candidates, q.Protocol)
	}
	if !ok && byAddress {
		vault, ok = m.directVault(q.Protocol), true
		if err == nil {
			m.state.Warnings = append(m.state.Warnings, fmt.Sprintf("vault %s is not among discovered results; it has no safety score", vault.Address))
		}
	}
	if !ok {
		return m.fail(clierr.New(clierr.CodeNotFound, fmt.Sprintf("protocol %q is not in the current results", q.Protocol)).
			WithHint("available: " + strings.Join(protocolNames(m.state.Ranked), ", ")))
	}
	m.state.Protocol = &vault
	m.transition(StepAmountInput)
	return m.collectAmount(ctx, Input{
		Amount:        q.Amount,
		AmountDecimal: q.AmountDecimal,
		User:          q.User,
	})
}

// directVault describes a vault known only by address; the deposit goes
// through the generic ERC-4626 path.
func (m *Machine) directVault(address string) model.ProtocolVault {
	addr, err := validate.Address(address)
	if err != nil {
		addr = strings.TrimSpace(address)
	}
	return model.ProtocolVault{
		Address:   addr,
		Name:      addr,
		Project:   strings.ToLower(addr),
		ChainID:   m.state.Chain.ChainID,
		ChainName: m.state.Chain.ChainName,
	}
}
