package conversation

import (
	clierr "github.com/ggonzalez94/defi-yield/internal/errors"
	"github.com/ggonzalez94/defi-yield/internal/model"
)

type Step string

const (
	StepTokenConfirmation Step = "token_confirmation"
	StepProtocolDiscovery Step = "protocol_discovery"
	StepAmountInput       Step = "amount_input"
	StepTransactionReady  Step = "transaction_ready"
	StepError             Step = "error"
)

const (
	FieldToken    = "token"
	FieldChain    = "chain"
	FieldProtocol = "protocol"
	FieldAmount   = "amount"
	FieldUser     = "user_address"
)

// ErrorInfo is the structured form of a failed turn.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

func errorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Kind: clierr.KindOf(err), Message: err.Error()}
	if e, ok := clierr.As(err); ok {
		info.Message = e.Message
		info.Hint = e.Hint
	}
	return info
}

// State is everything carried between turns. It is the single source of
// truth for where a conversation stands.
type State struct {
	ID            string                   `json:"id"`
	Step          Step                     `json:"step"`
	Query         string                   `json:"query,omitempty"`
	Token         *model.TokenDescriptor   `json:"token,omitempty"`
	Candidates    []model.TokenDescriptor  `json:"candidates,omitempty"`
	Chain         *model.ChainEntry        `json:"chain,omitempty"`
	AllChains     bool                     `json:"all_chains,omitempty"`
	Ranked        []model.ProtocolVault    `json:"ranked,omitempty"`
	TotalFound    int                      `json:"total_found,omitempty"`
	Protocol      *model.ProtocolVault     `json:"protocol,omitempty"`
	Amount        string                   `json:"amount,omitempty"`
	AmountDecimal string                   `json:"amount_decimal,omitempty"`
	UserAddress   string                   `json:"user_address,omitempty"`
	Bundle        *model.TransactionBundle `json:"bundle,omitempty"`
	Warnings      []string                 `json:"warnings,omitempty"`
	LastError     *ErrorInfo               `json:"last_error,omitempty"`
}

// Input carries the structured fields of one turn. Interpreting free text
// into these fields is the caller's job.
type Input struct {
	Token         string `json:"token,omitempty"`
	Candidate     string `json:"candidate,omitempty"`
	Chain         string `json:"chain,omitempty"`
	AllChains     bool   `json:"all_chains,omitempty"`
	Protocol      string `json:"protocol,omitempty"`
	Amount        string `json:"amount,omitempty"`
	AmountDecimal string `json:"amount_decimal,omitempty"`
	User          string `json:"user,omitempty"`
}

// Reply is returned for every turn, successful or not.
type Reply struct {
	State   State      `json:"state"`
	Prompt  string     `json:"prompt"`
	Missing []string   `json:"missing,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

func (s State) clone() State {
	out := s
	out.Candidates = append([]model.TokenDescriptor(nil), s.Candidates...)
	out.Ranked = append([]model.ProtocolVault(nil), s.Ranked...)
	out.Warnings = append([]string(nil), s.Warnings...)
	return out
}
