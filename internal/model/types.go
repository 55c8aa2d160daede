package model

import "time"

const EnvelopeVersion = "v1"

// SafetyDisclosure is attached to every generated transaction.
const SafetyDisclosure = "This transaction object was generated by an automated agent. Verify all details before executing. Not financial advice."

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

type EnvelopeMeta struct {
	RequestID string           `json:"request_id"`
	Timestamp time.Time        `json:"timestamp"`
	Command   string           `json:"command"`
	Providers []ProviderStatus `json:"providers,omitempty"`
	Cache     CacheStatus      `json:"cache"`
	Partial   bool             `json:"partial"`
}

type ProviderStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}

type CacheStatus struct {
	Status string `json:"status"`
	AgeMS  int64  `json:"age_ms"`
	Stale  bool   `json:"stale"`
}

type ProviderInfo struct {
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	RequiresKey   bool     `json:"requires_key"`
	Capabilities  []string `json:"capabilities"`
	KeyEnvVarName string   `json:"key_env_var,omitempty"`
}

type ChainInfo struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Slug         string `json:"slug"`
	NativeSymbol string `json:"native_symbol"`
	CAIP2        string `json:"caip2"`
}

// ChainEntry places a token on one network.
type ChainEntry struct {
	ChainID         int64  `json:"chain_id"`
	ChainName       string `json:"chain_name"`
	ContractAddress string `json:"contract_address"`
}

type MarketData struct {
	PriceUSD     float64 `json:"price_usd"`
	MarketCapUSD float64 `json:"market_cap_usd"`
	Change24hPct float64 `json:"change_24h_pct"`
}

type TokenDescriptor struct {
	Name        string       `json:"name"`
	Symbol      string       `json:"symbol"`
	Decimals    int          `json:"decimals"`
	CoingeckoID string       `json:"coingecko_id,omitempty"`
	Market      *MarketData  `json:"market,omitempty"`
	Chains      []ChainEntry `json:"chains"`
}

// OnChain returns the entry for chainID, if the token exists there.
func (t TokenDescriptor) OnChain(chainID int64) (ChainEntry, bool) {
	for _, c := range t.Chains {
		if c.ChainID == chainID {
			return c, true
		}
	}
	return ChainEntry{}, false
}

// TokenResolution is the outcome of resolving a free-form reference. Token
// is set for a unique match; Candidates for an ambiguous one.
type TokenResolution struct {
	Query                string            `json:"query"`
	Token                *TokenDescriptor  `json:"token,omitempty"`
	Candidates           []TokenDescriptor `json:"candidates,omitempty"`
	RequiresConfirmation bool              `json:"requires_confirmation"`
	Source               string            `json:"source"`
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

type SafetyScore struct {
	Score   float64   `json:"score"`
	Risk    RiskLevel `json:"risk"`
	Factors []string  `json:"factors"`
}

// ProtocolVault is one yield opportunity. Identity is (Address, ChainID).
type ProtocolVault struct {
	Address          string       `json:"address"`
	Name             string       `json:"name"`
	Project          string       `json:"project"`
	ChainID          int64        `json:"chain_id"`
	ChainName        string       `json:"chain_name"`
	APY              float64      `json:"apy"`
	TVLUSD           float64      `json:"tvl_usd"`
	UnderlyingTokens []string     `json:"underlying_tokens"`
	Safety           *SafetyScore `json:"safety,omitempty"`
	Provider         string       `json:"provider"`
	SourceURL        string       `json:"source_url,omitempty"`
}

type ChainQueryStatus struct {
	ChainID   int64  `json:"chain_id"`
	Chain     string `json:"chain"`
	Status    string `json:"status"`
	Count     int    `json:"count"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

type DiscoveryResult struct {
	TokenAddress string             `json:"token_address"`
	Protocols    []ProtocolVault    `json:"protocols"`
	TotalFound   int                `json:"total_found"`
	Shown        int                `json:"shown"`
	Chains       []ChainQueryStatus `json:"chains,omitempty"`
	Warnings     []string           `json:"warnings,omitempty"`
	// Candidates holds every qualifying vault before truncation, unscored.
	// It is never serialized.
	Candidates []ProtocolVault `json:"-"`
}

type Transaction struct {
	To            string `json:"to"`
	Data          string `json:"data"`
	Value         string `json:"value"`
	GasLimit      string `json:"gas_limit"`
	ChainID       int64  `json:"chain_id"`
	SafetyWarning string `json:"safety_warning"`
}

type StepTag string

const (
	StepApprove StepTag = "approve"
	StepDeposit StepTag = "deposit"
)

type ApprovalStatus string

const (
	ApprovalRequired    ApprovalStatus = "required"
	ApprovalNotRequired ApprovalStatus = "not_required"
	ApprovalUnknown     ApprovalStatus = "unknown"
)

// ApprovalResult is what a transaction-data provider reports about spend
// approval. Transaction is set when Required is true and the provider can
// build the approval.
type ApprovalResult struct {
	Required    bool         `json:"required"`
	Allowance   string       `json:"allowance,omitempty"`
	Transaction *Transaction `json:"transaction,omitempty"`
}

type TransactionBundle struct {
	ApprovalTransaction *Transaction   `json:"approval_transaction,omitempty"`
	DepositTransaction  Transaction    `json:"deposit_transaction"`
	ExecutionOrder      []StepTag      `json:"execution_order"`
	TotalGasEstimate    string         `json:"total_gas_estimate,omitempty"`
	ApprovalStatus      ApprovalStatus `json:"approval_status"`
	Warnings            []string       `json:"warnings,omitempty"`
	TokenSymbol         string         `json:"token_symbol"`
	AmountBaseUnits     string         `json:"amount_base_units"`
	AmountDecimal       string         `json:"amount_decimal"`
	Protocol            string         `json:"protocol"`
	ChainID             int64          `json:"chain_id"`
}
