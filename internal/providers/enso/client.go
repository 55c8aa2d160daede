package enso

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"

	clierr "github.com/ggonzalez94/defi-yield/internal/errors"
	"github.com/ggonzalez94/defi-yield/internal/httpx"
	"github.com/ggonzalez94/defi-yield/internal/id"
	"github.com/ggonzalez94/defi-yield/internal/model"
	"github.com/ggonzalez94/defi-yield/internal/providers"
	"github.com/ggonzalez94/defi-yield/internal/registry"
)

const (
	routingStrategy = "router"
	maxPages        = 5
)

// Client implements both providers.DiscoveryProvider and
// providers.TransactionProvider over the Enso shortcuts API. Approvals and
// deposits are routed through the Enso router, so the router (not the
// vault) is the spender.
type Client struct {
	http    *httpx.Client
	baseURL string
	apiKey  string
}

func New(httpClient *httpx.Client, apiKey string) *Client {
	return &Client{http: httpClient, baseURL: registry.EnsoBaseURL, apiKey: apiKey}
}

func (c *Client) WithBaseURL(base string) *Client {
	if strings.TrimSpace(base) != "" {
		c.baseURL = strings.TrimRight(base, "/")
	}
	return c
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:          "enso",
		Type:          "discovery+transactions",
		RequiresKey:   true,
		Capabilities:  []string{"vaults.find", "approval.check", "deposit.build"},
		KeyEnvVarName: "DEFI_YIELD_ENSO_API_KEY",
	}
}

type tokensResponse struct {
	Data []tokenEntry `json:"data"`
	Meta struct {
		LastPage    int `json:"lastPage"`
		CurrentPage int `json:"currentPage"`
	} `json:"meta"`
}

type tokenEntry struct {
	Address          string            `json:"address"`
	ChainID          int64             `json:"chainId"`
	Name             string            `json:"name"`
	Symbol           string            `json:"symbol"`
	Decimals         int               `json:"decimals"`
	Project          string            `json:"project"`
	ProtocolSlug     string            `json:"protocolSlug"`
	UnderlyingTokens []underlyingToken `json:"underlyingTokens"`
	APY              *float64          `json:"apy"`
	TVL              *float64          `json:"tvl"`
}

type underlyingToken struct {
	Address string `json:"address"`
}

func (c *Client) FindVaults(ctx context.Context, tokenAddress string, chainID int64) ([]model.ProtocolVault, error) {
	if err := c.requireKey(); err != nil {
		return nil, err
	}
	chain, ok := id.ChainByID(chainID)
	if !ok {
		return nil, clierr.New(clierr.CodeUsage, "unsupported chain id")
	}

	out := []model.ProtocolVault{}
	for page := 1; page <= maxPages; page++ {
		q := url.Values{}
		q.Set("chainId", strconv.FormatInt(chainID, 10))
		q.Set("underlyingTokens", tokenAddress)
		q.Set("type", "defi")
		q.Set("includeMetadata", "true")
		q.Set("page", strconv.Itoa(page))

		var resp tokensResponse
		if err := httpx.GetJSON(ctx, c.http, c.baseURL+"/tokens?"+q.Encode(), c.headers(), &resp); err != nil {
			return nil, err
		}
		for _, t := range resp.Data {
			underlying := make([]string, 0, len(t.UnderlyingTokens))
			for _, u := range t.UnderlyingTokens {
				underlying = append(underlying, u.Address)
			}
			project := t.ProtocolSlug
			if project == "" {
				project = t.Project
			}
			out = append(out, model.ProtocolVault{
				Address:          t.Address,
				Name:             t.Name,
				Project:          strings.ToLower(project),
				ChainID:          chain.ID,
				ChainName:        chain.Name,
				APY:              floatOrZero(t.APY),
				TVLUSD:           floatOrZero(t.TVL),
				UnderlyingTokens: underlying,
				Provider:         "enso",
			})
		}
		if resp.Meta.LastPage <= page {
			break
		}
	}
	return out, nil
}

type approvalEntry struct {
	Token     string `json:"token"`
	Allowance string `json:"allowance"`
	Spender   string `json:"spender"`
}

type txPayload struct {
	To    string `json:"to"`
	Data  string `json:"data"`
	Value string `json:"value"`
}

type approveResponse struct {
	Tx      txPayload `json:"tx"`
	Gas     flexInt   `json:"gas"`
	Spender string    `json:"spender"`
}

type routeResponse struct {
	Tx  txPayload `json:"tx"`
	Gas flexInt   `json:"gas"`
}

func (c *Client) ApprovalNeeded(ctx context.Context, req providers.ApprovalRequest) (model.ApprovalResult, error) {
	if err := c.requireKey(); err != nil {
		return model.ApprovalResult{}, err
	}
	q := url.Values{}
	q.Set("fromAddress", req.User)
	q.Set("chainId", strconv.FormatInt(req.ChainID, 10))
	q.Set("routingStrategy", routingStrategy)

	var approvals []approvalEntry
	if err := httpx.GetJSON(ctx, c.http, c.baseURL+"/wallet/approvals?"+q.Encode(), c.headers(), &approvals); err != nil {
		return model.ApprovalResult{}, err
	}
	allowance := big.NewInt(0)
	for _, a := range approvals {
		if !strings.EqualFold(a.Token, req.Token) {
			continue
		}
		n, ok := new(big.Int).SetString(strings.TrimSpace(a.Allowance), 10)
		if !ok {
			return model.ApprovalResult{}, clierr.New(clierr.CodeUnavailable, "enso returned malformed allowance")
		}
		allowance = n
		break
	}
	if allowance.Cmp(req.Amount) >= 0 {
		return model.ApprovalResult{Required: false, Allowance: allowance.String()}, nil
	}

	q = url.Values{}
	q.Set("fromAddress", req.User)
	q.Set("chainId", strconv.FormatInt(req.ChainID, 10))
	q.Set("tokenAddress", req.Token)
	q.Set("amount", req.Amount.String())
	q.Set("routingStrategy", routingStrategy)

	var resp approveResponse
	if err := httpx.GetJSON(ctx, c.http, c.baseURL+"/wallet/approve?"+q.Encode(), c.headers(), &resp); err != nil {
		return model.ApprovalResult{}, err
	}
	tx := resp.Tx.toTransaction(req.ChainID, resp.Gas)
	return model.ApprovalResult{Required: true, Allowance: allowance.String(), Transaction: &tx}, nil
}

func (c *Client) BuildDeposit(ctx context.Context, req providers.DepositRequest) (model.Transaction, error) {
	if err := c.requireKey(); err != nil {
		return model.Transaction{}, err
	}
	q := url.Values{}
	q.Set("chainId", strconv.FormatInt(req.ChainID, 10))
	q.Set("fromAddress", req.Receiver)
	q.Set("receiver", req.Receiver)
	q.Set("spender", req.Receiver)
	q.Set("amountIn", req.AmountIn.String())
	q.Set("tokenIn", req.TokenIn)
	q.Set("tokenOut", req.Vault)
	q.Set("routingStrategy", routingStrategy)

	var resp routeResponse
	if err := httpx.GetJSON(ctx, c.http, c.baseURL+"/shortcuts/route?"+q.Encode(), c.headers(), &resp); err != nil {
		return model.Transaction{}, err
	}
	if strings.TrimSpace(resp.Tx.To) == "" || strings.TrimSpace(resp.Tx.Data) == "" {
		return model.Transaction{}, clierr.New(clierr.CodeUnavailable, "enso returned an empty deposit route")
	}
	return resp.Tx.toTransaction(req.ChainID, resp.Gas), nil
}

func (p txPayload) toTransaction(chainID int64, gas flexInt) model.Transaction {
	value := strings.TrimSpace(p.Value)
	if value == "" {
		value = "0"
	}
	return model.Transaction{
		To:       p.To,
		Data:     p.Data,
		Value:    value,
		GasLimit: gas.String(),
		ChainID:  chainID,
	}
}

func (c *Client) requireKey() error {
	if strings.TrimSpace(c.apiKey) == "" {
		return clierr.New(clierr.CodeAuth, "enso api key is not configured").
			WithHint("set DEFI_YIELD_ENSO_API_KEY or providers.enso.api_key")
	}
	return nil
}

func (c *Client) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}

func floatOrZero(v *float64) float64 {
	if v == nil || *v < 0 {
		return 0
	}
	return *v
}

// flexInt accepts gas values encoded as JSON numbers or decimal strings.
type flexInt string

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = ""
		return nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid gas value %q", s)
	}
	*f = flexInt(n.String())
	return nil
}

func (f flexInt) String() string { return string(f) }
