package app

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ggonzalez94/defi-yield/internal/config"
	"github.com/ggonzalez94/defi-yield/internal/metrics"
	"github.com/ggonzalez94/defi-yield/internal/model"
	"github.com/ggonzalez94/defi-yield/internal/providers"
	"github.com/ggonzalez94/defi-yield/internal/providers/tokenlist"
)

const (
	baseUSDC  = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	testUser  = "0x000000000000000000000000000000000000dEaD"
	aaveVault = "0x4e65fe4dba92790696d040ac24aa414708f5c0ab"
	farmVault = "0x1111111111111111111111111111111111111111"
)

type testEnvelope struct {
	Success  bool             `json:"success"`
	Data     json.RawMessage  `json:"data"`
	Error    *model.ErrorBody `json:"error"`
	Warnings []string         `json:"warnings"`
	Meta     struct {
		Command   string                 `json:"command"`
		Providers []model.ProviderStatus `json:"providers"`
		Cache     model.CacheStatus      `json:"cache"`
		Partial   bool                   `json:"partial"`
	} `json:"meta"`
}

// newTestRunner isolates the runner from the caller's config file and
// provider keys.
func newTestRunner(t *testing.T) (*Runner, *bytes.Buffer, *bytes.Buffer, string) {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", filepath.Join(tmp, "cache"))
	t.Setenv("DEFI_YIELD_ENSO_API_KEY", "")
	t.Setenv("DEFI_YIELD_COINGECKO_API_KEY", "")
	// Nothing listens on port 1; the protocol-native providers fail fast.
	t.Setenv("DEFI_YIELD_AAVE_BASE_URL", "http://127.0.0.1:1/graphql")
	t.Setenv("DEFI_YIELD_MORPHO_BASE_URL", "http://127.0.0.1:1/graphql")
	var stdout, stderr bytes.Buffer
	return NewRunnerWithWriters(&stdout, &stderr), &stdout, &stderr, filepath.Join(tmp, "config.yaml")
}

func decodeEnvelope(t *testing.T, buf *bytes.Buffer) testEnvelope {
	t.Helper()
	var env testEnvelope
	if err := json.Unmarshal(buf.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v output=%s", err, buf.String())
	}
	return env
}

func TestTrimRootPath(t *testing.T) {
	if got := trimRootPath("defi-yield tx generate"); got != "tx generate" {
		t.Fatalf("unexpected trim result: %s", got)
	}
	if got := trimRootPath("defi-yield"); got != "defi-yield" {
		t.Fatalf("root path must be kept, got %s", got)
	}
}

func TestRunnerProvidersList(t *testing.T) {
	r, stdout, stderr, cfg := newTestRunner(t)
	code := r.Run([]string{"providers", "list", "--results-only", "--config", cfg})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var out []providerListing
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("failed to parse output json: %v output=%s", err, stdout.String())
	}
	if len(out) != 7 {
		t.Fatalf("expected seven providers, got %+v", out)
	}
	roles := map[string][]string{}
	for _, p := range out {
		roles[p.Name] = p.Roles
		if p.Name == "enso" && p.Configured {
			t.Fatalf("enso must not be configured without a key: %+v", p)
		}
	}
	if len(roles["tokenlist"]) != 1 || roles["tokenlist"][0] != "metadata" {
		t.Fatalf("expected tokenlist as metadata fallback, got %+v", roles)
	}
	for _, name := range []string{"defillama", "aave", "morpho"} {
		if len(roles[name]) != 1 || roles[name][0] != "discovery" {
			t.Fatalf("expected %s in the keyless discovery set, got %+v", name, roles)
		}
	}
	if len(roles["onchain"]) != 1 || roles["onchain"][0] != "transactions" {
		t.Fatalf("expected onchain as transaction fallback, got %+v", roles)
	}
}

func TestRunnerChainsList(t *testing.T) {
	r, stdout, stderr, cfg := newTestRunner(t)
	if code := r.Run([]string{"chains", "list", "--results-only", "--config", cfg}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var chains []model.ChainInfo
	if err := json.Unmarshal(stdout.Bytes(), &chains); err != nil {
		t.Fatalf("decode chains: %v", err)
	}
	found := false
	for _, c := range chains {
		if c.ID == 8453 && c.Slug == "base" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected base in chain list, got %+v", chains)
	}
}

func TestRunnerValidateReportsVerdictAsData(t *testing.T) {
	r, stdout, stderr, cfg := newTestRunner(t)
	code := r.Run([]string{"validate", "address", "0xabc", "--config", cfg})
	if code != 0 {
		t.Fatalf("validation verdicts must not fail the command, got %d stderr=%s", code, stderr.String())
	}
	env := decodeEnvelope(t, stdout)
	var res struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(env.Data, &res); err != nil {
		t.Fatalf("decode validate result: %v", err)
	}
	if res.Valid || res.Error == "" {
		t.Fatalf("expected invalid verdict with reason, got %+v", res)
	}
}

func TestRunnerErrorEnvelopeIgnoresResultsOnly(t *testing.T) {
	r, stdout, stderr, cfg := newTestRunner(t)
	code := r.Run([]string{"chains", "list", "--enable-commands", "resolve", "--results-only", "--config", cfg})
	if code != 16 {
		t.Fatalf("expected exit 16, got %d stderr=%s", code, stderr.String())
	}
	if stdout.Len() != 0 {
		t.Fatalf("blocked command must not write to stdout, got %s", stdout.String())
	}
	env := decodeEnvelope(t, stderr)
	if env.Success {
		t.Fatal("expected success=false")
	}
	if env.Error == nil || env.Error.Type != "command_blocked" {
		t.Fatalf("expected command_blocked error, got %+v", env.Error)
	}
}

func TestRunnerResolveOffline(t *testing.T) {
	r, stdout, stderr, cfg := newTestRunner(t)
	code := r.Run([]string{"resolve", "usdc", "--chain", "base", "--results-only", "--config", cfg})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var res model.TokenResolution
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		t.Fatalf("decode resolution: %v", err)
	}
	if res.Token == nil || res.Token.Symbol != "USDC" || res.RequiresConfirmation {
		t.Fatalf("expected confirmed USDC, got %+v", res)
	}
	entry, ok := res.Token.OnChain(8453)
	if !ok || !strings.EqualFold(entry.ContractAddress, baseUSDC) {
		t.Fatalf("expected base deployment, got %+v", res.Token.Chains)
	}
}

func TestRunnerResolveAddressNeedsChain(t *testing.T) {
	r, _, stderr, cfg := newTestRunner(t)
	code := r.Run([]string{"resolve", baseUSDC, "--config", cfg})
	if code != 2 {
		t.Fatalf("expected usage exit 2, got %d stderr=%s", code, stderr.String())
	}
	env := decodeEnvelope(t, stderr)
	if env.Error == nil || env.Error.Kind != "ValidationError" || env.Error.Hint == "" {
		t.Fatalf("expected validation error with hint, got %+v", env.Error)
	}
}

func TestRunnerDiscoverRequiresChainOrAllChains(t *testing.T) {
	r, _, stderr, cfg := newTestRunner(t)
	if code := r.Run([]string{"discover", "--token", "USDC", "--config", cfg}); code != 2 {
		t.Fatalf("expected usage exit 2, got %d stderr=%s", code, stderr.String())
	}
}

func newPoolsServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pools" {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(hits, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","data":[
			{"pool":"` + aaveVault + `-base","chain":"Base","project":"aave-v3","symbol":"USDC","underlyingTokens":["` + strings.ToLower(baseUSDC) + `"],"apy":4.5,"tvlUsd":150000000},
			{"pool":"` + farmVault + `-base","chain":"Base","project":"yield-farm-xyz","symbol":"USDC","underlyingTokens":["` + baseUSDC + `"],"apyBase":30,"apyReward":12,"tvlUsd":40000},
			{"pool":"0x2222222222222222222222222222222222222222-base","chain":"Base","project":"dormant","symbol":"USDC","underlyingTokens":["` + baseUSDC + `"],"apy":0,"tvlUsd":9000000},
			{"pool":"c0ffee-uuid","chain":"Ethereum","project":"aave-v3","symbol":"USDC","underlyingTokens":["0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"],"apy":3.9,"tvlUsd":900000000}
		]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunnerDiscoverAgainstDefiLlama(t *testing.T) {
	var hits int32
	srv := newPoolsServer(t, &hits)
	r, stdout, stderr, cfg := newTestRunner(t)
	t.Setenv("DEFI_YIELD_DEFILLAMA_BASE_URL", srv.URL)

	code := r.Run([]string{"discover", "--token", "USDC", "--chain", "base", "--config", cfg})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	env := decodeEnvelope(t, stdout)
	var res model.DiscoveryResult
	if err := json.Unmarshal(env.Data, &res); err != nil {
		t.Fatalf("decode discovery result: %v", err)
	}
	if len(res.Protocols) != 2 {
		t.Fatalf("expected zero-apy pool and other chains filtered, got %+v", res.Protocols)
	}
	first, second := res.Protocols[0], res.Protocols[1]
	if first.Project != "aave-v3" || !strings.EqualFold(first.Address, aaveVault) {
		t.Fatalf("expected audited high-tvl vault ranked first, got %+v", first)
	}
	if second.APY != 42 {
		t.Fatalf("expected apy from base plus reward, got %v", second.APY)
	}
	if first.Safety == nil || second.Safety == nil || first.Safety.Score <= second.Safety.Score {
		t.Fatalf("expected safety to dominate ranking, got %+v / %+v", first.Safety, second.Safety)
	}
	if len(env.Meta.Providers) != 1 || env.Meta.Providers[0].Name != "defillama+aave+morpho" || env.Meta.Providers[0].Status != "ok" {
		t.Fatalf("expected merged discovery provider status, got %+v", env.Meta.Providers)
	}
	if env.Meta.Cache.Status != "miss" {
		t.Fatalf("cache is off by default, got %+v", env.Meta.Cache)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected one pools fetch, got %d", hits)
	}
}

func TestRunnerDiscoverUnavailableProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","data":[]}`))
	}))
	defer srv.Close()
	r, _, stderr, cfg := newTestRunner(t)
	t.Setenv("DEFI_YIELD_DEFILLAMA_BASE_URL", srv.URL)

	code := r.Run([]string{"discover", "--token", baseUSDC, "--chain", "8453", "--config", cfg})
	if code != 12 {
		t.Fatalf("expected unavailable exit 12, got %d stderr=%s", code, stderr.String())
	}
	env := decodeEnvelope(t, stderr)
	if env.Error == nil || env.Error.Type != "provider_unavailable" {
		t.Fatalf("expected provider_unavailable, got %+v", env.Error)
	}
}

func TestRunnerSchemaMarksRequiredFlags(t *testing.T) {
	r, stdout, stderr, cfg := newTestRunner(t)
	if code := r.Run([]string{"schema", "discover", "--results-only", "--config", cfg}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var sch struct {
		Path  string `json:"path"`
		Flags []struct {
			Name     string `json:"name"`
			Required bool   `json:"required"`
		} `json:"flags"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &sch); err != nil {
		t.Fatalf("decode schema: %v", err)
	}
	for _, f := range sch.Flags {
		if f.Name == "token" && f.Required {
			return
		}
	}
	t.Fatalf("expected required token flag, got %+v", sch.Flags)
}

func TestRunnerVersion(t *testing.T) {
	r, stdout, stderr, cfg := newTestRunner(t)
	if code := r.Run([]string{"version", "--config", cfg}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	if !strings.HasPrefix(stdout.String(), "0.1.0") {
		t.Fatalf("unexpected version output %q", stdout.String())
	}
}

func TestRunnerToolsList(t *testing.T) {
	r, stdout, stderr, cfg := newTestRunner(t)
	if code := r.Run([]string{"tools", "list", "--results-only", "--config", cfg}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var defs []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &defs); err != nil {
		t.Fatalf("decode definitions: %v", err)
	}
	if len(defs) != 5 {
		t.Fatalf("expected five tools, got %+v", defs)
	}
}

func TestRunnerToolsCallFromStdin(t *testing.T) {
	r, stdout, stderr, cfg := newTestRunner(t)
	r.WithInput(strings.NewReader(`{"kind":"chain","value":"Base"}`))
	if code := r.Run([]string{"tools", "call", "validate", "--results-only", "--config", cfg}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var res struct {
		Valid      bool   `json:"valid"`
		Normalized string `json:"normalized"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		t.Fatalf("decode tool output: %v", err)
	}
	if !res.Valid || res.Normalized != "base" {
		t.Fatalf("unexpected validate result %+v", res)
	}
}

func TestRunnerToolsCallRespectsToolAllowlist(t *testing.T) {
	r, _, stderr, cfg := newTestRunner(t)
	code := r.Run([]string{"tools", "call", "resolve_token", `{"query":"USDC"}`, "--enable-commands", "tools call validate", "--config", cfg})
	if code != 16 {
		t.Fatalf("expected exit 16, got %d stderr=%s", code, stderr.String())
	}
}

func TestRunnerToolsCallUnknownTool(t *testing.T) {
	r, _, stderr, cfg := newTestRunner(t)
	code := r.Run([]string{"tools", "call", "teleport", "{}", "--config", cfg})
	if code != 2 {
		t.Fatalf("expected usage exit 2, got %d stderr=%s", code, stderr.String())
	}
	env := decodeEnvelope(t, stderr)
	if env.Error == nil || !strings.Contains(env.Error.Hint, "resolve_token") {
		t.Fatalf("expected tool list hint, got %+v", env.Error)
	}
}

type fakeDiscovery struct {
	vaults []model.ProtocolVault
}

func (f fakeDiscovery) Info() model.ProviderInfo {
	return model.ProviderInfo{Name: "fake-discovery", Type: "discovery"}
}

func (f fakeDiscovery) FindVaults(_ context.Context, _ string, chainID int64) ([]model.ProtocolVault, error) {
	var out []model.ProtocolVault
	for _, v := range f.vaults {
		if v.ChainID == chainID {
			out = append(out, v)
		}
	}
	return out, nil
}

type fakeTransactions struct{}

func (fakeTransactions) Info() model.ProviderInfo {
	return model.ProviderInfo{Name: "fake-tx", Type: "transactions"}
}

func (fakeTransactions) ApprovalNeeded(_ context.Context, req providers.ApprovalRequest) (model.ApprovalResult, error) {
	return model.ApprovalResult{
		Required:  true,
		Allowance: "0",
		Transaction: &model.Transaction{
			To:       req.Token,
			Data:     "0x095ea7b3",
			Value:    "0",
			GasLimit: "60000",
		},
	}, nil
}

func (fakeTransactions) BuildDeposit(_ context.Context, req providers.DepositRequest) (model.Transaction, error) {
	return model.Transaction{
		To:       req.Vault,
		Data:     "0x6e553f65",
		Value:    "0",
		GasLimit: "250000",
	}, nil
}

func fakePipelineFactory() pipelineFactory {
	return func(settings config.Settings, logger *slog.Logger, m *metrics.Metrics) (*pipeline, error) {
		p := &pipeline{
			metadata: tokenlist.New(),
			discovery: fakeDiscovery{vaults: []model.ProtocolVault{
				{Address: aaveVault, Name: "Aave V3 USDC", Project: "aave-v3", ChainID: 8453, ChainName: "Base", APY: 4.5, TVLUSD: 150e6, Provider: "fake-discovery"},
				{Address: farmVault, Name: "Farm USDC", Project: "yield-farm-xyz", ChainID: 8453, ChainName: "Base", APY: 42, TVLUSD: 40e3, Provider: "fake-discovery"},
			}},
			transactions: fakeTransactions{},
		}
		if err := p.assemble(settings, logger, m); err != nil {
			return nil, err
		}
		return p, nil
	}
}

func TestRunnerSessionJSONLines(t *testing.T) {
	r, stdout, stderr, cfg := newTestRunner(t)
	r.newPipeline = fakePipelineFactory()
	script := strings.Join([]string{
		`{"id":"1","action":"quick","quick":{"token":"` + baseUSDC + `","chain":"base","protocol":"aave-v3","amount_decimal":"2.5","user":"` + testUser + `"}}`,
		`{"id":"2","action":"tool","tool":"validate","args":{"kind":"amount","value":"0"}}`,
		`not json`,
		`{"id":"4","action":"fly"}`,
		``,
		`{"id":"5","action":"advance","input":{"token":"USDC","chain":"base"}}`,
		`{"id":"6","action":"reset","session_id":"missing"}`,
	}, "\n")
	r.WithInput(strings.NewReader(script))

	if code := r.Run([]string{"session", "--config", cfg}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 6 {
		t.Fatalf("expected one response per non-empty line, got %d: %s", len(lines), stdout.String())
	}
	responses := make([]sessionResponse, len(lines))
	for i, line := range lines {
		if err := json.Unmarshal([]byte(line), &responses[i]); err != nil {
			t.Fatalf("decode response %d: %v line=%s", i, err, line)
		}
	}

	quick := responses[0]
	if !quick.OK || quick.Reply == nil || quick.Reply.State.Bundle == nil {
		t.Fatalf("expected quick bundle, got %s", lines[0])
	}
	b := quick.Reply.State.Bundle
	if b.ApprovalStatus != model.ApprovalRequired || len(b.ExecutionOrder) != 2 {
		t.Fatalf("expected approve then deposit, got %+v", b)
	}
	if b.AmountBaseUnits != "2500000" || !strings.EqualFold(b.DepositTransaction.To, aaveVault) {
		t.Fatalf("unexpected bundle amounts or target: %+v", b)
	}
	if b.DepositTransaction.SafetyWarning != model.SafetyDisclosure {
		t.Fatalf("expected disclosure on deposit, got %q", b.DepositTransaction.SafetyWarning)
	}

	tool := responses[1]
	if !tool.OK || tool.Result == nil {
		t.Fatalf("expected tool result, got %s", lines[1])
	}

	if responses[2].OK || responses[2].Error == nil || responses[2].Error.Type != "usage_error" {
		t.Fatalf("expected usage error for malformed line, got %s", lines[2])
	}
	if responses[3].OK || responses[3].ID != "4" || !strings.Contains(responses[3].Error.Hint, "advance") {
		t.Fatalf("expected unknown action error, got %s", lines[3])
	}

	adv := responses[4]
	if !adv.OK || adv.SessionID == "" || adv.Reply == nil {
		t.Fatalf("expected auto-started session, got %s", lines[4])
	}
	if adv.Reply.State.Step != "protocol_discovery" || len(adv.Reply.State.Ranked) != 2 {
		t.Fatalf("expected ranked protocols, got %+v", adv.Reply.State)
	}

	if responses[5].OK || responses[5].Error == nil || responses[5].Error.Type != "not_found" {
		t.Fatalf("expected unknown session error, got %s", lines[5])
	}
}

func TestRunnerQuickCommand(t *testing.T) {
	r, stdout, stderr, cfg := newTestRunner(t)
	r.newPipeline = fakePipelineFactory()
	code := r.Run([]string{
		"quick", "--token", baseUSDC, "--chain", "base", "--protocol", "Farm USDC",
		"--amount", "1000000", "--user", testUser, "--config", cfg,
	})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	env := decodeEnvelope(t, stdout)
	if !bytes.Contains(bytes.ToLower(env.Data), []byte(farmVault)) {
		t.Fatalf("expected bundle for selected vault, got %s", env.Data)
	}
}

func TestRunnerQuickCommandReportsEveryProblem(t *testing.T) {
	r, _, stderr, cfg := newTestRunner(t)
	r.newPipeline = fakePipelineFactory()
	code := r.Run([]string{
		"quick", "--token", "USDC", "--chain", "atlantis", "--protocol", "aave-v3",
		"--amount", "0", "--user", testUser, "--config", cfg,
	})
	if code != 2 {
		t.Fatalf("expected usage exit 2, got %d stderr=%s", code, stderr.String())
	}
	env := decodeEnvelope(t, stderr)
	for _, field := range []string{"token", "chain", "amount"} {
		if !strings.Contains(env.Error.Message, field+":") {
			t.Fatalf("expected %s problem in %q", field, env.Error.Message)
		}
	}
}

func TestRunnerTxGenerate(t *testing.T) {
	r, stdout, stderr, cfg := newTestRunner(t)
	r.newPipeline = fakePipelineFactory()
	code := r.Run([]string{
		"tx", "generate", "--user", testUser, "--token", baseUSDC, "--vault", aaveVault,
		"--protocol", "aave-v3", "--chain", "base", "--amount-decimal", "1.5", "--results-only", "--config", cfg,
	})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var b model.TransactionBundle
	if err := json.Unmarshal(stdout.Bytes(), &b); err != nil {
		t.Fatalf("decode bundle: %v", err)
	}
	want := new(big.Int).Mul(big.NewInt(15), big.NewInt(100_000))
	if b.AmountBaseUnits != want.String() || b.TokenSymbol != "USDC" {
		t.Fatalf("expected 1.5 USDC in base units, got %+v", b)
	}
	if b.ApprovalTransaction == nil || b.ApprovalTransaction.ChainID != 8453 {
		t.Fatalf("expected approval on base, got %+v", b.ApprovalTransaction)
	}
}
