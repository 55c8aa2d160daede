package morpho

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/defi-yield/internal/errors"
	"github.com/ggonzalez94/defi-yield/internal/httpx"
	"github.com/ggonzalez94/defi-yield/internal/id"
)

const baseUSDC = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"

type gqlRequest struct {
	Query     string `json:"query"`
	Variables struct {
		First int            `json:"first"`
		Skip  int            `json:"skip"`
		Where map[string]any `json:"where"`
	} `json:"variables"`
}

func TestFindVaultsMergesBothGenerations(t *testing.T) {
	var wheres []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var req gqlRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		wheres = append(wheres, req.Variables.Where)
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(req.Query, "vaultV2s") {
			_, _ = w.Write([]byte(`{"data":{"vaultV2s":{"items":[
				{"address":"0x1111111111111111111111111111111111111111","name":"Steakhouse V2","asset":{"address":"0x833589fcd6edb6e08f4c7c32d4f71b54bda02913","symbol":"USDC"},"netApy":0.061,"totalAssetsUsd":5000000}
			]}}}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"vaults":{"items":[
			{"address":"0xbeeF010f9cb27031ad51e3333f9aF9C6B1228183","name":"Steakhouse USDC","asset":{"address":"0x833589fcd6edb6e08f4c7c32d4f71b54bda02913","symbol":"USDC"},"state":{"netApy":0.045,"totalAssetsUsd":120000000}},
			{"address":"0x2222222222222222222222222222222222222222","name":"Other asset","asset":{"address":"0x4200000000000000000000000000000000000006","symbol":"WETH"},"state":{"netApy":0.02,"totalAssetsUsd":1000}},
			{"address":"0x3333333333333333333333333333333333333333","name":"No state","asset":{"address":"0x833589fcd6edb6e08f4c7c32d4f71b54bda02913","symbol":"USDC"}}
		]}}}`))
	}))
	defer srv.Close()

	c := New(httpx.New(2*time.Second, 0)).WithBaseURL(srv.URL)
	got, err := c.FindVaults(context.Background(), baseUSDC, 8453)
	if err != nil {
		t.Fatalf("FindVaults failed: %v", err)
	}
	if len(wheres) != 2 {
		t.Fatalf("expected one request per vault generation, got %d", len(wheres))
	}
	assets, _ := wheres[0]["assetAddress_in"].([]any)
	if len(assets) != 1 || assets[0] != strings.ToLower(baseUSDC) {
		t.Fatalf("expected lowercased asset filter, got %v", wheres[0])
	}
	if len(got) != 2 {
		t.Fatalf("expected one v1 and one v2 vault, got %+v", got)
	}
	if got[0].Address != id.Checksum("0xbeef010f9cb27031ad51e3333f9af9c6b1228183") || got[0].APY != 4.5 || got[0].TVLUSD != 120000000 {
		t.Fatalf("unexpected v1 vault %+v", got[0])
	}
	if got[1].Name != "Steakhouse V2" || got[1].Project != Project || got[1].ChainName != "Base" {
		t.Fatalf("unexpected v2 vault %+v", got[1])
	}
	if got[0].SourceURL != "https://app.morpho.org/vault/0xbeef010f9cb27031ad51e3333f9af9c6b1228183" {
		t.Fatalf("unexpected source url %q", got[0].SourceURL)
	}
}

func TestFindVaultsPaginates(t *testing.T) {
	var skips []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var req gqlRequest
		_ = json.Unmarshal(raw, &req)
		if strings.Contains(req.Query, "vaultV2s") {
			_, _ = w.Write([]byte(`{"data":{"vaultV2s":{"items":[]}}}`))
			return
		}
		skips = append(skips, req.Variables.Skip)
		items := make([]map[string]any, 0, vaultPageSize)
		if req.Variables.Skip == 0 {
			for i := range vaultPageSize {
				items = append(items, map[string]any{
					"address": "0x" + strings.Repeat("0", 37) + strings.Repeat("1", 3),
					"name":    "page vault",
					"asset":   map[string]any{"address": strings.ToLower(baseUSDC)},
					"state":   map[string]any{"netApy": float64(i) / 1000, "totalAssetsUsd": 1},
				})
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"vaults": map[string]any{"items": items}}})
	}))
	defer srv.Close()

	c := New(httpx.New(2*time.Second, 0)).WithBaseURL(srv.URL)
	got, err := c.FindVaults(context.Background(), baseUSDC, 8453)
	if err != nil {
		t.Fatalf("FindVaults failed: %v", err)
	}
	if len(skips) != 2 || skips[1] != vaultPageSize {
		t.Fatalf("expected a second page after a full one, got skips %v", skips)
	}
	if len(got) != vaultPageSize {
		t.Fatalf("expected %d vaults, got %d", vaultPageSize, len(got))
	}
}

func TestFindVaultsRejectsSymbol(t *testing.T) {
	c := New(httpx.New(time.Second, 0)).WithBaseURL("http://127.0.0.1:1")
	_, err := c.FindVaults(context.Background(), "USDC", 8453)
	if !clierr.Is(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestFindVaultsGraphQLError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errors":[{"message":"bad filter"}]}`))
	}))
	defer srv.Close()

	c := New(httpx.New(time.Second, 0)).WithBaseURL(srv.URL)
	_, err := c.FindVaults(context.Background(), baseUSDC, 8453)
	if !clierr.Is(err, clierr.CodeUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}
