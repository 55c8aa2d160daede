package aave

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggonzalez94/defi-yield/internal/httpx"
	"github.com/ggonzalez94/defi-yield/internal/id"
)

const baseUSDC = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"

const marketsBody = `{
	"data": {
		"markets": [
			{
				"name": "AaveV3Base",
				"address": "0xA238Dd80C259a72e81d7e4664a9801593F98d1c5",
				"chain": {"chainId": 8453, "name": "Base"},
				"reserves": [
					{
						"underlyingToken": {"address": "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913", "symbol": "USDC", "decimals": 6},
						"size": {"usd": "250000000"},
						"supplyInfo": {"apy": {"value": "0.0425"}}
					},
					{
						"underlyingToken": {"address": "0x4200000000000000000000000000000000000006", "symbol": "WETH", "decimals": 18},
						"size": {"usd": "400000000"},
						"supplyInfo": {"apy": {"value": "0.02"}}
					},
					{
						"underlyingToken": {"address": "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913", "symbol": "USDC", "decimals": 6},
						"isFrozen": true,
						"size": {"usd": "1000"},
						"supplyInfo": {"apy": {"value": "0.09"}}
					}
				]
			}
		]
	}
}`

func TestFindVaultsReportsPoolAddress(t *testing.T) {
	var chainIDs []int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var req struct {
			Query     string `json:"query"`
			Variables struct {
				Request struct {
					ChainIDs []int64 `json:"chainIds"`
				} `json:"request"`
			} `json:"variables"`
		}
		if err := json.Unmarshal(raw, &req); err != nil || !strings.Contains(req.Query, "markets") {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		chainIDs = req.Variables.Request.ChainIDs
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(marketsBody))
	}))
	defer srv.Close()

	c := New(httpx.New(2*time.Second, 0)).WithBaseURL(srv.URL)
	got, err := c.FindVaults(context.Background(), baseUSDC, 8453)
	if err != nil {
		t.Fatalf("FindVaults failed: %v", err)
	}
	if len(chainIDs) != 1 || chainIDs[0] != 8453 {
		t.Fatalf("expected query scoped to base, got %v", chainIDs)
	}
	if len(got) != 1 {
		t.Fatalf("expected the active USDC reserve only, got %+v", got)
	}
	v := got[0]
	if v.Address != id.Checksum("0xa238dd80c259a72e81d7e4664a9801593f98d1c5") || v.Project != Project || v.Provider != "aave" {
		t.Fatalf("unexpected vault identity %+v", v)
	}
	if v.APY != 4.25 || v.TVLUSD != 250000000 || v.ChainName != "Base" {
		t.Fatalf("unexpected vault metrics %+v", v)
	}
}

func TestFindVaultsSkipsChainsWithoutMarket(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	c := New(httpx.New(time.Second, 0)).WithBaseURL(srv.URL)
	got, err := c.FindVaults(context.Background(), "0x29219dd400f2Bf60E5a23d13Be72B486D4038894", 146)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty result, got %+v err=%v", got, err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatal("no request expected for a chain without an aave market")
	}
}

func TestFindVaultsGraphQLError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errors":[{"message":"rate limited"}]}`))
	}))
	defer srv.Close()

	c := New(httpx.New(time.Second, 0)).WithBaseURL(srv.URL)
	if _, err := c.FindVaults(context.Background(), baseUSDC, 8453); err == nil || !strings.Contains(err.Error(), "aave graphql error") {
		t.Fatalf("expected graphql error, got %v", err)
	}
}
