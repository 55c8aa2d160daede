package bundle

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggonzalez94/defi-yield/internal/httpx"
	"github.com/ggonzalez94/defi-yield/internal/model"
	"github.com/ggonzalez94/defi-yield/internal/providers/defillama"
)

func TestBuildAcceptsAaveVaultFromUUIDPool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","data":[
			{"pool":"7e0661bf-8cf3-45e6-9424-31916d4c7b84","chain":"Base","project":"aave-v3","symbol":"USDC","underlyingTokens":["0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"],"apy":4.1,"tvlUsd":300000000}
		]}`))
	}))
	defer srv.Close()

	vaults, err := defillama.New(httpx.New(2*time.Second, 0)).WithBaseURL(srv.URL).
		FindVaults(context.Background(), token, 8453)
	if err != nil {
		t.Fatalf("FindVaults failed: %v", err)
	}
	if len(vaults) != 1 {
		t.Fatalf("expected the aave pool, got %+v", vaults)
	}

	p := &fakeTx{deposit: model.Transaction{To: vaults[0].Address, Data: "0x617ba037", GasLimit: "300000"}}
	b, err := New(p, nil, nil).Build(context.Background(), Request{
		User: user, Token: token, Vault: vaults[0].Address, Protocol: vaults[0].Project,
		ChainID: 8453, Amount: big.NewInt(2_000_000), Symbol: "usdc", Decimals: 6,
	})
	if err != nil {
		t.Fatalf("Build rejected discovered vault %q: %v", vaults[0].Address, err)
	}
	if !strings.EqualFold(p.lastDeposit.Vault, vaults[0].Address) || !strings.EqualFold(b.DepositTransaction.To, vaults[0].Address) {
		t.Fatalf("deposit built against %q, bundle targets %q", p.lastDeposit.Vault, b.DepositTransaction.To)
	}
	if b.Protocol != "aave-v3" {
		t.Fatalf("unexpected protocol %q", b.Protocol)
	}
}
