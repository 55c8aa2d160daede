package tokenlist

import (
	"context"
	"testing"

	clierr "github.com/ggonzalez94/defi-yield/internal/errors"
)

func TestResolveByQueryGroupsChains(t *testing.T) {
	got, err := New().ResolveByQuery(context.Background(), " usdc ")
	if err != nil {
		t.Fatalf("ResolveByQuery failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one USDC descriptor, got %d", len(got))
	}
	if got[0].Decimals != 6 {
		t.Fatalf("expected ethereum decimals to win, got %d", got[0].Decimals)
	}
	seen := map[int64]bool{}
	for _, c := range got[0].Chains {
		if seen[c.ChainID] {
			t.Fatalf("duplicate chain entry %d", c.ChainID)
		}
		seen[c.ChainID] = true
	}
	if !seen[1] || !seen[8453] {
		t.Fatalf("expected ethereum and base entries, got %+v", got[0].Chains)
	}
}

func TestResolveByQueryByName(t *testing.T) {
	got, _ := New().ResolveByQuery(context.Background(), "stablecoin")
	if len(got) != 1 || got[0].Symbol != "DAI" {
		t.Fatalf("expected DAI by name, got %+v", got)
	}
	got, _ = New().ResolveByQuery(context.Background(), "usd")
	if len(got) < 2 {
		t.Fatalf("expected ambiguous name match, got %+v", got)
	}
}

func TestResolveByAddress(t *testing.T) {
	d, err := New().ResolveByAddress(context.Background(), "0xaf88d065e77c8cc2239327c5edb3a432268e5831", 42161)
	if err != nil {
		t.Fatalf("ResolveByAddress failed: %v", err)
	}
	if d.Symbol != "USDC" || len(d.Chains) != 1 || d.Chains[0].ChainName != "Arbitrum" {
		t.Fatalf("unexpected descriptor %+v", d)
	}
	if _, err := New().ResolveByAddress(context.Background(), "0x0000000000000000000000000000000000000001", 1); !clierr.Is(err, clierr.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
