package validate

import "testing"

const usdcMainnet = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"

func TestAddressChecksum(t *testing.T) {
	got, err := Address("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")
	if err != nil {
		t.Fatalf("lowercase address rejected: %v", err)
	}
	if got != usdcMainnet {
		t.Fatalf("expected checksum form %s, got %s", usdcMainnet, got)
	}
	if _, err := Address("0xa0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"); err == nil {
		t.Fatal("expected bad mixed-case checksum to fail")
	}
	if _, err := Address("0x1234"); err == nil {
		t.Fatal("expected short address to fail")
	}
	if _, err := Address("a0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"); err == nil {
		t.Fatal("expected missing 0x prefix to fail")
	}
}

func TestChecksummedRequiresExactForm(t *testing.T) {
	if _, err := Checksummed(usdcMainnet); err != nil {
		t.Fatalf("checksummed address rejected: %v", err)
	}
	if _, err := Checksummed("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"); err == nil {
		t.Fatal("expected lowercase address to be rejected")
	}
}

func TestValidateDispatch(t *testing.T) {
	res := Validate("chain", "arbitrum")
	if !res.Valid || res.Normalized != "arbitrum" {
		t.Fatalf("unexpected chain result: %+v", res)
	}
	res = Validate("amount", "0")
	if res.Valid || res.Error != "amount must be positive" {
		t.Fatalf("unexpected amount result: %+v", res)
	}
	res = Validate("chain", "fantom")
	if res.Valid || res.Hint == "" {
		t.Fatalf("expected hint for unsupported chain: %+v", res)
	}
	res = Validate("color", "red")
	if res.Valid {
		t.Fatal("unknown kind must be invalid")
	}
}

func TestDecimalAmount(t *testing.T) {
	n, err := DecimalAmount("2.5", 6)
	if err != nil {
		t.Fatalf("DecimalAmount failed: %v", err)
	}
	if n.String() != "2500000" {
		t.Fatalf("unexpected base units %s", n)
	}
}
