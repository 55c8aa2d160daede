package id

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	clierr "github.com/ggonzalez94/defi-yield/internal/errors"
)

var decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ParseBaseUnits parses an arbitrary-precision base-unit integer and
// requires it to be strictly positive.
func ParseBaseUnits(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, clierr.New(clierr.CodeUsage, "amount is required")
	}
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, clierr.New(clierr.CodeUsage, "amount must be an integer in base units").
			WithHint("pass the amount in the token's smallest unit, e.g. 1000000 for 1 USDC")
	}
	if n.Sign() <= 0 {
		return nil, clierr.New(clierr.CodeUsage, "amount must be positive")
	}
	return n, nil
}

// NormalizeAmount accepts exactly one of a base-unit integer or a decimal
// string and returns both forms.
func NormalizeAmount(baseUnits, decimal string, decimals int) (string, string, error) {
	if baseUnits != "" && decimal != "" {
		return "", "", clierr.New(clierr.CodeUsage, "use either --amount or --amount-decimal, not both")
	}
	if baseUnits == "" && decimal == "" {
		return "", "", clierr.New(clierr.CodeUsage, "amount is required")
	}
	if decimals < 0 {
		return "", "", clierr.New(clierr.CodeUsage, "decimals must be >= 0")
	}

	if baseUnits != "" {
		n, err := ParseBaseUnits(baseUnits)
		if err != nil {
			return "", "", err
		}
		return n.String(), FormatDecimal(n.String(), decimals), nil
	}

	decimal = strings.TrimSpace(decimal)
	if strings.HasPrefix(decimal, "-") {
		return "", "", clierr.New(clierr.CodeUsage, "amount must be positive")
	}
	if !decimalPattern.MatchString(decimal) {
		return "", "", clierr.New(clierr.CodeUsage, "--amount-decimal must be in decimal form like 1.23")
	}
	base, err := decimalToBaseUnits(decimal, decimals)
	if err != nil {
		return "", "", err
	}
	if base == "0" {
		return "", "", clierr.New(clierr.CodeUsage, "amount must be positive")
	}
	return base, normalizeDecimal(decimal), nil
}

// FormatDecimal converts a base-unit integer string into a decimal string.
func FormatDecimal(baseUnits string, decimals int) string {
	n := new(big.Int)
	if _, ok := n.SetString(baseUnits, 10); !ok {
		return baseUnits
	}
	if decimals <= 0 {
		return n.String()
	}

	s := n.String()
	if len(s) <= decimals {
		pad := strings.Repeat("0", decimals-len(s)+1)
		s = pad + s
	}
	intPart := s[:len(s)-decimals]
	fracPart := strings.TrimRight(s[len(s)-decimals:], "0")
	if fracPart == "" {
		return intPart
	}
	return intPart + "." + fracPart
}

func decimalToBaseUnits(decimal string, decimals int) (string, error) {
	parts := strings.SplitN(decimal, ".", 2)
	intPart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if len(fracPart) > decimals {
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("decimal precision exceeds token decimals (%d)", decimals))
	}

	fracPart = fracPart + strings.Repeat("0", decimals-len(fracPart))
	combined := strings.TrimLeft(intPart+fracPart, "0")
	if combined == "" {
		return "0", nil
	}
	if _, ok := new(big.Int).SetString(combined, 10); !ok {
		return "", clierr.New(clierr.CodeUsage, "invalid decimal amount")
	}
	return combined, nil
}

func normalizeDecimal(v string) string {
	if !strings.Contains(v, ".") {
		out := strings.TrimLeft(v, "0")
		if out == "" {
			return "0"
		}
		return out
	}
	parts := strings.SplitN(v, ".", 2)
	intPart := strings.TrimLeft(parts[0], "0")
	if intPart == "" {
		intPart = "0"
	}
	fracPart := strings.TrimRight(parts[1], "0")
	if fracPart == "" {
		return intPart
	}
	return intPart + "." + fracPart
}
