// Package validate holds the pure input checks shared by every pipeline
// stage: address shape and checksum, chain membership, and amount bounds.
package validate

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/defi-yield/internal/errors"
	"github.com/ggonzalez94/defi-yield/internal/id"
)

const (
	KindAddress = "address"
	KindChain   = "chain"
	KindAmount  = "amount"
)

// Result is the structured outcome of Validate.
type Result struct {
	Kind       string `json:"kind"`
	Valid      bool   `json:"valid"`
	Normalized string `json:"normalized,omitempty"`
	Error      string `json:"error,omitempty"`
	Hint       string `json:"hint,omitempty"`
}

// Address checks shape and, for mixed-case input, the EIP-55 checksum. It
// returns the checksummed form.
func Address(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", clierr.New(clierr.CodeUsage, "address is required")
	}
	if !common.IsHexAddress(s) || !strings.HasPrefix(strings.ToLower(s), "0x") || len(s) != 42 {
		return "", clierr.New(clierr.CodeUsage, "invalid address format").
			WithHint("expected 0x followed by 40 hex characters")
	}
	checksummed := common.HexToAddress(s).Hex()
	body := s[2:]
	if body != strings.ToLower(body) && body != strings.ToUpper(body) && s != checksummed {
		return "", clierr.New(clierr.CodeUsage, "address checksum mismatch").
			WithHint("use the checksummed form " + checksummed)
	}
	return checksummed, nil
}

// Checksummed is like Address but additionally requires the caller to have
// supplied the EIP-55 form already.
func Checksummed(raw string) (string, error) {
	addr, err := Address(raw)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(raw) != addr {
		return "", clierr.New(clierr.CodeUsage, "address must be checksummed").
			WithHint("use the checksummed form " + addr)
	}
	return addr, nil
}

// Chain resolves a chain reference against the supported set.
func Chain(raw string) (id.Chain, error) {
	return id.ParseChain(raw)
}

// ChainID checks membership of a numeric chain id.
func ChainID(chainID int64) (id.Chain, error) {
	c, ok := id.ChainByID(chainID)
	if !ok {
		return id.Chain{}, clierr.New(clierr.CodeUsage, "unsupported chain id").
			WithHint("supported chains: " + strings.Join(id.ChainNames(), ", "))
	}
	return c, nil
}

// Amount parses a base-unit integer that must be strictly positive.
func Amount(raw string) (*big.Int, error) {
	return id.ParseBaseUnits(raw)
}

// DecimalAmount converts a human decimal into base units for decimals.
func DecimalAmount(raw string, decimals int) (*big.Int, error) {
	base, _, err := id.NormalizeAmount("", raw, decimals)
	if err != nil {
		return nil, err
	}
	n, _ := new(big.Int).SetString(base, 10)
	return n, nil
}

// Validate dispatches on kind and never returns an error: failures are
// reported inside the Result.
func Validate(kind, value string) Result {
	kind = strings.ToLower(strings.TrimSpace(kind))
	res := Result{Kind: kind}
	var (
		normalized string
		err        error
	)
	switch kind {
	case KindAddress:
		normalized, err = Address(value)
	case KindChain:
		var c id.Chain
		c, err = Chain(value)
		if err == nil {
			normalized = c.Slug
		}
	case KindAmount:
		var n *big.Int
		n, err = Amount(value)
		if err == nil {
			normalized = n.String()
		}
	default:
		err = clierr.New(clierr.CodeUsage, "unknown validation kind").
			WithHint("kind must be one of address, chain, amount")
	}
	if err != nil {
		res.Error = err.Error()
		if e, ok := clierr.As(err); ok {
			res.Error = e.Message
			res.Hint = e.Hint
		}
		return res
	}
	res.Valid = true
	res.Normalized = normalized
	return res
}
