// Package bundle assembles unsigned approval and deposit transactions into
// an ordered bundle. Nothing here signs or broadcasts.
package bundle

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	clierr "github.com/ggonzalez94/defi-yield/internal/errors"
	"github.com/ggonzalez94/defi-yield/internal/id"
	"github.com/ggonzalez94/defi-yield/internal/model"
	"github.com/ggonzalez94/defi-yield/internal/providers"
	"github.com/ggonzalez94/defi-yield/internal/validate"
)

const (
	WarnApprovalUnknown     = "could not verify approval status"
	WarnApprovalUnavailable = "approval is required but the provider returned no approval transaction; approve the spender before depositing"
	WarnGasUnavailable      = "gas estimate unavailable for one or more transactions"
)

// Recorder counts assembled bundles by approval status.
type Recorder interface {
	Bundle(approval string)
}

// Assembler builds bundles through a TransactionProvider.
type Assembler struct {
	provider providers.TransactionProvider
	logger   *slog.Logger
	metrics  Recorder
}

// New returns an Assembler. logger and metrics may be nil.
func New(provider providers.TransactionProvider, logger *slog.Logger, metrics Recorder) *Assembler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Assembler{provider: provider, logger: logger, metrics: metrics}
}

type Request struct {
	User     string
	Token    string
	Vault    string
	Protocol string
	ChainID  int64
	Amount   *big.Int
	Symbol   string
	Decimals int
}

// Validate normalises addresses and checks chain and amount. The user
// address must already be checksummed.
func (r Request) Validate() (Request, error) {
	user, err := validate.Checksummed(r.User)
	if err != nil {
		return r, err
	}
	token, err := validate.Address(r.Token)
	if err != nil {
		return r, err
	}
	vault, err := validate.Address(r.Vault)
	if err != nil {
		return r, err
	}
	if _, err := validate.ChainID(r.ChainID); err != nil {
		return r, err
	}
	if r.Amount == nil || r.Amount.Sign() <= 0 {
		return r, clierr.New(clierr.CodeUsage, "amount must be positive")
	}
	if strings.TrimSpace(r.Protocol) == "" {
		return r, clierr.New(clierr.CodeUsage, "protocol is required")
	}
	r.User, r.Token, r.Vault = user, token, vault
	return r, nil
}

// Build assembles approval (when needed) and deposit transactions. An
// indeterminate approval check degrades to a deposit-only bundle; a deposit
// failure fails the whole call.
func (a *Assembler) Build(ctx context.Context, req Request) (model.TransactionBundle, error) {
	req, err := req.Validate()
	if err != nil {
		return model.TransactionBundle{}, err
	}

	out := model.TransactionBundle{
		TokenSymbol:     strings.ToUpper(req.Symbol),
		AmountBaseUnits: req.Amount.String(),
		AmountDecimal:   id.FormatDecimal(req.Amount.String(), req.Decimals),
		Protocol:        req.Protocol,
		ChainID:         req.ChainID,
	}

	approval, approvalErr := a.provider.ApprovalNeeded(ctx, providers.ApprovalRequest{
		User:     req.User,
		Token:    req.Token,
		Spender:  req.Vault,
		Protocol: req.Protocol,
		ChainID:  req.ChainID,
		Amount:   new(big.Int).Set(req.Amount),
	})
	switch {
	case approvalErr != nil:
		a.logger.Warn("approval check failed", "protocol", req.Protocol, "chain_id", req.ChainID, "error", approvalErr)
		out.ApprovalStatus = model.ApprovalUnknown
		out.Warnings = append(out.Warnings, WarnApprovalUnknown)
	case approval.Required && approval.Transaction != nil:
		out.ApprovalStatus = model.ApprovalRequired
		tx := finalize(*approval.Transaction, req.ChainID)
		out.ApprovalTransaction = &tx
	case approval.Required:
		out.ApprovalStatus = model.ApprovalRequired
		out.Warnings = append(out.Warnings, WarnApprovalUnavailable)
	default:
		out.ApprovalStatus = model.ApprovalNotRequired
	}

	deposit, err := a.provider.BuildDeposit(ctx, providers.DepositRequest{
		Protocol: req.Protocol,
		Vault:    req.Vault,
		TokenIn:  req.Token,
		AmountIn: new(big.Int).Set(req.Amount),
		ChainID:  req.ChainID,
		Receiver: req.User,
	})
	if err != nil {
		return model.TransactionBundle{}, err
	}
	out.DepositTransaction = finalize(deposit, req.ChainID)

	if out.ApprovalTransaction != nil {
		out.ExecutionOrder = []model.StepTag{model.StepApprove, model.StepDeposit}
	} else {
		out.ExecutionOrder = []model.StepTag{model.StepDeposit}
	}

	txs := []model.Transaction{out.DepositTransaction}
	if out.ApprovalTransaction != nil {
		txs = append(txs, *out.ApprovalTransaction)
	}
	if total, ok := TotalGas(txs); ok {
		out.TotalGasEstimate = total
	} else {
		out.Warnings = append(out.Warnings, WarnGasUnavailable)
	}

	if a.metrics != nil {
		a.metrics.Bundle(string(out.ApprovalStatus))
	}
	return out, nil
}

// TotalGas sums gas limits with arbitrary precision. It reports false when
// any limit is missing or malformed.
func TotalGas(txs []model.Transaction) (string, bool) {
	sum := new(big.Int)
	for _, tx := range txs {
		n, ok := parseQuantity(tx.GasLimit)
		if !ok {
			return "", false
		}
		sum.Add(sum, n)
	}
	return sum.String(), true
}

func parseQuantity(v string) (*big.Int, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, false
	}
	if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
		n, err := hexutil.DecodeBig("0x" + v[2:])
		if err != nil {
			return nil, false
		}
		return n, true
	}
	n, ok := new(big.Int).SetString(v, 10)
	if !ok || n.Sign() < 0 {
		return nil, false
	}
	return n, true
}

func finalize(tx model.Transaction, chainID int64) model.Transaction {
	if tx.ChainID == 0 {
		tx.ChainID = chainID
	}
	if tx.Value == "" {
		tx.Value = "0"
	}
	tx.SafetyWarning = model.SafetyDisclosure
	return tx
}
