package providers

import (
	"context"
	"math/big"

	"github.com/ggonzalez94/defi-yield/internal/model"
)

type Provider interface {
	Info() model.ProviderInfo
}

// MetadataProvider resolves token references into descriptors that list
// every supported chain the token is deployed on.
type MetadataProvider interface {
	Provider
	ResolveByQuery(ctx context.Context, text string) ([]model.TokenDescriptor, error)
	// ResolveByAddress returns a CodeNotFound error when the pair is unknown.
	ResolveByAddress(ctx context.Context, address string, chainID int64) (*model.TokenDescriptor, error)
}

// DiscoveryProvider lists vaults accepting token on one chain. Filtering on
// APY and self-referencing vaults happens in the discovery package.
type DiscoveryProvider interface {
	Provider
	FindVaults(ctx context.Context, tokenAddress string, chainID int64) ([]model.ProtocolVault, error)
}

// ApprovalRequest names the vault as Spender. Providers that deposit through
// a router or a lending pool substitute their own spender; Protocol lets
// them tell which.
type ApprovalRequest struct {
	User     string
	Token    string
	Spender  string
	Protocol string
	ChainID  int64
	Amount   *big.Int
}

type DepositRequest struct {
	Protocol string
	Vault    string
	TokenIn  string
	AmountIn *big.Int
	ChainID  int64
	Receiver string
}

// TransactionProvider produces unsigned approval and deposit payloads.
// Returned transactions carry no disclosure; the bundle assembler sets it.
type TransactionProvider interface {
	Provider
	ApprovalNeeded(ctx context.Context, req ApprovalRequest) (model.ApprovalResult, error)
	BuildDeposit(ctx context.Context, req DepositRequest) (model.Transaction, error)
}
