package onchain

import (
	"bytes"
	"context"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"

	clierr "github.com/ggonzalez94/defi-yield/internal/errors"
	"github.com/ggonzalez94/defi-yield/internal/model"
	"github.com/ggonzalez94/defi-yield/internal/providers"
	"github.com/ggonzalez94/defi-yield/internal/registry"
)

const (
	defaultGasBufferPct = 120
	fallbackApproveGas  = 65_000
	fallbackVaultGas    = 250_000
	fallbackAaveGas     = 300_000
)

var (
	erc20ABI           = mustABI(registry.ERC20MinimalABI)
	erc4626ABI         = mustABI(registry.ERC4626ABI)
	aaveProviderABI    = mustABI(registry.AavePoolAddressProviderABI)
	aavePoolABI        = mustABI(registry.AavePoolABI)
	errNoAavePoolOnNet = clierr.New(clierr.CodeUnsupported, "aave pool is not configured for this chain")
)

// Caller is the subset of ethclient.Client the provider needs.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

type Dialer func(ctx context.Context, chainID int64) (Caller, error)

// Client builds approval and deposit calldata locally and reads allowances
// over JSON-RPC. Aave markets deposit through Pool.supply; every other
// vault must implement ERC-4626.
type Client struct {
	dial         Dialer
	gasBufferPct uint64

	mu      sync.Mutex
	callers map[int64]Caller
}

// New dials RPC endpoints lazily, honoring per-chain overrides.
func New(rpcOverrides map[int64]string) *Client {
	return NewWithDialer(func(ctx context.Context, chainID int64) (Caller, error) {
		rpcURL, err := registry.ResolveRPCURL(rpcOverrides, chainID)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "resolve rpc url", err)
		}
		client, err := ethclient.DialContext(ctx, rpcURL)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
		}
		return client, nil
	})
}

func NewWithDialer(dial Dialer) *Client {
	return &Client{dial: dial, gasBufferPct: defaultGasBufferPct, callers: map[int64]Caller{}}
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:         "onchain",
		Type:         "transactions",
		RequiresKey:  false,
		Capabilities: []string{"approval.check", "deposit.build"},
	}
}

func (c *Client) caller(ctx context.Context, chainID int64) (Caller, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.callers[chainID]; ok {
		return existing, nil
	}
	caller, err := c.dial(ctx, chainID)
	if err != nil {
		return nil, err
	}
	c.callers[chainID] = caller
	return caller, nil
}

func (c *Client) ApprovalNeeded(ctx context.Context, req providers.ApprovalRequest) (model.ApprovalResult, error) {
	if !common.IsHexAddress(req.User) || !common.IsHexAddress(req.Token) {
		return model.ApprovalResult{}, clierr.New(clierr.CodeUsage, "approval requires valid user and token addresses")
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return model.ApprovalResult{}, clierr.New(clierr.CodeUsage, "amount must be positive")
	}
	client, err := c.caller(ctx, req.ChainID)
	if err != nil {
		return model.ApprovalResult{}, err
	}
	spender, err := c.spender(ctx, client, req.ChainID, req.Protocol, req.Spender)
	if err != nil {
		return model.ApprovalResult{}, err
	}
	owner := common.HexToAddress(req.User)
	token := common.HexToAddress(req.Token)

	allowanceData, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return model.ApprovalResult{}, clierr.Wrap(clierr.CodeInternal, "pack allowance calldata", err)
	}
	allowanceRaw, err := client.CallContract(ctx, ethereum.CallMsg{From: owner, To: &token, Data: allowanceData}, nil)
	if err != nil {
		return model.ApprovalResult{}, clierr.Wrap(clierr.CodeUnavailable, "read token allowance", err)
	}
	allowanceOut, err := erc20ABI.Unpack("allowance", allowanceRaw)
	if err != nil || len(allowanceOut) == 0 {
		return model.ApprovalResult{}, clierr.Wrap(clierr.CodeUnavailable, "decode token allowance", err)
	}
	current, ok := allowanceOut[0].(*big.Int)
	if !ok {
		return model.ApprovalResult{}, clierr.New(clierr.CodeUnavailable, "invalid allowance response")
	}
	if current.Cmp(req.Amount) >= 0 {
		return model.ApprovalResult{Required: false, Allowance: current.String()}, nil
	}

	approveData, err := erc20ABI.Pack("approve", spender, req.Amount)
	if err != nil {
		return model.ApprovalResult{}, clierr.Wrap(clierr.CodeInternal, "pack approve calldata", err)
	}
	msg := ethereum.CallMsg{From: owner, To: &token, Data: approveData}
	tx := model.Transaction{
		To:       token.Hex(),
		Data:     hexutil.Encode(approveData),
		Value:    "0",
		GasLimit: c.gasLimit(ctx, client, msg, fallbackApproveGas),
		ChainID:  req.ChainID,
	}
	return model.ApprovalResult{Required: true, Allowance: current.String(), Transaction: &tx}, nil
}

func (c *Client) BuildDeposit(ctx context.Context, req providers.DepositRequest) (model.Transaction, error) {
	if !common.IsHexAddress(req.Receiver) || !common.IsHexAddress(req.TokenIn) {
		return model.Transaction{}, clierr.New(clierr.CodeUsage, "deposit requires valid receiver and token addresses")
	}
	if req.AmountIn == nil || req.AmountIn.Sign() <= 0 {
		return model.Transaction{}, clierr.New(clierr.CodeUsage, "amount must be positive")
	}
	client, err := c.caller(ctx, req.ChainID)
	if err != nil {
		return model.Transaction{}, err
	}
	receiver := common.HexToAddress(req.Receiver)
	asset := common.HexToAddress(req.TokenIn)

	if isAave(req.Protocol) {
		pool, err := c.aavePool(ctx, client, req.ChainID)
		if err != nil {
			return model.Transaction{}, err
		}
		data, err := aavePoolABI.Pack("supply", asset, req.AmountIn, receiver, uint16(0))
		if err != nil {
			return model.Transaction{}, clierr.Wrap(clierr.CodeInternal, "pack supply calldata", err)
		}
		msg := ethereum.CallMsg{From: receiver, To: &pool, Data: data}
		return model.Transaction{
			To:       pool.Hex(),
			Data:     hexutil.Encode(data),
			Value:    "0",
			GasLimit: c.gasLimit(ctx, client, msg, fallbackAaveGas),
			ChainID:  req.ChainID,
		}, nil
	}

	if !common.IsHexAddress(req.Vault) {
		return model.Transaction{}, clierr.New(clierr.CodeUnsupported, "vault has no contract address; use a discovery provider that reports vault addresses")
	}
	vault := common.HexToAddress(req.Vault)
	if err := c.checkVaultAsset(ctx, client, vault, asset); err != nil {
		return model.Transaction{}, err
	}
	data, err := erc4626ABI.Pack("deposit", req.AmountIn, receiver)
	if err != nil {
		return model.Transaction{}, clierr.Wrap(clierr.CodeInternal, "pack deposit calldata", err)
	}
	msg := ethereum.CallMsg{From: receiver, To: &vault, Data: data}
	return model.Transaction{
		To:       vault.Hex(),
		Data:     hexutil.Encode(data),
		Value:    "0",
		GasLimit: c.gasLimit(ctx, client, msg, fallbackVaultGas),
		ChainID:  req.ChainID,
	}, nil
}

func (c *Client) spender(ctx context.Context, client Caller, chainID int64, protocol, vault string) (common.Address, error) {
	if isAave(protocol) {
		return c.aavePool(ctx, client, chainID)
	}
	if !common.IsHexAddress(vault) {
		return common.Address{}, clierr.New(clierr.CodeUsage, "approval spender must be a valid EVM address")
	}
	return common.HexToAddress(vault), nil
}

func (c *Client) aavePool(ctx context.Context, client Caller, chainID int64) (common.Address, error) {
	providerAddr, ok := registry.AavePoolAddressProvider(chainID)
	if !ok {
		return common.Address{}, errNoAavePoolOnNet
	}
	provider := common.HexToAddress(providerAddr)
	callData, err := aaveProviderABI.Pack("getPool")
	if err != nil {
		return common.Address{}, clierr.Wrap(clierr.CodeInternal, "pack getPool calldata", err)
	}
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &provider, Data: callData}, nil)
	if err != nil {
		return common.Address{}, clierr.Wrap(clierr.CodeUnavailable, "fetch aave pool address", err)
	}
	decoded, err := aaveProviderABI.Unpack("getPool", out)
	if err != nil || len(decoded) == 0 {
		return common.Address{}, clierr.Wrap(clierr.CodeUnavailable, "decode aave pool address", err)
	}
	pool, ok := decoded[0].(common.Address)
	if !ok || pool == (common.Address{}) {
		return common.Address{}, clierr.New(clierr.CodeUnavailable, "invalid aave pool response")
	}
	return pool, nil
}

func (c *Client) checkVaultAsset(ctx context.Context, client Caller, vault, asset common.Address) error {
	callData, err := erc4626ABI.Pack("asset")
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "pack asset calldata", err)
	}
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &vault, Data: callData}, nil)
	if err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "read vault asset", err)
	}
	decoded, err := erc4626ABI.Unpack("asset", out)
	if err != nil || len(decoded) == 0 {
		return clierr.New(clierr.CodeUnsupported, "vault does not implement ERC-4626")
	}
	got, ok := decoded[0].(common.Address)
	if !ok || !bytes.Equal(got.Bytes(), asset.Bytes()) {
		return clierr.New(clierr.CodeUsage, "vault underlying asset does not match token")
	}
	return nil
}

// gasLimit estimates and pads by gasBufferPct. Estimation commonly reverts
// before the approval is mined, so a per-kind fallback is used instead of
// failing the bundle.
func (c *Client) gasLimit(ctx context.Context, client Caller, msg ethereum.CallMsg, fallback uint64) string {
	est, err := client.EstimateGas(ctx, msg)
	if err != nil || est == 0 {
		return strconv.FormatUint(fallback, 10)
	}
	return strconv.FormatUint((est*c.gasBufferPct+99)/100, 10)
}

func isAave(protocol string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(protocol)), "aave")
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
