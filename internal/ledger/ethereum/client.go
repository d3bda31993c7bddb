package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"agentpay/internal/ledger"
)

// tokenABI covers the ERC-20 entry points the gateway needs plus the
// ERC-3009 transferWithAuthorization primitive.
const tokenABI = `[
  {"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"name":"transferFrom","type":"function","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"transferWithAuthorization","type":"function","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"outputs":[]}
]`

// Config describes how to reach the token contract backing the ledger.
type Config struct {
	RPCURL       string
	TokenAddress string
}

// Client implements ledger.Gateway against an on-chain token. The operator
// account submits transactions; direct transfers rely on an ERC-20 allowance
// granted to the operator, authorization transfers carry the payer signature.
type Client struct {
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	contract  *bind.BoundContract
	token     common.Address
	operator  *bind.TransactOpts
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint and binds the token contract.
func NewClient(ctx context.Context, cfg Config, operator *bind.TransactOpts) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("ledger rpc url is required")
	}
	tokenAddr := strings.TrimSpace(cfg.TokenAddress)
	if tokenAddr == "" {
		return nil, errors.New("ledger token address is required")
	}
	if operator == nil {
		return nil, errors.New("ledger operator signer is required")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	parsed, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("parse token abi: %w", err)
	}

	token := common.HexToAddress(tokenAddr)
	return &Client{
		rpcClient: rpcClient,
		eth:       eth,
		contract:  bind.NewBoundContract(token, parsed, eth, eth, eth),
		token:     token,
		operator:  operator,
	}, nil
}

// Transfer submits transferFrom and waits for the receipt so callers get
// all-or-nothing semantics.
func (c *Client) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if !ledger.ValidAmount(amount) {
		return ledger.ErrInsufficientFunds
	}
	opts := c.transactOpts(ctx)
	tx, err := c.contract.Transact(opts, "transferFrom", from, to, amount)
	if err != nil {
		return fmt.Errorf("submit transferFrom: %w", err)
	}
	return c.waitMined(ctx, tx)
}

// TransferWithAuthorization submits the ERC-3009 call. Signature validation
// and nonce bookkeeping happen inside the token contract.
func (c *Client) TransferWithAuthorization(ctx context.Context, auth ledger.Authorization) error {
	if !ledger.ValidAmount(auth.Amount) {
		return ledger.ErrInsufficientFunds
	}
	if len(auth.Signature) != 65 {
		return ledger.ErrBadSignature
	}
	var r, s [32]byte
	copy(r[:], auth.Signature[:32])
	copy(s[:], auth.Signature[32:64])
	v := auth.Signature[64] + 27

	opts := c.transactOpts(ctx)
	tx, err := c.contract.Transact(opts, "transferWithAuthorization",
		auth.From, auth.To, auth.Amount,
		big.NewInt(auth.ValidAfter), big.NewInt(auth.ValidBefore),
		auth.Nonce, v, r, s,
	)
	if err != nil {
		return fmt.Errorf("submit transferWithAuthorization: %w", err)
	}
	return c.waitMined(ctx, tx)
}

// BalanceOf reads the token balance of the account.
func (c *Client) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	var out []any
	callOpts := &bind.CallOpts{Context: ctx}
	if err := c.contract.Call(callOpts, &out, "balanceOf", account); err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}
	if len(out) != 1 {
		return nil, errors.New("unexpected balanceOf result shape")
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.New("unexpected balanceOf result type")
	}
	return balance, nil
}

// Token returns the bound token contract address.
func (c *Client) Token() common.Address {
	return c.token
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

func (c *Client) transactOpts(ctx context.Context) *bind.TransactOpts {
	c.mu.Lock()
	defer c.mu.Unlock()
	opts := *c.operator
	opts.Context = ctx
	return &opts
}

func (c *Client) waitMined(ctx context.Context, tx *coretypes.Transaction) error {
	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return fmt.Errorf("wait for receipt: %w", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return fmt.Errorf("transaction %s reverted", tx.Hash().Hex())
	}
	return nil
}

var _ ledger.Gateway = (*Client)(nil)
