// Package chain is the ledger-service client. It wraps a go-ethereum RPC
// connection with bounded per-call timeouts, typed retryable/fatal errors,
// and a circuit breaker per operation, and exposes the stable-token and
// escrow-contract calls the rest of the system needs.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/gigmesh/gigmesh/internal/circuitbreaker"
)

// ERC20 minimal ABI for the stable token
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// Escrow job contract ABI
const escrowABI = `[
	{"inputs":[{"name":"jobId","type":"bytes32"},{"name":"seller","type":"address"},{"name":"amount","type":"uint256"}],"name":"createJob","outputs":[],"type":"function"},
	{"inputs":[{"name":"jobId","type":"bytes32"}],"name":"releaseJob","outputs":[],"type":"function"},
	{"inputs":[{"name":"jobId","type":"bytes32"}],"name":"refundJob","outputs":[],"type":"function"},
	{"inputs":[{"name":"jobId","type":"bytes32"}],"name":"getJob","outputs":[{"name":"buyer","type":"address"},{"name":"seller","type":"address"},{"name":"amount","type":"uint256"},{"name":"state","type":"uint8"}],"type":"function"}
]`

const (
	// DefaultGasLimit for contract calls when estimation fails
	DefaultGasLimit = uint64(200000)

	// DefaultCallTimeout bounds every individual RPC round trip
	DefaultCallTimeout = 10 * time.Second

	// DefaultConfirmationTimeout for waiting on transactions
	DefaultConfirmationTimeout = 30 * time.Second

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second
)

// EthClient abstracts the go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Config for creating a chain client
type Config struct {
	RPCURL         string
	ChainID        int64
	StableToken    string
	EscrowContract string // Optional; required only for on-chain escrow
	CallTimeout    time.Duration
}

// Option configures the client
type Option func(*Client)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithBreaker sets a custom circuit breaker
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) {
		c.breaker = b
	}
}

// TxResult contains details of a submitted transaction
type TxResult struct {
	TxHash      string
	From        string
	To          string
	Nonce       uint64
	BlockNumber uint64
	GasUsed     uint64
}

// Client talks to the chain on behalf of the whole application. All state
// mutations are signed with a caller-supplied key; the client itself holds
// no key material.
type Client struct {
	client      EthClient
	chainID     *big.Int
	stableToken common.Address
	escrow      common.Address
	erc20       abi.ABI
	escrowABI   abi.ABI
	breaker     *circuitbreaker.Breaker
	callTimeout time.Duration
}

// New creates a chain client. If no EthClient is injected it dials RPCURL.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain ID required")
	}
	if cfg.StableToken == "" {
		return nil, fmt.Errorf("stable token contract address required")
	}

	erc20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	escrow, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	c := &Client{
		chainID:     big.NewInt(cfg.ChainID),
		stableToken: common.HexToAddress(cfg.StableToken),
		escrow:      common.HexToAddress(cfg.EscrowContract),
		erc20:       erc20,
		escrowABI:   escrow,
		callTimeout: cfg.CallTimeout,
	}
	if c.callTimeout <= 0 {
		c.callTimeout = DefaultCallTimeout
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.breaker == nil {
		c.breaker = circuitbreaker.New(5, 30*time.Second)
	}
	if c.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = client
	}

	return c, nil
}

// ChainID returns the configured chain ID.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// StableToken returns the stable token contract address.
func (c *Client) StableToken() common.Address {
	return c.stableToken
}

// EscrowContract returns the escrow contract address.
func (c *Client) EscrowContract() common.Address {
	return c.escrow
}

// Close closes the underlying RPC connection.
func (c *Client) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

// call runs fn with a bounded timeout under the circuit breaker for op.
func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return c.breaker.Do(op, func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		if err := fn(callCtx); err != nil {
			return wrapRPC(op, err)
		}
		return nil
	})
}

// NativeBalance returns the native-currency balance of addr.
func (c *Client) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var balance *big.Int
	err := c.call(ctx, "native_balance", func(ctx context.Context) error {
		var err error
		balance, err = c.client.BalanceAt(ctx, addr, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// StableBalance returns the stable-token balance of addr.
func (c *Client) StableBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := c.erc20.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	var result []byte
	err = c.call(ctx, "stable_balance", func(ctx context.Context) error {
		var err error
		result, err = c.client.CallContract(ctx, ethereum.CallMsg{
			To:   &c.stableToken,
			Data: data,
		}, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	return new(big.Int).SetBytes(result), nil
}

// IsDeployed reports whether addr has contract code.
func (c *Client) IsDeployed(ctx context.Context, addr common.Address) (bool, error) {
	var code []byte
	err := c.call(ctx, "code_at", func(ctx context.Context) error {
		var err error
		code, err = c.client.CodeAt(ctx, addr, nil)
		return err
	})
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}

// TransferStable sends amount of the stable token from key's address to `to`.
func (c *Client) TransferStable(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (*TxResult, error) {
	data, err := c.erc20.Pack("transfer", to, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack transfer call: %w", err)
	}
	return c.sendTx(ctx, "transfer", key, c.stableToken, data)
}

// PackTransferStable returns the ERC-20 transfer calldata without
// submitting anything. Custody accounts route this through the relay.
func (c *Client) PackTransferStable(to common.Address, amount *big.Int) ([]byte, error) {
	data, err := c.erc20.Pack("transfer", to, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack transfer call: %w", err)
	}
	return data, nil
}

// ApproveStable approves spender for amount of the stable token.
func (c *Client) ApproveStable(ctx context.Context, key *ecdsa.PrivateKey, spender common.Address, amount *big.Int) (*TxResult, error) {
	data, err := c.erc20.Pack("approve", spender, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack approve call: %w", err)
	}
	return c.sendTx(ctx, "approve", key, c.stableToken, data)
}

// Invoke signs and submits an arbitrary contract call from key's address.
func (c *Client) Invoke(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, calldata []byte) (*TxResult, error) {
	return c.sendTx(ctx, "invoke", key, to, calldata)
}

// sendTx builds, signs (EIP-155) and submits a zero-value contract call.
func (c *Client) sendTx(ctx context.Context, op string, key *ecdsa.PrivateKey, to common.Address, data []byte) (*TxResult, error) {
	if key == nil {
		return nil, ErrInvalidPrivateKey
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	var nonce uint64
	if err := c.call(ctx, op+".nonce", func(ctx context.Context) error {
		var err error
		nonce, err = c.client.PendingNonceAt(ctx, from)
		return err
	}); err != nil {
		return nil, err
	}

	var gasPrice *big.Int
	if err := c.call(ctx, op+".gas_price", func(ctx context.Context) error {
		var err error
		gasPrice, err = c.client.SuggestGasPrice(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	// Estimation surfaces reverts before anything is signed. Transport
	// failures fall back to the default limit instead.
	gasLimit := DefaultGasLimit
	estErr := c.call(ctx, op+".estimate", func(ctx context.Context) error {
		var err error
		gasLimit, err = c.client.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &to,
			Value: big.NewInt(0),
			Data:  data,
		})
		return err
	})
	if estErr != nil {
		if !IsRetryable(estErr) {
			// Classify the duplicate-job revert here so callers going
			// through Invoke see the sentinel, not just CreateJob.
			if IsJobExists(estErr) {
				return nil, fmt.Errorf("%w: %v", ErrJobExists, estErr)
			}
			return nil, estErr
		}
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.call(ctx, op+".send", func(ctx context.Context) error {
		return c.client.SendTransaction(ctx, signedTx)
	}); err != nil {
		if IsJobExists(err) {
			return nil, fmt.Errorf("%w: %v", ErrJobExists, err)
		}
		return nil, err
	}

	return &TxResult{
		TxHash: signedTx.Hash().Hex(),
		From:   from.Hex(),
		To:     to.Hex(),
		Nonce:  nonce,
	}, nil
}

// WaitMined polls for a transaction receipt until mined or timeout.
func (c *Client) WaitMined(ctx context.Context, txHash string, timeout time.Duration) (*TxResult, error) {
	hash := common.HexToHash(txHash)

	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := c.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined, keep waiting
				continue
			}

			if receipt.Status == 0 {
				return nil, fmt.Errorf("%w: tx %s reverted", ErrTxFailed, txHash)
			}

			return &TxResult{
				TxHash:      txHash,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
	}
}
