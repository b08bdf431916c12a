// Package escrow takes custody of order funds and settles them.
//
// One global mode governs all orders:
//   - centralized: funds move into the platform's custodial account at
//     lock time and back out at settlement
//   - onchain: funds sit in the escrow contract under a job id derived
//     from the order id; only the platform signer can release or refund
//
// Settlement runs inside the order transition handler. Failures are
// retried in place a bounded number of times; what still fails lands in
// the outbox and is retried by the background timer, so nothing is
// silently dropped.
package escrow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gigmesh/gigmesh/internal/chain"
	"github.com/gigmesh/gigmesh/internal/logging"
	"github.com/gigmesh/gigmesh/internal/money"
	"github.com/gigmesh/gigmesh/internal/retry"
	"github.com/gigmesh/gigmesh/internal/wallet"
)

// Mode selects how all escrow jobs are locked and settled.
type Mode string

const (
	ModeCentralized Mode = "centralized"
	ModeOnChain     Mode = "onchain"
)

var (
	ErrInsufficientFunds = errors.New("escrow: insufficient buyer balance")
	ErrNoCredential      = errors.New("escrow: buyer has no usable credential")
	ErrAlreadySettled    = errors.New("escrow: order already settled")
	ErrNoLock            = errors.New("escrow: order has no lock reference")
)

// Outcome is the settlement direction.
type Outcome string

const (
	OutcomeRelease Outcome = "release" // Funds to the seller
	OutcomeRefund  Outcome = "refund"  // Funds back to the buyer
)

var settlements = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gigmesh",
	Subsystem: "escrow",
	Name:      "settlements_total",
	Help:      "Settlement attempts by outcome and result.",
}, []string{"outcome", "result"})

var locksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gigmesh",
	Subsystem: "escrow",
	Name:      "locks_total",
	Help:      "Fund locks by mode and result.",
}, []string{"mode", "result"})

func init() {
	prometheus.MustRegister(settlements, locksTotal)
}

// Wallets resolves accounts to their transfer capability.
type Wallets interface {
	Transferable(ctx context.Context, address string) (wallet.Transferable, error)
}

// ChainClient is the slice of the chain client the coordinator needs
// for platform-signed settlement calls.
type ChainClient interface {
	TransferStable(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (*chain.TxResult, error)
	ReleaseJob(ctx context.Context, key *ecdsa.PrivateKey, jobID [32]byte) (*chain.TxResult, error)
	RefundJob(ctx context.Context, key *ecdsa.PrivateKey, jobID [32]byte) (*chain.TxResult, error)
	PackApproveStable(spender common.Address, amount *big.Int) ([]byte, error)
	PackCreateJob(jobID [32]byte, seller common.Address, amount *big.Int) ([]byte, error)
	StableToken() common.Address
	EscrowContract() common.Address
}

// OrderRefs reads and writes settlement references on orders. The order
// store satisfies this through an adapter; the coordinator owns every
// write so the synchronous path and the outbox retry path stay in one
// place.
type OrderRefs interface {
	Refs(ctx context.Context, orderID string) (releaseRef, refundRef string, err error)
	SetRef(ctx context.Context, orderID string, outcome Outcome, ref string) error
}

// Invalidator drops cached balances after escrow moves funds, whether
// by platform-signed transfer or through the escrow contract.
type Invalidator interface {
	Invalidate(addr common.Address)
}

// Config for the coordinator.
type Config struct {
	Mode         Mode
	PlatformKey  string // Hex private key of the platform signer
	MaxAttempts  int    // In-place settlement attempts before the outbox takes over
	RetryBackoff time.Duration
}

// Coordinator locks and settles order funds.
type Coordinator struct {
	mode     Mode
	wallets  Wallets
	chain    ChainClient
	refs     OrderRefs
	outbox   OutboxStore
	balances Invalidator

	platformKey  *ecdsa.PrivateKey
	platformAddr common.Address

	maxAttempts  int
	retryBackoff time.Duration

	locks sync.Map // per-order settlement guard (centralized mode)
	now   func() time.Time
}

// New creates a coordinator.
func New(cfg Config, wallets Wallets, chainClient ChainClient, refs OrderRefs, outbox OutboxStore, balances Invalidator) (*Coordinator, error) {
	if cfg.Mode != ModeCentralized && cfg.Mode != ModeOnChain {
		return nil, fmt.Errorf("escrow: unknown mode %q", cfg.Mode)
	}

	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(cfg.PlatformKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("escrow: invalid platform key: %w", err)
	}

	c := &Coordinator{
		mode:         cfg.Mode,
		wallets:      wallets,
		chain:        chainClient,
		refs:         refs,
		outbox:       outbox,
		balances:     balances,
		platformKey:  key,
		platformAddr: ethcrypto.PubkeyToAddress(key.PublicKey),
		maxAttempts:  cfg.MaxAttempts,
		retryBackoff: cfg.RetryBackoff,
		now:          time.Now,
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 3
	}
	if c.retryBackoff <= 0 {
		c.retryBackoff = time.Second
	}
	return c, nil
}

// Mode returns the global escrow mode.
func (c *Coordinator) Mode() Mode {
	return c.mode
}

// PlatformAddress returns the platform signer's address.
func (c *Coordinator) PlatformAddress() common.Address {
	return c.platformAddr
}

// orderLock returns the settlement mutex for an order. On-chain mode
// relies on the contract's job-state guard; the local lock is what
// prevents centralized-mode double settlement.
func (c *Coordinator) orderLock(orderID string) *sync.Mutex {
	v, _ := c.locks.LoadOrStore(orderID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Lock captures amount from the buyer for the given order. The returned
// reference is recorded on the order by the caller. Any failure here
// aborts order creation, so nothing needs unwinding.
func (c *Coordinator) Lock(ctx context.Context, orderID, buyer, seller, amount string) (string, error) {
	raw, err := money.ParsePositive(amount)
	if err != nil {
		return "", err
	}

	source, err := c.wallets.Transferable(ctx, buyer)
	if err != nil {
		if errors.Is(err, wallet.ErrAccountNotFound) {
			return "", ErrNoCredential
		}
		return "", err
	}

	balance, err := source.Balance(ctx)
	if err != nil {
		return "", err
	}
	if balance.Cmp(raw) < 0 {
		locksTotal.WithLabelValues(string(c.mode), "insufficient_funds").Inc()
		return "", fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, money.Format(balance), amount)
	}

	var ref string
	switch c.mode {
	case ModeCentralized:
		ref, err = source.Transfer(ctx, c.platformAddr, raw)
	case ModeOnChain:
		ref, err = c.lockOnChain(ctx, source, orderID, seller, raw)
	}
	if err != nil {
		locksTotal.WithLabelValues(string(c.mode), "error").Inc()
		return "", err
	}

	locksTotal.WithLabelValues(string(c.mode), "ok").Inc()
	logging.L(ctx).Info("escrow locked",
		"order_id", orderID,
		"mode", string(c.mode),
		"buyer", buyer,
		"amount", amount,
		"lock_ref", ref)
	return ref, nil
}

// lockOnChain runs the approve + createJob sequence from the buyer's
// account. The job id is derived from the order id, so a retried
// creation hits the contract's duplicate check instead of double
// funding.
func (c *Coordinator) lockOnChain(ctx context.Context, source wallet.Transferable, orderID, seller string, amount *big.Int) (string, error) {
	invoker, ok := source.(wallet.Invoker)
	if !ok {
		return "", fmt.Errorf("escrow: account %s cannot invoke contracts", source.Address().Hex())
	}

	jobID := chain.JobID(orderID)

	approveData, err := c.chain.PackApproveStable(c.chain.EscrowContract(), amount)
	if err != nil {
		return "", err
	}
	if _, err := invoker.Invoke(ctx, c.chain.StableToken(), approveData); err != nil {
		return "", fmt.Errorf("escrow: approve: %w", err)
	}

	createData, err := c.chain.PackCreateJob(jobID, common.HexToAddress(seller), amount)
	if err != nil {
		return "", err
	}
	ref, err := invoker.Invoke(ctx, c.chain.EscrowContract(), createData)
	if err != nil {
		if chain.IsJobExists(err) {
			// Already funded by an earlier attempt. The job id doubles
			// as the reference.
			c.invalidateBalances(source.Address(), c.chain.EscrowContract())
			return jobRef(jobID), nil
		}
		return "", fmt.Errorf("escrow: createJob: %w", err)
	}

	// The buyer's tokens now sit in the escrow contract; drop both
	// cached balances.
	c.invalidateBalances(source.Address(), c.chain.EscrowContract())
	return ref, nil
}

func (c *Coordinator) invalidateBalances(addrs ...common.Address) {
	if c.balances == nil {
		return
	}
	for _, addr := range addrs {
		c.balances.Invalidate(addr)
	}
}

// Release pays the order's locked funds to the seller, Refund returns
// them to the buyer. Both try synchronously with bounded retries and
// fall back to the outbox, so a transient chain outage delays settlement
// instead of losing it.

func (c *Coordinator) Release(ctx context.Context, orderID, buyer, seller, amount, lockRef string) error {
	return c.settle(ctx, &Task{
		ID:      "stl_" + orderID + "_release",
		OrderID: orderID,
		Outcome: OutcomeRelease,
		Buyer:   buyer,
		Seller:  seller,
		Amount:  amount,
		LockRef: lockRef,
	})
}

func (c *Coordinator) Refund(ctx context.Context, orderID, buyer, seller, amount, lockRef string) error {
	return c.settle(ctx, &Task{
		ID:      "stl_" + orderID + "_refund",
		OrderID: orderID,
		Outcome: OutcomeRefund,
		Buyer:   buyer,
		Seller:  seller,
		Amount:  amount,
		LockRef: lockRef,
	})
}

func (c *Coordinator) settle(ctx context.Context, task *Task) error {
	err := retry.Do(ctx, c.maxAttempts, c.retryBackoff, func() error {
		err := c.ExecuteTask(ctx, task)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrAlreadySettled) || !chain.IsRetryable(err) {
			// Revert-class and guard failures won't improve with time.
			return retry.Permanent(err)
		}
		return err
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAlreadySettled) {
		// Exactly-once already achieved; not a failure.
		return nil
	}

	settlements.WithLabelValues(string(task.Outcome), "queued").Inc()
	task.LastError = err.Error()
	if enqErr := c.outbox.Enqueue(ctx, task); enqErr != nil {
		logging.L(ctx).Error("failed to enqueue settlement task",
			"order_id", task.OrderID,
			"outcome", string(task.Outcome),
			"error", enqErr)
	}
	return err
}

// ExecuteTask performs one settlement attempt under the per-order guard.
// It is idempotent: a task whose order already carries a settlement
// reference returns ErrAlreadySettled without moving funds.
func (c *Coordinator) ExecuteTask(ctx context.Context, task *Task) error {
	if task.LockRef == "" {
		return ErrNoLock
	}

	lock := c.orderLock(task.OrderID)
	lock.Lock()
	defer lock.Unlock()

	// Exactly one of release/refund per order, checked under the lock.
	releaseRef, refundRef, err := c.refs.Refs(ctx, task.OrderID)
	if err != nil {
		return err
	}
	if releaseRef != "" || refundRef != "" {
		return ErrAlreadySettled
	}

	dest := task.Seller
	if task.Outcome == OutcomeRefund {
		dest = task.Buyer
	}

	var ref string
	switch c.mode {
	case ModeCentralized:
		ref, err = c.settleCentralized(ctx, dest, task.Amount)
	case ModeOnChain:
		ref, err = c.settleOnChain(ctx, task.OrderID, dest, task.Outcome)
	}
	if err != nil {
		settlements.WithLabelValues(string(task.Outcome), "error").Inc()
		return err
	}

	if err := c.refs.SetRef(ctx, task.OrderID, task.Outcome, ref); err != nil {
		// Funds moved but the reference write failed. The guard above
		// would let a retry double-settle in centralized mode, so this
		// is the one error that must be surfaced loudly.
		settlements.WithLabelValues(string(task.Outcome), "ref_write_failed").Inc()
		logging.L(ctx).Error("settlement executed but reference not recorded",
			"order_id", task.OrderID,
			"outcome", string(task.Outcome),
			"ref", ref,
			"error", err)
		return retry.Permanent(err)
	}

	settlements.WithLabelValues(string(task.Outcome), "ok").Inc()
	logging.L(ctx).Info("settlement executed",
		"order_id", task.OrderID,
		"outcome", string(task.Outcome),
		"mode", string(c.mode),
		"amount", task.Amount,
		"ref", ref)
	return nil
}

// settleCentralized transfers from the platform custodial account.
func (c *Coordinator) settleCentralized(ctx context.Context, dest, amount string) (string, error) {
	raw, err := money.ParsePositive(amount)
	if err != nil {
		return "", err
	}
	destAddr := common.HexToAddress(dest)

	res, err := c.chain.TransferStable(ctx, c.platformKey, destAddr, raw)
	if err != nil {
		return "", err
	}

	c.invalidateBalances(c.platformAddr, destAddr)
	return res.TxHash, nil
}

// settleOnChain drives the escrow contract with the platform signer,
// the only signer the contract permits to release or refund.
func (c *Coordinator) settleOnChain(ctx context.Context, orderID, dest string, outcome Outcome) (string, error) {
	jobID := chain.JobID(orderID)

	var res *chain.TxResult
	var err error
	if outcome == OutcomeRelease {
		res, err = c.chain.ReleaseJob(ctx, c.platformKey, jobID)
	} else {
		res, err = c.chain.RefundJob(ctx, c.platformKey, jobID)
	}
	if err != nil {
		return "", err
	}

	// The contract paid dest out of its own balance.
	c.invalidateBalances(common.HexToAddress(dest), c.chain.EscrowContract())
	return res.TxHash, nil
}

func jobRef(jobID [32]byte) string {
	return "job:0x" + common.Bytes2Hex(jobID[:])
}
