package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// jobIDDomain namespaces escrow job ids so they can never collide with
// ids derived by other consumers of the same contract.
const jobIDDomain = "gigmesh.job."

// JobState mirrors the escrow contract's job lifecycle.
type JobState uint8

const (
	JobStateNone JobState = iota
	JobStateFunded
	JobStateReleased
	JobStateRefunded
)

// Job is the on-chain escrow record for one order.
type Job struct {
	ID     [32]byte
	Buyer  common.Address
	Seller common.Address
	Amount *big.Int
	State  JobState
}

// JobID derives the deterministic escrow job id for an order. Retried
// creations produce the same id, so the contract's duplicate check makes
// job creation idempotent.
func JobID(orderID string) [32]byte {
	var id [32]byte
	copy(id[:], crypto.Keccak256([]byte(jobIDDomain+orderID)))
	return id
}

// PackCreateJob returns the createJob calldata for submission through an
// account's own signer (directly or via the relay).
func (c *Client) PackCreateJob(jobID [32]byte, seller common.Address, amount *big.Int) ([]byte, error) {
	data, err := c.escrowABI.Pack("createJob", jobID, seller, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack createJob call: %w", err)
	}
	return data, nil
}

// PackApproveStable returns the ERC-20 approve calldata.
func (c *Client) PackApproveStable(spender common.Address, amount *big.Int) ([]byte, error) {
	data, err := c.erc20.Pack("approve", spender, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack approve call: %w", err)
	}
	return data, nil
}

// CreateJob funds a new escrow job. The caller must have approved the
// escrow contract for amount beforehand. Returns ErrJobExists when the
// contract rejects a duplicate id.
func (c *Client) CreateJob(ctx context.Context, key *ecdsa.PrivateKey, jobID [32]byte, seller common.Address, amount *big.Int) (*TxResult, error) {
	data, err := c.escrowABI.Pack("createJob", jobID, seller, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack createJob call: %w", err)
	}
	res, err := c.sendTx(ctx, "create_job", key, c.escrow, data)
	if err != nil {
		if IsJobExists(err) {
			return nil, ErrJobExists
		}
		return nil, err
	}
	return res, nil
}

// ReleaseJob pays the job's funds out to the seller.
func (c *Client) ReleaseJob(ctx context.Context, key *ecdsa.PrivateKey, jobID [32]byte) (*TxResult, error) {
	data, err := c.escrowABI.Pack("releaseJob", jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to pack releaseJob call: %w", err)
	}
	return c.sendTx(ctx, "release_job", key, c.escrow, data)
}

// RefundJob returns the job's funds to the buyer.
func (c *Client) RefundJob(ctx context.Context, key *ecdsa.PrivateKey, jobID [32]byte) (*TxResult, error) {
	data, err := c.escrowABI.Pack("refundJob", jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to pack refundJob call: %w", err)
	}
	return c.sendTx(ctx, "refund_job", key, c.escrow, data)
}

// GetJob reads the escrow record for jobID.
func (c *Client) GetJob(ctx context.Context, jobID [32]byte) (*Job, error) {
	data, err := c.escrowABI.Pack("getJob", jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to pack getJob call: %w", err)
	}

	var raw []byte
	err = c.call(ctx, "get_job", func(ctx context.Context) error {
		var err error
		raw, err = c.client.CallContract(ctx, ethereum.CallMsg{
			To:   &c.escrow,
			Data: data,
		}, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	out, err := c.escrowABI.Unpack("getJob", raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack getJob result: %w", err)
	}
	if len(out) != 4 {
		return nil, fmt.Errorf("unexpected getJob result arity %d", len(out))
	}

	job := &Job{
		ID:     jobID,
		Buyer:  out[0].(common.Address),
		Seller: out[1].(common.Address),
		Amount: out[2].(*big.Int),
		State:  JobState(out[3].(uint8)),
	}
	if job.State == JobStateNone {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// IsJobExists reports whether err is the escrow contract's duplicate-job
// rejection, either the ErrJobExists sentinel or a raw revert reason as
// surfaced by an RPC node or the bundler relay.
func IsJobExists(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrJobExists) {
		return true
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Retryable {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "job exists") || strings.Contains(msg, "already exists")
}
