package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrTxFailed          = errors.New("chain: transaction failed")
	ErrTimeout           = errors.New("chain: operation timed out")
	ErrJobExists         = errors.New("chain: escrow job already exists")
	ErrJobNotFound       = errors.New("chain: escrow job not found")
)

// RPCError wraps a failed RPC call and classifies it for retry handling.
// Retryable errors (rate limits, timeouts, transport faults) may succeed
// on a later attempt; everything else (reverts, bad calldata) is fatal
// and must not be retried.
type RPCError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *RPCError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("chain: %s failed (%s): %v", e.Op, kind, e.Err)
}

func (e *RPCError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient RPC failure.
func IsRetryable(err error) bool {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Retryable
	}
	return false
}

// IsRateLimited reports whether err looks like a provider rate limit.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests")
}

// wrapRPC classifies err and wraps it with the operation name.
func wrapRPC(op string, err error) error {
	return &RPCError{Op: op, Retryable: retryable(err), Err: err}
}

// retryable decides whether an RPC error is worth retrying. Reverts carry
// the contract's decision and never are; transport-level faults are.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "execution reverted") || strings.Contains(msg, "invalid opcode") {
		return false
	}
	if IsRateLimited(err) {
		return true
	}
	for _, s := range []string{"timeout", "timed out", "connection refused", "connection reset", "temporarily unavailable", "eof", "502", "503"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
