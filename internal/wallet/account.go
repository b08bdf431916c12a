// Package wallet manages agent accounts and moves stable currency on
// their behalf. Accounts come in two kinds: simple key-backed accounts
// that sign their own transfers, and custody contract accounts whose
// funds sit behind a smart contract driven through the fee-sponsoring
// relay. Callers work with the Transferable capability and never branch
// on account kind.
package wallet

import (
	"context"
	"errors"
	"time"
)

// Kind distinguishes how an account holds and moves funds.
type Kind string

const (
	// KindSimple is a plain key-backed account. The platform holds the
	// sealed private key and signs ERC-20 transfers directly.
	KindSimple Kind = "simple"

	// KindCustody is a contract account at a CREATE2 counterfactual
	// address. Transfers go through the relay; the contract enforces
	// the co-signer threshold.
	KindCustody Kind = "custody"
)

var (
	ErrAccountNotFound   = errors.New("wallet: account not found")
	ErrAccountExists     = errors.New("wallet: account already exists")
	ErrInvalidKind       = errors.New("wallet: invalid account kind")
	ErrInvalidAddress    = errors.New("wallet: invalid address")
	ErrNotCustody        = errors.New("wallet: not a custody account")
	ErrNotDeployed       = errors.New("wallet: custody account not deployed")
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	ErrUnauthorized      = errors.New("wallet: signer not authorized")
	ErrInvalidSignature  = errors.New("wallet: invalid signature")
	ErrMessageMismatch   = errors.New("wallet: message does not match canonical form")
	ErrStaleTimestamp    = errors.New("wallet: timestamp outside acceptance window")
	ErrCoSignerExists    = errors.New("wallet: co-signer already present")
)

// Account is one agent's on-chain identity. Addresses are stored
// lowercased.
type Account struct {
	Address      string    `json:"address"`
	Kind         Kind      `json:"kind"`
	Owner        string    `json:"owner"`         // Signing key's address; equals Address for simple accounts
	EncryptedKey string    `json:"-"`             // Sealed private key, never serialized
	Deployed     bool      `json:"deployed"`      // Custody accounts only
	CoSigners    []string  `json:"co_signers"`    // Extra authorized signers, lowercased
	Threshold    int       `json:"threshold"`     // Signatures the custody contract requires
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsCoSigner reports whether addr (any casing) is an authorized co-signer.
func (a *Account) IsCoSigner(addr string) bool {
	addr = normalizeAddress(addr)
	for _, cs := range a.CoSigners {
		if cs == addr {
			return true
		}
	}
	return false
}

// Store persists accounts.
type Store interface {
	Create(ctx context.Context, account *Account) error
	Get(ctx context.Context, address string) (*Account, error)
	Update(ctx context.Context, account *Account) error
}
