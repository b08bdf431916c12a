package wallet

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gigmesh/gigmesh/internal/chain"
	"github.com/gigmesh/gigmesh/internal/logging"
	"github.com/gigmesh/gigmesh/internal/money"
	"github.com/gigmesh/gigmesh/internal/relay"
	"github.com/gigmesh/gigmesh/internal/secrets"
)

// Transferable is the capability every funded account exposes. Callers
// obtain one from the service and use it without knowing whether the
// account is key-backed or a custody contract.
type Transferable interface {
	Address() common.Address
	Transfer(ctx context.Context, to common.Address, amount *big.Int) (txHash string, err error)
	Balance(ctx context.Context) (*big.Int, error)
}

// Invoker is the optional capability for arbitrary contract calls from
// an account (the escrow coordinator uses it for approve + createJob).
// Both account kinds implement it.
type Invoker interface {
	Invoke(ctx context.Context, to common.Address, calldata []byte) (txHash string, err error)
}

// ChainClient is the slice of the chain client the wallet needs.
type ChainClient interface {
	StableBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	TransferStable(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (*chain.TxResult, error)
	Invoke(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, calldata []byte) (*chain.TxResult, error)
	PackTransferStable(to common.Address, amount *big.Int) ([]byte, error)
	IsDeployed(ctx context.Context, addr common.Address) (bool, error)
	StableToken() common.Address
}

// RelayClient submits sponsored custody-account calls.
type RelayClient interface {
	Execute(ctx context.Context, req *relay.ExecuteRequest) (*relay.ExecuteResult, error)
}

// Invalidator drops cached balances after transfers. *balance.Cache
// satisfies this.
type Invalidator interface {
	Invalidate(addr common.Address)
}

// Config for the wallet service.
type Config struct {
	AccountFactory      string // CREATE2 factory address
	AccountInitCodeHash string // keccak256 of the custody account init code, hex
	AccountInitCode     string // Full init code forwarded to the relay, hex
}

// Service manages accounts and executes transfers.
type Service struct {
	store    Store
	secrets  *secrets.Store
	chain    ChainClient
	relay    RelayClient
	balances Invalidator

	factory      common.Address
	initCodeHash [32]byte
	initCode     string

	now func() time.Time
}

// New creates the wallet service. relay and balances may be nil when the
// deployment has no relay or no cache.
func New(store Store, sec *secrets.Store, chainClient ChainClient, relayClient RelayClient, balances Invalidator, cfg Config) (*Service, error) {
	s := &Service{
		store:    store,
		secrets:  sec,
		chain:    chainClient,
		relay:    relayClient,
		balances: balances,
		initCode: cfg.AccountInitCode,
		now:      time.Now,
	}
	if cfg.AccountFactory != "" {
		s.factory = common.HexToAddress(cfg.AccountFactory)
	}
	if cfg.AccountInitCodeHash != "" {
		raw, err := hex.DecodeString(trimHexPrefix(cfg.AccountInitCodeHash))
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("wallet: ACCOUNT_INIT_CODE_HASH must be 32 hex bytes")
		}
		copy(s.initCodeHash[:], raw)
	}
	return s, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}

// Register creates a new account of the given kind. A fresh keypair is
// generated and sealed; for custody accounts the address is the CREATE2
// counterfactual address, which can receive funds before deployment.
func (s *Service) Register(ctx context.Context, kind Kind) (*Account, error) {
	if kind != KindSimple && kind != KindCustody {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if kind == KindCustody && s.factory == (common.Address{}) {
		return nil, fmt.Errorf("%w: no account factory configured", ErrInvalidKind)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("wallet: keygen: %w", err)
	}
	owner := crypto.PubkeyToAddress(key.PublicKey)

	sealed, err := s.secrets.Seal(hex.EncodeToString(crypto.FromECDSA(key)))
	if err != nil {
		return nil, fmt.Errorf("wallet: seal key: %w", err)
	}

	addr := owner
	if kind == KindCustody {
		addr = chain.CounterfactualAddress(s.factory, chain.AccountSalt(owner), s.initCodeHash)
	}

	now := s.now().UTC()
	account := &Account{
		Address:      normalizeAddress(addr.Hex()),
		Kind:         kind,
		Owner:        normalizeAddress(owner.Hex()),
		EncryptedKey: sealed,
		Threshold:    1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.Create(ctx, account); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("account registered",
		"address", account.Address,
		"kind", string(kind))
	return account, nil
}

// Get returns the account at address.
func (s *Service) Get(ctx context.Context, address string) (*Account, error) {
	if !common.IsHexAddress(address) {
		return nil, ErrInvalidAddress
	}
	return s.store.Get(ctx, normalizeAddress(address))
}

// Transferable returns the transfer capability for the account at
// address. The account's sealed key is opened here and lives only for
// the life of the returned value.
func (s *Service) Transferable(ctx context.Context, address string) (Transferable, error) {
	account, err := s.Get(ctx, address)
	if err != nil {
		return nil, err
	}

	keyHex, err := s.secrets.Unseal(account.EncryptedKey)
	if err != nil {
		// An account whose key cannot be opened is unrecoverable.
		return nil, fmt.Errorf("wallet: unseal key for %s: %w", account.Address, err)
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("wallet: decode key for %s: %w", account.Address, err)
	}

	switch account.Kind {
	case KindSimple:
		return &simpleAccount{svc: s, key: key, addr: common.HexToAddress(account.Address)}, nil
	case KindCustody:
		return &custodyAccount{svc: s, account: account, ownerKey: key}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, account.Kind)
	}
}

// Withdraw moves amount from the account at `from` to an arbitrary
// destination, checking the balance first.
func (s *Service) Withdraw(ctx context.Context, from, to, amount string) (string, error) {
	if !common.IsHexAddress(to) {
		return "", ErrInvalidAddress
	}
	raw, err := money.ParsePositive(amount)
	if err != nil {
		return "", err
	}

	source, err := s.Transferable(ctx, from)
	if err != nil {
		return "", err
	}

	balance, err := source.Balance(ctx)
	if err != nil {
		return "", err
	}
	if balance.Cmp(raw) < 0 {
		return "", fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, money.Format(balance), amount)
	}

	txHash, err := source.Transfer(ctx, common.HexToAddress(to), raw)
	if err != nil {
		return "", err
	}

	logging.L(ctx).Info("withdrawal executed",
		"from", normalizeAddress(from),
		"to", normalizeAddress(to),
		"amount", amount,
		"tx_hash", txHash)
	return txHash, nil
}

// SignedWithdrawRequest is a human-authorized withdrawal.
type SignedWithdrawRequest struct {
	Account   string
	To        string
	Amount    string
	Timestamp int64
	Message   string
	Signature string
}

// SignedWithdraw verifies a human signature over the canonical withdrawal
// message and executes the withdrawal. The submitted message must match
// the canonical form byte for byte; the timestamp must be within the
// acceptance window; the recovered signer must be the account owner or a
// registered co-signer.
func (s *Service) SignedWithdraw(ctx context.Context, req *SignedWithdrawRequest) (string, error) {
	canonical := WithdrawMessage(req.To, req.Amount, req.Timestamp)
	if req.Message != canonical {
		return "", ErrMessageMismatch
	}

	drift := s.now().Unix() - req.Timestamp
	if drift < -WithdrawalWindow || drift > WithdrawalWindow {
		return "", ErrStaleTimestamp
	}

	signer, err := RecoverAddress(canonical, req.Signature)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	account, err := s.Get(ctx, req.Account)
	if err != nil {
		return "", err
	}
	if signer != account.Owner && !account.IsCoSigner(signer) {
		return "", fmt.Errorf("%w: %s", ErrUnauthorized, signer)
	}

	return s.Withdraw(ctx, req.Account, req.To, req.Amount)
}

// CustodyStatus describes a custody account's deployment state.
type CustodyStatus struct {
	Address   string   `json:"address"`
	Deployed  bool     `json:"deployed"`
	CoSigners []string `json:"co_signers"`
	Threshold int      `json:"threshold"`
}

// Custody returns the live deployment status of a custody account. A
// deployment observed on chain is persisted on the record.
func (s *Service) Custody(ctx context.Context, address string) (*CustodyStatus, error) {
	account, err := s.Get(ctx, address)
	if err != nil {
		return nil, err
	}
	if account.Kind != KindCustody {
		return nil, ErrNotCustody
	}

	deployed := account.Deployed
	if !deployed {
		live, err := s.chain.IsDeployed(ctx, common.HexToAddress(account.Address))
		if err == nil && live {
			deployed = true
			account.Deployed = true
			account.UpdatedAt = s.now().UTC()
			if err := s.store.Update(ctx, account); err != nil {
				logging.L(ctx).Warn("failed to persist deployment flag",
					"address", account.Address,
					"error", err)
			}
		}
	}

	return &CustodyStatus{
		Address:   account.Address,
		Deployed:  deployed,
		CoSigners: account.CoSigners,
		Threshold: account.Threshold,
	}, nil
}

// AddCoSigner registers an additional authorized signer on a deployed
// custody account.
func (s *Service) AddCoSigner(ctx context.Context, address, cosigner string) (*Account, error) {
	if !common.IsHexAddress(cosigner) {
		return nil, ErrInvalidAddress
	}

	account, err := s.Get(ctx, address)
	if err != nil {
		return nil, err
	}
	if account.Kind != KindCustody {
		return nil, ErrNotCustody
	}
	if !account.Deployed {
		// The contract is the source of truth for signers; until it
		// exists there is nothing to extend.
		live, err := s.chain.IsDeployed(ctx, common.HexToAddress(account.Address))
		if err != nil || !live {
			return nil, ErrNotDeployed
		}
		account.Deployed = true
	}

	normalized := normalizeAddress(cosigner)
	if normalized == account.Owner || account.IsCoSigner(normalized) {
		return nil, ErrCoSignerExists
	}

	account.CoSigners = append(account.CoSigners, normalized)
	account.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, account); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("co-signer added",
		"address", account.Address,
		"cosigner", normalized)
	return account, nil
}

// invalidateBalances drops cached balances for both transfer parties.
func (s *Service) invalidateBalances(from, to common.Address) {
	if s.balances == nil {
		return
	}
	s.balances.Invalidate(from)
	s.balances.Invalidate(to)
}

// -----------------------------------------------------------------------------
// Simple accounts
// -----------------------------------------------------------------------------

// simpleAccount signs its own ERC-20 transfers.
type simpleAccount struct {
	svc  *Service
	key  *ecdsa.PrivateKey
	addr common.Address
}

func (a *simpleAccount) Address() common.Address {
	return a.addr
}

func (a *simpleAccount) Balance(ctx context.Context) (*big.Int, error) {
	return a.svc.chain.StableBalance(ctx, a.addr)
}

func (a *simpleAccount) Transfer(ctx context.Context, to common.Address, amount *big.Int) (string, error) {
	res, err := a.svc.chain.TransferStable(ctx, a.key, to, amount)
	if err != nil {
		return "", err
	}
	a.svc.invalidateBalances(a.addr, to)
	return res.TxHash, nil
}

func (a *simpleAccount) Invoke(ctx context.Context, to common.Address, calldata []byte) (string, error) {
	res, err := a.svc.chain.Invoke(ctx, a.key, to, calldata)
	if err != nil {
		return "", err
	}
	return res.TxHash, nil
}

// -----------------------------------------------------------------------------
// Custody contract accounts
// -----------------------------------------------------------------------------

// custodyAccount routes transfers through the relay. The account
// contract is deployed lazily: until the first outbound transfer the
// address exists only counterfactually and can still receive funds.
type custodyAccount struct {
	svc      *Service
	account  *Account
	ownerKey *ecdsa.PrivateKey
}

func (a *custodyAccount) Address() common.Address {
	return common.HexToAddress(a.account.Address)
}

func (a *custodyAccount) Balance(ctx context.Context) (*big.Int, error) {
	return a.svc.chain.StableBalance(ctx, a.Address())
}

func (a *custodyAccount) Transfer(ctx context.Context, to common.Address, amount *big.Int) (string, error) {
	calldata, err := a.svc.chain.PackTransferStable(to, amount)
	if err != nil {
		return "", err
	}

	txHash, err := a.Invoke(ctx, a.svc.chain.StableToken(), calldata)
	if err != nil {
		return "", err
	}

	a.svc.invalidateBalances(a.Address(), to)
	return txHash, nil
}

// Invoke relays an arbitrary call from the custody account.
func (a *custodyAccount) Invoke(ctx context.Context, to common.Address, calldata []byte) (string, error) {
	if a.svc.relay == nil {
		return "", relay.ErrNotConfigured
	}

	// Owner signature over the call the contract will verify
	digest := callDigest(a.Address(), to, calldata)
	sig, err := crypto.Sign(digest, a.ownerKey)
	if err != nil {
		return "", fmt.Errorf("wallet: sign relay call: %w", err)
	}

	req := &relay.ExecuteRequest{
		Account:    a.account.Address,
		To:         to.Hex(),
		Data:       "0x" + hex.EncodeToString(calldata),
		Signatures: []string{"0x" + hex.EncodeToString(sig)},
	}
	if !a.account.Deployed {
		req.InitCode = a.svc.initCode
	}

	res, err := a.svc.relay.Execute(ctx, req)
	if err != nil {
		return "", err
	}

	if res.Deployed && !a.account.Deployed {
		a.account.Deployed = true
		a.account.UpdatedAt = a.svc.now().UTC()
		if err := a.svc.store.Update(ctx, a.account); err != nil {
			logging.L(ctx).Warn("failed to persist deployment flag",
				"address", a.account.Address,
				"error", err)
		}
	}

	return res.TxHash, nil
}

// callDigest is the EIP-191 hash the custody contract checks owner
// signatures against: account ++ target ++ calldata.
func callDigest(account, target common.Address, calldata []byte) []byte {
	payload := make([]byte, 0, 40+len(calldata))
	payload = append(payload, account.Bytes()...)
	payload = append(payload, target.Bytes()...)
	payload = append(payload, calldata...)
	return HashMessage(hex.EncodeToString(crypto.Keccak256(payload)))
}
