package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// accountSaltDomain namespaces CREATE2 salts for custody contract accounts.
const accountSaltDomain = "gigmesh.account."

// AccountSalt derives the deterministic CREATE2 salt for a custody account
// owned by owner. The owner address is lowercased first so checksummed and
// plain hex spellings yield the same account.
func AccountSalt(owner common.Address) [32]byte {
	var salt [32]byte
	copy(salt[:], crypto.Keccak256([]byte(accountSaltDomain+strings.ToLower(owner.Hex()))))
	return salt
}

// CounterfactualAddress computes the CREATE2 address a custody account will
// occupy once deployed:
//
//	keccak256(0xff ++ factory ++ salt ++ initCodeHash)[12:]
//
// The address is valid before deployment, so accounts can receive funds
// while the contract itself is deployed lazily on first outbound transfer.
func CounterfactualAddress(factory common.Address, salt [32]byte, initCodeHash [32]byte) common.Address {
	return crypto.CreateAddress2(factory, salt, initCodeHash[:])
}
