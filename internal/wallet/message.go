package wallet

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// WithdrawalWindow is how far a signed withdrawal's timestamp may drift
// from server time, in either direction.
const WithdrawalWindow = 300 // seconds

// WithdrawMessage builds the canonical message a human signs to authorize
// a withdrawal. The destination is lowercased so wallet checksum casing
// cannot produce a different message.
// Format: "Gigmesh|withdraw|{to}|{amount}|{timestamp}"
func WithdrawMessage(to string, amount string, timestamp int64) string {
	return fmt.Sprintf("Gigmesh|withdraw|%s|%s|%d",
		strings.ToLower(to),
		amount,
		timestamp,
	)
}

// HashMessage creates an Ethereum signed message hash
// This prefixes the message with "\x19Ethereum Signed Message:\n{len}" as per EIP-191
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// RecoverAddress recovers the signer's address from a message and signature
// signature should be hex-encoded, 65 bytes (r[32] + s[32] + v[1])
func RecoverAddress(message string, signatureHex string) (string, error) {
	sigHex := strings.TrimPrefix(signatureHex, "0x")

	signature, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}

	if len(signature) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}

	// Ethereum signatures have v = 27 or 28, but Ecrecover expects 0 or 1
	if signature[64] >= 27 {
		sig := make([]byte, 65)
		copy(sig, signature)
		sig[64] -= 27
		signature = sig
	}

	messageHash := HashMessage(message)

	pubKeyBytes, err := crypto.Ecrecover(messageHash, signature)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}

	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return "", fmt.Errorf("failed to unmarshal public key: %w", err)
	}

	return strings.ToLower(crypto.PubkeyToAddress(*pubKey).Hex()), nil
}

// normalizeAddress lowercases an address for storage and comparison.
func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
