package bridge

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// EscrowKey identifies one logical bridged token on a single domain's ledger.
// The triple is per-bridge-instance; the counterpart instance keys the same
// logical token with local and remote swapped.
type EscrowKey struct {
	LocalToken  [20]byte
	RemoteToken [20]byte
	TokenID     *big.Int
}

// EscrowRecord is the ledger entry stored for an escrow key. Escrowed is the
// protocol flag; the remaining fields are audit metadata surfaced by the
// gateway listing and never consulted by the protocol checks.
type EscrowRecord struct {
	LocalToken  [20]byte
	RemoteToken [20]byte
	TokenID     *big.Int
	Escrowed    bool
	Initiator   [20]byte
	Recipient   [20]byte
	ExtraData   []byte
	CreatedAt   int64
}

// Clone returns a deep copy so callers can mutate the copy without affecting
// the stored instance.
func (r *EscrowRecord) Clone() *EscrowRecord {
	if r == nil {
		return nil
	}
	clone := *r
	if r.TokenID != nil {
		clone.TokenID = new(big.Int).Set(r.TokenID)
	} else {
		clone.TokenID = big.NewInt(0)
	}
	clone.ExtraData = append([]byte(nil), r.ExtraData...)
	return &clone
}

// Key returns the escrow key the record is stored under.
func (r *EscrowRecord) Key() EscrowKey {
	if r == nil {
		return EscrowKey{}
	}
	return EscrowKey{LocalToken: r.LocalToken, RemoteToken: r.RemoteToken, TokenID: r.TokenID}
}

// SanitizeKey validates an escrow key, returning a copy with a non-nil,
// non-negative token identifier.
func SanitizeKey(key EscrowKey) (EscrowKey, error) {
	if key.TokenID == nil {
		return EscrowKey{}, fmt.Errorf("bridge: token id required")
	}
	if key.TokenID.Sign() < 0 {
		return EscrowKey{}, fmt.Errorf("bridge: token id must be non-negative")
	}
	key.TokenID = new(big.Int).Set(key.TokenID)
	return key, nil
}

// AddressHex renders an address as a 0x-prefixed lowercase hex string.
func AddressHex(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

// ParseAddress decodes a 20-byte address from its hex representation, with or
// without the 0x prefix.
func ParseAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("bridge: invalid address %q: %w", raw, err)
	}
	if len(decoded) != len(addr) {
		return addr, fmt.Errorf("bridge: invalid address length %d", len(decoded))
	}
	copy(addr[:], decoded)
	return addr, nil
}
