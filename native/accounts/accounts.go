package accounts

import (
	"encoding/hex"
	"errors"

	"nftbridge/storage"
)

var errNilStore = errors.New("accounts: store not configured")

var codeFlagPrefix = []byte("accounts/code/")

// Registry tracks which local addresses are contract accounts. The bridge's
// self-recipient entry point consults it to reject calls that did not
// originate from an externally initiated account.
type Registry struct {
	db storage.Database
}

// NewRegistry creates a registry over the given store.
func NewRegistry(db storage.Database) *Registry {
	return &Registry{db: db}
}

func codeFlagKey(addr [20]byte) []byte {
	buf := make([]byte, 0, len(codeFlagPrefix)+hex.EncodedLen(len(addr)))
	buf = append(buf, codeFlagPrefix...)
	buf = append(buf, hex.EncodeToString(addr[:])...)
	return buf
}

// MarkContract records an address as carrying executable code.
func (r *Registry) MarkContract(addr [20]byte) error {
	if r == nil || r.db == nil {
		return errNilStore
	}
	return r.db.Put(codeFlagKey(addr), []byte{1})
}

// HasCode reports whether the address is a known contract account. Addresses
// never marked are treated as externally initiated.
func (r *Registry) HasCode(addr [20]byte) (bool, error) {
	if r == nil || r.db == nil {
		return false, errNilStore
	}
	return r.db.Has(codeFlagKey(addr))
}
