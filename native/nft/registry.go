package nft

import (
	"fmt"
	"sync"

	"nftbridge/native/bridge"
	"nftbridge/storage"
)

// Registry resolves token contract addresses to their collection handles. It
// satisfies the bridge engine's TokenResolver contract; lookups of the zero
// address or of an unregistered address fail with a generic error.
type Registry struct {
	mu          sync.RWMutex
	db          storage.Database
	collections map[[20]byte]*Collection
}

// NewRegistry creates an empty registry over the given store.
func NewRegistry(db storage.Database) *Registry {
	return &Registry{db: db, collections: make(map[[20]byte]*Collection)}
}

// Register creates (or returns) the collection bound at addr.
func (r *Registry) Register(addr [20]byte) (*Collection, error) {
	if r == nil || r.db == nil {
		return nil, errNilStore
	}
	if addr == ([20]byte{}) {
		return nil, fmt.Errorf("nft: collection address required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.collections[addr]; ok {
		return existing, nil
	}
	collection := NewCollection(addr, r.db)
	r.collections[addr] = collection
	return collection, nil
}

// Collection resolves a registered collection by address.
func (r *Registry) Collection(addr [20]byte) (bridge.NonFungibleToken, error) {
	if r == nil {
		return nil, errNilStore
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	collection, ok := r.collections[addr]
	if !ok {
		return nil, fmt.Errorf("nft: unknown collection %s", bridge.AddressHex(addr))
	}
	return collection, nil
}

var _ bridge.NonFungibleToken = (*Collection)(nil)
