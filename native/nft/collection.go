package nft

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"nftbridge/storage"
)

var (
	errNilStore = errors.New("nft: store not configured")

	// ErrUnknownToken is returned when a token id has never been minted.
	ErrUnknownToken = errors.New("nft: unknown token id")
	// ErrIncorrectOwner is returned when a transfer names a from address that
	// does not hold the token.
	ErrIncorrectOwner = errors.New("nft: transfer from incorrect owner")
	// ErrNotAuthorized is returned when the transfer operator is neither the
	// owner nor approved for the token.
	ErrNotAuthorized = errors.New("nft: caller is not token owner or approved")
	// ErrAlreadyMinted is returned when minting an existing token id.
	ErrAlreadyMinted = errors.New("nft: token id already minted")
)

// Collection is a key-value backed non-fungible token contract with ERC-721
// ownership, approval and transfer semantics. One Collection instance exists
// per registered token address on a domain.
type Collection struct {
	addr [20]byte
	db   storage.Database
}

// NewCollection binds a collection at the given address to the store.
func NewCollection(addr [20]byte, db storage.Database) *Collection {
	return &Collection{addr: addr, db: db}
}

// Address returns the collection's token contract address.
func (c *Collection) Address() [20]byte { return c.addr }

func (c *Collection) key(kind string, suffix string) []byte {
	return []byte("nft/" + hex.EncodeToString(c.addr[:]) + "/" + kind + "/" + suffix)
}

func (c *Collection) tokenKey(tokenID *big.Int) []byte {
	return c.key("token", tokenID.Text(16))
}

func (c *Collection) approvalKey(tokenID *big.Int) []byte {
	return c.key("approval", tokenID.Text(16))
}

func (c *Collection) operatorKey(owner, operator [20]byte) []byte {
	return c.key("operator", hex.EncodeToString(owner[:])+"/"+hex.EncodeToString(operator[:]))
}

// Mint assigns a fresh token id to the given owner.
func (c *Collection) Mint(to [20]byte, tokenID *big.Int) error {
	if c == nil || c.db == nil {
		return errNilStore
	}
	if tokenID == nil || tokenID.Sign() < 0 {
		return fmt.Errorf("nft: invalid token id")
	}
	ok, err := c.db.Has(c.tokenKey(tokenID))
	if err != nil {
		return err
	}
	if ok {
		return ErrAlreadyMinted
	}
	return c.db.Put(c.tokenKey(tokenID), to[:])
}

// OwnerOf returns the current owner of the token id.
func (c *Collection) OwnerOf(tokenID *big.Int) ([20]byte, error) {
	var owner [20]byte
	if c == nil || c.db == nil {
		return owner, errNilStore
	}
	if tokenID == nil || tokenID.Sign() < 0 {
		return owner, fmt.Errorf("nft: invalid token id")
	}
	raw, err := c.db.Get(c.tokenKey(tokenID))
	if err != nil {
		if storage.IsNotFound(err) {
			return owner, ErrUnknownToken
		}
		return owner, err
	}
	if len(raw) != len(owner) {
		return owner, fmt.Errorf("nft: corrupt owner record for token %s", tokenID)
	}
	copy(owner[:], raw)
	return owner, nil
}

// Approve grants the operator transfer rights over a single token id. Only the
// current owner may approve.
func (c *Collection) Approve(owner, operator [20]byte, tokenID *big.Int) error {
	current, err := c.OwnerOf(tokenID)
	if err != nil {
		return err
	}
	if current != owner {
		return ErrNotAuthorized
	}
	return c.db.Put(c.approvalKey(tokenID), operator[:])
}

// GetApproved returns the single-token approval, or the zero address when none
// is set.
func (c *Collection) GetApproved(tokenID *big.Int) ([20]byte, error) {
	var operator [20]byte
	if c == nil || c.db == nil {
		return operator, errNilStore
	}
	raw, err := c.db.Get(c.approvalKey(tokenID))
	if err != nil {
		if storage.IsNotFound(err) {
			return operator, nil
		}
		return operator, err
	}
	copy(operator[:], raw)
	return operator, nil
}

// SetApprovalForAll grants or revokes operator rights over every token the
// owner holds in this collection.
func (c *Collection) SetApprovalForAll(owner, operator [20]byte, approved bool) error {
	if c == nil || c.db == nil {
		return errNilStore
	}
	if approved {
		return c.db.Put(c.operatorKey(owner, operator), []byte{1})
	}
	return c.db.Delete(c.operatorKey(owner, operator))
}

// IsApprovedForAll reports whether the operator holds a blanket approval from
// the owner.
func (c *Collection) IsApprovedForAll(owner, operator [20]byte) (bool, error) {
	if c == nil || c.db == nil {
		return false, errNilStore
	}
	return c.db.Has(c.operatorKey(owner, operator))
}

// TransferFrom moves the token from its owner to the recipient. The operator
// must be the owner, the approved operator for the token, or hold a blanket
// approval; from must be the true current owner. A successful transfer clears
// the per-token approval.
func (c *Collection) TransferFrom(operator, from, to [20]byte, tokenID *big.Int) error {
	owner, err := c.OwnerOf(tokenID)
	if err != nil {
		return err
	}
	if owner != from {
		return ErrIncorrectOwner
	}
	if operator != owner {
		approved, err := c.GetApproved(tokenID)
		if err != nil {
			return err
		}
		if approved != operator {
			blanket, err := c.IsApprovedForAll(owner, operator)
			if err != nil {
				return err
			}
			if !blanket {
				return ErrNotAuthorized
			}
		}
	}
	if err := c.db.Delete(c.approvalKey(tokenID)); err != nil {
		return err
	}
	return c.db.Put(c.tokenKey(tokenID), to[:])
}
