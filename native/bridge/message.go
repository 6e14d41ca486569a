package bridge

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
)

// FinalizeMessage is the payload the initiating bridge hands to its Messenger
// for delivery to the counterpart. Local and remote are expressed from the
// receiving domain's point of view: the initiator encodes its remote token as
// LocalToken before sending.
type FinalizeMessage struct {
	LocalToken  [20]byte
	RemoteToken [20]byte
	From        [20]byte
	To          [20]byte
	TokenID     *big.Int
	ExtraData   []byte
}

// Key returns the escrow key the message addresses on the receiving domain.
func (m *FinalizeMessage) Key() EscrowKey {
	if m == nil {
		return EscrowKey{}
	}
	return EscrowKey{LocalToken: m.LocalToken, RemoteToken: m.RemoteToken, TokenID: m.TokenID}
}

// EncodeFinalizeMessage serialises the message for relay transport.
func EncodeFinalizeMessage(msg *FinalizeMessage) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("bridge: nil finalize message")
	}
	if msg.TokenID == nil || msg.TokenID.Sign() < 0 {
		return nil, fmt.Errorf("bridge: finalize message requires a non-negative token id")
	}
	return rlp.EncodeToBytes(msg)
}

// DecodeFinalizeMessage deserialises a relayed payload.
func DecodeFinalizeMessage(raw []byte) (*FinalizeMessage, error) {
	msg := new(FinalizeMessage)
	if err := rlp.DecodeBytes(raw, msg); err != nil {
		return nil, fmt.Errorf("bridge: decode finalize message: %w", err)
	}
	if msg.TokenID == nil {
		msg.TokenID = big.NewInt(0)
	}
	return msg, nil
}
