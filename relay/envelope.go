package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"nftbridge/native/bridge"
)

// ErrBadSignature is returned when an inbound envelope fails HMAC
// verification.
var ErrBadSignature = errors.New("relay: envelope signature mismatch")

// Envelope is the transport frame for one relayed finalize call. Sender is the
// originating bridge address the receiving messenger will attest as the
// cross-domain sender, so its integrity is covered by the signature along with
// everything else.
type Envelope struct {
	ID          string `json:"id"`
	Sender      string `json:"sender"`
	Target      string `json:"target"`
	Payload     string `json:"payload"`
	MinGasLimit uint32 `json:"minGasLimit"`
	Signature   string `json:"signature"`
}

func envelopeDigest(id string, sender, target [20]byte, payload []byte, minGasLimit uint32) []byte {
	var gas [4]byte
	binary.BigEndian.PutUint32(gas[:], minGasLimit)
	return ethcrypto.Keccak256([]byte(id), sender[:], target[:], payload, gas[:])
}

func signDigest(secret, digest []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(digest)
	return hex.EncodeToString(mac.Sum(nil))
}

// Seal constructs a signed envelope for the given delivery.
func Seal(secret []byte, id string, sender, target [20]byte, payload []byte, minGasLimit uint32) *Envelope {
	digest := envelopeDigest(id, sender, target, payload, minGasLimit)
	return &Envelope{
		ID:          strings.TrimSpace(id),
		Sender:      bridge.AddressHex(sender),
		Target:      bridge.AddressHex(target),
		Payload:     hex.EncodeToString(payload),
		MinGasLimit: minGasLimit,
		Signature:   signDigest(secret, digest),
	}
}

// Open verifies the envelope signature and returns the decoded sender, target
// and payload.
func Open(secret []byte, env *Envelope) (sender, target [20]byte, payload []byte, err error) {
	if env == nil {
		return sender, target, nil, fmt.Errorf("relay: nil envelope")
	}
	if strings.TrimSpace(env.ID) == "" {
		return sender, target, nil, fmt.Errorf("relay: envelope id required")
	}
	sender, err = bridge.ParseAddress(env.Sender)
	if err != nil {
		return sender, target, nil, err
	}
	target, err = bridge.ParseAddress(env.Target)
	if err != nil {
		return sender, target, nil, err
	}
	payload, err = hex.DecodeString(strings.TrimPrefix(env.Payload, "0x"))
	if err != nil {
		return sender, target, nil, fmt.Errorf("relay: decode payload: %w", err)
	}
	digest := envelopeDigest(env.ID, sender, target, payload, env.MinGasLimit)
	expected := signDigest(secret, digest)
	if !hmac.Equal([]byte(expected), []byte(strings.TrimSpace(env.Signature))) {
		return sender, target, nil, ErrBadSignature
	}
	return sender, target, payload, nil
}
