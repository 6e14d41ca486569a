package bridge

import (
	"encoding/hex"

	"nftbridge/core/types"
)

const (
	// EventTypeInitiated is emitted when a token is escrowed locally and a
	// finalize request is handed to the messenger.
	EventTypeInitiated = "nftbridge.initiated"
	// EventTypeFinalized is emitted when a relayed finalize releases a token
	// to its recipient.
	EventTypeFinalized = "nftbridge.finalized"
)

// NewInitiatedEvent returns the canonical event payload for a successful
// initiate call.
func NewInitiatedEvent(localToken, remoteToken, from, to [20]byte, key EscrowKey, extraData []byte) *types.Event {
	return newTransferEvent(EventTypeInitiated, localToken, remoteToken, from, to, key, extraData)
}

// NewFinalizedEvent returns the canonical event payload for a successful
// finalize call.
func NewFinalizedEvent(localToken, remoteToken, from, to [20]byte, key EscrowKey, extraData []byte) *types.Event {
	return newTransferEvent(EventTypeFinalized, localToken, remoteToken, from, to, key, extraData)
}

func newTransferEvent(eventType string, localToken, remoteToken, from, to [20]byte, key EscrowKey, extraData []byte) *types.Event {
	attrs := map[string]string{
		"localToken":  AddressHex(localToken),
		"remoteToken": AddressHex(remoteToken),
		"from":        AddressHex(from),
		"to":          AddressHex(to),
	}
	if key.TokenID != nil {
		attrs["tokenId"] = key.TokenID.String()
	}
	if len(extraData) > 0 {
		attrs["extraData"] = "0x" + hex.EncodeToString(extraData)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
