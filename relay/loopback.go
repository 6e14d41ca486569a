package relay

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"nftbridge/native/bridge"
)

// ErrNoExecutingMessage is returned by CrossDomainSender outside of a relayed
// delivery.
var ErrNoExecutingMessage = errors.New("relay: no cross-domain message is executing")

// FinalizeHandler receives relayed finalize calls. The bridge engine satisfies
// it.
type FinalizeHandler interface {
	Finalize(caller [20]byte, msg *bridge.FinalizeMessage) error
}

// Delivery records the outcome of one loopback relay leg.
type Delivery struct {
	ID          string
	Target      [20]byte
	MinGasLimit uint32
	Err         error
}

// LoopbackEndpoint is one half of an in-process messenger pair. Each endpoint
// plays the messenger role for its own domain: the engine sends through it,
// and relayed calls from the peer arrive through it with the cross-domain
// sender attested for the duration of the call.
type LoopbackEndpoint struct {
	mu         sync.Mutex
	addr       [20]byte
	bridgeAddr [20]byte
	handler    FinalizeHandler
	peer       *LoopbackEndpoint
	xSender    [20]byte
	xActive    bool
	deliveries []Delivery
}

// NewLoopback creates a connected pair of endpoints. Each side must be bound
// before use.
func NewLoopback() (*LoopbackEndpoint, *LoopbackEndpoint) {
	a := &LoopbackEndpoint{}
	b := &LoopbackEndpoint{}
	a.peer = b
	b.peer = a
	return a, b
}

// Bind attaches the endpoint to its domain: the messenger's own address, the
// local bridge whose sends it will attest to the peer, and the handler
// receiving inbound deliveries.
func (e *LoopbackEndpoint) Bind(messengerAddr, bridgeAddr [20]byte, handler FinalizeHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.addr = messengerAddr
	e.bridgeAddr = bridgeAddr
	e.handler = handler
}

// Address returns the messenger address the endpoint was bound with.
func (e *LoopbackEndpoint) Address() [20]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addr
}

// Send relays the payload to the peer domain synchronously. Delivery failures
// do not fail the send; the initiating leg has already committed, and the
// outcome is recorded for inspection via Deliveries.
func (e *LoopbackEndpoint) Send(target [20]byte, payload []byte, minGasLimit uint32) error {
	e.mu.Lock()
	peer := e.peer
	sender := e.bridgeAddr
	e.mu.Unlock()
	if peer == nil {
		return fmt.Errorf("relay: loopback endpoint not paired")
	}
	err := peer.deliver(sender, target, payload)
	e.mu.Lock()
	e.deliveries = append(e.deliveries, Delivery{ID: uuid.New().String(), Target: target, MinGasLimit: minGasLimit, Err: err})
	e.mu.Unlock()
	return nil
}

func (e *LoopbackEndpoint) deliver(sender, target [20]byte, payload []byte) error {
	e.mu.Lock()
	handler := e.handler
	addr := e.addr
	bridgeAddr := e.bridgeAddr
	e.mu.Unlock()
	if handler == nil {
		return fmt.Errorf("relay: loopback endpoint not bound")
	}
	if target != bridgeAddr {
		return fmt.Errorf("relay: no handler at target %s", bridge.AddressHex(target))
	}
	msg, err := bridge.DecodeFinalizeMessage(payload)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.xSender = sender
	e.xActive = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.xActive = false
		e.xSender = [20]byte{}
		e.mu.Unlock()
	}()
	return handler.Finalize(addr, msg)
}

// CrossDomainSender reports the originating bridge of the message currently
// being executed.
func (e *LoopbackEndpoint) CrossDomainSender() ([20]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.xActive {
		return [20]byte{}, ErrNoExecutingMessage
	}
	return e.xSender, nil
}

// Deliveries returns a copy of the recorded delivery outcomes.
func (e *LoopbackEndpoint) Deliveries() []Delivery {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Delivery(nil), e.deliveries...)
}

var _ bridge.Messenger = (*LoopbackEndpoint)(nil)
