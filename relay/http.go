package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"nftbridge/native/bridge"
)

const deliverResponseLimit = 1 << 16 // 64 KiB

// HTTPMessenger relays finalize calls between two bridged daemons over HTTP.
// The outbound side POSTs signed envelopes to the counterpart gateway; the
// inbound side verifies envelopes handed over by its own gateway and executes
// them against the local engine with the cross-domain sender attested.
//
// Envelope signatures authenticate the transport hop only. Safety against
// replayed deliveries rests entirely on the engine's not-escrowed check, per
// the protocol's at-most-once-effectively assumption.
type HTTPMessenger struct {
	mu         sync.Mutex
	addr       [20]byte
	bridgeAddr [20]byte
	secret     []byte
	endpoint   string
	client     *http.Client
	handler    FinalizeHandler
	log        *slog.Logger
	xSender    [20]byte
	xActive    bool
	deliveries []Delivery
}

// NewHTTPMessenger constructs a messenger for one domain. endpoint is the
// counterpart gateway's relay URL; secret is the shared HMAC key for the
// channel.
func NewHTTPMessenger(messengerAddr, bridgeAddr [20]byte, endpoint string, secret []byte, logger *slog.Logger) *HTTPMessenger {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPMessenger{
		addr:       messengerAddr,
		bridgeAddr: bridgeAddr,
		secret:     append([]byte(nil), secret...),
		endpoint:   strings.TrimSpace(endpoint),
		client:     &http.Client{Timeout: 15 * time.Second},
		log:        logger,
	}
}

// SetHandler attaches the engine that receives inbound deliveries. Set after
// the engine is constructed; the engine holds the messenger and the messenger
// holds the engine.
func (m *HTTPMessenger) SetHandler(handler FinalizeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// Address returns the messenger's own address on its domain.
func (m *HTTPMessenger) Address() [20]byte { return m.addr }

// Send seals the payload into a signed envelope and hands it to the
// counterpart gateway. The send succeeds once the envelope is handed off: the
// initiating leg has already committed, so delivery outcomes are recorded for
// inspection rather than surfaced to the caller, matching the loopback
// endpoint.
func (m *HTTPMessenger) Send(target [20]byte, payload []byte, minGasLimit uint32) error {
	if m.endpoint == "" {
		return fmt.Errorf("relay: no counterpart endpoint configured")
	}
	env := Seal(m.secret, uuid.New().String(), m.bridgeAddr, target, payload, minGasLimit)
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("relay: encode envelope: %w", err)
	}
	m.record(Delivery{ID: env.ID, Target: target, MinGasLimit: minGasLimit, Err: m.post(env.ID, body)})
	return nil
}

func (m *HTTPMessenger) post(id string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		err = fmt.Errorf("relay: build request: %w", err)
		m.log.Warn("relay envelope not sent", "id", id, "err", err)
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		err = fmt.Errorf("relay: post envelope: %w", err)
		m.log.Warn("relay envelope not sent", "id", id, "err", err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, deliverResponseLimit))
		err = fmt.Errorf("relay: counterpart rejected envelope %s: status %d: %s", id, resp.StatusCode, strings.TrimSpace(string(detail)))
		m.log.Warn("relay delivery refused by counterpart", "id", id, "err", err)
		return err
	}
	m.log.Info("relay envelope sent", "id", id)
	return nil
}

func (m *HTTPMessenger) record(d Delivery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = append(m.deliveries, d)
}

// Deliveries returns a copy of the recorded outbound delivery outcomes.
func (m *HTTPMessenger) Deliveries() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Delivery(nil), m.deliveries...)
}

// Deliver verifies an inbound envelope and executes the relayed finalize call
// with the envelope's sender attested as the cross-domain sender.
func (m *HTTPMessenger) Deliver(env *Envelope) error {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler == nil {
		return fmt.Errorf("relay: no finalize handler configured")
	}
	sender, target, payload, err := Open(m.secret, env)
	if err != nil {
		return err
	}
	if target != m.bridgeAddr {
		return fmt.Errorf("relay: no handler at target %s", bridge.AddressHex(target))
	}
	msg, err := bridge.DecodeFinalizeMessage(payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.xActive {
		m.mu.Unlock()
		return fmt.Errorf("relay: delivery already in progress")
	}
	m.xSender = sender
	m.xActive = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.xActive = false
		m.xSender = [20]byte{}
		m.mu.Unlock()
	}()
	if err := handler.Finalize(m.addr, msg); err != nil {
		m.log.Warn("relay delivery rejected", "id", env.ID, "target", bridge.AddressHex(target), "err", err)
		return err
	}
	m.log.Info("relay envelope delivered", "id", env.ID, "target", bridge.AddressHex(target))
	return nil
}

// CrossDomainSender reports the originating bridge of the envelope currently
// being executed.
func (m *HTTPMessenger) CrossDomainSender() ([20]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.xActive {
		return [20]byte{}, ErrNoExecutingMessage
	}
	return m.xSender, nil
}

var _ bridge.Messenger = (*HTTPMessenger)(nil)
