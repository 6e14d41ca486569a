package bridge

import (
	"errors"
	"fmt"
	"math/big"

	"nftbridge/core/events"
	"nftbridge/core/types"
)

var (
	errNilLedger   = errors.New("bridge engine: ledger not configured")
	errNilTokens   = errors.New("bridge engine: token resolver not configured")
	errNilAccounts = errors.New("bridge engine: account classifier not configured")
	errNilRelay    = errors.New("bridge engine: messenger not configured")
	errNilMessage  = errors.New("bridge engine: nil finalize message")

	// ErrNotExternalAccount rejects initiate calls from contract accounts on
	// the self-recipient entry point.
	ErrNotExternalAccount = errors.New("bridge: caller is not an externally initiated account")
	// ErrRemoteTokenRequired rejects a zero remote token address.
	ErrRemoteTokenRequired = errors.New("bridge: remote token cannot be the zero address")
	// ErrNotFromBridge rejects finalize calls that did not arrive through the
	// registered messenger with the counterpart bridge as cross-domain sender.
	ErrNotFromBridge = errors.New("bridge: function can only be called from the other bridge")
	// ErrSelfToken rejects finalize calls naming the bridge itself as the
	// local token.
	ErrSelfToken = errors.New("bridge: local token cannot be self")
	// ErrNotEscrowed rejects finalize calls for a key that is not currently
	// escrowed; a replayed finalize fails here.
	ErrNotEscrowed = errors.New("bridge: token id is not escrowed")
)

// Messenger is the authenticated asynchronous call relay connecting the two
// domains. CrossDomainSender is only meaningful while the messenger is itself
// delivering a relayed call; outside a delivery it returns an error.
type Messenger interface {
	Send(target [20]byte, payload []byte, minGasLimit uint32) error
	CrossDomainSender() ([20]byte, error)
}

// NonFungibleToken is the ownership capability of one token contract. The
// operator is the account the transfer is performed as; it must be the owner
// or hold an approval for the token.
type NonFungibleToken interface {
	OwnerOf(tokenID *big.Int) ([20]byte, error)
	TransferFrom(operator, from, to [20]byte, tokenID *big.Int) error
}

// TokenResolver maps a token contract address to its capability handle.
// Resolution of an unknown or zero address fails with a resolver-specific
// error; the engine surfaces it verbatim.
type TokenResolver interface {
	Collection(addr [20]byte) (NonFungibleToken, error)
}

// AccountClassifier distinguishes externally initiated accounts from contract
// accounts on the local domain.
type AccountClassifier interface {
	HasCode(addr [20]byte) (bool, error)
}

// Config binds an engine to its domain at construction. All fields are
// immutable afterwards.
type Config struct {
	// Self is the bridge instance's own address on its domain.
	Self [20]byte
	// Messenger is the address finalize deliveries must arrive from.
	Messenger [20]byte
	// OtherBridge is the counterpart instance on the remote domain.
	OtherBridge [20]byte
}

type bridgeEvent struct {
	evt *types.Event
}

func (e bridgeEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e bridgeEvent) Event() *types.Event { return e.evt }

// Engine wires the escrow handshake logic with the ledger, the token
// capabilities and the messenger. Each domain runs one instance; the two
// instances are symmetric and differ only in configuration.
type Engine struct {
	cfg      Config
	ledger   *Ledger
	relay    Messenger
	tokens   TokenResolver
	accounts AccountClassifier
	emitter  events.Emitter
}

// NewEngine creates a bridge engine with a no-op emitter. Callers can override
// the emitter via SetEmitter.
func NewEngine(cfg Config, ledger *Ledger) *Engine {
	return &Engine{
		cfg:     cfg,
		ledger:  ledger,
		emitter: events.NoopEmitter{},
	}
}

// SetMessenger configures the relay capability used for outbound sends and
// cross-domain sender attestation.
func (e *Engine) SetMessenger(m Messenger) { e.relay = m }

// SetTokens configures the token capability resolver.
func (e *Engine) SetTokens(r TokenResolver) { e.tokens = r }

// SetAccounts configures the account classifier backing the externally
// initiated account guard.
func (e *Engine) SetAccounts(c AccountClassifier) { e.accounts = c }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Self returns the engine's own bridge address.
func (e *Engine) Self() [20]byte { return e.cfg.Self }

// Messenger returns the registered messenger address.
func (e *Engine) Messenger() [20]byte { return e.cfg.Messenger }

// OtherBridge returns the registered counterpart bridge address.
func (e *Engine) OtherBridge() [20]byte { return e.cfg.OtherBridge }

// Escrows exposes read access to the instance's ledger for query surfaces.
func (e *Engine) Escrows() *Ledger { return e.ledger }

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(bridgeEvent{evt: event})
}

// Bridge escrows tokenID locally with the caller as recipient on the remote
// domain and requests delivery of the matching finalize call. Contract
// accounts are rejected; an account that cannot prove it is externally
// initiated must use BridgeTo with an explicit recipient.
func (e *Engine) Bridge(caller, localToken, remoteToken [20]byte, tokenID *big.Int, minGasLimit uint32, extraData []byte) error {
	if e == nil || e.ledger == nil {
		return errNilLedger
	}
	if e.accounts == nil {
		return errNilAccounts
	}
	hasCode, err := e.accounts.HasCode(caller)
	if err != nil {
		return err
	}
	if hasCode {
		return ErrNotExternalAccount
	}
	return e.initiate(caller, localToken, remoteToken, caller, tokenID, minGasLimit, extraData)
}

// BridgeTo escrows tokenID locally with an explicit remote recipient. The
// externally-initiated-account guard does not apply here: a contract that
// holds a token can still bridge it as long as it names a recipient
// explicitly.
func (e *Engine) BridgeTo(caller, localToken, remoteToken, recipient [20]byte, tokenID *big.Int, minGasLimit uint32, extraData []byte) error {
	if e == nil || e.ledger == nil {
		return errNilLedger
	}
	return e.initiate(caller, localToken, remoteToken, recipient, tokenID, minGasLimit, extraData)
}

func (e *Engine) initiate(caller, localToken, remoteToken, recipient [20]byte, tokenID *big.Int, minGasLimit uint32, extraData []byte) error {
	if e.tokens == nil {
		return errNilTokens
	}
	if e.relay == nil {
		return errNilRelay
	}
	// A zero or unregistered local token fails here with the resolver's own
	// error, before the remote token is validated.
	collection, err := e.tokens.Collection(localToken)
	if err != nil {
		return err
	}
	if remoteToken == ([20]byte{}) {
		return ErrRemoteTokenRequired
	}
	key, err := SanitizeKey(EscrowKey{LocalToken: localToken, RemoteToken: remoteToken, TokenID: tokenID})
	if err != nil {
		return err
	}
	// Custody moves first; an owner or approval mismatch surfaces from the
	// token capability and leaves the ledger untouched.
	if err := collection.TransferFrom(e.cfg.Self, caller, e.cfg.Self, key.TokenID); err != nil {
		return err
	}
	if err := e.ledger.SetEscrowed(key, caller, recipient, extraData); err != nil {
		return err
	}
	e.emit(NewInitiatedEvent(localToken, remoteToken, caller, recipient, key, extraData))
	payload, err := EncodeFinalizeMessage(&FinalizeMessage{
		LocalToken:  remoteToken,
		RemoteToken: localToken,
		From:        caller,
		To:          recipient,
		TokenID:     key.TokenID,
		ExtraData:   append([]byte(nil), extraData...),
	})
	if err != nil {
		return err
	}
	return e.relay.Send(e.cfg.OtherBridge, payload, minGasLimit)
}

// Finalize completes the receiving leg of the handshake. It may only be
// invoked by the registered messenger while relaying a call whose
// cross-domain sender is the counterpart bridge; anything else is rejected
// before the ledger is consulted.
func (e *Engine) Finalize(caller [20]byte, msg *FinalizeMessage) error {
	if e == nil || e.ledger == nil {
		return errNilLedger
	}
	if msg == nil {
		return errNilMessage
	}
	if e.relay == nil {
		return errNilRelay
	}
	if caller != e.cfg.Messenger {
		return ErrNotFromBridge
	}
	sender, err := e.relay.CrossDomainSender()
	if err != nil || sender != e.cfg.OtherBridge {
		return ErrNotFromBridge
	}
	if msg.LocalToken == e.cfg.Self {
		return ErrSelfToken
	}
	key, err := SanitizeKey(msg.Key())
	if err != nil {
		return err
	}
	escrowed, err := e.ledger.IsEscrowed(key)
	if err != nil {
		return err
	}
	if !escrowed {
		return ErrNotEscrowed
	}
	if e.tokens == nil {
		return errNilTokens
	}
	collection, err := e.tokens.Collection(msg.LocalToken)
	if err != nil {
		return err
	}
	record, ok, err := e.ledger.Get(key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotEscrowed
	}
	if err := e.ledger.ClearEscrowed(key); err != nil {
		return err
	}
	if err := collection.TransferFrom(e.cfg.Self, e.cfg.Self, msg.To, key.TokenID); err != nil {
		// Restore the flag so a failed release leaves the claim intact.
		if restoreErr := e.ledger.SetEscrowed(key, record.Initiator, record.Recipient, record.ExtraData); restoreErr != nil {
			return fmt.Errorf("%w (escrow flag not restored: %v)", err, restoreErr)
		}
		return err
	}
	e.emit(NewFinalizedEvent(msg.LocalToken, msg.RemoteToken, msg.From, msg.To, key, msg.ExtraData))
	return nil
}
