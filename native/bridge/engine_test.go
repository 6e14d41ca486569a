package bridge

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"nftbridge/core/events"
	"nftbridge/core/types"
	"nftbridge/storage"
)

type mockCollection struct {
	owners       map[string][20]byte
	approvals    map[string][20]byte
	transferFail error
}

func newMockCollection() *mockCollection {
	return &mockCollection{
		owners:    make(map[string][20]byte),
		approvals: make(map[string][20]byte),
	}
}

func (c *mockCollection) mint(to [20]byte, tokenID *big.Int) {
	c.owners[tokenID.String()] = to
}

func (c *mockCollection) approve(operator [20]byte, tokenID *big.Int) {
	c.approvals[tokenID.String()] = operator
}

func (c *mockCollection) OwnerOf(tokenID *big.Int) ([20]byte, error) {
	owner, ok := c.owners[tokenID.String()]
	if !ok {
		return [20]byte{}, fmt.Errorf("mock nft: unknown token id")
	}
	return owner, nil
}

func (c *mockCollection) TransferFrom(operator, from, to [20]byte, tokenID *big.Int) error {
	if c.transferFail != nil {
		return c.transferFail
	}
	owner, err := c.OwnerOf(tokenID)
	if err != nil {
		return err
	}
	if owner != from {
		return fmt.Errorf("mock nft: transfer from incorrect owner")
	}
	if operator != owner && c.approvals[tokenID.String()] != operator {
		return fmt.Errorf("mock nft: caller is not token owner or approved")
	}
	delete(c.approvals, tokenID.String())
	c.owners[tokenID.String()] = to
	return nil
}

type mockResolver struct {
	collections map[[20]byte]*mockCollection
}

func newMockResolver() *mockResolver {
	return &mockResolver{collections: make(map[[20]byte]*mockCollection)}
}

func (r *mockResolver) register(addr [20]byte) *mockCollection {
	collection := newMockCollection()
	r.collections[addr] = collection
	return collection
}

func (r *mockResolver) Collection(addr [20]byte) (NonFungibleToken, error) {
	collection, ok := r.collections[addr]
	if !ok {
		return nil, fmt.Errorf("mock nft: unknown collection %s", AddressHex(addr))
	}
	return collection, nil
}

type sentMessage struct {
	target      [20]byte
	payload     []byte
	minGasLimit uint32
}

type mockMessenger struct {
	sends   []sentMessage
	xSender [20]byte
	xErr    error
}

func (m *mockMessenger) Send(target [20]byte, payload []byte, minGasLimit uint32) error {
	m.sends = append(m.sends, sentMessage{target: target, payload: append([]byte(nil), payload...), minGasLimit: minGasLimit})
	return nil
}

func (m *mockMessenger) CrossDomainSender() ([20]byte, error) {
	if m.xErr != nil {
		return [20]byte{}, m.xErr
	}
	return m.xSender, nil
}

type mockClassifier struct {
	contracts map[[20]byte]bool
}

func newMockClassifier() *mockClassifier {
	return &mockClassifier{contracts: make(map[[20]byte]bool)}
}

func (c *mockClassifier) HasCode(addr [20]byte) (bool, error) {
	return c.contracts[addr], nil
}

type capturingEmitter struct {
	events []*types.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	if wrapper, ok := evt.(bridgeEvent); ok {
		c.events = append(c.events, wrapper.evt.Copy())
	}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

type testFixture struct {
	engine    *Engine
	ledger    *Ledger
	resolver  *mockResolver
	messenger *mockMessenger
	accounts  *mockClassifier
	emitter   *capturingEmitter

	self        [20]byte
	messengerAt [20]byte
	otherBridge [20]byte
	localToken  [20]byte
	remoteToken [20]byte
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	f := &testFixture{
		resolver:    newMockResolver(),
		messenger:   &mockMessenger{},
		accounts:    newMockClassifier(),
		emitter:     &capturingEmitter{},
		self:        newTestAddress(0xB0),
		messengerAt: newTestAddress(0xC0),
		otherBridge: newTestAddress(0xD0),
		localToken:  newTestAddress(0x10),
		remoteToken: newTestAddress(0x20),
	}
	f.ledger = NewLedger(storage.NewMemDB())
	f.ledger.SetClock(func() time.Time { return time.Unix(1_700_000_123, 0) })
	f.engine = NewEngine(Config{Self: f.self, Messenger: f.messengerAt, OtherBridge: f.otherBridge}, f.ledger)
	f.engine.SetMessenger(f.messenger)
	f.engine.SetTokens(f.resolver)
	f.engine.SetAccounts(f.accounts)
	f.engine.SetEmitter(f.emitter)
	f.resolver.register(f.localToken)
	return f
}

func (f *testFixture) key(tokenID int64) EscrowKey {
	return EscrowKey{LocalToken: f.localToken, RemoteToken: f.remoteToken, TokenID: big.NewInt(tokenID)}
}

func TestBridgeEscrowsToken(t *testing.T) {
	f := newTestFixture(t)
	alice := newTestAddress(0xA1)
	collection := f.resolver.collections[f.localToken]
	collection.mint(alice, big.NewInt(1))
	collection.approve(f.self, big.NewInt(1))

	extra := []byte{0x56, 0x78}
	if err := f.engine.Bridge(alice, f.localToken, f.remoteToken, big.NewInt(1), 1234, extra); err != nil {
		t.Fatalf("bridge: %v", err)
	}

	escrowed, err := f.ledger.IsEscrowed(f.key(1))
	if err != nil {
		t.Fatalf("isEscrowed: %v", err)
	}
	if !escrowed {
		t.Fatalf("expected token to be escrowed")
	}
	owner, err := collection.OwnerOf(big.NewInt(1))
	if err != nil {
		t.Fatalf("ownerOf: %v", err)
	}
	if owner != f.self {
		t.Fatalf("expected bridge custody, owner %x", owner)
	}

	if len(f.emitter.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(f.emitter.events))
	}
	evt := f.emitter.events[0]
	if evt.Type != EventTypeInitiated {
		t.Fatalf("unexpected event type %s", evt.Type)
	}
	for attr, want := range map[string]string{
		"localToken":  AddressHex(f.localToken),
		"remoteToken": AddressHex(f.remoteToken),
		"from":        AddressHex(alice),
		"to":          AddressHex(alice),
		"tokenId":     "1",
		"extraData":   "0x5678",
	} {
		if got := evt.Attributes[attr]; got != want {
			t.Fatalf("event attribute %s = %q, want %q", attr, got, want)
		}
	}

	if len(f.messenger.sends) != 1 {
		t.Fatalf("expected 1 relayed send, got %d", len(f.messenger.sends))
	}
	sent := f.messenger.sends[0]
	if sent.target != f.otherBridge {
		t.Fatalf("send target %x, want other bridge", sent.target)
	}
	if sent.minGasLimit != 1234 {
		t.Fatalf("send gas limit %d, want 1234", sent.minGasLimit)
	}
	msg, err := DecodeFinalizeMessage(sent.payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if msg.LocalToken != f.remoteToken || msg.RemoteToken != f.localToken {
		t.Fatalf("payload tokens not swapped for counterpart role")
	}
	if msg.From != alice || msg.To != alice {
		t.Fatalf("payload from/to mismatch")
	}
	if msg.TokenID.Cmp(big.NewInt(1)) != 0 || !bytes.Equal(msg.ExtraData, extra) {
		t.Fatalf("payload token id or extra data mismatch")
	}
}

func TestBridgeRejectsContractCaller(t *testing.T) {
	f := newTestFixture(t)
	contract := newTestAddress(0xA2)
	f.accounts.contracts[contract] = true
	collection := f.resolver.collections[f.localToken]
	collection.mint(contract, big.NewInt(1))
	collection.approve(f.self, big.NewInt(1))

	err := f.engine.Bridge(contract, f.localToken, f.remoteToken, big.NewInt(1), 1234, nil)
	if !errors.Is(err, ErrNotExternalAccount) {
		t.Fatalf("expected ErrNotExternalAccount, got %v", err)
	}
	if escrowed, _ := f.ledger.IsEscrowed(f.key(1)); escrowed {
		t.Fatalf("rejected call must not escrow")
	}
	if owner, _ := collection.OwnerOf(big.NewInt(1)); owner != contract {
		t.Fatalf("rejected call must not move custody")
	}
	if len(f.messenger.sends) != 0 {
		t.Fatalf("rejected call must not relay")
	}
}

func TestBridgeToAllowsContractCaller(t *testing.T) {
	f := newTestFixture(t)
	contract := newTestAddress(0xA2)
	recipient := newTestAddress(0xA3)
	f.accounts.contracts[contract] = true
	collection := f.resolver.collections[f.localToken]
	collection.mint(contract, big.NewInt(7))
	collection.approve(f.self, big.NewInt(7))

	if err := f.engine.BridgeTo(contract, f.localToken, f.remoteToken, recipient, big.NewInt(7), 500, nil); err != nil {
		t.Fatalf("bridgeTo: %v", err)
	}
	if escrowed, _ := f.ledger.IsEscrowed(f.key(7)); !escrowed {
		t.Fatalf("expected escrow for explicit-recipient path")
	}
	msg, err := DecodeFinalizeMessage(f.messenger.sends[0].payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if msg.To != recipient {
		t.Fatalf("payload recipient %x, want explicit recipient", msg.To)
	}
}

func TestBridgeRejectsZeroTokenAddresses(t *testing.T) {
	f := newTestFixture(t)
	alice := newTestAddress(0xA1)

	// Zero local token fails with the resolver's generic error.
	err := f.engine.Bridge(alice, [20]byte{}, f.remoteToken, big.NewInt(1), 0, nil)
	if err == nil || errors.Is(err, ErrRemoteTokenRequired) {
		t.Fatalf("expected generic resolver error for zero local token, got %v", err)
	}

	// Zero remote token fails with the specific sentinel, after the local
	// token resolved.
	collection := f.resolver.collections[f.localToken]
	collection.mint(alice, big.NewInt(1))
	err = f.engine.Bridge(alice, f.localToken, [20]byte{}, big.NewInt(1), 0, nil)
	if !errors.Is(err, ErrRemoteTokenRequired) {
		t.Fatalf("expected ErrRemoteTokenRequired, got %v", err)
	}
	if escrowed, _ := f.ledger.IsEscrowed(f.key(1)); escrowed {
		t.Fatalf("rejected call must not escrow")
	}
}

func TestBridgeRequiresOwnership(t *testing.T) {
	f := newTestFixture(t)
	alice := newTestAddress(0xA1)
	mallory := newTestAddress(0xA9)
	collection := f.resolver.collections[f.localToken]
	collection.mint(alice, big.NewInt(1))
	collection.approve(f.self, big.NewInt(1))

	err := f.engine.Bridge(mallory, f.localToken, f.remoteToken, big.NewInt(1), 0, nil)
	if err == nil {
		t.Fatalf("expected ownership failure")
	}
	if escrowed, _ := f.ledger.IsEscrowed(f.key(1)); escrowed {
		t.Fatalf("failed transfer must not escrow")
	}
	if owner, _ := collection.OwnerOf(big.NewInt(1)); owner != alice {
		t.Fatalf("failed transfer must not move custody")
	}
}

func (f *testFixture) escrow(t *testing.T, owner [20]byte, tokenID int64, extra []byte) {
	t.Helper()
	collection := f.resolver.collections[f.localToken]
	collection.mint(owner, big.NewInt(tokenID))
	collection.approve(f.self, big.NewInt(tokenID))
	if err := f.engine.Bridge(owner, f.localToken, f.remoteToken, big.NewInt(tokenID), 1234, extra); err != nil {
		t.Fatalf("bridge: %v", err)
	}
}

func (f *testFixture) finalizeMessage(from, to [20]byte, tokenID int64, extra []byte) *FinalizeMessage {
	return &FinalizeMessage{
		LocalToken:  f.localToken,
		RemoteToken: f.remoteToken,
		From:        from,
		To:          to,
		TokenID:     big.NewInt(tokenID),
		ExtraData:   extra,
	}
}

func TestFinalizeReleasesEscrow(t *testing.T) {
	f := newTestFixture(t)
	alice := newTestAddress(0xA1)
	f.escrow(t, alice, 1, []byte{0x56, 0x78})
	f.messenger.xSender = f.otherBridge

	if err := f.engine.Finalize(f.messengerAt, f.finalizeMessage(alice, alice, 1, []byte{0x56, 0x78})); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if escrowed, _ := f.ledger.IsEscrowed(f.key(1)); escrowed {
		t.Fatalf("finalize must clear the escrow flag")
	}
	collection := f.resolver.collections[f.localToken]
	if owner, _ := collection.OwnerOf(big.NewInt(1)); owner != alice {
		t.Fatalf("finalize must return custody to the recipient")
	}
	last := f.emitter.events[len(f.emitter.events)-1]
	if last.Type != EventTypeFinalized {
		t.Fatalf("expected finalized event, got %s", last.Type)
	}
	if last.Attributes["to"] != AddressHex(alice) || last.Attributes["tokenId"] != "1" {
		t.Fatalf("unexpected finalized event attributes: %v", last.Attributes)
	}
}

func TestFinalizeRejectsNonMessengerCaller(t *testing.T) {
	f := newTestFixture(t)
	alice := newTestAddress(0xA1)
	f.escrow(t, alice, 1, nil)
	f.messenger.xSender = f.otherBridge

	err := f.engine.Finalize(newTestAddress(0xEE), f.finalizeMessage(alice, alice, 1, nil))
	if !errors.Is(err, ErrNotFromBridge) {
		t.Fatalf("expected ErrNotFromBridge, got %v", err)
	}
	if escrowed, _ := f.ledger.IsEscrowed(f.key(1)); !escrowed {
		t.Fatalf("rejected finalize must leave escrow intact")
	}
}

func TestFinalizeRejectsSpoofedCrossDomainSender(t *testing.T) {
	f := newTestFixture(t)
	alice := newTestAddress(0xA1)
	f.escrow(t, alice, 1, nil)
	f.messenger.xSender = newTestAddress(0xEE)

	err := f.engine.Finalize(f.messengerAt, f.finalizeMessage(alice, alice, 1, nil))
	if !errors.Is(err, ErrNotFromBridge) {
		t.Fatalf("expected ErrNotFromBridge, got %v", err)
	}

	// No attested sender at all is rejected the same way.
	f.messenger.xSender = [20]byte{}
	f.messenger.xErr = fmt.Errorf("no executing message")
	err = f.engine.Finalize(f.messengerAt, f.finalizeMessage(alice, alice, 1, nil))
	if !errors.Is(err, ErrNotFromBridge) {
		t.Fatalf("expected ErrNotFromBridge without executing message, got %v", err)
	}
	if escrowed, _ := f.ledger.IsEscrowed(f.key(1)); !escrowed {
		t.Fatalf("rejected finalize must leave escrow intact")
	}
}

func TestFinalizeRejectsSelfToken(t *testing.T) {
	f := newTestFixture(t)
	alice := newTestAddress(0xA1)
	f.escrow(t, alice, 1, nil)
	f.messenger.xSender = f.otherBridge

	msg := f.finalizeMessage(alice, alice, 1, nil)
	msg.LocalToken = f.self
	err := f.engine.Finalize(f.messengerAt, msg)
	if !errors.Is(err, ErrSelfToken) {
		t.Fatalf("expected ErrSelfToken, got %v", err)
	}
}

func TestFinalizeRejectsDoubleFinalize(t *testing.T) {
	f := newTestFixture(t)
	alice := newTestAddress(0xA1)
	f.escrow(t, alice, 1, nil)
	f.messenger.xSender = f.otherBridge

	msg := f.finalizeMessage(alice, alice, 1, nil)
	if err := f.engine.Finalize(f.messengerAt, msg); err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	err := f.engine.Finalize(f.messengerAt, msg)
	if !errors.Is(err, ErrNotEscrowed) {
		t.Fatalf("expected ErrNotEscrowed on replay, got %v", err)
	}
	collection := f.resolver.collections[f.localToken]
	if owner, _ := collection.OwnerOf(big.NewInt(1)); owner != alice {
		t.Fatalf("replayed finalize must not move custody")
	}
}

func TestFinalizeRejectsNeverEscrowedToken(t *testing.T) {
	f := newTestFixture(t)
	alice := newTestAddress(0xA1)
	f.messenger.xSender = f.otherBridge

	err := f.engine.Finalize(f.messengerAt, f.finalizeMessage(alice, alice, 99, nil))
	if !errors.Is(err, ErrNotEscrowed) {
		t.Fatalf("expected ErrNotEscrowed, got %v", err)
	}
}

func TestFinalizeRestoresEscrowOnTransferFailure(t *testing.T) {
	f := newTestFixture(t)
	alice := newTestAddress(0xA1)
	f.escrow(t, alice, 1, []byte{0x11})
	f.messenger.xSender = f.otherBridge

	collection := f.resolver.collections[f.localToken]
	collection.transferFail = fmt.Errorf("mock nft: store unavailable")

	err := f.engine.Finalize(f.messengerAt, f.finalizeMessage(alice, alice, 1, []byte{0x11}))
	if err == nil {
		t.Fatalf("expected finalize to surface the transfer failure")
	}
	if escrowed, _ := f.ledger.IsEscrowed(f.key(1)); !escrowed {
		t.Fatalf("failed release must keep the escrow flag set")
	}
	record, ok, getErr := f.ledger.Get(f.key(1))
	if getErr != nil || !ok {
		t.Fatalf("expected escrow record after failed release, ok=%v err=%v", ok, getErr)
	}
	if record.Initiator != alice || record.Recipient != alice || !bytes.Equal(record.ExtraData, []byte{0x11}) {
		t.Fatalf("restored record must keep the original fields: %+v", record)
	}

	// Once the store recovers the claim completes normally.
	collection.transferFail = nil
	if err := f.engine.Finalize(f.messengerAt, f.finalizeMessage(alice, alice, 1, []byte{0x11})); err != nil {
		t.Fatalf("retry finalize: %v", err)
	}
	if owner, _ := collection.OwnerOf(big.NewInt(1)); owner != alice {
		t.Fatalf("retry must return custody to the recipient")
	}
}

func TestTokenCanRebridgeAfterReturn(t *testing.T) {
	f := newTestFixture(t)
	alice := newTestAddress(0xA1)
	f.escrow(t, alice, 1, nil)
	f.messenger.xSender = f.otherBridge

	if err := f.engine.Finalize(f.messengerAt, f.finalizeMessage(alice, alice, 1, nil)); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	// The cleared record can be re-escrowed by a fresh initiate.
	collection := f.resolver.collections[f.localToken]
	collection.approve(f.self, big.NewInt(1))
	if err := f.engine.Bridge(alice, f.localToken, f.remoteToken, big.NewInt(1), 1234, nil); err != nil {
		t.Fatalf("re-bridge: %v", err)
	}
	if escrowed, _ := f.ledger.IsEscrowed(f.key(1)); !escrowed {
		t.Fatalf("expected re-escrow after round trip")
	}
	if owner, _ := collection.OwnerOf(big.NewInt(1)); owner != f.self {
		t.Fatalf("expected bridge custody after re-escrow")
	}
}
