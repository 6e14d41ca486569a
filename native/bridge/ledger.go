package bridge

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"nftbridge/storage"
)

// Ledger persists escrow records for one bridge instance in the underlying
// key-value store. The ledger is owned exclusively by its engine; nothing else
// reads or writes the escrow prefix.
type Ledger struct {
	db    storage.Database
	clock func() time.Time
}

type storedEscrowRecord struct {
	LocalToken  [20]byte
	RemoteToken [20]byte
	TokenID     *big.Int
	Escrowed    bool
	Initiator   [20]byte
	Recipient   [20]byte
	ExtraData   []byte
	CreatedAt   uint64
}

type escrowIndexEntry struct {
	LocalToken  [20]byte
	RemoteToken [20]byte
	TokenID     *big.Int
	CreatedAt   uint64
}

// NewLedger constructs a ledger bound to the provided storage backend.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db, clock: time.Now}
}

// SetClock overrides the time source (primarily for deterministic testing).
func (l *Ledger) SetClock(clock func() time.Time) {
	if l == nil || clock == nil {
		return
	}
	l.clock = clock
}

// IsEscrowed reports whether the key is currently marked escrowed on this
// domain.
func (l *Ledger) IsEscrowed(key EscrowKey) (bool, error) {
	record, ok, err := l.load(key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return record.Escrowed, nil
}

// SetEscrowed records the key as escrowed alongside the audit metadata of the
// initiating call. A cleared record may be re-escrowed; the new metadata
// replaces the old.
func (l *Ledger) SetEscrowed(key EscrowKey, initiator, recipient [20]byte, extraData []byte) error {
	if l == nil || l.db == nil {
		return errNilLedger
	}
	sanitized, err := SanitizeKey(key)
	if err != nil {
		return err
	}
	now := l.clock().UTC().Unix()
	if now < 0 {
		now = 0
	}
	stored := storedEscrowRecord{
		LocalToken:  sanitized.LocalToken,
		RemoteToken: sanitized.RemoteToken,
		TokenID:     sanitized.TokenID,
		Escrowed:    true,
		Initiator:   initiator,
		Recipient:   recipient,
		ExtraData:   append([]byte(nil), extraData...),
		CreatedAt:   uint64(now),
	}
	if err := l.store(sanitized, &stored); err != nil {
		return err
	}
	return l.indexAdd(sanitized, uint64(now))
}

// ClearEscrowed flips the escrow flag off. It fails with ErrNotEscrowed when
// the key has never been escrowed or was already cleared; this is the
// anti-replay guard the finalize path relies on.
func (l *Ledger) ClearEscrowed(key EscrowKey) error {
	if l == nil || l.db == nil {
		return errNilLedger
	}
	sanitized, err := SanitizeKey(key)
	if err != nil {
		return err
	}
	stored, ok, err := l.loadStored(sanitized)
	if err != nil {
		return err
	}
	if !ok || !stored.Escrowed {
		return ErrNotEscrowed
	}
	stored.Escrowed = false
	return l.store(sanitized, stored)
}

// Get retrieves the stored record for a key, escrowed or not.
func (l *Ledger) Get(key EscrowKey) (*EscrowRecord, bool, error) {
	return l.load(key)
}

// List returns a paginated view of all escrow records ever created on this
// instance, oldest first. The cursor is the opaque key token of the last item
// from the previous page.
func (l *Ledger) List(cursor string, limit int) ([]*EscrowRecord, string, error) {
	if l == nil || l.db == nil {
		return nil, "", errNilLedger
	}
	entries, err := l.loadIndex()
	if err != nil {
		return nil, "", err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].CreatedAt == entries[j].CreatedAt {
			return indexCursor(entries[i]) < indexCursor(entries[j])
		}
		return entries[i].CreatedAt < entries[j].CreatedAt
	})
	startIdx := 0
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		for i, entry := range entries {
			if indexCursor(entry) == trimmed {
				startIdx = i + 1
				break
			}
		}
	}
	pageSize := limit
	if pageSize <= 0 {
		pageSize = len(entries) - startIdx
	}
	records := make([]*EscrowRecord, 0, min(pageSize, len(entries)-startIdx))
	nextCursor := ""
	for i := startIdx; i < len(entries) && len(records) < pageSize; i++ {
		entry := entries[i]
		key := EscrowKey{LocalToken: entry.LocalToken, RemoteToken: entry.RemoteToken, TokenID: entry.TokenID}
		record, ok, err := l.load(key)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			continue
		}
		records = append(records, record)
		nextCursor = indexCursor(entry)
	}
	if startIdx+len(records) >= len(entries) {
		nextCursor = ""
	}
	return records, nextCursor, nil
}

func (l *Ledger) load(key EscrowKey) (*EscrowRecord, bool, error) {
	sanitized, err := SanitizeKey(key)
	if err != nil {
		return nil, false, err
	}
	stored, ok, err := l.loadStored(sanitized)
	if err != nil || !ok {
		return nil, ok, err
	}
	createdAt := int64(stored.CreatedAt)
	if createdAt < 0 {
		return nil, false, fmt.Errorf("bridge: ledger created at overflow")
	}
	record := &EscrowRecord{
		LocalToken:  stored.LocalToken,
		RemoteToken: stored.RemoteToken,
		TokenID:     new(big.Int).Set(stored.TokenID),
		Escrowed:    stored.Escrowed,
		Initiator:   stored.Initiator,
		Recipient:   stored.Recipient,
		ExtraData:   append([]byte(nil), stored.ExtraData...),
		CreatedAt:   createdAt,
	}
	return record, true, nil
}

func (l *Ledger) loadStored(key EscrowKey) (*storedEscrowRecord, bool, error) {
	if l == nil || l.db == nil {
		return nil, false, errNilLedger
	}
	raw, err := l.db.Get(escrowRecordKey(key))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	stored := new(storedEscrowRecord)
	if err := rlp.DecodeBytes(raw, stored); err != nil {
		return nil, false, fmt.Errorf("bridge: decode escrow record: %w", err)
	}
	if stored.TokenID == nil {
		stored.TokenID = big.NewInt(0)
	}
	return stored, true, nil
}

func (l *Ledger) store(key EscrowKey, stored *storedEscrowRecord) error {
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return fmt.Errorf("bridge: encode escrow record: %w", err)
	}
	return l.db.Put(escrowRecordKey(key), encoded)
}

func (l *Ledger) loadIndex() ([]escrowIndexEntry, error) {
	raw, err := l.db.Get(escrowIndexKey)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []escrowIndexEntry
	if err := rlp.DecodeBytes(raw, &entries); err != nil {
		return nil, fmt.Errorf("bridge: decode escrow index: %w", err)
	}
	return entries, nil
}

func (l *Ledger) indexAdd(key EscrowKey, createdAt uint64) error {
	entries, err := l.loadIndex()
	if err != nil {
		return err
	}
	entry := escrowIndexEntry{LocalToken: key.LocalToken, RemoteToken: key.RemoteToken, TokenID: key.TokenID, CreatedAt: createdAt}
	target := indexCursor(entry)
	for i := range entries {
		if indexCursor(entries[i]) == target {
			entries[i].CreatedAt = createdAt
			return l.storeIndex(entries)
		}
	}
	entries = append(entries, entry)
	return l.storeIndex(entries)
}

func (l *Ledger) storeIndex(entries []escrowIndexEntry) error {
	encoded, err := rlp.EncodeToBytes(entries)
	if err != nil {
		return fmt.Errorf("bridge: encode escrow index: %w", err)
	}
	return l.db.Put(escrowIndexKey, encoded)
}

func indexCursor(entry escrowIndexEntry) string {
	key := EscrowKey{LocalToken: entry.LocalToken, RemoteToken: entry.RemoteToken, TokenID: entry.TokenID}
	return string(escrowRecordKey(key)[len(escrowRecordPrefix):])
}
