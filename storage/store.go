package storage

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"escrowd/escrow"
)

const (
	escrowKeyPrefix      = "escrow/"
	participantKeyPrefix = "participant/"
	lastIDKey            = "meta/lastid"
)

// Store is the durable keyed table of escrow records. It owns the monotonic
// identifier counter and the per-participant index and implements the
// engine's State interface. Terminal records are never deleted; they are
// retained for audit.
type Store struct {
	db Database

	// guards the counter and index read-modify-write cycles; record-level
	// serialization is the engine's job.
	mu sync.Mutex
}

// NewStore wraps a key-value backend.
func NewStore(db Database) *Store {
	return &Store{db: db}
}

func escrowKey(id uint64) []byte {
	key := make([]byte, len(escrowKeyPrefix)+8)
	copy(key, escrowKeyPrefix)
	binary.BigEndian.PutUint64(key[len(escrowKeyPrefix):], id)
	return key
}

func participantKey(addr [20]byte) []byte {
	return []byte(participantKeyPrefix + hex.EncodeToString(addr[:]))
}

// EscrowPut validates and persists a record.
func (s *Store) EscrowPut(e *escrow.Escrow) error {
	sanitized, err := escrow.SanitizeEscrow(e)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(sanitized)
	if err != nil {
		return fmt.Errorf("storage: encode escrow %d: %w", sanitized.ID, err)
	}
	return s.db.Put(escrowKey(sanitized.ID), raw)
}

// EscrowGet loads a record by identifier.
func (s *Store) EscrowGet(id uint64) (*escrow.Escrow, bool) {
	raw, err := s.db.Get(escrowKey(id))
	if err != nil {
		return nil, false
	}
	var e escrow.Escrow
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false
	}
	return &e, true
}

// NextEscrowID allocates the next monotonic identifier, starting at 1.
func (s *Store) NextEscrowID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last uint64
	raw, err := s.db.Get([]byte(lastIDKey))
	switch {
	case errors.Is(err, ErrKeyNotFound):
	case err != nil:
		return 0, err
	case len(raw) != 8:
		return 0, fmt.Errorf("storage: corrupt id counter")
	default:
		last = binary.BigEndian.Uint64(raw)
	}
	next := last + 1
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := s.db.Put([]byte(lastIDKey), buf); err != nil {
		return 0, err
	}
	return next, nil
}

// EscrowIndex records the identifier under the participant's index. Indexing
// the same pair twice is a no-op.
func (s *Store) EscrowIndex(participant [20]byte, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.listLocked(participant)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return s.db.Put(participantKey(participant), raw)
}

// EscrowByParticipant returns the identifiers of every escrow the address
// participates in, in creation order.
func (s *Store) EscrowByParticipant(participant [20]byte) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(participant)
}

func (s *Store) listLocked(participant [20]byte) ([]uint64, error) {
	raw, err := s.db.Get(participantKey(participant))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []uint64
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("storage: corrupt participant index: %w", err)
	}
	return ids, nil
}
