// Package audit keeps the engine-wide transition stream: an append-only,
// hash-chained sequence of every permission state transition with its cause
// and actor. The per-permission audit entries stored with each permission
// are embedded verbatim inside chained records, so the chain can prove that
// no historical entry was altered or dropped.
package audit

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mandatehq/mandate/pkg/canonicalize"
	"github.com/mandatehq/mandate/pkg/contracts"
)

var (
	// ErrChainBroken means a recorded hash no longer matches its content.
	ErrChainBroken = errors.New("audit hash chain is broken")
)

const genesisHash = "genesis"

// Record is one chained audit record.
type Record struct {
	RecordID     string               `json:"record_id"`
	Sequence     uint64               `json:"sequence"`
	PermissionID string               `json:"permission_id"`
	Entry        contracts.AuditEntry `json:"entry"`
	PreviousHash string               `json:"previous_hash"`
	Hash         string               `json:"hash"`
}

// Handler is called for every appended record. Collaborators (indexer, UI
// feed) subscribe here instead of polling stores.
type Handler func(rec *Record)

// Log is the append-only hash-chained audit log.
type Log struct {
	mu       sync.RWMutex
	records  []*Record
	head     string
	sequence uint64
	handlers []Handler
}

// NewLog creates an empty log with a genesis chain head.
func NewLog() *Log {
	return &Log{head: genesisHash}
}

// Subscribe registers a handler for future appends.
func (l *Log) Subscribe(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Append chains one audit entry for a permission. The record hash covers
// the JCS-canonical record content plus the previous hash, so reordering or
// editing any earlier record invalidates every later one.
func (l *Log) Append(permissionID string, entry contracts.AuditEntry) (*Record, error) {
	l.mu.Lock()

	l.sequence++
	rec := &Record{
		RecordID:     uuid.New().String(),
		Sequence:     l.sequence,
		PermissionID: permissionID,
		Entry:        entry,
		PreviousHash: l.head,
	}

	hash, err := recordHash(rec)
	if err != nil {
		l.sequence--
		l.mu.Unlock()
		return nil, err
	}
	rec.Hash = hash
	l.head = hash
	l.records = append(l.records, rec)
	handlers := l.handlers

	l.mu.Unlock()

	for _, h := range handlers {
		h(rec)
	}
	return rec, nil
}

// Records returns a snapshot of the chain in append order.
func (l *Log) Records() []*Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Record, len(l.records))
	copy(out, l.records)
	return out
}

// ForPermission returns the records of one permission in append order.
func (l *Log) ForPermission(permissionID string) []*Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Record
	for _, r := range l.records {
		if r.PermissionID == permissionID {
			out = append(out, r)
		}
	}
	return out
}

// Verify walks the chain and recomputes every hash.
func (l *Log) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prev := genesisHash
	for _, rec := range l.records {
		if rec.PreviousHash != prev {
			return fmt.Errorf("%w: record %d previous hash mismatch", ErrChainBroken, rec.Sequence)
		}
		want, err := recordHash(rec)
		if err != nil {
			return err
		}
		if rec.Hash != want {
			return fmt.Errorf("%w: record %d content hash mismatch", ErrChainBroken, rec.Sequence)
		}
		prev = rec.Hash
	}
	return nil
}

// recordHash hashes the JCS-canonical form of the record minus its own hash.
func recordHash(rec *Record) (string, error) {
	hashable := struct {
		RecordID     string               `json:"record_id"`
		Sequence     uint64               `json:"sequence"`
		PermissionID string               `json:"permission_id"`
		Entry        contracts.AuditEntry `json:"entry"`
		PreviousHash string               `json:"previous_hash"`
	}{rec.RecordID, rec.Sequence, rec.PermissionID, rec.Entry, rec.PreviousHash}

	hash, err := canonicalize.Hash(hashable)
	if err != nil {
		return "", fmt.Errorf("audit record hash: %w", err)
	}
	return hash, nil
}
