// Package auditlog implements a hash-chained append-only log of action
// decisions: every certificate verification and every reported outcome
// lands here as an immutable entry.
//
// The chain begins with a well-known genesis entry whose Hash equals
// GenesisHash (64 hex zeros). Every subsequent entry records the SHA-256
// of its predecessor, making any tampering detectable via Verify.
//
// Two implementations of the Log interface are provided:
//   - MemoryLog: in-process, for testing and development.
//   - PostgresLog: durable, for production use.
package auditlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the canonical well-known hash of the genesis entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrEntryNotFound is returned by Get and GetByID for unknown entries.
var ErrEntryNotFound = errors.New("audit entry not found")

// Entry is a single audit record in the action log chain.
type Entry struct {
	ID         uuid.UUID `json:"id"`
	Index      int       `json:"index"`
	Timestamp  time.Time `json:"timestamp"`
	AgentID    uuid.UUID `json:"agent_id"`
	ActionType string    `json:"action_type"`
	Decision   string    `json:"decision"` // allowed, denied, genesis
	Reason     string    `json:"reason"`
	DataHash   string    `json:"data_hash"` // SHA-256 of the metadata payload
	PrevHash   string    `json:"prev_hash"`
	Hash       string    `json:"hash"`
}

// Log is the append-only action log contract.
type Log interface {
	// Append records one decision with its metadata payload.
	Append(ctx context.Context, agentID uuid.UUID, actionType, decision, reason string, payload any) (*Entry, error)
	// Get returns the entry at index.
	Get(ctx context.Context, index int) (*Entry, error)
	// GetByID returns the entry with the given record ID.
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	// ListByAgent returns the newest entries for one agent, newest first.
	ListByAgent(ctx context.Context, agentID uuid.UUID, limit int) ([]*Entry, error)
	// Len returns the chain length including genesis.
	Len(ctx context.Context) (int, error)
	// Verify walks the chain and checks every hash link.
	Verify(ctx context.Context) error
	// Root returns the hash of the chain tail.
	Root(ctx context.Context) (string, error)
}

// hashEntry computes a deterministic SHA-256 hash over an entry's fields.
// Never called on the genesis entry (index 0).
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s|%s|%s|%s|%s",
		e.ID, e.Index, e.Timestamp.Format(time.RFC3339Nano),
		e.AgentID, e.ActionType, e.Decision, e.Reason, e.DataHash, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// sha256Sum returns the hex-encoded SHA-256 digest of data.
func sha256Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// verifyEntries checks the hash links of an already-ordered slice of
// entries starting at genesis.
func verifyEntries(entries []*Entry) error {
	if len(entries) == 0 {
		return fmt.Errorf("audit log is empty; genesis entry missing")
	}
	if entries[0].Hash != GenesisHash {
		return fmt.Errorf("genesis hash mismatch: %s", entries[0].Hash)
	}
	for i := 1; i < len(entries); i++ {
		e := entries[i]
		if e.Index != i {
			return fmt.Errorf("entry %d: index gap (stored index %d)", i, e.Index)
		}
		if e.PrevHash != entries[i-1].Hash {
			return fmt.Errorf("entry %d: prev_hash does not match predecessor", i)
		}
		if hashEntry(e) != e.Hash {
			return fmt.Errorf("entry %d: stored hash does not match recomputed hash", i)
		}
	}
	return nil
}
