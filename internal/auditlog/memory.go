package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLog is an in-memory, thread-safe Log implementation. Useful for
// tests and single-process deployments without durable persistence.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryLog creates a MemoryLog initialised with the canonical genesis
// entry at index 0.
func NewMemoryLog() *MemoryLog {
	l := &MemoryLog{}
	genesis := &Entry{
		Index:     0,
		Timestamp: time.Now().UTC(),
		Decision:  "genesis",
		Reason:    "station-genesis",
		DataHash:  GenesisHash,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash, // genesis hash is the well-known constant, not computed
	}
	l.entries = append(l.entries, genesis)
	return l
}

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, agentID uuid.UUID, actionType, decision, reason string, payload any) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	prev := l.entries[len(l.entries)-1]
	entry := &Entry{
		ID:         uuid.New(),
		Index:      len(l.entries),
		Timestamp:  time.Now().UTC(),
		AgentID:    agentID,
		ActionType: actionType,
		Decision:   decision,
		Reason:     reason,
		DataHash:   sha256Sum(payloadJSON),
		PrevHash:   prev.Hash,
	}
	entry.Hash = hashEntry(entry)
	l.entries = append(l.entries, entry)
	return entry, nil
}

// Get implements Log.
func (l *MemoryLog) Get(_ context.Context, index int) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.entries) {
		return nil, fmt.Errorf("index %d: %w", index, ErrEntryNotFound)
	}
	return l.entries[index], nil
}

// GetByID implements Log.
func (l *MemoryLog) GetByID(_ context.Context, id uuid.UUID) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, fmt.Errorf("entry %s: %w", id, ErrEntryNotFound)
}

// ListByAgent implements Log.
func (l *MemoryLog) ListByAgent(_ context.Context, agentID uuid.UUID, limit int) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	var out []*Entry
	for i := len(l.entries) - 1; i > 0 && len(out) < limit; i-- {
		if l.entries[i].AgentID == agentID {
			out = append(out, l.entries[i])
		}
	}
	return out, nil
}

// Len implements Log.
func (l *MemoryLog) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

// Verify implements Log.
func (l *MemoryLog) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return verifyEntries(l.entries)
}

// Root implements Log.
func (l *MemoryLog) Root(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[len(l.entries)-1].Hash, nil
}
