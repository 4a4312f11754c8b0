package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenttrust/station/internal/reputation"
	"github.com/agenttrust/station/internal/station/model"
)

// MemoryStore is an in-memory implementation of the repository surface.
// Per-aggregate views (Developers, Agents, ...) share one mutex-guarded
// state so cross-aggregate reads (vouch counts during recompute) stay
// consistent. Useful for tests and single-process development without
// Postgres.
type MemoryStore struct {
	mu         sync.RWMutex
	developers map[uuid.UUID]*model.Developer
	byPrefix   map[string]uuid.UUID
	agents     map[uuid.UUID]*model.Agent
	byExternal map[string]uuid.UUID // developerID|externalID
	vouches    map[string]*model.Vouch
	certs      map[uuid.UUID]*model.CertificateRecord
	events     []*model.ReputationEvent
	reports    []*model.GatewayReport
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		developers: make(map[uuid.UUID]*model.Developer),
		byPrefix:   make(map[string]uuid.UUID),
		agents:     make(map[uuid.UUID]*model.Agent),
		byExternal: make(map[string]uuid.UUID),
		vouches:    make(map[string]*model.Vouch),
		certs:      make(map[uuid.UUID]*model.CertificateRecord),
	}
}

// Developers returns the developer repository view.
func (s *MemoryStore) Developers() *MemoryDeveloperRepo { return &MemoryDeveloperRepo{s} }

// Agents returns the agent repository view.
func (s *MemoryStore) Agents() *MemoryAgentRepo { return &MemoryAgentRepo{s} }

// Vouches returns the vouch repository view.
func (s *MemoryStore) Vouches() *MemoryVouchRepo { return &MemoryVouchRepo{s} }

// Certificates returns the certificate repository view.
func (s *MemoryStore) Certificates() *MemoryCertificateRepo { return &MemoryCertificateRepo{s} }

// Events returns the event repository view.
func (s *MemoryStore) Events() *MemoryEventRepo { return &MemoryEventRepo{s} }

func externalKey(developerID uuid.UUID, externalID string) string {
	return developerID.String() + "|" + externalID
}

func vouchKey(voucherID, vouchedID uuid.UUID) string {
	return voucherID.String() + ">" + vouchedID.String()
}

// ── developers ────────────────────────────────────────────────────────────

type MemoryDeveloperRepo struct{ s *MemoryStore }

func (r *MemoryDeveloperRepo) Create(_ context.Context, dev *model.Developer) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byPrefix[dev.APIKeyPrefix]; ok {
		return ErrDuplicate
	}
	if dev.ID == uuid.Nil {
		dev.ID = uuid.New()
	}
	dev.CreatedAt = time.Now().UTC()
	cp := *dev
	s.developers[dev.ID] = &cp
	s.byPrefix[dev.APIKeyPrefix] = dev.ID
	return nil
}

func (r *MemoryDeveloperRepo) GetByID(_ context.Context, id uuid.UUID) (*model.Developer, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.developers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *MemoryDeveloperRepo) GetByAPIKeyPrefix(_ context.Context, prefix string) (*model.Developer, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPrefix[prefix]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.developers[id]
	return &cp, nil
}

// ── agents ────────────────────────────────────────────────────────────────

type MemoryAgentRepo struct{ s *MemoryStore }

func (r *MemoryAgentRepo) Create(_ context.Context, agent *model.Agent) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	key := externalKey(agent.DeveloperID, agent.ExternalID)
	if _, ok := s.byExternal[key]; ok {
		return ErrDuplicate
	}
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	if agent.Status == "" {
		agent.Status = model.AgentStatusActive
	}
	cp := *agent
	s.agents[agent.ID] = &cp
	s.byExternal[key] = agent.ID
	return nil
}

func (r *MemoryAgentRepo) GetByID(_ context.Context, id uuid.UUID) (*model.Agent, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *MemoryAgentRepo) GetByExternalID(_ context.Context, developerID uuid.UUID, externalID string) (*model.Agent, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byExternal[externalKey(developerID, externalID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.agents[id]
	return &cp, nil
}

func (r *MemoryAgentRepo) ListByDeveloper(_ context.Context, developerID uuid.UUID) ([]*model.Agent, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Agent
	for _, a := range s.agents {
		if a.DeveloperID == developerID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryAgentRepo) RecordOutcome(_ context.Context, id uuid.UUID, success bool) (*model.Agent, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	a.TotalActions++
	if success {
		a.SuccessfulActions++
	} else {
		a.FailedActions++
	}
	a.UpdatedAt = time.Now().UTC()
	cp := *a
	return &cp, nil
}

func (r *MemoryAgentRepo) AddStake(_ context.Context, id uuid.UUID, amount float64) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.StakeAmount += amount
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryAgentRepo) RecomputeScore(_ context.Context, id uuid.UUID, calc func(reputation.Inputs) int) (int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return 0, ErrNotFound
	}
	vouchCount := 0
	for _, v := range s.vouches {
		if v.VouchedID == id {
			vouchCount++
		}
	}
	score := calc(reputation.Inputs{
		IdentityVerified:  a.IdentityVerified,
		StakeAmount:       a.StakeAmount,
		VouchCount:        vouchCount,
		TotalActions:      a.TotalActions,
		SuccessfulActions: a.SuccessfulActions,
		FailedActions:     a.FailedActions,
		CreatedAt:         a.CreatedAt,
	})
	a.ReputationScore = score
	a.UpdatedAt = time.Now().UTC()
	return score, nil
}

// ── vouches ───────────────────────────────────────────────────────────────

type MemoryVouchRepo struct{ s *MemoryStore }

func (r *MemoryVouchRepo) Create(_ context.Context, v *model.Vouch) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	key := vouchKey(v.VoucherID, v.VouchedID)
	if _, ok := s.vouches[key]; ok {
		return ErrDuplicate
	}
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	v.CreatedAt = time.Now().UTC()
	cp := *v
	s.vouches[key] = &cp
	return nil
}

func (r *MemoryVouchRepo) Delete(_ context.Context, voucherID, vouchedID uuid.UUID) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	key := vouchKey(voucherID, vouchedID)
	if _, ok := s.vouches[key]; !ok {
		return ErrNotFound
	}
	delete(s.vouches, key)
	return nil
}

func (r *MemoryVouchRepo) CountForAgent(_ context.Context, vouchedID uuid.UUID) (int, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, v := range s.vouches {
		if v.VouchedID == vouchedID {
			n++
		}
	}
	return n, nil
}

// ── certificates ──────────────────────────────────────────────────────────

type MemoryCertificateRepo struct{ s *MemoryStore }

func (r *MemoryCertificateRepo) Create(_ context.Context, rec *model.CertificateRecord) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.certs[rec.JTI]; ok {
		return ErrDuplicate
	}
	cp := *rec
	s.certs[rec.JTI] = &cp
	return nil
}

func (r *MemoryCertificateRepo) GetByJTI(_ context.Context, jti uuid.UUID) (*model.CertificateRecord, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.certs[jti]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *MemoryCertificateRepo) Revoke(_ context.Context, jti uuid.UUID) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.certs[jti]
	if !ok {
		return ErrNotFound
	}
	rec.Revoked = true
	return nil
}

// ── events ────────────────────────────────────────────────────────────────

type MemoryEventRepo struct{ s *MemoryStore }

func (r *MemoryEventRepo) InsertEvent(_ context.Context, e *model.ReputationEvent) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = time.Now().UTC()
	cp := *e
	s.events = append(s.events, &cp)
	return nil
}

func (r *MemoryEventRepo) ListEventsByAgent(_ context.Context, agentID uuid.UUID, limit int) ([]*model.ReputationEvent, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	var out []*model.ReputationEvent
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if s.events[i].AgentID == agentID {
			cp := *s.events[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryEventRepo) InsertGatewayReport(_ context.Context, g *model.GatewayReport) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	g.CreatedAt = time.Now().UTC()
	cp := *g
	s.reports = append(s.reports, &cp)
	return nil
}

// ── test hooks ────────────────────────────────────────────────────────────

// SetAgentStatus supports exercising suspended/banned paths in tests.
func (s *MemoryStore) SetAgentStatus(id uuid.UUID, status model.AgentStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[id]; ok {
		a.Status = status
	}
}

// SetIdentityVerified supports exercising the identity factor in tests.
func (s *MemoryStore) SetIdentityVerified(id uuid.UUID, verified bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[id]; ok {
		a.IdentityVerified = verified
	}
}

// GatewayReportCount reports how many batch reports were ingested.
func (s *MemoryStore) GatewayReportCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.reports)
}
