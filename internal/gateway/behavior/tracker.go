// Package behavior implements the gateway's live behavioral analysis:
// per-agent session state machines that detect abuse patterns in real
// time, degrade a session score, and block mid-session when the score
// crosses the block threshold.
package behavior

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Flag names one detected abuse pattern.
type Flag string

const (
	FlagRapidFire         Flag = "rapid_fire"
	FlagHighFailureRate   Flag = "high_failure_rate"
	FlagActionEnumeration Flag = "action_enumeration"
	FlagRepeatedAction    Flag = "repeated_action"
	FlagScopeViolation    Flag = "scope_violation"
	FlagBurstDetected     Flag = "burst_detected"
)

// detectionWindow is the trailing window for the rate detectors.
const detectionWindow = 60 * time.Second

// Config tunes the tracker. Zero values fall back to the defaults.
type Config struct {
	SessionTimeout              time.Duration
	MaxActionsPerMinute         int
	MaxFailuresBeforeFlag       int
	MaxUniqueActionsPerMinute   int
	MaxRepeatedActionsPerMinute int
	ViolationPenalty            int
	BlockThreshold              int
	SweepInterval               time.Duration
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		SessionTimeout:              5 * time.Minute,
		MaxActionsPerMinute:         30,
		MaxFailuresBeforeFlag:       5,
		MaxUniqueActionsPerMinute:   10,
		MaxRepeatedActionsPerMinute: 10,
		ViolationPenalty:            10,
		BlockThreshold:              20,
		SweepInterval:               time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = d.SessionTimeout
	}
	if c.MaxActionsPerMinute <= 0 {
		c.MaxActionsPerMinute = d.MaxActionsPerMinute
	}
	if c.MaxFailuresBeforeFlag <= 0 {
		c.MaxFailuresBeforeFlag = d.MaxFailuresBeforeFlag
	}
	if c.MaxUniqueActionsPerMinute <= 0 {
		c.MaxUniqueActionsPerMinute = d.MaxUniqueActionsPerMinute
	}
	if c.MaxRepeatedActionsPerMinute <= 0 {
		c.MaxRepeatedActionsPerMinute = d.MaxRepeatedActionsPerMinute
	}
	if c.ViolationPenalty <= 0 {
		c.ViolationPenalty = d.ViolationPenalty
	}
	if c.BlockThreshold <= 0 {
		c.BlockThreshold = d.BlockThreshold
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}

// Event is emitted to the listener each time a flag costs an agent
// session score.
type Event struct {
	AgentID string
	Flag    Flag
	Penalty int
	Score   int
	Blocked bool
	At      time.Time
}

// Listener receives behavior events. Called synchronously under the
// session lock; keep it fast.
type Listener func(Event)

type recordedAction struct {
	name        string
	fingerprint string
	at          time.Time
	success     bool
}

type session struct {
	mu             sync.Mutex
	agentID        string
	externalID     string
	actions        []recordedAction
	failures       int
	score          int
	flags          map[Flag]bool
	blocked        bool
	startedAt      time.Time
	lastActivityAt time.Time
}

// RecordResult is what recordAction hands back to the pipeline. Fired
// lists every flag raised by this action, recurrences included;
// NewFlags is the subset seen for the first time in this session.
type RecordResult struct {
	Score    int
	NewFlags []Flag
	Fired    []Flag
	Blocked  bool
}

// SessionSnapshot is the public view of one live session.
type SessionSnapshot struct {
	AgentID        string    `json:"agentId"`
	ExternalID     string    `json:"externalId"`
	Score          int       `json:"behaviorScore"`
	Flags          []Flag    `json:"flags"`
	Blocked        bool      `json:"blocked"`
	ActionCount    int       `json:"actionCount"`
	StartedAt      time.Time `json:"startedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// BlockObserver is notified with +1 when a session enters the blocked
// state and -1 when a blocked session is evicted.
type BlockObserver func(delta int)

// Tracker is the per-gateway behavior singleton.
type Tracker struct {
	cfg      Config
	logger   *zap.Logger
	listener Listener
	onBlock  BlockObserver
	nowFn    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session

	stopOnce sync.Once
	stop     chan struct{}
}

// NewTracker creates a Tracker. Call Start to run the idle-session
// sweeper and Stop on shutdown.
func NewTracker(cfg Config, logger *zap.Logger) *Tracker {
	return &Tracker{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		nowFn:    time.Now,
		sessions: make(map[string]*session),
		stop:     make(chan struct{}),
	}
}

// SetListener configures the behavior event sink.
func (t *Tracker) SetListener(l Listener) { t.listener = l }

// SetBlockObserver configures the block-transition sink.
func (t *Tracker) SetBlockObserver(o BlockObserver) { t.onBlock = o }

func (t *Tracker) notifyBlock(delta int) {
	if t.onBlock != nil {
		t.onBlock(delta)
	}
}

// SetNowFunc installs an injectable clock.
func (t *Tracker) SetNowFunc(fn func() time.Time) { t.nowFn = fn }

// RecordAction folds one action into the agent's session and runs the
// detector set. Concurrent actions from the same agent serialize on the
// session lock; different agents proceed independently.
func (t *Tracker) RecordAction(agentID, externalID, actionName string, params map[string]any, success, scoreMet bool) RecordResult {
	now := t.nowFn()
	s := t.getOrCreate(agentID, externalID, now)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Blocked is absorbing until the session times out; the pipeline
	// denies blocked agents before execution, so nothing is recorded.
	if s.blocked {
		return RecordResult{Score: s.score, Blocked: true}
	}

	s.actions = append(s.actions, recordedAction{
		name:        actionName,
		fingerprint: Fingerprint(actionName, params),
		at:          now,
		success:     success,
	})
	s.lastActivityAt = now
	if !success {
		s.failures++
	}

	fired := t.detect(s, now, scoreMet)
	result := RecordResult{Fired: fired}
	for _, flag := range fired {
		recurring := s.flags[flag]
		penalty := t.cfg.ViolationPenalty
		if recurring && flag != FlagScopeViolation {
			penalty = t.cfg.ViolationPenalty / 2
		}
		if !recurring {
			s.flags[flag] = true
			result.NewFlags = append(result.NewFlags, flag)
		}
		s.score -= penalty
		if s.score < 0 {
			s.score = 0
		}
		t.emit(Event{
			AgentID: agentID,
			Flag:    flag,
			Penalty: penalty,
			Score:   s.score,
			Blocked: s.score <= t.cfg.BlockThreshold,
			At:      now,
		})
	}
	if s.score <= t.cfg.BlockThreshold {
		s.blocked = true
		t.notifyBlock(1)
		t.logger.Warn("session blocked",
			zap.String("agent_id", agentID),
			zap.Int("behavior_score", s.score),
		)
	}

	result.Score = s.score
	result.Blocked = s.blocked
	return result
}

// IsBlocked reports whether the agent's current session is blocked. A
// timed-out session counts as absent, never blocked.
func (t *Tracker) IsBlocked(agentID string) bool {
	t.mu.RLock()
	s, ok := t.sessions[agentID]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.nowFn().Sub(s.lastActivityAt) > t.cfg.SessionTimeout {
		return false
	}
	return s.blocked
}

// Sessions returns a snapshot of every live session.
func (t *Tracker) Sessions() []SessionSnapshot {
	t.mu.RLock()
	live := make([]*session, 0, len(t.sessions))
	for _, s := range t.sessions {
		live = append(live, s)
	}
	t.mu.RUnlock()

	snaps := make([]SessionSnapshot, 0, len(live))
	for _, s := range live {
		s.mu.Lock()
		flags := make([]Flag, 0, len(s.flags))
		for f := range s.flags {
			flags = append(flags, f)
		}
		snaps = append(snaps, SessionSnapshot{
			AgentID:        s.agentID,
			ExternalID:     s.externalID,
			Score:          s.score,
			Flags:          flags,
			Blocked:        s.blocked,
			ActionCount:    len(s.actions),
			StartedAt:      s.startedAt,
			LastActivityAt: s.lastActivityAt,
		})
		s.mu.Unlock()
	}
	return snaps
}

// Start runs the periodic idle-session sweeper until Stop is called.
func (t *Tracker) Start() {
	go func() {
		ticker := time.NewTicker(t.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.Sweep()
			case <-t.stop:
				return
			}
		}
	}()
}

// Stop halts the sweeper. Safe to call more than once.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Sweep evicts sessions idle past the timeout. It takes the tracker
// lock and each session lock in turn, never both at once with a session
// lock held first, so it cannot deadlock with RecordAction.
func (t *Tracker) Sweep() {
	now := t.nowFn()

	t.mu.RLock()
	candidates := make(map[string]*session, len(t.sessions))
	for id, s := range t.sessions {
		candidates[id] = s
	}
	t.mu.RUnlock()

	var expired []string
	blockedEvicted := 0
	for id, s := range candidates {
		s.mu.Lock()
		if now.Sub(s.lastActivityAt) > t.cfg.SessionTimeout {
			expired = append(expired, id)
			if s.blocked {
				blockedEvicted++
			}
		}
		s.mu.Unlock()
	}
	if len(expired) == 0 {
		return
	}

	t.mu.Lock()
	for _, id := range expired {
		delete(t.sessions, id)
	}
	t.mu.Unlock()
	if blockedEvicted > 0 {
		t.notifyBlock(-blockedEvicted)
	}
	t.logger.Debug("swept idle sessions", zap.Int("count", len(expired)))
}

// getOrCreate returns the agent's session, recreating it when the
// existing one has idled past the timeout.
func (t *Tracker) getOrCreate(agentID, externalID string, now time.Time) *session {
	t.mu.RLock()
	s, ok := t.sessions[agentID]
	t.mu.RUnlock()
	if ok {
		s.mu.Lock()
		stale := now.Sub(s.lastActivityAt) > t.cfg.SessionTimeout
		s.mu.Unlock()
		if !stale {
			return s
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[agentID]; ok {
		s.mu.Lock()
		stale := now.Sub(s.lastActivityAt) > t.cfg.SessionTimeout
		staleBlocked := stale && s.blocked
		s.mu.Unlock()
		if !stale {
			return s
		}
		if staleBlocked {
			t.notifyBlock(-1)
		}
	}
	fresh := &session{
		agentID:        agentID,
		externalID:     externalID,
		score:          100,
		flags:          make(map[Flag]bool),
		startedAt:      now,
		lastActivityAt: now,
	}
	t.sessions[agentID] = fresh
	return fresh
}

// detect runs the full detector set against the session. Caller holds
// the session lock.
func (t *Tracker) detect(s *session, now time.Time, scoreMet bool) []Flag {
	var fired []Flag
	windowStart := now.Add(-detectionWindow)

	inWindow := 0
	unique := make(map[string]bool)
	repeats := make(map[string]int)
	for i := len(s.actions) - 1; i >= 0; i-- {
		a := s.actions[i]
		if a.at.Before(windowStart) {
			break
		}
		inWindow++
		unique[a.name] = true
		repeats[a.fingerprint]++
	}

	if inWindow > t.cfg.MaxActionsPerMinute {
		fired = append(fired, FlagRapidFire)
	}
	if s.failures >= t.cfg.MaxFailuresBeforeFlag {
		fired = append(fired, FlagHighFailureRate)
	}
	if len(unique) > t.cfg.MaxUniqueActionsPerMinute {
		fired = append(fired, FlagActionEnumeration)
	}
	for _, n := range repeats {
		if n > t.cfg.MaxRepeatedActionsPerMinute {
			fired = append(fired, FlagRepeatedAction)
			break
		}
	}
	if !scoreMet {
		fired = append(fired, FlagScopeViolation)
	}
	if n := len(s.actions); n >= 6 {
		gap := s.actions[n-5].at.Sub(s.actions[n-6].at)
		span := s.actions[n-1].at.Sub(s.actions[n-5].at)
		if gap > 30*time.Second && span < 5*time.Second {
			fired = append(fired, FlagBurstDetected)
		}
	}
	return fired
}

func (t *Tracker) emit(e Event) {
	if t.listener != nil {
		t.listener(e)
	}
}
