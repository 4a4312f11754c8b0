package behavior_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agenttrust/station/internal/gateway/behavior"
)

// fakeClock advances only when told to.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTracker(cfg behavior.Config) (*behavior.Tracker, *fakeClock) {
	clock := newFakeClock()
	tr := behavior.NewTracker(cfg, zap.NewNop())
	tr.SetNowFunc(clock.Now)
	return tr, clock
}

func TestFingerprintKeyOrderInvariance(t *testing.T) {
	a := behavior.Fingerprint("search", map[string]any{"q": "x", "limit": 5.0, "nested": map[string]any{"b": 1.0, "a": 2.0}})
	b := behavior.Fingerprint("search", map[string]any{"nested": map[string]any{"a": 2.0, "b": 1.0}, "limit": 5.0, "q": "x"})
	if a != b {
		t.Fatalf("fingerprints differ: %s vs %s", a, b)
	}
	if c := behavior.Fingerprint("search", map[string]any{"q": "y"}); c == a {
		t.Fatal("different params collide")
	}
	if d := behavior.Fingerprint("fetch", map[string]any{"q": "x"}); d == a {
		t.Fatal("different action names collide")
	}
	if len(a) != 16 {
		t.Fatalf("digest length = %d, want 16 hex chars", len(a))
	}
}

func TestFreshSessionStartsClean(t *testing.T) {
	tr, _ := newTracker(behavior.Config{})
	res := tr.RecordAction("a1", "crawler", "search", nil, true, true)
	if res.Score != 100 || res.Blocked || len(res.NewFlags) != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestRapidFireFlag(t *testing.T) {
	tr, clock := newTracker(behavior.Config{MaxActionsPerMinute: 5})

	var res behavior.RecordResult
	for i := 0; i < 6; i++ {
		res = tr.RecordAction("a1", "", fmt.Sprintf("act%d", i), nil, true, true)
		clock.Advance(time.Second)
	}
	if len(res.NewFlags) != 1 || res.NewFlags[0] != behavior.FlagRapidFire {
		t.Fatalf("flags = %v", res.NewFlags)
	}
	if res.Score != 90 {
		t.Fatalf("score = %d, want 90", res.Score)
	}

	// recurrence costs half
	res = tr.RecordAction("a1", "", "act6", nil, true, true)
	if len(res.NewFlags) != 0 {
		t.Fatalf("recurring flag reported as new: %v", res.NewFlags)
	}
	if res.Score != 85 {
		t.Fatalf("score = %d, want 85", res.Score)
	}
}

func TestRapidFireWindowSlides(t *testing.T) {
	tr, clock := newTracker(behavior.Config{MaxActionsPerMinute: 5})
	for i := 0; i < 5; i++ {
		tr.RecordAction("a1", "", fmt.Sprintf("act%d", i), nil, true, true)
		clock.Advance(15 * time.Second)
	}
	// only 4 of the previous actions fall inside the trailing minute
	res := tr.RecordAction("a1", "", "act5", nil, true, true)
	if len(res.NewFlags) != 0 {
		t.Fatalf("flag fired outside window: %v", res.NewFlags)
	}
}

func TestHighFailureRateFlag(t *testing.T) {
	tr, clock := newTracker(behavior.Config{MaxFailuresBeforeFlag: 3})
	var res behavior.RecordResult
	for i := 0; i < 3; i++ {
		res = tr.RecordAction("a1", "", "fetch", map[string]any{"i": float64(i)}, false, true)
		clock.Advance(20 * time.Second)
	}
	if len(res.NewFlags) != 1 || res.NewFlags[0] != behavior.FlagHighFailureRate {
		t.Fatalf("flags = %v", res.NewFlags)
	}
}

func TestActionEnumerationFlag(t *testing.T) {
	tr, clock := newTracker(behavior.Config{MaxUniqueActionsPerMinute: 4, MaxActionsPerMinute: 100})
	var res behavior.RecordResult
	for i := 0; i < 5; i++ {
		res = tr.RecordAction("a1", "", fmt.Sprintf("probe%d", i), nil, true, true)
		clock.Advance(time.Second)
	}
	if len(res.NewFlags) != 1 || res.NewFlags[0] != behavior.FlagActionEnumeration {
		t.Fatalf("flags = %v", res.NewFlags)
	}
}

func TestRepeatedActionFlag(t *testing.T) {
	tr, clock := newTracker(behavior.Config{MaxRepeatedActionsPerMinute: 4, MaxActionsPerMinute: 100})
	params := map[string]any{"url": "https://example.com"}
	var res behavior.RecordResult
	for i := 0; i < 5; i++ {
		res = tr.RecordAction("a1", "", "fetch", params, true, true)
		clock.Advance(time.Second)
	}
	if len(res.NewFlags) != 1 || res.NewFlags[0] != behavior.FlagRepeatedAction {
		t.Fatalf("flags = %v", res.NewFlags)
	}

	// varying params means distinct fingerprints: no flag
	tr2, clock2 := newTracker(behavior.Config{MaxRepeatedActionsPerMinute: 4, MaxActionsPerMinute: 100})
	for i := 0; i < 5; i++ {
		res = tr2.RecordAction("a1", "", "fetch", map[string]any{"i": float64(i)}, true, true)
		clock2.Advance(time.Second)
	}
	if len(res.NewFlags) != 0 {
		t.Fatalf("distinct params flagged: %v", res.NewFlags)
	}
}

func TestFiredIncludesRecurrences(t *testing.T) {
	tr, clock := newTracker(behavior.Config{MaxRepeatedActionsPerMinute: 2})

	params := map[string]any{"q": "same"}
	var res behavior.RecordResult
	for i := 0; i < 3; i++ {
		res = tr.RecordAction("a1", "", "search", params, true, true)
		clock.Advance(time.Second)
	}
	if len(res.NewFlags) != 1 || res.NewFlags[0] != behavior.FlagRepeatedAction {
		t.Fatalf("new flags = %v", res.NewFlags)
	}
	if len(res.Fired) != 1 || res.Fired[0] != behavior.FlagRepeatedAction {
		t.Fatalf("fired = %v", res.Fired)
	}

	// a recurrence is no longer new but still fires
	res = tr.RecordAction("a1", "", "search", params, true, true)
	if len(res.NewFlags) != 0 {
		t.Fatalf("recurring flag reported as new: %v", res.NewFlags)
	}
	if len(res.Fired) != 1 || res.Fired[0] != behavior.FlagRepeatedAction {
		t.Fatalf("fired = %v", res.Fired)
	}
	if res.Score != 85 {
		t.Fatalf("score = %d, want 85", res.Score)
	}
}

func TestBlockObserverTracksTransitions(t *testing.T) {
	tr, clock := newTracker(behavior.Config{ViolationPenalty: 50})
	blocked := 0
	tr.SetBlockObserver(func(delta int) { blocked += delta })

	tr.RecordAction("a1", "", "op", nil, false, false) // scope violation, score 50
	if blocked != 0 {
		t.Fatalf("blocked = %d before threshold", blocked)
	}
	res := tr.RecordAction("a1", "", "op2", nil, false, false) // score 0, blocked
	if !res.Blocked || blocked != 1 {
		t.Fatalf("blocked = %d, result %+v", blocked, res)
	}

	// further actions on a blocked session do not double count
	tr.RecordAction("a1", "", "op3", nil, false, false)
	if blocked != 1 {
		t.Fatalf("blocked = %d after repeat action", blocked)
	}

	clock.Advance(6 * time.Minute)
	tr.Sweep()
	if blocked != 0 {
		t.Fatalf("blocked = %d after sweep", blocked)
	}
}

func TestScopeViolationAlwaysFullPenalty(t *testing.T) {
	tr, clock := newTracker(behavior.Config{})
	res := tr.RecordAction("a1", "", "admin_op", nil, false, false)
	if res.Score != 90 {
		t.Fatalf("score = %d, want 90", res.Score)
	}
	clock.Advance(time.Second)
	res = tr.RecordAction("a1", "", "admin_op", nil, false, false)
	if res.Score != 80 {
		t.Fatalf("second violation score = %d, want 80 (no half-penalty discount)", res.Score)
	}
}

func TestBurstDetected(t *testing.T) {
	tr, clock := newTracker(behavior.Config{MaxActionsPerMinute: 100})
	tr.RecordAction("a1", "", "warmup", nil, true, true)
	clock.Advance(35 * time.Second) // quiet gap > 30s
	var res behavior.RecordResult
	for i := 0; i < 5; i++ {
		res = tr.RecordAction("a1", "", fmt.Sprintf("burst%d", i%2), map[string]any{"i": float64(i)}, true, true)
		clock.Advance(500 * time.Millisecond)
	}
	found := false
	for _, f := range res.NewFlags {
		if f == behavior.FlagBurstDetected {
			found = true
		}
	}
	if !found {
		t.Fatalf("burst not detected, flags = %v", res.NewFlags)
	}
}

func TestBlockIsAbsorbing(t *testing.T) {
	tr, clock := newTracker(behavior.Config{})
	var res behavior.RecordResult
	// 8 scope violations × 10 = 80 penalty → score 20 ≤ threshold
	for i := 0; i < 8; i++ {
		res = tr.RecordAction("a1", "", "op", nil, false, false)
		clock.Advance(time.Second)
	}
	if !res.Blocked {
		t.Fatalf("not blocked at score %d", res.Score)
	}
	if !tr.IsBlocked("a1") {
		t.Fatal("IsBlocked = false for a blocked session")
	}

	// further records do not mutate a blocked session
	res = tr.RecordAction("a1", "", "op", nil, true, true)
	if !res.Blocked || res.Score != 20 {
		t.Fatalf("blocked session mutated: %+v", res)
	}

	// timeout releases the block: session is recreated fresh
	clock.Advance(6 * time.Minute)
	if tr.IsBlocked("a1") {
		t.Fatal("IsBlocked = true after session timeout")
	}
	res = tr.RecordAction("a1", "", "op", nil, true, true)
	if res.Blocked || res.Score != 100 {
		t.Fatalf("session not recreated: %+v", res)
	}
}

func TestScoreNeverGoesNegative(t *testing.T) {
	tr, clock := newTracker(behavior.Config{BlockThreshold: 1})
	var res behavior.RecordResult
	for i := 0; i < 30; i++ {
		res = tr.RecordAction("a1", "", "op", nil, false, false)
		if res.Blocked {
			break
		}
		clock.Advance(time.Second)
	}
	if res.Score < 0 {
		t.Fatalf("score = %d", res.Score)
	}
}

func TestListenerReceivesEvents(t *testing.T) {
	tr, _ := newTracker(behavior.Config{})
	var events []behavior.Event
	tr.SetListener(func(e behavior.Event) { events = append(events, e) })

	tr.RecordAction("a1", "", "op", nil, false, false)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	e := events[0]
	if e.AgentID != "a1" || e.Flag != behavior.FlagScopeViolation || e.Penalty != 10 || e.Score != 90 {
		t.Fatalf("event = %+v", e)
	}
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	tr, clock := newTracker(behavior.Config{})
	tr.RecordAction("idle", "", "op", nil, true, true)
	clock.Advance(time.Minute)
	tr.RecordAction("busy", "", "op", nil, true, true)

	clock.Advance(4*time.Minute + 30*time.Second) // idle is 5m30s stale, busy 4m30s
	tr.Sweep()

	snaps := tr.Sessions()
	if len(snaps) != 1 || snaps[0].AgentID != "busy" {
		t.Fatalf("sessions after sweep = %+v", snaps)
	}
}

func TestSessionsSnapshot(t *testing.T) {
	tr, _ := newTracker(behavior.Config{})
	tr.RecordAction("a1", "ext-1", "op", nil, false, false)

	snaps := tr.Sessions()
	if len(snaps) != 1 {
		t.Fatalf("len = %d", len(snaps))
	}
	s := snaps[0]
	if s.ExternalID != "ext-1" || s.ActionCount != 1 || s.Score != 90 {
		t.Fatalf("snapshot = %+v", s)
	}
	if len(s.Flags) != 1 || s.Flags[0] != behavior.FlagScopeViolation {
		t.Fatalf("flags = %v", s.Flags)
	}
}

func TestConcurrentAgentsIndependent(t *testing.T) {
	tr, _ := newTracker(behavior.Config{MaxActionsPerMinute: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("agent-%d", n)
			for j := 0; j < 50; j++ {
				tr.RecordAction(id, "", "op", map[string]any{"j": float64(j)}, true, true)
			}
		}(i)
	}
	wg.Wait()

	snaps := tr.Sessions()
	if len(snaps) != 8 {
		t.Fatalf("sessions = %d, want 8", len(snaps))
	}
	for _, s := range snaps {
		if s.ActionCount != 50 {
			t.Fatalf("agent %s count = %d, want 50", s.AgentID, s.ActionCount)
		}
	}
}
