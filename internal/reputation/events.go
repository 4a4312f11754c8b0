package reputation

// EventType classifies an entry in the append-only reputation event log.
type EventType string

const (
	EventSuccess       EventType = "success"
	EventFailure       EventType = "failure"
	EventVouchReceived EventType = "vouch_received"
	EventStakeAdded    EventType = "stake_added"
	EventAbuseReported EventType = "abuse_reported"
)

// Deltas recorded alongside events. These are informational; the
// authoritative score always comes from a full recompute.
const (
	DeltaSuccess = 0
	DeltaFailure = -5
)
