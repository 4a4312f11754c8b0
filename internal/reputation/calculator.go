// Package reputation implements the deterministic multi-factor scoring
// function that maps an agent's durable history to a 0–100 trust score.
//
// The score is a pure function of its inputs: the station recomputes it on
// every event that changes an input and writes the result back to the agent
// row together with the triggering mutation.
package reputation

import (
	"math"
	"time"
)

// monthSeconds is the fixed month length used for the age factor.
const monthSeconds = 30 * 24 * 3600

// Inputs is the tuple of persisted agent state the score is derived from.
type Inputs struct {
	IdentityVerified  bool
	StakeAmount       float64
	VouchCount        int
	TotalActions      int
	SuccessfulActions int
	FailedActions     int
	CreatedAt         time.Time
}

// Breakdown reports each factor's contribution alongside the final score.
type Breakdown struct {
	Base           int `json:"base"`
	Identity       int `json:"identity"`
	Stake          int `json:"stake"`
	Vouches        int `json:"vouches"`
	SuccessRate    int `json:"success_rate"`
	Age            int `json:"age"`
	FailurePenalty int `json:"failure_penalty"`
	Score          int `json:"score"`
}

// Calculate returns the agent's reputation score clamped to [0,100].
func Calculate(in Inputs) int {
	return CalculateAt(in, time.Now().UTC())
}

// CalculateAt is Calculate with an explicit evaluation time for the age factor.
func CalculateAt(in Inputs, now time.Time) int {
	return BreakdownAt(in, now).Score
}

// BreakdownAt computes every factor at the given evaluation time.
// Each component is clamped independently before summing.
func BreakdownAt(in Inputs, now time.Time) Breakdown {
	b := Breakdown{Base: 50}

	if in.IdentityVerified {
		b.Identity = 10
	}

	if in.StakeAmount > 0 {
		stake := 5 + int(math.Floor(in.StakeAmount/100))
		if stake > 15 {
			stake = 15
		}
		b.Stake = stake
	}

	vouches := 2 * in.VouchCount
	if vouches > 20 {
		vouches = 20
	}
	b.Vouches = vouches

	if in.TotalActions > 0 {
		b.SuccessRate = int(math.Round(20 * float64(in.SuccessfulActions) / float64(in.TotalActions)))
	}

	if now.After(in.CreatedAt) {
		months := int(now.Sub(in.CreatedAt).Seconds()) / monthSeconds
		if months > 10 {
			months = 10
		}
		b.Age = months
	}

	b.FailurePenalty = 5 * in.FailedActions

	score := b.Base + b.Identity + b.Stake + b.Vouches + b.SuccessRate + b.Age - b.FailurePenalty
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	b.Score = score
	return b
}

// SuccessRate returns the ratio rounded to two decimals, or nil when the
// agent has no recorded actions. The nil case maps to a null successRate
// claim in issued certificates.
func SuccessRate(successful, total int) *float64 {
	if total == 0 {
		return nil
	}
	r := math.Round(float64(successful)/float64(total)*100) / 100
	return &r
}
