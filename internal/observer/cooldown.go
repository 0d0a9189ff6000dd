package observer

import (
	"log/slog"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
)

// recentWindow bounds how far back interventions count toward the frequency
// damping factor.
const recentWindow = time.Hour

// activeTurns is how many further interventions the channel may deliver in
// active mode before dropping back to idle.
const activeTurns = 3

// Cooldown decides whether a channel may receive an unsolicited intervention.
// Two-layer gate: a hard mode machine (idle with a minimum gap, active for a
// few turns after speaking) and a probability score combining message
// importance, time since the last intervention, and recent frequency.
type Cooldown struct {
	store     *Store
	clock     clockwork.Clock
	gap       time.Duration // minimum idle gap between interventions
	threshold float64
	logger    *slog.Logger
}

// NewCooldown creates a cooldown gate. gap is the minimum time between
// interventions in idle mode; threshold is the probability cutoff.
func NewCooldown(store *Store, clock clockwork.Clock, gap time.Duration, threshold float64, logger *slog.Logger) *Cooldown {
	return &Cooldown{store: store, clock: clock, gap: gap, threshold: threshold, logger: logger}
}

// Score is the gate's decision breakdown, kept for debug reporting.
type Score struct {
	Importance int     `json:"importance"`
	TimeFactor float64 `json:"time_factor"`
	FreqFactor float64 `json:"freq_factor"`
	Final      float64 `json:"final"`
	Passed     bool    `json:"passed"`
	Mode       string  `json:"mode"`
}

// Allow reports whether a message of the given importance may trigger an
// intervention right now. Reactions are never gated here; only channel posts.
func (c *Cooldown) Allow(channelID string, importance int) Score {
	state := c.store.LoadInterventionState(channelID)
	now := c.clock.Now()

	if state.Mode == "active" {
		// Already mid-conversation; speaking again is free until the active
		// turns run out.
		return Score{Importance: importance, TimeFactor: 1, FreqFactor: 1, Final: 1, Passed: true, Mode: "active"}
	}

	if !state.LastInterventionAt.IsZero() && now.Sub(state.LastInterventionAt) < c.gap {
		return Score{Importance: importance, Mode: "idle"}
	}

	score := c.score(state, importance, now)
	score.Mode = "idle"
	return score
}

func (c *Cooldown) score(state InterventionState, importance int, now time.Time) Score {
	minsSince := now.Sub(state.LastInterventionAt).Minutes()
	if state.LastInterventionAt.IsZero() {
		// Never spoken here: fully decayed.
		minsSince = math.Inf(1)
	}
	timeFactor := 1 - math.Exp(-minsSince/40)

	recent := 0
	for _, ts := range state.Recent {
		if now.Sub(ts) <= recentWindow {
			recent++
		}
	}
	freqFactor := 1 / (1 + 0.3*float64(recent))

	final := (float64(importance) / 10) * timeFactor * freqFactor
	return Score{
		Importance: importance,
		TimeFactor: timeFactor,
		FreqFactor: freqFactor,
		Final:      final,
		Passed:     final >= c.threshold,
	}
}

// Record marks an intervention as delivered. The first one puts the channel
// in active mode; while active, each further intervention consumes one turn.
// Consuming the last turn returns the channel to idle and restarts the
// cooldown gap from now.
func (c *Cooldown) Record(channelID string) {
	state := c.store.LoadInterventionState(channelID)
	now := c.clock.Now()

	if state.Mode == "active" {
		state.RemainingTurns--
		if state.RemainingTurns <= 0 {
			state.Mode = "idle"
			state.RemainingTurns = 0
			state.LastInterventionAt = now
		}
	} else {
		state.Mode = "active"
		state.RemainingTurns = activeTurns
		state.StartedAt = now
		state.LastInterventionAt = now
	}
	state.Recent = append(c.pruneRecent(state.Recent, now), now)

	if err := c.store.SaveInterventionState(channelID, state); err != nil {
		c.logger.Warn("failed to persist intervention state", "channel", channelID, "error", err)
	}
}

func (c *Cooldown) pruneRecent(recent []time.Time, now time.Time) []time.Time {
	var out []time.Time
	for _, ts := range recent {
		if now.Sub(ts) <= recentWindow {
			out = append(out, ts)
		}
	}
	return out
}
