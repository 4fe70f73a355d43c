// Package gate decides whether an admitted signal may proceed to execution.
package gate

import (
	"fmt"
	"math"

	"github.com/sunil55999/AISignalPro-sub001/internal/signal"
)

// Decision is the result of Admit. A rejection is terminal: the signal is
// persisted as ignored with Reason and never retried.
type Decision struct {
	Pass      bool
	Reason    string
	Threshold float64
	Err       *signal.CoreError
}

// Gate applies channel and operator confidence thresholds.
type Gate struct {
	// UserMinConfidence is the operator-wide floor. A channel threshold
	// below it is raised to it.
	UserMinConfidence float64
}

// New returns a Gate with the given operator floor.
func New(userMinConfidence float64) *Gate {
	return &Gate{UserMinConfidence: userMinConfidence}
}

// Threshold is the effective bar for ch.
func (g *Gate) Threshold(ch signal.Channel) float64 {
	return math.Max(ch.ConfidenceThreshold, g.UserMinConfidence)
}

// Admit passes sig when its channel is active and its confidence is at least
// the effective threshold.
func (g *Gate) Admit(sig signal.Signal, ch signal.Channel) Decision {
	threshold := g.Threshold(ch)

	if !ch.IsActive {
		return Decision{
			Reason:    signal.ReasonChannelInactive,
			Threshold: threshold,
			Err: &signal.CoreError{
				Code:     signal.CodeChannelInactive,
				Reason:   signal.ReasonChannelInactive,
				Message:  fmt.Sprintf("channel %s is inactive", ch.ID),
				SignalID: sig.ID,
			},
		}
	}

	if math.IsNaN(sig.Confidence) || sig.Confidence < threshold {
		return Decision{
			Reason:    signal.ReasonLowConfidence,
			Threshold: threshold,
			Err:       signal.NewLowConfidenceError(sig.ID, sig.Confidence, threshold),
		}
	}

	return Decision{Pass: true, Threshold: threshold}
}
