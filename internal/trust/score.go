package trust

import (
	"fmt"
	"math"
	"time"

	"github.com/sunil55999/AISignalPro-sub001/internal/store"
)

// Period is the bucketing granularity of trust records.
type Period string

const (
	Daily   Period = "daily"
	Weekly  Period = "weekly"
	Monthly Period = "monthly"
)

// ParsePeriod validates a configured period name.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case Daily, Weekly, Monthly:
		return p, nil
	}
	return "", fmt.Errorf("unknown trust period %q", s)
}

// Key returns the record key for the period containing t, in UTC.
//
//	daily    2006-01-02
//	weekly   2006-W01 (ISO week)
//	monthly  2006-01
func (p Period) Key(t time.Time) string {
	t = t.UTC()
	switch p {
	case Weekly:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case Monthly:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

// Params shape the trust score.
type Params struct {
	// Prior is the win rate assumed for a channel with no history.
	Prior float64
	// PriorStrength sets how fast the prior fades: the shrink factor is
	// PriorStrength/sqrt(totalSignals), capped at 1.
	PriorStrength float64
	// WinWeight blends the shrunk win rate against volume confidence.
	WinWeight float64
}

// Score computes the trust score for c, in [0, 1].
//
// The win rate (wins over executed trades) is pulled toward Prior by a
// factor proportional to 1/sqrt(totalSignals); volume confidence is the
// complement of that factor. A channel with a handful of lucky trades
// therefore scores close to the prior rather than 1.
func (p Params) Score(c store.TrustCounts) float64 {
	shrink := 1.0
	if c.TotalSignals > 0 {
		shrink = math.Min(1, p.PriorStrength/math.Sqrt(float64(c.TotalSignals)))
	}

	raw := p.Prior
	if c.ExecutedTrades > 0 {
		raw = math.Min(1, float64(c.WinningTrades)/float64(c.ExecutedTrades))
	}

	win := (1-shrink)*raw + shrink*p.Prior
	volume := 1 - shrink
	return clamp01(p.WinWeight*win + (1-p.WinWeight)*volume)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
