package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sunil55999/AISignalPro-sub001/internal/signal"
)

var testNow = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedChannel registers an active channel with the given threshold.
func seedChannel(t *testing.T, s *Store, id string, threshold float64) {
	t.Helper()
	_, err := s.EnsureChannel(context.Background(), signal.Channel{
		ID:                  id,
		Name:                id,
		ConfidenceThreshold: threshold,
		IsActive:            true,
		CreatedAt:           testNow,
	})
	if err != nil {
		t.Fatalf("EnsureChannel() failed: %v", err)
	}
}

// createTestSignal builds a pending signal with minimal required fields.
func createTestSignal(channelID, fingerprint string, createdAt time.Time) signal.Signal {
	return signal.Signal{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Fingerprint: fingerprint,
		ChannelID:   channelID,
		RawText:     "BUY XAUUSD @ 1985",
		Source:      signal.SourceText,
		ParsedFields: signal.ParsedFields{
			Pair:        "XAUUSD",
			Action:      "buy",
			Intent:      signal.IntentOpenTrade,
			OrderType:   "market",
			Entry:       decimal.NewNullDecimal(decimal.RequireFromString("1985")),
			StopLoss:    decimal.NewNullDecimal(decimal.RequireFromString("1975")),
			TakeProfits: []decimal.Decimal{decimal.RequireFromString("1995"), decimal.RequireFromString("2005")},
		},
		Confidence: 0.9,
		Status:     signal.StatusPending,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
}

// admitAndQueue admits a signal and inserts its task at priority.
func admitAndQueue(t *testing.T, s *Store, sig signal.Signal, priority int, at time.Time) Task {
	t.Helper()
	ctx := context.Background()
	if _, admitted, err := s.AdmitSignal(ctx, sig); err != nil || !admitted {
		t.Fatalf("AdmitSignal() admitted=%v err=%v", admitted, err)
	}
	task, err := s.InsertTask(ctx, Task{
		SignalID:    sig.ID,
		Fingerprint: sig.Fingerprint,
		ChannelID:   sig.ChannelID,
		Priority:    priority,
		Attempt:     1,
		ScheduledAt: at,
	}, at)
	if err != nil {
		t.Fatalf("InsertTask() failed: %v", err)
	}
	return task
}
