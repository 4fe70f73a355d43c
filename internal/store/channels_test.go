package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunil55999/AISignalPro-sub001/internal/signal"
)

func TestEnsureChannel_DoesNotOverwrite(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertChannel(ctx, signal.Channel{
		ID: "vip", Name: "VIP", ConfidenceThreshold: 0.95, IsActive: false, CreatedAt: testNow,
	}))

	got, err := s.EnsureChannel(ctx, signal.Channel{
		ID: "vip", Name: "auto", ConfidenceThreshold: 0.85, IsActive: true, CreatedAt: testNow,
	})
	require.NoError(t, err)
	assert.Equal(t, "VIP", got.Name)
	assert.Equal(t, 0.95, got.ConfidenceThreshold)
	assert.False(t, got.IsActive)
}

func TestUpsertChannel_UpdatesSettings(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedChannel(t, s, "vip", 0.85)

	require.NoError(t, s.UpsertChannel(ctx, signal.Channel{
		ID: "vip", Name: "VIP Gold", ConfidenceThreshold: 0.7, IsActive: true,
	}))

	got, err := s.GetChannel(ctx, "vip")
	require.NoError(t, err)
	assert.Equal(t, "VIP Gold", got.Name)
	assert.Equal(t, 0.7, got.ConfidenceThreshold)
	assert.True(t, testNow.Equal(got.CreatedAt), "created_at is preserved")

	all, err := s.ListChannels(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetChannel_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.GetChannel(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
