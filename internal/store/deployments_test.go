package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestDeployment(t *testing.T, s *Store, id string) {
	t.Helper()
	require.NoError(t, s.CreateDeployment(context.Background(), Deployment{
		ID:          id,
		FileHash:    "abc123",
		Version:     "1.4.0",
		DownloadURL: "http://localhost:8080/v1/artifacts/abc123",
		Quorum:      1.0,
		CreatedAt:   testNow,
	}))
}

func TestDeployment_BroadcastAndAck(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestDeployment(t, s, "d1")

	roster := []string{"t1", "t2", "t3"}
	require.NoError(t, s.StartBroadcast(ctx, "d1", roster, testNow, testNow.Add(5*time.Minute)))

	err := s.StartBroadcast(ctx, "d1", roster, testNow, testNow)
	assert.ErrorIs(t, err, ErrDeploymentState, "broadcast only starts once")

	res, err := s.RecordAck(ctx, "d1", "t1", testNow)
	require.NoError(t, err)
	assert.True(t, res.New)
	assert.True(t, res.InRoster)
	assert.Equal(t, 1, res.Acked)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 1.0, res.Quorum)
	assert.True(t, testNow.Add(5*time.Minute).Equal(res.DeadlineAt))

	res, err = s.RecordAck(ctx, "d1", "t1", testNow)
	require.NoError(t, err)
	assert.False(t, res.New)
	assert.Equal(t, 1, res.Acked)

	res, err = s.RecordAck(ctx, "d1", "late", testNow)
	require.NoError(t, err)
	assert.True(t, res.New)
	assert.False(t, res.InRoster)
	assert.Equal(t, 1, res.Acked, "late terminals do not count")

	d, err := s.GetDeployment(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, DeploymentBroadcasting, d.Status)
	assert.Equal(t, roster, d.Roster)
	assert.Equal(t, []string{"t1"}, d.Acked)
	assert.Equal(t, []string{"late"}, d.Late)
	assert.Equal(t, 3, d.TotalTerminals)
}

func TestFinishDeployment_ExactlyOnce(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestDeployment(t, s, "d1")
	require.NoError(t, s.StartBroadcast(ctx, "d1", []string{"t1"}, testNow, testNow.Add(time.Minute)))

	ok, err := s.FinishDeployment(ctx, "d1", DeploymentDeployed, "", testNow)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.FinishDeployment(ctx, "d1", DeploymentFailed, "timeout", testNow)
	require.NoError(t, err)
	assert.False(t, ok, "a deployed deployment can never become failed")

	d, err := s.GetDeployment(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, DeploymentDeployed, d.Status)

	_, err = s.FinishDeployment(ctx, "d1", DeploymentBroadcasting, "", testNow)
	assert.ErrorIs(t, err, ErrDeploymentState)
}

func TestListDeployments_ByStatus(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		createTestDeployment(t, s, fmt.Sprintf("d%d", i))
	}
	require.NoError(t, s.StartBroadcast(ctx, "d1", nil, testNow, testNow.Add(time.Minute)))

	broadcasting, err := s.ListDeployments(ctx, DeploymentBroadcasting)
	require.NoError(t, err)
	require.Len(t, broadcasting, 1)
	assert.Equal(t, "d1", broadcasting[0].ID)

	all, err := s.ListDeployments(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = s.GetDeployment(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.RecordAck(ctx, "missing", "t1", testNow)
	assert.ErrorIs(t, err, ErrNotFound)
}
