package deploy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunil55999/AISignalPro-sub001/internal/clock"
	"github.com/sunil55999/AISignalPro-sub001/internal/store"
)

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakePusher struct {
	mu        sync.Mutex
	connected []string
	pushed    map[string][]Notice
}

func newFakePusher(n int) *fakePusher {
	p := &fakePusher{pushed: map[string][]Notice{}}
	for i := 0; i < n; i++ {
		p.connected = append(p.connected, fmt.Sprintf("t%02d", i))
	}
	return p
}

func (p *fakePusher) Connected() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.connected...)
}

func (p *fakePusher) Push(terminalID string, n Notice) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed[terminalID] = append(p.pushed[terminalID], n)
	return nil
}

func (p *fakePusher) notices(terminalID string) []Notice {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pushed[terminalID]
}

type fixture struct {
	store  *store.Store
	clock  *clock.Fake
	pusher *fakePusher
	b      *Broadcaster
	cfg    Config
	arts   *Artifacts
}

func newFixture(t *testing.T, terminals int, quorum float64) *fixture {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	arts, err := NewArtifacts(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)

	f := &fixture{
		store:  s,
		clock:  clock.NewFake(start),
		pusher: newFakePusher(terminals),
		arts:   arts,
		cfg:    Config{Quorum: quorum, Timeout: 5 * time.Minute, DownloadBaseURL: "http://core:8080/"},
	}
	f.b = New(s, arts, f.pusher, f.clock, f.cfg, zerolog.Nop())
	t.Cleanup(f.b.Close)
	return f
}

func (f *fixture) publish(t *testing.T) store.Deployment {
	t.Helper()
	d, err := f.b.Publish(context.Background(), strings.NewReader("parser-binary-v2"), "2.0.0")
	require.NoError(t, err)
	return d
}

func (f *fixture) ackAll(t *testing.T, id string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.b.Ack(context.Background(), id, fmt.Sprintf("t%02d", i))
		require.NoError(t, err)
	}
}

func (f *fixture) status(t *testing.T, id string) store.Deployment {
	t.Helper()
	d, err := f.b.Get(context.Background(), id)
	require.NoError(t, err)
	return d
}

func TestRequired(t *testing.T) {
	assert.Equal(t, 0, Required(1.0, 0))
	assert.Equal(t, 10, Required(1.0, 10))
	assert.Equal(t, 8, Required(0.8, 10))
	assert.Equal(t, 1, Required(0.01, 10))
	assert.Equal(t, 3, Required(0.7, 3))
	assert.Equal(t, 2, Required(0.5, 3))
}

func TestPublish_PushesToRoster(t *testing.T) {
	f := newFixture(t, 3, 1.0)
	d := f.publish(t)

	assert.Equal(t, store.DeploymentBroadcasting, d.Status)
	assert.Equal(t, 3, d.TotalTerminals)
	assert.Equal(t, []string{"t00", "t01", "t02"}, d.Roster)
	assert.Equal(t, "http://core:8080/v1/artifacts/"+d.FileHash, d.DownloadURL)

	for _, id := range d.Roster {
		notices := f.pusher.notices(id)
		require.Len(t, notices, 1)
		assert.Equal(t, Notice{
			Type: "deployment", DeploymentID: d.ID, FileHash: d.FileHash,
			DownloadURL: d.DownloadURL, Version: "2.0.0",
		}, notices[0])
	}

	p, err := f.arts.Path(d.FileHash)
	require.NoError(t, err)
	body, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "parser-binary-v2", string(body))
}

func TestQuorum_AllAcksDeploy(t *testing.T) {
	f := newFixture(t, 10, 1.0)
	d := f.publish(t)

	f.ackAll(t, d.ID, 9)
	assert.Equal(t, store.DeploymentBroadcasting, f.status(t, d.ID).Status)

	res, err := f.b.Ack(context.Background(), d.ID, "t09")
	require.NoError(t, err)
	assert.Equal(t, store.DeploymentDeployed, res.Status)

	f.clock.Advance(10 * time.Minute)
	assert.Equal(t, store.DeploymentDeployed, f.status(t, d.ID).Status, "deadline after deploy is a no-op")
}

func TestQuorum_NineOfTenTimesOut(t *testing.T) {
	f := newFixture(t, 10, 1.0)
	d := f.publish(t)
	f.ackAll(t, d.ID, 9)

	f.clock.Advance(5*time.Minute - time.Second)
	assert.Equal(t, store.DeploymentBroadcasting, f.status(t, d.ID).Status)

	f.clock.Advance(time.Second)
	got := f.status(t, d.ID)
	assert.Equal(t, store.DeploymentFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "DEPLOYMENT_TIMEOUT")
	assert.Contains(t, got.ErrorMessage, "9 of 10")

	// A straggler after failure changes nothing.
	res, err := f.b.Ack(context.Background(), d.ID, "t09")
	require.NoError(t, err)
	assert.Equal(t, store.DeploymentFailed, res.Status)
	assert.Equal(t, store.DeploymentFailed, f.status(t, d.ID).Status)
}

func TestQuorum_Partial(t *testing.T) {
	f := newFixture(t, 10, 0.8)
	d := f.publish(t)
	f.ackAll(t, d.ID, 8)
	assert.Equal(t, store.DeploymentDeployed, f.status(t, d.ID).Status)
}

func TestAck_DuplicateIsNoOp(t *testing.T) {
	f := newFixture(t, 2, 1.0)
	d := f.publish(t)

	first, err := f.b.Ack(context.Background(), d.ID, "t00")
	require.NoError(t, err)
	assert.True(t, first.New)

	again, err := f.b.Ack(context.Background(), d.ID, "t00")
	require.NoError(t, err)
	assert.False(t, again.New)
	assert.Equal(t, 1, again.Acked)
	assert.Equal(t, store.DeploymentBroadcasting, again.Status)
}

func TestLateTerminal_PushedButNotCounted(t *testing.T) {
	f := newFixture(t, 2, 1.0)
	d := f.publish(t)

	f.pusher.mu.Lock()
	f.pusher.connected = append(f.pusher.connected, "late")
	f.pusher.mu.Unlock()
	f.b.TerminalConnected(context.Background(), "late")
	require.Len(t, f.pusher.notices("late"), 1)

	res, err := f.b.Ack(context.Background(), d.ID, "late")
	require.NoError(t, err)
	assert.False(t, res.InRoster)
	assert.Equal(t, 0, res.Acked)

	f.ackAll(t, d.ID, 2)
	got := f.status(t, d.ID)
	assert.Equal(t, store.DeploymentDeployed, got.Status)
	assert.Equal(t, 2, got.TotalTerminals)
	assert.Equal(t, []string{"late"}, got.Late)
}

func TestBroadcast_EmptyRosterDeploys(t *testing.T) {
	f := newFixture(t, 0, 1.0)
	d := f.publish(t)
	assert.Equal(t, store.DeploymentDeployed, d.Status)
}

func TestBroadcast_OnlyOnce(t *testing.T) {
	f := newFixture(t, 1, 1.0)
	d := f.publish(t)
	_, err := f.b.Broadcast(context.Background(), d.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestResume_RearmsDeadline(t *testing.T) {
	f := newFixture(t, 2, 1.0)
	d := f.publish(t)
	f.b.Close()

	f.clock.Advance(2 * time.Minute)
	restarted := New(f.store, f.arts, f.pusher, f.clock, f.cfg, zerolog.Nop())
	require.NoError(t, restarted.Resume(context.Background()))
	assert.Equal(t, store.DeploymentBroadcasting, f.status(t, d.ID).Status)

	f.clock.Advance(3 * time.Minute)
	assert.Equal(t, store.DeploymentFailed, f.status(t, d.ID).Status)
}

func TestResume_PastDeadlineFails(t *testing.T) {
	f := newFixture(t, 2, 1.0)
	d := f.publish(t)
	f.b.Close()

	f.clock.Advance(time.Hour)
	restarted := New(f.store, f.arts, f.pusher, f.clock, f.cfg, zerolog.Nop())
	require.NoError(t, restarted.Resume(context.Background()))
	assert.Equal(t, store.DeploymentFailed, f.status(t, d.ID).Status)
}

func TestResume_QuorumAlreadyMet(t *testing.T) {
	f := newFixture(t, 2, 1.0)
	d := f.publish(t)
	f.b.Close()

	// Acks recorded directly, as if the process died before finishing.
	for _, id := range []string{"t00", "t01"} {
		_, err := f.store.RecordAck(context.Background(), d.ID, id, f.clock.Now())
		require.NoError(t, err)
	}
	restarted := New(f.store, f.arts, f.pusher, f.clock, f.cfg, zerolog.Nop())
	require.NoError(t, restarted.Resume(context.Background()))
	assert.Equal(t, store.DeploymentDeployed, f.status(t, d.ID).Status)
}

func TestAck_UsesBroadcastQuorumAfterRestart(t *testing.T) {
	f := newFixture(t, 2, 1.0)
	d := f.publish(t)
	f.b.Close()

	cfg := f.cfg
	cfg.Quorum = 0.5
	restarted := New(f.store, f.arts, f.pusher, f.clock, cfg, zerolog.Nop())
	t.Cleanup(restarted.Close)
	require.NoError(t, restarted.Resume(context.Background()))

	res, err := restarted.Ack(context.Background(), d.ID, "t00")
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Quorum)
	assert.Equal(t, store.DeploymentBroadcasting, res.Status)

	res, err = restarted.Ack(context.Background(), d.ID, "t01")
	require.NoError(t, err)
	assert.Equal(t, store.DeploymentDeployed, res.Status)
}

func TestAck_AfterDeadlineFails(t *testing.T) {
	f := newFixture(t, 2, 1.0)
	d := f.publish(t)
	f.ackAll(t, d.ID, 1)

	// Timers stopped so the ack lands before the deadline callback runs.
	f.b.Close()
	f.clock.Advance(5*time.Minute + time.Second)

	res, err := f.b.Ack(context.Background(), d.ID, "t01")
	require.NoError(t, err)
	assert.True(t, res.New)
	assert.Equal(t, store.DeploymentFailed, res.Status)

	got := f.status(t, d.ID)
	assert.Equal(t, store.DeploymentFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "DEPLOYMENT_TIMEOUT")
}

func TestRebroadcast(t *testing.T) {
	f := newFixture(t, 2, 1.0)
	d := f.publish(t)

	_, err := f.b.Rebroadcast(context.Background(), d.ID)
	assert.ErrorIs(t, err, ErrInvalidState, "only failed deployments are rebroadcast")

	f.clock.Advance(5 * time.Minute)
	require.Equal(t, store.DeploymentFailed, f.status(t, d.ID).Status)

	again, err := f.b.Rebroadcast(context.Background(), d.ID)
	require.NoError(t, err)
	assert.NotEqual(t, d.ID, again.ID)
	assert.Equal(t, d.FileHash, again.FileHash)
	assert.Equal(t, store.DeploymentBroadcasting, again.Status)

	f.ackAll(t, again.ID, 2)
	assert.Equal(t, store.DeploymentDeployed, f.status(t, again.ID).Status)
	assert.Equal(t, store.DeploymentFailed, f.status(t, d.ID).Status)
}

func TestAck_UnknownDeployment(t *testing.T) {
	f := newFixture(t, 1, 1.0)
	_, err := f.b.Ack(context.Background(), "missing", "t00")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestArtifacts(t *testing.T) {
	arts, err := NewArtifacts(t.TempDir())
	require.NoError(t, err)

	h1, n, err := arts.Save(strings.NewReader("abc"))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", h1)

	h2, _, err := arts.Save(strings.NewReader("abc"))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	_, err = arts.Path("../../etc/passwd")
	assert.ErrorIs(t, err, ErrArtifactNotFound)
	_, err = arts.Path(strings.Repeat("0", 64))
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}
