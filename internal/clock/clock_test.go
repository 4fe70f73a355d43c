package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake_AdvanceFiresDueTimers(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := NewFake(start)

	fired := 0
	c.AfterFunc(time.Minute, func() { fired++ })

	c.Advance(30 * time.Second)
	assert.Equal(t, 0, fired, "timer should not fire early")

	c.Advance(30 * time.Second)
	assert.Equal(t, 1, fired)
	assert.Equal(t, start.Add(time.Minute), c.Now())

	c.Advance(time.Hour)
	assert.Equal(t, 1, fired, "timer fires once")
}

func TestFake_StoppedTimerNeverFires(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop(), "second stop reports already stopped")

	c.Advance(time.Minute)
	assert.False(t, fired)
}

func TestWall_NowIsUTC(t *testing.T) {
	assert.Equal(t, time.UTC, Wall{}.Now().Location())
}
