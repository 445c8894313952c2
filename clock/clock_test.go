package clock

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newgrp/pushrelay/guard"
)

// Builds a clock whose last NTS reading was taken age ago and reported ntsTime.
func clockWithReading(ntsTime time.Time, age time.Duration) *SecureClock {
	return &SecureClock{
		cell:   guard.New(clockReading{nts: ntsTime, system: time.Now().Add(-age)}),
		status: guard.New(Status{Server: "nts.example.com"}),
	}
}

func TestNowAdvancesFromReading(t *testing.T) {
	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	c := clockWithReading(base, time.Minute)

	now, err := c.Now()
	require.NoError(t, err)
	assert.False(t, now.Before(base.Add(time.Minute)), "got %s, want at least %s", now, base.Add(time.Minute))
	assert.True(t, now.Before(base.Add(2*time.Minute)), "got %s, want well under %s", now, base.Add(2*time.Minute))
}

func TestNowRejectsStaleReading(t *testing.T) {
	c := clockWithReading(time.Now(), ntsStaleThreshold+time.Second)

	_, err := c.Now()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStale))
}

func TestNowSeesNewReading(t *testing.T) {
	c := clockWithReading(time.Now(), ntsStaleThreshold+time.Second)

	fresh := time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)
	c.cell.Put(clockReading{nts: fresh, system: time.Now()})

	now, err := c.Now()
	require.NoError(t, err)
	assert.WithinDuration(t, fresh, now, time.Second)
}

func TestRecordResultTracksFailures(t *testing.T) {
	p := &ntsPoller{
		cell:   guard.New(clockReading{system: time.Now()}),
		status: guard.New(Status{Server: "a.example.com"}),
	}

	p.recordResult("", errors.New("timeout"))
	p.recordResult("", errors.New("refused"))
	s := p.status.Get()
	assert.Equal(t, 2, s.ConsecutiveFailures)
	assert.Equal(t, "refused", s.LastError)
	assert.Equal(t, "a.example.com", s.Server)

	p.recordResult("b.example.com", nil)
	s = p.status.Get()
	assert.Zero(t, s.ConsecutiveFailures)
	assert.Empty(t, s.LastError)
	assert.Equal(t, "b.example.com", s.Server)
}

func TestStatusReportsReadingAge(t *testing.T) {
	c := clockWithReading(time.Now(), time.Hour)

	s := c.Status()
	assert.Equal(t, "nts.example.com", s.Server)
	assert.GreaterOrEqual(t, s.ReadingAge, time.Hour)
}

func TestNewPollerNeedsServers(t *testing.T) {
	_, err := newPoller(nil)
	assert.Error(t, err)
}

func TestSystemClock(t *testing.T) {
	now, err := System{}.Now()
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), now, time.Second)
}
