package player_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jason-s-yu/cambia-matchmaker/internal/cache/cachetest"
	"github.com/jason-s-yu/cambia-matchmaker/internal/events"
	"github.com/jason-s-yu/cambia-matchmaker/internal/models"
	"github.com/jason-s-yu/cambia-matchmaker/internal/player"
)

const week = 7 * 24 * time.Hour

func newService(t *testing.T) (*player.Service, *clockwork.FakeClock, *events.Recorder) {
	store, _ := cachetest.New(t)
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	rec := &events.Recorder{}
	return player.NewService(store, clock, week, rec, logrus.New()), clock, rec
}

func TestLockFor(t *testing.T) {
	assert.Zero(t, player.LockFor(1))
	assert.Zero(t, player.LockFor(2))
	assert.Equal(t, 15*time.Minute, player.LockFor(3))
	assert.Equal(t, 40*time.Minute, player.LockFor(4))
	assert.Equal(t, 280*time.Minute, player.LockFor(7))
	assert.Equal(t, player.MaxLock, player.LockFor(8))
	assert.Equal(t, player.MaxLock, player.LockFor(20))
}

func TestDodgeAddEscalates(t *testing.T) {
	svc, clock, rec := newService(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		until, err := svc.DodgeAdd(ctx, 1)
		require.NoError(t, err)
		assert.True(t, until.IsZero())
		clock.Advance(time.Minute)
	}

	until, err := svc.DodgeAdd(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(15*time.Minute), until)

	n, err := svc.Dodges(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	countdown, err := svc.LockCountdown(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, countdown)
	assert.Len(t, rec.OfType(models.EventRestrictionSet), 1)

	_, err = svc.DodgeAdd(ctx, 1)
	assert.True(t, errors.Is(err, models.ErrValidation), "locked players cannot be charged")

	clock.Advance(16 * time.Minute)
	_, ok, err := svc.LockDate(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDodgesSlideOutOfWindow(t *testing.T) {
	svc, clock, _ := newService(t)
	ctx := context.Background()

	_, err := svc.DodgeAdd(ctx, 2)
	require.NoError(t, err)
	clock.Advance(week + time.Hour)
	_, err = svc.DodgeAdd(ctx, 2)
	require.NoError(t, err)

	n, err := svc.Dodges(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRestrictionCountdownTakesLongest(t *testing.T) {
	svc, clock, _ := newService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.DodgeAdd(ctx, 3)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	clock.Advance(5 * time.Minute)

	d, err := svc.RestrictionCountdown(ctx, []int64{4, 3, 5})
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute-5*time.Minute-time.Second, d)
}

func TestClearStaleDodges(t *testing.T) {
	svc, clock, _ := newService(t)
	ctx := context.Background()

	_, err := svc.DodgeAdd(ctx, 10)
	require.NoError(t, err)
	clock.Advance(week + time.Minute)
	_, err = svc.DodgeAdd(ctx, 11)
	require.NoError(t, err)

	cleared, err := svc.ClearStaleDodges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)

	_, ok, err := svc.LatestDodge(ctx, 10)
	require.NoError(t, err)
	assert.False(t, ok)

	latest, ok, err := svc.LatestDodge(ctx, 11)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, latest.Equal(clock.Now()))

	assert.True(t, errors.Is(svc.Delete(ctx, 10), models.ErrNotFound))
}
