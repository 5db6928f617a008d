package prematch_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jason-s-yu/cambia-matchmaker/internal/cache"
	"github.com/jason-s-yu/cambia-matchmaker/internal/cache/cachetest"
	"github.com/jason-s-yu/cambia-matchmaker/internal/config"
	"github.com/jason-s-yu/cambia-matchmaker/internal/events"
	"github.com/jason-s-yu/cambia-matchmaker/internal/lobby"
	"github.com/jason-s-yu/cambia-matchmaker/internal/models"
	"github.com/jason-s-yu/cambia-matchmaker/internal/models/modelstest"
	"github.com/jason-s-yu/cambia-matchmaker/internal/player"
	"github.com/jason-s-yu/cambia-matchmaker/internal/prematch"
	"github.com/jason-s-yu/cambia-matchmaker/internal/team"
)

var timing = prematch.Timing{
	Countdown:     30 * time.Second,
	Gap:           -4 * time.Second,
	LockInTimeout: 60 * time.Second,
}

type env struct {
	pre       *prematch.Service
	teams     *team.Service
	lobbies   *lobby.Service
	players   *player.Service
	store     *cache.Store
	srv       *miniredis.Miniredis
	dir       *modelstest.Directory
	allocator *modelstest.Allocator
	rec       *events.Recorder
	clock     *clockwork.FakeClock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, srv := cachetest.New(t)
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	dir := modelstest.NewDirectory()
	alloc := modelstest.NewAllocator()
	rec := &events.Recorder{}
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	cfg := config.Default().Matchmaking

	players := player.NewService(store, clock, cfg.DodgesExpire, rec, log)
	lobbies := lobby.New(lobby.Deps{
		Store:        store,
		Directory:    dir,
		Restrictions: players,
		Notifier:     rec,
		Clock:        clock,
		Modes:        cfg.Modes(),
		Rand:         rand.New(rand.NewSource(1)),
		Log:          log,
	})
	teams := team.New(team.Deps{
		Store:   store,
		Lobbies: lobbies,
		Clock:   clock,
		Window:  cfg.SkillWindow,
		Log:     log,
	})
	pre := prematch.New(prematch.Deps{
		Store:     store,
		Lobbies:   lobbies,
		Teams:     teams,
		Penalties: players,
		Allocator: alloc,
		Notifier:  rec,
		Clock:     clock,
		Timing:    timing,
		Log:       log,
	})
	return &env{
		pre: pre, teams: teams, lobbies: lobbies, players: players,
		store: store, srv: srv, dir: dir, allocator: alloc, rec: rec, clock: clock,
	}
}

// queued creates a queued lobby owned by owner holding members.
func (e *env) queued(t *testing.T, mode models.Mode, owner int64, members ...int64) {
	t.Helper()
	ctx := context.Background()
	e.dir.Add(3, append([]int64{owner}, members...)...)
	_, err := e.lobbies.Create(ctx, owner, mode, "")
	require.NoError(t, err)
	if len(members) > 0 {
		_, err = e.lobbies.SetPublic(ctx, owner)
		require.NoError(t, err)
	}
	for _, m := range members {
		_, err := e.lobbies.Create(ctx, m, "", "")
		require.NoError(t, err)
		_, err = e.lobbies.Move(ctx, m, owner, false)
		require.NoError(t, err)
	}
	_, err = e.lobbies.StartQueue(ctx, owner)
	require.NoError(t, err)
}

// duel pairs the solo duel lobbies of a and b.
func (e *env) duel(t *testing.T, a, b int64) *prematch.PreMatch {
	t.Helper()
	ctx := context.Background()
	e.queued(t, models.ModeDuel, a)
	e.queued(t, models.ModeDuel, b)
	ta, err := e.teams.Create(ctx, a)
	require.NoError(t, err)
	tb, err := e.teams.Create(ctx, b)
	require.NoError(t, err)
	pm, err := e.pre.Create(ctx, ta.ID, tb.ID)
	require.NoError(t, err)
	return pm
}

func (e *env) lockAll(t *testing.T, pm *prematch.PreMatch) {
	t.Helper()
	for _, p := range pm.PlayerIDs {
		_, err := e.pre.SetPlayerLockIn(context.Background(), pm.ID, p)
		require.NoError(t, err)
	}
}

func TestStateBoundaries(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	started := created.Add(10 * time.Second)
	pm := &prematch.PreMatch{PlayerIDs: []int64{1, 2}, CreatedAt: created}

	assert.Equal(t, models.StatePreStart, pm.State(created.Add(time.Minute), timing))
	assert.Equal(t, models.StateIdle, pm.State(created.Add(time.Minute+time.Millisecond), timing))

	pm.ReadyTime = &started
	assert.Equal(t, 34*time.Second, timing.Deadline())
	assert.Equal(t, models.StateLockIn, pm.State(started, timing))
	assert.Equal(t, models.StateLockIn, pm.State(started.Add(34*time.Second), timing))
	assert.Equal(t, models.StateCancelled, pm.State(started.Add(34*time.Second+time.Millisecond), timing))

	assert.Equal(t, 30*time.Second, pm.Countdown(started, timing))
	assert.Equal(t, time.Duration(0), pm.Countdown(started.Add(31*time.Second), timing))

	pm.ReadyPlayerIDs = []int64{1, 2}
	assert.Equal(t, models.StateReady, pm.State(started.Add(time.Hour), timing))
}

func TestDecodeRejectsBadRecords(t *testing.T) {
	keys := cache.Keys{}
	good := prematch.Record{
		Teams:   "a:b",
		Players: []string{"2", "1"},
		Created: cache.FormatTime(time.Now()),
	}
	pm, err := prematch.Decode(keys, "x", good)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, pm.PlayerIDs)
	assert.Nil(t, pm.ReadyTime)

	for name, rec := range map[string]prematch.Record{
		"team pair":  {Teams: "a", Created: good.Created},
		"player id":  {Teams: "a:b", Players: []string{"x"}, Created: good.Created},
		"created":    {Teams: "a:b", Created: "yesterday"},
		"ready time": {Teams: "a:b", Created: good.Created, Started: true, ReadyTime: "soon"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := prematch.Decode(keys, "x", rec)
			assert.True(t, errors.Is(err, models.ErrCorruptRecord), err)
		})
	}
}

func TestCreateFreezesTeamsAndLobbies(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pm := e.duel(t, 1, 2)

	assert.Equal(t, []int64{1, 2}, pm.PlayerIDs)
	assert.Equal(t, models.StatePreStart, e.pre.State(pm))
	assert.Len(t, e.rec.OfType(models.EventPreMatchCreate), 1)

	for _, id := range []int64{1, 2} {
		l, err := e.lobbies.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, pm.ID, l.PreMatchID)
		assert.True(t, l.Queued())

		byPlayer, err := e.pre.ByPlayer(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, pm.ID, byPlayer.ID)
	}
	ta, err := e.teams.Get(ctx, pm.TeamAID)
	require.NoError(t, err)
	assert.Equal(t, pm.ID, ta.PreMatchID)

	_, err = e.lobbies.CancelQueue(ctx, 1)
	assert.Equal(t, "lobby is in a pre-match", models.Reason(err))
	_, err = e.pre.Create(ctx, pm.TeamAID, pm.TeamBID)
	assert.Equal(t, "team is in a pre-match", models.Reason(err))

	all, err := e.pre.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, pm.ID, all[0].ID)
}

func TestCreateValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.queued(t, models.ModeDuel, 1)
	e.queued(t, models.ModeCompetitive, 10, 11, 12, 13, 14)
	e.queued(t, models.ModeCompetitive, 20, 21)
	duel, err := e.teams.Create(ctx, 1)
	require.NoError(t, err)
	full, err := e.teams.Create(ctx, 10)
	require.NoError(t, err)
	partial, err := e.teams.Create(ctx, 20)
	require.NoError(t, err)

	_, err = e.pre.Create(ctx, duel.ID, duel.ID)
	assert.Equal(t, "a team cannot play against itself", models.Reason(err))

	_, err = e.pre.Create(ctx, full.ID, partial.ID)
	assert.Equal(t, "both teams must be ready", models.Reason(err))

	_, err = e.pre.Create(ctx, duel.ID, full.ID)
	assert.Equal(t, "teams mode and type must match", models.Reason(err))

	_, err = e.pre.Create(ctx, duel.ID, "missing")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestLockInAndReady(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pm := e.duel(t, 1, 2)
	e.rec.Reset()

	_, err := e.pre.Ready(ctx, 1)
	assert.Equal(t, "pre-match is not ready for ready players", models.Reason(err))

	_, err = e.pre.SetPlayerLockIn(ctx, pm.ID, 99)
	assert.True(t, errors.Is(err, models.ErrForbidden))

	got, err := e.pre.LockIn(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, got.InPlayerIDs)
	assert.Nil(t, got.ReadyTime)
	_, err = e.pre.LockIn(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, e.rec.OfType(models.EventPreMatchUpdate), 1)

	got, err = e.pre.LockIn(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, got.ReadyTime)
	assert.True(t, e.clock.Now().Equal(*got.ReadyTime))
	assert.Equal(t, models.StateLockIn, e.pre.State(got))

	e.clock.Advance(5 * time.Second)
	got, err = e.pre.Ready(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, got.ReadyPlayerIDs)
	assert.Subset(t, got.InPlayerIDs, got.ReadyPlayerIDs)
	assert.Equal(t, 25*time.Second, e.pre.Countdown(got))

	_, err = e.pre.Ready(ctx, 2)
	require.NoError(t, err)

	matches := e.allocator.Created()
	require.Len(t, matches, 1)
	assert.Equal(t, []int64{1}, matches[0].TeamA.PlayerIDs)
	assert.Equal(t, []int64{2}, matches[0].TeamB.PlayerIDs)
	assert.Equal(t, models.ModeDuel, matches[0].TeamA.Mode)

	created := e.rec.OfType(models.EventMatchCreate)
	require.Len(t, created, 1)
	assert.ElementsMatch(t, []int64{1, 2}, created[0].UserIDs)

	_, ok, err := e.pre.TryGet(ctx, pm.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	for _, id := range []int64{1, 2} {
		l, err := e.lobbies.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, l.Queued())
		assert.Empty(t, l.TeamID)
		assert.Empty(t, l.PreMatchID)
		_, err = e.pre.ByPlayer(ctx, id)
		assert.True(t, errors.Is(err, models.ErrNotFound))
	}
	all, err := e.teams.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestLockInClosesWithCountdown(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pm := e.duel(t, 1, 2)

	got, err := e.pre.StartPlayersReadyCountdown(ctx, pm.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ReadyTime)
	started := *got.ReadyTime

	e.clock.Advance(time.Second)
	got, err = e.pre.StartPlayersReadyCountdown(ctx, pm.ID)
	require.NoError(t, err)
	assert.True(t, started.Equal(*got.ReadyTime))

	_, err = e.pre.SetPlayerReady(ctx, pm.ID, 1)
	assert.Equal(t, "player must lock in first", models.Reason(err))
	_, err = e.pre.SetPlayerLockIn(ctx, pm.ID, 1)
	assert.Equal(t, "pre-match is not ready to lock in players", models.Reason(err))

	_, err = e.pre.StartPlayersReadyCountdown(ctx, "missing")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestCancelPenalizesAndRequeues(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.queued(t, models.ModeCompetitive, 1, 2, 3, 4, 5)
	e.queued(t, models.ModeCompetitive, 10, 11, 12, 13)
	e.queued(t, models.ModeCompetitive, 20)
	queuedAt := e.clock.Now()

	ta, err := e.teams.Create(ctx, 1)
	require.NoError(t, err)
	tb, err := e.teams.Create(ctx, 10, 20)
	require.NoError(t, err)
	pm, err := e.pre.Create(ctx, ta.ID, tb.ID)
	require.NoError(t, err)
	require.Len(t, pm.PlayerIDs, 10)

	e.lockAll(t, pm)
	for _, p := range pm.PlayerIDs {
		if p == 20 {
			continue
		}
		_, err := e.pre.SetPlayerReady(ctx, pm.ID, p)
		require.NoError(t, err)
	}

	e.clock.Advance(34 * time.Second)
	err = e.pre.Cancel(ctx, pm.ID)
	assert.Equal(t, "pre-match is not expired", models.Reason(err))

	e.clock.Advance(time.Second)
	e.rec.Reset()
	require.NoError(t, e.pre.Cancel(ctx, pm.ID))

	for _, p := range pm.PlayerIDs {
		n, err := e.players.Dodges(ctx, p)
		require.NoError(t, err)
		if p == 20 {
			assert.Equal(t, 1, n)
		} else {
			assert.Zero(t, n, "player %d", p)
		}
	}

	for _, id := range []int64{1, 10} {
		l, err := e.lobbies.Get(ctx, id)
		require.NoError(t, err)
		require.True(t, l.Queued(), "lobby %d", id)
		assert.True(t, queuedAt.Equal(*l.QueuedAt))
		assert.Empty(t, l.TeamID)
		assert.Empty(t, l.PreMatchID)
	}
	solo, err := e.lobbies.Get(ctx, 20)
	require.NoError(t, err)
	assert.False(t, solo.Queued())
	assert.Empty(t, solo.PreMatchID)

	queued, err := e.lobbies.QueuedLobbies(ctx)
	require.NoError(t, err)
	assert.Len(t, queued, 2)
	teams, err := e.teams.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, teams)

	deleted := e.rec.OfType(models.EventPreMatchDelete)
	require.Len(t, deleted, 1)
	assert.Len(t, deleted[0].UserIDs, 10)

	err = e.pre.Cancel(ctx, pm.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestIdlePenalizesPlayersWhoNeverLockedIn(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pm := e.duel(t, 1, 2)

	_, err := e.pre.LockIn(ctx, 1)
	require.NoError(t, err)

	e.clock.Advance(timing.LockInTimeout + time.Second)
	got, err := e.pre.Get(ctx, pm.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateIdle, e.pre.State(got))

	require.NoError(t, e.pre.Cancel(ctx, pm.ID))

	n, err := e.players.Dodges(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = e.players.Dodges(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, n)

	l1, err := e.lobbies.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, l1.Queued())
	l2, err := e.lobbies.Get(ctx, 2)
	require.NoError(t, err)
	assert.False(t, l2.Queued())
}

func TestFinalizeWithoutServer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pm := e.duel(t, 1, 2)
	e.allocator.Idle = false

	_, err := e.pre.Finalize(ctx, pm.ID)
	assert.Equal(t, "pre-match is not ready", models.Reason(err))

	e.lockAll(t, pm)
	for _, p := range pm.PlayerIDs {
		_, err := e.pre.SetPlayerReady(ctx, pm.ID, p)
		require.NoError(t, err)
	}

	_, err = e.pre.Finalize(ctx, pm.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrUnavailable))

	_, ok, err := e.pre.TryGet(ctx, pm.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	for _, id := range []int64{1, 2} {
		l, err := e.lobbies.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, l.Queued())
		n, err := e.players.Dodges(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, n)
	}
	assert.NotEmpty(t, e.rec.OfType(models.EventToast))
	assert.Empty(t, e.allocator.Created())
}

func TestFinalizeRunsOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pm := e.duel(t, 1, 2)
	e.lockAll(t, pm)
	for _, p := range pm.PlayerIDs {
		_, err := e.pre.SetPlayerReady(ctx, pm.ID, p)
		require.NoError(t, err)
	}

	e.srv.Set(e.store.Keys().PreMatchClaim(pm.ID), "1")
	_, err := e.pre.Finalize(ctx, pm.ID)
	assert.Equal(t, "pre-match is already being finalized", models.Reason(err))
	e.srv.Del(e.store.Keys().PreMatchClaim(pm.ID))

	matchID, err := e.pre.Finalize(ctx, pm.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), matchID)

	_, err = e.pre.Finalize(ctx, pm.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound))
	assert.Len(t, e.allocator.Created(), 1)
}

// A hand-off that outlives its claim leaves the match to whoever claims the
// pre-match next.
func TestFinalizeStopsWhenClaimExpires(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pm := e.duel(t, 1, 2)
	e.lockAll(t, pm)
	for _, p := range pm.PlayerIDs {
		_, err := e.pre.SetPlayerReady(ctx, pm.ID, p)
		require.NoError(t, err)
	}

	e.allocator.OnFind = func() { e.srv.FastForward(time.Minute) }
	_, err := e.pre.Finalize(ctx, pm.ID)
	assert.Equal(t, "pre-match claim expired", models.Reason(err))
	assert.Empty(t, e.allocator.Created())
	_, ok, err := e.pre.TryGet(ctx, pm.ID)
	require.NoError(t, err)
	assert.True(t, ok, "pre-match is left for the next finalizer")

	e.allocator.OnFind = nil
	matchID, err := e.pre.Finalize(ctx, pm.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), matchID)
	assert.Len(t, e.allocator.Created(), 1)
}
