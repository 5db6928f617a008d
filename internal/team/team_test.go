package team_test

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
	"github.com/jason-s-yu/cambia-matchmaker/internal/team"
)

type env struct {
	teams   *team.Service
	lobbies *lobby.Service
	store   *cache.Store
	srv     *miniredis.Miniredis
	dir     *modelstest.Directory
	clock   *clockwork.FakeClock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, srv := cachetest.New(t)
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	dir := modelstest.NewDirectory()
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	lobbies := lobby.New(lobby.Deps{
		Store:     store,
		Directory: dir,
		Notifier:  &events.Recorder{},
		Clock:     clock,
		Modes:     models.DefaultModes(5),
		Rand:      rand.New(rand.NewSource(1)),
		Log:       log,
	})
	teams := team.New(team.Deps{
		Store:   store,
		Lobbies: lobbies,
		Clock:   clock,
		Window:  config.Default().Matchmaking.SkillWindow,
		Log:     log,
	})
	return &env{teams: teams, lobbies: lobbies, store: store, srv: srv, dir: dir, clock: clock}
}

// queued creates a queued lobby owned by owner holding members, every
// player at level.
func (e *env) queued(t *testing.T, mode models.Mode, level int, owner int64, members ...int64) *lobby.Lobby {
	t.Helper()
	ctx := context.Background()
	e.dir.Add(level, append([]int64{owner}, members...)...)
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
	l, err := e.lobbies.StartQueue(ctx, owner)
	require.NoError(t, err)
	return l
}

func TestCreateAndGrowUntilReady(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.queued(t, "", 3, 1, 2)
	e.queued(t, "", 3, 10, 11)
	e.queued(t, "", 3, 20)
	e.queued(t, "", 3, 30)

	tm, err := e.teams.Create(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 10}, tm.LobbyIDs)
	assert.Equal(t, 4, tm.PlayersCount())
	assert.Equal(t, 5, tm.MaxPlayers)
	assert.False(t, tm.Ready())
	assert.Equal(t, models.ModeCompetitive, tm.Mode())
	assert.True(t, e.clock.Now().Equal(tm.CreatedAt))

	byLobby, err := e.teams.GetByLobby(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, tm.ID, byLobby.ID)

	tm, err = e.teams.AddLobby(ctx, tm.ID, 20)
	require.NoError(t, err)
	assert.True(t, tm.Ready())
	assert.Equal(t, []int64{1, 2, 10, 11, 20}, tm.PlayerIDs())

	_, err = e.teams.AddLobby(ctx, tm.ID, 30)
	require.Error(t, err)
	assert.Equal(t, "team is ready", models.Reason(err))

	ready, err := e.teams.Ready(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	notReady, err := e.teams.NotReady(ctx)
	require.NoError(t, err)
	assert.Empty(t, notReady)
}

func TestCreateValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.queued(t, "", 1, 1, 2, 3)
	e.queued(t, "", 1, 10, 11, 12)
	e.queued(t, models.ModeDuel, 1, 20)
	e.dir.Add(1, 30)
	_, err := e.lobbies.Create(ctx, 30, "", "")
	require.NoError(t, err)

	_, err = e.teams.Create(ctx, 1, 10)
	assert.Equal(t, "team players count exceeded", models.Reason(err))

	_, err = e.teams.Create(ctx, 1, 20)
	assert.Equal(t, "lobbies mode and type must match", models.Reason(err))

	_, err = e.teams.Create(ctx, 30)
	assert.Equal(t, "lobby is not queued", models.Reason(err))

	_, err = e.teams.Create(ctx, 99)
	assert.True(t, errors.Is(err, models.ErrNotFound))

	_, err = e.teams.Create(ctx, 1)
	require.NoError(t, err)
	_, err = e.teams.Create(ctx, 1)
	assert.Equal(t, "lobby already on a team", models.Reason(err))

	all, err := e.teams.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1, "failed creations leave nothing behind")
}

func TestOverallIsRoundedUpMean(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.queued(t, "", 2, 1)
	e.queued(t, "", 3, 2)
	e.queued(t, "", 1, 4, 3)
	e.dir.Set(3, modelstest.User{Online: true, Verified: true, Level: 7})

	single, err := e.teams.Create(ctx, 4)
	require.NoError(t, err)
	overall, err := e.teams.Overall(ctx, single)
	require.NoError(t, err)
	assert.Equal(t, 7, overall, "a single lobby team takes the lobby overall")

	tm, err := e.teams.Create(ctx, 1, 2)
	require.NoError(t, err)
	overall, err = e.teams.Overall(ctx, tm)
	require.NoError(t, err)
	assert.Equal(t, 3, overall)
}

func TestSkillRangeWidensWithQueueTime(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.queued(t, "", 3, 1)
	tm, err := e.teams.Create(ctx, 1)
	require.NoError(t, err)

	lo, hi, err := e.teams.SkillRange(ctx, tm)
	require.NoError(t, err)
	assert.Equal(t, [2]int{2, 4}, [2]int{lo, hi})

	e.clock.Advance(65 * time.Second)
	tm, err = e.teams.Get(ctx, tm.ID)
	require.NoError(t, err)
	lo, hi, err = e.teams.SkillRange(ctx, tm)
	require.NoError(t, err)
	assert.Equal(t, [2]int{0, 6}, [2]int{lo, hi})
}

func TestFindForLobby(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.queued(t, "", 3, 1)
	tm, err := e.teams.Create(ctx, 1)
	require.NoError(t, err)

	far := e.queued(t, "", 6, 2)
	_, ok, err := e.teams.FindForLobby(ctx, far)
	require.NoError(t, err)
	assert.False(t, ok, "overall 6 is outside 2..4")

	near := e.queued(t, "", 4, 3)
	joined, ok, err := e.teams.FindForLobby(ctx, near)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tm.ID, joined.ID)
	assert.Equal(t, []int64{1, 3}, joined.LobbyIDs)

	// two minutes of queueing widen the range of the team to 0..9
	e.clock.Advance(2 * time.Minute)
	far, err = e.lobbies.Get(ctx, 2)
	require.NoError(t, err)
	joined, ok, err = e.teams.FindForLobby(ctx, far)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2, 3}, joined.LobbyIDs)

	near, err = e.lobbies.Get(ctx, 3)
	require.NoError(t, err)
	_, _, err = e.teams.FindForLobby(ctx, near)
	assert.Equal(t, "lobby already on a team", models.Reason(err))
}

func TestFindOpponent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.queued(t, models.ModeDuel, 2, 1)
	e.queued(t, models.ModeDuel, 3, 2)
	e.queued(t, models.ModeDuel, 9, 3)
	e.queued(t, "", 2, 4)

	a, err := e.teams.Create(ctx, 1)
	require.NoError(t, err)
	_, err = e.teams.Create(ctx, 3)
	require.NoError(t, err)
	b, err := e.teams.Create(ctx, 2)
	require.NoError(t, err)
	notReady, err := e.teams.Create(ctx, 4)
	require.NoError(t, err)

	opponent, ok, err := e.teams.FindOpponent(ctx, a)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b.ID, opponent.ID)

	_, _, err = e.teams.FindOpponent(ctx, notReady)
	assert.Equal(t, "team is not ready", models.Reason(err))
}

func TestCancelQueueDetachesFromTeam(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.queued(t, "", 1, 1)
	e.queued(t, "", 1, 2)
	e.queued(t, "", 1, 3)
	tm, err := e.teams.Create(ctx, 1, 2, 3)
	require.NoError(t, err)

	l, err := e.lobbies.CancelQueue(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, l.TeamID)

	tm, err = e.teams.Get(ctx, tm.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, tm.LobbyIDs)

	// down to one lobby the team dissolves
	_, err = e.lobbies.CancelQueue(ctx, 2)
	require.NoError(t, err)
	_, ok, err := e.teams.TryGet(ctx, tm.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	last, err := e.lobbies.Get(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, last.TeamID)
	assert.True(t, last.Queued())
}

func TestRemoveNonQueued(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.queued(t, "", 1, 1)
	e.queued(t, "", 1, 2)
	e.queued(t, "", 1, 3)
	tm, err := e.teams.Create(ctx, 1, 2, 3)
	require.NoError(t, err)

	// a lobby whose queue marker vanished without going through CancelQueue
	e.srv.Del(e.store.Keys().LobbyQueue(2))

	tm, ok, err := e.teams.RemoveNonQueued(ctx, tm.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []int64{1, 3}, tm.LobbyIDs)

	stale, err := e.lobbies.Get(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, stale.TeamID)
}

func TestDelete(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.queued(t, "", 1, 1)
	e.queued(t, "", 1, 2)
	tm, err := e.teams.Create(ctx, 1, 2)
	require.NoError(t, err)

	require.NoError(t, e.teams.Delete(ctx, tm.ID))
	err = e.teams.Delete(ctx, tm.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound))

	for _, id := range []int64{1, 2} {
		l, err := e.lobbies.Get(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, l.TeamID)
	}
	all, err := e.teams.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestMatchedTeamIsFrozen(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.queued(t, "", 1, 1)
	e.queued(t, "", 1, 2)
	tm, err := e.teams.Create(ctx, 1)
	require.NoError(t, err)
	e.srv.Set(e.store.Keys().TeamPreMatch(tm.ID), "pm")

	_, err = e.teams.AddLobby(ctx, tm.ID, 2)
	assert.Equal(t, "team is in a pre-match", models.Reason(err))
	err = e.teams.Delete(ctx, tm.ID)
	assert.Equal(t, "team is in a pre-match", models.Reason(err))
}
