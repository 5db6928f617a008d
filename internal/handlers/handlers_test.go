package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jason-s-yu/cambia-matchmaker/internal/auth"
	"github.com/jason-s-yu/cambia-matchmaker/internal/cache/cachetest"
	"github.com/jason-s-yu/cambia-matchmaker/internal/config"
	"github.com/jason-s-yu/cambia-matchmaker/internal/events"
	"github.com/jason-s-yu/cambia-matchmaker/internal/handlers"
	"github.com/jason-s-yu/cambia-matchmaker/internal/lobby"
	"github.com/jason-s-yu/cambia-matchmaker/internal/models"
	"github.com/jason-s-yu/cambia-matchmaker/internal/models/modelstest"
	"github.com/jason-s-yu/cambia-matchmaker/internal/player"
	"github.com/jason-s-yu/cambia-matchmaker/internal/prematch"
	"github.com/jason-s-yu/cambia-matchmaker/internal/team"
)

type presence struct {
	mu       sync.Mutex
	statuses map[int64]string
}

func (p *presence) SetStatus(_ context.Context, userID int64, status string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[userID] = status
	return nil
}

func (p *presence) status(userID int64) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statuses[userID]
}

type env struct {
	server    *httptest.Server
	lobbies   *lobby.Service
	teams     *team.Service
	pre       *prematch.Service
	signer    *auth.Signer
	publisher *events.RedisPublisher
	allocator *modelstest.Allocator
	presence  *presence
	srv       *miniredis.Miniredis
}

func newEnv(t *testing.T, users ...int64) *env {
	t.Helper()
	store, srv := cachetest.New(t)
	clock := clockwork.NewRealClock()
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	cfg := config.Default().Matchmaking

	dir := modelstest.NewDirectory().Add(3, users...)
	alloc := modelstest.NewAllocator()
	publisher := events.NewRedisPublisher(store.Client(), log)

	players := player.NewService(store, clock, cfg.DodgesExpire, publisher, log)
	lobbies := lobby.New(lobby.Deps{
		Store:        store,
		Directory:    dir,
		Restrictions: players,
		Notifier:     publisher,
		Clock:        clock,
		Modes:        cfg.Modes(),
		Rand:         rand.New(rand.NewSource(1)),
		Log:          log,
	})
	teams := team.New(team.Deps{Store: store, Lobbies: lobbies, Clock: clock, Window: cfg.SkillWindow, Log: log})
	pre := prematch.New(prematch.Deps{
		Store:     store,
		Lobbies:   lobbies,
		Teams:     teams,
		Penalties: players,
		Allocator: alloc,
		Notifier:  publisher,
		Clock:     clock,
		Timing:    prematch.Timing{Countdown: 30 * time.Second, Gap: -4 * time.Second, LockInTimeout: time.Minute},
		Log:       log,
	})

	signer, err := auth.NewSigner(time.Hour, clock)
	require.NoError(t, err)
	pres := &presence{statuses: make(map[int64]string)}

	api := handlers.NewAPIServer(handlers.Deps{
		Lobbies:    lobbies,
		PreMatches: pre,
		Signer:     signer,
		Events:     publisher,
		Presence:   pres,
		Log:        log,
	})
	server := httptest.NewServer(api.Handler())
	t.Cleanup(server.Close)

	return &env{
		server: server, lobbies: lobbies, teams: teams, pre: pre, signer: signer,
		publisher: publisher, allocator: alloc, presence: pres, srv: srv,
	}
}

func (e *env) cookie(t *testing.T, userID int64) string {
	t.Helper()
	token, err := e.signer.CreateJWT(userID)
	require.NoError(t, err)
	return auth.CookieName + "=" + token
}

// do sends a request as userID and decodes the JSON response into out when
// out is not nil.
func (e *env) do(t *testing.T, userID int64, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	if userID != 0 {
		req.Header.Set("Cookie", e.cookie(t, userID))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type lobbyBody struct {
	ID        int64   `json:"id"`
	OwnerID   int64   `json:"owner_id"`
	Mode      string  `json:"mode"`
	Public    bool    `json:"is_public"`
	PlayerIDs []int64 `json:"players_ids"`
	Overall   int     `json:"overall"`
	QueueTime int64   `json:"queue_time"`
}

func TestRequiresAuthToken(t *testing.T) {
	e := newEnv(t, 1)

	assert.Equal(t, http.StatusUnauthorized, e.do(t, 0, http.MethodGet, "/lobby/current", nil, nil))

	req, err := http.NewRequest(http.MethodGet, e.server.URL+"/lobby/current", nil)
	require.NoError(t, err)
	req.Header.Set("Cookie", auth.CookieName+"=garbage")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestLobbyEndpoints(t *testing.T) {
	e := newEnv(t, 1, 2)

	var l lobbyBody
	require.Equal(t, http.StatusOK, e.do(t, 1, http.MethodPost, "/lobby/create", map[string]string{"mode": "competitive"}, &l))
	assert.Equal(t, int64(1), l.ID)
	assert.Equal(t, []int64{1}, l.PlayerIDs)
	assert.Equal(t, 3, l.Overall)

	require.Equal(t, http.StatusOK, e.do(t, 1, http.MethodPatch, "/lobby/1", map[string]bool{"is_public": true}, &l))
	assert.True(t, l.Public)

	require.Equal(t, http.StatusOK, e.do(t, 2, http.MethodPost, "/lobby/create", nil, nil))
	require.Equal(t, http.StatusOK, e.do(t, 2, http.MethodPost, "/lobby/1/move", nil, &l))
	assert.ElementsMatch(t, []int64{1, 2}, l.PlayerIDs)

	require.Equal(t, http.StatusOK, e.do(t, 2, http.MethodGet, "/lobby/current", nil, &l))
	assert.Equal(t, int64(1), l.ID)

	assert.Equal(t, http.StatusForbidden, e.do(t, 2, http.MethodPatch, "/lobby/1", map[string]bool{"is_public": false}, nil))
	assert.Equal(t, http.StatusForbidden, e.do(t, 2, http.MethodDelete, "/lobby/1/players/1", nil, nil))

	require.Equal(t, http.StatusOK, e.do(t, 1, http.MethodPost, "/lobby/1/queue", nil, &l))
	require.Equal(t, http.StatusOK, e.do(t, 2, http.MethodDelete, "/lobby/1/queue", nil, &l))

	require.Equal(t, http.StatusOK, e.do(t, 1, http.MethodDelete, "/lobby/1/players/2", nil, &l))
	assert.Equal(t, []int64{1}, l.PlayerIDs)
}

func TestErrorMapping(t *testing.T) {
	e := newEnv(t, 1)

	assert.Equal(t, http.StatusNotFound, e.do(t, 1, http.MethodGet, "/lobby/99", nil, nil))
	assert.Equal(t, http.StatusBadRequest, e.do(t, 1, http.MethodGet, "/lobby/abc", nil, nil))
	assert.Equal(t, http.StatusNotFound, e.do(t, 1, http.MethodGet, "/prematch", nil, nil))

	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/lobby/create", strings.NewReader(`{"mode":"nope"}`))
	require.NoError(t, err)
	req.Header.Set("Cookie", e.cookie(t, 1))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body struct {
		Detail string `json:"detail"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.Detail)
}

func TestInviteEndpoints(t *testing.T) {
	e := newEnv(t, 1, 3)
	require.Equal(t, http.StatusOK, e.do(t, 1, http.MethodPost, "/lobby/create", nil, nil))
	require.Equal(t, http.StatusOK, e.do(t, 3, http.MethodPost, "/lobby/create", nil, nil))

	var inv struct {
		ID      string `json:"id"`
		LobbyID int64  `json:"lobby_id"`
	}
	require.Equal(t, http.StatusCreated, e.do(t, 1, http.MethodPost, "/invites", map[string]int64{"lobby_id": 1, "to_id": 3}, &inv))
	assert.Equal(t, "1:3", inv.ID)

	var list struct {
		Sent     []json.RawMessage `json:"sent"`
		Received []json.RawMessage `json:"received"`
	}
	require.Equal(t, http.StatusOK, e.do(t, 3, http.MethodGet, "/invites", nil, &list))
	assert.Len(t, list.Received, 1)
	assert.Empty(t, list.Sent)

	var l lobbyBody
	require.Equal(t, http.StatusOK, e.do(t, 3, http.MethodPost, "/invites/1:3/accept", nil, &l))
	assert.ElementsMatch(t, []int64{1, 3}, l.PlayerIDs)

	assert.Equal(t, http.StatusNotFound, e.do(t, 3, http.MethodPost, "/invites/1:3/refuse", nil, nil))
}

func TestPreMatchEndpoints(t *testing.T) {
	e := newEnv(t, 1, 2)
	ctx := context.Background()
	for _, id := range []int64{1, 2} {
		require.Equal(t, http.StatusOK, e.do(t, id, http.MethodPost, "/lobby/create", map[string]string{"mode": "duel"}, nil))
		require.Equal(t, http.StatusOK, e.do(t, id, http.MethodPost, "/lobby/"+strconv.FormatInt(id, 10)+"/queue", nil, nil))
	}
	ta, err := e.teams.Create(ctx, 1)
	require.NoError(t, err)
	tb, err := e.teams.Create(ctx, 2)
	require.NoError(t, err)
	_, err = e.pre.Create(ctx, ta.ID, tb.ID)
	require.NoError(t, err)

	var pm struct {
		ID        string  `json:"id"`
		State     string  `json:"state"`
		Countdown float64 `json:"countdown"`
	}
	require.Equal(t, http.StatusOK, e.do(t, 1, http.MethodGet, "/prematch", nil, &pm))
	assert.Equal(t, string(models.StatePreStart), pm.State)

	assert.Equal(t, http.StatusBadRequest, e.do(t, 1, http.MethodPost, "/prematch/ready", nil, nil))

	require.Equal(t, http.StatusOK, e.do(t, 1, http.MethodPost, "/prematch/lock-in", nil, &pm))
	require.Equal(t, http.StatusOK, e.do(t, 2, http.MethodPost, "/prematch/lock-in", nil, &pm))
	assert.Equal(t, string(models.StateLockIn), pm.State)
	assert.Greater(t, pm.Countdown, 0.0)

	require.Equal(t, http.StatusOK, e.do(t, 1, http.MethodPost, "/prematch/ready", nil, nil))
	require.Equal(t, http.StatusOK, e.do(t, 2, http.MethodPost, "/prematch/ready", nil, nil))
	assert.Len(t, e.allocator.Created(), 1)

	assert.Equal(t, http.StatusNotFound, e.do(t, 1, http.MethodGet, "/prematch", nil, nil))
}

func (e *env) dial(t *testing.T, ctx context.Context, userID int64) (*websocket.Conn, error) {
	t.Helper()
	header := http.Header{}
	if userID != 0 {
		header.Set("Cookie", e.cookie(t, userID))
	}
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(e.server.URL, "http")+"/events/ws", &websocket.DialOptions{
		Subprotocols: []string{"events"},
		HTTPHeader:   header,
	})
	return c, err
}

func TestEventStream(t *testing.T) {
	e := newEnv(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Equal(t, http.StatusOK, e.do(t, 1, http.MethodPost, "/lobby/create", nil, nil))

	c, err := e.dial(t, ctx, 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return e.srv.PubSubNumSub(events.Channel(1))[events.Channel(1)] == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return e.presence.status(1) == handlers.StatusOnline
	}, 2*time.Second, 10*time.Millisecond)

	e.publisher.Notify(ctx, models.Event{
		Type:    models.EventToast,
		UserIDs: []int64{1},
		Payload: models.Toast{Message: "hello", Variant: "info"},
	})
	typ, data, err := c.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	var ev struct {
		Type    string       `json:"type"`
		Payload models.Toast `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, string(models.EventToast), ev.Type)
	assert.Equal(t, "hello", ev.Payload.Message)

	require.NoError(t, c.Close(websocket.StatusNormalClosure, ""))

	require.Eventually(t, func() bool {
		_, ok, err := e.lobbies.CurrentLobbyID(context.Background(), 1)
		return err == nil && !ok
	}, 2*time.Second, 10*time.Millisecond, "closing the last stream removes the player")
	assert.Equal(t, handlers.StatusOffline, e.presence.status(1))
}

func TestEventStreamRejectsBadToken(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := e.dial(t, ctx, 0)
	require.NoError(t, err)
	defer c.CloseNow()

	_, _, err = c.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusCode(handlers.InvalidAuthTokenError), websocket.CloseStatus(err))
}
