// internal/lobby/service.go
package lobby

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/cambia-matchmaker/internal/cache"
	"github.com/jason-s-yu/cambia-matchmaker/internal/events"
	"github.com/jason-s-yu/cambia-matchmaker/internal/models"
)

// Restrictions reports queue lock-outs of players.
type Restrictions interface {
	RestrictionCountdown(ctx context.Context, ids []int64) (time.Duration, error)
}

// Deps wires a Service.
type Deps struct {
	Store        *cache.Store
	Directory    models.Directory
	Restrictions Restrictions
	Notifier     events.Notifier
	Clock        clockwork.Clock
	Modes        models.Modes
	// Rand picks players evicted on a mode change. A nil Rand is seeded
	// from the clock.
	Rand *rand.Rand
	Log  logrus.FieldLogger
}

// Service runs every lobby operation against the shared cache.
type Service struct {
	store        *cache.Store
	keys         cache.Keys
	dir          models.Directory
	restrictions Restrictions
	notifier     events.Notifier
	clock        clockwork.Clock
	modes        models.Modes
	log          logrus.FieldLogger

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Rand == nil {
		d.Rand = rand.New(rand.NewSource(d.Clock.Now().UnixNano()))
	}
	if d.Notifier == nil {
		d.Notifier = events.Nop{}
	}
	return &Service{
		store:        d.Store,
		keys:         d.Store.Keys(),
		dir:          d.Directory,
		restrictions: d.Restrictions,
		notifier:     d.Notifier,
		clock:        d.Clock,
		modes:        d.Modes,
		log:          d.Log.WithField("component", "lobby"),
		rng:          d.Rand,
	}
}

// Modes returns the mode table used by this service.
func (s *Service) Modes() models.Modes { return s.modes }

func (s *Service) read(ctx context.Context, r cache.Reader, id int64) (*Lobby, bool, error) {
	return read(ctx, r, s.keys, s.modes, id)
}

// readExisting is read failing with a not-found error.
func (s *Service) readExisting(ctx context.Context, r cache.Reader, id int64) (*Lobby, error) {
	l, ok, err := s.read(ctx, r, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.NotFound("lobby", id)
	}
	return l, nil
}

// Load reads a lobby through r, which may be a watched transaction of
// another package.
func (s *Service) Load(ctx context.Context, r cache.Reader, id int64) (*Lobby, bool, error) {
	return s.read(ctx, r, id)
}

// Get returns the lobby or a not-found error.
func (s *Service) Get(ctx context.Context, id int64) (*Lobby, error) {
	return s.readExisting(ctx, s.store.Client(), id)
}

// TryGet returns the lobby; ok is false when it does not exist.
func (s *Service) TryGet(ctx context.Context, id int64) (*Lobby, bool, error) {
	return s.read(ctx, s.store.Client(), id)
}

// CurrentLobbyID returns the lobby playerID currently sits in.
func (s *Service) CurrentLobbyID(ctx context.Context, playerID int64) (int64, bool, error) {
	return cache.GetInt64(ctx, s.store.Client(), s.keys.PlayerLobby(playerID))
}

// CurrentLobby returns the lobby playerID currently sits in.
func (s *Service) CurrentLobby(ctx context.Context, playerID int64) (*Lobby, error) {
	id, ok, err := s.CurrentLobbyID(ctx, playerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.NotFound("lobby of player", playerID)
	}
	return s.Get(ctx, id)
}

// Overall is the highest skill level among the members, 0 for an empty lobby.
func (s *Service) Overall(ctx context.Context, l *Lobby) (int, error) {
	overall := 0
	for _, id := range l.PlayerIDs {
		lvl, err := s.dir.SkillLevel(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("skill level of %d: %w", id, err)
		}
		if lvl > overall {
			overall = lvl
		}
	}
	return overall, nil
}

// QueueTime returns how long the lobby has been queued.
func (s *Service) QueueTime(l *Lobby) time.Duration {
	return l.QueueTime(s.clock.Now())
}

// Create opens the lobby slot of ownerID with ownerID as sole member. An empty
// mode or type picks the default.
func (s *Service) Create(ctx context.Context, ownerID int64, mode models.Mode, typ models.MatchType) (*Lobby, error) {
	if err := models.CheckPlayable(ctx, s.dir, ownerID); err != nil {
		return nil, err
	}
	if mode == "" {
		mode = s.modes.Default
	}
	if typ == "" {
		typ = s.modes.DefaultType
	}
	if err := s.modes.Validate(mode, typ); err != nil {
		return nil, err
	}

	lobbyKey := s.keys.Lobby(ownerID)
	pointer := s.keys.PlayerLobby(ownerID)
	err := cache.ProtectedPre(ctx, s.store, []string{lobbyKey, s.keys.LobbyPlayers(ownerID), pointer},
		func(ctx context.Context, tx *redis.Tx) error {
			n, err := tx.Exists(ctx, lobbyKey, pointer).Result()
			if err != nil {
				return fmt.Errorf("check lobby of %d: %w", ownerID, err)
			}
			if n > 0 {
				return models.Invalid("player already has a lobby")
			}
			return nil
		},
		func(ctx context.Context, pipe redis.Pipeliner) error {
			pipe.HSet(ctx, lobbyKey,
				cache.FieldMode, string(mode),
				cache.FieldType, string(typ),
				cache.FieldPublic, "0")
			pipe.SAdd(ctx, s.keys.LobbyPlayers(ownerID), cache.FormatID(ownerID))
			pipe.Set(ctx, pointer, cache.FormatID(ownerID), 0)
			return nil
		},
		cache.Op("lobby.create"))
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"lobby_id": ownerID, "mode": mode, "type": typ}).Info("lobby created")
	return s.Get(ctx, ownerID)
}

// QueuedLobbies lists queued lobbies ordered by queue start, oldest first.
// Index entries whose lobby vanished are dropped from the index.
func (s *Service) QueuedLobbies(ctx context.Context) ([]*Lobby, error) {
	raw, err := s.store.Client().ZRange(ctx, s.keys.QueuedLobbies(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read queued lobbies: %w", err)
	}

	out := make([]*Lobby, 0, len(raw))
	for _, member := range raw {
		ids, err := cache.ParseIDs(s.keys.QueuedLobbies(), []string{member})
		if err != nil {
			return nil, err
		}
		l, ok, err := s.TryGet(ctx, ids[0])
		if err != nil {
			s.log.WithError(err).WithField("lobby_id", ids[0]).Warn("skipping unreadable queued lobby")
			continue
		}
		if !ok || !l.Queued() {
			s.store.Client().ZRem(ctx, s.keys.QueuedLobbies(), member)
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (s *Service) notify(ctx context.Context, typ models.EventType, userIDs []int64, payload interface{}) {
	if len(userIDs) == 0 {
		return
	}
	s.notifier.Notify(ctx, models.Event{
		Type:    typ,
		UserIDs: userIDs,
		Payload: payload,
		SentAt:  s.clock.Now(),
	})
}

// broadcast sends a fresh lobby_update to the members of each lobby.
func (s *Service) broadcast(ctx context.Context, ids ...int64) {
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		l, ok, err := s.TryGet(ctx, id)
		if err != nil {
			s.log.WithError(err).WithField("lobby_id", id).Warn("lobby update not sent")
			continue
		}
		if ok {
			s.notify(ctx, models.EventLobbyUpdate, l.PlayerIDs, l)
		}
	}
}

func checkMutable(l *Lobby) error {
	if l.Frozen() {
		return models.Invalid("lobby is in a pre-match")
	}
	return nil
}
