// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jason-s-yu/cambia-matchmaker/internal/cache"
	"github.com/jason-s-yu/cambia-matchmaker/internal/models"
)

// Config holds every setting read from the environment at process start.
type Config struct {
	Redis    cache.Options
	Postgres Postgres
	Port     string

	// TokenExpire is the lifetime of issued session tokens. Zero never expires.
	TokenExpire time.Duration
	// JWTPrivateKeyPath and JWTPublicKeyPath locate the ed25519 key pair.
	// A fresh pair is generated when they are empty.
	JWTPrivateKeyPath string
	JWTPublicKeyPath  string

	Matchmaking Matchmaking
}

// Postgres locates the user/account and match database.
type Postgres struct {
	User     string
	Password string
	Host     string
	Port     string
	Database string
}

// ConnString renders a pgx connection string.
func (p Postgres) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", p.User, p.Password, p.Host, p.Port, p.Database)
}

// Matchmaking tunes lobbies, teams, pre-matches and the queue tick.
type Matchmaking struct {
	TickInterval time.Duration

	// ReadyCountdown is how long players have to ready once everybody locked in.
	ReadyCountdown time.Duration
	// ReadyCountdownGap is subtracted from the countdown to get the moment a
	// pre-match counts as cancelled. It is negative in production, leaving a
	// grace period after the countdown shown to players.
	ReadyCountdownGap time.Duration
	// LockInTimeout bounds the pre_start phase before a pre-match turns idle.
	LockInTimeout time.Duration

	TeamReadyPlayersMin int

	DodgesExpire       time.Duration
	DodgeSweepInterval time.Duration

	// MatchesPerServer is how many unfinished matches one game server hosts.
	MatchesPerServer int

	SkillWindow SkillWindow

	// RandomSeed seeds eviction on mode change. Zero seeds from the clock.
	RandomSeed int64
}

// SkillWindow is the tiered widening of the accepted overall range: Base
// levels either side, plus Step per elapsed Interval of queue time, capped
// at Max.
type SkillWindow struct {
	Base     int
	Step     int
	Interval time.Duration
	Max      int
}

// Widen returns the half width of the window after queued has elapsed.
func (w SkillWindow) Widen(queued time.Duration) int {
	width := w.Base
	if w.Interval > 0 && queued > 0 {
		width += w.Step * int(queued/w.Interval)
	}
	if w.Max > 0 && width > w.Max {
		width = w.Max
	}
	return width
}

// Range returns the inclusive overall range accepted around overall. The lower
// bound never drops below zero.
func (w SkillWindow) Range(overall int, queued time.Duration) (lo, hi int) {
	width := w.Widen(queued)
	lo = overall - width
	if lo < 0 {
		lo = 0
	}
	return lo, overall + width
}

// Modes returns the mode table for this configuration.
func (m Matchmaking) Modes() models.Modes {
	return models.DefaultModes(m.TeamReadyPlayersMin)
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		Redis: cache.Options{
			Addr:       "localhost:6379",
			MaxRetries: cache.DefaultMaxRetries,
		},
		Postgres: Postgres{Host: "localhost", Port: "5432", Database: "postgres"},
		Port:     "8080",

		TokenExpire: 24 * time.Hour,

		Matchmaking: Matchmaking{
			TickInterval:        time.Second,
			ReadyCountdown:      30 * time.Second,
			ReadyCountdownGap:   -4 * time.Second,
			LockInTimeout:       60 * time.Second,
			TeamReadyPlayersMin: 5,
			DodgesExpire:        7 * 24 * time.Hour,
			DodgeSweepInterval:  time.Hour,
			MatchesPerServer:    20,
			SkillWindow: SkillWindow{
				Base:     1,
				Step:     1,
				Interval: 30 * time.Second,
				Max:      5,
			},
		},
	}
}

// Load reads the configuration from the environment, falling back to Default
// for every unset variable.
func Load() Config {
	d := Default()
	mm := d.Matchmaking

	return Config{
		Redis: cache.Options{
			Addr:       getEnv("REDIS_ADDR", d.Redis.Addr),
			Password:   getEnv("REDIS_PASSWORD", ""),
			DB:         getEnvInt("REDIS_DB", 0),
			Prefix:     getEnv("REDIS_KEY_PREFIX", ""),
			MaxRetries: getEnvInt("TX_MAX_RETRIES", d.Redis.MaxRetries),
		},
		Postgres: Postgres{
			User:     getEnv("POSTGRES_USER", ""),
			Password: getEnv("POSTGRES_PASSWORD", ""),
			Host:     getEnv("PG_HOST", d.Postgres.Host),
			Port:     getEnv("PG_PORT", d.Postgres.Port),
			Database: getEnv("PG_DATABASE", d.Postgres.Database),
		},
		Port: getEnv("PORT", d.Port),

		TokenExpire:       getEnvDuration("TOKEN_EXPIRE_TIME", d.TokenExpire),
		JWTPrivateKeyPath: getEnv("JWT_PRIVATE_KEY_PATH", ""),
		JWTPublicKeyPath:  getEnv("JWT_PUBLIC_KEY_PATH", ""),

		Matchmaking: Matchmaking{
			TickInterval:        getEnvDuration("QUEUE_TICK_INTERVAL", mm.TickInterval),
			ReadyCountdown:      getEnvDuration("MATCH_READY_COUNTDOWN", mm.ReadyCountdown),
			ReadyCountdownGap:   getEnvDuration("MATCH_READY_COUNTDOWN_GAP", mm.ReadyCountdownGap),
			LockInTimeout:       getEnvDuration("MATCH_LOCK_IN_TIMEOUT", mm.LockInTimeout),
			TeamReadyPlayersMin: getEnvInt("TEAM_READY_PLAYERS_MIN", mm.TeamReadyPlayersMin),
			DodgesExpire:        getEnvDuration("PLAYER_DODGES_EXPIRE_TIME", mm.DodgesExpire),
			DodgeSweepInterval:  getEnvDuration("DODGE_SWEEP_INTERVAL", mm.DodgeSweepInterval),
			MatchesPerServer:    getEnvInt("MATCHES_LIMIT_PER_SERVER", mm.MatchesPerServer),
			SkillWindow: SkillWindow{
				Base:     getEnvInt("SKILL_WINDOW_BASE", mm.SkillWindow.Base),
				Step:     getEnvInt("SKILL_WINDOW_STEP", mm.SkillWindow.Step),
				Interval: getEnvDuration("SKILL_WINDOW_INTERVAL", mm.SkillWindow.Interval),
				Max:      getEnvInt("SKILL_WINDOW_MAX", mm.SkillWindow.Max),
			},
			RandomSeed: int64(getEnvInt("RANDOM_SEED", 0)),
		},
	}
}

// getEnv is a helper to read an environment variable or return a default value.
func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvInt is a helper to parse an environment variable as integer, else a default value.
func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

// getEnvDuration accepts Go durations ("30s") or plain seconds ("30").
func getEnvDuration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}
