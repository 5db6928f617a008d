// Package modelstest holds in-memory collaborators for tests.
package modelstest

import (
	"context"
	"sync"

	"github.com/jason-s-yu/cambia-matchmaker/internal/models"
)

// User is one entry of a Directory.
type User struct {
	Online   bool
	Verified bool
	Level    int
}

// Directory is an in-memory models.Directory.
type Directory struct {
	mu    sync.Mutex
	users map[int64]User
}

func NewDirectory() *Directory {
	return &Directory{users: make(map[int64]User)}
}

// Add registers online, verified users at the given level.
func (d *Directory) Add(level int, ids ...int64) *Directory {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		d.users[id] = User{Online: true, Verified: true, Level: level}
	}
	return d
}

// Set replaces one user.
func (d *Directory) Set(id int64, u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[id] = u
}

func (d *Directory) get(id int64) (User, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[id]
	return u, ok
}

func (d *Directory) Exists(_ context.Context, id int64) (bool, error) {
	_, ok := d.get(id)
	return ok, nil
}

func (d *Directory) IsOnline(_ context.Context, id int64) (bool, error) {
	u, _ := d.get(id)
	return u.Online, nil
}

func (d *Directory) IsVerified(_ context.Context, id int64) (bool, error) {
	u, _ := d.get(id)
	return u.Verified, nil
}

func (d *Directory) SkillLevel(_ context.Context, id int64) (int, error) {
	u, _ := d.get(id)
	return u.Level, nil
}

// Match is one match created through an Allocator.
type Match struct {
	ID     int64
	Server models.Server
	TeamA  models.Roster
	TeamB  models.Roster
}

// Allocator is an in-memory models.Allocator.
type Allocator struct {
	mu      sync.Mutex
	Idle    bool
	Err     error
	Matches []Match
	// OnFind runs at the start of every FindIdleServer call.
	OnFind func()
}

func NewAllocator() *Allocator {
	return &Allocator{Idle: true}
}

func (a *Allocator) FindIdleServer(context.Context) (models.Server, bool, error) {
	a.mu.Lock()
	hook := a.OnFind
	a.mu.Unlock()
	if hook != nil {
		hook()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return models.Server{}, false, a.Err
	}
	if !a.Idle {
		return models.Server{}, false, nil
	}
	return models.Server{ID: 1, Name: "test", IP: "127.0.0.1", Port: 30120}, true, nil
}

func (a *Allocator) CreateMatch(_ context.Context, server models.Server, teamA, teamB models.Roster) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return 0, a.Err
	}
	id := int64(len(a.Matches) + 1)
	a.Matches = append(a.Matches, Match{ID: id, Server: server, TeamA: teamA, TeamB: teamB})
	return id, nil
}

// Created returns the matches created so far.
func (a *Allocator) Created() []Match {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Match, len(a.Matches))
	copy(out, a.Matches)
	return out
}

// SetIdle toggles server availability.
func (a *Allocator) SetIdle(idle bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Idle = idle
}
