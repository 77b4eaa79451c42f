// FireIce room registry
//
// A room pairs up to two sessions sharing one game instance, identified by a
// short unique code. The first session to enter a room is its host; the host
// assigns the p1/p2 roles that tell each client which keys it may use.
//
// The registry is an in-memory store with no durability. It is not safe for
// concurrent use: the relay loop is the only writer, and serializes every
// mutation (see relay.go).

package main

import (
	"crypto/rand"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	maxPlayers        = 2
	roomCodeLength    = 6
	defaultPlayerName = "Player"
)

var (
	ErrRoomNotFound   = errors.New("no such room")
	ErrRoomFull       = errors.New("room is full")
	ErrNotHost        = errors.New("only the host can assign roles")
	ErrPlayerNotFound = errors.New("no such player in this room")
)

// Role is the logical player slot a session occupies.
type Role string

const (
	RoleP1 Role = "p1"
	RoleP2 Role = "p2"
)

// allowedKeys maps a role to the input keys its client may use. The mapping
// is fixed: roles outside p1/p2 carry no keys.
func allowedKeys(role Role) []string {
	switch role {
	case RoleP1:
		return []string{"KeyA", "KeyD", "KeyW"}
	case RoleP2:
		return []string{"ArrowLeft", "ArrowRight", "ArrowUp"}
	default:
		return nil
	}
}

// Session is one connected participant's state within a room.
type Session struct {
	ID          string
	Name        string
	IsHost      bool
	Role        Role
	AllowedKeys []string

	// client is the delivery handle for this participant. The gateway owns
	// the connection; the session only borrows it to address outbound sends.
	client *Client
}

// Room is a lobby holding one or two sessions, in join order. The join order
// matters: Players[0] inherits the host flag when the host leaves.
type Room struct {
	Code        string
	Players     []*Session
	ResourceURL string
	CreatedAt   time.Time

	lastActive time.Time
}

func (r *Room) find(sessionID string) *Session {
	for _, p := range r.Players {
		if p.ID == sessionID {
			return p
		}
	}
	return nil
}

// Registry maps room codes to active rooms. A room is present exactly while
// it has at least one player.
type Registry struct {
	rooms map[string]*Room
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*Room),
	}
}

func newSessionID() string {
	return uuid.NewString()
}

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomCode() string {
	buf := make([]byte, roomCodeLength)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	out := make([]byte, roomCodeLength)
	for i := range out {
		out[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}
	return string(out)
}

// newRoomCode generates a crypto-random room code, retrying until it does not
// collide with any currently active room. A collision must never silently
// replace an existing room's entry.
func (reg *Registry) newRoomCode() string {
	for {
		code := randomCode()
		if _, exists := reg.rooms[code]; !exists {
			return code
		}
	}
}

// CreateRoom opens a new room with first as its host. The host starts as p1
// with the p1 key set.
func (reg *Registry) CreateRoom(first *Session, resourceURL string) *Room {
	now := time.Now()

	first.IsHost = true
	first.Role = RoleP1
	first.AllowedKeys = allowedKeys(RoleP1)

	room := &Room{
		Code:        reg.newRoomCode(),
		Players:     []*Session{first},
		ResourceURL: resourceURL,
		CreatedAt:   now,
		lastActive:  now,
	}
	reg.rooms[room.Code] = room

	return room
}

// JoinRoom appends s to the room identified by code. The joiner arrives
// without a role; the host hands one out later. A non-empty resourceURL
// replaces the room's current one.
func (reg *Registry) JoinRoom(code string, s *Session, resourceURL string) (*Room, error) {
	room, ok := reg.rooms[code]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if len(room.Players) >= maxPlayers {
		return nil, ErrRoomFull
	}

	s.IsHost = false
	s.Role = ""
	s.AllowedKeys = nil

	room.Players = append(room.Players, s)
	if resourceURL != "" {
		room.ResourceURL = resourceURL
	}
	room.lastActive = time.Now()

	return room, nil
}

// Room looks up an active room by code.
func (reg *Registry) Room(code string) (*Room, bool) {
	room, ok := reg.rooms[code]
	return room, ok
}

// Touch records activity on a room, deferring the idle reaper.
func (reg *Registry) Touch(code string) {
	if room, ok := reg.rooms[code]; ok {
		room.lastActive = time.Now()
	}
}

// RemoveSession takes a session out of a room. Unknown rooms and sessions are
// a no-op, so a channel close arriving after an explicit leave is harmless.
//
// The returned room is nil when the room emptied and was deleted. When the
// departing session was the host, the remaining first player is promoted and
// returned so the caller can send it an individual identity refresh.
func (reg *Registry) RemoveSession(code, sessionID string) (room *Room, promoted *Session, removed bool) {
	r, ok := reg.rooms[code]
	if !ok {
		return nil, nil, false
	}

	idx := -1
	for i, p := range r.Players {
		if p.ID == sessionID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, nil, false
	}

	left := r.Players[idx]
	r.Players = append(r.Players[:idx], r.Players[idx+1:]...)

	if len(r.Players) == 0 {
		delete(reg.rooms, code)
		return nil, nil, true
	}

	if left.IsHost {
		promoted = r.Players[0]
		promoted.IsHost = true
	}
	r.lastActive = time.Now()

	return r, promoted, true
}

// AssignRole sets the target's role and derives its allowed keys. Only the
// room's host may assign roles; the sender and target must both resolve
// within the room. Nothing is mutated on error.
func (reg *Registry) AssignRole(code, senderID, targetID string, role Role) (*Room, error) {
	room, ok := reg.rooms[code]
	if !ok {
		return nil, ErrRoomNotFound
	}

	sender := room.find(senderID)
	if sender == nil || !sender.IsHost {
		return nil, ErrNotHost
	}

	target := room.find(targetID)
	if target == nil {
		return nil, ErrPlayerNotFound
	}

	target.Role = role
	target.AllowedKeys = allowedKeys(role)
	room.lastActive = time.Now()

	return room, nil
}

// Expire removes every room idle since before cutoff and returns the removed
// rooms so the caller can disconnect their clients.
func (reg *Registry) Expire(cutoff time.Time) []*Room {
	var stale []*Room
	for code, room := range reg.rooms {
		if room.lastActive.Before(cutoff) {
			delete(reg.rooms, code)
			stale = append(stale, room)
		}
	}
	return stale
}

// Counts reports the number of active rooms and sessions.
func (reg *Registry) Counts() (rooms, sessions int) {
	rooms = len(reg.rooms)
	for _, room := range reg.rooms {
		sessions += len(room.Players)
	}
	return rooms, sessions
}
