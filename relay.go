// FireIce message relay
//
// Every inbound event from every connection funnels into a single loop, so
// one message is handled in full before the next is looked at. Handlers
// never touch the transport directly: each returns a slice of outbound
// envelopes, which the loop then delivers. That keeps the whole protocol
// testable without a live websocket.
//
// Per-connection state is just the pair (sessionID, roomCode) captured on the
// Client, written only by this loop. A connection is "unjoined" while its
// roomCode is empty; setRole, key and chat are silently ignored in that
// state because nothing resolves for the sender.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type frame struct {
	client *Client
	data   []byte
}

// outbound is one serialized message addressed to a single client.
type outbound struct {
	to      *Client
	payload []byte
}

type Relay struct {
	cfg      *Config
	registry *Registry

	frames chan frame
	closes chan *Client
}

func newRelay(cfg *Config, reg *Registry) *Relay {
	return &Relay{
		cfg:      cfg,
		registry: reg,
		frames:   make(chan frame),
		closes:   make(chan *Client),
	}
}

func (rl *Relay) run(ctx context.Context) {
	var reap <-chan time.Time
	if rl.cfg.roomTimeout > 0 {
		ticker := time.NewTicker(rl.cfg.roomTimeout / 2)
		defer ticker.Stop()
		reap = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-rl.frames:
			rl.deliver(rl.dispatch(f.client, f.data))
		case c := <-rl.closes:
			rl.deliver(rl.handleLeave(c))
		case <-reap:
			rl.reapIdle()
		}
	}
}

func (rl *Relay) dispatch(c *Client, data []byte) []outbound {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logf(rl.cfg, "RELAY: Discarding malformed frame from %s: %v", c.addr, err)
		return nil
	}

	switch msg.Type {
	case "join":
		messagesHandled.WithLabelValues("join").Inc()
		return rl.handleJoin(c, msg)
	case "setRole":
		messagesHandled.WithLabelValues("setRole").Inc()
		return rl.handleSetRole(c, msg)
	case "key":
		messagesHandled.WithLabelValues("key").Inc()
		return rl.handleKey(c, msg)
	case "leave":
		messagesHandled.WithLabelValues("leave").Inc()
		return rl.handleLeave(c)
	case "chat":
		messagesHandled.WithLabelValues("chat").Inc()
		return rl.handleChat(c, msg)
	default:
		logf(rl.cfg, "RELAY: Discarding frame with unknown type %q from %s", msg.Type, c.addr)
		return nil
	}
}

// handleJoin places the sender into the room it asked for, or into a fresh
// one when no code was given or the code no longer resolves. A full room is
// reported back without creating a session; the connection stays open.
func (rl *Relay) handleJoin(c *Client, msg ClientMessage) []outbound {
	name := msg.PlayerName
	if name == "" {
		name = defaultPlayerName
	}
	s := &Session{
		ID:     newSessionID(),
		Name:   name,
		client: c,
	}

	if msg.RoomCode != "" {
		room, err := rl.registry.JoinRoom(msg.RoomCode, s, msg.ResourceURL)
		switch {
		case errors.Is(err, ErrRoomFull):
			return single(rl.cfg, c, ErrorMessage{Type: "error", Message: ErrRoomFull.Error()})
		case err == nil:
			c.sessionID = s.ID
			c.roomCode = room.Code
			activeSessions.Inc()
			logf(rl.cfg, "ROOMS: Player %q joined room %s", s.Name, room.Code)

			out := single(rl.cfg, c, joinedMessage(s, room.Code))
			return append(out, rl.broadcast(room.Code, rosterMessage(room), "")...)
		}
		// The code did not resolve; fall through and open a fresh room.
	}

	room := rl.registry.CreateRoom(s, msg.ResourceURL)
	c.sessionID = s.ID
	c.roomCode = room.Code
	activeRooms.Inc()
	activeSessions.Inc()
	logf(rl.cfg, "ROOMS: Created room %s, host %q", room.Code, s.Name)

	out := single(rl.cfg, c, joinedMessage(s, room.Code))
	return append(out, rl.broadcast(room.Code, rosterMessage(room), "")...)
}

func (rl *Relay) handleSetRole(c *Client, msg ClientMessage) []outbound {
	if c.roomCode == "" {
		return nil
	}

	room, err := rl.registry.AssignRole(c.roomCode, c.sessionID, msg.TargetPlayerID, Role(msg.Role))
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return nil
		}
		return single(rl.cfg, c, ErrorMessage{Type: "error", Message: err.Error()})
	}

	logf(rl.cfg, "ROOMS: Role %q assigned to player %s in room %s", msg.Role, msg.TargetPlayerID, room.Code)

	return rl.broadcast(room.Code, rosterMessage(room), "")
}

// handleKey relays an input event to everyone else in the room. The action
// is forwarded as-is, whether or not it appears in the sender's allowed
// keys; clients filter their own input locally.
func (rl *Relay) handleKey(c *Client, msg ClientMessage) []outbound {
	if c.roomCode == "" {
		return nil
	}
	rl.registry.Touch(c.roomCode)

	return rl.broadcast(c.roomCode, KeyMessage{
		Type:     "key",
		Action:   msg.Action,
		Down:     msg.Down,
		PlayerID: c.sessionID,
	}, c.sessionID)
}

func (rl *Relay) handleChat(c *Client, msg ClientMessage) []outbound {
	room, sender := rl.resolve(c)
	if sender == nil {
		return nil
	}
	room.lastActive = time.Now()

	return rl.broadcast(room.Code, ChatMessage{
		Type:       "chat",
		PlayerName: sender.Name,
		Message:    msg.Message,
	}, "")
}

// handleLeave serves both the explicit leave message and a channel close.
// Running it twice for the same connection is a no-op the second time.
func (rl *Relay) handleLeave(c *Client) []outbound {
	if c.roomCode == "" {
		return nil
	}
	code := c.roomCode
	sessionID := c.sessionID
	c.sessionID = ""
	c.roomCode = ""

	room, promoted, removed := rl.registry.RemoveSession(code, sessionID)
	if !removed {
		return nil
	}
	activeSessions.Dec()

	if room == nil {
		activeRooms.Dec()
		logf(rl.cfg, "ROOMS: Closed room %s (no players)", code)
		return nil
	}

	var out []outbound
	if promoted != nil && promoted.client != nil {
		logf(rl.cfg, "ROOMS: Player %q promoted to host of room %s", promoted.Name, code)
		// Identity refresh goes out before the roster the rest of the room sees.
		out = append(out, single(rl.cfg, promoted.client, joinedMessage(promoted, code))...)
	}
	return append(out, rl.broadcast(code, rosterMessage(room), "")...)
}

func (rl *Relay) resolve(c *Client) (*Room, *Session) {
	if c.roomCode == "" {
		return nil, nil
	}
	room, ok := rl.registry.Room(c.roomCode)
	if !ok {
		return nil, nil
	}
	return room, room.find(c.sessionID)
}

// broadcast addresses payload to every member of the room except excludeID,
// serializing it once. Delivery handles are resolved from the room's current
// player list at call time, never cached.
func (rl *Relay) broadcast(code string, payload any, excludeID string) []outbound {
	room, ok := rl.registry.Room(code)
	if !ok {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		logf(rl.cfg, "RELAY: Dropping unserializable payload for room %s: %v", code, err)
		return nil
	}

	out := make([]outbound, 0, len(room.Players))
	for _, p := range room.Players {
		if p.ID == excludeID || p.client == nil {
			continue
		}
		out = append(out, outbound{to: p.client, payload: data})
	}
	return out
}

func single(cfg *Config, c *Client, payload any) []outbound {
	data, err := json.Marshal(payload)
	if err != nil {
		logf(cfg, "RELAY: Dropping unserializable payload for %s: %v", c.addr, err)
		return nil
	}
	return []outbound{{to: c, payload: data}}
}

// deliver hands each envelope to its client's send buffer. A full or dead
// buffer is skipped silently; there is no retry and no queueing beyond the
// buffer itself.
func (rl *Relay) deliver(out []outbound) {
	for _, o := range out {
		if !o.to.trySend(o.payload) {
			messagesDropped.Inc()
			logf(rl.cfg, "RELAY: Dropped message to %s (send buffer full)", o.to.addr)
		}
	}
}

// reapIdle tears down rooms nothing has touched within the configured
// timeout. Their clients are disconnected; the usual close path then finds
// the room already gone and no-ops.
func (rl *Relay) reapIdle() {
	cutoff := time.Now().Add(-rl.cfg.roomTimeout)
	for _, room := range rl.registry.Expire(cutoff) {
		logf(rl.cfg, "ROOMS: Reaped idle room %s", room.Code)
		activeRooms.Dec()
		for _, p := range room.Players {
			activeSessions.Dec()
			if p.client != nil && p.client.conn != nil {
				_ = p.client.conn.Close()
			}
		}
	}
}
