package main

import "encoding/json"

// One JSON object per text frame, discriminated by the "type" field.

// ClientMessage is the single inbound frame shape; fields are populated
// depending on type.
type ClientMessage struct {
	Type           string `json:"type"`                     // "join", "setRole", "key", "leave", "chat"
	PlayerName     string `json:"playerName,omitempty"`     // join
	RoomCode       string `json:"roomCode,omitempty"`       // join
	ResourceURL    string `json:"resourceUrl,omitempty"`    // join
	TargetPlayerID string `json:"targetPlayerId,omitempty"` // setRole
	Role           string `json:"role,omitempty"`           // setRole
	Action         string `json:"action,omitempty"`         // key
	Down           bool   `json:"down"`                     // key
	Message        string `json:"message,omitempty"`        // chat
}

// JoinedMessage carries a session's identity back to it, both on join and as
// the individual refresh sent when it is promoted to host.
type JoinedMessage struct {
	Type        string   `json:"type"` // "joined"
	PlayerID    string   `json:"playerId"`
	RoomCode    string   `json:"roomCode"`
	IsHost      bool     `json:"isHost"`
	Role        Role     `json:"role"`
	AllowedKeys []string `json:"allowedKeys"`
}

// PlayersMessage is the room roster, in join order.
type PlayersMessage struct {
	Type    string       `json:"type"` // "players"
	Players []PlayerInfo `json:"players"`
}

type PlayerInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	IsHost      bool     `json:"isHost"`
	Role        Role     `json:"role"`
	AllowedKeys []string `json:"allowedKeys"`
}

// KeyMessage relays one input event to the other player.
type KeyMessage struct {
	Type     string `json:"type"` // "key"
	Action   string `json:"action"`
	Down     bool   `json:"down"`
	PlayerID string `json:"playerId"`
}

type ChatMessage struct {
	Type       string `json:"type"` // "chat"
	PlayerName string `json:"playerName"`
	Message    string `json:"message"`
}

type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

// An unassigned role is null on the wire, not an empty string.
func (r Role) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(r))
}

func (r *Role) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*r = Role(s)
	return nil
}

func joinedMessage(s *Session, code string) JoinedMessage {
	return JoinedMessage{
		Type:        "joined",
		PlayerID:    s.ID,
		RoomCode:    code,
		IsHost:      s.IsHost,
		Role:        s.Role,
		AllowedKeys: s.AllowedKeys,
	}
}

func rosterMessage(room *Room) PlayersMessage {
	players := make([]PlayerInfo, 0, len(room.Players))
	for _, p := range room.Players {
		players = append(players, PlayerInfo{
			ID:          p.ID,
			Name:        p.Name,
			IsHost:      p.IsHost,
			Role:        p.Role,
			AllowedKeys: p.AllowedKeys,
		})
	}
	return PlayersMessage{
		Type:    "players",
		Players: players,
	}
}
