package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

// The relay's handlers return their outbound messages instead of writing to
// the transport, so the whole protocol is exercised here by dispatching raw
// frames and asserting on the envelopes that come back.

func testRelay() *Relay {
	return newRelay(&Config{}, NewRegistry())
}

func newTestClient() *Client {
	return &Client{send: make(chan []byte, 8), addr: "test"}
}

func decodePayload(t *testing.T, payload []byte) map[string]any {
	t.Helper()

	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("undecodable payload %q: %v", payload, err)
	}
	return m
}

// envelopesFor filters out's entries addressed to c and decodes them.
func envelopesFor(t *testing.T, out []outbound, c *Client) []map[string]any {
	t.Helper()

	var msgs []map[string]any
	for _, o := range out {
		if o.to == c {
			msgs = append(msgs, decodePayload(t, o.payload))
		}
	}
	return msgs
}

func join(t *testing.T, rl *Relay, c *Client, frame string) []outbound {
	t.Helper()

	out := rl.dispatch(c, []byte(frame))
	if c.roomCode == "" {
		t.Fatalf("join %s did not attach the connection to a room", frame)
	}
	return out
}

func TestJoinWithoutCodeCreatesRoom(t *testing.T) {
	rl := testRelay()
	c := newTestClient()

	out := rl.dispatch(c, []byte(`{"type":"join","playerName":"alice"}`))

	msgs := envelopesFor(t, out, c)
	if len(msgs) != 2 {
		t.Fatalf("creator received %d messages, want joined and players", len(msgs))
	}

	joined := msgs[0]
	if joined["type"] != "joined" {
		t.Fatalf("first message type = %v, want joined", joined["type"])
	}
	if joined["isHost"] != true {
		t.Error("creator not reported as host")
	}
	if joined["role"] != "p1" {
		t.Errorf("creator role = %v, want p1", joined["role"])
	}
	code, _ := joined["roomCode"].(string)
	if len(code) != roomCodeLength {
		t.Errorf("room code %q has length %d, want %d", code, len(code), roomCodeLength)
	}

	if _, ok := rl.registry.Room(code); !ok {
		t.Error("room not present in registry after join")
	}

	roster := msgs[1]
	if roster["type"] != "players" {
		t.Fatalf("second message type = %v, want players", roster["type"])
	}
	if players := roster["players"].([]any); len(players) != 1 {
		t.Errorf("roster length = %d, want 1", len(players))
	}
}

func TestJoinWithoutNameUsesPlaceholder(t *testing.T) {
	rl := testRelay()
	c := newTestClient()

	out := join(t, rl, c, `{"type":"join"}`)

	roster := envelopesFor(t, out, c)[1]
	player := roster["players"].([]any)[0].(map[string]any)
	if player["name"] != defaultPlayerName {
		t.Errorf("name = %v, want %q", player["name"], defaultPlayerName)
	}
}

func TestJoinExistingRoomBroadcastsRosterToAll(t *testing.T) {
	rl := testRelay()
	a := newTestClient()
	b := newTestClient()
	join(t, rl, a, `{"type":"join","playerName":"alice"}`)

	out := rl.dispatch(b, []byte(fmt.Sprintf(`{"type":"join","playerName":"bob","roomCode":%q}`, a.roomCode)))

	bMsgs := envelopesFor(t, out, b)
	if len(bMsgs) != 2 {
		t.Fatalf("joiner received %d messages, want joined and players", len(bMsgs))
	}
	joined := bMsgs[0]
	if joined["type"] != "joined" || joined["isHost"] != false {
		t.Errorf("joiner got %v, want non-host joined", joined)
	}
	if joined["role"] != nil {
		t.Errorf("joiner role = %v, want null", joined["role"])
	}
	if joined["allowedKeys"] != nil {
		t.Errorf("joiner allowedKeys = %v, want null", joined["allowedKeys"])
	}
	if joined["roomCode"] != a.roomCode {
		t.Errorf("joiner room = %v, want %v", joined["roomCode"], a.roomCode)
	}

	aMsgs := envelopesFor(t, out, a)
	if len(aMsgs) != 1 || aMsgs[0]["type"] != "players" {
		t.Fatalf("existing player got %v, want one players roster", aMsgs)
	}
	players := aMsgs[0]["players"].([]any)
	if len(players) != 2 {
		t.Fatalf("roster length = %d, want 2", len(players))
	}
	// Roster order is join order.
	if players[0].(map[string]any)["name"] != "alice" || players[1].(map[string]any)["name"] != "bob" {
		t.Error("roster not in join order")
	}
}

func TestJoinFullRoomRepliesErrorWithoutSession(t *testing.T) {
	rl := testRelay()
	a := newTestClient()
	b := newTestClient()
	c := newTestClient()
	join(t, rl, a, `{"type":"join","playerName":"alice"}`)
	join(t, rl, b, fmt.Sprintf(`{"type":"join","playerName":"bob","roomCode":%q}`, a.roomCode))

	out := rl.dispatch(c, []byte(fmt.Sprintf(`{"type":"join","playerName":"carol","roomCode":%q}`, a.roomCode)))

	if len(out) != 1 || out[0].to != c {
		t.Fatalf("rejected join produced %d envelopes, want one error to sender", len(out))
	}
	if msg := decodePayload(t, out[0].payload); msg["type"] != "error" {
		t.Errorf("message type = %v, want error", msg["type"])
	}
	if c.roomCode != "" || c.sessionID != "" {
		t.Error("rejected join attached the connection to a room")
	}
	room, _ := rl.registry.Room(a.roomCode)
	if len(room.Players) != 2 {
		t.Errorf("room grew to %d players", len(room.Players))
	}
}

func TestJoinWithStaleCodeCreatesFreshRoom(t *testing.T) {
	rl := testRelay()
	a := newTestClient()
	join(t, rl, a, `{"type":"join","playerName":"alice"}`)
	oldCode := a.roomCode
	rl.deliver(rl.dispatch(a, []byte(`{"type":"leave"}`)))

	b := newTestClient()
	out := rl.dispatch(b, []byte(fmt.Sprintf(`{"type":"join","playerName":"bob","roomCode":%q}`, oldCode)))

	joined := envelopesFor(t, out, b)[0]
	if joined["isHost"] != true || joined["role"] != "p1" {
		t.Error("stale code join did not behave as a fresh room creation")
	}
	if joined["roomCode"] == oldCode {
		t.Error("stale code was reused for the fresh room")
	}
}

func TestSetRoleByHostBroadcastsToAll(t *testing.T) {
	rl := testRelay()
	a := newTestClient()
	b := newTestClient()
	join(t, rl, a, `{"type":"join","playerName":"alice"}`)
	join(t, rl, b, fmt.Sprintf(`{"type":"join","playerName":"bob","roomCode":%q}`, a.roomCode))

	out := rl.dispatch(a, []byte(fmt.Sprintf(`{"type":"setRole","targetPlayerId":%q,"role":"p2"}`, b.sessionID)))

	for _, c := range []*Client{a, b} {
		msgs := envelopesFor(t, out, c)
		if len(msgs) != 1 || msgs[0]["type"] != "players" {
			t.Fatalf("client got %v, want one players roster", msgs)
		}
	}

	roster := envelopesFor(t, out, a)[0]
	target := roster["players"].([]any)[1].(map[string]any)
	if target["role"] != "p2" {
		t.Errorf("target role = %v, want p2", target["role"])
	}
	keys := target["allowedKeys"].([]any)
	if len(keys) != 3 || keys[0] != "ArrowLeft" {
		t.Errorf("target allowedKeys = %v, want arrow keys", keys)
	}
}

func TestSetRoleByNonHostIsRejected(t *testing.T) {
	rl := testRelay()
	a := newTestClient()
	b := newTestClient()
	join(t, rl, a, `{"type":"join","playerName":"alice"}`)
	join(t, rl, b, fmt.Sprintf(`{"type":"join","roomCode":%q}`, a.roomCode))

	out := rl.dispatch(b, []byte(fmt.Sprintf(`{"type":"setRole","targetPlayerId":%q,"role":"p2"}`, a.sessionID)))

	if len(out) != 1 || out[0].to != b {
		t.Fatalf("got %d envelopes, want one error to sender only", len(out))
	}
	msg := decodePayload(t, out[0].payload)
	if msg["type"] != "error" || !strings.Contains(msg["message"].(string), "host") {
		t.Errorf("message = %v, want a host-only error", msg)
	}

	room, _ := rl.registry.Room(a.roomCode)
	if room.Players[0].Role != RoleP1 {
		t.Error("rejected setRole mutated a role")
	}
}

func TestSetRoleUnknownTargetIsRejected(t *testing.T) {
	rl := testRelay()
	a := newTestClient()
	join(t, rl, a, `{"type":"join","playerName":"alice"}`)

	out := rl.dispatch(a, []byte(`{"type":"setRole","targetPlayerId":"missing","role":"p2"}`))

	if len(out) != 1 || out[0].to != a {
		t.Fatalf("got %d envelopes, want one error to sender only", len(out))
	}
	if msg := decodePayload(t, out[0].payload); msg["type"] != "error" {
		t.Errorf("message type = %v, want error", msg["type"])
	}
}

func TestSetRoleBeforeJoinIsIgnored(t *testing.T) {
	rl := testRelay()
	c := newTestClient()

	if out := rl.dispatch(c, []byte(`{"type":"setRole","targetPlayerId":"x","role":"p2"}`)); out != nil {
		t.Errorf("unjoined setRole produced %d envelopes, want none", len(out))
	}
}

func TestKeyIsRelayedToOthersOnly(t *testing.T) {
	rl := testRelay()
	a := newTestClient()
	b := newTestClient()
	join(t, rl, a, `{"type":"join","playerName":"alice"}`)
	join(t, rl, b, fmt.Sprintf(`{"type":"join","roomCode":%q}`, a.roomCode))

	out := rl.dispatch(a, []byte(`{"type":"key","action":"KeyW","down":true}`))

	if msgs := envelopesFor(t, out, a); len(msgs) != 0 {
		t.Errorf("key echoed back to sender: %v", msgs)
	}
	msgs := envelopesFor(t, out, b)
	if len(msgs) != 1 {
		t.Fatalf("other player received %d messages, want 1", len(msgs))
	}
	key := msgs[0]
	if key["type"] != "key" || key["action"] != "KeyW" || key["down"] != true {
		t.Errorf("relayed key = %v", key)
	}
	if key["playerId"] != a.sessionID {
		t.Errorf("relayed playerId = %v, want sender's id", key["playerId"])
	}
}

// The relay forwards key events without checking them against the sender's
// allowed keys; filtering is the client's job. This pins that behavior.
func TestKeyIsRelayedEvenWhenActionOutsideAllowedKeys(t *testing.T) {
	rl := testRelay()
	a := newTestClient()
	b := newTestClient()
	join(t, rl, a, `{"type":"join","playerName":"alice"}`)
	join(t, rl, b, fmt.Sprintf(`{"type":"join","roomCode":%q}`, a.roomCode))

	// b has no role and therefore no allowed keys, and ArrowUp is not in
	// anyone's p1 set either.
	out := rl.dispatch(b, []byte(`{"type":"key","action":"ArrowUp","down":true}`))

	msgs := envelopesFor(t, out, a)
	if len(msgs) != 1 || msgs[0]["action"] != "ArrowUp" {
		t.Fatalf("unpermitted key was not relayed: %v", msgs)
	}
}

func TestKeyBeforeJoinIsIgnored(t *testing.T) {
	rl := testRelay()
	c := newTestClient()

	if out := rl.dispatch(c, []byte(`{"type":"key","action":"KeyW","down":true}`)); out != nil {
		t.Errorf("unjoined key produced %d envelopes, want none", len(out))
	}
}

func TestChatIsBroadcastIncludingSender(t *testing.T) {
	rl := testRelay()
	a := newTestClient()
	b := newTestClient()
	join(t, rl, a, `{"type":"join","playerName":"alice"}`)
	join(t, rl, b, fmt.Sprintf(`{"type":"join","playerName":"bob","roomCode":%q}`, a.roomCode))

	out := rl.dispatch(b, []byte(`{"type":"chat","message":"ready?"}`))

	for _, c := range []*Client{a, b} {
		msgs := envelopesFor(t, out, c)
		if len(msgs) != 1 {
			t.Fatalf("client received %d chat messages, want 1", len(msgs))
		}
		chat := msgs[0]
		if chat["type"] != "chat" || chat["playerName"] != "bob" || chat["message"] != "ready?" {
			t.Errorf("chat = %v", chat)
		}
	}
}

func TestChatBeforeJoinIsIgnored(t *testing.T) {
	rl := testRelay()
	c := newTestClient()

	if out := rl.dispatch(c, []byte(`{"type":"chat","message":"hello"}`)); out != nil {
		t.Errorf("unjoined chat produced %d envelopes, want none", len(out))
	}
}

func TestLeaveByLastPlayerDeletesRoom(t *testing.T) {
	rl := testRelay()
	a := newTestClient()
	join(t, rl, a, `{"type":"join","playerName":"alice"}`)
	code := a.roomCode

	out := rl.dispatch(a, []byte(`{"type":"leave"}`))

	if len(out) != 0 {
		t.Errorf("leave from a solo room produced %d envelopes, want none", len(out))
	}
	if _, ok := rl.registry.Room(code); ok {
		t.Error("room survived its last player leaving")
	}
	if a.roomCode != "" || a.sessionID != "" {
		t.Error("connection context not cleared by leave")
	}
}

func TestLeaveByHostSendsRefreshBeforeRoster(t *testing.T) {
	rl := testRelay()
	a := newTestClient()
	b := newTestClient()
	join(t, rl, a, `{"type":"join","playerName":"alice"}`)
	join(t, rl, b, fmt.Sprintf(`{"type":"join","playerName":"bob","roomCode":%q}`, a.roomCode))
	code := a.roomCode

	out := rl.dispatch(a, []byte(`{"type":"leave"}`))

	msgs := envelopesFor(t, out, b)
	if len(msgs) != 2 {
		t.Fatalf("survivor received %d messages, want refresh then roster", len(msgs))
	}

	refresh := msgs[0]
	if refresh["type"] != "joined" || refresh["isHost"] != true {
		t.Errorf("first message = %v, want a host identity refresh", refresh)
	}
	if refresh["playerId"] != b.sessionID || refresh["roomCode"] != code {
		t.Error("refresh does not carry the survivor's identity")
	}

	roster := msgs[1]
	if roster["type"] != "players" {
		t.Fatalf("second message type = %v, want players", roster["type"])
	}
	players := roster["players"].([]any)
	if len(players) != 1 {
		t.Fatalf("roster length = %d, want 1", len(players))
	}
	if players[0].(map[string]any)["isHost"] != true {
		t.Error("survivor not marked host in roster")
	}

	if _, ok := rl.registry.Room(code); !ok {
		t.Error("room deleted while a player remained")
	}
}

func TestCloseAfterLeaveIsNoop(t *testing.T) {
	rl := testRelay()
	a := newTestClient()
	join(t, rl, a, `{"type":"join","playerName":"alice"}`)

	rl.deliver(rl.dispatch(a, []byte(`{"type":"leave"}`)))

	// The transport close event arrives after the explicit leave.
	if out := rl.handleLeave(a); out != nil {
		t.Errorf("close after leave produced %d envelopes, want none", len(out))
	}
}

func TestMalformedFrameIsDiscarded(t *testing.T) {
	rl := testRelay()
	a := newTestClient()
	join(t, rl, a, `{"type":"join","playerName":"alice"}`)
	code := a.roomCode

	if out := rl.dispatch(a, []byte(`{not json`)); out != nil {
		t.Errorf("malformed frame produced %d envelopes, want none", len(out))
	}
	if _, ok := rl.registry.Room(code); !ok {
		t.Error("malformed frame changed registry state")
	}
	if a.roomCode != code {
		t.Error("malformed frame changed connection state")
	}
}

func TestUnknownTypeIsDiscarded(t *testing.T) {
	rl := testRelay()
	a := newTestClient()
	join(t, rl, a, `{"type":"join","playerName":"alice"}`)

	if out := rl.dispatch(a, []byte(`{"type":"teleport"}`)); out != nil {
		t.Errorf("unknown type produced %d envelopes, want none", len(out))
	}
}

func TestDeliverSkipsFullSendBuffer(t *testing.T) {
	rl := testRelay()
	blocked := &Client{send: make(chan []byte, 1), addr: "blocked"}
	blocked.send <- []byte("stuck")

	// Must not block or panic; the envelope is silently dropped.
	rl.deliver([]outbound{{to: blocked, payload: []byte(`{"type":"chat"}`)}})

	if len(blocked.send) != 1 {
		t.Error("delivery to a full buffer was not skipped")
	}
}

func TestRosterRoleSerializesAsNullWhenUnassigned(t *testing.T) {
	rl := testRelay()
	a := newTestClient()
	b := newTestClient()
	join(t, rl, a, `{"type":"join","playerName":"alice"}`)
	out := rl.dispatch(b, []byte(fmt.Sprintf(`{"type":"join","roomCode":%q}`, a.roomCode)))

	raw := string(out[0].payload)
	if !strings.Contains(raw, `"role":null`) {
		t.Errorf("joined payload %s does not carry a null role", raw)
	}
}
