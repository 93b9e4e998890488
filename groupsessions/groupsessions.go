// Package groupsessions implements the room-keyed group session tables:
// the inbound (room, session_id) -> session map used to decrypt Megolm
// ciphertext, the outbound room -> session map used to produce it, and
// the shared_sessions set tracking which outbound sessions have already
// been distributed to a room's members.
package groupsessions

import "sync"

// InboundRecord pairs an inbound group session's metadata with its
// opaque pickle.
type InboundRecord struct {
	RoomID           string
	SessionID        string
	SenderCurve25519 string
	SenderEd25519    []byte
	Pickle           []byte
}

// OutboundRecord pairs an outbound group session's metadata with its
// opaque pickle and distribution state.
type OutboundRecord struct {
	RoomID    string
	SessionID string
	Pickle    []byte
	Shared    bool
}

// Tables holds the inbound and outbound group session maps plus the
// shared-sessions set, all scoped to a single engine.
type Tables struct {
	mu       sync.Mutex
	inbound  map[string]map[string]InboundRecord // room_id -> session_id -> record
	outbound map[string]OutboundRecord           // room_id -> record
}

// New creates empty group session tables.
func New() *Tables {
	return &Tables{
		inbound:  make(map[string]map[string]InboundRecord),
		outbound: make(map[string]OutboundRecord),
	}
}

// InstallInbound inserts an inbound group session record. Per the
// first-write-wins policy, a second call for an already-present
// (room_id, session_id) is a no-op that returns false -- a later re-share
// of the same session id can never reset an earlier session's ratchet
// position, closing the replay vector a last-write-wins map would allow.
func (t *Tables) InstallInbound(rec InboundRecord) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.inbound[rec.RoomID]
	if !ok {
		room = make(map[string]InboundRecord)
		t.inbound[rec.RoomID] = room
	}
	if _, exists := room[rec.SessionID]; exists {
		return false
	}
	room[rec.SessionID] = rec
	return true
}

// Inbound looks up an inbound group session by (room_id, session_id).
func (t *Tables) Inbound(roomID, sessionID string) (InboundRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.inbound[roomID]
	if !ok {
		return InboundRecord{}, false
	}
	rec, ok := room[sessionID]
	return rec, ok
}

// AllInbound returns every inbound group session record, for persistence
// round-trips and tests.
func (t *Tables) AllInbound() []InboundRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []InboundRecord
	for _, room := range t.inbound {
		for _, rec := range room {
			out = append(out, rec)
		}
	}
	return out
}

// Outbound returns the outbound group session for roomID, if any.
func (t *Tables) Outbound(roomID string) (OutboundRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.outbound[roomID]
	return rec, ok
}

// SetOutbound installs or replaces the outbound group session for a room.
func (t *Tables) SetOutbound(rec OutboundRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outbound[rec.RoomID] = rec
}

// MarkShared records that the outbound session for roomID has been
// distributed, so subsequent group_encrypt calls for the same session
// produce no to_device payload. At-most-once per outbound session
// lifetime: calling it twice is harmless.
func (t *Tables) MarkShared(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.outbound[roomID]
	if !ok {
		return
	}
	rec.Shared = true
	t.outbound[roomID] = rec
}

// AllOutbound returns every outbound group session record.
func (t *Tables) AllOutbound() []OutboundRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]OutboundRecord, 0, len(t.outbound))
	for _, rec := range t.outbound {
		out = append(out, rec)
	}
	return out
}
