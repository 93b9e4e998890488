// Package sessionstore implements the in-memory map from a peer's
// Curve25519 identity key to its ordered list of pairwise Olm sessions.
package sessionstore

import (
	"sort"
	"sync"
)

// OlmSession is a pairwise session record: enough metadata for the store
// to order and deduplicate sessions, plus the opaque pickle the ratchet
// package owns.
type OlmSession struct {
	UserID         string
	DeviceID       string
	PeerCurve25519 string
	SessionID      string
	Pickle         []byte
}

// Equal implements the OlmSession equality used for deduplication:
// (user, device, peer_curve25519, session_id).
func (s OlmSession) Equal(other OlmSession) bool {
	return s.UserID == other.UserID &&
		s.DeviceID == other.DeviceID &&
		s.PeerCurve25519 == other.PeerCurve25519 &&
		s.SessionID == other.SessionID
}

// Store groups sessions by peer_curve25519, keeping each group sorted by
// session_id ascending. The "preferred" session for a peer is the first
// in that sorted list -- a deterministic canonical choice shared across
// implementations.
type Store struct {
	mu       sync.Mutex
	byPeer   map[string][]OlmSession
	allCount int
}

// New creates an empty SessionStore.
func New() *Store {
	return &Store{byPeer: make(map[string][]OlmSession)}
}

// Add inserts session, rejecting it (returning false) if an equal session
// is already present. On insert, the peer's session list is resorted by
// session_id ascending.
func (s *Store) Add(session OlmSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	group := s.byPeer[session.PeerCurve25519]
	for _, existing := range group {
		if existing.Equal(session) {
			return false
		}
	}

	group = append(group, session)
	sort.Slice(group, func(i, j int) bool { return group[i].SessionID < group[j].SessionID })
	s.byPeer[session.PeerCurve25519] = group
	s.allCount++
	return true
}

// Get returns the preferred (lowest session_id) session for peer, if any.
func (s *Store) Get(peerCurve25519 string) (OlmSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	group := s.byPeer[peerCurve25519]
	if len(group) == 0 {
		return OlmSession{}, false
	}
	return group[0], true
}

// SessionsFor returns every session known for peer, in session_id order.
func (s *Store) SessionsFor(peerCurve25519 string) []OlmSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	group := s.byPeer[peerCurve25519]
	out := make([]OlmSession, len(group))
	copy(out, group)
	return out
}

// Replace overwrites the stored pickle for an existing session, keeping
// its position in the sorted list (session_id is immutable once created,
// so resorting is never required here).
func (s *Store) Replace(session OlmSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	group := s.byPeer[session.PeerCurve25519]
	for i, existing := range group {
		if existing.SessionID == session.SessionID &&
			existing.UserID == session.UserID &&
			existing.DeviceID == session.DeviceID {
			group[i] = session
			return true
		}
	}
	return false
}

// All iterates every session across every peer, in unspecified order.
func (s *Store) All() []OlmSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]OlmSession, 0, s.allCount)
	for _, group := range s.byPeer {
		out = append(out, group...)
	}
	return out
}
