package ratchet

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// The group ratchet reuses the pairwise ratchet's symmetric chain step
// (deriveMessageKey/advanceChain) but drops the DH layer entirely: one
// chain, one sender, distributed once to every recipient.
//
// Unlike the pairwise ratchet, a group ratchet only ever moves forward: a
// message's chain key can derive every later key but none earlier, which
// is what lets a session key shared at index N let a new member decrypt
// everything from N onward without exposing history before it.

// OutboundGroupSession is the sender side of a Megolm-style group session:
// a single hash ratchet chain whose key is distributed once to every
// recipient, after which each member can derive the same sequence of
// per-message keys independently.
type OutboundGroupSession struct {
	id string

	chainKey []byte // current chain key, 32 bytes
	index    uint32

	signingKey    ed25519.PrivateKey
	signingPubKey ed25519.PublicKey
}

// NewOutboundGroupSession creates a new group session with a fresh random
// chain key and a session-scoped Ed25519 signing key. The signing key,
// not any member's device identity, is what every ciphertext is
// authenticated against -- any member holding the session key can verify
// a message without needing the sender's device keys.
func NewOutboundGroupSession() (*OutboundGroupSession, error) {
	chainKey := make([]byte, 32)
	if _, err := rand.Read(chainKey); err != nil {
		return nil, err
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	id := base64RawURL(pub)

	return &OutboundGroupSession{
		id:            id,
		chainKey:      chainKey,
		signingKey:    priv,
		signingPubKey: pub,
	}, nil
}

// ID returns the session identifier, derived from the session's signing
// public key so it is stable across the session's lifetime.
func (s *OutboundGroupSession) ID() string {
	return s.id
}

// MessageIndex returns the index of the next message this session will
// produce.
func (s *OutboundGroupSession) MessageIndex() uint32 {
	return s.index
}

// GroupMessage is a single ciphertext produced by a group session, signed
// by the session's Ed25519 key so any recipient can authenticate it
// without trusting the transport.
type GroupMessage struct {
	Index      uint32
	Ciphertext []byte
	Signature  []byte
}

// Encrypt derives the next message key from the chain, encrypts plaintext,
// and signs the result with the session's signing key.
func (s *OutboundGroupSession) Encrypt(plaintext []byte) (*GroupMessage, error) {
	mk := deriveMessageKey(s.chainKey)
	s.chainKey = advanceChain(s.chainKey)

	ciphertext, err := encryptWithNonce(mk, plaintext)
	if err != nil {
		return nil, err
	}

	index := s.index
	s.index++

	signed := signedPayload(s.id, index, ciphertext)
	sig := ed25519.Sign(s.signingKey, signed)

	return &GroupMessage{Index: index, Ciphertext: ciphertext, Signature: sig}, nil
}

func signedPayload(sessionID string, index uint32, ciphertext []byte) []byte {
	buf := make([]byte, 0, len(sessionID)+4+len(ciphertext))
	buf = append(buf, sessionID...)
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, index)
	buf = append(buf, b...)
	buf = append(buf, ciphertext...)
	return buf
}

// SessionKey is the one-shot export of an outbound session's current
// ratchet position, distributed to a room's members as an m.room_key
// event so each can construct a matching InboundGroupSession.
type SessionKey struct {
	SessionID     string
	Index         uint32
	ChainKey      []byte // 32 bytes, current chain key at Index
	SigningPubKey ed25519.PublicKey
}

// Key exports the session's current position for distribution to room
// members. It does not advance the ratchet.
func (s *OutboundGroupSession) Key() *SessionKey {
	return &SessionKey{
		SessionID:     s.id,
		Index:         s.index,
		ChainKey:      append([]byte(nil), s.chainKey...),
		SigningPubKey: append(ed25519.PublicKey(nil), s.signingPubKey...),
	}
}

// Pickle serializes the outbound session.
func (s *OutboundGroupSession) Pickle() ([]byte, error) {
	var buf bytes.Buffer
	writeKey(&buf, []byte(s.id))
	writeKey(&buf, s.chainKey)
	writeKey(&buf, s.signingKey)
	writeKey(&buf, s.signingPubKey)

	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, s.index)
	buf.Write(b)

	return buf.Bytes(), nil
}

// OutboundGroupSessionFromPickle reconstructs an OutboundGroupSession from
// Pickle output.
func OutboundGroupSessionFromPickle(data []byte) (*OutboundGroupSession, error) {
	r := bytes.NewReader(data)

	id, err := readKey(r, 0)
	if err != nil {
		return nil, err
	}
	chainKey, err := readKey(r, 32)
	if err != nil {
		return nil, err
	}
	signingKey, err := readKey(r, ed25519.PrivateKeySize)
	if err != nil {
		return nil, err
	}
	signingPubKey, err := readKey(r, ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}

	b := make([]byte, 4)
	if _, err := r.Read(b); err != nil {
		return nil, fmt.Errorf("%w: unpickling group session index: %v", ErrInvalidMessage, err)
	}

	return &OutboundGroupSession{
		id:            string(id),
		chainKey:      chainKey,
		signingKey:    ed25519.PrivateKey(signingKey),
		signingPubKey: ed25519.PublicKey(signingPubKey),
		index:         binary.BigEndian.Uint32(b),
	}, nil
}

// InboundGroupSession is a recipient's view of a group session, built from
// a SessionKey export. It can derive message keys forward from the index
// it was created at, but never backward: a member added at index N can
// never recover ciphertexts from before N.
type InboundGroupSession struct {
	id            string
	firstIndex    uint32
	nextIndex     uint32
	chainKey      []byte
	signingPubKey ed25519.PublicKey

	skipped map[uint32][]byte // index -> message key, for out-of-order delivery
}

// NewInboundGroupSession constructs a recipient session from a sender's
// exported SessionKey.
func NewInboundGroupSession(key *SessionKey) *InboundGroupSession {
	return &InboundGroupSession{
		id:            key.SessionID,
		firstIndex:    key.Index,
		nextIndex:     key.Index,
		chainKey:      append([]byte(nil), key.ChainKey...),
		signingPubKey: append(ed25519.PublicKey(nil), key.SigningPubKey...),
		skipped:       make(map[uint32][]byte),
	}
}

// ID returns the session identifier.
func (s *InboundGroupSession) ID() string {
	return s.id
}

// FirstKnownIndex returns the earliest message index this session can
// decrypt.
func (s *InboundGroupSession) FirstKnownIndex() uint32 {
	return s.firstIndex
}

// Decrypt verifies msg's signature against the session's signing key, then
// decrypts it, advancing the ratchet as needed to reach msg.Index. Indices
// before FirstKnownIndex can never be decrypted by this session.
func (s *InboundGroupSession) Decrypt(msg *GroupMessage) ([]byte, uint32, error) {
	signed := signedPayload(s.id, msg.Index, msg.Ciphertext)
	if !ed25519.Verify(s.signingPubKey, signed, msg.Signature) {
		return nil, 0, ErrInvalidSignature
	}

	if msg.Index < s.firstIndex {
		return nil, 0, ErrSessionMismatch
	}

	if mk, ok := s.skipped[msg.Index]; ok {
		delete(s.skipped, msg.Index)
		pt, err := decryptWithNonce(mk, msg.Ciphertext)
		return pt, msg.Index, err
	}

	if msg.Index < s.nextIndex {
		// Already consumed and not cached: the message key for this index
		// was derived and discarded by an earlier call.
		return nil, 0, ErrSessionMismatch
	}

	for s.nextIndex < msg.Index {
		s.skipped[s.nextIndex] = deriveMessageKey(s.chainKey)
		s.chainKey = advanceChain(s.chainKey)
		s.nextIndex++
	}

	mk := deriveMessageKey(s.chainKey)
	s.chainKey = advanceChain(s.chainKey)
	s.nextIndex++

	pt, err := decryptWithNonce(mk, msg.Ciphertext)
	return pt, msg.Index, err
}

// Pickle serializes the inbound session.
func (s *InboundGroupSession) Pickle() ([]byte, error) {
	var buf bytes.Buffer
	writeKey(&buf, []byte(s.id))
	writeKey(&buf, s.chainKey)
	writeKey(&buf, s.signingPubKey)

	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, s.firstIndex)
	buf.Write(b)
	binary.BigEndian.PutUint32(b, s.nextIndex)
	buf.Write(b)

	binary.BigEndian.PutUint32(b, uint32(len(s.skipped)))
	buf.Write(b)
	for idx, mk := range s.skipped {
		binary.BigEndian.PutUint32(b, idx)
		buf.Write(b)
		buf.Write(mk)
	}

	return buf.Bytes(), nil
}

// InboundGroupSessionFromPickle reconstructs an InboundGroupSession from
// Pickle output.
func InboundGroupSessionFromPickle(data []byte) (*InboundGroupSession, error) {
	r := bytes.NewReader(data)

	id, err := readKey(r, 0)
	if err != nil {
		return nil, err
	}
	chainKey, err := readKey(r, 32)
	if err != nil {
		return nil, err
	}
	signingPubKey, err := readKey(r, ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}

	b := make([]byte, 4)
	if _, err := r.Read(b); err != nil {
		return nil, fmt.Errorf("%w: unpickling first index: %v", ErrInvalidMessage, err)
	}
	firstIndex := binary.BigEndian.Uint32(b)

	if _, err := r.Read(b); err != nil {
		return nil, fmt.Errorf("%w: unpickling next index: %v", ErrInvalidMessage, err)
	}
	nextIndex := binary.BigEndian.Uint32(b)

	if _, err := r.Read(b); err != nil {
		return nil, fmt.Errorf("%w: unpickling skipped count: %v", ErrInvalidMessage, err)
	}
	count := binary.BigEndian.Uint32(b)

	skipped := make(map[uint32][]byte, count)
	for range count {
		if _, err := r.Read(b); err != nil {
			return nil, fmt.Errorf("%w: unpickling skipped index: %v", ErrInvalidMessage, err)
		}
		idx := binary.BigEndian.Uint32(b)
		mk := make([]byte, 32)
		if _, err := r.Read(mk); err != nil {
			return nil, fmt.Errorf("%w: unpickling skipped key: %v", ErrInvalidMessage, err)
		}
		skipped[idx] = mk
	}

	return &InboundGroupSession{
		id:            string(id),
		firstIndex:    firstIndex,
		nextIndex:     nextIndex,
		chainKey:      chainKey,
		signingPubKey: ed25519.PublicKey(signingPubKey),
		skipped:       skipped,
	}, nil
}
