package ratchet

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
)

// OutboundSession is a pairwise session created by the initiator. Every
// message it sends until the first reply arrives is a pre-key message,
// carrying enough of the handshake for the responder to derive the same
// ratchet state.
type OutboundSession struct {
	ratchet *DoubleRatchet

	localIdentity  ed25519.PublicKey
	remoteIdentity ed25519.PublicKey

	ephemeralPubKey []byte
	usedOneTimeKey  uint32

	// pending is cleared the first time Decrypt succeeds on this session,
	// marking the handshake as confirmed and further outbound messages as
	// ordinary (non-pre-key) ciphertext.
	pending bool
}

// NewOutboundSession begins a new pairwise session as the initiator,
// performing X3DH against the peer's published identity key and one
// claimed one-time key.
func NewOutboundSession(localIdentity *IdentityKeyPair, peerIdentityKey ed25519.PublicKey, peerOneTimeKey OneTimePreKeyPublic) (*OutboundSession, error) {
	x3dh, err := X3DHInitiate(localIdentity, peerIdentityKey, peerOneTimeKey)
	if err != nil {
		return nil, err
	}

	ratchet, err := InitAsInitiator(x3dh.SharedSecret, peerOneTimeKey.PublicKey)
	if err != nil {
		return nil, err
	}

	return &OutboundSession{
		ratchet:         ratchet,
		localIdentity:   localIdentity.PublicKey,
		remoteIdentity:  peerIdentityKey,
		ephemeralPubKey: x3dh.EphemeralPubKey,
		usedOneTimeKey:  x3dh.UsedOneTimeKey,
		pending:         true,
	}, nil
}

// SessionID is a stable, collision-resistant identifier for a session,
// derived from the identities and ephemeral key that uniquely pin the
// handshake that created it. It is combined with the peer's user and
// device id by callers that need a globally unique session key.
func sessionID(localIdentity, remoteIdentity ed25519.PublicKey, ephemeralPubKey []byte) string {
	h := make([]byte, 0, len(localIdentity)+len(remoteIdentity)+len(ephemeralPubKey))
	h = append(h, localIdentity...)
	h = append(h, remoteIdentity...)
	h = append(h, ephemeralPubKey...)
	sum := sha256Sum(h)
	return base64RawURL(sum[:])
}

// ID returns this session's identifier.
func (s *OutboundSession) ID() string {
	return sessionID(s.localIdentity, s.remoteIdentity, s.ephemeralPubKey)
}

// IsPreKey reports whether the next message this session sends must carry
// pre-key handshake material, i.e. whether the responder has not yet
// replied.
func (s *OutboundSession) IsPreKey() bool {
	return s.pending
}

// Encrypt encrypts plaintext. While the session is still pending, the
// returned message carries the pre-key fields the responder needs to
// complete the handshake on first receipt.
func (s *OutboundSession) Encrypt(plaintext []byte) (*Message, error) {
	header, ciphertext, err := s.ratchet.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}

	msg := &Message{Header: header, Ciphertext: ciphertext}
	if s.pending {
		msg.PreKey = &PreKeyPayload{
			IdentityKey:     s.localIdentity,
			EphemeralPubKey: s.ephemeralPubKey,
			OneTimeKeyID:    s.usedOneTimeKey,
		}
	}
	return msg, nil
}

// Decrypt applies an inbound ciphertext using this session's ratchet and,
// on success, confirms the handshake.
func (s *OutboundSession) Decrypt(header *Header, ciphertext []byte) ([]byte, error) {
	plaintext, err := s.ratchet.Decrypt(header, ciphertext)
	if err != nil {
		return nil, err
	}
	s.pending = false
	return plaintext, nil
}

// Pickle serializes the outbound session.
func (s *OutboundSession) Pickle() ([]byte, error) {
	ratchetData, err := s.ratchet.MarshalBinary()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteByte(pickleKindOutbound)
	writeKey(&buf, s.localIdentity)
	writeKey(&buf, s.remoteIdentity)
	writeKey(&buf, s.ephemeralPubKey)

	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, s.usedOneTimeKey)
	buf.Write(b)

	if s.pending {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	buf.Write(ratchetData)
	return buf.Bytes(), nil
}

// OutboundSessionFromPickle reconstructs an OutboundSession from Pickle output.
func OutboundSessionFromPickle(data []byte) (*OutboundSession, error) {
	r := bytes.NewReader(data)

	kind, err := r.ReadByte()
	if err != nil || kind != pickleKindOutbound {
		return nil, fmt.Errorf("%w: not an outbound session pickle", ErrInvalidMessage)
	}

	localIdentity, err := readKey(r, ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}
	remoteIdentity, err := readKey(r, ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}
	ephemeralPubKey, err := readKey(r, 32)
	if err != nil {
		return nil, err
	}

	b := make([]byte, 4)
	if _, err := r.Read(b); err != nil {
		return nil, fmt.Errorf("%w: unpickling used one-time key id: %v", ErrInvalidMessage, err)
	}
	usedOTK := binary.BigEndian.Uint32(b)

	pendingFlag, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: unpickling pending flag: %v", ErrInvalidMessage, err)
	}

	rest := make([]byte, r.Len())
	if _, err := r.Read(rest); err != nil {
		return nil, fmt.Errorf("%w: unpickling ratchet state: %v", ErrInvalidMessage, err)
	}
	ratchet := &DoubleRatchet{}
	if err := ratchet.UnmarshalBinary(rest); err != nil {
		return nil, err
	}

	return &OutboundSession{
		ratchet:         ratchet,
		localIdentity:   ed25519.PublicKey(localIdentity),
		remoteIdentity:  ed25519.PublicKey(remoteIdentity),
		ephemeralPubKey: ephemeralPubKey,
		usedOneTimeKey:  usedOTK,
		pending:         pendingFlag == 1,
	}, nil
}

// InboundSession is a pairwise session created by the responder from a
// received pre-key message.
type InboundSession struct {
	ratchet *DoubleRatchet

	localIdentity  ed25519.PublicKey
	remoteIdentity ed25519.PublicKey

	ephemeralPubKey  []byte
	usedOneTimeKeyID *uint32
}

// NewInboundSession completes the responder side of a handshake described
// by a pre-key message, consuming the referenced one-time key from
// account.
func NewInboundSession(account *Account, remoteIdentityKey ed25519.PublicKey, preKey *PreKeyPayload) (*InboundSession, error) {
	otkPriv, err := account.takeOneTimeKey(preKey.OneTimeKeyID)
	if err != nil {
		return nil, err
	}

	sharedSecret, err := X3DHRespond(account.identity, otkPriv, remoteIdentityKey, preKey.EphemeralPubKey)
	if err != nil {
		return nil, err
	}

	ratchet := InitAsResponder(sharedSecret, otkPriv)
	id := preKey.OneTimeKeyID

	return &InboundSession{
		ratchet:          ratchet,
		localIdentity:    account.identity.PublicKey,
		remoteIdentity:   remoteIdentityKey,
		ephemeralPubKey:  preKey.EphemeralPubKey,
		usedOneTimeKeyID: &id,
	}, nil
}

// ID returns this session's identifier.
func (s *InboundSession) ID() string {
	return sessionID(s.remoteIdentity, s.localIdentity, s.ephemeralPubKey)
}

// Matches reports whether a pre-key message's handshake fields describe
// exactly the handshake this session was created from. Callers use this
// before falling back to creating a brand new inbound session for an
// incoming pre-key message, so a replayed or retransmitted first message
// is routed to the existing session instead of minting a duplicate.
func (s *InboundSession) Matches(remoteIdentityKey ed25519.PublicKey, preKey *PreKeyPayload) bool {
	if !bytes.Equal(s.remoteIdentity, remoteIdentityKey) {
		return false
	}
	if !bytes.Equal(s.ephemeralPubKey, preKey.EphemeralPubKey) {
		return false
	}
	if s.usedOneTimeKeyID == nil || *s.usedOneTimeKeyID != preKey.OneTimeKeyID {
		return false
	}
	return true
}

// Encrypt encrypts plaintext for the remote peer.
func (s *InboundSession) Encrypt(plaintext []byte) (*Message, error) {
	header, ciphertext, err := s.ratchet.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	return &Message{Header: header, Ciphertext: ciphertext}, nil
}

// Decrypt applies an inbound ciphertext using this session's ratchet.
func (s *InboundSession) Decrypt(header *Header, ciphertext []byte) ([]byte, error) {
	return s.ratchet.Decrypt(header, ciphertext)
}

// Pickle serializes the inbound session.
func (s *InboundSession) Pickle() ([]byte, error) {
	ratchetData, err := s.ratchet.MarshalBinary()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteByte(pickleKindInbound)
	writeKey(&buf, s.localIdentity)
	writeKey(&buf, s.remoteIdentity)
	writeKey(&buf, s.ephemeralPubKey)

	if s.usedOneTimeKeyID != nil {
		buf.WriteByte(1)
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, *s.usedOneTimeKeyID)
		buf.Write(b)
	} else {
		buf.WriteByte(0)
	}

	buf.Write(ratchetData)
	return buf.Bytes(), nil
}

// InboundSessionFromPickle reconstructs an InboundSession from Pickle output.
func InboundSessionFromPickle(data []byte) (*InboundSession, error) {
	r := bytes.NewReader(data)

	kind, err := r.ReadByte()
	if err != nil || kind != pickleKindInbound {
		return nil, fmt.Errorf("%w: not an inbound session pickle", ErrInvalidMessage)
	}

	localIdentity, err := readKey(r, ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}
	remoteIdentity, err := readKey(r, ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}
	ephemeralPubKey, err := readKey(r, 32)
	if err != nil {
		return nil, err
	}

	flag, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: unpickling used one-time key flag: %v", ErrInvalidMessage, err)
	}
	var usedOTK *uint32
	if flag == 1 {
		b := make([]byte, 4)
		if _, err := r.Read(b); err != nil {
			return nil, fmt.Errorf("%w: unpickling used one-time key id: %v", ErrInvalidMessage, err)
		}
		id := binary.BigEndian.Uint32(b)
		usedOTK = &id
	}

	rest := make([]byte, r.Len())
	if _, err := r.Read(rest); err != nil {
		return nil, fmt.Errorf("%w: unpickling ratchet state: %v", ErrInvalidMessage, err)
	}
	ratchet := &DoubleRatchet{}
	if err := ratchet.UnmarshalBinary(rest); err != nil {
		return nil, err
	}

	return &InboundSession{
		ratchet:          ratchet,
		localIdentity:    ed25519.PublicKey(localIdentity),
		remoteIdentity:   ed25519.PublicKey(remoteIdentity),
		ephemeralPubKey:  ephemeralPubKey,
		usedOneTimeKeyID: usedOTK,
	}, nil
}

// Message is a single pairwise-session ciphertext with its ratchet header
// and, for the first message of a handshake, the pre-key payload needed to
// complete it.
type Message struct {
	Header     *Header
	Ciphertext []byte
	PreKey     *PreKeyPayload
}

// PreKeyPayload carries the X3DH handshake fields a pre-key message adds
// on top of an ordinary ratchet message.
type PreKeyPayload struct {
	IdentityKey     ed25519.PublicKey
	EphemeralPubKey []byte
	OneTimeKeyID    uint32
}

func writeKey(buf *bytes.Buffer, key []byte) {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(len(key)))
	buf.Write(b)
	buf.Write(key)
}

func readKey(r *bytes.Reader, expectedLen int) ([]byte, error) {
	b := make([]byte, 2)
	if _, err := r.Read(b); err != nil {
		return nil, fmt.Errorf("%w: reading key length: %v", ErrInvalidMessage, err)
	}
	n := binary.BigEndian.Uint16(b)
	key := make([]byte, n)
	if _, err := r.Read(key); err != nil {
		return nil, fmt.Errorf("%w: reading key: %v", ErrInvalidMessage, err)
	}
	if expectedLen != 0 && int(n) != expectedLen {
		return nil, fmt.Errorf("%w: key length %d, expected %d", ErrInvalidKeyLength, n, expectedLen)
	}
	return key, nil
}
