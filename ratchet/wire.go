package ratchet

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// Wire encodings for everything that leaves this package as an opaque
// blob: pairwise messages travel inside to-device payloads as a base64
// "body", group messages as a room event's "ciphertext", and session key
// exports as an m.room_key event's "session_key".

// Curve25519PublicKey returns the X25519 form of an Ed25519 public key.
// Callers use it to derive a device's curve25519 identity key (the
// pre-key handshake target and sender_key value) from its fingerprint.
func Curve25519PublicKey(edPub ed25519.PublicKey) ([]byte, error) {
	return ed25519PublicKeyToX25519(edPub)
}

// MarshalBinary encodes a pairwise message: a pre-key flag, the optional
// handshake fields, the ratchet header, and the ciphertext.
func (m *Message) MarshalBinary() ([]byte, error) {
	headerBytes, err := m.Header.MarshalBinary()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if m.PreKey != nil {
		buf.WriteByte(1)
		writeKey(&buf, m.PreKey.IdentityKey)
		writeKey(&buf, m.PreKey.EphemeralPubKey)
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, m.PreKey.OneTimeKeyID)
		buf.Write(b)
	} else {
		buf.WriteByte(0)
	}
	buf.Write(headerBytes)
	buf.Write(m.Ciphertext)
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a pairwise message produced by MarshalBinary.
func (m *Message) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)

	flag, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: reading pre-key flag: %v", ErrInvalidMessage, err)
	}
	if flag == 1 {
		identityKey, err := readKey(r, ed25519.PublicKeySize)
		if err != nil {
			return err
		}
		ephemeralPubKey, err := readKey(r, 32)
		if err != nil {
			return err
		}
		b := make([]byte, 4)
		if _, err := r.Read(b); err != nil {
			return fmt.Errorf("%w: reading one-time key id: %v", ErrInvalidMessage, err)
		}
		m.PreKey = &PreKeyPayload{
			IdentityKey:     ed25519.PublicKey(identityKey),
			EphemeralPubKey: ephemeralPubKey,
			OneTimeKeyID:    binary.BigEndian.Uint32(b),
		}
	} else {
		m.PreKey = nil
	}

	headerBytes := make([]byte, headerSize)
	if _, err := r.Read(headerBytes); err != nil {
		return fmt.Errorf("%w: reading header: %v", ErrInvalidMessage, err)
	}
	m.Header = &Header{}
	if err := m.Header.UnmarshalBinary(headerBytes); err != nil {
		return err
	}

	m.Ciphertext = make([]byte, r.Len())
	if _, err := r.Read(m.Ciphertext); err != nil && r.Len() > 0 {
		return fmt.Errorf("%w: reading ciphertext: %v", ErrInvalidMessage, err)
	}
	return nil
}

// Encode returns the base64 wire form of a pairwise message.
func (m *Message) Encode() (string, error) {
	data, err := m.MarshalBinary()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeMessage parses the base64 wire form of a pairwise message.
func DecodeMessage(body string) (*Message, error) {
	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding message body: %v", ErrInvalidMessage, err)
	}
	m := &Message{}
	if err := m.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return m, nil
}

// MarshalBinary encodes a group message: index, signature, ciphertext.
func (m *GroupMessage) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, m.Index)
	buf.Write(b)
	writeKey(&buf, m.Signature)
	buf.Write(m.Ciphertext)
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a group message produced by MarshalBinary.
func (m *GroupMessage) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)

	b := make([]byte, 4)
	if _, err := r.Read(b); err != nil {
		return fmt.Errorf("%w: reading group message index: %v", ErrInvalidMessage, err)
	}
	m.Index = binary.BigEndian.Uint32(b)

	sig, err := readKey(r, ed25519.SignatureSize)
	if err != nil {
		return err
	}
	m.Signature = sig

	m.Ciphertext = make([]byte, r.Len())
	if _, err := r.Read(m.Ciphertext); err != nil && r.Len() > 0 {
		return fmt.Errorf("%w: reading group ciphertext: %v", ErrInvalidMessage, err)
	}
	return nil
}

// Encode returns the base64 wire form of a group message.
func (m *GroupMessage) Encode() (string, error) {
	data, err := m.MarshalBinary()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeGroupMessage parses the base64 wire form of a group message.
func DecodeGroupMessage(ciphertext string) (*GroupMessage, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding group ciphertext: %v", ErrInvalidMessage, err)
	}
	m := &GroupMessage{}
	if err := m.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return m, nil
}

// Encode returns the base64 export of a session key, the value an
// m.room_key event carries in its session_key field.
func (k *SessionKey) Encode() string {
	var buf bytes.Buffer
	writeKey(&buf, []byte(k.SessionID))
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, k.Index)
	buf.Write(b)
	buf.Write(k.ChainKey)
	buf.Write(k.SigningPubKey)
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// DecodeSessionKey parses a session key export produced by Encode.
func DecodeSessionKey(s string) (*SessionKey, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding session key: %v", ErrInvalidMessage, err)
	}
	r := bytes.NewReader(data)

	id, err := readKey(r, 0)
	if err != nil {
		return nil, err
	}

	b := make([]byte, 4)
	if _, err := r.Read(b); err != nil {
		return nil, fmt.Errorf("%w: reading session key index: %v", ErrInvalidMessage, err)
	}
	index := binary.BigEndian.Uint32(b)

	chainKey := make([]byte, 32)
	if _, err := r.Read(chainKey); err != nil {
		return nil, fmt.Errorf("%w: reading session chain key: %v", ErrInvalidMessage, err)
	}
	signingPubKey := make([]byte, ed25519.PublicKeySize)
	if _, err := r.Read(signingPubKey); err != nil {
		return nil, fmt.Errorf("%w: reading session signing key: %v", ErrInvalidMessage, err)
	}

	return &SessionKey{
		SessionID:     string(id),
		Index:         index,
		ChainKey:      chainKey,
		SigningPubKey: ed25519.PublicKey(signingPubKey),
	}, nil
}

// PairSession is the surface shared by both directions of a pairwise
// session. The engine holds sessions through this interface so a loaded
// pickle restores the same behavior regardless of which side created it.
type PairSession interface {
	ID() string
	Encrypt(plaintext []byte) (*Message, error)
	Decrypt(header *Header, ciphertext []byte) ([]byte, error)
	Pickle() ([]byte, error)
}

const (
	pickleKindOutbound byte = 1
	pickleKindInbound  byte = 2
)

// PairSessionFromPickle reconstructs a pairwise session of either
// direction from its pickle, dispatching on the kind tag every session
// pickle starts with.
func PairSessionFromPickle(data []byte) (PairSession, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty session pickle", ErrInvalidMessage)
	}
	switch data[0] {
	case pickleKindOutbound:
		return OutboundSessionFromPickle(data)
	case pickleKindInbound:
		return InboundSessionFromPickle(data)
	default:
		return nil, fmt.Errorf("%w: unknown session pickle kind %d", ErrInvalidMessage, data[0])
	}
}
