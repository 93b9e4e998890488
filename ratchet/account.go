package ratchet

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"sync"
)

// OneTimePreKeyPublic is the public half of a one-time curve25519 key as
// published to peers. In Olm, one-time keys are signed directly by the
// device's Ed25519 identity key -- there is no separate signed pre-key.
type OneTimePreKeyPublic struct {
	ID        uint32
	PublicKey []byte // 32-byte X25519 public key
	Signature []byte // Ed25519 signature over PublicKey, made by the owning identity key
}

// Account holds a device's long-term identity key pair and its pool of
// one-time pre-keys. It is the root of trust for every session the device
// creates or accepts, and the only ratchet type that is ever persisted
// outside of an active session.
type Account struct {
	mu sync.Mutex

	identity *IdentityKeyPair

	oneTimeKeys map[uint32]*ecdh.PrivateKey
	nextOTKID   uint32

	// published marks one-time keys that have been announced to the server
	// and must not be advertised again; RemoveOneTimeKeys deletes past it.
	published map[uint32]bool
}

// NewAccount generates a fresh identity key pair with no one-time keys.
func NewAccount() (*Account, error) {
	identity, err := GenerateIdentityKeyPair()
	if err != nil {
		return nil, err
	}
	return &Account{
		identity:    identity,
		oneTimeKeys: make(map[uint32]*ecdh.PrivateKey),
		published:   make(map[uint32]bool),
	}, nil
}

// IdentityKeys returns the account's Ed25519 identity key pair.
func (a *Account) IdentityKeys() *IdentityKeyPair {
	return a.identity
}

// Sign produces an Ed25519 signature over message using the account's
// identity key, the same signature a one-time key publishes alongside
// itself.
func (a *Account) Sign(message []byte) []byte {
	return ed25519.Sign(a.identity.PrivateKey, message)
}

// GenerateOneTimeKeys generates count new one-time key pairs and returns
// their public halves, signed and ready to publish.
func (a *Account) GenerateOneTimeKeys(count int) ([]OneTimePreKeyPublic, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]OneTimePreKeyPublic, 0, count)
	for range count {
		kp, err := GenerateX25519KeyPair()
		if err != nil {
			return nil, err
		}
		id := a.nextOTKID
		a.nextOTKID++
		a.oneTimeKeys[id] = kp

		pub := kp.PublicKey().Bytes()
		out = append(out, OneTimePreKeyPublic{
			ID:        id,
			PublicKey: pub,
			Signature: a.Sign(pub),
		})
	}
	return out, nil
}

// MarkOneTimeKeysAsPublished flags every currently held one-time key as
// published, mirroring the server-side "claimed" bookkeeping an account
// keeps between calls to generate more.
func (a *Account) MarkOneTimeKeysAsPublished() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id := range a.oneTimeKeys {
		a.published[id] = true
	}
}

// takeOneTimeKey removes and returns the private key matching id, for use
// by the responder side of a handshake. The key is consumed: Olm one-time
// keys are single-use and must not be reused across sessions.
func (a *Account) takeOneTimeKey(id uint32) (*ecdh.PrivateKey, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	kp, ok := a.oneTimeKeys[id]
	if !ok {
		return nil, ErrNoOneTimeKey
	}
	delete(a.oneTimeKeys, id)
	delete(a.published, id)
	return kp, nil
}

// RemoveOneTimeKeys discards the one-time key an inbound session consumed
// from the pool and the published set. NewInboundSession already takes
// that key out when it builds the session, so for a session built from
// this account the call leaves the pool unchanged.
func (a *Account) RemoveOneTimeKeys(session *InboundSession) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if session.usedOneTimeKeyID == nil {
		return
	}
	delete(a.oneTimeKeys, *session.usedOneTimeKeyID)
	delete(a.published, *session.usedOneTimeKeyID)
}

// Pickle serializes the account, including every unused one-time private
// key, to a flat binary blob the same way the rest of the package encodes
// its opaque on-disk session state.
//
// Format: [seed(32)] [nextOTKID(4)] [otkCount(4)] { [id(4)] [published(1)] [priv(32)] }*
func (a *Account) Pickle() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var buf bytes.Buffer
	buf.Write(a.identity.PrivateKey.Seed())

	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, a.nextOTKID)
	buf.Write(b)

	binary.BigEndian.PutUint32(b, uint32(len(a.oneTimeKeys)))
	buf.Write(b)

	for id, kp := range a.oneTimeKeys {
		binary.BigEndian.PutUint32(b, id)
		buf.Write(b)
		if a.published[id] {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		buf.Write(kp.Bytes())
	}

	return buf.Bytes(), nil
}

// AccountFromPickle reconstructs an Account previously serialized by Pickle.
func AccountFromPickle(data []byte) (*Account, error) {
	r := bytes.NewReader(data)

	seed := make([]byte, ed25519.SeedSize)
	if _, err := r.Read(seed); err != nil {
		return nil, fmt.Errorf("%w: unpickling account seed: %v", ErrInvalidMessage, err)
	}
	priv := ed25519.NewKeyFromSeed(seed)

	b := make([]byte, 4)
	if _, err := r.Read(b); err != nil {
		return nil, fmt.Errorf("%w: unpickling next one-time key id: %v", ErrInvalidMessage, err)
	}
	nextOTKID := binary.BigEndian.Uint32(b)

	if _, err := r.Read(b); err != nil {
		return nil, fmt.Errorf("%w: unpickling one-time key count: %v", ErrInvalidMessage, err)
	}
	count := binary.BigEndian.Uint32(b)

	a := &Account{
		identity: &IdentityKeyPair{
			PrivateKey: priv,
			PublicKey:  priv.Public().(ed25519.PublicKey),
		},
		oneTimeKeys: make(map[uint32]*ecdh.PrivateKey, count),
		nextOTKID:   nextOTKID,
		published:   make(map[uint32]bool, count),
	}

	for range count {
		if _, err := r.Read(b); err != nil {
			return nil, fmt.Errorf("%w: unpickling one-time key id: %v", ErrInvalidMessage, err)
		}
		id := binary.BigEndian.Uint32(b)

		flag, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: unpickling one-time key published flag: %v", ErrInvalidMessage, err)
		}

		priv := make([]byte, 32)
		if _, err := r.Read(priv); err != nil {
			return nil, fmt.Errorf("%w: unpickling one-time key: %v", ErrInvalidMessage, err)
		}
		kp, err := ecdh.X25519().NewPrivateKey(priv)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing one-time key %d: %v", ErrInvalidMessage, id, err)
		}

		a.oneTimeKeys[id] = kp
		a.published[id] = flag == 1
	}

	return a, nil
}
