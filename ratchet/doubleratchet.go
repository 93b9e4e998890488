package ratchet

import (
	"bytes"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const maxSkippedKeys = 1000

// Key schedule. The symmetric (per-message) ratchet is a domain-separated
// HMAC step over the chain key; the DH ratchet folds each fresh DH output
// into the root through HKDF keyed on the current root key. Both group
// and pairwise chains step the same way.
const (
	labelMessageKey byte = 0x01
	labelChainKey   byte = 0x02
)

var rootInfo = []byte("olmcore ratchet root")

func hmacStep(key []byte, label byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte{label})
	return mac.Sum(nil)
}

// deriveMessageKey returns the AEAD key for the chain's current position
// without advancing it.
func deriveMessageKey(chainKey []byte) []byte {
	return hmacStep(chainKey, labelMessageKey)
}

// advanceChain steps the symmetric ratchet one message forward.
func advanceChain(chainKey []byte) []byte {
	return hmacStep(chainKey, labelChainKey)
}

// advanceRoot mixes a DH output into the root key, yielding the next root
// key and a fresh chain key seeded from it.
func advanceRoot(rootKey, dhOutput []byte) (newRootKey, newChainKey []byte, err error) {
	r := hkdf.New(sha256.New, dhOutput, rootKey, rootInfo)
	out := make([]byte, 64)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}

// skippedKey identifies a skipped message key by ratchet public key and
// message number.
type skippedKey struct {
	dhPub [32]byte
	n     uint32
}

// DoubleRatchet holds the state of a pairwise Double Ratchet session.
type DoubleRatchet struct {
	DHs *ecdh.PrivateKey // our current ratchet key pair
	DHr []byte           // their current ratchet public key (32 bytes); set at init on the initiator, nil on the responder until the first inbound DH step

	RK  []byte // root key (32 bytes)
	CKs []byte // sending chain key (32 bytes), nil until the first DH step
	CKr []byte // receiving chain key (32 bytes), nil until the first DH step

	Ns uint32 // sending message number
	Nr uint32 // receiving message number
	PN uint32 // previous sending chain length

	MKSkipped map[skippedKey][]byte
}

// InitAsInitiator initializes a ratchet as the session initiator: a new DH
// pair is generated and the first sending chain is derived against the
// peer's signed pre-key.
func InitAsInitiator(sharedSecret, peerSignedPreKey []byte) (*DoubleRatchet, error) {
	dhs, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}

	dhOut, err := x25519DH(dhs, peerSignedPreKey)
	if err != nil {
		return nil, err
	}

	rk, cks, err := advanceRoot(sharedSecret, dhOut)
	if err != nil {
		return nil, err
	}

	return &DoubleRatchet{
		DHs:       dhs,
		DHr:       peerSignedPreKey,
		RK:        rk,
		CKs:       cks,
		MKSkipped: make(map[skippedKey][]byte),
	}, nil
}

// InitAsResponder initializes a ratchet as the session responder. The
// responder's sending chain only comes into existence once it learns the
// initiator's ratchet key from the first received message.
func InitAsResponder(sharedSecret []byte, localSignedPreKey *ecdh.PrivateKey) *DoubleRatchet {
	return &DoubleRatchet{
		DHs:       localSignedPreKey,
		RK:        sharedSecret,
		MKSkipped: make(map[skippedKey][]byte),
	}
}

// Encrypt advances the sending chain and AEAD-encrypts plaintext, returning
// the header that must travel alongside the ciphertext.
func (s *DoubleRatchet) Encrypt(plaintext []byte) (*Header, []byte, error) {
	mk := deriveMessageKey(s.CKs)
	s.CKs = advanceChain(s.CKs)

	header := &Header{
		DHPub: s.DHs.PublicKey().Bytes(),
		N:     s.Ns,
		PN:    s.PN,
	}
	s.Ns++

	ciphertext, err := encryptWithNonce(mk, plaintext)
	if err != nil {
		return nil, nil, err
	}
	return header, ciphertext, nil
}

// Decrypt applies the Double Ratchet decryption algorithm: try a skipped
// key, then a DH ratchet step if the header carries a new public key, then
// skip forward within the current receiving chain.
func (s *DoubleRatchet) Decrypt(header *Header, ciphertext []byte) ([]byte, error) {
	if plaintext, err := s.trySkippedKeys(header, ciphertext); err == nil {
		return plaintext, nil
	}

	if s.DHr == nil || !bytes.Equal(header.DHPub, s.DHr) {
		if err := s.skipMessageKeys(header.PN); err != nil {
			return nil, err
		}
		if err := s.dhRatchetStep(header.DHPub); err != nil {
			return nil, err
		}
	}

	if err := s.skipMessageKeys(header.N); err != nil {
		return nil, err
	}

	mk := deriveMessageKey(s.CKr)
	s.CKr = advanceChain(s.CKr)
	s.Nr++

	return decryptWithNonce(mk, ciphertext)
}

func (s *DoubleRatchet) trySkippedKeys(header *Header, ciphertext []byte) ([]byte, error) {
	var k skippedKey
	copy(k.dhPub[:], header.DHPub)
	k.n = header.N

	mk, ok := s.MKSkipped[k]
	if !ok {
		return nil, ErrInvalidMessage
	}
	delete(s.MKSkipped, k)
	return decryptWithNonce(mk, ciphertext)
}

func (s *DoubleRatchet) skipMessageKeys(until uint32) error {
	if s.CKr == nil {
		return nil
	}
	if until > s.Nr+uint32(maxSkippedKeys) {
		return ErrSkippedKeyLimit
	}
	for s.Nr < until {
		mk := deriveMessageKey(s.CKr)
		s.CKr = advanceChain(s.CKr)

		var k skippedKey
		copy(k.dhPub[:], s.DHr)
		k.n = s.Nr
		s.MKSkipped[k] = mk
		s.Nr++

		if len(s.MKSkipped) > maxSkippedKeys {
			return ErrSkippedKeyLimit
		}
	}
	return nil
}

func (s *DoubleRatchet) dhRatchetStep(newDHr []byte) error {
	s.PN = s.Ns
	s.Ns = 0
	s.Nr = 0
	s.DHr = make([]byte, 32)
	copy(s.DHr, newDHr)

	dhOut, err := x25519DH(s.DHs, s.DHr)
	if err != nil {
		return err
	}
	rk, ckr, err := advanceRoot(s.RK, dhOut)
	if err != nil {
		return err
	}
	s.RK, s.CKr = rk, ckr

	s.DHs, err = GenerateX25519KeyPair()
	if err != nil {
		return err
	}

	dhOut, err = x25519DH(s.DHs, s.DHr)
	if err != nil {
		return err
	}
	rk, cks, err := advanceRoot(s.RK, dhOut)
	if err != nil {
		return err
	}
	s.RK, s.CKs = rk, cks

	return nil
}

// MarshalBinary serializes the ratchet state for the session pickle.
func (s *DoubleRatchet) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer

	buf.Write(s.DHs.Bytes())

	if s.DHr != nil {
		buf.WriteByte(1)
		buf.Write(s.DHr)
	} else {
		buf.WriteByte(0)
	}

	buf.Write(s.RK)
	writeOptionalKey(&buf, s.CKs)
	writeOptionalKey(&buf, s.CKr)

	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, s.Ns)
	buf.Write(b)
	binary.BigEndian.PutUint32(b, s.Nr)
	buf.Write(b)
	binary.BigEndian.PutUint32(b, s.PN)
	buf.Write(b)

	binary.BigEndian.PutUint32(b, uint32(len(s.MKSkipped)))
	buf.Write(b)
	for k, v := range s.MKSkipped {
		buf.Write(k.dhPub[:])
		binary.BigEndian.PutUint32(b, k.n)
		buf.Write(b)
		buf.Write(v)
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary deserializes ratchet state from a session pickle.
func (s *DoubleRatchet) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)

	dhsBytes := make([]byte, 32)
	if _, err := r.Read(dhsBytes); err != nil {
		return fmt.Errorf("%w: reading DHs: %v", ErrInvalidMessage, err)
	}
	var err error
	s.DHs, err = ecdh.X25519().NewPrivateKey(dhsBytes)
	if err != nil {
		return fmt.Errorf("%w: parsing DHs: %v", ErrInvalidMessage, err)
	}

	flag, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: reading DHr flag: %v", ErrInvalidMessage, err)
	}
	if flag == 1 {
		s.DHr = make([]byte, 32)
		if _, err := r.Read(s.DHr); err != nil {
			return fmt.Errorf("%w: reading DHr: %v", ErrInvalidMessage, err)
		}
	}

	s.RK = make([]byte, 32)
	if _, err := r.Read(s.RK); err != nil {
		return fmt.Errorf("%w: reading RK: %v", ErrInvalidMessage, err)
	}

	if s.CKs, err = readOptionalKey(r); err != nil {
		return fmt.Errorf("%w: reading CKs: %v", ErrInvalidMessage, err)
	}
	if s.CKr, err = readOptionalKey(r); err != nil {
		return fmt.Errorf("%w: reading CKr: %v", ErrInvalidMessage, err)
	}

	b := make([]byte, 4)
	if _, err := r.Read(b); err != nil {
		return fmt.Errorf("%w: reading Ns: %v", ErrInvalidMessage, err)
	}
	s.Ns = binary.BigEndian.Uint32(b)

	if _, err := r.Read(b); err != nil {
		return fmt.Errorf("%w: reading Nr: %v", ErrInvalidMessage, err)
	}
	s.Nr = binary.BigEndian.Uint32(b)

	if _, err := r.Read(b); err != nil {
		return fmt.Errorf("%w: reading PN: %v", ErrInvalidMessage, err)
	}
	s.PN = binary.BigEndian.Uint32(b)

	if _, err := r.Read(b); err != nil {
		return fmt.Errorf("%w: reading skipped count: %v", ErrInvalidMessage, err)
	}
	count := binary.BigEndian.Uint32(b)
	s.MKSkipped = make(map[skippedKey][]byte, count)

	for range count {
		var k skippedKey
		if _, err := r.Read(k.dhPub[:]); err != nil {
			return fmt.Errorf("%w: reading skipped dhPub: %v", ErrInvalidMessage, err)
		}
		if _, err := r.Read(b); err != nil {
			return fmt.Errorf("%w: reading skipped n: %v", ErrInvalidMessage, err)
		}
		k.n = binary.BigEndian.Uint32(b)
		mk := make([]byte, 32)
		if _, err := r.Read(mk); err != nil {
			return fmt.Errorf("%w: reading skipped mk: %v", ErrInvalidMessage, err)
		}
		s.MKSkipped[k] = mk
	}

	return nil
}

func writeOptionalKey(buf *bytes.Buffer, key []byte) {
	if key != nil {
		buf.WriteByte(1)
		buf.Write(key)
	} else {
		buf.WriteByte(0)
	}
}

func readOptionalKey(r *bytes.Reader) ([]byte, error) {
	flag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if flag == 0 {
		return nil, nil
	}
	key := make([]byte, 32)
	if _, err := r.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}
