package ratchet

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Real Olm (unlike Signal's X3DH) has no separate signed pre-key: the
// one-time curve25519 key a device publishes fills both roles -- it is the
// third DH input during the handshake AND the responder's initial Double
// Ratchet key. x3dhPad/x3dhSalt follow the Signal/Olm convention of an
// all-0xFF padding block ahead of the DH outputs.
var (
	x3dhSalt = make([]byte, 32)
	x3dhPad  = bytes32(0xFF)
)

func bytes32(b byte) []byte {
	buf := make([]byte, 32)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

// X3DHResult is the shared secret and handshake metadata produced by the
// session initiator.
type X3DHResult struct {
	SharedSecret    []byte
	EphemeralPubKey []byte // X25519 public key generated for this handshake
	UsedOneTimeKey  uint32
}

// X3DHInitiate performs the 3-DH key agreement as the session initiator
// against a peer's published identity key and one claimed one-time key.
func X3DHInitiate(localIdentity *IdentityKeyPair, peerIdentityKey ed25519.PublicKey, peerOneTimeKey OneTimePreKeyPublic) (*X3DHResult, error) {
	ephemeralKey, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}

	localX25519, err := ed25519PrivateKeyToX25519(localIdentity.PrivateKey)
	if err != nil {
		return nil, err
	}
	peerIdentityX25519, err := ed25519PublicKeyToX25519(peerIdentityKey)
	if err != nil {
		return nil, err
	}

	// DH1 = DH(IK_local, OTK_peer)
	dh1, err := x25519DH(localX25519, peerOneTimeKey.PublicKey)
	if err != nil {
		return nil, err
	}
	// DH2 = DH(EK_local, IK_peer)
	dh2, err := x25519DH(ephemeralKey, peerIdentityX25519)
	if err != nil {
		return nil, err
	}
	// DH3 = DH(EK_local, OTK_peer)
	dh3, err := x25519DH(ephemeralKey, peerOneTimeKey.PublicKey)
	if err != nil {
		return nil, err
	}

	sk, err := deriveHandshakeKey(dh1, dh2, dh3)
	if err != nil {
		return nil, err
	}

	return &X3DHResult{
		SharedSecret:    sk,
		EphemeralPubKey: ephemeralKey.PublicKey().Bytes(),
		UsedOneTimeKey:  peerOneTimeKey.ID,
	}, nil
}

// deriveHandshakeKey condenses the three DH outputs, behind the 0xFF
// padding block, into the session's initial shared secret.
func deriveHandshakeKey(dhOutputs ...[]byte) ([]byte, error) {
	ikm := append([]byte(nil), x3dhPad...)
	for _, dh := range dhOutputs {
		ikm = append(ikm, dh...)
	}

	r := hkdf.New(sha256.New, ikm, x3dhSalt, []byte("olmcore X3DH"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// X3DHRespond performs the matching 3-DH agreement as the session
// responder, using the local one-time key consumed by the initiator.
func X3DHRespond(
	localIdentity *IdentityKeyPair,
	localOneTimeKey *ecdh.PrivateKey,
	peerIdentityKey ed25519.PublicKey,
	peerEphemeralPubKey []byte,
) ([]byte, error) {
	localX25519, err := ed25519PrivateKeyToX25519(localIdentity.PrivateKey)
	if err != nil {
		return nil, err
	}
	peerIdentityX25519, err := ed25519PublicKeyToX25519(peerIdentityKey)
	if err != nil {
		return nil, err
	}

	// DH1 = DH(OTK_local, IK_peer)
	dh1, err := x25519DH(localOneTimeKey, peerIdentityX25519)
	if err != nil {
		return nil, err
	}
	// DH2 = DH(IK_local, EK_peer)
	dh2, err := x25519DH(localX25519, peerEphemeralPubKey)
	if err != nil {
		return nil, err
	}
	// DH3 = DH(OTK_local, EK_peer)
	dh3, err := x25519DH(localOneTimeKey, peerEphemeralPubKey)
	if err != nil {
		return nil, err
	}

	return deriveHandshakeKey(dh1, dh2, dh3)
}
