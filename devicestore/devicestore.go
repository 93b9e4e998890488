// Package devicestore implements the in-memory device registry: the set
// of known (user, device) identities and the curve25519/ed25519 key pairs
// that identify them, backed by a keystore.Store for fingerprint pinning.
package devicestore

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/quietloop/olmcore/keystore"
)

// Device is a single known device: its identity (ed25519, the fingerprint)
// and curve25519 (the pre-key handshake target) public keys.
type Device struct {
	UserID     string
	DeviceID   string
	Ed25519    []byte
	Curve25519 []byte
}

// sameIdentity reports (user, device) equality regardless of fingerprint.
func (d Device) sameIdentity(other Device) bool {
	return d.UserID == other.UserID && d.DeviceID == other.DeviceID
}

// equalFingerprint reports full device equality per §3: two devices with
// the same (user, device) but different ed25519 fingerprints are
// different devices for trust purposes.
func (d Device) equalFingerprint(other Device) bool {
	return d.sameIdentity(other) && bytes.Equal(d.Ed25519, other.Ed25519)
}

// Store is the in-memory list of known devices, with an owned KeyStore
// recording each device's pinned fingerprint.
type Store struct {
	mu        sync.Mutex
	devices   []Device
	knownKeys *keystore.Store
}

// New creates a DeviceStore backed by knownKeys for fingerprint pinning.
func New(knownKeys *keystore.Store) *Store {
	return &Store{knownKeys: knownKeys}
}

// Add registers device. It returns false without error if an
// identity-and-fingerprint-identical device is already present. A
// fingerprint change for an already-known (user, device) propagates
// *olmerrors.TrustError from the backing KeyStore and the device is not
// added.
func (s *Store) Add(device Device) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.devices {
		if existing.equalFingerprint(device) {
			return false, nil
		}
	}

	_, err := s.knownKeys.Add(keystore.Key{
		UserID:   device.UserID,
		DeviceID: device.DeviceID,
		Kind:     keystore.KindMatrixEd25519,
		KeyBytes: device.Ed25519,
	})
	if err != nil {
		return false, err
	}

	s.devices = append(s.devices, device)
	return true, nil
}

// UserDevices returns every known device for userID.
func (s *Store) UserDevices(userID string) []Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Device
	for _, d := range s.devices {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	return out
}

// VerifyKey locates the device matching (key.UserID, key.DeviceID) and
// reports whether its fingerprint equals key.KeyBytes. If no device
// matches the (user, device) pair at all, it returns a lookup error
// distinct from a fingerprint mismatch -- the inbound pipeline enqueues
// the event for later replay on a lookup miss, but drops it on a
// mismatch.
func (s *Store) VerifyKey(userID, deviceID string, fingerprint []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.devices {
		if d.UserID == userID && d.DeviceID == deviceID {
			return bytes.Equal(d.Ed25519, fingerprint), nil
		}
	}
	return false, fmt.Errorf("devicestore: no device known for %s/%s", userID, deviceID)
}
