package devicestore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quietloop/olmcore/keystore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ks, err := keystore.Load(filepath.Join(t.TempDir(), "known_devices"))
	require.NoError(t, err)
	return New(ks)
}

func TestAddThenFingerprintChangeErrors(t *testing.T) {
	s := newTestStore(t)

	d1 := Device{UserID: "alice", DeviceID: "D", Ed25519: []byte("ed-key-1"), Curve25519: []byte("curve-1")}
	added, err := s.Add(d1)
	require.NoError(t, err)
	require.True(t, added)

	d2 := Device{UserID: "alice", DeviceID: "D", Ed25519: []byte("ed-key-2"), Curve25519: []byte("curve-2")}
	_, err = s.Add(d2)
	require.Error(t, err)
}

func TestVerifyKey(t *testing.T) {
	s := newTestStore(t)
	d := Device{UserID: "bob", DeviceID: "X", Ed25519: []byte("bob-ed-key"), Curve25519: []byte("bob-curve")}
	_, err := s.Add(d)
	require.NoError(t, err)

	ok, err := s.VerifyKey("bob", "X", []byte("bob-ed-key"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.VerifyKey("bob", "X", []byte("wrong-key"))
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.VerifyKey("bob", "unknown-device", []byte("bob-ed-key"))
	require.Error(t, err)
}

func TestUserDevices(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Add(Device{UserID: "alice", DeviceID: "D1", Ed25519: []byte("k1"), Curve25519: []byte("c1")})
	require.NoError(t, err)
	_, err = s.Add(Device{UserID: "alice", DeviceID: "D2", Ed25519: []byte("k2"), Curve25519: []byte("c2")})
	require.NoError(t, err)
	_, err = s.Add(Device{UserID: "bob", DeviceID: "D1", Ed25519: []byte("k3"), Curve25519: []byte("c3")})
	require.NoError(t, err)

	require.Len(t, s.UserDevices("alice"), 2)
	require.Len(t, s.UserDevices("bob"), 1)
	require.Len(t, s.UserDevices("carol"), 0)
}
