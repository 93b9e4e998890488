package olmcore

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/quietloop/olmcore/devicestore"
	"github.com/quietloop/olmcore/olmerrors"
)

const (
	aliceID = "@alice:example.org"
	bobID   = "@bob:example.org"
	carolID = "@carol:example.org"
	roomID  = "!vugEJnkBJLmhWDXlYZ:example.org"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func openEngine(t *testing.T, userID, deviceID, dir string) *Olm {
	t.Helper()
	o, err := New(userID, deviceID, dir, quietLogger())
	require.NoError(t, err)
	return o
}

// deviceFor builds the device record another engine would download for o
// via a key query.
func deviceFor(t *testing.T, o *Olm) devicestore.Device {
	t.Helper()
	keys := o.IdentityKeys()
	ed, err := base64.StdEncoding.DecodeString(keys.Ed25519)
	require.NoError(t, err)
	curve, err := base64.StdEncoding.DecodeString(keys.Curve25519)
	require.NoError(t, err)
	return devicestore.Device{UserID: o.UserID(), DeviceID: o.DeviceID(), Ed25519: ed, Curve25519: curve}
}

// pairUp claims a one-time key from `to` and starts an outbound session
// from `from`, the way a caller would after a key claim.
func pairUp(t *testing.T, from, to *Olm) {
	t.Helper()
	otks, err := to.GenerateOneTimeKeys(1)
	require.NoError(t, err)
	require.NoError(t, from.CreateSession(to.UserID(), to.DeviceID(), otks[0]))
}

// toDeviceEntry extracts o's olm envelope from a to-device payload.
func toDeviceEntry(t *testing.T, toDevice []byte, o *Olm) (msgType int, body string) {
	t.Helper()
	entry := gjson.GetBytes(toDevice, "messages."+escapePath(o.UserID())+"."+escapePath(o.DeviceID()))
	require.True(t, entry.Exists(), "no to-device entry for %s/%s", o.UserID(), o.DeviceID())
	require.Equal(t, OlmAlgorithm, entry.Get("algorithm").String())
	ct := entry.Get("ciphertext." + escapePath(o.IdentityKeys().Curve25519))
	require.True(t, ct.Exists(), "no ciphertext keyed by recipient curve25519")
	return int(ct.Get("type").Int()), ct.Get("body").String()
}

func TestFreshInit(t *testing.T) {
	dir := t.TempDir()
	alice := openEngine(t, aliceID, "DEV1", dir)

	for _, suffix := range []string{".db", ".known_devices", ".trusted_devices"} {
		_, err := os.Stat(filepath.Join(dir, aliceID+"_DEV1"+suffix))
		require.NoError(t, err, "expected %s to exist", suffix)
	}

	keys := alice.IdentityKeys()
	require.NotEmpty(t, keys.Ed25519)
	require.NotEmpty(t, keys.Curve25519)
	require.NoError(t, alice.Close())

	reopened := openEngine(t, aliceID, "DEV1", dir)
	defer reopened.Close()
	require.Equal(t, keys, reopened.IdentityKeys())
}

func TestNewRejectsBadIdentifiers(t *testing.T) {
	dir := t.TempDir()
	_, err := New("not a user id", "DEV1", dir, quietLogger())
	require.Error(t, err)
	_, err = New(aliceID, "", dir, quietLogger())
	require.Error(t, err)
}

func TestFingerprintPinViolation(t *testing.T) {
	dir := t.TempDir()
	alice := openEngine(t, aliceID, "DEV1", dir)
	defer alice.Close()

	k1 := []byte("fingerprint-one-32-bytes-0000000")
	added, err := alice.AddDevice(devicestore.Device{UserID: bobID, DeviceID: "D", Ed25519: k1, Curve25519: []byte("curve-one")})
	require.NoError(t, err)
	require.True(t, added)

	_, err = alice.AddDevice(devicestore.Device{UserID: bobID, DeviceID: "D", Ed25519: []byte("fingerprint-two-32-bytes-0000000"), Curve25519: []byte("curve-two")})
	var trustErr *olmerrors.TrustError
	require.ErrorAs(t, err, &trustErr)
	require.Equal(t, bobID, trustErr.UserID)

	content, err := os.ReadFile(filepath.Join(dir, aliceID+"_DEV1.known_devices"))
	require.NoError(t, err)
	require.Contains(t, string(content), base64.StdEncoding.EncodeToString(k1))
	require.NotContains(t, string(content), base64.StdEncoding.EncodeToString([]byte("fingerprint-two-32-bytes-0000000")))
}

func TestInboundPreKeyInstallsRoomKey(t *testing.T) {
	alice := openEngine(t, aliceID, "DEV1", t.TempDir())
	defer alice.Close()
	bob := openEngine(t, bobID, "BOB1", t.TempDir())
	defer bob.Close()

	_, err := alice.AddDevice(deviceFor(t, bob))
	require.NoError(t, err)
	_, err = bob.AddDevice(deviceFor(t, alice))
	require.NoError(t, err)
	pairUp(t, bob, alice)

	roomPayload, toDevice, err := bob.GroupEncrypt(roomID, map[string]any{"type": "m.room.message", "body": "hi"}, []string{aliceID, bobID})
	require.NoError(t, err)
	require.NotNil(t, toDevice)

	msgType, body := toDeviceEntry(t, toDevice, alice)
	require.Equal(t, MessageTypePreKey, msgType)

	plaintext, err := alice.Decrypt(bobID, bob.IdentityKeys().Curve25519, msgType, body)
	require.NoError(t, err)
	require.Equal(t, "m.room_key", gjson.GetBytes(plaintext, "type").String())

	sessionID := gjson.GetBytes(roomPayload, "session_id").String()
	require.NotEmpty(t, sessionID)

	// The room key is installed, a pairwise session for Bob exists in
	// memory and in the database, and replaying the decrypted room event
	// works end to end.
	_, installed := alice.groups.Inbound(roomID, sessionID)
	require.True(t, installed)
	_, haveSession := alice.sessions.Get(bob.IdentityKeys().Curve25519)
	require.True(t, haveSession)
	rows, err := alice.store.LoadSessions()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, bobID, rows[0].User)
	require.Equal(t, "BOB1", rows[0].DeviceID)

	ciphertext := gjson.GetBytes(roomPayload, "ciphertext").String()
	decrypted, ok := alice.GroupDecrypt(roomID, sessionID, ciphertext)
	require.True(t, ok)
	require.Equal(t, roomID, gjson.GetBytes(decrypted, "room_id").String())
	require.Equal(t, "hi", gjson.GetBytes(decrypted, "body").String())
}

func TestMatchingSessionBadCiphertextAborts(t *testing.T) {
	alice := openEngine(t, aliceID, "DEV1", t.TempDir())
	defer alice.Close()
	bob := openEngine(t, bobID, "BOB1", t.TempDir())
	defer bob.Close()

	_, err := alice.AddDevice(deviceFor(t, bob))
	require.NoError(t, err)
	_, err = bob.AddDevice(deviceFor(t, alice))
	require.NoError(t, err)
	pairUp(t, bob, alice)

	_, toDevice, err := bob.GroupEncrypt(roomID, map[string]any{"type": "m.room.message"}, []string{aliceID})
	require.NoError(t, err)
	msgType, body := toDeviceEntry(t, toDevice, alice)
	_, err = alice.Decrypt(bobID, bob.IdentityKeys().Curve25519, msgType, body)
	require.NoError(t, err)
	require.Len(t, alice.sessions.All(), 1)

	// A second envelope on the same still-unconfirmed handshake matches
	// the session Alice already has. Corrupting its ciphertext must abort
	// the pipeline without minting a replacement session.
	second, err := bob.shareGroupSession(roomID, []string{aliceID})
	require.NoError(t, err)
	msgType, body = toDeviceEntry(t, second, alice)
	require.Equal(t, MessageTypePreKey, msgType)

	raw, err := base64.StdEncoding.DecodeString(body)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	corrupted := base64.StdEncoding.EncodeToString(raw)

	_, err = alice.Decrypt(bobID, bob.IdentityKeys().Curve25519, msgType, corrupted)
	var encErr *olmerrors.EncryptionError
	require.ErrorAs(t, err, &encErr)
	require.Len(t, alice.sessions.All(), 1, "no replacement session may be created")
}

func TestGroupEncryptDistributesOnceAndIgnoresTrust(t *testing.T) {
	alice := openEngine(t, aliceID, "DEV1", t.TempDir())
	defer alice.Close()
	bob := openEngine(t, bobID, "BOB1", t.TempDir())
	defer bob.Close()
	carol := openEngine(t, carolID, "CAR1", t.TempDir())
	defer carol.Close()

	for _, peer := range []*Olm{alice, carol} {
		_, err := bob.AddDevice(deviceFor(t, peer))
		require.NoError(t, err)
		_, err = peer.AddDevice(deviceFor(t, bob))
		require.NoError(t, err)
		pairUp(t, bob, peer)
	}

	// Carol's device is verified, Alice's is not; both still receive the
	// key, since sharing rides on fingerprint continuity, not on the
	// trust annotation.
	verified, err := bob.VerifyDevice(KeyFromDevice(deviceFor(t, carol)))
	require.NoError(t, err)
	require.True(t, verified)
	require.True(t, bob.DeviceTrusted(deviceFor(t, carol)))
	require.False(t, bob.DeviceTrusted(deviceFor(t, alice)))

	users := []string{aliceID, bobID, carolID}
	_, toDevice, err := bob.GroupEncrypt(roomID, map[string]any{"type": "m.room.message"}, users)
	require.NoError(t, err)
	require.NotNil(t, toDevice)

	messages := gjson.GetBytes(toDevice, "messages")
	require.Len(t, messages.Map(), 2, "exactly the two non-self users receive the key")
	toDeviceEntry(t, toDevice, alice)
	toDeviceEntry(t, toDevice, carol)

	// The peer side of either envelope yields the m.room_key payload.
	msgType, body := toDeviceEntry(t, toDevice, carol)
	plaintext, err := carol.Decrypt(bobID, bob.IdentityKeys().Curve25519, msgType, body)
	require.NoError(t, err)
	require.Equal(t, "m.room_key", gjson.GetBytes(plaintext, "type").String())
	require.Equal(t, MegolmAlgorithm, gjson.GetBytes(plaintext, "content.algorithm").String())
	require.Equal(t, carolID, gjson.GetBytes(plaintext, "recipient").String())

	// Distribution is at-most-once per session lifetime.
	_, toDevice, err = bob.GroupEncrypt(roomID, map[string]any{"type": "m.room.message"}, users)
	require.NoError(t, err)
	require.Nil(t, toDevice)
}

func TestRoundTripPersistence(t *testing.T) {
	aliceDir := t.TempDir()
	alice := openEngine(t, aliceID, "DEV1", aliceDir)
	bob := openEngine(t, bobID, "BOB1", t.TempDir())
	defer bob.Close()

	_, err := alice.AddDevice(deviceFor(t, bob))
	require.NoError(t, err)
	_, err = bob.AddDevice(deviceFor(t, alice))
	require.NoError(t, err)
	pairUp(t, bob, alice)

	roomPayload, toDevice, err := bob.GroupEncrypt(roomID, map[string]any{"type": "m.room.message", "body": "before restart"}, []string{aliceID})
	require.NoError(t, err)
	msgType, body := toDeviceEntry(t, toDevice, alice)
	_, err = alice.Decrypt(bobID, bob.IdentityKeys().Curve25519, msgType, body)
	require.NoError(t, err)

	keys := alice.IdentityKeys()
	sessionPairs := make(map[[2]string]bool)
	for _, s := range alice.sessions.All() {
		sessionPairs[[2]string{s.PeerCurve25519, s.SessionID}] = true
	}
	groupPairs := make(map[[2]string]bool)
	for _, g := range alice.groups.AllInbound() {
		groupPairs[[2]string{g.RoomID, g.SessionID}] = true
	}
	require.NoError(t, alice.Close())

	restored := openEngine(t, aliceID, "DEV1", aliceDir)
	defer restored.Close()

	require.Equal(t, keys, restored.IdentityKeys())
	restoredSessions := make(map[[2]string]bool)
	for _, s := range restored.sessions.All() {
		restoredSessions[[2]string{s.PeerCurve25519, s.SessionID}] = true
	}
	require.Equal(t, sessionPairs, restoredSessions)
	restoredGroups := make(map[[2]string]bool)
	for _, g := range restored.groups.AllInbound() {
		restoredGroups[[2]string{g.RoomID, g.SessionID}] = true
	}
	require.Equal(t, groupPairs, restoredGroups)

	// Ciphertext produced before the restart still decrypts.
	sessionID := gjson.GetBytes(roomPayload, "session_id").String()
	ciphertext := gjson.GetBytes(roomPayload, "ciphertext").String()
	plaintext, ok := restored.GroupDecrypt(roomID, sessionID, ciphertext)
	require.True(t, ok)
	require.Equal(t, "before restart", gjson.GetBytes(plaintext, "body").String())
}

func TestOutboundGroupSessionSurvivesRestart(t *testing.T) {
	bobDir := t.TempDir()
	alice := openEngine(t, aliceID, "DEV1", t.TempDir())
	defer alice.Close()
	bob := openEngine(t, bobID, "BOB1", bobDir)

	_, err := alice.AddDevice(deviceFor(t, bob))
	require.NoError(t, err)
	_, err = bob.AddDevice(deviceFor(t, alice))
	require.NoError(t, err)
	pairUp(t, bob, alice)

	first, toDevice, err := bob.GroupEncrypt(roomID, map[string]any{"type": "m.room.message"}, []string{aliceID})
	require.NoError(t, err)
	msgType, body := toDeviceEntry(t, toDevice, alice)
	_, err = alice.Decrypt(bobID, bob.IdentityKeys().Curve25519, msgType, body)
	require.NoError(t, err)
	firstSessionID := gjson.GetBytes(first, "session_id").String()
	require.NoError(t, bob.Close())

	restored := openEngine(t, bobID, "BOB1", bobDir)
	defer restored.Close()

	second, toDevice, err := restored.GroupEncrypt(roomID, map[string]any{"type": "m.room.message", "body": "after restart"}, []string{aliceID})
	require.NoError(t, err)
	require.Nil(t, toDevice, "the persisted shared flag suppresses a re-share")
	require.Equal(t, firstSessionID, gjson.GetBytes(second, "session_id").String())

	// Continuity proof: the peer's inbound session, keyed before the
	// restart, decrypts the post-restart message at the next index.
	plaintext, ok := alice.GroupDecrypt(roomID, firstSessionID, gjson.GetBytes(second, "ciphertext").String())
	require.True(t, ok)
	require.Equal(t, "after restart", gjson.GetBytes(plaintext, "body").String())
}

func TestUnknownSenderDeviceQueuesEvent(t *testing.T) {
	alice := openEngine(t, aliceID, "DEV1", t.TempDir())
	defer alice.Close()
	bob := openEngine(t, bobID, "BOB1", t.TempDir())
	defer bob.Close()

	// Bob knows Alice, but Alice has never downloaded Bob's keys.
	_, err := bob.AddDevice(deviceFor(t, alice))
	require.NoError(t, err)
	pairUp(t, bob, alice)

	roomPayload, toDevice, err := bob.GroupEncrypt(roomID, map[string]any{"type": "m.room.message"}, []string{aliceID})
	require.NoError(t, err)
	msgType, body := toDeviceEntry(t, toDevice, alice)

	plaintext, err := alice.Decrypt(bobID, bob.IdentityKeys().Curve25519, msgType, body)
	require.NoError(t, err)
	require.NotNil(t, plaintext)

	sessionID := gjson.GetBytes(roomPayload, "session_id").String()
	_, installed := alice.groups.Inbound(roomID, sessionID)
	require.False(t, installed, "room key must not install before the sender is verified")
	require.Len(t, alice.PendingOlmEvents(), 1)

	// The new pairwise session is still registered: the session is
	// protocol-valid even though the event is parked.
	_, haveSession := alice.sessions.Get(bob.IdentityKeys().Curve25519)
	require.True(t, haveSession)

	// Once the key query lands, a replay installs the room key.
	_, err = alice.AddDevice(deviceFor(t, bob))
	require.NoError(t, err)
	alice.ReplayPendingOlmEvents()
	require.Empty(t, alice.PendingOlmEvents())
	_, installed = alice.groups.Inbound(roomID, sessionID)
	require.True(t, installed)
}

func TestMismatchedPayloadSenderIsDropped(t *testing.T) {
	alice := openEngine(t, aliceID, "DEV1", t.TempDir())
	defer alice.Close()
	bob := openEngine(t, bobID, "BOB1", t.TempDir())
	defer bob.Close()

	_, err := alice.AddDevice(deviceFor(t, bob))
	require.NoError(t, err)
	_, err = bob.AddDevice(deviceFor(t, alice))
	require.NoError(t, err)
	pairUp(t, bob, alice)

	roomPayload, toDevice, err := bob.GroupEncrypt(roomID, map[string]any{"type": "m.room.message"}, []string{aliceID})
	require.NoError(t, err)
	msgType, body := toDeviceEntry(t, toDevice, alice)

	// The transport claims a different sender than the payload asserts:
	// decryption succeeds but the event is dropped without error and no
	// room key installs.
	plaintext, err := alice.Decrypt(carolID, bob.IdentityKeys().Curve25519, msgType, body)
	require.NoError(t, err)
	require.NotNil(t, plaintext)

	sessionID := gjson.GetBytes(roomPayload, "session_id").String()
	_, installed := alice.groups.Inbound(roomID, sessionID)
	require.False(t, installed)
	require.Empty(t, alice.PendingOlmEvents())
}

func TestGetMissingSessions(t *testing.T) {
	alice := openEngine(t, aliceID, "DEV1", t.TempDir())
	defer alice.Close()
	bob := openEngine(t, bobID, "BOB1", t.TempDir())
	defer bob.Close()
	carol := openEngine(t, carolID, "CAR1", t.TempDir())
	defer carol.Close()

	_, err := bob.AddDevice(deviceFor(t, alice))
	require.NoError(t, err)
	_, err = bob.AddDevice(deviceFor(t, carol))
	require.NoError(t, err)
	pairUp(t, bob, alice)

	missing := bob.GetMissingSessions([]string{aliceID, carolID})
	require.NotContains(t, missing, aliceID)
	require.Equal(t, map[string]string{"CAR1": "signed_curve25519"}, missing[carolID])
}

func TestCreateSessionRejectsForgedOneTimeKey(t *testing.T) {
	alice := openEngine(t, aliceID, "DEV1", t.TempDir())
	defer alice.Close()
	bob := openEngine(t, bobID, "BOB1", t.TempDir())
	defer bob.Close()

	_, err := bob.AddDevice(deviceFor(t, alice))
	require.NoError(t, err)

	otks, err := alice.GenerateOneTimeKeys(1)
	require.NoError(t, err)
	otks[0].Signature[0] ^= 0xFF

	err = bob.CreateSession(aliceID, "DEV1", otks[0])
	var trustErr *olmerrors.TrustError
	require.ErrorAs(t, err, &trustErr)
}

func TestCreateSessionUnknownDevice(t *testing.T) {
	bob := openEngine(t, bobID, "BOB1", t.TempDir())
	defer bob.Close()

	alice := openEngine(t, aliceID, "DEV1", t.TempDir())
	defer alice.Close()
	otks, err := alice.GenerateOneTimeKeys(1)
	require.NoError(t, err)

	err = bob.CreateSession(aliceID, "DEV1", otks[0])
	var encErr *olmerrors.EncryptionError
	require.ErrorAs(t, err, &encErr)
}

func TestGroupDecryptUnknownSession(t *testing.T) {
	alice := openEngine(t, aliceID, "DEV1", t.TempDir())
	defer alice.Close()

	_, ok := alice.GroupDecrypt(roomID, "no-such-session", "irrelevant")
	require.False(t, ok)
}

func TestTrustOperations(t *testing.T) {
	dir := t.TempDir()
	alice := openEngine(t, aliceID, "DEV1", dir)
	defer alice.Close()

	device := devicestore.Device{UserID: bobID, DeviceID: "D", Ed25519: []byte("bob-fingerprint"), Curve25519: []byte("bob-curve")}
	key := KeyFromDevice(device)

	require.False(t, alice.DeviceTrusted(device))
	added, err := alice.VerifyDevice(key)
	require.NoError(t, err)
	require.True(t, added)
	require.True(t, alice.DeviceTrusted(device))

	added, err = alice.VerifyDevice(key)
	require.NoError(t, err)
	require.False(t, added, "verifying twice reports already-trusted")

	require.NoError(t, alice.UnverifyDevice(key))
	require.False(t, alice.DeviceTrusted(device))
	require.NoError(t, alice.UnverifyDevice(key), "unverifying an absent key is not an error")
}

func TestGroupEncryptPlaintextInputNotMutated(t *testing.T) {
	alice := openEngine(t, aliceID, "DEV1", t.TempDir())
	defer alice.Close()
	bob := openEngine(t, bobID, "BOB1", t.TempDir())
	defer bob.Close()

	_, err := bob.AddDevice(deviceFor(t, alice))
	require.NoError(t, err)
	pairUp(t, bob, alice)

	event := map[string]any{"type": "m.room.message"}
	_, _, err = bob.GroupEncrypt(roomID, event, []string{aliceID})
	require.NoError(t, err)
	require.NotContains(t, event, "room_id")

	want, err := json.Marshal(map[string]any{"type": "m.room.message"})
	require.NoError(t, err)
	got, err := json.Marshal(event)
	require.NoError(t, err)
	require.JSONEq(t, string(want), string(got))
}
