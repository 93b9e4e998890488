package olmcore

import (
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/quietloop/olmcore/devicestore"
	"github.com/quietloop/olmcore/groupsessions"
	"github.com/quietloop/olmcore/keystore"
	"github.com/quietloop/olmcore/mxid"
	"github.com/quietloop/olmcore/ratchet"
	"github.com/quietloop/olmcore/sessionstore"
	"github.com/quietloop/olmcore/statestore"
)

// Algorithm identifiers carried in payloads.
const (
	MegolmAlgorithm = "m.megolm.v1.aes-sha2"
	OlmAlgorithm    = "m.olm.v1.curve25519-aes-sha2"
)

// Pairwise message types as they appear in to-device ciphertext entries.
const (
	MessageTypePreKey = 0
	MessageTypeNormal = 1
)

// IdentityKeys is the base64 form of the local account's public identity
// keys: ed25519 is the fingerprint, curve25519 the pre-key target.
type IdentityKeys struct {
	Ed25519    string
	Curve25519 string
}

// OlmEvent is a decrypted, well-formed payload whose sender device is not
// yet known. It is parked on the engine's queue until the caller has
// downloaded the sender's device keys and asks for a replay.
type OlmEvent struct {
	ID        string
	Sender    string
	SenderKey string
	Payload   []byte
}

// Olm is the engine: it owns the account, every pairwise and group
// session, the device and trust stores, and the database handle. It is
// safe for concurrent use, but all operations are serialized behind a
// single lock -- every pipeline mutates shared state and correctness
// depends on those mutations being ordered.
type Olm struct {
	mu sync.Mutex

	userID      string
	deviceID    string
	sessionPath string

	account  *ratchet.Account
	identity IdentityKeys

	devices  *devicestore.Store
	trustDB  *keystore.Store
	sessions *sessionstore.Store

	groups       *groupsessions.Tables
	liveInbound  map[string]*ratchet.InboundGroupSession
	liveOutbound map[string]*ratchet.OutboundGroupSession

	store *statestore.Store

	olmQueue []OlmEvent

	logger *log.Logger
}

// New opens (creating on first run) the engine for one (user, device)
// pair. sessionPath is the directory holding the fingerprint stores and
// the database; it must exist. A nil logger falls back to log.Default().
func New(userID, deviceID, sessionPath string, logger *log.Logger) (*Olm, error) {
	if logger == nil {
		logger = log.Default()
	}
	if _, err := mxid.ParseUser(userID); err != nil {
		return nil, fmt.Errorf("olm: bad user id: %w", err)
	}
	if !mxid.ValidDeviceID(deviceID) {
		return nil, fmt.Errorf("olm: bad device id %q", deviceID)
	}

	prefix := fmt.Sprintf("%s_%s", userID, deviceID)

	knownPath := filepath.Join(sessionPath, prefix+".known_devices")
	if err := ensureFile(knownPath); err != nil {
		return nil, err
	}
	knownKeys, err := keystore.Load(knownPath)
	if err != nil {
		return nil, err
	}

	trustPath := filepath.Join(sessionPath, prefix+".trusted_devices")
	if err := ensureFile(trustPath); err != nil {
		return nil, err
	}
	trustDB, err := keystore.Load(trustPath)
	if err != nil {
		return nil, err
	}

	store, fresh, err := statestore.Open(filepath.Join(sessionPath, prefix+".db"))
	if err != nil {
		return nil, err
	}

	o := &Olm{
		userID:       userID,
		deviceID:     deviceID,
		sessionPath:  sessionPath,
		devices:      devicestore.New(knownKeys),
		trustDB:      trustDB,
		sessions:     sessionstore.New(),
		groups:       groupsessions.New(),
		liveInbound:  make(map[string]*ratchet.InboundGroupSession),
		liveOutbound: make(map[string]*ratchet.OutboundGroupSession),
		store:        store,
		logger:       logger,
	}

	if fresh {
		account, err := ratchet.NewAccount()
		if err != nil {
			store.Close()
			return nil, err
		}
		o.account = account
		if err := o.saveAccount(true); err != nil {
			store.Close()
			return nil, err
		}
		logger.Printf("olm: created new account for %s/%s", userID, deviceID)
	} else if err := o.load(); err != nil {
		store.Close()
		return nil, err
	}

	edPub := o.account.IdentityKeys().PublicKey
	curvePub, err := ratchet.Curve25519PublicKey(edPub)
	if err != nil {
		store.Close()
		return nil, err
	}
	o.identity = IdentityKeys{
		Ed25519:    base64.StdEncoding.EncodeToString(edPub),
		Curve25519: base64.StdEncoding.EncodeToString(curvePub),
	}

	return o, nil
}

// Close releases the database handle. Keystore writes are synchronous at
// mutation time, so there is nothing else to flush.
func (o *Olm) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.store.Close()
}

// UserID returns the local user id.
func (o *Olm) UserID() string { return o.userID }

// DeviceID returns the local device id.
func (o *Olm) DeviceID() string { return o.deviceID }

// IdentityKeys returns the local account's public identity keys.
func (o *Olm) IdentityKeys() IdentityKeys {
	return o.identity
}

// GenerateOneTimeKeys generates count fresh one-time keys, persists the
// mutated account, and returns the signed public halves for upload.
func (o *Olm) GenerateOneTimeKeys(count int) ([]ratchet.OneTimePreKeyPublic, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	keys, err := o.account.GenerateOneTimeKeys(count)
	if err != nil {
		return nil, err
	}
	if err := o.saveAccount(false); err != nil {
		return nil, err
	}
	return keys, nil
}

// MarkKeysAsPublished flags every held one-time key as announced to the
// server and persists the account.
func (o *Olm) MarkKeysAsPublished() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.account.MarkOneTimeKeysAsPublished()
	return o.saveAccount(false)
}

// AddDevice registers a device downloaded via a key query, pinning its
// fingerprint. A fingerprint change for a known (user, device) surfaces
// *olmerrors.TrustError and the device is not added.
func (o *Olm) AddDevice(device devicestore.Device) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.devices.Add(device)
}

// KnownDevices returns every known device for userID.
func (o *Olm) KnownDevices(userID string) []devicestore.Device {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.devices.UserDevices(userID)
}

// PendingOlmEvents returns the events parked because their sender device
// was unknown at decryption time.
func (o *Olm) PendingOlmEvents() []OlmEvent {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]OlmEvent, len(o.olmQueue))
	copy(out, o.olmQueue)
	return out
}

// ReplayPendingOlmEvents retries verification of every queued event,
// typically after a key query added the missing devices. Events that now
// verify are handled and removed; events whose device is still unknown
// stay queued; events that verify but mismatch are dropped.
func (o *Olm) ReplayPendingOlmEvents() {
	o.mu.Lock()
	defer o.mu.Unlock()

	var still []OlmEvent
	for _, ev := range o.olmQueue {
		payload := parsePayload(ev.Payload)
		err := o.verifyOlmPayload(ev.Sender, payload)
		if err == nil {
			o.handleOlmEvent(ev.Sender, ev.SenderKey, payload)
			continue
		}
		if isTrustError(err) {
			still = append(still, ev)
			continue
		}
		o.logger.Printf("olm: dropping queued event %s from %s: %v", ev.ID, ev.Sender, err)
	}
	o.olmQueue = still
}

func (o *Olm) enqueueOlmEvent(sender, senderKey string, payload []byte) {
	ev := OlmEvent{
		ID:        uuid.NewString(),
		Sender:    sender,
		SenderKey: senderKey,
		Payload:   append([]byte(nil), payload...),
	}
	o.olmQueue = append(o.olmQueue, ev)
	o.logger.Printf("olm: queued event %s from %s until device keys arrive", ev.ID, sender)
}

// load restores the account and every persisted session from the
// database. Pickles that fail to parse are logged and skipped; a missing
// account row on a non-fresh database is fatal.
func (o *Olm) load() error {
	pickle, ok, err := o.store.LoadAccount(o.userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("olm: database exists but holds no account for %s", o.userID)
	}
	account, err := ratchet.AccountFromPickle(pickle)
	if err != nil {
		return fmt.Errorf("olm: unpickling account: %w", err)
	}
	o.account = account

	rows, err := o.store.LoadSessions()
	if err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := ratchet.PairSessionFromPickle(row.Pickle); err != nil {
			o.logger.Printf("olm: skipping unreadable session %s: %v", row.SessionID, err)
			continue
		}
		o.sessions.Add(sessionstore.OlmSession{
			UserID:         row.User,
			DeviceID:       row.DeviceID,
			PeerCurve25519: row.IdentityKey,
			SessionID:      row.SessionID,
			Pickle:         row.Pickle,
		})
	}

	inRows, err := o.store.LoadInboundGroupSessions()
	if err != nil {
		return err
	}
	for _, row := range inRows {
		sess, err := ratchet.InboundGroupSessionFromPickle(row.Pickle)
		if err != nil {
			o.logger.Printf("olm: skipping unreadable group session %s/%s: %v", row.RoomID, row.SessionID, err)
			continue
		}
		o.groups.InstallInbound(groupsessions.InboundRecord{
			RoomID:           row.RoomID,
			SessionID:        row.SessionID,
			SenderCurve25519: row.SenderCurve25519,
			SenderEd25519:    row.SenderEd25519,
			Pickle:           row.Pickle,
		})
		o.liveInbound[groupKey(row.RoomID, row.SessionID)] = sess
	}

	outRows, err := o.store.LoadOutboundGroupSessions()
	if err != nil {
		return err
	}
	for _, row := range outRows {
		sess, err := ratchet.OutboundGroupSessionFromPickle(row.Pickle)
		if err != nil {
			o.logger.Printf("olm: skipping unreadable outbound group session for %s: %v", row.RoomID, err)
			continue
		}
		o.groups.SetOutbound(groupsessions.OutboundRecord{
			RoomID:    row.RoomID,
			SessionID: sess.ID(),
			Pickle:    row.Pickle,
			Shared:    row.Shared,
		})
		o.liveOutbound[row.RoomID] = sess
	}

	return nil
}

func (o *Olm) saveAccount(isNew bool) error {
	pickle, err := o.account.Pickle()
	if err != nil {
		return err
	}
	return o.store.SaveAccount(o.userID, pickle, isNew)
}

func (o *Olm) saveSession(rec sessionstore.OlmSession, isNew bool) error {
	return o.store.SaveSession(statestore.SessionRow{
		User:        rec.UserID,
		DeviceID:    rec.DeviceID,
		IdentityKey: rec.PeerCurve25519,
		SessionID:   rec.SessionID,
		Pickle:      rec.Pickle,
	}, isNew)
}

// persistSession re-pickles a session whose ratchet advanced and writes
// the result to the in-memory store and the database.
func (o *Olm) persistSession(rec sessionstore.OlmSession, sess ratchet.PairSession) {
	pickle, err := sess.Pickle()
	if err != nil {
		o.logger.Printf("olm: pickling session %s: %v", rec.SessionID, err)
		return
	}
	rec.Pickle = pickle
	o.sessions.Replace(rec)
	if err := o.saveSession(rec, false); err != nil {
		o.logger.Printf("olm: saving session %s: %v", rec.SessionID, err)
	}
}

// persistOutboundGroupSession re-pickles the room's outbound session and
// writes it, with its current shared flag, to the tables and the database.
func (o *Olm) persistOutboundGroupSession(roomID string) {
	sess, ok := o.liveOutbound[roomID]
	if !ok {
		return
	}
	pickle, err := sess.Pickle()
	if err != nil {
		o.logger.Printf("olm: pickling outbound group session for %s: %v", roomID, err)
		return
	}
	rec, _ := o.groups.Outbound(roomID)
	rec.RoomID = roomID
	rec.SessionID = sess.ID()
	rec.Pickle = pickle
	o.groups.SetOutbound(rec)
	err = o.store.SaveOutboundGroupSession(statestore.OutboundGroupRow{
		RoomID: roomID,
		Pickle: pickle,
		Shared: rec.Shared,
	}, false)
	if err != nil {
		o.logger.Printf("olm: saving outbound group session for %s: %v", roomID, err)
	}
}

func groupKey(roomID, sessionID string) string {
	return roomID + "\x00" + sessionID
}

func ensureFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("olm: creating %s: %w", path, err)
	}
	return f.Close()
}
