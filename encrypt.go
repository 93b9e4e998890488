package olmcore

import (
	"crypto/ed25519"
	"encoding/base64"
	"maps"

	"github.com/quietloop/olmcore/groupsessions"
	"github.com/quietloop/olmcore/olmerrors"
	"github.com/quietloop/olmcore/ratchet"
	"github.com/quietloop/olmcore/sessionstore"
	"github.com/quietloop/olmcore/statestore"
)

// GroupEncrypt encrypts an event for a room with the room's outbound
// group session, creating the session on first use. The first call for a
// session also builds the to-device payload distributing its key to
// every device of users over pairwise sessions; later calls return a nil
// toDevice since distribution is at-most-once per session lifetime.
func (o *Olm) GroupEncrypt(roomID string, plaintext map[string]any, users []string) (roomPayload, toDevice []byte, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	event := maps.Clone(plaintext)
	if event == nil {
		event = make(map[string]any)
	}
	event["room_id"] = roomID

	if _, ok := o.liveOutbound[roomID]; !ok {
		if err := o.createOutboundGroupSession(roomID); err != nil {
			return nil, nil, err
		}
	}
	sess := o.liveOutbound[roomID]

	if rec, _ := o.groups.Outbound(roomID); !rec.Shared {
		toDevice, err = o.shareGroupSession(roomID, users)
		if err != nil {
			return nil, nil, err
		}
		o.groups.MarkShared(roomID)
	}

	canonical, err := canonicalJSON(event)
	if err != nil {
		return nil, nil, err
	}
	msg, err := sess.Encrypt(canonical)
	if err != nil {
		return nil, nil, err
	}
	o.persistOutboundGroupSession(roomID)

	ciphertext, err := msg.Encode()
	if err != nil {
		return nil, nil, err
	}
	roomPayload, err = buildRoomPayload(o.identity.Curve25519, ciphertext, sess.ID(), o.deviceID)
	if err != nil {
		return nil, nil, err
	}
	return roomPayload, toDevice, nil
}

// createOutboundGroupSession creates a fresh outbound session for roomID
// and installs the matching inbound session locally, so the sender can
// decrypt its own history.
func (o *Olm) createOutboundGroupSession(roomID string) error {
	o.logger.Printf("olm: creating outbound group session for %s", roomID)
	sess, err := ratchet.NewOutboundGroupSession()
	if err != nil {
		return err
	}
	pickle, err := sess.Pickle()
	if err != nil {
		return err
	}

	o.liveOutbound[roomID] = sess
	o.groups.SetOutbound(groupsessions.OutboundRecord{
		RoomID:    roomID,
		SessionID: sess.ID(),
		Pickle:    pickle,
	})
	err = o.store.SaveOutboundGroupSession(statestore.OutboundGroupRow{
		RoomID: roomID,
		Pickle: pickle,
		Shared: false,
	}, true)
	if err != nil {
		return err
	}

	o.createGroupSession(o.identity.Curve25519, o.identity.Ed25519, roomID, sess.ID(), sess.Key().Encode())
	return nil
}

// shareGroupSession builds the to-device payload carrying the room's
// current session key to every device of users that has a pairwise
// session. Devices without a session are skipped; the caller resolves
// those via GetMissingSessions and retries. Sharing does not require the
// device to be in the trust store -- fingerprint continuity is enforced
// when the device is first added, and a pinning violation there means
// the device never enters the store at all.
func (o *Olm) shareGroupSession(roomID string, users []string) ([]byte, error) {
	sess, ok := o.liveOutbound[roomID]
	if !ok {
		return nil, &olmerrors.EncryptionError{Reason: "no outbound group session for " + roomID}
	}

	base, err := buildRoomKeyPayload(
		roomID,
		sess.ID(),
		sess.Key().Encode(),
		sess.MessageIndex(),
		o.userID,
		o.deviceID,
		o.identity.Ed25519,
	)
	if err != nil {
		return nil, err
	}

	toDevice := []byte(`{"messages":{}}`)
	for _, userID := range users {
		for _, device := range o.devices.UserDevices(userID) {
			if device.UserID == o.userID && device.DeviceID == o.deviceID {
				continue
			}

			peerKey := base64.StdEncoding.EncodeToString(device.Curve25519)
			rec, ok := o.sessions.Get(peerKey)
			if !ok {
				o.logger.Printf("olm: no session for device %s of %s, skipping share", device.DeviceID, userID)
				continue
			}
			pair, err := ratchet.PairSessionFromPickle(rec.Pickle)
			if err != nil {
				o.logger.Printf("olm: unreadable session %s for device %s: %v", rec.SessionID, device.DeviceID, err)
				continue
			}

			devicePayload, err := withRecipient(base, userID, base64.StdEncoding.EncodeToString(device.Ed25519))
			if err != nil {
				return nil, err
			}
			msg, err := pair.Encrypt(devicePayload)
			if err != nil {
				o.logger.Printf("olm: encrypting room key for device %s of %s: %v", device.DeviceID, userID, err)
				continue
			}
			o.persistSession(rec, pair)

			msgType := MessageTypeNormal
			if msg.PreKey != nil {
				msgType = MessageTypePreKey
			}
			body, err := msg.Encode()
			if err != nil {
				return nil, err
			}
			toDevice, err = addToDeviceMessage(toDevice, userID, device.DeviceID, o.identity.Curve25519, peerKey, msgType, body)
			if err != nil {
				return nil, err
			}
		}
	}
	return toDevice, nil
}

// GetMissingSessions reports, per user, the devices that have no
// pairwise session yet, mapped to the key algorithm to claim for them.
func (o *Olm) GetMissingSessions(users []string) map[string]map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()

	missing := make(map[string]map[string]string)
	for _, userID := range users {
		for _, device := range o.devices.UserDevices(userID) {
			if device.UserID == o.userID && device.DeviceID == o.deviceID {
				continue
			}
			peerKey := base64.StdEncoding.EncodeToString(device.Curve25519)
			if _, ok := o.sessions.Get(peerKey); ok {
				continue
			}
			o.logger.Printf("olm: missing session for device %s of %s", device.DeviceID, userID)
			if missing[userID] == nil {
				missing[userID] = make(map[string]string)
			}
			missing[userID][device.DeviceID] = "signed_curve25519"
		}
	}
	return missing
}

// CreateSession starts an outbound pairwise session toward a known
// device using a claimed one-time key. The key's signature is checked
// against the device's pinned fingerprint before any handshake runs.
func (o *Olm) CreateSession(userID, deviceID string, oneTimeKey ratchet.OneTimePreKeyPublic) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var fingerprint, identityKey []byte
	for _, d := range o.devices.UserDevices(userID) {
		if d.DeviceID == deviceID {
			fingerprint = d.Ed25519
			identityKey = d.Curve25519
			break
		}
	}
	if identityKey == nil {
		o.logger.Printf("olm: identity key for device %s not found", deviceID)
		return &olmerrors.EncryptionError{Reason: "identity key for device " + deviceID + " not found"}
	}

	if !ed25519.Verify(ed25519.PublicKey(fingerprint), oneTimeKey.PublicKey, oneTimeKey.Signature) {
		return &olmerrors.TrustError{
			UserID:   userID,
			DeviceID: deviceID,
			Reason:   "one-time key signature does not verify against pinned fingerprint",
		}
	}

	o.logger.Printf("olm: creating outbound session for %s and device %s", userID, deviceID)
	sess, err := ratchet.NewOutboundSession(o.account.IdentityKeys(), ed25519.PublicKey(fingerprint), oneTimeKey)
	if err != nil {
		return err
	}
	if err := o.saveAccount(false); err != nil {
		return err
	}

	pickle, err := sess.Pickle()
	if err != nil {
		return err
	}
	rec := sessionstore.OlmSession{
		UserID:         userID,
		DeviceID:       deviceID,
		PeerCurve25519: base64.StdEncoding.EncodeToString(identityKey),
		SessionID:      sess.ID(),
		Pickle:         pickle,
	}
	if !o.sessions.Add(rec) {
		o.logger.Printf("olm: session %s for device %s already stored", rec.SessionID, deviceID)
		return nil
	}
	return o.saveSession(rec, true)
}

// GroupDecrypt decrypts a room ciphertext with the inbound group session
// addressed by (roomID, sessionID). The second return is false when no
// such session is installed or the ciphertext does not decrypt.
func (o *Olm) GroupDecrypt(roomID, sessionID, ciphertext string) ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sess, ok := o.liveInbound[groupKey(roomID, sessionID)]
	if !ok {
		return nil, false
	}
	msg, err := ratchet.DecodeGroupMessage(ciphertext)
	if err != nil {
		o.logger.Printf("olm: undecodable group ciphertext for room %s: %v", roomID, err)
		return nil, false
	}
	plaintext, _, err := sess.Decrypt(msg)
	if err != nil {
		o.logger.Printf("olm: group decrypt failed for room %s session %s: %v", roomID, sessionID, err)
		return nil, false
	}
	return plaintext, true
}
