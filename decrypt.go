package olmcore

import (
	"encoding/base64"
	"errors"

	"github.com/tidwall/gjson"

	"github.com/quietloop/olmcore/groupsessions"
	"github.com/quietloop/olmcore/olmerrors"
	"github.com/quietloop/olmcore/ratchet"
	"github.com/quietloop/olmcore/sessionstore"
	"github.com/quietloop/olmcore/statestore"
)

// Decrypt runs the inbound pipeline on a single to-device envelope from
// sender, whose curve25519 identity key is senderKey. messageType is 0
// for a pre-key message, 1 for a normal one; body is the base64
// ciphertext.
//
// It returns the decrypted plaintext when decryption succeeded, nil when
// the message could not be decrypted or decoded. Soft failures further
// down the pipeline (malformed payload, unknown sender device) are
// logged, not returned; their absence of side effects is the observable
// outcome. The error return is reserved for pipeline-fatal conditions: a
// matching session that failed to decrypt surfaces
// *olmerrors.EncryptionError and no replacement session is created.
func (o *Olm) Decrypt(sender, senderKey string, messageType int, body string) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	msg, err := ratchet.DecodeMessage(body)
	if err != nil {
		o.logger.Printf("olm: dropping undecodable message from %s: %v", sender, err)
		return nil, nil
	}
	isPreKey := messageType == MessageTypePreKey
	if isPreKey && msg.PreKey == nil {
		o.logger.Printf("olm: pre-key message from %s carries no handshake fields", sender)
		return nil, nil
	}
	if !isPreKey {
		msg.PreKey = nil
	}

	plaintext, err := o.tryDecrypt(sender, senderKey, msg, isPreKey)
	if err != nil {
		return nil, err
	}

	var created *ratchet.InboundSession
	if plaintext == nil {
		if !isPreKey {
			o.logger.Printf("olm: no session can decrypt message from %s", sender)
			return nil, nil
		}
		created, err = o.createInboundSession(sender, senderKey, msg)
		if err != nil {
			o.logger.Printf("olm: failed to create session from pre-key message from %s: %v", sender, err)
			return nil, nil
		}
		plaintext, err = created.Decrypt(msg.Header, msg.Ciphertext)
		if err != nil {
			o.logger.Printf("olm: new session for %s failed to decrypt its own pre-key message: %v", sender, err)
			return nil, nil
		}
	}

	// The new session is registered no matter how the rest of the
	// pipeline goes: the session itself is protocol-valid even when this
	// particular payload is not, and later messages on the same handshake
	// must stay decryptable.
	senderDevice := ""
	if created != nil {
		defer func() {
			o.registerInboundSession(sender, senderDevice, senderKey, created)
		}()
	}

	if err := validateOlmEvent(plaintext); err != nil {
		o.logger.Printf("olm: invalid event payload from %s: %v", sender, err)
		return plaintext, nil
	}

	payload := parsePayload(plaintext)
	senderDevice = payload.Get("sender_device").String()

	if err := o.verifyOlmPayload(sender, payload); err != nil {
		if isTrustError(err) {
			o.logger.Printf("olm: %v", err)
			o.enqueueOlmEvent(sender, senderKey, plaintext)
			return plaintext, nil
		}
		o.logger.Printf("olm: dropping event from %s: %v", sender, err)
		return plaintext, nil
	}

	o.handleOlmEvent(sender, senderKey, payload)
	return plaintext, nil
}

// tryDecrypt walks the sender's sessions in session id order. Each
// attempt runs on a clone restored from the stored pickle, so a failed
// attempt never corrupts live ratchet state; the clone replaces the
// stored session only on success.
func (o *Olm) tryDecrypt(sender, senderKey string, msg *ratchet.Message, isPreKey bool) ([]byte, error) {
	for _, rec := range o.sessions.SessionsFor(senderKey) {
		sess, err := ratchet.PairSessionFromPickle(rec.Pickle)
		if err != nil {
			o.logger.Printf("olm: skipping unreadable session %s: %v", rec.SessionID, err)
			continue
		}

		matches := false
		if isPreKey {
			inbound, ok := sess.(*ratchet.InboundSession)
			if !ok || !inbound.Matches(msg.PreKey.IdentityKey, msg.PreKey) {
				continue
			}
			matches = true
		}

		plaintext, err := sess.Decrypt(msg.Header, msg.Ciphertext)
		if err == nil {
			o.persistSession(rec, sess)
			return plaintext, nil
		}

		if matches {
			// This session was derived from this exact handshake; failure
			// means corruption or impersonation, so do not fall through to
			// creating a replacement.
			o.logger.Printf("olm: matching session for %s device %s failed to decrypt", sender, rec.DeviceID)
			return nil, &olmerrors.EncryptionError{
				Reason: "decryption failed for matching session",
				Err:    err,
			}
		}
		o.logger.Printf("olm: session %s for %s cannot decrypt, trying next: %v", rec.SessionID, sender, err)
	}
	return nil, nil
}

// createInboundSession builds the responder side of the handshake a
// pre-key message describes, consuming the one-time key it references.
// The mutated account is persisted before the session is ever stored: a
// crash after this point leaves the account valid with the key gone, and
// the session recoverable only by re-handshake.
func (o *Olm) createInboundSession(sender, senderKey string, msg *ratchet.Message) (*ratchet.InboundSession, error) {
	curve, err := ratchet.Curve25519PublicKey(msg.PreKey.IdentityKey)
	if err != nil {
		return nil, err
	}
	if base64.StdEncoding.EncodeToString(curve) != senderKey {
		return nil, errors.New("sender key does not match handshake identity key")
	}

	o.logger.Printf("olm: creating inbound session for %s", sender)
	sess, err := ratchet.NewInboundSession(o.account, msg.PreKey.IdentityKey, msg.PreKey)
	if err != nil {
		return nil, err
	}

	o.account.RemoveOneTimeKeys(sess)
	if err := o.saveAccount(false); err != nil {
		return nil, err
	}
	return sess, nil
}

// registerInboundSession stores a freshly created inbound session in the
// session store and the database. senderDevice may be empty when the
// payload never parsed far enough to reveal it.
func (o *Olm) registerInboundSession(sender, senderDevice, senderKey string, sess *ratchet.InboundSession) {
	pickle, err := sess.Pickle()
	if err != nil {
		o.logger.Printf("olm: pickling new session for %s: %v", sender, err)
		return
	}
	rec := sessionstore.OlmSession{
		UserID:         sender,
		DeviceID:       senderDevice,
		PeerCurve25519: senderKey,
		SessionID:      sess.ID(),
		Pickle:         pickle,
	}
	if !o.sessions.Add(rec) {
		o.logger.Printf("olm: session %s for %s already stored", rec.SessionID, sender)
		return
	}
	if err := o.saveSession(rec, true); err != nil {
		o.logger.Printf("olm: saving new session for %s: %v", sender, err)
	}
}

// verifyOlmPayload checks a decrypted payload's self-consistency: the
// transport sender, the recipient, the recipient's fingerprint, and
// finally the sender device's fingerprint against the device store. A
// device the store has never seen surfaces *olmerrors.TrustError so the
// caller can park the event; a mismatch drops it.
func (o *Olm) verifyOlmPayload(sender string, payload gjson.Result) error {
	if payload.Get("sender").String() != sender {
		return &olmerrors.VerificationError{Reason: "mismatched sender in olm payload"}
	}
	if payload.Get("recipient").String() != o.userID {
		return &olmerrors.VerificationError{Reason: "mismatched recipient in olm payload"}
	}
	if payload.Get("recipient_keys.ed25519").String() != o.identity.Ed25519 {
		return &olmerrors.VerificationError{Reason: "mismatched recipient key in olm payload"}
	}

	senderDevice := payload.Get("sender_device").String()
	fingerprint, err := base64.StdEncoding.DecodeString(payload.Get("keys.ed25519").String())
	if err != nil {
		return &olmerrors.VerificationError{Reason: "malformed sender fingerprint key"}
	}

	ok, err := o.devices.VerifyKey(sender, senderDevice, fingerprint)
	if err != nil {
		return &olmerrors.TrustError{
			UserID:   sender,
			DeviceID: senderDevice,
			Reason:   "fingerprint key not found",
		}
	}
	if !ok {
		return &olmerrors.VerificationError{Reason: "mismatched sender key in olm payload"}
	}
	return nil
}

// handleOlmEvent dispatches a verified payload by type. Only m.room_key
// is honored; everything else is logged and ignored.
func (o *Olm) handleOlmEvent(sender, senderKey string, payload gjson.Result) {
	eventType := payload.Get("type").String()
	if eventType != "m.room_key" {
		o.logger.Printf("olm: ignoring unsupported event type %q from %s", eventType, sender)
		return
	}

	content := payload.Get("content")
	if err := validateRoomKeyContent(content); err != nil {
		o.logger.Printf("olm: bad m.room_key content from %s: %v", sender, err)
		return
	}
	if alg := content.Get("algorithm").String(); alg != MegolmAlgorithm {
		o.logger.Printf("olm: unsupported room key algorithm %q from %s", alg, sender)
		return
	}

	o.logger.Printf("olm: received group session key for room %s from %s", content.Get("room_id").String(), sender)
	o.createGroupSession(
		senderKey,
		payload.Get("keys.ed25519").String(),
		content.Get("room_id").String(),
		content.Get("session_id").String(),
		content.Get("session_key").String(),
	)
}

// createGroupSession imports a distributed session key as an inbound
// group session. Installation is first-write-wins: a re-share of an
// already-known (room, session) pair is a no-op, so a hostile re-share
// with an earlier ratchet position can never reset the counter.
func (o *Olm) createGroupSession(senderKey, senderFpKey, roomID, sessionID, sessionKey string) {
	key, err := ratchet.DecodeSessionKey(sessionKey)
	if err != nil {
		o.logger.Printf("olm: undecodable session key for room %s: %v", roomID, err)
		return
	}
	sess := ratchet.NewInboundGroupSession(key)
	if sess.ID() != sessionID {
		o.logger.Printf("olm: session id mismatch while importing group session key for room %s", roomID)
		return
	}

	fingerprint, err := base64.StdEncoding.DecodeString(senderFpKey)
	if err != nil {
		o.logger.Printf("olm: malformed sender fingerprint on group session for room %s", roomID)
		return
	}
	pickle, err := sess.Pickle()
	if err != nil {
		o.logger.Printf("olm: pickling group session %s for room %s: %v", sessionID, roomID, err)
		return
	}

	rec := groupsessions.InboundRecord{
		RoomID:           roomID,
		SessionID:        sessionID,
		SenderCurve25519: senderKey,
		SenderEd25519:    fingerprint,
		Pickle:           pickle,
	}
	if !o.groups.InstallInbound(rec) {
		o.logger.Printf("olm: group session %s for room %s already installed, ignoring re-share", sessionID, roomID)
		return
	}
	o.liveInbound[groupKey(roomID, sessionID)] = sess

	err = o.store.SaveInboundGroupSession(statestore.InboundGroupRow{
		RoomID:           roomID,
		SessionID:        sessionID,
		SenderCurve25519: senderKey,
		SenderEd25519:    fingerprint,
		Pickle:           pickle,
	})
	if err != nil {
		o.logger.Printf("olm: saving group session %s for room %s: %v", sessionID, roomID, err)
	}
}

func isTrustError(err error) bool {
	var trustErr *olmerrors.TrustError
	return errors.As(err, &trustErr)
}
