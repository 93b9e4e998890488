package olmcore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Payload shaping and validation. Decrypted olm events and the payloads
// the engine emits are dynamic JSON; gjson checks and extracts, sjson
// builds. After validation the pipeline treats fields as typed.

// olmEventStringFields are the fields an olm event must carry as
// strings; an empty string passes. content is checked separately since
// it must be an object.
var olmEventStringFields = []string{
	"type",
	"sender",
	"sender_device",
	"recipient",
	"recipient_keys.ed25519",
	"keys.ed25519",
}

func parsePayload(plaintext []byte) gjson.Result {
	return gjson.ParseBytes(plaintext)
}

// validateOlmEvent checks that a decrypted payload is a JSON object of
// the olm event shape.
func validateOlmEvent(plaintext []byte) error {
	if !gjson.ValidBytes(plaintext) {
		return fmt.Errorf("payload is not valid JSON")
	}
	payload := gjson.ParseBytes(plaintext)
	if !payload.IsObject() {
		return fmt.Errorf("payload is not a JSON object")
	}
	for _, field := range olmEventStringFields {
		v := payload.Get(field)
		if !v.Exists() {
			return fmt.Errorf("missing field %q", field)
		}
		if v.Type != gjson.String {
			return fmt.Errorf("field %q is not a string", field)
		}
	}
	if !payload.Get("content").IsObject() {
		return fmt.Errorf("content is not a JSON object")
	}
	return nil
}

// validateRoomKeyContent checks the content object of an m.room_key
// event.
func validateRoomKeyContent(content gjson.Result) error {
	for _, field := range []string{"algorithm", "room_id", "session_id", "session_key"} {
		v := content.Get(field)
		if !v.Exists() {
			return fmt.Errorf("missing field %q", field)
		}
		if v.Type != gjson.String {
			return fmt.Errorf("field %q is not a string", field)
		}
	}
	return nil
}

// buildRoomPayload shapes the event content an encrypted room message
// carries.
func buildRoomPayload(senderKey, ciphertext, sessionID, deviceID string) ([]byte, error) {
	out := []byte(`{}`)
	var err error
	for _, kv := range []struct{ path, value string }{
		{"algorithm", MegolmAlgorithm},
		{"sender_key", senderKey},
		{"ciphertext", ciphertext},
		{"session_id", sessionID},
		{"device_id", deviceID},
	} {
		out, err = sjson.SetBytes(out, kv.path, kv.value)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// buildRoomKeyPayload shapes the shared m.room_key payload every device
// in a share receives; withRecipient adds the per-device fields.
func buildRoomKeyPayload(roomID, sessionID, sessionKey string, chainIndex uint32, sender, senderDevice, senderEd25519 string) ([]byte, error) {
	out := []byte(`{}`)
	var err error
	for _, kv := range []struct {
		path  string
		value any
	}{
		{"type", "m.room_key"},
		{"content.algorithm", MegolmAlgorithm},
		{"content.room_id", roomID},
		{"content.session_id", sessionID},
		{"content.session_key", sessionKey},
		{"content.chain_index", chainIndex},
		{"sender", sender},
		{"sender_device", senderDevice},
		{"keys.ed25519", senderEd25519},
	} {
		out, err = sjson.SetBytes(out, kv.path, kv.value)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// withRecipient clones the shared room key payload with the per-device
// recipient fields set.
func withRecipient(base []byte, recipient, recipientEd25519 string) ([]byte, error) {
	out, err := sjson.SetBytes(append([]byte(nil), base...), "recipient", recipient)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(out, "recipient_keys.ed25519", recipientEd25519)
}

// addToDeviceMessage places one device's olm envelope into the to-device
// payload tree at messages.<user>.<device>.
func addToDeviceMessage(toDevice []byte, userID, deviceID, senderKey, peerKey string, msgType int, body string) ([]byte, error) {
	entry := []byte(`{}`)
	var err error
	entry, err = sjson.SetBytes(entry, "algorithm", OlmAlgorithm)
	if err != nil {
		return nil, err
	}
	entry, err = sjson.SetBytes(entry, "sender_key", senderKey)
	if err != nil {
		return nil, err
	}
	entry, err = sjson.SetBytes(entry, "ciphertext."+escapePath(peerKey)+".type", msgType)
	if err != nil {
		return nil, err
	}
	entry, err = sjson.SetBytes(entry, "ciphertext."+escapePath(peerKey)+".body", body)
	if err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(toDevice, "messages."+escapePath(userID)+"."+escapePath(deviceID), entry)
}

// escapePath backslash-escapes the characters gjson/sjson paths treat
// specially, so user ids (which contain dots in their domain part) and
// base64 keys are addressed literally.
func escapePath(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '.', '*', '?', '\\', '|', '#', '@':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// canonicalJSON marshals v with sorted keys, minimal separators, and no
// HTML escaping, the stable form group ciphertext is computed over.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
