// Package olmerrors defines the three error kinds the engine and its
// stores surface to callers (see the error handling section of the
// session-management design): trust violations, session-level
// cryptographic failures, and payload self-inconsistency. Other failures
// inside the inbound decrypt pipeline are absorbed and logged; the
// outbound and session-creation calls return underlying storage,
// ratchet and encoding errors unwrapped.
package olmerrors

import "fmt"

// TrustError reports a fingerprint pinning violation, or an attempt to
// act on a device whose identity key cannot be established. It is fatal
// to the operation that raised it and is never used to silently overwrite
// a pinned fingerprint.
type TrustError struct {
	UserID   string
	DeviceID string
	Reason   string
}

func (e *TrustError) Error() string {
	return fmt.Sprintf("olm: trust error for %s/%s: %s", e.UserID, e.DeviceID, e.Reason)
}

// EncryptionError reports that a session believed to match an inbound
// pre-key message failed to decrypt it, or that an identity key could not
// be located to create an outbound session. The inbound pipeline aborts
// without creating a replacement session when this is raised.
type EncryptionError struct {
	Reason string
	Err    error
}

func (e *EncryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("olm: encryption error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("olm: encryption error: %s", e.Reason)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// VerificationError reports that an otherwise well-formed payload is
// self-inconsistent: a sender/recipient field, or a claimed device
// fingerprint, does not match what the engine independently knows. The
// event carrying it is dropped.
type VerificationError struct {
	Reason string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("olm: verification error: %s", e.Reason)
}
