// Package olmcore implements the cryptographic session-management core of
// a client for an end-to-end encrypted federated messaging protocol: the
// Olm pairwise double ratchet and the Megolm group ratchet, the stores
// that keep their key material consistent across restarts, and the
// trust-on-first-use fingerprint policy applied to device identity keys.
//
// The Olm type orchestrates everything: it decrypts inbound to-device
// envelopes, installs the room keys they carry, encrypts outbound room
// messages, and distributes group session keys over pairwise sessions.
// The cryptographic primitives live in the ratchet package and are
// treated as opaque here; transport is the caller's concern.
package olmcore
