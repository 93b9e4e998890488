// Package ratchet implements the cryptographic primitives that back the
// pairwise Olm channel and the group Megolm channel: X3DH key agreement,
// Double Ratchet message encryption, and a symmetric-ratchet group cipher.
//
// It is a standalone cryptographic module with no dependency on the rest of
// olmcore -- the engine package wires it in as an opaque library and never
// inspects its serialized ("pickled") state.
package ratchet
