package ratchet

import (
	"bytes"
	"testing"
)

// setupHandshake runs a full X3DH handshake: Bob initiates toward Alice
// using one of her one-time keys, Alice completes from the pre-key
// message.
func setupHandshake(t *testing.T) (aliceAccount *Account, outbound *OutboundSession, inbound *InboundSession, firstPlaintext []byte) {
	t.Helper()

	aliceAccount, err := NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	bobAccount, err := NewAccount()
	if err != nil {
		t.Fatal(err)
	}

	otks, err := aliceAccount.GenerateOneTimeKeys(1)
	if err != nil {
		t.Fatal(err)
	}

	outbound, err = NewOutboundSession(bobAccount.IdentityKeys(), aliceAccount.IdentityKeys().PublicKey, otks[0])
	if err != nil {
		t.Fatal(err)
	}

	firstPlaintext = []byte("first message")
	msg, err := outbound.Encrypt(firstPlaintext)
	if err != nil {
		t.Fatal(err)
	}
	if msg.PreKey == nil {
		t.Fatal("first outbound message should carry pre-key fields")
	}

	inbound, err = NewInboundSession(aliceAccount, msg.PreKey.IdentityKey, msg.PreKey)
	if err != nil {
		t.Fatal(err)
	}

	decrypted, err := inbound.Decrypt(msg.Header, msg.Ciphertext)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decrypted, firstPlaintext) {
		t.Fatalf("decrypted = %q, want %q", decrypted, firstPlaintext)
	}
	return aliceAccount, outbound, inbound, firstPlaintext
}

func TestHandshakeAndReply(t *testing.T) {
	_, outbound, inbound, _ := setupHandshake(t)

	// Alice replies; Bob's handshake confirms and he stops sending
	// pre-key messages.
	reply, err := inbound.Encrypt([]byte("got it"))
	if err != nil {
		t.Fatal(err)
	}
	if reply.PreKey != nil {
		t.Error("inbound session replies must not carry pre-key fields")
	}

	decrypted, err := outbound.Decrypt(reply.Header, reply.Ciphertext)
	if err != nil {
		t.Fatal(err)
	}
	if string(decrypted) != "got it" {
		t.Errorf("decrypted = %q, want %q", decrypted, "got it")
	}
	if outbound.IsPreKey() {
		t.Error("handshake should be confirmed after first decrypt")
	}

	msg, err := outbound.Encrypt([]byte("later"))
	if err != nil {
		t.Fatal(err)
	}
	if msg.PreKey != nil {
		t.Error("confirmed session should send normal messages")
	}
}

func TestSessionIDsAgree(t *testing.T) {
	_, outbound, inbound, _ := setupHandshake(t)

	if outbound.ID() != inbound.ID() {
		t.Errorf("session ids disagree: %q vs %q", outbound.ID(), inbound.ID())
	}
}

func TestInboundSessionMatches(t *testing.T) {
	_, outbound, inbound, _ := setupHandshake(t)

	msg, err := outbound.Encrypt([]byte("again"))
	if err != nil {
		t.Fatal(err)
	}
	if msg.PreKey == nil {
		t.Fatal("unconfirmed session should still send pre-key messages")
	}

	if !inbound.Matches(msg.PreKey.IdentityKey, msg.PreKey) {
		t.Error("session should match a pre-key message from its own handshake")
	}

	otherAccount, err := NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	if inbound.Matches(otherAccount.IdentityKeys().PublicKey, msg.PreKey) {
		t.Error("session must not match a foreign identity key")
	}
}

func TestOutboundSessionPickleRoundtrip(t *testing.T) {
	_, outbound, inbound, _ := setupHandshake(t)

	data, err := outbound.Pickle()
	if err != nil {
		t.Fatal(err)
	}
	restored, err := OutboundSessionFromPickle(data)
	if err != nil {
		t.Fatal(err)
	}
	if restored.ID() != outbound.ID() {
		t.Errorf("restored id = %q, want %q", restored.ID(), outbound.ID())
	}

	msg, err := restored.Encrypt([]byte("from restored"))
	if err != nil {
		t.Fatal(err)
	}
	decrypted, err := inbound.Decrypt(msg.Header, msg.Ciphertext)
	if err != nil {
		t.Fatal(err)
	}
	if string(decrypted) != "from restored" {
		t.Errorf("decrypted = %q, want %q", decrypted, "from restored")
	}
}

func TestInboundSessionPickleRoundtrip(t *testing.T) {
	_, outbound, inbound, _ := setupHandshake(t)

	data, err := inbound.Pickle()
	if err != nil {
		t.Fatal(err)
	}
	restored, err := InboundSessionFromPickle(data)
	if err != nil {
		t.Fatal(err)
	}
	if restored.ID() != inbound.ID() {
		t.Errorf("restored id = %q, want %q", restored.ID(), inbound.ID())
	}

	msg, err := outbound.Encrypt([]byte("to restored"))
	if err != nil {
		t.Fatal(err)
	}
	decrypted, err := restored.Decrypt(msg.Header, msg.Ciphertext)
	if err != nil {
		t.Fatal(err)
	}
	if string(decrypted) != "to restored" {
		t.Errorf("decrypted = %q, want %q", decrypted, "to restored")
	}
}

func TestPairSessionFromPickleDispatch(t *testing.T) {
	_, outbound, inbound, _ := setupHandshake(t)

	outData, err := outbound.Pickle()
	if err != nil {
		t.Fatal(err)
	}
	inData, err := inbound.Pickle()
	if err != nil {
		t.Fatal(err)
	}

	if s, err := PairSessionFromPickle(outData); err != nil {
		t.Fatal(err)
	} else if _, ok := s.(*OutboundSession); !ok {
		t.Errorf("got %T, want *OutboundSession", s)
	}

	if s, err := PairSessionFromPickle(inData); err != nil {
		t.Fatal(err)
	} else if _, ok := s.(*InboundSession); !ok {
		t.Errorf("got %T, want *InboundSession", s)
	}

	if _, err := PairSessionFromPickle([]byte{99}); err == nil {
		t.Error("expected error for unknown pickle kind")
	}
	if _, err := PairSessionFromPickle(nil); err == nil {
		t.Error("expected error for empty pickle")
	}
}

func TestMessageWireRoundtrip(t *testing.T) {
	_, outbound, _, _ := setupHandshake(t)

	msg, err := outbound.Encrypt([]byte("over the wire"))
	if err != nil {
		t.Fatal(err)
	}

	body, err := msg.Encode()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeMessage(body)
	if err != nil {
		t.Fatal(err)
	}

	if decoded.PreKey == nil {
		t.Fatal("pre-key fields lost on the wire")
	}
	if !bytes.Equal(decoded.PreKey.IdentityKey, msg.PreKey.IdentityKey) {
		t.Error("identity key mismatch")
	}
	if !bytes.Equal(decoded.PreKey.EphemeralPubKey, msg.PreKey.EphemeralPubKey) {
		t.Error("ephemeral key mismatch")
	}
	if decoded.PreKey.OneTimeKeyID != msg.PreKey.OneTimeKeyID {
		t.Error("one-time key id mismatch")
	}
	if decoded.Header.N != msg.Header.N || decoded.Header.PN != msg.Header.PN {
		t.Error("header mismatch")
	}
	if !bytes.Equal(decoded.Ciphertext, msg.Ciphertext) {
		t.Error("ciphertext mismatch")
	}

	if _, err := DecodeMessage("not base64!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
}
