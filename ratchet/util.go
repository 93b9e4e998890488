package ratchet

import (
	"crypto/sha256"
	"encoding/base64"
)

func sha256Sum(data []byte) [32]byte {
	return sha256.Sum256(data)
}

func base64RawURL(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}
