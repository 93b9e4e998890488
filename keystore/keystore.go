// Package keystore implements the line-oriented, file-backed fingerprint
// set: the pinned-identity-key database shared by the device store (known
// fingerprints) and the trust store (user-blessed fingerprints).
package keystore

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/quietloop/olmcore/olmerrors"
)

// KindMatrixEd25519 is the only fingerprint kind this store materializes.
// Records of any other kind are silently skipped on load, for
// forward-compatibility with future key kinds.
const KindMatrixEd25519 = "matrix-ed25519"

// Key is a single fingerprint record.
type Key struct {
	UserID   string
	DeviceID string
	Kind     string
	KeyBytes []byte
}

// Equal reports full-record equality, used by Contains and Remove.
func (k Key) Equal(other Key) bool {
	return k.UserID == other.UserID &&
		k.DeviceID == other.DeviceID &&
		k.Kind == other.Kind &&
		bytes.Equal(k.KeyBytes, other.KeyBytes)
}

// sameIdentity reports whether two keys name the same (user, device,
// kind) slot, regardless of the key bytes they carry.
func (k Key) sameIdentity(other Key) bool {
	return k.UserID == other.UserID && k.DeviceID == other.DeviceID && k.Kind == other.Kind
}

// Store is a file-backed, in-memory-cached set of fingerprint records.
type Store struct {
	mu   sync.Mutex
	path string
	keys []Key
}

// Load reads the store from path. A missing file yields an empty store
// with no error -- Load is idempotent and safe to call on first run.
func Load(path string) (*Store, error) {
	s := &Store{path: path}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: opening %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 4 {
			continue
		}
		if fields[2] != KindMatrixEd25519 {
			continue
		}
		keyBytes, err := base64.StdEncoding.DecodeString(fields[3])
		if err != nil {
			continue
		}
		s.keys = append(s.keys, Key{
			UserID:   fields[0],
			DeviceID: fields[1],
			Kind:     fields[2],
			KeyBytes: keyBytes,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("keystore: reading %s: %w", path, err)
	}
	return s, nil
}

// Get returns the first record matching (userID, deviceID).
func (s *Store) Get(userID, deviceID string) (Key, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.UserID == userID && k.DeviceID == deviceID {
			return k, true
		}
	}
	return Key{}, false
}

// Add inserts key. If a record already exists for the same (user, device,
// kind) slot with DIFFERENT key bytes, Add fails with *olmerrors.TrustError
// and does not mutate the file -- this is the fingerprint pinning
// invariant. If an identical record already exists, Add is a no-op and
// returns false: unlike the behavior this store's design was distilled
// from, duplicate appends are deduped rather than grown unboundedly.
func (s *Store) Add(key Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.keys {
		if !existing.sameIdentity(key) {
			continue
		}
		if bytes.Equal(existing.KeyBytes, key.KeyBytes) {
			return false, nil
		}
		return false, &olmerrors.TrustError{
			UserID:   key.UserID,
			DeviceID: key.DeviceID,
			Reason: fmt.Sprintf("fingerprint changed: pinned %s, got %s",
				base64.StdEncoding.EncodeToString(existing.KeyBytes),
				base64.StdEncoding.EncodeToString(key.KeyBytes)),
		}
	}

	s.keys = append(s.keys, key)
	if err := s.persist(); err != nil {
		s.keys = s.keys[:len(s.keys)-1]
		return false, err
	}
	return true, nil
}

// Remove deletes key by full-record equality. Returns false if no
// matching record was found.
func (s *Store) Remove(key Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.keys {
		if existing.Equal(key) {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			return true, s.persist()
		}
	}
	return false, nil
}

// Contains reports full-record membership.
func (s *Store) Contains(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.keys {
		if existing.Equal(key) {
			return true
		}
	}
	return false
}

// persist rewrites the backing file via a temp-file-plus-rename, avoiding
// the torn writes a direct os.WriteFile would risk on a crash mid-write.
func (s *Store) persist() error {
	if s.path == "" {
		return nil
	}

	var buf bytes.Buffer
	for _, k := range s.keys {
		fmt.Fprintf(&buf, "%s %s %s %s\n", k.UserID, k.DeviceID, k.Kind, base64.StdEncoding.EncodeToString(k.KeyBytes))
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".keystore-*.tmp")
	if err != nil {
		return fmt.Errorf("keystore: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("keystore: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("keystore: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("keystore: renaming temp file into place: %w", err)
	}
	return nil
}
