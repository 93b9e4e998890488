package olmcore

import (
	"github.com/quietloop/olmcore/devicestore"
	"github.com/quietloop/olmcore/keystore"
)

// Trust operations over the user-blessed fingerprint store. Membership
// is an annotation made by the user (or a caller acting for one);
// fingerprint continuity itself is enforced separately, when a device is
// first added and pinned.

// KeyFromDevice builds the fingerprint record for a device, the shape
// both trust and pinning stores speak.
func KeyFromDevice(d devicestore.Device) keystore.Key {
	return keystore.Key{
		UserID:   d.UserID,
		DeviceID: d.DeviceID,
		Kind:     keystore.KindMatrixEd25519,
		KeyBytes: d.Ed25519,
	}
}

// VerifyDevice marks a fingerprint as trusted. It returns false when the
// key was already trusted. A differing fingerprint already pinned for
// the same (user, device) surfaces *olmerrors.TrustError.
func (o *Olm) VerifyDevice(key keystore.Key) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.trustDB.Contains(key) {
		return false, nil
	}
	return o.trustDB.Add(key)
}

// DeviceTrusted reports whether a device's fingerprint is in the trust
// store.
func (o *Olm) DeviceTrusted(d devicestore.Device) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.trustDB.Contains(KeyFromDevice(d))
}

// UnverifyDevice removes a fingerprint from the trust store. Removing an
// absent key is not an error.
func (o *Olm) UnverifyDevice(key keystore.Key) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	_, err := o.trustDB.Remove(key)
	return err
}
