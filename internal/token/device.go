package token

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
)

// DeviceIdentity exposes the stable identifiers that stored tokens are bound
// to. The capability is resolved once at startup: a nil identity with device
// binding enabled is a construction error, never a silent fallback.
type DeviceIdentity interface {
	Identifiers() ([]string, error)
}

// StaticIdentity is a DeviceIdentity over a fixed identifier set, used by
// tests and by host shells that collect identifiers themselves.
type StaticIdentity []string

func (s StaticIdentity) Identifiers() ([]string, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("no device identifiers available")
	}
	return s, nil
}

// unboundMarker is hashed in place of identifiers when binding is disabled,
// so a bound record can never be read back on an unbound configuration.
const unboundMarker = "unbound"

// bindingHash derives the device fingerprint: SHA-256 over the sorted,
// joined identifier set.
func bindingHash(identity DeviceIdentity) ([]byte, error) {
	if identity == nil {
		sum := sha256.Sum256([]byte(unboundMarker))
		return sum[:], nil
	}
	ids, err := identity.Identifiers()
	if err != nil {
		return nil, fmt.Errorf("failed to collect device identifiers: %w", err)
	}
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\x1f")))
	return sum[:], nil
}
