package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"
)

// Well-known characteristic keys. Rules may declare arbitrary keys; these are
// the ones the orchestrator populates automatically from the request and the
// caller-supplied options.
const (
	CharacteristicIP     = "ip.src"
	CharacteristicUserID = "userId"
	CharacteristicEmail  = "email"
	CharacteristicMethod = "http.method"
	CharacteristicHost   = "http.host"
	CharacteristicPath   = "http.path"
)

// Characteristics maps dimension names to their current request values. It is
// the identity material for rate limiting and list checks. Map iteration order
// is irrelevant; fingerprinting sorts the declared key set.
type Characteristics map[string]string

// Clone returns a copy safe to mutate without aliasing the original.
func (c Characteristics) Clone() Characteristics {
	clone := make(Characteristics, len(c))
	for k, v := range c {
		clone[k] = v
	}
	return clone
}

// Fingerprint derives a stable hash from the declared keys and their current
// values. The key set is sorted first, so the same keys with the same values
// always produce the same fingerprint regardless of declaration order. Keys
// absent from the map contribute an empty value rather than being skipped,
// keeping the field layout fixed per key set.
func (c Characteristics) Fingerprint(keys []string) string {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	h := sha256.New()
	for _, key := range sorted {
		writeFingerprintField(h, key)
		writeFingerprintField(h, c[key])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeFingerprintField appends a field followed by a NUL delimiter so that
// distinct field sequences cannot collide on concatenation.
func writeFingerprintField(w io.Writer, field string) {
	_, _ = w.Write([]byte(field))
	_, _ = w.Write([]byte{0})
}
