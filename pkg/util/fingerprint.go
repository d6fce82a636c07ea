package util

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint computes a stable SHA256 hex digest of v's JSON form.
// encoding/json sorts map keys, so the same logical value always produces
// the same digest regardless of insertion order. Used to skip persisting
// unchanged snapshots.
func Fingerprint(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
