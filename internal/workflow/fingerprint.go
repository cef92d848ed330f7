package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// fingerprint hashes the JSON form of payload. encoding/json sorts map
// keys, so equal payloads always hash the same.
func fingerprint(payload map[string]any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return "unhashable"
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:12])
}
