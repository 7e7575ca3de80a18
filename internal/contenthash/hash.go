// Package contenthash derives stable cache keys from serializable values.
package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Of returns the hex SHA-256 of the JSON encoding of v. encoding/json emits
// struct fields in declaration order and map keys sorted, so equal values
// always hash equally.
func Of(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode for hashing: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
