package contract

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// Digest returns a short content hash of v's YAML encoding. Contracts refer
// to their predecessor by digest so a resumed pipeline can detect an
// artifact that was edited or swapped on disk.
func Digest(v any) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal for digest: %w", err)
	}
	sum := blake3.Sum256(data)
	return "b3:" + hex.EncodeToString(sum[:16]), nil
}

// MustDigest is Digest for values that are known to marshal.
func MustDigest(v any) string {
	d, err := Digest(v)
	if err != nil {
		panic(err)
	}
	return d
}

// SequenceID formats the n-th identifier with the given prefix, e.g. REQ-001.
func SequenceID(prefix string, n int) string {
	return fmt.Sprintf("%s-%03d", prefix, n)
}
