// Package sha256 digests the documents and script bodies captured during a
// visit so records from different sessions can be compared without diffing
// the content itself.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Prefix names the algorithm in every digest this package produces.
const Prefix = "sha256:"

// Hasher implements crawler.Hasher. Digests look like "sha256:<hex>".
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash digests a captured document or script body.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return Prefix + hex.EncodeToString(sum[:]), nil
}
