package hasher

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/voxchat/voxchat/domain"
)

// New returns a domain.Hasher backed by SHA-256. The gateway uses it to
// derive deterministic request-cache keys.
func New() domain.Hasher { return sha256Hasher{} }

type sha256Hasher struct{}

func (h sha256Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
