package design

import (
	"crypto/sha256"
	"encoding/hex"

	"citystream.ai/internal/sim/world/cells"
)

// Digest hashes the binary encoding of ps.
func Digest(ps []cells.Placement) string {
	h := sha256.New()
	buf := make([]byte, 0, cells.PlacementSize)
	for _, p := range ps {
		buf = cells.AppendPlacement(buf[:0], p)
		_, _ = h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil))
}
