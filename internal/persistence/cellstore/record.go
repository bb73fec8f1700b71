// Package cellstore persists baked cells so revisits skip the designer.
package cellstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"citystream.ai/internal/sim/world/cells"
)

var ErrCorrupt = errors.New("cellstore: corrupt record")

const headerSize = 12

// Record is one cell's placements, centered relative to the cell's min corner.
type Record struct {
	Key        cells.Key
	Placements []cells.Placement
}

// Encode lays out cx i32, cz i32, count u32 and then count placements,
// all little-endian.
func Encode(r Record) ([]byte, error) {
	if r.Key.CX < math.MinInt32 || r.Key.CX > math.MaxInt32 || r.Key.CZ < math.MinInt32 || r.Key.CZ > math.MaxInt32 {
		return nil, fmt.Errorf("cellstore: key %s out of int32 range", r.Key)
	}
	if uint64(len(r.Placements)) > math.MaxUint32 {
		return nil, fmt.Errorf("cellstore: %d placements", len(r.Placements))
	}
	b := make([]byte, 0, headerSize+len(r.Placements)*cells.PlacementSize)
	b = binary.LittleEndian.AppendUint32(b, uint32(int32(r.Key.CX)))
	b = binary.LittleEndian.AppendUint32(b, uint32(int32(r.Key.CZ)))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(r.Placements)))
	for _, p := range r.Placements {
		b = cells.AppendPlacement(b, p)
	}
	return b, nil
}

// Decode requires b to be exactly one record.
func Decode(b []byte) (Record, error) {
	if len(b) < headerSize {
		return Record{}, fmt.Errorf("%w: %d byte header", ErrCorrupt, len(b))
	}
	var r Record
	r.Key.CX = int(int32(binary.LittleEndian.Uint32(b[0:])))
	r.Key.CZ = int(int32(binary.LittleEndian.Uint32(b[4:])))
	n := uint64(binary.LittleEndian.Uint32(b[8:]))
	body := b[headerSize:]
	if uint64(len(body)) != n*cells.PlacementSize {
		return Record{}, fmt.Errorf("%w: count %d needs %d bytes, have %d", ErrCorrupt, n, n*cells.PlacementSize, len(body))
	}
	r.Placements = make([]cells.Placement, n)
	for i := range r.Placements {
		r.Placements[i] = cells.ReadPlacement(body[i*cells.PlacementSize:])
	}
	return r, nil
}
