package cells

import (
	"encoding/binary"
	"math"
)

// PlacementSize is the encoded size of one placement: 3+3 float32 and a u16.
const PlacementSize = 26

// AppendPlacement appends the little-endian encoding of p to dst.
func AppendPlacement(dst []byte, p Placement) []byte {
	for i := 0; i < 3; i++ {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(p.Center[i]))
	}
	for i := 0; i < 3; i++ {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(p.Scale[i]))
	}
	return binary.LittleEndian.AppendUint16(dst, p.ArchetypeID)
}

// ReadPlacement decodes one placement from the first PlacementSize bytes of b.
func ReadPlacement(b []byte) Placement {
	_ = b[PlacementSize-1]
	var p Placement
	for i := 0; i < 3; i++ {
		p.Center[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	for i := 0; i < 3; i++ {
		p.Scale[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[12+i*4:]))
	}
	p.ArchetypeID = binary.LittleEndian.Uint16(b[24:])
	return p
}
