package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"citystream.ai/internal/sim/world/cells"
)

const MutationPacketSize = 12

// Mutation is one building edit as carried on the wire:
//
//	key u32 | index u32 | archetype u16 | jitter u16   (little-endian)
//
// The key packs cx in the high and cz in the low 16 bits, both signed.
type Mutation struct {
	Key         cells.Key
	Index       uint32
	ArchetypeID uint16
	JitterCode  uint16
}

// Jitter is the uniform scale factor in [0.9, 1.1].
func (m Mutation) Jitter() float32 {
	return float32(m.JitterCode)/65535*0.2 + 0.9
}

// JitterCodeFor is the closest code for a factor in [0.9, 1.1].
func JitterCodeFor(j float32) uint16 {
	v := math.Round(float64((j - 0.9) / 0.2 * 65535))
	if v < 0 {
		return 0
	}
	if v > 65535 {
		return 65535
	}
	return uint16(v)
}

func PackKey(k cells.Key) (uint32, error) {
	if k.CX < math.MinInt16 || k.CX > math.MaxInt16 || k.CZ < math.MinInt16 || k.CZ > math.MaxInt16 {
		return 0, fmt.Errorf("protocol: cell %s does not fit a packed key", k)
	}
	return uint32(uint16(int16(k.CX)))<<16 | uint32(uint16(int16(k.CZ))), nil
}

func UnpackKey(v uint32) cells.Key {
	return cells.Key{CX: int(int16(v >> 16)), CZ: int(int16(v))}
}

func EncodeMutation(m Mutation) ([]byte, error) {
	key, err := PackKey(m.Key)
	if err != nil {
		return nil, err
	}
	b := make([]byte, MutationPacketSize)
	binary.LittleEndian.PutUint32(b[0:], key)
	binary.LittleEndian.PutUint32(b[4:], m.Index)
	binary.LittleEndian.PutUint16(b[8:], m.ArchetypeID)
	binary.LittleEndian.PutUint16(b[10:], m.JitterCode)
	return b, nil
}

func DecodeMutation(b []byte) (Mutation, error) {
	if len(b) != MutationPacketSize {
		return Mutation{}, fmt.Errorf("%w: %d bytes", ErrMalformedPacket, len(b))
	}
	return Mutation{
		Key:         UnpackKey(binary.LittleEndian.Uint32(b[0:])),
		Index:       binary.LittleEndian.Uint32(b[4:]),
		ArchetypeID: binary.LittleEndian.Uint16(b[8:]),
		JitterCode:  binary.LittleEndian.Uint16(b[10:]),
	}, nil
}
