package protocol

import "citystream.ai/internal/sim/world/cells"

// SUBSCRIBE (client -> server), first frame of a session.
type SubscribeMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	X               float32 `json:"x"`
	Z               float32 `json:"z"`
}

// MOVE (client -> server), local coordinates.
type MoveMsg struct {
	Type string  `json:"type"`
	X    float32 `json:"x"`
	Z    float32 `json:"z"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	WorldID         string      `json:"world_id"`
	ObserverID      string      `json:"observer_id"`
	Params          WorldParams `json:"params"`
	CellSpan        [2]float32  `json:"cell_span"`
	Origin          [3]float64  `json:"origin"`
	ArchetypeDigest string      `json:"archetype_digest,omitempty"`
}

type WorldParams struct {
	TickRateHz int    `json:"tick_rate_hz"`
	Radius     int    `json:"radius"`
	Seed       uint64 `json:"seed"`
	LotsX      int    `json:"lots_x"`
	LotsZ      int    `json:"lots_z"`
	BlocksX    int    `json:"blocks_x"`
	BlocksZ    int    `json:"blocks_z"`
	Bounds     []int  `json:"bounds,omitempty"`
}

// CELLS (server -> client), one per tick with changes. Shift, when set, must
// be subtracted from every cached placement before applying Added.
type CellsMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	Tick            uint64        `json:"tick"`
	Origin          [3]float64    `json:"origin"`
	Shift           *[3]float64   `json:"shift,omitempty"`
	Added           []CellPayload `json:"added"`
	Removed         []CellKey     `json:"removed"`
}

type CellKey struct {
	CX int `json:"cx"`
	CZ int `json:"cz"`
}

func KeyOf(k cells.Key) CellKey { return CellKey{CX: k.CX, CZ: k.CZ} }

// CellPayload carries a cell in local coordinates. Resent whole when the
// cell is edited.
type CellPayload struct {
	CX         int                `json:"cx"`
	CZ         int                `json:"cz"`
	Placements []PlacementPayload `json:"placements"`
}

type PlacementPayload struct {
	C [3]float32 `json:"c"`
	S [3]float32 `json:"s"`
	A uint16     `json:"a"`
}

func NewCellPayload(k cells.Key, ps []cells.Placement) CellPayload {
	out := CellPayload{CX: k.CX, CZ: k.CZ, Placements: make([]PlacementPayload, len(ps))}
	for i, p := range ps {
		out.Placements[i] = PlacementPayload{C: [3]float32(p.Center), S: [3]float32(p.Scale), A: p.ArchetypeID}
	}
	return out
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}
