package catalogs

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"citystream.ai/internal/sim/world/cells"
)

const archetypesSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["archetypes"],
  "additionalProperties": false,
  "properties": {
    "archetypes": {
      "type": "array",
      "minItems": 1,
      "maxItems": 65536,
      "items": {
        "type": "object",
        "required": ["id", "category", "base_half"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "category": {"enum": ["lowrise", "highrise", "landmark"]},
          "base_half": {
            "type": "array",
            "minItems": 3,
            "maxItems": 3,
            "items": {"type": "number", "exclusiveMinimum": 0}
          }
        }
      }
    }
  }
}`

var schema = jsonschema.MustCompileString("archetypes.schema.json", archetypesSchema)

type ArchetypeDef struct {
	ID       string     `json:"id"`
	Category string     `json:"category"`
	BaseHalf [3]float32 `json:"base_half"`
}

type archetypesFile struct {
	Archetypes []ArchetypeDef `json:"archetypes"`
}

// Archetypes is the building registry. Numeric ids are positions in Defs.
type Archetypes struct {
	Defs   []ArchetypeDef
	Index  map[string]uint16
	Digest string

	halves []mgl32.Vec3
	cats   []cells.Category
	byCat  [cells.NumCategories][]uint16
}

// DefaultArchetypes is the built-in set: one box per category.
func DefaultArchetypes() *Archetypes {
	a, err := build([]ArchetypeDef{
		{ID: "lowrise_box", Category: "lowrise", BaseHalf: [3]float32{1.5, 0.4, 1.0}},
		{ID: "highrise_box", Category: "highrise", BaseHalf: [3]float32{0.45, 3.0, 0.45}},
		{ID: "landmark_pyramid", Category: "landmark", BaseHalf: [3]float32{1.0, 0.75, 1.0}},
	}, nil)
	if err != nil {
		panic(err)
	}
	return a
}

func LoadArchetypes(path string) (*Archetypes, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseArchetypes(raw)
}

func ParseArchetypes(raw []byte) (*Archetypes, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("archetypes.json: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("archetypes.json: %w", err)
	}
	var f archetypesFile
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("archetypes.json: %w", err)
	}
	return build(f.Archetypes, raw)
}

func build(defs []ArchetypeDef, raw []byte) (*Archetypes, error) {
	if len(defs) == 0 || len(defs) > math.MaxUint16+1 {
		return nil, fmt.Errorf("archetypes.json: %d archetypes", len(defs))
	}
	a := &Archetypes{
		Defs:   defs,
		Index:  make(map[string]uint16, len(defs)),
		halves: make([]mgl32.Vec3, len(defs)),
		cats:   make([]cells.Category, len(defs)),
	}
	for i, d := range defs {
		id := uint16(i)
		if _, dup := a.Index[d.ID]; dup {
			return nil, fmt.Errorf("archetypes.json: duplicate id %q", d.ID)
		}
		cat, err := cells.ParseCategory(strings.ToLower(d.Category))
		if err != nil {
			return nil, fmt.Errorf("archetypes.json: %s: %w", d.ID, err)
		}
		a.Index[d.ID] = id
		a.halves[i] = mgl32.Vec3(d.BaseHalf)
		a.cats[i] = cat
		a.byCat[cat] = append(a.byCat[cat], id)
	}
	if raw == nil {
		raw, _ = json.Marshal(archetypesFile{Archetypes: defs})
	}
	sum := sha256.Sum256(raw)
	a.Digest = hex.EncodeToString(sum[:])
	return a, nil
}

func (a *Archetypes) Len() int { return len(a.Defs) }

func (a *Archetypes) Has(id uint16) bool { return int(id) < len(a.Defs) }

// BaseHalf of an unknown id is the zero vector.
func (a *Archetypes) BaseHalf(id uint16) mgl32.Vec3 {
	if !a.Has(id) {
		return mgl32.Vec3{}
	}
	return a.halves[id]
}

func (a *Archetypes) CategoryOf(id uint16) cells.Category {
	if !a.Has(id) {
		return cells.Lowrise
	}
	return a.cats[id]
}

func (a *Archetypes) IDsInCategory(c cells.Category) []uint16 {
	if int(c) >= len(a.byCat) {
		return nil
	}
	return a.byCat[c]
}
