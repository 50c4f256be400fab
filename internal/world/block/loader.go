package block

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/annel0/voxel-store/internal/ident"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// paletteSchema описывает JSON-файл палитры блоков.
const paletteSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["id", "legacy_id"],
    "properties": {
      "id": {"type": "string", "pattern": "^[a-z0-9_.-]+:[a-z0-9_.\\-/]+$"},
      "legacy_id": {"type": "integer", "minimum": 0},
      "metas": {
        "type": "array",
        "items": {"type": "integer", "minimum": 0, "maximum": 65535},
        "uniqueItems": true
      }
    },
    "additionalProperties": false
  }
}`

var compiledPaletteSchema = jsonschema.MustCompileString("block-palette.schema.json", paletteSchema)

// Definition - одна запись палитры блоков.
type Definition struct {
	ID       string `json:"id"`
	LegacyID int    `json:"legacy_id"`
	Metas    []int  `json:"metas,omitempty"`
}

// Decode читает палитру вида [{"id","legacy_id","metas"}] и собирает реестр.
func Decode(r io.Reader) (*Registry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read block palette: %w", err)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse block palette: %w", err)
	}
	if err := compiledPaletteSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("validate block palette: %w", err)
	}

	var defs []Definition
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&defs); err != nil {
		return nil, fmt.Errorf("decode block palette: %w", err)
	}
	return FromDefinitions(defs)
}

// LoadFile читает палитру из файла.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open block palette: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// FromDefinitions собирает реестр из списка записей.
func FromDefinitions(defs []Definition) (*Registry, error) {
	b := NewBuilder()
	for _, d := range defs {
		id, err := ident.Parse(d.ID)
		if err != nil {
			return nil, err
		}
		if err := b.Register(id, d.LegacyID, d.Metas...); err != nil {
			return nil, err
		}
	}
	return b.Build()
}

// Definitions возвращает записи реестра в порядке legacy id.
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, Definition{
			ID:       e.id.String(),
			LegacyID: e.legacyID,
			Metas:    append([]int(nil), e.metas...),
		})
	}
	return defs
}
