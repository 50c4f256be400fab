package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var schemaJSON string

const schemaURL = "config.schema.json"

// ErrInvalidConfig - документ конфигурации не прошёл JSON-схему.
var ErrInvalidConfig = errors.New("config: invalid document")

var compiledSchema = jsonschema.MustCompileString(schemaURL, schemaJSON)

// validate проверяет разобранный документ схемой. Значения YAML и TOML
// приводятся к JSON-типам через повторное кодирование.
func validate(doc any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := compiledSchema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
