package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/opsloop/dispatchd/internal/toolconfig"
)

// SchemaCmd emits the JSON Schema for the tool configuration file format,
// so external config editors/generators can validate against it.
type SchemaCmd struct {
	Compact bool `short:"c" help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run(cli *CLI) error {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	schema := reflector.Reflect(&[]toolconfig.ToolConfig{})
	schema.ID = "https://dispatchd.dev/schemas/tools.json"
	schema.Title = "dispatchd Tool Configuration Schema"
	schema.Description = "Schema for the tool definition file dispatchd loads at startup (a ToolConfig array, or {\"tools\": [...]})."
	schema.Version = "http://json-schema.org/draft-07/schema#"

	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(schema); err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	return nil
}
