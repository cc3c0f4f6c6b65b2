package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

const schemaBaseURL = "https://github.com/ormasoftchile/tankapi/schemas/"

// Schema file names, also used as resource names when compiling.
const (
	CommandSchemaName    = "command-v0.json"
	StatusSchemaName     = "status-v0.json"
	BreakpointSchemaName = "breakpoint-v0.json"
)

// GenerateCommandSchema produces the JSON Schema for front-end commands.
func GenerateCommandSchema() ([]byte, error) {
	return generate(&Command{}, CommandSchemaName, "tankapi command v0",
		"Command sent by the front-end to the manager")
}

// GenerateStatusSchema produces the JSON Schema for worker status reports.
func GenerateStatusSchema() ([]byte, error) {
	return generate(&Status{}, StatusSchemaName, "tankapi status v0",
		"Status reported by the worker and relayed to the front-end")
}

// GenerateBreakpointSchema produces the JSON Schema for breakpoint updates.
func GenerateBreakpointSchema() ([]byte, error) {
	return generate(&Breakpoint{}, BreakpointSchemaName, "tankapi breakpoint v0",
		"Breakpoint update sent by the manager to a worker")
}

func generate(v any, name, title, description string) ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.DoNotReference = false

	s := r.Reflect(v)
	s.ID = jsonschema.ID(schemaBaseURL + name)
	s.Title = title
	s.Description = description

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", name, err)
	}
	return data, nil
}
