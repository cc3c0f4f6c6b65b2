package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrMalformed is wrapped by every decode failure.
var ErrMalformed = errors.New("malformed message")

// ValidationError is a single schema violation with its location.
type ValidationError struct {
	Schema  string `json:"schema"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("[%s] %s", e.Schema, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Schema, e.Path, e.Message)
}

// SchemaError collects the violations found in one message.
type SchemaError struct {
	Errors []*ValidationError
}

func (e *SchemaError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		parts = append(parts, ve.Error())
	}
	return "schema validation failed: " + strings.Join(parts, "; ")
}

func (e *SchemaError) Unwrap() error { return ErrMalformed }

type compiledSchemas struct {
	command    *sjsonschema.Schema
	status     *sjsonschema.Schema
	breakpoint *sjsonschema.Schema
}

var (
	schemasOnce sync.Once
	schemas     *compiledSchemas
	schemasErr  error
)

func loadSchemas() (*compiledSchemas, error) {
	schemasOnce.Do(func() {
		schemas, schemasErr = compileSchemas()
	})
	return schemas, schemasErr
}

func compileSchemas() (*compiledSchemas, error) {
	c := sjsonschema.NewCompiler()
	sources := []struct {
		name string
		gen  func() ([]byte, error)
	}{
		{CommandSchemaName, GenerateCommandSchema},
		{StatusSchemaName, GenerateStatusSchema},
		{BreakpointSchemaName, GenerateBreakpointSchema},
	}
	for _, src := range sources {
		data, err := src.gen()
		if err != nil {
			return nil, fmt.Errorf("generate schema: %w", err)
		}
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", src.name, err)
		}
		if err := c.AddResource(src.name, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", src.name, err)
		}
	}

	out := &compiledSchemas{}
	var err error
	if out.command, err = c.Compile(CommandSchemaName); err != nil {
		return nil, fmt.Errorf("compile %s: %w", CommandSchemaName, err)
	}
	if out.status, err = c.Compile(StatusSchemaName); err != nil {
		return nil, fmt.Errorf("compile %s: %w", StatusSchemaName, err)
	}
	if out.breakpoint, err = c.Compile(BreakpointSchemaName); err != nil {
		return nil, fmt.Errorf("compile %s: %w", BreakpointSchemaName, err)
	}
	return out, nil
}

func validate(sch *sjsonschema.Schema, name string, doc any) error {
	err := sch.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *sjsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &SchemaError{Errors: []*ValidationError{{Schema: name, Message: err.Error()}}}
	}
	var errs []*ValidationError
	for _, cause := range flattenValidationErrors(ve) {
		errs = append(errs, &ValidationError{
			Schema:  name,
			Path:    strings.Join(cause.InstanceLocation, "/"),
			Message: fmt.Sprintf("%v", cause.ErrorKind),
		})
	}
	return &SchemaError{Errors: errs}
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

// Decode parses one inbound line. A "cmd" field selects the command shape, a
// "status" field the status shape; anything else is rejected.
func Decode(line []byte) (Message, error) {
	sc, err := loadSchemas()
	if err != nil {
		return Message{}, err
	}

	var doc any
	if err := json.Unmarshal(line, &doc); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return Message{}, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}

	switch {
	case obj["cmd"] != nil:
		if err := validate(sc.command, CommandSchemaName, doc); err != nil {
			return Message{}, err
		}
		var c Command
		if err := json.Unmarshal(line, &c); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return CommandMessage(c), nil
	case obj["status"] != nil:
		if err := validate(sc.status, StatusSchemaName, doc); err != nil {
			return Message{}, err
		}
		var s Status
		if err := json.Unmarshal(line, &s); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return StatusMessage(s), nil
	default:
		return Message{}, fmt.Errorf("%w: neither a command nor a status", ErrMalformed)
	}
}

// DecodeBreakpoint parses one line from a worker's dedicated queue. The stage
// name itself is not checked here; the worker owns that decision.
func DecodeBreakpoint(line []byte) (Breakpoint, error) {
	sc, err := loadSchemas()
	if err != nil {
		return Breakpoint{}, err
	}
	var doc any
	if err := json.Unmarshal(line, &doc); err != nil {
		return Breakpoint{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate(sc.breakpoint, BreakpointSchemaName, doc); err != nil {
		return Breakpoint{}, err
	}
	var b Breakpoint
	if err := json.Unmarshal(line, &b); err != nil {
		return Breakpoint{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return b, nil
}
