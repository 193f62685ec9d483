package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// compileSchema compiles a tool's parameter declaration. A nil declaration
// yields a nil schema, which accepts any arguments object.
func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		return nil, nil
	}

	// Round-trip through JSON so Go-typed values such as []string become
	// the generic shapes the compiler expects.
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}

	url := "https://triage.invalid/tools/" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	return c.Compile(url)
}

// validateArgs checks the raw arguments JSON against schema. An empty
// string is treated as an empty object.
func validateArgs(schema *jsonschema.Schema, argsJSON string) error {
	if schema == nil {
		return nil
	}
	if strings.TrimSpace(argsJSON) == "" {
		argsJSON = "{}"
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(argsJSON))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}
