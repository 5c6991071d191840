package probe

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// CompileSchema compiles an inline JSON-schema document (as carried in a
// manifest's params field).
func CompileSchema(doc map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("params.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile("params.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return sch, nil
}

// ValidateParams validates a parameter map against an inline schema
// document. A nil schema accepts anything.
func ValidateParams(doc map[string]any, params map[string]any) error {
	if doc == nil {
		return nil
	}
	sch, err := CompileSchema(doc)
	if err != nil {
		return err
	}
	inst := make(map[string]any, len(params))
	for k, v := range params {
		inst[k] = v
	}
	if err := sch.Validate(any(inst)); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

// RequiredParams returns the names listed in the schema's top-level
// "required" array. Used to decide whether a runbook can run without user
// input.
func RequiredParams(doc map[string]any) []string {
	if doc == nil {
		return nil
	}
	raw, ok := doc["required"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
