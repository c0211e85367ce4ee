package tool

import (
	"testing"

	"github.com/helmsman-ai/helmsman/pkg/errors"
)

var fileSchema = Schema{
	Properties: map[string]PropertySchema{
		"path":    {Type: "string"},
		"limit":   {Type: "number"},
		"dry_run": {Type: "boolean"},
		"meta":    {Type: "object"},
		"lines":   {Type: "array"},
	},
	Required: []string{"path"},
}

func TestValidateArgs(t *testing.T) {
	cases := []struct {
		name string
		args map[string]any
		ok   bool
	}{
		{"minimal", map[string]any{"path": "a.txt"}, true},
		{"all types", map[string]any{
			"path": "a.txt", "limit": 10, "dry_run": true,
			"meta": map[string]any{"k": "v"}, "lines": []any{"x"},
		}, true},
		{"missing required", map[string]any{"limit": 1}, false},
		{"unknown key", map[string]any{"path": "a.txt", "sneaky": 1}, false},
		{"wrong type", map[string]any{"path": 42}, false},
		{"wrong nested type", map[string]any{"path": "a.txt", "meta": "not an object"}, false},
		{"nil value passes", map[string]any{"path": "a.txt", "limit": nil}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateArgs(fileSchema, tc.args)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatal("invalid args accepted")
				}
				if errors.CodeOf(err) != errors.CodeSchemaInvalid {
					t.Fatalf("code = %s", errors.CodeOf(err))
				}
			}
		})
	}
}

func TestValidateArgsJSONNumbers(t *testing.T) {
	// Numbers decoded from JSON arrive as float64.
	if err := ValidateArgs(fileSchema, map[string]any{"path": "a", "limit": float64(3)}); err != nil {
		t.Fatalf("float64 rejected: %v", err)
	}
}
