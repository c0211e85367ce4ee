package tool

import (
	"fmt"

	"github.com/helmsman-ai/helmsman/pkg/errors"
)

// ValidateArgs checks an argument object against a tool schema. Unknown keys
// are rejected so a worker cannot smuggle extra parameters past review.
func ValidateArgs(schema Schema, args map[string]any) error {
	for _, key := range schema.Required {
		if _, ok := args[key]; !ok {
			return errors.New(errors.CodeSchemaInvalid,
				fmt.Sprintf("missing required argument %q", key), nil)
		}
	}
	for key, value := range args {
		prop, ok := schema.Properties[key]
		if !ok {
			return errors.New(errors.CodeSchemaInvalid,
				fmt.Sprintf("unknown argument %q", key), nil)
		}
		if err := checkType(key, prop.Type, value); err != nil {
			return err
		}
	}
	return nil
}

func checkType(key, want string, value any) error {
	if want == "" || value == nil {
		return nil
	}
	ok := false
	switch want {
	case "string":
		_, ok = value.(string)
	case "number":
		switch value.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64:
			ok = true
		}
	case "boolean":
		_, ok = value.(bool)
	case "object":
		_, ok = value.(map[string]any)
	case "array":
		_, ok = value.([]any)
	default:
		ok = true
	}
	if !ok {
		return errors.New(errors.CodeSchemaInvalid,
			fmt.Sprintf("argument %q: expected %s, got %T", key, want, value), nil)
	}
	return nil
}
