package domain

import (
	"fmt"
	"strings"
)

// FieldType names the kind of value a function input or output field holds.
type FieldType string

// Field types understood by the generated function scaffold.
const (
	FieldTypeText   FieldType = "Text"
	FieldTypePIL    FieldType = "PIL"
	FieldTypeOpenCV FieldType = "OpenCV"
)

// IsImage reports whether the field carries an image.
func (t FieldType) IsImage() bool {
	return t == FieldTypePIL || t == FieldTypeOpenCV
}

// FieldSchema maps field names to their declared type.
type FieldSchema map[string]FieldType

// SampleText is the value synthesised for text inputs during testing.
const SampleText = "sample text input, prediction score will be bad"

// SampleInput synthesises a request body for schema: fixed sample text for text
// fields and imageURL for image fields.
func (s FieldSchema) SampleInput(imageURL string) (map[string]any, error) {
	out := make(map[string]any, len(s))
	for name, t := range s {
		switch {
		case t == FieldTypeText:
			out[name] = SampleText
		case t.IsImage():
			out[name] = imageURL
		default:
			return nil, ErrValidation("input field %q has unsupported type %q", name, t)
		}
	}
	return out, nil
}

// CheckOutput verifies that every declared output field is present in out and
// carries a value of the declared kind: text must be a string, images must be
// a string URL with an http, https or s3 scheme.
func (s FieldSchema) CheckOutput(out map[string]any) error {
	for name, t := range s {
		v, ok := out[name]
		if !ok {
			return ErrValidation("output is missing field %q", name)
		}
		str, isString := v.(string)
		switch {
		case t == FieldTypeText:
			if !isString {
				return ErrValidation("output field %q should be text, got %T", name, v)
			}
		case t.IsImage():
			if !isString || !hasImageScheme(str) {
				return ErrValidation("output field %q should be an image URL, got %s", name, describe(v))
			}
		default:
			return ErrValidation("output field %q has unsupported type %q", name, t)
		}
	}
	return nil
}

func hasImageScheme(s string) bool {
	for _, prefix := range []string{"http:", "https:", "s3:"} {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

func describe(v any) string {
	s := fmt.Sprintf("%v", v)
	if len(s) > 80 {
		s = s[:80] + "..."
	}
	return s
}
