package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator validates JSON bodies against one compiled schema.
// It is safe for concurrent use.
type Validator struct {
	schema *jsonschema.Schema
}

// Compile builds a Validator from an in-memory schema document.
func Compile(name string, schema any) (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	// Convert to JSON so the compiler sees consistent types
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	if err := compiler.AddResource(name, bytes.NewReader(schemaBytes)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	return &Validator{schema: compiled}, nil
}

// NewMoveValidator compiles MoveSchema.
func NewMoveValidator(maxDepth int, allowID bool) (*Validator, error) {
	name := "move.json"
	if allowID {
		name = "move-ws.json"
	}
	return Compile(name, MoveSchema(maxDepth, allowID))
}

// Validate checks body, which must be one JSON document.
func (v *Validator) Validate(body []byte) *Result {
	result := &Result{Valid: true}

	doc, err := decodeDocument(body)
	if err != nil {
		result.AddError(NewInvalidJSONError(err.Error()))
		return result
	}
	return v.ValidateValue(doc)
}

// decodeDocument decodes exactly one JSON value, keeping numbers as
// json.Number so integer checks see the literal.
func decodeDocument(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after the JSON document")
	}
	return doc, nil
}

// ValidateValue checks an already decoded document. Numbers must be
// float64 or json.Number, as produced by encoding/json.
func (v *Validator) ValidateValue(doc any) *Result {
	result := &Result{Valid: true}

	err := v.schema.Validate(doc)
	if err == nil {
		return result
	}
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		parseSchemaErrors(verr, result)
	} else {
		result.AddError(&FieldError{Code: ErrCodeSchema, Message: err.Error()})
	}
	return result
}

// parseSchemaErrors extracts detailed errors from JSON Schema validation
func parseSchemaErrors(err *jsonschema.ValidationError, result *Result) {
	if len(err.Causes) > 0 {
		for _, cause := range err.Causes {
			parseSchemaErrors(cause, result)
		}
		return
	}

	field := extractFieldFromPath(err.InstanceLocation)
	code := keywordCode(err.KeywordLocation)

	// required and additionalProperties fail on the object and name the
	// offending properties in the message.
	if code == ErrCodeRequired || code == ErrCodeUnknownField {
		names := quoted.FindAllStringSubmatch(err.Message, -1)
		for _, m := range names {
			msg := "is required"
			if code == ErrCodeUnknownField {
				msg = "is not a known field"
			}
			result.AddError(&FieldError{Field: joinField(field, m[1]), Code: code, Message: msg})
		}
		if len(names) > 0 {
			return
		}
	}

	result.AddError(&FieldError{Field: field, Code: code, Message: err.Message})
}

var quoted = regexp.MustCompile(`'([^']+)'`)

func keywordCode(loc string) string {
	switch loc[strings.LastIndex(loc, "/")+1:] {
	case "required":
		return ErrCodeRequired
	case "additionalProperties":
		return ErrCodeUnknownField
	case "type":
		return ErrCodeType
	case "minLength":
		return ErrCodeMinLength
	case "maxLength":
		return ErrCodeMaxLength
	case "pattern":
		return ErrCodePattern
	case "minimum":
		return ErrCodeMin
	case "maximum":
		return ErrCodeMax
	case "enum":
		return ErrCodeEnum
	default:
		return ErrCodeSchema
	}
}

// extractFieldFromPath extracts field name from JSON Pointer path
func extractFieldFromPath(path string) string {
	if path == "" || path == "/" {
		return ""
	}
	// Remove leading slash and convert JSON Pointer to dot notation
	path = strings.TrimPrefix(path, "/")
	path = strings.ReplaceAll(path, "/", ".")
	return path
}

func joinField(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}
