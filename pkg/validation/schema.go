package validation

// MoveSchema returns the JSON Schema of a move request body. maxDepth caps
// the depth field; allowID admits the "id" field websocket clients use to
// match answers to questions.
func MoveSchema(maxDepth int, allowID bool) map[string]any {
	props := map[string]any{
		"fen": map[string]any{
			"type":      "string",
			"minLength": 1,
			"maxLength": 128,
			"pattern":   `^[^\r\n]*$`,
		},
		"color": map[string]any{
			"type":    "string",
			"pattern": `^(?i:white|black|w|b)$`,
		},
		"depth": map[string]any{
			"type":    "integer",
			"minimum": 1,
			"maximum": maxDepth,
		},
	}
	if allowID {
		props["id"] = map[string]any{
			"type":      "string",
			"maxLength": 64,
		}
	}
	return map[string]any{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"type":                 "object",
		"required":             []string{"fen", "color", "depth"},
		"properties":           props,
		"additionalProperties": false,
	}
}
