package allowlist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/jsonc"
	"github.com/xeipuuv/gojsonschema"
)

var fileSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"required": ["version", "leaders"],
	"properties": {
		"version": {"type": "integer"},
		"leaders": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["leader_id", "keys"],
				"properties": {
					"leader_id":  {"type": "string", "minLength": 1},
					"active_kid": {"type": "integer", "minimum": 0},
					"keys": {
						"type": "array",
						"minItems": 1,
						"items": {
							"type": "object",
							"required": ["kid", "public_key"],
							"properties": {
								"kid":        {"type": "integer", "minimum": 0},
								"public_key": {"type": "string"}
							}
						}
					}
				}
			}
		}
	}
}`)

// Parse decodes an allowlist document. Comments and trailing commas are
// tolerated.
func Parse(data []byte) (*Directory, error) {
	data = jsonc.ToJSON(data)

	result, err := gojsonschema.Validate(fileSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidFile, strings.Join(msgs, "; "))
	}

	var f File
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	return FromFile(&f)
}
