package claims

import "github.com/xeipuuv/gojsonschema"

const hexDigestPattern = "^[0-9a-fA-F]{64}$"

const requestSchemaJSON = `{
	"type": "object",
	"required": ["leader_id", "leader_kid", "tool_id", "iat_ms", "exp_ms", "nonce", "method", "path", "query", "body_sha256"],
	"properties": {
		"leader_id":   {"type": "string", "minLength": 1},
		"leader_kid":  {"type": "integer", "minimum": 0},
		"tool_id":     {"type": "string", "minLength": 1},
		"iat_ms":      {"type": "integer", "minimum": 0},
		"exp_ms":      {"type": "integer", "minimum": 0},
		"nonce":       {"type": "string", "minLength": 1},
		"method":      {"type": "string", "minLength": 1},
		"path":        {"type": "string"},
		"query":       {"type": "string"},
		"body_sha256": {"type": "string", "pattern": "` + hexDigestPattern + `"}
	}
}`

const responseSchemaJSON = `{
	"type": "object",
	"required": ["tool_id", "tool_kid", "iat_ms", "exp_ms", "nonce", "req_sig_input_sha256", "status", "body_sha256"],
	"properties": {
		"tool_id":              {"type": "string", "minLength": 1},
		"tool_kid":             {"type": "integer", "minimum": 0},
		"iat_ms":               {"type": "integer", "minimum": 0},
		"exp_ms":               {"type": "integer", "minimum": 0},
		"nonce":                {"type": "string", "minLength": 1},
		"req_sig_input_sha256": {"type": "string", "pattern": "` + hexDigestPattern + `"},
		"status":               {"type": "integer", "minimum": 0, "maximum": 65535},
		"body_sha256":          {"type": "string", "pattern": "` + hexDigestPattern + `"}
	}
}`

var (
	requestSchema  = mustSchema(requestSchemaJSON)
	responseSchema = mustSchema(responseSchemaJSON)
)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic("claims: invalid schema: " + err.Error())
	}
	return schema
}
