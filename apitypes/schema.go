package apitypes

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// requestSchema is the structural contract every inbound envelope must meet
// before mapping begins. It is deliberately permissive about unknown fields:
// the request mapper searches the whole document, so extra structure is
// legitimate input, not an error.
const requestSchema = `{
	"type": "object",
	"required": ["model", "messages"],
	"properties": {
		"model": {"type": "string", "minLength": 1},
		"messages": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["role", "content"],
				"properties": {
					"role": {"type": "string"},
					"content": {"type": "string"}
				}
			}
		},
		"temperature": {"type": ["number", "null"]},
		"top_p": {"type": ["number", "null"]},
		"n": {"type": ["integer", "null"]},
		"stream": {"type": "boolean"},
		"stop": {"type": ["string", "array", "null"]},
		"max_tokens": {"type": ["integer", "null"]},
		"presence_penalty": {"type": ["number", "null"]},
		"frequency_penalty": {"type": ["number", "null"]},
		"user": {"type": "string"}
	}
}`

var compileRequestSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(requestSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal request schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("request.json", doc); err != nil {
		return nil, fmt.Errorf("add request schema resource: %w", err)
	}
	return c.Compile("request.json")
})

// ValidateRequest checks the decoded envelope against the request schema and
// returns a MalformedRequestError describing the first violation. The
// envelope must carry its raw node tree (i.e. have been decoded from JSON or
// populated via SetRaw).
func ValidateRequest(req *ChatCompletionRequest) error {
	if req == nil {
		return &MalformedRequestError{Reason: "empty request"}
	}
	if req.Raw() == nil {
		return &MalformedRequestError{Reason: "request carries no decoded document"}
	}
	schema, err := compileRequestSchema()
	if err != nil {
		return fmt.Errorf("compile request schema: %w", err)
	}
	if err := schema.Validate(req.Raw().Interface()); err != nil {
		return &MalformedRequestError{Reason: "request does not match envelope schema", Cause: err}
	}
	return nil
}
