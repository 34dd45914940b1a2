package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// createTaskSchema is the boundary contract for task creation. The registry
// accepts any title and deadline; the gateway refuses empty titles, missing
// fields, and fields it does not know.
const createTaskSchema = `{
	"type": "object",
	"properties": {
		"title":       {"type": "string", "minLength": 1},
		"description": {"type": ["string", "null"]},
		"deadline":    {"type": "integer"}
	},
	"required": ["title", "deadline"],
	"additionalProperties": false
}`

type createTaskRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description"`
	Deadline    int64   `json:"deadline"`
}

// InvalidRequestError is returned for bodies that fail schema validation.
type InvalidRequestError struct {
	Message string
}

func (e *InvalidRequestError) Error() string { return e.Message }

type requestValidator struct {
	schema *jsonschema.Schema
}

func newRequestValidator() (*requestValidator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// integer check needs.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(createTaskSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("task_create.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("task_create.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &requestValidator{schema: schema}, nil
}

// decodeCreate validates raw against the create schema and decodes it.
func (v *requestValidator) decodeCreate(raw []byte) (createTaskRequest, error) {
	var req createTaskRequest
	if len(bytes.TrimSpace(raw)) == 0 {
		return req, &InvalidRequestError{Message: "request body required"}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return req, &InvalidRequestError{Message: fmt.Sprintf("invalid JSON: %s", err)}
	}
	if err := v.schema.Validate(inst); err != nil {
		return req, &InvalidRequestError{Message: validationMessage(err)}
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		// Integers beyond int64 pass the schema but not the decoder.
		return req, &InvalidRequestError{Message: fmt.Sprintf("invalid task: %s", err)}
	}
	return req, nil
}

// validationMessage flattens the library's multi-line report into one line,
// dropping the header that names the schema URL.
func validationMessage(err error) string {
	var parts []string
	for _, line := range strings.Split(err.Error(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "jsonschema validation failed") {
			continue
		}
		parts = append(parts, strings.TrimPrefix(line, "- "))
	}
	if len(parts) == 0 {
		return "invalid task"
	}
	return "invalid task: " + strings.Join(parts, "; ")
}
