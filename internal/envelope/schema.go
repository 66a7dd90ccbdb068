package envelope

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var (
	requestSchema    = mustCompile("schemas/ocr_request.schema.json")
	completionSchema = mustCompile("schemas/ocr_completed.schema.json")
)

func mustCompile(name string) *jsonschema.Schema {
	raw, err := schemaFS.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("embedded schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(name, bytes.NewReader(raw)); err != nil {
		panic(fmt.Sprintf("embedded schema %s: %v", name, err))
	}
	s, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("embedded schema %s: %v", name, err))
	}
	return s
}

// SchemaError reports an envelope that violates the v1 contract. It always
// maps to the bad_request error code.
type SchemaError struct {
	Detail string
}

func (e *SchemaError) Error() string {
	return "schema validation failed: " + e.Detail
}

func schemaErrf(format string, args ...any) *SchemaError {
	return &SchemaError{Detail: fmt.Sprintf(format, args...)}
}

// ParseRequest validates raw JSON against the request schema plus the
// invariants JSON Schema cannot express (index uniqueness and coverage,
// image_count alignment, parseable created_at) and returns the typed
// envelope. image_count is derived from len(image_refs) when absent.
func ParseRequest(raw []byte) (*Request, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, schemaErrf("invalid JSON: %v", err)
	}
	if err := requestSchema.Validate(doc); err != nil {
		return nil, &SchemaError{Detail: err.Error()}
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, schemaErrf("invalid envelope: %v", err)
	}

	if _, err := time.Parse(time.RFC3339, req.CreatedAt); err != nil {
		return nil, schemaErrf("invalid created_at %q", req.CreatedAt)
	}

	n := len(req.Payload.ImageRefs)
	if req.Payload.ImageCount == 0 {
		req.Payload.ImageCount = n
	} else if req.Payload.ImageCount != n {
		return nil, schemaErrf("image_count %d does not match %d image_refs",
			req.Payload.ImageCount, n)
	}

	seen := make(map[int]bool, n)
	for _, ref := range req.Payload.ImageRefs {
		if ref.Index >= n {
			return nil, schemaErrf("image_refs index %d out of range [0,%d)", ref.Index, n)
		}
		if seen[ref.Index] {
			return nil, schemaErrf("duplicate image_refs index %d", ref.Index)
		}
		seen[ref.Index] = true
	}

	return &req, nil
}

// ValidateCompletion checks an outbound completion envelope against its
// schema. Used by tests and by the emitter in debug builds to catch drift.
func ValidateCompletion(c *Completion) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return completionSchema.Validate(doc)
}
