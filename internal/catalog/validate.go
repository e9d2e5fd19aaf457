package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validation error kinds as recorded in the failure log.
const (
	KindJSONDecode       = "json_decode_error"
	KindSchemaValidation = "schema_validation_error"
	KindMissingResponse  = "missing_response"
	KindOther            = "other"
)

// ValidationError describes why raw model output could not become an
// artifact. ExtractedText preserves the best JSON candidate found so the
// failure can be analyzed offline.
type ValidationError struct {
	Kind          string
	Message       string
	ExtractedText string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("catalog_page.json", bytes.NewReader([]byte(pageSchema))); err != nil {
			schemaErr = fmt.Errorf("failed to load catalog page schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile("catalog_page.json")
	})
	return compiledSchema, schemaErr
}

// Validate turns raw model output into a CatalogPage, or explains why it
// cannot. It tolerates markdown code fences and surrounding prose around the
// JSON object.
func Validate(rawText string) (*CatalogPage, *ValidationError) {
	trimmed := strings.TrimSpace(rawText)
	if trimmed == "" {
		return nil, &ValidationError{Kind: KindMissingResponse, Message: "empty model response"}
	}

	extracted := ExtractJSON(trimmed)
	if extracted == "" {
		return nil, &ValidationError{
			Kind:    KindJSONDecode,
			Message: "no JSON object found in model output",
		}
	}

	var doc any
	if err := json.Unmarshal([]byte(extracted), &doc); err != nil {
		return nil, &ValidationError{
			Kind:          KindJSONDecode,
			Message:       err.Error(),
			ExtractedText: extracted,
		}
	}

	schema, err := compiled()
	if err != nil {
		return nil, &ValidationError{
			Kind:          KindOther,
			Message:       err.Error(),
			ExtractedText: extracted,
		}
	}
	if err := schema.Validate(doc); err != nil {
		return nil, &ValidationError{
			Kind:          KindSchemaValidation,
			Message:       err.Error(),
			ExtractedText: extracted,
		}
	}

	var page CatalogPage
	if err := json.Unmarshal([]byte(extracted), &page); err != nil {
		return nil, &ValidationError{
			Kind:          KindOther,
			Message:       err.Error(),
			ExtractedText: extracted,
		}
	}
	return &page, nil
}

// ExtractJSON recovers the JSON object from model output. It strips a
// leading/trailing markdown fence, then falls back to the outermost brace
// pair. Returns "" when no candidate exists.
func ExtractJSON(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return ""
	}

	if stripped := stripCodeFences(trimmed); stripped != "" {
		trimmed = stripped
	}
	if json.Valid([]byte(trimmed)) {
		return trimmed
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end <= start {
		return ""
	}
	return strings.TrimSpace(trimmed[start : end+1])
}

func stripCodeFences(content string) string {
	if !strings.HasPrefix(content, "```") {
		return ""
	}
	lines := strings.Split(content, "\n")
	if len(lines) < 2 {
		return ""
	}
	lines = lines[1:]
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
