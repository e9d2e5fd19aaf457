package catalog

import (
	"strings"
	"testing"
	"unicode/utf8"
)

const validPage = `{
  "raw_ocr": {
    "text_blocks": [
      {"block_id": 1, "position": "top", "text": "MATHEMATICS", "font_style": "bold"},
      {"block_id": 2, "position": "body", "text": "101. Algebra. Three hours.", "font_style": "regular"}
    ],
    "layout_description": "two column"
  },
  "page_info": {"page_number": "12", "is_complete_page": true, "content_type": "course_listing"},
  "school_name": "Howard College",
  "catalog_year": "1849",
  "academic_year": "1849-50",
  "courses": [
    {"course_name": "Algebra", "department": "Mathematics", "level": "101",
     "topics": ["equations"], "textbooks": [{"title": "Elements", "author": "Davies"}],
     "term": "Fall", "instructors": ["Smith"], "description": "Three hours."}
  ]
}`

func TestValidateAcceptsWellFormedPage(t *testing.T) {
	page, verr := Validate(validPage)
	if verr != nil {
		t.Fatalf("Validate: %v", verr)
	}
	if page.SchoolName != "Howard College" {
		t.Errorf("school name: got %q", page.SchoolName)
	}
	if len(page.Courses) != 1 || page.Courses[0].CourseName != "Algebra" {
		t.Errorf("courses: %+v", page.Courses)
	}
}

func TestValidateStripsCodeFences(t *testing.T) {
	fenced := "```json\n" + validPage + "\n```"
	page, verr := Validate(fenced)
	if verr != nil {
		t.Fatalf("Validate fenced: %v", verr)
	}
	if page.PageInfo.ContentType != "course_listing" {
		t.Errorf("content type: got %q", page.PageInfo.ContentType)
	}
}

func TestValidateRecoversEmbeddedJSON(t *testing.T) {
	wrapped := "Here is the extraction you asked for:\n" + validPage + "\nLet me know if you need anything else."
	if _, verr := Validate(wrapped); verr != nil {
		t.Fatalf("Validate wrapped: %v", verr)
	}
}

func TestValidateEmptyResponse(t *testing.T) {
	_, verr := Validate("   \n ")
	if verr == nil || verr.Kind != KindMissingResponse {
		t.Fatalf("expected missing_response, got %v", verr)
	}
}

func TestValidateUndecodableResponse(t *testing.T) {
	_, verr := Validate("I could not read this page at all.")
	if verr == nil || verr.Kind != KindJSONDecode {
		t.Fatalf("expected json_decode_error, got %v", verr)
	}

	_, verr = Validate(`{"raw_ocr": `)
	if verr == nil || verr.Kind != KindJSONDecode {
		t.Fatalf("expected json_decode_error for truncated JSON, got %v", verr)
	}
}

func TestValidateSchemaViolation(t *testing.T) {
	_, verr := Validate(`{"page_info": {"is_complete_page": true, "content_type": "other"}, "courses": []}`)
	if verr == nil || verr.Kind != KindSchemaValidation {
		t.Fatalf("expected schema_validation_error, got %v", verr)
	}
	if verr.ExtractedText == "" {
		t.Error("extracted text should be preserved for analysis")
	}
}

func TestTailText(t *testing.T) {
	page := &CatalogPage{RawOCR: RawOCR{TextBlocks: []TextBlock{
		{Text: strings.Repeat("a", 400)},
		{Text: strings.Repeat("b", 400)},
	}}}
	tail := page.TailText(500)
	if len(tail) != 500 {
		t.Fatalf("tail length: got %d", len(tail))
	}
	if !strings.HasSuffix(tail, "b") || strings.HasPrefix(tail, "a"+strings.Repeat("a", 398)) {
		t.Errorf("tail should keep the trailing text")
	}

	short := &CatalogPage{RawOCR: RawOCR{TextBlocks: []TextBlock{{Text: "hello"}}}}
	if got := short.TailText(500); got != "hello" {
		t.Errorf("short tail: got %q", got)
	}
}

func TestTailTextRuneBoundary(t *testing.T) {
	// Each é is two bytes; an odd limit would otherwise split one.
	page := &CatalogPage{RawOCR: RawOCR{TextBlocks: []TextBlock{
		{Text: strings.Repeat("é", 10)},
	}}}
	tail := page.TailText(5)
	if !utf8.ValidString(tail) {
		t.Fatalf("tail is not valid UTF-8: %q", tail)
	}
	if tail != strings.Repeat("é", 2) {
		t.Errorf("tail: got %q", tail)
	}
}
