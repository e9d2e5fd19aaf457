package catalog

// pageSchema is the JSON Schema a model response must satisfy before it is
// written to the output tree. Nullable fields mirror the artifact model:
// metadata may legitimately be absent on continuation pages.
const pageSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["raw_ocr", "page_info", "courses"],
  "properties": {
    "raw_ocr": {
      "type": "object",
      "required": ["text_blocks", "layout_description"],
      "properties": {
        "text_blocks": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["block_id", "position", "text", "font_style"],
            "properties": {
              "block_id": {"type": "integer"},
              "position": {"type": "string"},
              "text": {"type": "string"},
              "font_style": {"type": "string"}
            }
          }
        },
        "layout_description": {"type": "string"}
      }
    },
    "page_info": {
      "type": "object",
      "required": ["is_complete_page", "content_type"],
      "properties": {
        "page_number": {"type": ["string", "null"]},
        "is_complete_page": {"type": "boolean"},
        "content_type": {"type": "string"}
      }
    },
    "school_name": {"type": ["string", "null"]},
    "catalog_year": {"type": ["string", "null"]},
    "academic_year": {"type": ["string", "null"]},
    "courses": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "course_name": {"type": ["string", "null"]},
          "department": {"type": ["string", "null"]},
          "level": {"type": ["string", "null"]},
          "topics": {"type": ["array", "null"], "items": {"type": "string"}},
          "textbooks": {
            "type": ["array", "null"],
            "items": {
              "type": "object",
              "properties": {
                "title": {"type": ["string", "null"]},
                "author": {"type": ["string", "null"]}
              }
            }
          },
          "term": {"type": ["string", "null"]},
          "instructors": {"type": ["array", "null"], "items": {"type": "string"}},
          "description": {"type": ["string", "null"]}
        }
      }
    }
  }
}`
