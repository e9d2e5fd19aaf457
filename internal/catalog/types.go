// Package catalog defines the validated artifact extracted from a catalog
// page and the validator that turns raw model output into one. Everything
// between raw text and a validated CatalogPage is treated as an opaque
// string.
package catalog

import (
	"strings"
	"unicode/utf8"
)

// TextBlock is one positioned run of OCR text.
type TextBlock struct {
	BlockID   int    `json:"block_id"`
	Position  string `json:"position"`
	Text      string `json:"text"`
	FontStyle string `json:"font_style"`
}

// RawOCR is the low-level transcription of a page.
type RawOCR struct {
	TextBlocks        []TextBlock `json:"text_blocks"`
	LayoutDescription string      `json:"layout_description"`
}

// PageInfo describes the page itself rather than its content.
type PageInfo struct {
	PageNumber     string `json:"page_number"`
	IsCompletePage bool   `json:"is_complete_page"`
	ContentType    string `json:"content_type"`
}

// Textbook is a referenced course text.
type Textbook struct {
	Title  string `json:"title"`
	Author string `json:"author"`
}

// Course is one course listing extracted from the page.
type Course struct {
	CourseName  string     `json:"course_name"`
	Department  string     `json:"department"`
	Level       string     `json:"level"`
	Topics      []string   `json:"topics"`
	Textbooks   []Textbook `json:"textbooks"`
	Term        string     `json:"term"`
	Instructors []string   `json:"instructors"`
	Description string     `json:"description"`
}

// CatalogPage is the validated artifact written to the output tree. Its
// presence on disk marks a page as done.
type CatalogPage struct {
	RawOCR       RawOCR   `json:"raw_ocr"`
	PageInfo     PageInfo `json:"page_info"`
	SchoolName   string   `json:"school_name"`
	CatalogYear  string   `json:"catalog_year"`
	AcademicYear string   `json:"academic_year"`
	Courses      []Course `json:"courses"`
}

// TailText returns up to limit trailing characters of the page's combined
// OCR text. Used to seed the next page's prompt context.
func (p *CatalogPage) TailText(limit int) string {
	var parts []string
	for _, block := range p.RawOCR.TextBlocks {
		if block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	combined := strings.Join(parts, "\n")
	if len(combined) <= limit {
		return combined
	}
	// Advance to a rune boundary so the tail never starts mid-character.
	start := len(combined) - limit
	for start < len(combined) && !utf8.RuneStart(combined[start]) {
		start++
	}
	return combined[start:]
}
