// Package prompts loads page-extraction prompt templates from the on-disk
// registry. A template lives at registry_dir/{name}/{template_file} and is a
// Go template; {{.PreviousContext}} carries the tail of the previous page's
// validated output so multi-page listings continue cleanly.
package prompts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/registrarlab/pageflow/internal/catalog"
)

// Template is a loaded, parsed prompt template.
type Template struct {
	Name string
	File string
	tmpl *template.Template
}

// templateData is the variable set exposed to prompt templates.
type templateData struct {
	PreviousContext string
}

// Load reads and parses the template at registryDir/name/templateFile.
func Load(registryDir, name, templateFile string) (*Template, error) {
	path := filepath.Join(registryDir, name, templateFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt template %s: %w", path, err)
	}

	tmpl, err := template.New(templateFile).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt template %s: %w", path, err)
	}

	return &Template{Name: name, File: templateFile, tmpl: tmpl}, nil
}

// Render produces the prompt text. previousContext may be empty for the
// first page of a book.
func (t *Template) Render(previousContext string) (string, error) {
	var sb strings.Builder
	if err := t.tmpl.Execute(&sb, templateData{PreviousContext: previousContext}); err != nil {
		return "", fmt.Errorf("failed to render prompt %s/%s: %w", t.Name, t.File, err)
	}
	return sb.String(), nil
}

// maxTailChars bounds how much of the previous page's OCR text is carried
// into the next prompt.
const maxTailChars = 500

// maxTailCourses bounds how many trailing courses are summarized.
const maxTailCourses = 3

// FormatPreviousContext summarizes a validated page for use as the next
// page's prompt context: the tail of its OCR text plus its last few courses.
func FormatPreviousContext(page *catalog.CatalogPage) string {
	var lines []string

	if tail := page.TailText(maxTailChars); tail != "" {
		lines = append(lines, "LAST_500_CHARS:", tail)
	}

	lines = append(lines, "", "LAST_3_COURSES:")
	courses := page.Courses
	if len(courses) > maxTailCourses {
		courses = courses[len(courses)-maxTailCourses:]
	}
	if len(courses) == 0 {
		lines = append(lines, "(none)")
	} else {
		for i, course := range courses {
			lines = append(lines, fmt.Sprintf("%d. %s (department=%s, level=%s, term=%s)",
				i+1, course.CourseName, course.Department, course.Level, course.Term))
		}
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}
