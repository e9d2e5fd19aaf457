// Package pageid defines the canonical identity of a catalog page and the
// filesystem layout derived from it. A page is addressed by the 4-tuple
// (state, school, year, page); pages sharing (state, school, year) form a
// book whose pages depend on each other in ascending order.
package pageid

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// PageID identifies a single catalog page.
type PageID struct {
	State  string
	School string
	Year   int
	Page   int
}

// Book is the grouping key for a dependency chain.
type Book struct {
	State  string
	School string
	Year   int
}

// New validates the components and returns a PageID.
func New(state, school string, year, page int) (PageID, error) {
	if state == "" || school == "" {
		return PageID{}, fmt.Errorf("state and school must be non-empty")
	}
	if strings.Contains(state, ":") || strings.Contains(school, ":") {
		return PageID{}, fmt.Errorf("state and school must not contain colons: %s/%s", state, school)
	}
	if year <= 0 {
		return PageID{}, fmt.Errorf("year must be positive, got %d", year)
	}
	if page <= 0 {
		return PageID{}, fmt.Errorf("page must be positive, got %d", page)
	}
	return PageID{State: state, School: school, Year: year, Page: page}, nil
}

// Key returns the canonical record key "state:school:year:page".
func (p PageID) Key() string {
	return fmt.Sprintf("%s:%s:%d:%d", p.State, p.School, p.Year, p.Page)
}

// Book returns the grouping key for this page's dependency chain.
func (p PageID) Book() Book {
	return Book{State: p.State, School: p.School, Year: p.Year}
}

// ParseKey parses a canonical record key back into a PageID.
func ParseKey(key string) (PageID, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 {
		return PageID{}, fmt.Errorf("invalid record key %q: want 4 colon-separated parts", key)
	}
	year, err := strconv.Atoi(parts[2])
	if err != nil {
		return PageID{}, fmt.Errorf("invalid year in record key %q: %w", key, err)
	}
	page, err := strconv.Atoi(parts[3])
	if err != nil {
		return PageID{}, fmt.Errorf("invalid page in record key %q: %w", key, err)
	}
	return New(parts[0], parts[1], year, page)
}

// LabelPath returns the label file location under labelRoot.
func (p PageID) LabelPath(labelRoot string) string {
	return filepath.Join(labelRoot, p.State, p.School, strconv.Itoa(p.Year), strconv.Itoa(p.Page)+".json")
}

// OutputPath returns the validated artifact location under outputRoot.
// Presence of this file marks the page as done.
func (p PageID) OutputPath(outputRoot string) string {
	return filepath.Join(outputRoot, p.State, p.School, strconv.Itoa(p.Year), strconv.Itoa(p.Page)+".json")
}

// ImagePath returns the page scan location under imageRoot.
func (p PageID) ImagePath(imageRoot string) string {
	return filepath.Join(imageRoot, p.State, p.School, strconv.Itoa(p.Year), strconv.Itoa(p.Page)+".jpg")
}

// Less orders pages by (state, school, year, page) for stable scheduling.
func (p PageID) Less(other PageID) bool {
	if p.State != other.State {
		return p.State < other.State
	}
	if p.School != other.School {
		return p.School < other.School
	}
	if p.Year != other.Year {
		return p.Year < other.Year
	}
	return p.Page < other.Page
}

func (p PageID) String() string {
	return p.Key()
}
