// Package scanner derives the next runnable set of pages from the label
// tree, the output tree, and snapshots of the state store. It never mutates
// anything: identical inputs produce identical output, in a stable order.
package scanner

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/registrarlab/pageflow/internal/pageid"
)

// Input is everything a scan depends on. FailureCounts and Inflight are
// snapshots taken by the caller; the scan itself reads only the filesystem.
type Input struct {
	LabelRoot  string
	OutputRoot string

	// TargetStates is an allow-list; empty means all states.
	TargetStates []string

	// YearStart/YearEnd bound the workload inclusively; zero means unbounded.
	YearStart int
	YearEnd   int

	MaxRetries     int
	BatchSizeLimit int

	FailureCounts map[string]int
	Inflight      map[string]string

	Logger *slog.Logger
}

// Result is the outcome of one scan.
type Result struct {
	// Runnable lists eligible pages in (state, school, year, page) order,
	// truncated at BatchSizeLimit.
	Runnable []pageid.PageID

	// TotalCandidates counts every labelled page that passed the filters,
	// regardless of classification.
	TotalCandidates int
}

// Scan enumerates label files and returns the pages whose dependency is met
// and which are not done, not in flight, and not dead-lettered.
func Scan(in Input) (Result, error) {
	logger := in.Logger
	if logger == nil {
		logger = slog.Default()
	}

	books, err := collectBooks(in, logger)
	if err != nil {
		return Result{}, err
	}

	bookKeys := make([]pageid.Book, 0, len(books))
	for book := range books {
		bookKeys = append(bookKeys, book)
	}
	sort.Slice(bookKeys, func(i, j int) bool {
		a, b := bookKeys[i], bookKeys[j]
		if a.State != b.State {
			return a.State < b.State
		}
		if a.School != b.School {
			return a.School < b.School
		}
		return a.Year < b.Year
	})

	var result Result
	for _, pages := range books {
		result.TotalCandidates += len(pages)
	}

	for _, book := range bookKeys {
		pages := books[book]
		sort.Ints(pages)

		prevDone := false
		for i, page := range pages {
			id := pageid.PageID{State: book.State, School: book.School, Year: book.Year, Page: page}
			key := id.Key()

			done := fileExists(id.OutputPath(in.OutputRoot))
			switch {
			case done:
				// Terminal success; unblocks the next labelled page.
				prevDone = true
				continue
			case in.FailureCounts[key] > in.MaxRetries:
				// Dead letter: skipped until an operator resets the counter.
				prevDone = false
				continue
			case hasKey(in.Inflight, key):
				prevDone = false
				continue
			}

			if i > 0 && !prevDone {
				// Blocked: dependency not met. Nothing later in this book can
				// run this wave.
				break
			}

			result.Runnable = append(result.Runnable, id)
			prevDone = false
			if len(result.Runnable) >= in.BatchSizeLimit {
				return result, nil
			}
		}
	}

	return result, nil
}

// collectBooks walks the label tree and groups labelled page numbers by book,
// applying the state and year filters. Unparseable paths are logged and
// skipped.
func collectBooks(in Input, logger *slog.Logger) (map[pageid.Book][]int, error) {
	allowed := make(map[string]bool, len(in.TargetStates))
	for _, state := range in.TargetStates {
		allowed[state] = true
	}

	books := make(map[pageid.Book][]int)
	err := filepath.WalkDir(in.LabelRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}

		id, ok := parseLabelPath(in.LabelRoot, path)
		if !ok {
			logger.Warn("skipping unparseable label path", "path", path)
			return nil
		}

		if len(allowed) > 0 && !allowed[id.State] {
			return nil
		}
		if in.YearStart > 0 && id.Year < in.YearStart {
			return nil
		}
		if in.YearEnd > 0 && id.Year > in.YearEnd {
			return nil
		}

		books[id.Book()] = append(books[id.Book()], id.Page)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return books, nil
}

// parseLabelPath extracts the page identity from
// labelRoot/state/school/year/page.json.
func parseLabelPath(labelRoot, path string) (pageid.PageID, bool) {
	rel, err := filepath.Rel(labelRoot, path)
	if err != nil {
		return pageid.PageID{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 4 {
		return pageid.PageID{}, false
	}

	year, err := strconv.Atoi(parts[2])
	if err != nil {
		return pageid.PageID{}, false
	}
	page, err := strconv.Atoi(strings.TrimSuffix(parts[3], ".json"))
	if err != nil {
		return pageid.PageID{}, false
	}

	id, err := pageid.New(parts[0], parts[1], year, page)
	if err != nil {
		return pageid.PageID{}, false
	}
	return id, true
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func hasKey(m map[string]string, key string) bool {
	_, ok := m[key]
	return ok
}
