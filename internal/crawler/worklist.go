package crawler

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// LoadWorkList reads one segment path per line from path, skipping blank
// lines. A positive limit caps the number of items returned.
func LoadWorkList(path string, limit int) ([]WorkItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open work list: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle
	return ReadWorkList(f, limit)
}

// ReadWorkList is LoadWorkList over an arbitrary reader.
func ReadWorkList(r io.Reader, limit int) ([]WorkItem, error) {
	var items []WorkItem
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		items = append(items, WorkItem{Path: line})
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read work list: %w", err)
	}
	return items, nil
}

// WorkItemsFromPaths wraps plain paths, e.g. a resume list.
func WorkItemsFromPaths(paths []string) []WorkItem {
	items := make([]WorkItem, 0, len(paths))
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			items = append(items, WorkItem{Path: p})
		}
	}
	return items
}
