package crawler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadWorkListSkipsBlanksAndHonorsLimit(t *testing.T) {
	t.Parallel()

	input := "crawl-data/a.warc.gz\n\n  \ncrawl-data/b.warc.gz\r\ncrawl-data/c.warc.gz\n"

	items, err := ReadWorkList(strings.NewReader(input), 0)
	require.NoError(t, err)
	require.Equal(t, []WorkItem{
		{Path: "crawl-data/a.warc.gz"},
		{Path: "crawl-data/b.warc.gz"},
		{Path: "crawl-data/c.warc.gz"},
	}, items)

	items, err = ReadWorkList(strings.NewReader(input), 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
}

func TestLoadWorkListMissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadWorkList(filepath.Join(t.TempDir(), "missing.txt"), 0)
	require.Error(t, err)
}

func TestLoadWorkListFromDisk(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "paths.txt")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\n"), 0o600))

	items, err := LoadWorkList(path, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, []WorkItem{{Path: "x"}}, WorkItemsFromPaths([]string{" x ", ""}))
}
