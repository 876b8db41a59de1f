package diagnose

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remediator/pkg/persistence"
	"remediator/pkg/retry"
)

type stubFetcher struct {
	logs string
	err  error
}

func (s *stubFetcher) FailedJobLogs(context.Context, string, int64) (string, error) {
	return s.logs, s.err
}

func testJob() *persistence.Job {
	return &persistence.Job{
		ID:            "job-1",
		Repository:    "acme/widget",
		WorkflowRunID: 42,
		HeadSHA:       "abc123",
		Branch:        "main",
	}
}

func writeRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for path, content := range files {
		full := filepath.Join(dir, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return dir
}

func TestBuildAssemblesContext(t *testing.T) {
	dir := writeRepo(t, map[string]string{
		"main.py":      "def main():\n    run()\n",
		"util/calc.py": "def add(a, b):\n    return a - b\n",
		"README.md":    "# widget\n",
	})
	fetcher := &stubFetcher{logs: "FAILED util/calc.py:2 expected 3 got -1\n"}

	b, err := NewBuilder(fetcher, 8000)
	require.NoError(t, err)

	fc, err := b.Build(context.Background(), testJob(), dir)
	require.NoError(t, err)

	assert.Equal(t, "acme/widget", fc.Repository)
	assert.Contains(t, fc.Logs, "expected 3 got -1")
	assert.Contains(t, fc.FileTree, "main.py")
	assert.Contains(t, fc.FileTree, "util/calc.py")

	require.Len(t, fc.Files, 1, "only the file the logs implicate")
	assert.Equal(t, "util/calc.py", fc.Files[0].Path)
	assert.Contains(t, fc.Files[0].Content, "return a - b")
}

func TestBuildFetchFailureIsTransient(t *testing.T) {
	dir := writeRepo(t, map[string]string{"main.py": "x"})
	fetcher := &stubFetcher{err: errors.New("HTTP 502")}

	b, err := NewBuilder(fetcher, 8000)
	require.NoError(t, err)

	_, err = b.Build(context.Background(), testJob(), dir)
	require.Error(t, err)
	assert.Equal(t, retry.ClassTransient, retry.Classify(err))
}

func TestBuildTruncatesLongLogsKeepingTail(t *testing.T) {
	dir := writeRepo(t, map[string]string{"main.py": "x"})
	logs := strings.Repeat("noise line that repeats forever\n", 5000) + "THE ACTUAL FAILURE\n"
	fetcher := &stubFetcher{logs: logs}

	b, err := NewBuilder(fetcher, 1000)
	require.NoError(t, err)

	fc, err := b.Build(context.Background(), testJob(), dir)
	require.NoError(t, err)

	assert.Contains(t, fc.Logs, "THE ACTUAL FAILURE")
	assert.Contains(t, fc.Logs, "[... truncated ...]")
	assert.LessOrEqual(t, b.counter.Count(fc.Logs), 500)
}

func TestBuildSkipsGitDirectory(t *testing.T) {
	dir := writeRepo(t, map[string]string{
		"main.py":           "x",
		".git/config":       "noise",
		"node_modules/a.js": "noise",
	})
	b, err := NewBuilder(&stubFetcher{logs: "fail"}, 8000)
	require.NoError(t, err)

	fc, err := b.Build(context.Background(), testJob(), dir)
	require.NoError(t, err)

	for _, entry := range fc.FileTree {
		assert.NotContains(t, entry, ".git")
		assert.NotContains(t, entry, "node_modules")
	}
}

func TestRenderContainsSections(t *testing.T) {
	fc := &FailureContext{
		Repository: "acme/widget",
		Branch:     "main",
		HeadSHA:    "abc123",
		Logs:       "boom",
		FileTree:   []string{"main.py"},
		Files:      []FileExcerpt{{Path: "main.py", Content: "def main(): ..."}},
	}

	out := fc.Render()
	assert.Contains(t, out, "acme/widget")
	assert.Contains(t, out, "## Failing workflow logs")
	assert.Contains(t, out, "boom")
	assert.Contains(t, out, "## Repository files")
	assert.Contains(t, out, "## main.py")
}

func TestTruncateHeadUnderLimitIsUnchanged(t *testing.T) {
	tc, err := NewTokenCounter()
	require.NoError(t, err)

	text := "short text"
	assert.Equal(t, text, tc.TruncateHead(text, 100))
	assert.Equal(t, text, tc.TruncateTail(text, 100))
}
