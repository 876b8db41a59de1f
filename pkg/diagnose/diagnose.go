// Package diagnose assembles the failure context handed to the patch
// engine: the failing run's logs, a survey of the repository tree, and the
// files the logs implicate, all trimmed to a token budget.
package diagnose

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"remediator/pkg/logx"
	"remediator/pkg/persistence"
	"remediator/pkg/retry"
)

const (
	maxTreeEntries = 400
	maxSourceFiles = 8
)

// Directories that never help a diagnosis.
var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"target":       true,
	"__pycache__":  true,
}

// LogFetcher retrieves the failed-step logs of a workflow run.
type LogFetcher interface {
	FailedJobLogs(ctx context.Context, repository string, runID int64) (string, error)
}

// FileExcerpt is one source file included in the failure context.
type FileExcerpt struct {
	Path    string
	Content string
}

// FailureContext is the assembled input for the patch engine.
type FailureContext struct {
	Repository string
	Branch     string
	HeadSHA    string
	Logs       string
	FileTree   []string
	Files      []FileExcerpt
}

// Builder assembles failure contexts within a token budget.
type Builder struct {
	logger  *logx.Logger
	fetcher LogFetcher
	counter *TokenCounter
	budget  int
}

// NewBuilder creates a context builder. budget is the total token allowance
// for the rendered context.
func NewBuilder(fetcher LogFetcher, budget int) (*Builder, error) {
	counter, err := NewTokenCounter()
	if err != nil {
		return nil, err
	}
	return &Builder{
		logger:  logx.NewLogger("diagnose"),
		fetcher: fetcher,
		counter: counter,
		budget:  budget,
	}, nil
}

// Build assembles the failure context for a job whose repository is checked
// out at dir. A log fetch failure is transient; the attempt retries.
func (b *Builder) Build(ctx context.Context, job *persistence.Job, dir string) (*FailureContext, error) {
	logs, err := b.fetcher.FailedJobLogs(ctx, job.Repository, job.WorkflowRunID)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("failed to fetch run logs: %w", err))
	}

	tree, err := surveyTree(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to survey repository tree: %w", err)
	}

	fc := &FailureContext{
		Repository: job.Repository,
		Branch:     job.Branch,
		HeadSHA:    job.HeadSHA,
		FileTree:   tree,
	}

	// Half the budget goes to the logs; the implicated files share most of
	// the rest, and the tree listing is cheap.
	logBudget := b.budget / 2
	fc.Logs = b.counter.TruncateHead(logs, logBudget)

	fileBudget := b.budget - b.counter.Count(fc.Logs) - b.budget/10
	fc.Files = b.collectImplicatedFiles(dir, logs, tree, fileBudget)

	b.logger.Debug("Built context for %s: %d tree entries, %d files, ~%d log tokens",
		job.Repository, len(tree), len(fc.Files), b.counter.Count(fc.Logs))
	return fc, nil
}

// Render produces the prompt-ready text block.
func (fc *FailureContext) Render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Repository: %s (branch %s, commit %s)\n\n", fc.Repository, fc.Branch, fc.HeadSHA)

	sb.WriteString("## Failing workflow logs\n\n```\n")
	sb.WriteString(fc.Logs)
	sb.WriteString("\n```\n\n")

	if len(fc.FileTree) > 0 {
		sb.WriteString("## Repository files\n\n```\n")
		sb.WriteString(strings.Join(fc.FileTree, "\n"))
		sb.WriteString("\n```\n\n")
	}

	for _, f := range fc.Files {
		fmt.Fprintf(&sb, "## %s\n\n```\n%s\n```\n\n", f.Path, f.Content)
	}

	return sb.String()
}

// surveyTree lists repository files relative to root, capped so huge repos
// do not dominate the budget.
func surveyTree(root string) ([]string, error) {
	var entries []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		entries = append(entries, rel)
		if len(entries) > maxTreeEntries {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(entries)
	return entries, nil
}

// pathPattern matches file-path-like tokens in log output, with an optional
// trailing line number.
var pathPattern = regexp.MustCompile(`[\w./-]+\.[A-Za-z]{1,8}(?::\d+)?`)

// collectImplicatedFiles pulls the files the logs mention, in order of
// first mention, each trimmed to a share of the remaining budget.
func (b *Builder) collectImplicatedFiles(root, logs string, tree []string, budget int) []FileExcerpt {
	if budget <= 0 {
		return nil
	}

	known := make(map[string]bool, len(tree))
	for _, entry := range tree {
		known[entry] = true
	}

	seen := make(map[string]bool)
	var paths []string
	for _, match := range pathPattern.FindAllString(logs, -1) {
		p := strings.SplitN(match, ":", 2)[0]
		p = strings.TrimPrefix(p, "./")
		if !known[p] || seen[p] {
			continue
		}
		seen[p] = true
		paths = append(paths, p)
		if len(paths) >= maxSourceFiles {
			break
		}
	}

	if len(paths) == 0 {
		return nil
	}

	perFile := budget / len(paths)
	var files []FileExcerpt
	for _, p := range paths {
		content, err := os.ReadFile(filepath.Join(root, p))
		if err != nil {
			b.logger.Debug("Skipping implicated file %s: %v", p, err)
			continue
		}
		files = append(files, FileExcerpt{
			Path:    p,
			Content: b.counter.TruncateTail(string(content), perFile),
		})
	}
	return files
}
