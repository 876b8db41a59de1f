package patch

import (
	"errors"
	"regexp"
	"strings"
)

// ErrNoDiff signals a model reply with no usable unified diff. The reply
// is not going to improve by resending the same prompt, so the job goes to
// human review rather than retrying.
var ErrNoDiff = errors.New("model reply contains no unified diff")

var fencePattern = regexp.MustCompile("(?s)```(?:diff|patch)?\n(.*?)```")

const maxSummaryLen = 500

// ExtractDiff pulls the unified diff out of a model reply, along with a
// short summary taken from the prose around the fence. Accepts fenced
// blocks tagged diff/patch or untagged fences whose body looks like a diff.
func ExtractDiff(text string) (diff, summary string, err error) {
	for _, match := range fencePattern.FindAllStringSubmatch(text, -1) {
		body := match[1]
		if looksLikeDiff(body) {
			if !strings.HasSuffix(body, "\n") {
				body += "\n"
			}
			return body, summarize(text, match[0]), nil
		}
	}

	// Some models emit the diff bare, without a fence.
	if looksLikeDiff(text) {
		body := text
		if !strings.HasSuffix(body, "\n") {
			body += "\n"
		}
		return body, "", nil
	}

	return "", "", ErrNoDiff
}

// looksLikeDiff reports whether text starts a unified diff within its
// first few lines.
func looksLikeDiff(text string) bool {
	lines := strings.Split(text, "\n")
	limit := len(lines)
	if limit > 5 {
		limit = 5
	}
	for _, line := range lines[:limit] {
		if strings.HasPrefix(line, "--- ") || strings.HasPrefix(line, "diff --git ") {
			return true
		}
	}
	return false
}

// summarize returns the prose around the diff fence, trimmed to a bounded
// length for the PR body.
func summarize(text, fence string) string {
	prose := strings.TrimSpace(strings.Replace(text, fence, "", 1))
	if len(prose) > maxSummaryLen {
		prose = prose[:maxSummaryLen] + "..."
	}
	return prose
}
