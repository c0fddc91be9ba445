package github

import (
	"regexp"
	"strings"

	"github.com/zoomjudge/eval-engine/pkg/models"
)

// Commit URL validation. Only commit-pinned URLs are accepted: branch tips
// make cache keys unstable, so /tree/<branch> and friends are rejected at
// admission.

var commitURLPattern = regexp.MustCompile(
	`^https://github\.com/([A-Za-z0-9_.-]+)/([A-Za-z0-9_.-]+)/commit/([a-f0-9]{7,40})/?$`)

var forbiddenSchemes = []string{"javascript:", "data:", "vbscript:"}

// ParseCommitURL sanitizes and validates a submitted commit URL, returning
// the immutable commit reference it pins.
func ParseCommitURL(raw string) (models.CommitRef, bool) {
	s := sanitizeURL(raw)

	lower := strings.ToLower(s)
	for _, scheme := range forbiddenSchemes {
		if strings.HasPrefix(lower, scheme) {
			return models.CommitRef{}, false
		}
	}

	m := commitURLPattern.FindStringSubmatch(s)
	if m == nil {
		return models.CommitRef{}, false
	}
	return models.CommitRef{Owner: m[1], Repo: m[2], CommitHash: m[3]}, true
}

// sanitizeURL strips surrounding whitespace, quotes and angle brackets that
// commonly survive copy-paste from chat clients and markdown.
func sanitizeURL(raw string) string {
	s := strings.TrimSpace(raw)
	for {
		trimmed := strings.Trim(s, `"'`)
		trimmed = strings.TrimPrefix(trimmed, "<")
		trimmed = strings.TrimSuffix(trimmed, ">")
		if trimmed == s {
			return s
		}
		s = trimmed
	}
}
