package selection

import (
	"path"
	"sort"
	"strings"

	"github.com/zoomjudge/eval-engine/pkg/models"
)

// Rule-based tier: expand each criterion's evidence hints against the file
// listing and score every candidate. A criterion counts as covered only via
// its own evidence signals (hint match, criterion keyword); the generic
// basename/affinity bonuses rank files that already carry such a signal but
// never cover a criterion on their own — a README must not mark "Model
// monitoring" as evidenced.

const (
	patternMatchWeight = 3.0
	readmeWeight       = 2.5
	manifestWeight     = 2.0
	keywordWeight      = 1.5
	hotPrefixWeight    = 1.0
	coverageThreshold  = 1.0 // a criterion is covered by a criterion-specific score at least this
)

var manifestBasenames = map[string]bool{
	"dockerfile":          true,
	"docker-compose.yml":  true,
	"docker-compose.yaml": true,
	"requirements.txt":    true,
	"pyproject.toml":      true,
	"setup.py":            true,
	"pipfile":             true,
	"package.json":        true,
	"tsconfig.json":       true,
	"go.mod":              true,
	"makefile":            true,
	"dbt_project.yml":     true,
	"cargo.toml":          true,
}

type scoredFile struct {
	path  string
	score float64
}

// ruleBasedSelect scores the listing against the course rubric and returns
// the top files plus the per-criterion coverage ratio.
func ruleBasedSelect(course models.Course, listing []string, maxFiles int) (files []string, coverage float64) {
	totals := make(map[string]float64)
	covered := make(map[int]bool)

	for _, p := range listing {
		lowerPath := strings.ToLower(p)
		base := strings.ToLower(path.Base(p))

		bonus := 0.0
		if strings.HasPrefix(base, "readme") {
			bonus += readmeWeight
		}
		if manifestBasenames[base] {
			bonus += manifestWeight
		}
		for _, prefix := range course.HotPrefixes {
			if strings.HasPrefix(lowerPath, strings.ToLower(prefix)) {
				bonus += hotPrefixWeight
				break
			}
		}

		for ci, crit := range course.Criteria {
			specific := 0.0
			for _, hint := range crit.EvidenceHints {
				if matchHint(hint, lowerPath, base) {
					specific += patternMatchWeight
					break
				}
			}
			if criterionKeywordInBase(crit.Name, base) {
				specific += keywordWeight
			}
			if specific == 0 {
				continue
			}
			if specific >= coverageThreshold {
				covered[ci] = true
			}
			if score := specific + bonus; score > totals[p] {
				totals[p] = score
			}
		}
	}

	ranked := make([]scoredFile, 0, len(totals))
	for p, s := range totals {
		ranked = append(ranked, scoredFile{path: p, score: s})
	}
	// Highest score first; lexicographic path order breaks ties so the
	// selection is deterministic for a given listing and caps.
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].path < ranked[j].path
	})

	for _, sf := range ranked {
		if len(files) >= maxFiles {
			break
		}
		files = append(files, sf.path)
	}

	if len(course.Criteria) > 0 {
		coverage = float64(len(covered)) / float64(len(course.Criteria))
	}
	return files, coverage
}

// matchHint applies one evidence hint. Hints containing a glob metacharacter
// match via path.Match against the full path and the basename; a hint ending
// in "/*" also matches anything under that prefix; plain hints are keyword
// stems matched as substrings of the lowercased path.
func matchHint(hint, lowerPath, base string) bool {
	h := strings.ToLower(hint)
	if strings.ContainsAny(h, "*?[") {
		if ok, err := path.Match(h, lowerPath); err == nil && ok {
			return true
		}
		if ok, err := path.Match(h, base); err == nil && ok {
			return true
		}
		if strings.HasSuffix(h, "/*") {
			return strings.HasPrefix(lowerPath, strings.TrimSuffix(h, "*"))
		}
		return false
	}
	return strings.Contains(lowerPath, h)
}

// criterionKeywordInBase reports whether any significant word of the
// criterion name appears in the file's basename.
func criterionKeywordInBase(name, base string) bool {
	for _, word := range strings.Fields(strings.ToLower(name)) {
		if len(word) < 4 {
			continue
		}
		if strings.Contains(base, word) {
			return true
		}
	}
	return false
}
