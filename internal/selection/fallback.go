package selection

import (
	"path"
	"sort"
	"strings"

	"github.com/zoomjudge/eval-engine/pkg/models"
)

// Fallback tier: a fixed heuristic that always yields a non-empty selection
// for a non-empty listing. READMEs, top-level manifests, src entry points,
// and criterion-keyword files, in that priority order.

var entryPointBasenames = map[string]bool{
	"main.py": true, "app.py": true, "run.py": true, "cli.py": true,
	"main.go": true, "index.js": true, "index.ts": true, "server.py": true,
	"train.py": true, "predict.py": true, "pipeline.py": true,
}

func fallbackSelect(course models.Course, listing []string, maxFiles int) []string {
	var readmes, manifests, entryPoints, keywordFiles []string

	for _, p := range listing {
		base := strings.ToLower(path.Base(p))
		topLevel := !strings.Contains(p, "/")

		switch {
		case strings.HasPrefix(base, "readme"):
			readmes = append(readmes, p)
		case topLevel && manifestBasenames[base]:
			manifests = append(manifests, p)
		case entryPointBasenames[base] && (topLevel || strings.HasPrefix(strings.ToLower(p), "src/")):
			entryPoints = append(entryPoints, p)
		default:
			for _, crit := range course.Criteria {
				if criterionKeywordInBase(crit.Name, base) {
					keywordFiles = append(keywordFiles, p)
					break
				}
			}
		}
	}

	out := make([]string, 0, maxFiles)
	for _, group := range [][]string{readmes, manifests, entryPoints, keywordFiles} {
		sort.Strings(group)
		out = append(out, group...)
	}

	// Still empty: the listing had no recognizable anchors, so take the
	// lexicographically first files rather than return nothing.
	if len(out) == 0 && len(listing) > 0 {
		sorted := append([]string(nil), listing...)
		sort.Strings(sorted)
		out = sorted
	}
	if len(out) > maxFiles {
		out = out[:maxFiles]
	}
	return out
}
