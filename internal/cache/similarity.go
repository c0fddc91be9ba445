package cache

import "github.com/zoomjudge/eval-engine/pkg/models"

// Similarity scores two signatures in [0,1] as a weighted feature sum:
//
//	patternHash exact match   0.40
//	technologies Jaccard      0.30
//	directoryStructure Jaccard 0.20
//	sizeCategory match        0.10
//
// Jaccard of two empty sets is 1: two repos with no recognizable
// technologies are maximally alike on that axis, not maximally different.
func Similarity(a, b models.RepoSignature) float64 {
	// Summed in hundredths so full matches land exactly on 1.0, 0.8, ...
	hundredths := 0.0
	if a.PatternHash != "" && a.PatternHash == b.PatternHash {
		hundredths += 40
	}
	hundredths += 30 * jaccard(a.Technologies, b.Technologies)
	hundredths += 20 * jaccard(a.DirectoryStructure, b.DirectoryStructure)
	if a.SizeCategory == b.SizeCategory {
		hundredths += 10
	}
	return hundredths / 100
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	inter := 0
	union := len(set)
	seen := make(map[string]bool, len(b))
	for _, s := range b {
		if seen[s] {
			continue
		}
		seen[s] = true
		if set[s] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}
