package fingerprint

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/zoomjudge/eval-engine/pkg/models"
)

// Fingerprinter derives a RepoSignature from a filtered file listing plus the
// basenames of key files (README, manifests). It is pure and deterministic:
// identical input bytes always produce identical output bytes, independent of
// path order, platform, or process. That property is what makes the
// similarity cache usable across restarts.

// DefaultMaxListing caps the number of paths a single fingerprint call will
// accept before failing with ErrInputTooLarge.
const DefaultMaxListing = 20000

// skeletonDepth bounds the directory set folded into patternHash.
const skeletonDepth = 3

// structureDepth bounds directoryStructure in the signature itself.
const structureDepth = 4

// ErrInputTooLarge is returned when the listing exceeds the configured cap.
var ErrInputTooLarge = errors.New("fingerprint: listing exceeds maximum file count")

type Fingerprinter struct {
	maxListing int
}

func New(maxListing int) *Fingerprinter {
	if maxListing <= 0 {
		maxListing = DefaultMaxListing
	}
	return &Fingerprinter{maxListing: maxListing}
}

// Compute derives the signature for a course + listing pair. keyBasenames are
// the basenames of the key files whose contents were fetched (README,
// manifests); they anchor patternHash so that two commits with the same
// skeleton and key files collide by design.
func (f *Fingerprinter) Compute(courseID string, listing []string, keyBasenames []string) (models.RepoSignature, error) {
	if len(listing) > f.maxListing {
		return models.RepoSignature{}, fmt.Errorf("%w: %d > %d", ErrInputTooLarge, len(listing), f.maxListing)
	}

	dirSet := make(map[string]bool)
	skeleton := make(map[string]bool)
	techSet := make(map[string]bool)
	fileTypes := make(map[string]int)
	patternFiles := 0

	for _, raw := range listing {
		p := normalizePath(raw)
		if p == "" {
			continue
		}

		// Every proper prefix directory of the path, depth-limited.
		segs := strings.Split(p, "/")
		for i := 1; i < len(segs); i++ {
			dir := strings.Join(segs[:i], "/")
			if i <= structureDepth {
				dirSet[dir] = true
			}
			if i <= skeletonDepth {
				skeleton[dir] = true
			}
		}

		base := segs[len(segs)-1]
		ext := strings.ToLower(path.Ext(base))
		if ext != "" {
			fileTypes[ext]++
		}

		if tech, ok := techForFile(base, ext, p); ok {
			for _, t := range tech {
				techSet[t] = true
			}
		}
		if isPatternFile(base, ext) {
			patternFiles++
		}
	}

	sig := models.RepoSignature{
		DirectoryStructure: sortedKeys(dirSet),
		Technologies:       sortedKeys(techSet),
		FileTypes:          fileTypes,
		SizeCategory:       SizeCategory(patternFiles),
		PatternHash:        patternHash(courseID, keyBasenames, sortedKeys(skeleton)),
	}
	return sig, nil
}

// SizeCategory buckets a selected-file-pattern count.
func SizeCategory(count int) string {
	switch {
	case count < 10:
		return "small"
	case count < 25:
		return "medium"
	default:
		return "large"
	}
}

// patternHash is a zero-seeded xxhash64 over
// courseId || "\0" || sorted(keyBasenames) || "\0" || skeleton, hex-encoded
// and truncated to 16 characters. xxhash64 is bit-exact across platforms,
// which the cache requires to survive restarts.
func patternHash(courseID string, keyBasenames []string, skeleton []string) string {
	names := make([]string, len(keyBasenames))
	for i, n := range keyBasenames {
		names[i] = strings.ToLower(n)
	}
	sort.Strings(names)

	h := xxhash.New()
	_, _ = h.WriteString(courseID)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(strings.Join(names, ","))
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(strings.Join(skeleton, ","))

	hex := fmt.Sprintf("%016x", h.Sum64())
	return hex[:16]
}

// normalizePath collapses duplicate slashes, strips a leading slash and
// rejects traversal segments. Extensions are lowercased downstream.
func normalizePath(p string) string {
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	p = strings.TrimPrefix(p, "/")
	if p == "" || p == "." {
		return ""
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return ""
		}
	}
	return p
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
