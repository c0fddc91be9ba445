package selection

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/zoomjudge/eval-engine/internal/cache"
	"github.com/zoomjudge/eval-engine/internal/github"
	"github.com/zoomjudge/eval-engine/pkg/models"
)

// Pipeline is the tiered file-selection cascade: Cache → Rule-Based →
// LLM-Assisted → Fallback. The first tier to produce a result wins; cache
// errors are non-fatal and degrade to the next tier. The pipeline exports no
// singletons — every instance is wired at composition time.

// FileSelector is the LLM-assisted tier's model dependency. The grader
// client implements it; tests substitute fakes.
type FileSelector interface {
	SelectFiles(ctx context.Context, course models.Course, listing []string) ([]string, error)
}

type Pipeline struct {
	cache    *cache.StrategyCache
	llm      FileSelector // nil disables the LLM-assisted tier
	maxFiles int
	tau      float64
}

type Config struct {
	Cache               *cache.StrategyCache
	LLM                 FileSelector
	MaxFilesPerEval     int
	SimilarityThreshold float64
}

func NewPipeline(cfg Config) *Pipeline {
	if cfg.MaxFilesPerEval <= 0 {
		cfg.MaxFilesPerEval = 50
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.8
	}
	return &Pipeline{
		cache:    cfg.Cache,
		llm:      cfg.LLM,
		maxFiles: cfg.MaxFilesPerEval,
		tau:      cfg.SimilarityThreshold,
	}
}

// Select runs the cascade for one evaluation. Every path in the result
// passes the guardrail filter and appears in the listing.
func (p *Pipeline) Select(ctx context.Context, course models.Course, sig models.RepoSignature, listing []string, repoURL string) (models.Selection, error) {
	if len(listing) == 0 {
		return models.Selection{}, fmt.Errorf("selection: empty listing")
	}
	started := time.Now()

	// ─── Tier 1: Cache ───────────────────────────────────────────────
	if p.cache != nil {
		if hit, ok := p.cache.Lookup(ctx, sig, course.ID, course.Criteria); ok {
			files := p.postProcess(hit.Strategy.SelectedFiles, listing)
			if len(files) > 0 {
				return models.Selection{
					Files:      files,
					Method:     models.MethodCache,
					Confidence: hit.Confidence,
					Reasoning:  fmt.Sprintf("cached strategy %s at similarity %.2f", hit.Strategy.ID, hit.Similarity),
					StrategyID: hit.Strategy.ID,
				}, nil
			}
			log.Printf("[Selection] Cache hit %s carried no files present in this listing; degrading", hit.Strategy.ID)
		}
	}

	// ─── Tier 2: Rule-Based ──────────────────────────────────────────
	files, coverage := ruleBasedSelect(course, listing, p.maxFiles)
	if len(files) > 0 && coverage >= 1.0 {
		sel := models.Selection{
			Files:      p.postProcess(files, listing),
			Method:     models.MethodRuleBased,
			Confidence: 0.9 * coverage,
			Reasoning:  fmt.Sprintf("evidence patterns covered %d/%d criteria", int(coverage*float64(len(course.Criteria))+0.5), len(course.Criteria)),
		}
		p.storeResult(ctx, course.ID, sig, sel, started, repoURL)
		return sel, nil
	}

	// ─── Tier 3: LLM-Assisted ────────────────────────────────────────
	// Only consulted when rule coverage misses at least one criterion.
	if p.llm != nil {
		candidates, err := p.llm.SelectFiles(ctx, course, listing)
		if err != nil {
			log.Printf("[Selection] LLM-assisted tier failed: %v", err)
		} else {
			// The model proposes; the listing and the guardrail dispose.
			merged := p.postProcess(append(candidates, files...), listing)
			if len(merged) > 0 {
				return models.Selection{
					Files:      merged,
					Method:     models.MethodLLMAssisted,
					Confidence: scaleByCoverage(0.75, coverage),
					Reasoning:  fmt.Sprintf("model proposed %d candidates; rule coverage was %.0f%%", len(candidates), coverage*100),
				}, nil
			}
		}
	}

	// Rule-based result with partial coverage still beats the fallback.
	if len(files) > 0 {
		sel := models.Selection{
			Files:      p.postProcess(files, listing),
			Method:     models.MethodRuleBased,
			Confidence: scaleByCoverage(0.9, coverage),
			Reasoning:  fmt.Sprintf("partial rule coverage %.0f%%", coverage*100),
		}
		p.storeResult(ctx, course.ID, sig, sel, started, repoURL)
		return sel, nil
	}

	// ─── Tier 4: Fallback ────────────────────────────────────────────
	fb := p.postProcess(fallbackSelect(course, listing, p.maxFiles), listing)
	return models.Selection{
		Files:      fb,
		Method:     models.MethodFallback,
		Confidence: 0.3,
		Reasoning:  "fixed heuristic: readmes, manifests, entry points",
	}, nil
}

// postProcess enforces the invariants every tier shares: files must appear
// in the listing, pass the guardrail, stay distinct (first-seen order), and
// respect the per-evaluation cap.
func (p *Pipeline) postProcess(files, listing []string) []string {
	inListing := make(map[string]bool, len(listing))
	for _, f := range listing {
		inListing[f] = true
	}
	seen := make(map[string]bool, len(files))
	out := make([]string, 0, len(files))
	for _, f := range files {
		if !inListing[f] || seen[f] || !github.PassesGuardrail(f) {
			continue
		}
		seen[f] = true
		out = append(out, f)
		if len(out) >= p.maxFiles {
			break
		}
	}
	return out
}

// storeResult writes a confident rule-based selection back to the cache.
// The write completes before Select returns — a barrier, not a detached
// task — so a terminal recordOutcome on the same evaluation always observes
// the stored strategy.
func (p *Pipeline) storeResult(ctx context.Context, courseID string, sig models.RepoSignature, sel models.Selection, started time.Time, repoURL string) {
	if p.cache == nil || sel.Confidence < p.tau {
		return
	}
	perf := models.StrategyPerformance{
		Accuracy:       sel.Confidence,
		ProcessingTime: float64(time.Since(started).Microseconds()) / 1000.0,
		SuccessRate:    1,
	}
	if _, ok := p.cache.Store(ctx, sig, courseID, sel.Files, perf, repoURL); !ok {
		log.Printf("[Selection] Cache store refused for course %s", courseID)
	}
}

func scaleByCoverage(base, coverage float64) float64 {
	c := base * coverage
	if c < 0.1 {
		return 0.1
	}
	return c
}
