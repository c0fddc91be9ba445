package cache

import (
	"context"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zoomjudge/eval-engine/internal/github"
	"github.com/zoomjudge/eval-engine/pkg/models"
)

// StrategyCache is the similarity-indexed store of prior file selections,
// shared across all tenants. The in-memory index is the source of truth for
// lookups; a Persister (when attached) receives write-through copies so the
// cache survives restarts. All mutations go through this API — it is the sole
// writer of strategy state.
//
// Cache failures are never fatal to a live request: persistence errors are
// logged and swallowed, and the selection pipeline degrades to its next tier.

// Persister is the write-through sink, implemented by the Postgres store.
type Persister interface {
	UpsertStrategy(ctx context.Context, s models.CachedStrategy) error
	TouchStrategy(ctx context.Context, id string, lastUsed time.Time, usageCount int) error
	DeleteStrategy(ctx context.Context, id string) error
}

type StrategyCache struct {
	mu       sync.RWMutex
	entries  map[string]*models.CachedStrategy
	capacity int
	tau      float64
	store    Persister // nil means memory-only

	lookups int
	hits    int

	now func() time.Time
}

type Config struct {
	Capacity            int     // LRU eviction above this size
	SimilarityThreshold float64 // τ: minimum similarity for a hit
	Store               Persister
}

func New(cfg Config) *StrategyCache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.8
	}
	return &StrategyCache{
		entries:  make(map[string]*models.CachedStrategy),
		capacity: cfg.Capacity,
		tau:      cfg.SimilarityThreshold,
		store:    cfg.Store,
		now:      time.Now,
	}
}

// StrategyID derives the deterministic strategy id for a signature+course
// pair. Concurrent store calls for the same pair therefore upsert a single
// row instead of racing to create duplicates.
func StrategyID(patternHash, courseID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("zoomjudge:strategy:"+courseID+":"+patternHash)).String()
}

// Hydrate seeds the in-memory index from persisted rows at startup.
func (c *StrategyCache) Hydrate(strategies []models.CachedStrategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range strategies {
		s := strategies[i]
		c.entries[s.ID] = &s
	}
	log.Printf("[Cache] Hydrated %d cached strategies", len(strategies))
}

// Hit is a successful lookup: the cached files plus the scores that ranked it.
type Hit struct {
	Strategy   models.CachedStrategy
	Similarity float64
	Confidence float64
}

// Lookup finds the best strategy for the signature within the course scope.
// A hit requires similarity ≥ τ; cross-course matches are forbidden. On hit
// the usage counter and lastUsed stamp advance atomically with the read.
func (c *StrategyCache) Lookup(ctx context.Context, sig models.RepoSignature, courseID string, criteria []models.Criterion) (Hit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lookups++

	var best *models.CachedStrategy
	bestSim := 0.0
	for _, s := range c.entries {
		if s.CourseID != courseID {
			continue
		}
		sim := Similarity(sig, s.Signature)
		if sim < c.tau {
			continue
		}
		if sim > bestSim || (sim == bestSim && best != nil && s.Performance.SuccessRate > best.Performance.SuccessRate) {
			best, bestSim = s, sim
		}
	}
	if best == nil {
		return Hit{}, false
	}

	c.hits++
	best.Performance.UsageCount++
	best.Metadata.LastUsed = c.now()

	hit := Hit{
		Strategy:   *best,
		Similarity: bestSim,
		Confidence: confidence(bestSim, best.Performance),
	}
	c.persistTouch(ctx, best.ID, best.Metadata.LastUsed, best.Performance.UsageCount)
	return hit, true
}

// Store inserts or updates the strategy for (signature, courseId). Updates
// keep the existing usage statistics — replaying the same store is a no-op on
// usageCount. At capacity the least-recently-used strategy is evicted.
func (c *StrategyCache) Store(ctx context.Context, sig models.RepoSignature, courseID string, files []string, perf models.StrategyPerformance, repoURL string) (string, bool) {
	clean := dedupe(github.FilterPaths(files))
	if len(clean) == 0 {
		log.Printf("[Cache] Refusing to store empty or fully-filtered selection for course %s", courseID)
		return "", false
	}

	id := StrategyID(sig.PatternHash, courseID)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[id]; ok {
		existing.SelectedFiles = clean
		existing.Signature = sig
		existing.Performance.Accuracy = perf.Accuracy
		existing.Performance.ProcessingTime = perf.ProcessingTime
		existing.Metadata.LastUpdated = now
		existing.Metadata.Version++
		c.persistUpsert(ctx, *existing)
		return id, true
	}

	usage := perf.UsageCount
	if usage < 1 {
		usage = 1
	}
	entry := &models.CachedStrategy{
		ID:            id,
		Signature:     sig,
		CourseID:      courseID,
		SelectedFiles: clean,
		Performance: models.StrategyPerformance{
			Accuracy:          perf.Accuracy,
			ProcessingTime:    perf.ProcessingTime,
			EvaluationQuality: perf.EvaluationQuality,
			UsageCount:        usage,
			SuccessRate:       clamp01(perf.SuccessRate),
		},
		Metadata: models.StrategyMetadata{
			CreatedAt:   now,
			LastUsed:    now,
			LastUpdated: now,
			Version:     1,
			RepoURL:     repoURL,
		},
	}
	c.entries[id] = entry
	c.evictLocked(ctx)
	c.persistUpsert(ctx, *entry)
	return id, true
}

// RecordOutcome folds an evaluation result back into the strategy: quality
// blends into evaluationQuality as a running mean over usageCount, and
// successRate becomes successes/usageCount.
func (c *StrategyCache) RecordOutcome(ctx context.Context, strategyID string, success bool, qualityScore float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.entries[strategyID]
	if !ok {
		return
	}

	uc := s.Performance.UsageCount
	if uc < 1 {
		uc = 1
		s.Performance.UsageCount = 1
	}

	successes := int(math.Round(s.Performance.SuccessRate * float64(uc-1)))
	if success {
		successes++
	}
	if successes > uc {
		successes = uc
	}
	s.Performance.SuccessRate = clamp01(float64(successes) / float64(uc))

	if qualityScore > 0 {
		prev := s.Performance.EvaluationQuality
		s.Performance.EvaluationQuality = prev + (qualityScore-prev)/float64(uc)
	}
	s.Metadata.LastUpdated = c.now()
	s.Metadata.Version++

	c.persistUpsert(ctx, *s)
}

// Get returns a copy of a strategy by id.
func (c *StrategyCache) Get(id string) (models.CachedStrategy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.entries[id]
	if !ok {
		return models.CachedStrategy{}, false
	}
	return *s, true
}

// Stats reports the observability payload for the internal endpoint.
func (c *StrategyCache) Stats() models.CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := models.CacheStats{Size: len(c.entries)}
	var confSum float64
	for _, s := range c.entries {
		stats.TotalUsage += s.Performance.UsageCount
		confSum += confidence(1.0, s.Performance)
	}
	if len(c.entries) > 0 {
		stats.AverageConfidence = confSum / float64(len(c.entries))
	}
	if c.lookups > 0 {
		stats.HitRate = float64(c.hits) / float64(c.lookups)
	}
	return stats
}

// evictLocked drops least-recently-used strategies until the cache fits its
// capacity. Caller holds the write lock.
func (c *StrategyCache) evictLocked(ctx context.Context) {
	for len(c.entries) > c.capacity {
		var lruID string
		var lruAt time.Time
		for id, s := range c.entries {
			if lruID == "" || s.Metadata.LastUsed.Before(lruAt) {
				lruID, lruAt = id, s.Metadata.LastUsed
			}
		}
		delete(c.entries, lruID)
		log.Printf("[Cache] Evicted LRU strategy %s (lastUsed %s)", lruID, lruAt.Format(time.RFC3339))
		if c.store != nil {
			if err := c.store.DeleteStrategy(ctx, lruID); err != nil {
				log.Printf("[Cache] Failed to delete evicted strategy %s: %v", lruID, err)
			}
		}
	}
}

func (c *StrategyCache) persistUpsert(ctx context.Context, s models.CachedStrategy) {
	if c.store == nil {
		return
	}
	if err := c.store.UpsertStrategy(ctx, s); err != nil {
		log.Printf("[Cache] Failed to persist strategy %s: %v", s.ID, err)
	}
}

func (c *StrategyCache) persistTouch(ctx context.Context, id string, lastUsed time.Time, usageCount int) {
	if c.store == nil {
		return
	}
	if err := c.store.TouchStrategy(ctx, id, lastUsed, usageCount); err != nil {
		log.Printf("[Cache] Failed to touch strategy %s: %v", id, err)
	}
}

// confidence is similarity + 0.1·successRate + min(usageCount/10, 0.1),
// clamped to 1.
func confidence(similarity float64, perf models.StrategyPerformance) float64 {
	conf := similarity + 0.1*perf.SuccessRate + math.Min(float64(perf.UsageCount)/10.0, 0.1)
	if conf > 1 {
		return 1
	}
	return conf
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// Snapshot returns a copy of every entry, oldest lastUsed first.
func (c *StrategyCache) Snapshot() []models.CachedStrategy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.CachedStrategy, 0, len(c.entries))
	for _, s := range c.entries {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Metadata.LastUsed.Before(out[j].Metadata.LastUsed)
	})
	return out
}
