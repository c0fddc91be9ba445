package warmer

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/zoomjudge/eval-engine/internal/cache"
	"github.com/zoomjudge/eval-engine/internal/course"
	"github.com/zoomjudge/eval-engine/internal/fingerprint"
	"github.com/zoomjudge/eval-engine/pkg/models"
)

// Warmer periodically seeds the strategy cache with synthetic signatures for
// recurring repository shapes, so the very first tenant with a common layout
// already gets a cache hit. Warming is advisory: every failure is logged and
// none affects live requests.
//
// Synthetic entries are marked with a "synthetic://" repo URL so they can
// never be mistaken for tenant data.

// Shape is one canonical repository layout for a course.
type Shape struct {
	Name      string
	CourseID  string
	Files     []string
	Frequency int // warms per 24h window
}

type Warmer struct {
	cache  *cache.StrategyCache
	fp     *fingerprint.Fingerprinter
	shapes []Shape

	mu         sync.Mutex
	lastWarmed map[string]time.Time

	interval time.Duration
	now      func() time.Time
}

func New(sc *cache.StrategyCache, catalog *course.Catalog, interval time.Duration) *Warmer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Warmer{
		cache:      sc,
		fp:         fingerprint.New(0),
		shapes:     knownShapes(catalog),
		lastWarmed: make(map[string]time.Time),
		interval:   interval,
		now:        time.Now,
	}
}

// Run loops until the context is cancelled, in the same shape as the
// engine's other background tickers.
func (w *Warmer) Run(ctx context.Context) {
	log.Printf("[Warmer] Starting cache warmer (%d shapes, tick %s)", len(w.shapes), w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Warm once at startup rather than waiting a full tick.
	w.WarmDue(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("[Warmer] Stopping cache warmer...")
			return
		case <-ticker.C:
			w.WarmDue(ctx)
		}
	}
}

// WarmDue warms every shape whose last warm is older than 24h/frequency.
// Returns the number of shapes warmed.
func (w *Warmer) WarmDue(ctx context.Context) int {
	warmed := 0
	for _, shape := range w.shapes {
		if !w.due(shape) {
			continue
		}
		if w.warmShape(ctx, shape) {
			warmed++
		}
	}
	if warmed > 0 {
		log.Printf("[Warmer] Warmed %d shapes", warmed)
	}
	return warmed
}

func (w *Warmer) due(shape Shape) bool {
	freq := shape.Frequency
	if freq <= 0 {
		freq = 1
	}
	maxAge := 24 * time.Hour / time.Duration(freq)

	w.mu.Lock()
	defer w.mu.Unlock()
	last, ok := w.lastWarmed[shape.Name]
	return !ok || w.now().Sub(last) >= maxAge
}

func (w *Warmer) warmShape(ctx context.Context, shape Shape) bool {
	sig, err := w.fp.Compute(shape.CourseID, shape.Files, shapeKeyBasenames(shape.Files))
	if err != nil {
		log.Printf("[Warmer] Failed to synthesize signature for shape %s: %v", shape.Name, err)
		return false
	}

	perf := models.StrategyPerformance{Accuracy: 0.85, SuccessRate: 0.85}
	if _, ok := w.cache.Store(ctx, sig, shape.CourseID, shape.Files, perf, "synthetic://"+shape.Name); !ok {
		log.Printf("[Warmer] Cache refused synthetic strategy for shape %s", shape.Name)
		return false
	}

	w.mu.Lock()
	w.lastWarmed[shape.Name] = w.now()
	w.mu.Unlock()
	return true
}

func shapeKeyBasenames(files []string) []string {
	var out []string
	for _, f := range files {
		switch f {
		case "README.md", "requirements.txt", "Dockerfile", "docker-compose.yml",
			"dbt_project.yml", "package.json", "Makefile", "pyproject.toml":
			out = append(out, f)
		}
	}
	return out
}

// knownShapes holds the canonical layouts seen across cohorts. Shapes for
// unknown courses are dropped so a trimmed catalog cannot poison the cache.
func knownShapes(catalog *course.Catalog) []Shape {
	all := []Shape{
		{
			Name:     "mlops-standard",
			CourseID: "mlops",
			Files: []string{
				"README.md", "requirements.txt", "Dockerfile", "Makefile",
				"src/pipeline/orchestrate.py", "src/train.py", "src/predict.py",
				"src/monitoring/drift.py", "terraform/main.tf", "terraform/variables.tf",
			},
			Frequency: 2,
		},
		{
			Name:     "data-eng-dbt",
			CourseID: "data-engineering",
			Files: []string{
				"README.md", "docker-compose.yml", "Makefile",
				"dbt/dbt_project.yml", "dbt/models/staging/stg_trips.sql",
				"dbt/models/core/fact_trips.sql", "dags/ingest_dag.py",
				"terraform/main.tf", "dashboard.json",
			},
			Frequency: 2,
		},
		{
			Name:     "llm-rag",
			CourseID: "llm-zoomcamp",
			Files: []string{
				"README.md", "requirements.txt", "Dockerfile", "docker-compose.yml",
				"app.py", "ingest/index_documents.py", "rag/retrieval.py",
				"notebooks/retrieval_evaluation.ipynb", "monitoring/feedback.py",
			},
			Frequency: 1,
		},
		{
			Name:     "ml-capstone",
			CourseID: "machine-learning",
			Files: []string{
				"README.md", "requirements.txt", "Dockerfile",
				"notebooks/eda.ipynb", "train.py", "predict.py", "Pipfile",
			},
			Frequency: 1,
		},
	}

	var out []Shape
	for _, s := range all {
		if _, ok := catalog.Get(s.CourseID); ok {
			out = append(out, s)
		}
	}
	return out
}
