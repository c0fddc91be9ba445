package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/zoomjudge/eval-engine/internal/api"
	"github.com/zoomjudge/eval-engine/internal/cache"
	"github.com/zoomjudge/eval-engine/internal/course"
	"github.com/zoomjudge/eval-engine/internal/db"
	"github.com/zoomjudge/eval-engine/internal/fingerprint"
	"github.com/zoomjudge/eval-engine/internal/github"
	"github.com/zoomjudge/eval-engine/internal/grader"
	"github.com/zoomjudge/eval-engine/internal/orchestrator"
	"github.com/zoomjudge/eval-engine/internal/quota"
	"github.com/zoomjudge/eval-engine/internal/selection"
	"github.com/zoomjudge/eval-engine/internal/warmer"
)

func main() {
	log.Println("Starting ZoomJudge Evaluation Engine (Microservice: repo-eval-core)...")

	// ─── Required Environment Variables ─────────────────────────────────
	// All credentials MUST come from environment variables. No fallback
	// defaults for security-sensitive values. Use a .env file for local
	// development: cp .env.example .env && edit .env
	// ────────────────────────────────────────────────────────────────────

	dbUrl := requireEnv("DATABASE_URL")

	dbConn, err := db.Connect(dbUrl)
	if err != nil {
		log.Fatalf("FATAL: Failed to connect to PostgreSQL: %v", err)
	}
	defer dbConn.Close()
	if err := dbConn.InitSchema(); err != nil {
		log.Fatalf("FATAL: DB schema init failed: %v", err)
	}

	// Course catalog: built-in rubrics unless COURSES_CONFIG points at a
	// YAML catalog.
	catalog, err := course.Load(os.Getenv("COURSES_CONFIG"))
	if err != nil {
		log.Fatalf("FATAL: Failed to load course catalog: %v", err)
	}

	// Strategy cache with Postgres write-through, hydrated from prior runs.
	maxEntries := getEnvInt("MAX_CACHE_ENTRIES", 1000)
	tau := getEnvFloat("CACHE_SIMILARITY_THRESHOLD", 0.8)
	strategyCache := cache.New(cache.Config{
		Capacity:            maxEntries,
		SimilarityThreshold: tau,
		Store:               dbConn,
	})
	if strategies, err := dbConn.LoadStrategies(context.Background(), maxEntries); err != nil {
		log.Printf("Warning: failed to hydrate strategy cache: %v", err)
	} else {
		strategyCache.Hydrate(strategies)
	}

	// Commit-pinned repository fetcher.
	fetcher := github.NewClient(github.Config{
		APIBase:      getEnvOrDefault("GITHUB_API_BASE", "https://api.github.com"),
		Token:        os.Getenv("GITHUB_TOKEN"),
		MaxFileBytes: int64(getEnvInt("MAX_FILE_BYTES", 512*1024)),
	})

	// Grading model client (also serves the LLM-assisted selection tier).
	modelClient := grader.NewClient(grader.Config{
		APIBase: requireEnv("MODEL_API_BASE"),
		APIKey:  requireEnv("MODEL_API_KEY"),
		Model:   os.Getenv("MODEL_NAME"),
	})

	pipeline := selection.NewPipeline(selection.Config{
		Cache:               strategyCache,
		LLM:                 modelClient,
		MaxFilesPerEval:     getEnvInt("MAX_FILES_PER_EVALUATION", 50),
		SimilarityThreshold: tau,
	})

	ledger := quota.NewLedger(dbConn, nil)

	// Setup WebSocket Hub for live evaluation status
	wsHub := api.NewHub()
	go wsHub.Run()

	orch := orchestrator.New(orchestrator.Config{
		Store:             dbConn,
		Fetcher:           fetcher,
		Fingerprinter:     fingerprint.New(0),
		Pipeline:          pipeline,
		Grader:            modelClient,
		Cache:             strategyCache,
		Ledger:            ledger,
		Catalog:           catalog,
		Notify:            api.BroadcastStatus(wsHub),
		Workers:           int64(getEnvInt("WORKER_POOL_SIZE", 4)),
		Deadline:          time.Duration(getEnvInt("EVAL_DEADLINE_SECONDS", 300)) * time.Second,
		MaxAggregateBytes: int64(getEnvInt("MAX_AGGREGATE_BYTES", 4*1024*1024)),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Background cache warmer: advisory, never affects live requests.
	go warmer.New(strategyCache, catalog, time.Hour).Run(ctx)

	// Monthly usage sweep: idempotent, so an aggressive cadence is safe.
	go func() {
		ticker := time.NewTicker(6 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ledger.ResetExpired(ctx); err != nil {
					log.Printf("Warning: usage reset sweep failed: %v", err)
				}
			}
		}
	}()

	// Setup the Gin Router
	r := api.SetupRouter(dbConn, orch, strategyCache, ledger, catalog, wsHub)

	port := getEnvOrDefault("PORT", "5340")

	// Start the server
	log.Printf("Engine running on :%s (API Node: repo-eval-core)\n", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// requireEnv reads a required environment variable and exits if it is not set.
// This prevents the binary from starting with missing critical configuration.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
		log.Printf("Warning: invalid integer for %s; using %d", key, fallback)
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
		log.Printf("Warning: invalid float for %s; using %v", key, fallback)
	}
	return fallback
}
