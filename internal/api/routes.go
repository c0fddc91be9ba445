package api

import (
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zoomjudge/eval-engine/internal/cache"
	"github.com/zoomjudge/eval-engine/internal/course"
	"github.com/zoomjudge/eval-engine/internal/db"
	"github.com/zoomjudge/eval-engine/internal/orchestrator"
	"github.com/zoomjudge/eval-engine/internal/quota"
	"github.com/zoomjudge/eval-engine/pkg/models"
)

type APIHandler struct {
	dbStore *db.PostgresStore
	orch    *orchestrator.Orchestrator
	cache   *cache.StrategyCache
	ledger  *quota.Ledger
	catalog *course.Catalog
	wsHub   *Hub
}

func SetupRouter(dbStore *db.PostgresStore, orch *orchestrator.Orchestrator, sc *cache.StrategyCache, ledger *quota.Ledger, catalog *course.Catalog, wsHub *Hub) *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var
	// Production: ALLOWED_ORIGINS=https://zoomjudge.com,https://www.zoomjudge.com
	// Development: ALLOWED_ORIGINS=http://localhost:3000 (or leave empty for *)
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-User-ID, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{
		dbStore: dbStore,
		orch:    orch,
		cache:   sc,
		ledger:  ledger,
		catalog: catalog,
		wsHub:   wsHub,
	}

	// ── Public endpoints (no auth) ─────────────────────────────
	pub := r.Group("/api/v1")
	{
		pub.GET("/health", handler.handleHealth)
		pub.GET("/stream", wsHub.Subscribe)
	}

	// ── Protected endpoints (require bearer token if API_AUTH_TOKEN set) ──
	auth := r.Group("/api/v1")
	auth.Use(AuthMiddleware())
	{
		// Admission fans out into repository fetches and a model call per
		// accepted request — throttle it hardest, per caller.
		admit := auth.Group("/evaluations")
		admit.Use(NewAdmissionLimiter(30, 5).Middleware())
		admit.POST("", handler.handleCreateEvaluation)

		auth.GET("/evaluations/:id", handler.handleGetEvaluation)
		auth.GET("/usage", handler.handleGetUsage)
		auth.GET("/cache/stats", handler.handleCacheStats)
	}

	return r
}

// handleCreateEvaluation admits one commit for grading.
// POST /api/v1/evaluations { "commitUrl": "...", "courseId": "mlops" }
func (h *APIHandler) handleCreateEvaluation(c *gin.Context) {
	var req struct {
		CommitURL string `json:"commitUrl"`
		CourseID  string `json:"courseId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"errorTag": string(models.TagInvalidInput),
			"message":  "Invalid request body. Expected: {commitUrl, courseId}",
		})
		return
	}

	eval, apiErr := h.orch.Admit(c.Request.Context(), CallerID(c), req.CommitURL, req.CourseID)
	if apiErr != nil {
		c.JSON(statusForTag(apiErr.Tag), errorEnvelope(apiErr))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"evaluationId": eval.ID,
		"status":       eval.Status,
	})
}

// handleGetEvaluation returns an evaluation, with scores rendered in
// course-criterion order once completed.
func (h *APIHandler) handleGetEvaluation(c *gin.Context) {
	eval, err := h.dbStore.GetEvaluation(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"errorTag": string(models.TagNotFound),
				"message":  "Evaluation not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"errorTag": string(models.TagInternal),
			"message":  "Failed to load evaluation",
		})
		return
	}

	// Owners only: another tenant's evaluation id reads as missing.
	if eval.UserID != CallerID(c) {
		c.JSON(http.StatusNotFound, gin.H{
			"errorTag": string(models.TagNotFound),
			"message":  "Evaluation not found",
		})
		return
	}

	eval.Scores = h.renderOrder(eval.CourseID, eval.Scores)
	c.JSON(http.StatusOK, eval)
}

// renderOrder sorts score rows into the course's authoritative criterion
// order. Row order is not stored; the Criterion Mapper owns it.
func (h *APIHandler) renderOrder(courseID string, scores []models.CriterionScore) []models.CriterionScore {
	if len(scores) == 0 {
		return scores
	}
	byName := make(map[string]models.CriterionScore, len(scores))
	for _, sc := range scores {
		byName[h.catalog.CanonicalName(courseID, sc.Criterion)] = sc
	}
	ordered := make([]models.CriterionScore, 0, len(scores))
	for _, crit := range h.catalog.Criteria(courseID) {
		if sc, ok := byName[crit.Name]; ok {
			ordered = append(ordered, sc)
		}
	}
	if len(ordered) != len(scores) {
		// Unknown criterion rows (catalog drift) still render, at the end.
		seen := make(map[string]bool, len(ordered))
		for _, sc := range ordered {
			seen[sc.Criterion] = true
		}
		for _, sc := range scores {
			if !seen[sc.Criterion] {
				ordered = append(ordered, sc)
			}
		}
	}
	return ordered
}

// handleGetUsage returns the caller's current quota window.
// GET /api/v1/usage
func (h *APIHandler) handleGetUsage(c *gin.Context) {
	decision, err := h.ledger.CanEvaluate(c.Request.Context(), CallerID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"errorTag": string(models.TagInternal),
			"message":  "Failed to read usage",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tier":    decision.Tier,
		"used":    decision.Used,
		"limit":   decision.Limit,
		"resetAt": quota.NextReset(time.Now()).Format(time.RFC3339),
	})
}

// handleCacheStats is the internal observability endpoint.
// GET /api/v1/cache/stats
func (h *APIHandler) handleCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.cache.Stats())
}

// handleHealth returns engine status and capabilities for service discovery
func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "operational",
		"engine":  "ZoomJudge Evaluation Engine v1.0",
		"courses": h.catalog.IDs(),
		"capabilities": gin.H{
			"tiered_selection": true,
			"strategy_cache":   true,
			"cache_warming":    true,
			"live_stream":      true,
		},
		"progress":    h.orch.Progress(),
		"dbConnected": h.dbStore != nil,
	})
}

func statusForTag(tag models.ErrorTag) int {
	switch tag {
	case models.TagInvalidInput:
		return http.StatusBadRequest
	case models.TagUnauthorized:
		return http.StatusUnauthorized
	case models.TagNotFound:
		return http.StatusNotFound
	case models.TagQuotaExceeded:
		return http.StatusPaymentRequired
	case models.TagRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func errorEnvelope(apiErr *models.APIError) gin.H {
	out := gin.H{
		"errorTag": string(apiErr.Tag),
		"message":  apiErr.Message,
	}
	if apiErr.Tag == models.TagQuotaExceeded {
		out["used"] = apiErr.Used
		out["limit"] = apiErr.Limit
	}
	return out
}
