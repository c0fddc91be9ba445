package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/zoomjudge/eval-engine/internal/course"
	"github.com/zoomjudge/eval-engine/internal/fingerprint"
	"github.com/zoomjudge/eval-engine/internal/github"
	"github.com/zoomjudge/eval-engine/internal/grader"
	"github.com/zoomjudge/eval-engine/internal/quota"
	"github.com/zoomjudge/eval-engine/pkg/models"
)

// Orchestrator drives each evaluation through its state machine:
// pending → selecting → grading → completed | failed. Transitions are
// exclusive — every advance is a guarded store update, so a replayed or
// racing worker observes a lost race and stops without side effects.
//
// Quota semantics: the ledger is consulted before admission and incremented
// exactly once per terminal decision. Failures consume quota only when
// attributable to the user's input; infrastructure failures do not.

// Store is the persistence surface the orchestrator needs.
type Store interface {
	CreateEvaluation(ctx context.Context, e models.Evaluation) error
	TransitionStatus(ctx context.Context, id string, from, to models.EvaluationStatus) (bool, error)
	SaveSelection(ctx context.Context, id string, sel models.Selection) error
	CompleteEvaluation(ctx context.Context, id string, scores []models.CriterionScore, total, max int, finishedAt time.Time) (bool, error)
	FailEvaluation(ctx context.Context, id string, tag models.ErrorTag, finishedAt time.Time) (bool, error)
	GetEvaluation(ctx context.Context, id string) (models.Evaluation, error)
	SaveSignature(ctx context.Context, id, courseID string, sig models.RepoSignature) error
}

// Fetcher is the commit-pinned repository reader.
type Fetcher interface {
	ListTree(ctx context.Context, ref models.CommitRef) ([]string, error)
	GetFile(ctx context.Context, ref models.CommitRef, path string, budget *github.Budget) (github.FileContent, error)
}

// Selector is the tiered file-selection pipeline.
type Selector interface {
	Select(ctx context.Context, crs models.Course, sig models.RepoSignature, listing []string, repoURL string) (models.Selection, error)
}

// Grader is the scoring model client.
type Grader interface {
	Grade(ctx context.Context, crs models.Course, files []github.FileContent) (grader.Result, error)
}

// OutcomeRecorder feeds evaluation results back into the strategy cache.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, strategyID string, success bool, qualityScore float64)
}

// Notifier receives status transitions for the live stream. Wired as a
// callback so the hub stays an api-layer concern.
type Notifier func(models.StatusEvent)

type Config struct {
	Store             Store
	Fetcher           Fetcher
	Fingerprinter     *fingerprint.Fingerprinter
	Pipeline          Selector
	Grader            Grader
	Cache             OutcomeRecorder
	Ledger            *quota.Ledger
	Catalog           *course.Catalog
	Notify            Notifier
	Workers           int64
	Deadline          time.Duration
	MaxAggregateBytes int64
}

type Orchestrator struct {
	cfg Config
	sem *semaphore.Weighted

	// Progress counters (atomic for safe concurrent reads from the API).
	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

func New(cfg Config) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 5 * time.Minute
	}
	if cfg.MaxAggregateBytes <= 0 {
		cfg.MaxAggregateBytes = 4 * 1024 * 1024
	}
	if cfg.Fingerprinter == nil {
		cfg.Fingerprinter = fingerprint.New(0)
	}
	if cfg.Notify == nil {
		cfg.Notify = func(models.StatusEvent) {}
	}
	return &Orchestrator{cfg: cfg, sem: semaphore.NewWeighted(cfg.Workers)}
}

// Progress is the orchestrator's health payload.
type Progress struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

func (o *Orchestrator) Progress() Progress {
	return Progress{
		Active:    o.active.Load(),
		Completed: o.completed.Load(),
		Failed:    o.failed.Load(),
	}
}

// Admit validates a submission, enforces quota, creates the pending row and
// enqueues the work. No evaluation row exists for a rejected admission.
func (o *Orchestrator) Admit(ctx context.Context, userID, commitURL, courseID string) (models.Evaluation, *models.APIError) {
	if userID == "" {
		return models.Evaluation{}, &models.APIError{Tag: models.TagUnauthorized, Message: "missing caller identity"}
	}

	// Quota is resolved before any input validation: an exhausted user
	// learns they are over cap even when the submission itself is broken.
	decision, err := o.cfg.Ledger.CanEvaluate(ctx, userID)
	if err != nil {
		log.Printf("[Orchestrator] Quota check failed for user %s: %v", userID, err)
		return models.Evaluation{}, &models.APIError{Tag: models.TagInternal, Message: "quota check unavailable"}
	}
	if !decision.Allowed {
		return models.Evaluation{}, &models.APIError{
			Tag:     models.TagQuotaExceeded,
			Message: decision.Reason,
			Used:    decision.Used,
			Limit:   decision.Limit,
		}
	}

	crs, ok := o.cfg.Catalog.Get(courseID)
	if !ok {
		return models.Evaluation{}, &models.APIError{Tag: models.TagInvalidInput, Message: fmt.Sprintf("unknown course %q", courseID)}
	}

	ref, ok := github.ParseCommitURL(commitURL)
	if !ok {
		return models.Evaluation{}, &models.APIError{
			Tag:     models.TagInvalidInput,
			Message: "commitUrl must be a commit-pinned GitHub URL (https://github.com/<owner>/<repo>/commit/<hash>)",
		}
	}

	eval := models.Evaluation{
		ID:        uuid.New().String(),
		UserID:    userID,
		Commit:    ref,
		CourseID:  crs.ID,
		Status:    models.StatusPending,
		StartedAt: time.Now().UTC(),
	}
	if err := o.cfg.Store.CreateEvaluation(ctx, eval); err != nil {
		log.Printf("[Orchestrator] Failed to create evaluation row: %v", err)
		return models.Evaluation{}, &models.APIError{Tag: models.TagInternal, Message: "failed to create evaluation"}
	}

	go o.run(eval.ID, eval.Commit, crs)
	return eval, nil
}

// run is the bounded worker entry point for one evaluation.
func (o *Orchestrator) run(evalID string, ref models.CommitRef, crs models.Course) {
	if err := o.sem.Acquire(context.Background(), 1); err != nil {
		return
	}
	defer o.sem.Release(1)

	o.active.Add(1)
	defer o.active.Add(-1)

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Deadline)
	defer cancel()

	o.process(ctx, evalID, ref, crs)
}

// process walks the state machine. Any error terminates the evaluation with
// a single taxonomy tag; no partial scores are ever persisted as completed.
func (o *Orchestrator) process(ctx context.Context, evalID string, ref models.CommitRef, crs models.Course) {
	// ─── pending → selecting ────────────────────────────────────────
	ok, err := o.cfg.Store.TransitionStatus(ctx, evalID, models.StatusPending, models.StatusSelecting)
	if err != nil {
		o.fail(evalID, models.Selection{}, classify(err))
		return
	}
	if !ok {
		log.Printf("[Orchestrator] Evaluation %s already claimed; skipping", evalID)
		return
	}
	o.notify(evalID, models.StatusSelecting, "")

	listing, err := o.cfg.Fetcher.ListTree(ctx, ref)
	if err != nil {
		o.fail(evalID, models.Selection{}, classify(err))
		return
	}
	if len(listing) == 0 {
		o.fail(evalID, models.Selection{}, models.TagInvalidInput)
		return
	}

	sig, err := o.cfg.Fingerprinter.Compute(crs.ID, listing, keyBasenames(listing))
	if err != nil {
		o.fail(evalID, models.Selection{}, classify(err))
		return
	}
	sigID := uuid.NewSHA1(uuid.NameSpaceURL, []byte("zoomjudge:signature:"+crs.ID+":"+sig.PatternHash)).String()
	if err := o.cfg.Store.SaveSignature(ctx, sigID, crs.ID, sig); err != nil {
		log.Printf("[Orchestrator] Failed to record signature for %s: %v", evalID, err)
	}

	sel, err := o.cfg.Pipeline.Select(ctx, crs, sig, listing, ref.URL())
	if err != nil {
		o.fail(evalID, models.Selection{}, classify(err))
		return
	}
	if len(sel.Files) == 0 {
		o.fail(evalID, sel, models.TagInvalidInput)
		return
	}
	if err := o.cfg.Store.SaveSelection(ctx, evalID, sel); err != nil {
		log.Printf("[Orchestrator] Failed to persist selection for %s: %v", evalID, err)
	}

	// ─── selecting → grading ────────────────────────────────────────
	ok, err = o.cfg.Store.TransitionStatus(ctx, evalID, models.StatusSelecting, models.StatusGrading)
	if err != nil {
		o.fail(evalID, sel, classify(err))
		return
	}
	if !ok {
		return
	}
	o.notify(evalID, models.StatusGrading, "")

	budget := github.NewBudget(o.cfg.MaxAggregateBytes)
	contents := make([]github.FileContent, 0, len(sel.Files))
	for _, p := range sel.Files {
		fc, err := o.cfg.Fetcher.GetFile(ctx, ref, p, budget)
		if err != nil {
			if errors.Is(err, github.ErrNotFound) {
				// A tree entry can disappear only through upstream
				// inconsistency; grade what remains.
				log.Printf("[Orchestrator] Selected file %s missing at %s; skipping", p, ref.CommitHash)
				continue
			}
			o.fail(evalID, sel, classify(err))
			return
		}
		contents = append(contents, fc)
	}
	if len(contents) == 0 {
		o.fail(evalID, sel, models.TagBudgetExhausted)
		return
	}

	result, err := o.cfg.Grader.Grade(ctx, crs, contents)
	if err != nil {
		o.fail(evalID, sel, classify(err))
		return
	}

	scores, total := o.reconcile(crs, result)

	finished := time.Now().UTC()
	committed, err := o.cfg.Store.CompleteEvaluation(ctx, evalID, scores, total, crs.MaxTotalScore, finished)
	if err != nil {
		o.fail(evalID, sel, classify(err))
		return
	}
	if !committed {
		// A replayed terminal transition must not double-increment usage.
		log.Printf("[Orchestrator] Evaluation %s already terminal; skipping ledger update", evalID)
		return
	}

	o.completed.Add(1)
	o.notify(evalID, models.StatusCompleted, "")
	o.incrementUsage(evalID)

	if sel.Method == models.MethodCache && sel.StrategyID != "" && o.cfg.Cache != nil {
		quality := 0.0
		if crs.MaxTotalScore > 0 {
			quality = float64(total) / float64(crs.MaxTotalScore)
		}
		o.cfg.Cache.RecordOutcome(context.Background(), sel.StrategyID, true, quality)
	}
}

// reconcile maps the model's raw labels onto the canonical rubric, in
// rubric order, one row per criterion. Unmatched criteria score zero;
// scores clamp to each criterion's max.
func (o *Orchestrator) reconcile(crs models.Course, result grader.Result) ([]models.CriterionScore, int) {
	byName := make(map[string]models.CriterionScore, len(result.Scores))
	for _, raw := range result.Scores {
		canonical := o.cfg.Catalog.CanonicalName(crs.ID, raw.Criterion)
		byName[canonical] = raw
	}

	scores := make([]models.CriterionScore, 0, len(crs.Criteria))
	total := 0
	for _, crit := range crs.Criteria {
		row := models.CriterionScore{
			Criterion: crit.Name,
			MaxScore:  crit.MaxScore,
			Feedback:  "No evidence found for this criterion.",
		}
		if raw, ok := byName[crit.Name]; ok {
			row.Score = raw.Score
			if row.Score > crit.MaxScore {
				row.Score = crit.MaxScore
			}
			if row.Score < 0 {
				row.Score = 0
			}
			row.Feedback = raw.Feedback
			row.SourceFiles = raw.SourceFiles
		}
		total += row.Score
		scores = append(scores, row)
	}
	return scores, total
}

// fail terminates an evaluation with its taxonomy tag. The guarded update
// means only the worker that actually flips the row produces side effects.
func (o *Orchestrator) fail(evalID string, sel models.Selection, tag models.ErrorTag) {
	// Terminal bookkeeping runs on a fresh context: the evaluation context
	// may already be past its deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	flipped, err := o.cfg.Store.FailEvaluation(ctx, evalID, tag, time.Now().UTC())
	if err != nil {
		log.Printf("[Orchestrator] Failed to mark evaluation %s failed: %v", evalID, err)
		return
	}
	if !flipped {
		return
	}

	o.failed.Add(1)
	o.notify(evalID, models.StatusFailed, tag)
	log.Printf("[Orchestrator] Evaluation %s failed: %s", evalID, tag)

	if tag.UserAttributable() {
		o.incrementUsage(evalID)
	}
	if tag == models.TagParseFailure && sel.Method == models.MethodCache && sel.StrategyID != "" && o.cfg.Cache != nil {
		o.cfg.Cache.RecordOutcome(ctx, sel.StrategyID, false, 0)
	}
}

func (o *Orchestrator) incrementUsage(evalID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	eval, err := o.cfg.Store.GetEvaluation(ctx, evalID)
	if err != nil {
		log.Printf("[Orchestrator] Cannot resolve owner of %s for usage increment: %v", evalID, err)
		return
	}
	if err := o.cfg.Ledger.Increment(ctx, eval.UserID); err != nil {
		log.Printf("[Orchestrator] Usage increment failed for user %s: %v", eval.UserID, err)
	}
}

func (o *Orchestrator) notify(evalID string, status models.EvaluationStatus, tag models.ErrorTag) {
	o.cfg.Notify(models.StatusEvent{
		Type:         "evaluation_status",
		EvaluationID: evalID,
		Status:       status,
		ErrorTag:     tag,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	})
}

// classify maps component errors onto the taxonomy. Deadline expiry wins
// over whatever error it interrupted.
func classify(err error) models.ErrorTag {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.TagTimeout
	case errors.Is(err, github.ErrNotFound):
		return models.TagNotFound
	case errors.Is(err, github.ErrBudgetExhausted):
		return models.TagBudgetExhausted
	case errors.Is(err, github.ErrRateLimited), errors.Is(err, grader.ErrRateLimited):
		return models.TagRateLimited
	case errors.Is(err, github.ErrUpstream), errors.Is(err, grader.ErrUnavailable):
		return models.TagUpstreamUnavailable
	case errors.Is(err, grader.ErrParseFailure):
		return models.TagParseFailure
	case errors.Is(err, fingerprint.ErrInputTooLarge):
		return models.TagInvalidInput
	default:
		return models.TagInternal
	}
}

// keyBasenames extracts the key-file basenames (READMEs and recognized
// manifests) that anchor the signature's pattern hash.
func keyBasenames(listing []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range listing {
		base := path.Base(p)
		lower := strings.ToLower(base)
		if strings.HasPrefix(lower, "readme") || isManifest(lower) {
			if !seen[lower] {
				seen[lower] = true
				out = append(out, base)
			}
		}
	}
	return out
}

func isManifest(lower string) bool {
	switch lower {
	case "dockerfile", "docker-compose.yml", "docker-compose.yaml",
		"requirements.txt", "pyproject.toml", "setup.py", "pipfile",
		"package.json", "tsconfig.json", "go.mod", "makefile",
		"dbt_project.yml", "cargo.toml", "pom.xml", "build.sbt":
		return true
	}
	return false
}
