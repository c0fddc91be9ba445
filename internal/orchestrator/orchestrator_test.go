package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zoomjudge/eval-engine/internal/course"
	"github.com/zoomjudge/eval-engine/internal/github"
	"github.com/zoomjudge/eval-engine/internal/grader"
	"github.com/zoomjudge/eval-engine/internal/quota"
	"github.com/zoomjudge/eval-engine/pkg/models"
)

// ─── Fakes ───────────────────────────────────────────────────────────

type memStore struct {
	mu    sync.Mutex
	evals map[string]*models.Evaluation
}

func newMemStore() *memStore {
	return &memStore{evals: make(map[string]*models.Evaluation)}
}

func (m *memStore) CreateEvaluation(ctx context.Context, e models.Evaluation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := e
	m.evals[e.ID] = &cp
	return nil
}

func (m *memStore) TransitionStatus(ctx context.Context, id string, from, to models.EvaluationStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.evals[id]
	if !ok || e.Status != from {
		return false, nil
	}
	e.Status = to
	return true, nil
}

func (m *memStore) SaveSelection(ctx context.Context, id string, sel models.Selection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.evals[id]; ok {
		cp := sel
		e.Selection = &cp
	}
	return nil
}

func (m *memStore) CompleteEvaluation(ctx context.Context, id string, scores []models.CriterionScore, total, max int, finishedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.evals[id]
	if !ok || e.Status != models.StatusGrading {
		return false, nil
	}
	e.Status = models.StatusCompleted
	e.Scores = scores
	e.TotalScore = total
	e.MaxScore = max
	e.FinishedAt = &finishedAt
	return true, nil
}

func (m *memStore) FailEvaluation(ctx context.Context, id string, tag models.ErrorTag, finishedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.evals[id]
	if !ok || e.Status.Terminal() {
		return false, nil
	}
	e.Status = models.StatusFailed
	e.ErrorTag = tag
	e.FinishedAt = &finishedAt
	return true, nil
}

func (m *memStore) GetEvaluation(ctx context.Context, id string) (models.Evaluation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.evals[id]
	if !ok {
		return models.Evaluation{}, errors.New("not found")
	}
	return *e, nil
}

func (m *memStore) SaveSignature(ctx context.Context, id, courseID string, sig models.RepoSignature) error {
	return nil
}

type fakeFetcher struct {
	listing []string
	listErr error
	fileErr error
}

func (f *fakeFetcher) ListTree(ctx context.Context, ref models.CommitRef) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.listing, nil
}

func (f *fakeFetcher) GetFile(ctx context.Context, ref models.CommitRef, p string, budget *github.Budget) (github.FileContent, error) {
	if f.fileErr != nil {
		return github.FileContent{}, f.fileErr
	}
	return github.FileContent{Path: p, Data: []byte("content of " + p)}, nil
}

type fakeSelector struct {
	sel models.Selection
	err error
}

func (f *fakeSelector) Select(ctx context.Context, crs models.Course, sig models.RepoSignature, listing []string, repoURL string) (models.Selection, error) {
	if f.err != nil {
		return models.Selection{}, f.err
	}
	return f.sel, nil
}

type fakeGrader struct {
	result grader.Result
	err    error
}

func (f *fakeGrader) Grade(ctx context.Context, crs models.Course, files []github.FileContent) (grader.Result, error) {
	if f.err != nil {
		return grader.Result{}, f.err
	}
	return f.result, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	calls   []string
	success []bool
}

func (f *fakeRecorder) RecordOutcome(ctx context.Context, strategyID string, success bool, quality float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, strategyID)
	f.success = append(f.success, success)
}

// memUsage implements quota.UsageStore in memory.
type memUsage struct {
	mu   sync.Mutex
	rows map[string]models.UsageWindow
}

func newMemUsage() *memUsage { return &memUsage{rows: make(map[string]models.UsageWindow)} }

func (m *memUsage) GetWindow(ctx context.Context, userID, month string) (models.UsageWindow, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.rows[userID+"|"+month]
	return w, ok, nil
}

func (m *memUsage) PutWindow(ctx context.Context, w models.UsageWindow, expected int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := w.UserID + "|" + w.Month
	cur, exists := m.rows[k]
	if expected == 0 {
		if exists {
			return false, nil
		}
	} else if !exists || cur.Version != expected {
		return false, nil
	}
	m.rows[k] = w
	return true, nil
}

func (m *memUsage) StaleWindows(ctx context.Context, cutoff time.Time) ([]models.UsageWindow, error) {
	return nil, nil
}

func (m *memUsage) count(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, w := range m.rows {
		if w.UserID == userID {
			total += w.EvaluationsCount
		}
	}
	return total
}

// ─── Harness ─────────────────────────────────────────────────────────

type harness struct {
	orch    *Orchestrator
	store   *memStore
	usage   *memUsage
	rec     *fakeRecorder
	fetcher *fakeFetcher
	selector *fakeSelector
	grader  *fakeGrader
	crs     models.Course
}

var goodListing = []string{"README.md", "src/main.py", "requirements.txt"}

func goodResult() grader.Result {
	return grader.Result{Scores: []models.CriterionScore{
		{Criterion: "problem description", Score: 2, Feedback: "solid", SourceFiles: []string{"README.md"}},
		{Criterion: "Reproducibility", Score: 1, Feedback: "loose pins", SourceFiles: []string{"requirements.txt"}},
	}}
}

func newHarness(t *testing.T, tier models.SubscriptionTier) *harness {
	t.Helper()
	cat, err := course.Parse([]byte(`
courses:
  - id: mini
    displayName: Mini Course
    criteria:
      - name: Problem description
        maxScore: 2
      - name: Reproducibility
        maxScore: 2
`))
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	crs, _ := cat.Get("mini")

	h := &harness{
		store:   newMemStore(),
		usage:   newMemUsage(),
		rec:     &fakeRecorder{},
		fetcher: &fakeFetcher{listing: goodListing},
		selector: &fakeSelector{sel: models.Selection{
			Files: goodListing, Method: models.MethodRuleBased, Confidence: 0.9,
		}},
		grader: &fakeGrader{result: goodResult()},
		crs:    crs,
	}
	h.orch = New(Config{
		Store:    h.store,
		Fetcher:  h.fetcher,
		Pipeline: h.selector,
		Grader:   h.grader,
		Cache:    h.rec,
		Ledger:   quota.NewLedger(h.usage, func(string) models.SubscriptionTier { return tier }),
		Catalog:  cat,
	})
	return h
}

// seed creates a pending evaluation row directly, then runs the worker
// synchronously so assertions see the terminal state.
func (h *harness) seed(t *testing.T, id string) models.CommitRef {
	t.Helper()
	ref := models.CommitRef{Owner: "acme", Repo: "proj", CommitHash: "abc1234"}
	if err := h.store.CreateEvaluation(context.Background(), models.Evaluation{
		ID: id, UserID: "u1", Commit: ref, CourseID: h.crs.ID,
		Status: models.StatusPending, StartedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return ref
}

func (h *harness) runSync(t *testing.T, id string) models.Evaluation {
	t.Helper()
	ref := h.seed(t, id)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	h.orch.process(ctx, id, ref, h.crs)
	e, err := h.store.GetEvaluation(context.Background(), id)
	if err != nil {
		t.Fatalf("load evaluation: %v", err)
	}
	return e
}

// ─── Admission ───────────────────────────────────────────────────────

func TestAdmitRejectsInvalidURL(t *testing.T) {
	h := newHarness(t, models.TierFree)
	_, apiErr := h.orch.Admit(context.Background(), "u1", "https://github.com/acme/ml-proj/tree/main", "mini")
	if apiErr == nil || apiErr.Tag != models.TagInvalidInput {
		t.Fatalf("Expected InvalidInput for branch-tip URL, got %+v", apiErr)
	}
	if len(h.store.evals) != 0 {
		t.Errorf("No evaluation row may exist after a rejected admission")
	}
}

func TestAdmitRejectsUnknownCourse(t *testing.T) {
	h := newHarness(t, models.TierFree)
	_, apiErr := h.orch.Admit(context.Background(), "u1", "https://github.com/acme/p/commit/abc1234", "nope")
	if apiErr == nil || apiErr.Tag != models.TagInvalidInput {
		t.Fatalf("Expected InvalidInput for unknown course, got %+v", apiErr)
	}
}

func TestAdmitRejectsMissingIdentity(t *testing.T) {
	h := newHarness(t, models.TierFree)
	_, apiErr := h.orch.Admit(context.Background(), "", "https://github.com/acme/p/commit/abc1234", "mini")
	if apiErr == nil || apiErr.Tag != models.TagUnauthorized {
		t.Fatalf("Expected Unauthorized, got %+v", apiErr)
	}
}

func TestAdmitQuotaExceeded(t *testing.T) {
	h := newHarness(t, models.TierFree)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := quota.NewLedger(h.usage, func(string) models.SubscriptionTier { return models.TierFree }).
			Increment(ctx, "u1"); err != nil {
			t.Fatalf("prime usage: %v", err)
		}
	}

	_, apiErr := h.orch.Admit(ctx, "u1", "https://github.com/acme/p/commit/abc1234", "mini")
	if apiErr == nil || apiErr.Tag != models.TagQuotaExceeded {
		t.Fatalf("Expected QuotaExceeded, got %+v", apiErr)
	}
	if apiErr.Used != 4 || apiErr.Limit != 4 {
		t.Errorf("Envelope = used %d limit %d, want 4/4", apiErr.Used, apiErr.Limit)
	}
	if len(h.store.evals) != 0 {
		t.Errorf("No evaluation row may exist after quota rejection")
	}

	// Quota precedes input validation: an exhausted user with a broken URL
	// or unknown course still hears QuotaExceeded, not InvalidInput.
	for name, req := range map[string][2]string{
		"invalid URL":    {"https://github.com/acme/ml-proj/tree/main", "mini"},
		"unknown course": {"https://github.com/acme/p/commit/abc1234", "nope"},
	} {
		_, apiErr := h.orch.Admit(ctx, "u1", req[0], req[1])
		if apiErr == nil || apiErr.Tag != models.TagQuotaExceeded {
			t.Errorf("%s with exhausted quota: tag = %v, want QuotaExceeded", name, apiErr)
		}
	}
}

// ─── Worker path ─────────────────────────────────────────────────────

func TestProcessHappyPath(t *testing.T) {
	h := newHarness(t, models.TierFree)
	e := h.runSync(t, "eval-1")

	if e.Status != models.StatusCompleted {
		t.Fatalf("Status = %s, want completed (tag=%s)", e.Status, e.ErrorTag)
	}
	if len(e.Scores) != len(h.crs.Criteria) {
		t.Fatalf("Score rows = %d, want %d (one per criterion)", len(e.Scores), len(h.crs.Criteria))
	}
	sum := 0
	for _, sc := range e.Scores {
		sum += sc.Score
	}
	if e.TotalScore != sum {
		t.Errorf("TotalScore %d != Σscores %d", e.TotalScore, sum)
	}
	// Labels reconciled to canonical rubric spellings, rubric order.
	if e.Scores[0].Criterion != "Problem description" || e.Scores[1].Criterion != "Reproducibility" {
		t.Errorf("Canonical order broken: %q, %q", e.Scores[0].Criterion, e.Scores[1].Criterion)
	}
	if e.Scores[0].Score != 2 || e.Scores[1].Score != 1 {
		t.Errorf("Scores = %d,%d want 2,1", e.Scores[0].Score, e.Scores[1].Score)
	}
	if got := h.usage.count("u1"); got != 1 {
		t.Errorf("Quota incremented %d times, want exactly 1", got)
	}
}

func TestProcessReplayDoesNotDoubleIncrement(t *testing.T) {
	h := newHarness(t, models.TierFree)
	ref := h.seed(t, "eval-1")
	ctx := context.Background()

	h.orch.process(ctx, "eval-1", ref, h.crs)
	// Replay the whole worker: the pending→selecting claim fails, so the
	// terminal transition is never re-run.
	h.orch.process(ctx, "eval-1", ref, h.crs)

	if got := h.usage.count("u1"); got != 1 {
		t.Errorf("Replay must not double-increment usage: got %d", got)
	}
}

func TestProcessNotFoundConsumesQuota(t *testing.T) {
	h := newHarness(t, models.TierFree)
	h.fetcher.listErr = github.ErrNotFound
	e := h.runSync(t, "eval-1")

	if e.Status != models.StatusFailed || e.ErrorTag != models.TagNotFound {
		t.Fatalf("Expected failed/NotFound, got %s/%s", e.Status, e.ErrorTag)
	}
	if got := h.usage.count("u1"); got != 1 {
		t.Errorf("NotFound is user-attributable; quota = %d, want 1", got)
	}
}

func TestProcessUpstreamFailureDoesNotConsumeQuota(t *testing.T) {
	h := newHarness(t, models.TierFree)
	h.fetcher.listErr = fmt.Errorf("%w: status 502", github.ErrUpstream)
	e := h.runSync(t, "eval-1")

	if e.Status != models.StatusFailed || e.ErrorTag != models.TagUpstreamUnavailable {
		t.Fatalf("Expected failed/UpstreamUnavailable, got %s/%s", e.Status, e.ErrorTag)
	}
	if got := h.usage.count("u1"); got != 0 {
		t.Errorf("Infrastructure failures must not consume quota: got %d", got)
	}
}

func TestProcessEmptyListingFailsInvalidInput(t *testing.T) {
	h := newHarness(t, models.TierFree)
	h.fetcher.listing = nil
	e := h.runSync(t, "eval-1")

	if e.Status != models.StatusFailed || e.ErrorTag != models.TagInvalidInput {
		t.Fatalf("Expected failed/InvalidInput for empty listing, got %s/%s", e.Status, e.ErrorTag)
	}
	if got := h.usage.count("u1"); got != 1 {
		t.Errorf("Empty listing is user-attributable; quota = %d, want 1", got)
	}
}

func TestProcessBudgetExhausted(t *testing.T) {
	h := newHarness(t, models.TierFree)
	h.fetcher.fileErr = github.ErrBudgetExhausted
	e := h.runSync(t, "eval-1")

	if e.Status != models.StatusFailed || e.ErrorTag != models.TagBudgetExhausted {
		t.Fatalf("Expected failed/BudgetExhausted, got %s/%s", e.Status, e.ErrorTag)
	}
}

func TestProcessParseFailureRecordsCacheMiss(t *testing.T) {
	h := newHarness(t, models.TierFree)
	h.selector.sel = models.Selection{
		Files: goodListing, Method: models.MethodCache, Confidence: 0.95, StrategyID: "strat-1",
	}
	h.grader.err = grader.ErrParseFailure
	e := h.runSync(t, "eval-1")

	if e.Status != models.StatusFailed || e.ErrorTag != models.TagParseFailure {
		t.Fatalf("Expected failed/ParseFailure, got %s/%s", e.Status, e.ErrorTag)
	}
	if got := h.usage.count("u1"); got != 1 {
		t.Errorf("ParseFailure consumes quota once: got %d", got)
	}
	if len(h.rec.calls) != 1 || h.rec.calls[0] != "strat-1" || h.rec.success[0] {
		t.Errorf("Expected one failure outcome for strat-1, got %+v/%+v", h.rec.calls, h.rec.success)
	}
}

func TestProcessCacheHitRecordsSuccess(t *testing.T) {
	h := newHarness(t, models.TierFree)
	h.selector.sel = models.Selection{
		Files: goodListing, Method: models.MethodCache, Confidence: 0.95, StrategyID: "strat-9",
	}
	e := h.runSync(t, "eval-1")

	if e.Status != models.StatusCompleted {
		t.Fatalf("Status = %s, want completed", e.Status)
	}
	if len(h.rec.calls) != 1 || h.rec.calls[0] != "strat-9" || !h.rec.success[0] {
		t.Errorf("Expected one success outcome for strat-9, got %+v/%+v", h.rec.calls, h.rec.success)
	}
}

func TestProcessDeadlineTimesOut(t *testing.T) {
	h := newHarness(t, models.TierFree)
	h.fetcher.listErr = context.DeadlineExceeded
	e := h.runSync(t, "eval-1")

	if e.Status != models.StatusFailed || e.ErrorTag != models.TagTimeout {
		t.Fatalf("Expected failed/Timeout, got %s/%s", e.Status, e.ErrorTag)
	}
	if got := h.usage.count("u1"); got != 0 {
		t.Errorf("Timeouts must not consume quota: got %d", got)
	}
}

func TestReconcileClampsAndFills(t *testing.T) {
	h := newHarness(t, models.TierFree)
	h.grader.result = grader.Result{Scores: []models.CriterionScore{
		{Criterion: "PROBLEM DESCRIPTION", Score: 99, Feedback: "over-eager"},
	}}
	e := h.runSync(t, "eval-1")

	if e.Status != models.StatusCompleted {
		t.Fatalf("Status = %s, want completed", e.Status)
	}
	if e.Scores[0].Score != 2 {
		t.Errorf("Score must clamp to criterion max: got %d", e.Scores[0].Score)
	}
	if e.Scores[1].Score != 0 {
		t.Errorf("Unmatched criterion must score zero: got %d", e.Scores[1].Score)
	}
	if e.TotalScore != 2 {
		t.Errorf("TotalScore = %d, want 2", e.TotalScore)
	}
}
