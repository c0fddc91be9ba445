package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zoomjudge/eval-engine/pkg/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

// ErrNotFound marks a missing row.
var ErrNotFound = errors.New("db: row not found")

// Connect initializes the connection pool to PostgreSQL using pgx
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("Successfully connected to PostgreSQL for Evaluation Engine")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema loads and executes the schema.sql file
func (s *PostgresStore) InitSchema() error {
	schemaBytes, err := os.ReadFile("internal/db/schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema file: %v", err)
	}

	_, err = s.pool.Exec(context.Background(), string(schemaBytes))
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}

	log.Println("Evaluation Engine Schema initialized")
	return nil
}

// GetPool exposes the connection pool for auxiliary subsystems
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}

// ─── Evaluations ─────────────────────────────────────────────────────

// CreateEvaluation inserts a new pending evaluation row.
func (s *PostgresStore) CreateEvaluation(ctx context.Context, e models.Evaluation) error {
	sql := `
		INSERT INTO evaluations
			(evaluation_id, user_id, commit_owner, commit_repo, commit_hash, course_id, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
	`
	_, err := s.pool.Exec(ctx, sql, e.ID, e.UserID, e.Commit.Owner, e.Commit.Repo,
		e.Commit.CommitHash, e.CourseID, string(e.Status), e.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert evaluation: %v", err)
	}
	return nil
}

// TransitionStatus advances an evaluation only when it currently holds the
// expected status. The guarded UPDATE is what makes transitions exclusive:
// a replayed or racing worker observes zero affected rows and stops.
func (s *PostgresStore) TransitionStatus(ctx context.Context, id string, from, to models.EvaluationStatus) (bool, error) {
	sql := `UPDATE evaluations SET status = $1 WHERE evaluation_id = $2 AND status = $3;`
	tag, err := s.pool.Exec(ctx, sql, string(to), id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to transition evaluation %s: %v", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// SaveSelection records the winning tier's output on the evaluation row.
func (s *PostgresStore) SaveSelection(ctx context.Context, id string, sel models.Selection) error {
	sql := `
		UPDATE evaluations
		SET selection_method = $1, selection_files = $2, strategy_id = NULLIF($3, '')
		WHERE evaluation_id = $4;
	`
	_, err := s.pool.Exec(ctx, sql, string(sel.Method), sel.Files, sel.StrategyID, id)
	return err
}

// CompleteEvaluation persists scores and totals and flips the row to
// completed, all in one transaction. The guarded final UPDATE keeps a
// replayed worker from double-completing.
func (s *PostgresStore) CompleteEvaluation(ctx context.Context, id string, scores []models.CriterionScore, total, max int, finishedAt time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insertScoreSQL := `
		INSERT INTO evaluation_scores (evaluation_id, criterion_name, score, max_score, feedback, source_files)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (evaluation_id, criterion_name) DO UPDATE
		SET score = EXCLUDED.score, feedback = EXCLUDED.feedback, source_files = EXCLUDED.source_files;
	`
	for _, sc := range scores {
		if _, err := tx.Exec(ctx, insertScoreSQL, id, sc.Criterion, sc.Score, sc.MaxScore, sc.Feedback, sc.SourceFiles); err != nil {
			return false, fmt.Errorf("failed to insert score row: %v", err)
		}
	}

	finishSQL := `
		UPDATE evaluations
		SET status = $1, total_score = $2, max_score = $3, finished_at = $4
		WHERE evaluation_id = $5 AND status = $6;
	`
	tag, err := tx.Exec(ctx, finishSQL, string(models.StatusCompleted), total, max, finishedAt, id, string(models.StatusGrading))
	if err != nil {
		return false, fmt.Errorf("failed to complete evaluation: %v", err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	return true, tx.Commit(ctx)
}

// FailEvaluation marks an evaluation terminal with its error tag. Already
// terminal rows are left untouched so replays cannot flip a completed
// evaluation to failed.
func (s *PostgresStore) FailEvaluation(ctx context.Context, id string, tag models.ErrorTag, finishedAt time.Time) (bool, error) {
	sql := `
		UPDATE evaluations
		SET status = $1, error_tag = $2, finished_at = $3
		WHERE evaluation_id = $4 AND status NOT IN ($5, $6);
	`
	res, err := s.pool.Exec(ctx, sql, string(models.StatusFailed), string(tag), finishedAt,
		id, string(models.StatusCompleted), string(models.StatusFailed))
	if err != nil {
		return false, fmt.Errorf("failed to fail evaluation %s: %v", id, err)
	}
	return res.RowsAffected() == 1, nil
}

// GetEvaluation loads one evaluation with its score rows. Scores come back
// unordered; the caller renders them in course-criterion order.
func (s *PostgresStore) GetEvaluation(ctx context.Context, id string) (models.Evaluation, error) {
	sql := `
		SELECT evaluation_id, user_id, commit_owner, commit_repo, commit_hash, course_id,
		       status, selection_method, selection_files, strategy_id,
		       total_score, max_score, started_at, finished_at, error_tag
		FROM evaluations WHERE evaluation_id = $1;
	`
	var (
		e        models.Evaluation
		method   *string
		selFiles []string
		stratID  *string
		finished *time.Time
		errorTag *string
	)
	err := s.pool.QueryRow(ctx, sql, id).Scan(
		&e.ID, &e.UserID, &e.Commit.Owner, &e.Commit.Repo, &e.Commit.CommitHash, &e.CourseID,
		&e.Status, &method, &selFiles, &stratID,
		&e.TotalScore, &e.MaxScore, &e.StartedAt, &finished, &errorTag)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Evaluation{}, ErrNotFound
	}
	if err != nil {
		return models.Evaluation{}, fmt.Errorf("failed to load evaluation %s: %v", id, err)
	}
	if method != nil {
		e.Selection = &models.Selection{Method: models.SelectionMethod(*method), Files: selFiles}
		if stratID != nil {
			e.Selection.StrategyID = *stratID
		}
	}
	e.FinishedAt = finished
	if errorTag != nil {
		e.ErrorTag = models.ErrorTag(*errorTag)
	}

	scoreSQL := `
		SELECT criterion_name, score, max_score, feedback, source_files
		FROM evaluation_scores WHERE evaluation_id = $1;
	`
	rows, err := s.pool.Query(ctx, scoreSQL, id)
	if err != nil {
		return models.Evaluation{}, fmt.Errorf("failed to load scores for %s: %v", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var sc models.CriterionScore
		var feedback *string
		if err := rows.Scan(&sc.Criterion, &sc.Score, &sc.MaxScore, &feedback, &sc.SourceFiles); err != nil {
			return models.Evaluation{}, err
		}
		if feedback != nil {
			sc.Feedback = *feedback
		}
		e.Scores = append(e.Scores, sc)
	}
	return e, rows.Err()
}

// ─── Repository Signatures ───────────────────────────────────────────

// SaveSignature records a signature observation keyed by (course, hash).
func (s *PostgresStore) SaveSignature(ctx context.Context, id, courseID string, sig models.RepoSignature) error {
	fileTypes, err := json.Marshal(sig.FileTypes)
	if err != nil {
		return err
	}
	sql := `
		INSERT INTO repository_signatures
			(id, course_id, pattern_hash, technologies, directory_structure, size_category, file_types)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (course_id, pattern_hash) DO NOTHING;
	`
	_, err = s.pool.Exec(ctx, sql, id, courseID, sig.PatternHash,
		sig.Technologies, sig.DirectoryStructure, sig.SizeCategory, fileTypes)
	return err
}

// ─── Cached Strategies (cache.Persister) ─────────────────────────────

// UpsertStrategy writes a full strategy row keyed by its deterministic id.
func (s *PostgresStore) UpsertStrategy(ctx context.Context, strat models.CachedStrategy) error {
	sql := `
		INSERT INTO cached_strategies
			(id, course_id, pattern_hash, technologies, directory_structure, size_category,
			 selected_files, perf_accuracy, perf_processing_time, perf_evaluation_quality,
			 usage_count, success_rate, repo_url, created_at, last_used, last_updated, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (id) DO UPDATE SET
			selected_files = EXCLUDED.selected_files,
			perf_accuracy = EXCLUDED.perf_accuracy,
			perf_processing_time = EXCLUDED.perf_processing_time,
			perf_evaluation_quality = EXCLUDED.perf_evaluation_quality,
			usage_count = EXCLUDED.usage_count,
			success_rate = EXCLUDED.success_rate,
			last_used = EXCLUDED.last_used,
			last_updated = EXCLUDED.last_updated,
			version = EXCLUDED.version;
	`
	_, err := s.pool.Exec(ctx, sql,
		strat.ID, strat.CourseID, strat.Signature.PatternHash,
		strat.Signature.Technologies, strat.Signature.DirectoryStructure, strat.Signature.SizeCategory,
		strat.SelectedFiles,
		strat.Performance.Accuracy, strat.Performance.ProcessingTime, strat.Performance.EvaluationQuality,
		strat.Performance.UsageCount, strat.Performance.SuccessRate,
		strat.Metadata.RepoURL, strat.Metadata.CreatedAt, strat.Metadata.LastUsed,
		strat.Metadata.LastUpdated, strat.Metadata.Version)
	return err
}

// TouchStrategy stamps a lookup hit without rewriting the whole row.
func (s *PostgresStore) TouchStrategy(ctx context.Context, id string, lastUsed time.Time, usageCount int) error {
	sql := `UPDATE cached_strategies SET last_used = $1, usage_count = $2 WHERE id = $3;`
	_, err := s.pool.Exec(ctx, sql, lastUsed, usageCount, id)
	return err
}

// DeleteStrategy removes an evicted row.
func (s *PostgresStore) DeleteStrategy(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM cached_strategies WHERE id = $1;`, id)
	return err
}

// LoadStrategies hydrates the in-memory cache index at startup.
func (s *PostgresStore) LoadStrategies(ctx context.Context, limit int) ([]models.CachedStrategy, error) {
	if limit <= 0 {
		limit = 1000
	}
	sql := `
		SELECT id, course_id, pattern_hash, technologies, directory_structure, size_category,
		       selected_files, perf_accuracy, perf_processing_time, perf_evaluation_quality,
		       usage_count, success_rate, repo_url, created_at, last_used, last_updated, version
		FROM cached_strategies
		ORDER BY last_used DESC
		LIMIT $1;
	`
	rows, err := s.pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load cached strategies: %v", err)
	}
	defer rows.Close()

	var out []models.CachedStrategy
	for rows.Next() {
		var st models.CachedStrategy
		var repoURL *string
		if err := rows.Scan(&st.ID, &st.CourseID, &st.Signature.PatternHash,
			&st.Signature.Technologies, &st.Signature.DirectoryStructure, &st.Signature.SizeCategory,
			&st.SelectedFiles,
			&st.Performance.Accuracy, &st.Performance.ProcessingTime, &st.Performance.EvaluationQuality,
			&st.Performance.UsageCount, &st.Performance.SuccessRate,
			&repoURL, &st.Metadata.CreatedAt, &st.Metadata.LastUsed,
			&st.Metadata.LastUpdated, &st.Metadata.Version); err != nil {
			return nil, err
		}
		if repoURL != nil {
			st.Metadata.RepoURL = *repoURL
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ─── Usage Windows (quota.UsageStore) ────────────────────────────────

// GetWindow reads one (user, month) usage row.
func (s *PostgresStore) GetWindow(ctx context.Context, userID, month string) (models.UsageWindow, bool, error) {
	sql := `
		SELECT user_id, month, evaluations_count, subscription_tier, reset_at, version
		FROM user_usage WHERE user_id = $1 AND month = $2;
	`
	var w models.UsageWindow
	err := s.pool.QueryRow(ctx, sql, userID, month).Scan(
		&w.UserID, &w.Month, &w.EvaluationsCount, &w.Tier, &w.ResetAt, &w.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.UsageWindow{}, false, nil
	}
	if err != nil {
		return models.UsageWindow{}, false, fmt.Errorf("failed to read usage window: %v", err)
	}
	return w, true, nil
}

// PutWindow inserts (expectedVersion 0) or CAS-updates a usage window. A
// version conflict or duplicate insert reports false without error; the
// ledger owns the retry policy.
func (s *PostgresStore) PutWindow(ctx context.Context, w models.UsageWindow, expectedVersion int) (bool, error) {
	if expectedVersion == 0 {
		sql := `
			INSERT INTO user_usage (user_id, month, evaluations_count, subscription_tier, reset_at, version)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id, month) DO NOTHING;
		`
		tag, err := s.pool.Exec(ctx, sql, w.UserID, w.Month, w.EvaluationsCount, string(w.Tier), w.ResetAt, w.Version)
		if err != nil {
			return false, fmt.Errorf("failed to insert usage window: %v", err)
		}
		return tag.RowsAffected() == 1, nil
	}

	sql := `
		UPDATE user_usage
		SET evaluations_count = $1, subscription_tier = $2, reset_at = $3, version = $4
		WHERE user_id = $5 AND month = $6 AND version = $7;
	`
	tag, err := s.pool.Exec(ctx, sql, w.EvaluationsCount, string(w.Tier), w.ResetAt, w.Version,
		w.UserID, w.Month, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("failed to update usage window: %v", err)
	}
	return tag.RowsAffected() == 1, nil
}

// StaleWindows lists windows whose resetAt has passed, newest month first so
// the sweep sees each user's latest window before older leftovers.
func (s *PostgresStore) StaleWindows(ctx context.Context, cutoff time.Time) ([]models.UsageWindow, error) {
	sql := `
		SELECT user_id, month, evaluations_count, subscription_tier, reset_at, version
		FROM user_usage WHERE reset_at <= $1
		ORDER BY month DESC;
	`
	rows, err := s.pool.Query(ctx, sql, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale windows: %v", err)
	}
	defer rows.Close()

	var out []models.UsageWindow
	for rows.Next() {
		var w models.UsageWindow
		if err := rows.Scan(&w.UserID, &w.Month, &w.EvaluationsCount, &w.Tier, &w.ResetAt, &w.Version); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
