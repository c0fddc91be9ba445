package grader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zoomjudge/eval-engine/internal/github"
	"github.com/zoomjudge/eval-engine/pkg/models"
)

// Client talks to the grading model over an OpenAI-compatible
// chat-completions surface. It is shared by all evaluations; upstream
// backpressure surfaces as ErrRateLimited, which callers treat as retryable
// with jittered backoff (done here, bounded at three attempts).

const (
	modelCallTimeout = 120 * time.Second
	maxAttempts      = 3
	initialBackoff   = 1 * time.Second
)

var (
	ErrRateLimited  = errors.New("grader: rate limited by model provider")
	ErrUnavailable  = errors.New("grader: model provider unavailable")
	ErrParseFailure = errors.New("grader: malformed structured output")
)

type Config struct {
	APIBase string // e.g. https://api.openai.com/v1
	APIKey  string
	Model   string
}

type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: modelCallTimeout},
	}
}

// Result is the parsed grading output, still carrying the model's raw
// criterion labels. Reconciliation to canonical names happens in the
// orchestrator via the course mapper.
type Result struct {
	Scores []models.CriterionScore
}

// Grade submits the selected file contents against the course rubric and
// parses the model's structured output.
func (c *Client) Grade(ctx context.Context, course models.Course, files []github.FileContent) (Result, error) {
	prompt := buildGradingPrompt(course, files)

	content, err := c.chat(ctx, gradingSystemPrompt, prompt)
	if err != nil {
		return Result{}, err
	}
	scores, err := parseScores(content)
	if err != nil {
		return Result{}, err
	}
	return Result{Scores: scores}, nil
}

// SelectFiles is the selection pipeline's LLM-assisted tier: given the
// pruned listing and the rubric, the model proposes candidate paths. The
// pipeline re-validates everything it returns.
func (c *Client) SelectFiles(ctx context.Context, course models.Course, listing []string) ([]string, error) {
	pruned := listing
	if len(pruned) > 500 {
		pruned = pruned[:500]
	}

	var sb strings.Builder
	sb.WriteString("Rubric criteria:\n")
	for _, crit := range course.Criteria {
		fmt.Fprintf(&sb, "- %s (max %d): evidence like %s\n", crit.Name, crit.MaxScore, strings.Join(crit.EvidenceHints, ", "))
	}
	sb.WriteString("\nRepository files:\n")
	for _, p := range pruned {
		sb.WriteString(p)
		sb.WriteString("\n")
	}
	sb.WriteString("\nReturn JSON: {\"files\": [\"path\", ...]} — the files a grader must read to score every criterion.")

	content, err := c.chat(ctx, selectionSystemPrompt, sb.String())
	if err != nil {
		return nil, err
	}

	var out struct {
		Files []string `json:"files"`
	}
	if err := json.Unmarshal([]byte(extractJSON(content)), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseFailure, err)
	}
	return out.Files, nil
}

const gradingSystemPrompt = "You are a strict course-project grader. " +
	"Score each rubric criterion from the provided source files only. " +
	"Respond with JSON: {\"scores\":[{\"criterion\":\"...\",\"score\":N,\"feedback\":\"...\",\"sourceFiles\":[\"...\"]}]}"

const selectionSystemPrompt = "You select the minimal set of repository files a grader needs. Respond with JSON only."

func buildGradingPrompt(course models.Course, files []github.FileContent) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Course: %s\n\nRubric:\n", course.DisplayName)
	for _, crit := range course.Criteria {
		fmt.Fprintf(&sb, "- %s (0..%d)\n", crit.Name, crit.MaxScore)
	}
	sb.WriteString("\nFiles:\n")
	for _, f := range files {
		if f.Truncated {
			fmt.Fprintf(&sb, "\n===== %s (truncated: exceeds size cap) =====\n", f.Path)
			continue
		}
		fmt.Fprintf(&sb, "\n===== %s =====\n%s\n", f.Path, string(f.Data))
	}
	return sb.String()
}

// chat performs one chat-completions round trip with bounded retries on 429
// and 5xx. A positive Retry-After (in seconds) replaces the backoff delay; a
// zero or unparseable one falls back to the backoff.
func (c *Client) chat(ctx context.Context, system, user string) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"model": c.cfg.Model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
		"temperature":     0.0,
		"response_format": map[string]string{"type": "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("grader: marshal request: %w", err)
	}

	backoff := initialBackoff
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		content, retryAfter, retryable, err := c.chatOnce(ctx, payload)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
		if attempt < maxAttempts {
			wait := backoff + time.Duration(rand.Int63n(int64(backoff)/2))
			if retryAfter > 0 {
				wait = retryAfter
			}
			log.Printf("[Grader] Attempt %d failed (%v); retrying in %s", attempt, err, wait)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
			backoff *= 2
		}
	}
	return "", lastErr
}

func (c *Client) chatOnce(ctx context.Context, payload []byte) (content string, retryAfter time.Duration, retryable bool, err error) {
	callCtx, cancel := context.WithTimeout(ctx, modelCallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost,
		strings.TrimSuffix(c.cfg.APIBase, "/")+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", 0, false, fmt.Errorf("grader: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, true, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(ra); perr == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return "", retryAfter, true, ErrRateLimited
	case resp.StatusCode >= 500:
		return "", 0, true, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		return "", 0, false, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var body struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if derr := json.NewDecoder(resp.Body).Decode(&body); derr != nil {
		return "", 0, false, fmt.Errorf("%w: decode envelope: %v", ErrParseFailure, derr)
	}
	if len(body.Choices) == 0 {
		return "", 0, false, fmt.Errorf("%w: no choices", ErrParseFailure)
	}
	return body.Choices[0].Message.Content, 0, false, nil
}

// parseScores decodes the model's structured grading output.
func parseScores(content string) ([]models.CriterionScore, error) {
	var out struct {
		Scores []struct {
			Criterion   string   `json:"criterion"`
			Score       int      `json:"score"`
			Feedback    string   `json:"feedback"`
			SourceFiles []string `json:"sourceFiles"`
		} `json:"scores"`
	}
	if err := json.Unmarshal([]byte(extractJSON(content)), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseFailure, err)
	}
	if len(out.Scores) == 0 {
		return nil, fmt.Errorf("%w: empty scores array", ErrParseFailure)
	}

	scores := make([]models.CriterionScore, 0, len(out.Scores))
	for _, s := range out.Scores {
		if s.Criterion == "" || s.Score < 0 {
			return nil, fmt.Errorf("%w: invalid score row %+v", ErrParseFailure, s)
		}
		scores = append(scores, models.CriterionScore{
			Criterion:   s.Criterion,
			Score:       s.Score,
			Feedback:    s.Feedback,
			SourceFiles: s.SourceFiles,
		})
	}
	return scores, nil
}

// extractJSON strips markdown fences a model may wrap around its JSON.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}
