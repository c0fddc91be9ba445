package github

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/zoomjudge/eval-engine/pkg/models"
)

func TestParseCommitURL(t *testing.T) {
	tests := []struct {
		name  string
		url   string
		valid bool
		hash  string
	}{
		{"Valid 7-char hash", "https://github.com/acme/ml-proj/commit/abc1234", true, "abc1234"},
		{"Valid 40-char hash", "https://github.com/acme/ml-proj/commit/" + strings.Repeat("a", 40), true, strings.Repeat("a", 40)},
		{"Trailing slash", "https://github.com/acme/ml-proj/commit/abc1234/", true, "abc1234"},
		{"Quoted URL", `"https://github.com/acme/ml-proj/commit/abc1234"`, true, "abc1234"},
		{"Angle-bracketed URL", "<https://github.com/acme/ml-proj/commit/abc1234>", true, "abc1234"},
		{"6-char hash rejected", "https://github.com/acme/ml-proj/commit/abc123", false, ""},
		{"41-char hash rejected", "https://github.com/acme/ml-proj/commit/" + strings.Repeat("a", 41), false, ""},
		{"Uppercase hex rejected", "https://github.com/acme/ml-proj/commit/ABC1234", false, ""},
		{"Branch tip rejected", "https://github.com/acme/ml-proj/tree/main", false, ""},
		{"Commits-branch rejected", "https://github.com/acme/ml-proj/commits/main", false, ""},
		{"Wrong host rejected", "https://gitlab.com/acme/ml-proj/commit/abc1234", false, ""},
		{"Plain http rejected", "http://github.com/acme/ml-proj/commit/abc1234", false, ""},
		{"javascript scheme rejected", "javascript:alert(1)", false, ""},
		{"data scheme rejected", "data:text/html,x", false, ""},
		{"Empty", "", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, ok := ParseCommitURL(tt.url)
			if ok != tt.valid {
				t.Fatalf("ParseCommitURL(%q) ok = %v, want %v", tt.url, ok, tt.valid)
			}
			if ok && ref.CommitHash != tt.hash {
				t.Errorf("CommitHash = %q, want %q", ref.CommitHash, tt.hash)
			}
		})
	}
}

func TestFilterPaths(t *testing.T) {
	in := []string{
		"README.md",
		"src/pipeline/orchestrate.py",
		"docs/plan.pdf",
		"assets/logo.png",
		"data/export.csv",
		"logs/run.txt",
		"app/logs/debug.out",
		"package.json",
		"data/dump.json",
		"models/weights.pkl",
		"Dockerfile",
	}
	want := []string{
		"README.md",
		"src/pipeline/orchestrate.py",
		"package.json",
		"Dockerfile",
	}
	if got := FilterPaths(in); !reflect.DeepEqual(got, want) {
		t.Errorf("FilterPaths() = %v, want %v", got, want)
	}
}

func TestPassesGuardrailJSONAllowSet(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"package.json", true},
		{"frontend/tsconfig.json", true},
		{"components.json", true},
		{"dashboard.json", true},
		{"data/records.json", false},
		{"notebooks/output.json", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := PassesGuardrail(tt.path); got != tt.want {
				t.Errorf("PassesGuardrail(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func treeResponse(paths ...string) string {
	type entry struct {
		Path string `json:"path"`
		Type string `json:"type"`
	}
	entries := make([]entry, len(paths))
	for i, p := range paths {
		entries[i] = entry{Path: p, Type: "blob"}
	}
	b, _ := json.Marshal(map[string]interface{}{"tree": entries, "truncated": false})
	return string(b)
}

func TestListTreeRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(treeResponse("README.md", "src/main.py", "docs/plan.pdf")))
	}))
	defer srv.Close()

	c := NewClient(Config{APIBase: srv.URL})
	ref := models.CommitRef{Owner: "acme", Repo: "ml-proj", CommitHash: "abc1234"}

	paths, err := c.ListTree(context.Background(), ref)
	if err != nil {
		t.Fatalf("ListTree() error after retries: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls.Load())
	}
	want := []string{"README.md", "src/main.py"}
	if !reflect.DeepEqual(paths, want) {
		t.Errorf("ListTree() = %v, want %v (PDF must be filtered)", paths, want)
	}
}

func TestListTreeNotFoundDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(Config{APIBase: srv.URL})
	_, err := c.ListTree(context.Background(), models.CommitRef{Owner: "a", Repo: "b", CommitHash: "abc1234"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("404 must not retry: got %d attempts", calls.Load())
	}
}

func TestGetFileSizeCap(t *testing.T) {
	big := strings.Repeat("x", 1024)
	exact := strings.Repeat("y", 512)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "big.py") {
			w.Write([]byte(big))
			return
		}
		w.Write([]byte(exact))
	}))
	defer srv.Close()

	c := NewClient(Config{APIBase: srv.URL, MaxFileBytes: 512})
	ref := models.CommitRef{Owner: "a", Repo: "b", CommitHash: "abc1234"}

	fc, err := c.GetFile(context.Background(), ref, "big.py", nil)
	if err != nil {
		t.Fatalf("GetFile(big) error: %v", err)
	}
	if !fc.Truncated || len(fc.Data) != 0 {
		t.Errorf("Oversized file must return Truncated sentinel with no bytes, got truncated=%v len=%d", fc.Truncated, len(fc.Data))
	}

	fc, err = c.GetFile(context.Background(), ref, "exact.py", nil)
	if err != nil {
		t.Fatalf("GetFile(exact) error: %v", err)
	}
	if fc.Truncated || len(fc.Data) != 512 {
		t.Errorf("File exactly at the cap must be accepted in full, got truncated=%v len=%d", fc.Truncated, len(fc.Data))
	}
}

func TestGetFileBudgetExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("z", 300)))
	}))
	defer srv.Close()

	c := NewClient(Config{APIBase: srv.URL, MaxFileBytes: 512})
	ref := models.CommitRef{Owner: "a", Repo: "b", CommitHash: "abc1234"}
	budget := NewBudget(500)

	if _, err := c.GetFile(context.Background(), ref, "one.py", budget); err != nil {
		t.Fatalf("First GetFile should fit the budget: %v", err)
	}
	// Second fetch drives the counter negative; the third must refuse outright.
	if _, err := c.GetFile(context.Background(), ref, "two.py", budget); err != nil {
		t.Fatalf("Second GetFile consumes the remainder: %v", err)
	}
	if _, err := c.GetFile(context.Background(), ref, "three.py", budget); !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("Expected ErrBudgetExhausted once aggregate cap is spent, got %v", err)
	}
}
