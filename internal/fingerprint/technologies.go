package fingerprint

import "strings"

// Technology inference maps file extensions and well-known basenames onto a
// fixed vocabulary. The table is deliberately closed: unknown extensions
// contribute to fileTypes but never invent a technology label, so two crawls
// of the same repo always agree.

var extTechnologies = map[string][]string{
	".py":    {"python"},
	".ipynb": {"python", "jupyter"},
	".sql":   {"sql"},
	".tf":    {"terraform"},
	".tfvars": {"terraform"},
	".go":    {"go"},
	".js":    {"javascript"},
	".jsx":   {"javascript"},
	".ts":    {"typescript"},
	".tsx":   {"typescript"},
	".yml":   {"yaml"},
	".yaml":  {"yaml"},
	".sh":    {"shell"},
	".java":  {"java"},
	".scala": {"scala"},
	".r":     {"r"},
	".rs":    {"rust"},
}

var basenameTechnologies = map[string][]string{
	"dockerfile":         {"docker"},
	"docker-compose.yml": {"docker"},
	"docker-compose.yaml": {"docker"},
	"dbt_project.yml":    {"dbt"},
	"requirements.txt":   {"python"},
	"pyproject.toml":     {"python"},
	"setup.py":           {"python"},
	"pipfile":            {"python"},
	"package.json":       {"node", "javascript"},
	"tsconfig.json":      {"typescript"},
	"go.mod":             {"go"},
	"makefile":           {"make"},
	"cargo.toml":         {"rust"},
	"pom.xml":            {"java"},
	"build.sbt":          {"scala"},
}

// keyManifests are the basenames whose presence marks a "pattern file" for
// the size category, alongside READMEs and the technology manifests above.
var keyManifests = map[string]bool{
	"dockerfile":          true,
	"docker-compose.yml":  true,
	"docker-compose.yaml": true,
	"dbt_project.yml":     true,
	"requirements.txt":    true,
	"pyproject.toml":      true,
	"setup.py":            true,
	"package.json":        true,
	"tsconfig.json":       true,
	"go.mod":              true,
	"makefile":            true,
	"cargo.toml":          true,
	"pom.xml":             true,
	"build.sbt":           true,
}

func techForFile(base, ext, fullPath string) ([]string, bool) {
	var out []string
	if t, ok := extTechnologies[ext]; ok {
		out = append(out, t...)
	}
	if t, ok := basenameTechnologies[strings.ToLower(base)]; ok {
		out = append(out, t...)
	}
	// Directory-carried signals: terraform/ and .github/workflows/ identify
	// their stacks even when individual files are generically named.
	lower := strings.ToLower(fullPath)
	if strings.HasPrefix(lower, "terraform/") || strings.Contains(lower, "/terraform/") {
		out = append(out, "terraform")
	}
	if strings.HasPrefix(lower, ".github/workflows/") {
		out = append(out, "ci")
	}
	if strings.HasPrefix(lower, "dbt/") || strings.Contains(lower, "/dbt/") {
		out = append(out, "dbt")
	}
	return out, len(out) > 0
}

// isPatternFile reports whether the file counts toward the size category:
// source files in recognized languages, READMEs, and key manifests.
func isPatternFile(base, ext string) bool {
	if _, ok := extTechnologies[ext]; ok {
		return true
	}
	lower := strings.ToLower(base)
	if keyManifests[lower] {
		return true
	}
	return strings.HasPrefix(lower, "readme")
}
