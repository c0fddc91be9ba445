package course

import (
	"fmt"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zoomjudge/eval-engine/pkg/models"
)

// Catalog holds every known course rubric, loaded once at startup. Unknown
// course ids are caller errors, not runtime failures: nothing here touches
// the network or the database after load.
//
// The criterion alias tables ride along in the course records (configuration,
// not code) so the label spellings a grading model invents can be reconciled
// without a redeploy.
type Catalog struct {
	courses map[string]models.Course
	order   []string
}

// Load reads a YAML catalog from disk. An empty path falls back to the
// built-in defaults.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("course: read catalog: %w", err)
	}
	return Parse(data)
}

// Parse builds a catalog from YAML bytes.
func Parse(data []byte) (*Catalog, error) {
	var doc struct {
		Courses []models.Course `yaml:"courses"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("course: decode catalog: %w", err)
	}
	return build(doc.Courses)
}

func build(courses []models.Course) (*Catalog, error) {
	c := &Catalog{courses: make(map[string]models.Course)}
	for _, crs := range courses {
		if crs.ID == "" {
			return nil, fmt.Errorf("course: catalog entry missing id")
		}
		if len(crs.Criteria) == 0 {
			return nil, fmt.Errorf("course %q: zero criteria", crs.ID)
		}
		if _, dup := c.courses[crs.ID]; dup {
			return nil, fmt.Errorf("course %q: duplicate id", crs.ID)
		}
		total := 0
		for _, crit := range crs.Criteria {
			if crit.Name == "" || crit.MaxScore <= 0 {
				return nil, fmt.Errorf("course %q: criterion %q invalid", crs.ID, crit.Name)
			}
			total += crit.MaxScore
		}
		if crs.MaxTotalScore == 0 {
			crs.MaxTotalScore = total
		}
		c.courses[crs.ID] = crs
		c.order = append(c.order, crs.ID)
	}
	if len(c.courses) == 0 {
		return nil, fmt.Errorf("course: empty catalog")
	}
	log.Printf("[Course] Loaded %d course rubrics", len(c.courses))
	return c, nil
}

// Get returns a course by id.
func (c *Catalog) Get(id string) (models.Course, bool) {
	crs, ok := c.courses[id]
	return crs, ok
}

// IDs returns the course ids in load order.
func (c *Catalog) IDs() []string {
	return append([]string(nil), c.order...)
}

// Criteria returns the authoritative, ordered rubric for a course.
func (c *Catalog) Criteria(courseID string) []models.Criterion {
	crs, ok := c.courses[courseID]
	if !ok {
		return nil
	}
	return append([]models.Criterion(nil), crs.Criteria...)
}

// CanonicalName maps a model-produced criterion label onto the course's
// canonical spelling. Matching is case- and whitespace-insensitive, then
// alias-table driven, then prefix-based as a last resort. Every downstream
// component goes through this single function so render order always matches
// the rubric.
func (c *Catalog) CanonicalName(courseID, raw string) string {
	crs, ok := c.courses[courseID]
	if !ok {
		return raw
	}
	norm := normalizeLabel(raw)

	for _, crit := range crs.Criteria {
		if normalizeLabel(crit.Name) == norm {
			return crit.Name
		}
	}
	for alias, canonical := range crs.Aliases {
		if normalizeLabel(alias) == norm {
			return canonical
		}
	}
	// Last resort: a model label that is a prefix of exactly one canonical
	// name (e.g. "Transformations" for "Transformations (dbt, spark, etc)").
	var match string
	for _, crit := range crs.Criteria {
		if strings.HasPrefix(normalizeLabel(crit.Name), norm) {
			if match != "" {
				return raw
			}
			match = crit.Name
		}
	}
	if match != "" {
		return match
	}
	return raw
}

func normalizeLabel(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
