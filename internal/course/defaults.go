package course

import (
	"log"

	"github.com/zoomjudge/eval-engine/pkg/models"
)

// Default returns the built-in catalog so the engine runs without a config
// file. COURSES_CONFIG overrides it wholesale (no merging).
func Default() *Catalog {
	c, err := build(defaultCourses())
	if err != nil {
		// The built-in table is static; a failure here is a programming error.
		log.Fatalf("[Course] FATAL: built-in catalog invalid: %v", err)
	}
	return c
}

func defaultCourses() []models.Course {
	return []models.Course{
		{
			ID:          "mlops",
			DisplayName: "MLOps Zoomcamp",
			Criteria: []models.Criterion{
				{Name: "Problem description", MaxScore: 2, EvidenceHints: []string{"README*", "docs/*", "problem", "description"}},
				{Name: "Experiment tracking", MaxScore: 2, EvidenceHints: []string{"*.py", "mlflow", "wandb", "experiment", "tracking"}},
				{Name: "Workflow orchestration", MaxScore: 2, EvidenceHints: []string{"src/pipeline/*", "dags/*", "orchestrate", "prefect", "airflow", "flow"}},
				{Name: "Model deployment", MaxScore: 2, EvidenceHints: []string{"Dockerfile", "docker-compose*", "deploy", "serve", "predict", "app.py"}},
				{Name: "Model monitoring", MaxScore: 2, EvidenceHints: []string{"monitor", "evidently", "drift", "dashboard.json"}},
				{Name: "Reproducibility", MaxScore: 2, EvidenceHints: []string{"requirements.txt", "pyproject.toml", "Pipfile", "Makefile", "setup.py"}},
				{Name: "Infrastructure as code", MaxScore: 2, EvidenceHints: []string{"terraform/*", "*.tf", "infra", "pulumi"}},
			},
			Aliases: map[string]string{
				"iac":               "Infrastructure as code",
				"monitoring":        "Model monitoring",
				"deployment":        "Model deployment",
				"orchestration":     "Workflow orchestration",
				"experiment_tracking": "Experiment tracking",
			},
			HotPrefixes: []string{"src/pipeline/", "src/", "terraform/", "deployment/"},
		},
		{
			ID:          "data-engineering",
			DisplayName: "Data Engineering Zoomcamp",
			Criteria: []models.Criterion{
				{Name: "Problem description", MaxScore: 2, EvidenceHints: []string{"README*", "docs/*"}},
				{Name: "Cloud", MaxScore: 4, EvidenceHints: []string{"terraform/*", "*.tf", "cloud", "gcp", "aws", "bigquery"}},
				{Name: "Data ingestion", MaxScore: 4, EvidenceHints: []string{"ingest", "extract", "load", "kafka", "dags/*", "*.py"}},
				{Name: "Data warehouse", MaxScore: 4, EvidenceHints: []string{"*.sql", "warehouse", "bigquery", "snowflake", "schema"}},
				{Name: "Transformations (dbt, spark, etc)", MaxScore: 4, EvidenceHints: []string{"dbt/*", "dbt_project.yml", "spark", "transform", "models/*.sql"}},
				{Name: "Dashboard", MaxScore: 4, EvidenceHints: []string{"dashboard.json", "dashboard", "looker", "metabase"}},
				{Name: "Reproducibility", MaxScore: 4, EvidenceHints: []string{"README*", "Makefile", "docker-compose*", "requirements.txt"}},
			},
			Aliases: map[string]string{
				"transformations": "Transformations (dbt, spark, etc)",
				"dwh":             "Data warehouse",
				"ingestion":       "Data ingestion",
			},
			HotPrefixes: []string{"dbt/", "terraform/", "dags/", "flows/", "src/"},
		},
		{
			ID:          "llm-zoomcamp",
			DisplayName: "LLM Zoomcamp",
			Criteria: []models.Criterion{
				{Name: "Problem description", MaxScore: 2, EvidenceHints: []string{"README*", "docs/*"}},
				{Name: "Retrieval flow", MaxScore: 2, EvidenceHints: []string{"rag", "retrieval", "search", "elastic", "qdrant", "*.py"}},
				{Name: "Retrieval evaluation", MaxScore: 2, EvidenceHints: []string{"eval", "hit_rate", "mrr", "ground_truth", "notebooks/*"}},
				{Name: "LLM evaluation", MaxScore: 2, EvidenceHints: []string{"eval", "judge", "prompt", "cosine"}},
				{Name: "Interface", MaxScore: 2, EvidenceHints: []string{"app.py", "streamlit", "ui", "api", "flask", "fastapi"}},
				{Name: "Ingestion pipeline", MaxScore: 2, EvidenceHints: []string{"ingest", "index", "pipeline", "prefect"}},
				{Name: "Monitoring", MaxScore: 2, EvidenceHints: []string{"monitor", "feedback", "grafana", "dashboard.json"}},
				{Name: "Containerization", MaxScore: 2, EvidenceHints: []string{"Dockerfile", "docker-compose*"}},
				{Name: "Reproducibility", MaxScore: 2, EvidenceHints: []string{"README*", "requirements.txt", "Makefile"}},
			},
			Aliases: map[string]string{
				"rag flow":       "Retrieval flow",
				"containerisation": "Containerization",
				"ui":             "Interface",
			},
			HotPrefixes: []string{"src/", "app/", "notebooks/", "ingest/"},
		},
		{
			ID:          "machine-learning",
			DisplayName: "Machine Learning Zoomcamp",
			Criteria: []models.Criterion{
				{Name: "Problem description", MaxScore: 2, EvidenceHints: []string{"README*"}},
				{Name: "EDA", MaxScore: 2, EvidenceHints: []string{"notebooks/*", "*.ipynb", "eda", "analysis"}},
				{Name: "Model training", MaxScore: 3, EvidenceHints: []string{"train", "model.py", "*.py", "tuning"}},
				{Name: "Exporting notebook to script", MaxScore: 1, EvidenceHints: []string{"train.py", "script"}},
				{Name: "Model deployment", MaxScore: 2, EvidenceHints: []string{"predict", "serve", "app.py", "flask", "lambda"}},
				{Name: "Dependency and environment management", MaxScore: 2, EvidenceHints: []string{"requirements.txt", "Pipfile", "pyproject.toml"}},
				{Name: "Containerization", MaxScore: 2, EvidenceHints: []string{"Dockerfile", "docker-compose*"}},
				{Name: "Cloud deployment", MaxScore: 2, EvidenceHints: []string{"deploy", "cloud", "terraform/*", "eb", "kube"}},
			},
			Aliases: map[string]string{
				"exploratory data analysis": "EDA",
				"deployment":                "Model deployment",
			},
			HotPrefixes: []string{"src/", "notebooks/", "deployment/"},
		},
		{
			ID:          "stock-markets",
			DisplayName: "Stock Markets Analytics Zoomcamp",
			Criteria: []models.Criterion{
				{Name: "Problem description", MaxScore: 2, EvidenceHints: []string{"README*"}},
				{Name: "Data sources", MaxScore: 2, EvidenceHints: []string{"download", "yfinance", "api", "ingest"}},
				{Name: "Feature engineering", MaxScore: 2, EvidenceHints: []string{"features", "indicators", "transform"}},
				{Name: "Modeling", MaxScore: 2, EvidenceHints: []string{"model", "train", "predict", "backtest"}},
				{Name: "Automation", MaxScore: 2, EvidenceHints: []string{"Makefile", "cron", "workflow", "dags/*"}},
			},
			HotPrefixes: []string{"src/", "notebooks/"},
		},
	}
}
