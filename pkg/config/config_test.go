package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  type: postgres
  dsn: postgres://localhost/darasa
tutor:
  attempt_timeout: 10s
skill:
  growth_rate: 0.2
  related_topics:
    algebra:
      - topic_id: geometry
        strength: 0.5
providers:
  - id: p1
    name: Primary
    type: openai
    endpoint: https://api.example.com/v1
    enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Type != "postgres" {
		t.Errorf("database type = %q, want postgres", cfg.Database.Type)
	}
	if cfg.Tutor.AttemptTimeout != 10*time.Second {
		t.Errorf("attempt timeout = %v, want 10s", cfg.Tutor.AttemptTimeout)
	}
	if cfg.Skill.GrowthRate != 0.2 {
		t.Errorf("growth rate = %v, want 0.2", cfg.Skill.GrowthRate)
	}
	rel := cfg.Skill.RelatedTopics["algebra"]
	if len(rel) != 1 || rel[0].TopicID != "geometry" || rel[0].Strength != 0.5 {
		t.Errorf("related topics = %+v, want one geometry link at 0.5", rel)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].ID != "p1" {
		t.Errorf("providers = %+v, want [p1]", cfg.Providers)
	}

	// Untouched sections keep their defaults.
	if cfg.Tutor.TurnBudget != 60*time.Second {
		t.Errorf("turn budget = %v, want the 60s default", cfg.Tutor.TurnBudget)
	}
	if cfg.Training.MinDataThreshold != 100 {
		t.Errorf("min data threshold = %d, want 100", cfg.Training.MinDataThreshold)
	}
	if cfg.Feedback.QueueSize != 1024 {
		t.Errorf("queue size = %d, want 1024", cfg.Feedback.QueueSize)
	}
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("DARASA_TEST_DSN", "postgres://env-host/darasa")
	t.Setenv("DARASA_TEST_KEY", "sk-secret")

	path := writeConfig(t, `
database:
  type: postgres
  dsn: ${DARASA_TEST_DSN}
providers:
  - id: p1
    type: openai
    api_key: ${DARASA_TEST_KEY}
    enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.DSN != "postgres://env-host/darasa" {
		t.Errorf("dsn = %q, want the expanded value", cfg.Database.DSN)
	}
	if cfg.Providers[0].APIKey != "sk-secret" {
		t.Errorf("api key = %q, want the expanded value", cfg.Providers[0].APIKey)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() on a missing file should fail")
	}
}

func TestLoad_Malformed(t *testing.T) {
	path := writeConfig(t, "database: [not a mapping")
	if _, err := Load(path); err == nil {
		t.Error("Load() on malformed YAML should fail")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Database.Type != "memory" {
		t.Errorf("database type = %q, want memory", cfg.Database.Type)
	}
	if cfg.Cache.TTL != 5*time.Minute {
		t.Errorf("cache ttl = %v, want 5m", cfg.Cache.TTL)
	}
	if cfg.Training.DeployProvider != "local" {
		t.Errorf("deploy provider = %q, want local", cfg.Training.DeployProvider)
	}
	if cfg.Skill.GrowthRate != 0.1 {
		t.Errorf("growth rate = %v, want 0.1", cfg.Skill.GrowthRate)
	}
}
