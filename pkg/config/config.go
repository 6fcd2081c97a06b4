package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the engine-wide configuration, loaded from a YAML file with
// environment variable expansion.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Cache      CacheConfig      `yaml:"cache"`
	Events     EventsConfig     `yaml:"events"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Skill      SkillConfig      `yaml:"skill"`
	Tutor      TutorConfig      `yaml:"tutor"`
	Training   TrainingConfig   `yaml:"training"`
	Feedback   FeedbackConfig   `yaml:"feedback"`
	Providers  []ProviderConfig `yaml:"providers"`
	ModelsFile string           `yaml:"models_file"` // model configuration JSON document
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	Type string `yaml:"type"` // "memory" or "postgres"
	DSN  string `yaml:"dsn"`  // for postgres
}

// CacheConfig configures the active-experiment metadata cache.
type CacheConfig struct {
	Backend  string        `yaml:"backend"` // "memory" or "redis"
	RedisURL string        `yaml:"redis_url,omitempty"`
	TTL      time.Duration `yaml:"ttl"`
}

// EventsConfig configures the optional interaction event mirror.
type EventsConfig struct {
	Enabled bool   `yaml:"enabled"`
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// TopicRelation links a topic to a related one for transfer learning.
type TopicRelation struct {
	TopicID  string  `yaml:"topic_id"`
	Strength float64 `yaml:"strength"` // (0,1]
}

// SkillConfig tunes the per-student skill model.
type SkillConfig struct {
	GrowthRate    float64                    `yaml:"growth_rate"`
	HistoryLimit  int                        `yaml:"history_limit"`
	RelatedTopics map[string][]TopicRelation `yaml:"related_topics"`
}

// ProviderConfig describes one registered chat-completion provider.
type ProviderConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Type     string `yaml:"type"` // openai, anthropic, local, custom, ollama
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key,omitempty"`
	Model    string `yaml:"model,omitempty"`
	Enabled  bool   `yaml:"enabled"`
}

// TutorConfig tunes the tutor router.
type TutorConfig struct {
	AttemptTimeout time.Duration `yaml:"attempt_timeout"` // per provider call
	TurnBudget     time.Duration `yaml:"turn_budget"`     // hard limit per tutoring turn
	HistoryLimit   int           `yaml:"history_limit"`   // conversation turns kept in the prompt
}

// TrainingConfig tunes the training scheduler and corpus.
type TrainingConfig struct {
	CheckInterval         time.Duration `yaml:"check_interval"`
	TrainingIntervalDays  int           `yaml:"training_interval_days"`
	MinDataThreshold      int           `yaml:"min_data_threshold"`
	SatisfactionThreshold float64       `yaml:"satisfaction_threshold"`
	DeployThreshold       float64       `yaml:"deploy_threshold"` // minimum accuracy for auto-deploy
	MinConfidence         float64       `yaml:"min_confidence"`   // corpus acceptance floor
	CorpusDir             string        `yaml:"corpus_dir"`
	TrainerCommand        []string      `yaml:"trainer_command"`
	DeployProvider        string        `yaml:"deploy_provider"` // provider id new models are served by
}

// FeedbackConfig tunes the collector's fan-out queue.
type FeedbackConfig struct {
	QueueSize int `yaml:"queue_size"`
	Workers   int `yaml:"workers"`
}

// Load reads configuration from a YAML file at the specified path.
// Environment variables (e.g. ${DATABASE_URL}) are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Type: "memory",
		},
		Cache: CacheConfig{
			Backend: "memory",
			TTL:     5 * time.Minute,
		},
		Events: EventsConfig{
			Enabled: false,
			NATSURL: "nats://localhost:4222",
			Subject: "darasa.interactions",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Skill: SkillConfig{
			GrowthRate:   0.1,
			HistoryLimit: 100,
		},
		Tutor: TutorConfig{
			AttemptTimeout: 30 * time.Second,
			TurnBudget:     60 * time.Second,
			HistoryLimit:   6,
		},
		Training: TrainingConfig{
			CheckInterval:         24 * time.Hour,
			TrainingIntervalDays:  7,
			MinDataThreshold:      100,
			SatisfactionThreshold: 0.7,
			DeployThreshold:       0.85,
			MinConfidence:         0.85,
			CorpusDir:             "./data/corpus",
			TrainerCommand:        []string{"darasa-trainer"},
			DeployProvider:        "local",
		},
		Feedback: FeedbackConfig{
			QueueSize: 1024,
			Workers:   4,
		},
		ModelsFile: "./data/models.json",
	}
}
