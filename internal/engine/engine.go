// Package engine wires the tutoring components together and exposes the
// transport-agnostic operations an outer surface calls.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/darasa-ai/darasa/internal/cache"
	"github.com/darasa-ai/darasa/internal/corpus"
	"github.com/darasa-ai/darasa/internal/events"
	"github.com/darasa-ai/darasa/internal/experiment"
	"github.com/darasa-ai/darasa/internal/feedback"
	"github.com/darasa-ai/darasa/internal/metrics"
	"github.com/darasa-ai/darasa/internal/modelconfig"
	"github.com/darasa-ai/darasa/internal/provider"
	"github.com/darasa-ai/darasa/internal/recommend"
	"github.com/darasa-ai/darasa/internal/skill"
	"github.com/darasa-ai/darasa/internal/store"
	"github.com/darasa-ai/darasa/internal/trainer"
	"github.com/darasa-ai/darasa/internal/tutor"
	"github.com/darasa-ai/darasa/pkg/config"
	"github.com/darasa-ai/darasa/pkg/models"
)

// ErrInvalidArgument is returned when an operation's inputs fail
// validation before reaching a component.
var ErrInvalidArgument = errors.New("invalid argument")

// Engine is the assembled tutoring system.
type Engine struct {
	cfg *config.Config

	store       store.Store
	cache       cache.Backend
	metrics     *metrics.Metrics
	models      *modelconfig.Store
	providers   *provider.Registry
	router      *tutor.Router
	skill       *skill.Model
	scorer      *recommend.Scorer
	experiments *experiment.Registry
	collector   *feedback.Collector
	corpus      *corpus.Corpus
	scheduler   *trainer.Scheduler
	events      events.Publisher

	stopWatch  func()
	memCache   *cache.Memory
	redisCache *cache.Redis
}

// recorder feeds the collector and mirrors persisted interactions onto the
// event bus.
type recorder struct {
	collector *feedback.Collector
	publisher events.Publisher
}

func (r recorder) Record(ctx context.Context, in *models.Interaction) error {
	if err := r.collector.Record(ctx, in); err != nil {
		return err
	}
	r.publisher.PublishInteraction(in)
	return nil
}

// New builds an engine from configuration. Call Start to launch the
// background loops and Close to tear everything down.
func New(cfg *config.Config) (*Engine, error) {
	e := &Engine{cfg: cfg, metrics: metrics.New()}

	switch cfg.Database.Type {
	case "", "memory":
		e.store = store.NewMemory()
	case "postgres":
		st, err := store.NewPostgres(cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		e.store = st
	default:
		return nil, fmt.Errorf("unknown database type %q", cfg.Database.Type)
	}

	switch cfg.Cache.Backend {
	case "", "memory":
		e.memCache = cache.NewMemory(cfg.Cache.TTL)
		e.cache = e.memCache
	case "redis":
		rc, err := cache.NewRedis(cfg.Cache.RedisURL, "darasa")
		if err != nil {
			return nil, fmt.Errorf("failed to open cache: %w", err)
		}
		e.redisCache = rc
		e.cache = rc
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}

	mc, err := modelconfig.NewStore(cfg.ModelsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load model configuration: %w", err)
	}
	e.models = mc

	e.providers = provider.NewRegistry()
	for _, pc := range cfg.Providers {
		pc := pc
		err := e.providers.Register(&provider.Config{
			ID:       pc.ID,
			Name:     pc.Name,
			Type:     pc.Type,
			Endpoint: pc.Endpoint,
			APIKey:   pc.APIKey,
			Model:    pc.Model,
			Enabled:  pc.Enabled,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to register provider %s: %w", pc.ID, err)
		}
	}

	e.events = events.Nop{}
	if cfg.Events.Enabled {
		pub, err := events.NewNATS(cfg.Events.NATSURL, cfg.Events.Subject)
		if err != nil {
			// The mirror is best-effort; run without it.
			log.Printf("engine: event mirror unavailable, continuing without it: %v", err)
		} else {
			e.events = pub
		}
	}

	e.skill = skill.NewModel(e.store, cfg.Skill)
	e.scorer = recommend.NewScorer(e.store)
	e.experiments = experiment.NewRegistry(e.store, e.cache, cfg.Cache.TTL, e.metrics)
	e.collector = feedback.NewCollector(e.store, cfg.Feedback, e.metrics)
	e.corpus = corpus.New(e.store, cfg.Training.CorpusDir, cfg.Training.MinConfidence,
		func(gradeLevel int, subject string) string {
			return tutor.SystemPrompt(gradeLevel, subject, "")
		}, e.metrics)

	e.collector.SetSkill(e.skill)
	e.collector.SetExperiments(e.experiments)
	e.collector.SetCorpus(e.corpus)

	e.router = tutor.NewRouter(e.providers, e.models, tutor.NewBackup(), cfg.Tutor, e.metrics)
	e.router.SetExperiments(e.experiments)
	e.router.SetRecorder(recorder{collector: e.collector, publisher: e.events})

	e.scheduler = trainer.NewScheduler(e.store, e.corpus, e.experiments, e.models, cfg.Training, e.metrics)

	return e, nil
}

// Start launches the fan-out workers, the model-file watcher, and the
// training loop.
func (e *Engine) Start() error {
	e.collector.Start()

	stop, err := e.models.Watch()
	if err != nil {
		log.Printf("engine: model configuration watch unavailable: %v", err)
	} else {
		e.stopWatch = stop
	}

	e.scheduler.Start()
	return nil
}

// Close stops background work and releases resources.
func (e *Engine) Close() error {
	e.scheduler.Stop()
	e.collector.Stop()
	if e.stopWatch != nil {
		e.stopWatch()
	}
	e.events.Close()
	if e.memCache != nil {
		e.memCache.Close()
	}
	if e.redisCache != nil {
		e.redisCache.Close()
	}
	return e.store.Close()
}

// Providers exposes the provider registry (CLI model listing).
func (e *Engine) Providers() *provider.Registry { return e.providers }

// Models exposes the model configuration store.
func (e *Engine) Models() *modelconfig.Store { return e.models }

// Scheduler exposes the training scheduler.
func (e *Engine) Scheduler() *trainer.Scheduler { return e.scheduler }

// Respond serves one tutoring turn.
func (e *Engine) Respond(ctx context.Context, req *tutor.Request) (*tutor.Response, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("%w: prompt required", ErrInvalidArgument)
	}
	if req.GradeLevel < 1 || req.GradeLevel > 12 {
		return nil, fmt.Errorf("%w: grade level %d out of range [1,12]", ErrInvalidArgument, req.GradeLevel)
	}
	return e.router.Respond(ctx, req)
}

// FeedbackRequest carries feedback on a tutoring turn. When InteractionID
// is empty the message/response pair is recorded as a new interaction.
type FeedbackRequest struct {
	InteractionID string          `json:"interaction_id,omitempty"`
	Message       string          `json:"message"`
	Response      string          `json:"response"`
	Feedback      string          `json:"feedback"`
	GradeLevel    int             `json:"grade_level"`
	Subject       string          `json:"subject"`
	Ratings       *models.Ratings `json:"ratings,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
}

// SubmitFeedback attaches feedback to an interaction (or records a new one)
// and returns improvement suggestions for the caller.
func (e *Engine) SubmitFeedback(ctx context.Context, req *FeedbackRequest) ([]string, error) {
	if req.InteractionID != "" {
		if err := e.collector.SubmitFeedback(ctx, req.InteractionID, req.Feedback, req.Ratings); err != nil {
			return nil, err
		}
		return feedback.Suggestions(req.Feedback, req.Ratings), nil
	}

	in := &models.Interaction{
		Timestamp:  time.Now().UTC(),
		UserID:     req.UserID,
		GradeLevel: req.GradeLevel,
		Subject:    req.Subject,
		Question:   req.Message,
		Response:   req.Response,
		Feedback:   req.Feedback,
		Ratings:    req.Ratings,
		Confidence: 1.0, // human-confirmed pair
		Success:    true,
	}
	if err := e.collector.Record(ctx, in); err != nil {
		return nil, err
	}
	e.events.PublishInteraction(in)
	return feedback.Suggestions(req.Feedback, req.Ratings), nil
}

// TrackActivity folds one learning activity into the student's profile and
// returns the adaptations that resulted.
func (e *Engine) TrackActivity(ctx context.Context, userID string, gradeLevel int, activity models.ActivityRecord) ([]models.Adaptation, error) {
	return e.skill.Update(ctx, userID, gradeLevel, activity)
}

// Profile returns the student's current learning profile.
func (e *Engine) Profile(ctx context.Context, userID string) (*models.LearningProfile, error) {
	return e.skill.Snapshot(ctx, userID)
}

// Recommend returns ranked content for a student.
func (e *Engine) Recommend(ctx context.Context, userID, subject, topicID string, count int) ([]models.Recommendation, error) {
	recs, err := e.scorer.Recommend(ctx, userID, subject, topicID, count)
	if err != nil {
		return nil, err
	}
	e.metrics.Recommendations.Inc()
	return recs, nil
}

// AddContent registers a catalogue entry.
func (e *Engine) AddContent(ctx context.Context, c *models.Content) error {
	if c.ID == "" || c.TopicID == "" {
		return fmt.Errorf("%w: content id and topic id required", ErrInvalidArgument)
	}
	return e.store.SaveContent(ctx, c)
}

// CreateExperiment registers a new A/B test and returns it.
func (e *Engine) CreateExperiment(ctx context.Context, name string, variants []models.Variant, trafficSplit map[string]float64, durationDays int) (*models.Experiment, error) {
	return e.experiments.Create(ctx, name, variants, trafficSplit, durationDays)
}

// ExperimentResults aggregates an experiment's event log.
func (e *Engine) ExperimentResults(ctx context.Context, experimentID string) (*experiment.Results, error) {
	return e.experiments.Results(ctx, experimentID)
}

// TrainingStatus reports the scheduler's state.
func (e *Engine) TrainingStatus(ctx context.Context) (*trainer.Status, error) {
	return e.scheduler.Status(ctx)
}

// TriggerTraining starts a training job outside the loop's schedule.
func (e *Engine) TriggerTraining(ctx context.Context) (string, error) {
	return e.scheduler.Trigger(ctx)
}
