// Package feedback is the single write path for interaction records. It
// persists each record, then fans out to the skill model, the experiment
// registry, and the training corpus over a bounded work queue.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/darasa-ai/darasa/internal/metrics"
	"github.com/darasa-ai/darasa/internal/store"
	"github.com/darasa-ai/darasa/pkg/config"
	"github.com/darasa-ai/darasa/pkg/models"
)

// ErrInvalidArgument is returned when a record or feedback value fails
// validation.
var ErrInvalidArgument = errors.New("invalid argument")

const fanoutTimeout = 15 * time.Second

// SkillUpdater is the slice of the skill model the collector fans out to.
type SkillUpdater interface {
	Update(ctx context.Context, userID string, gradeLevel int, activity models.ActivityRecord) ([]models.Adaptation, error)
}

// Tracker is the slice of the experiment registry the collector fans out to.
type Tracker interface {
	Track(ctx context.Context, ev *models.ABEvent)
}

// CorpusNotifier is told about every persisted record so the corpus can
// keep its pending count warm.
type CorpusNotifier interface {
	Consider(ctx context.Context, in *models.Interaction)
}

// task is one queued fan-out unit.
type task struct {
	target string
	run    func(ctx context.Context) error
}

// Collector persists interactions and distributes them to downstream
// consumers. Saturation drops fan-out work, never the record itself.
type Collector struct {
	store   store.Store
	metrics *metrics.Metrics

	skill       SkillUpdater
	experiments Tracker
	corpus      CorpusNotifier

	queue chan task
	wg    sync.WaitGroup
	stop  chan struct{}
	once  sync.Once

	workers int
}

// NewCollector creates a feedback collector. Call Start before recording.
func NewCollector(st store.Store, cfg config.FeedbackConfig, m *metrics.Metrics) *Collector {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Collector{
		store:   st,
		metrics: m,
		queue:   make(chan task, cfg.QueueSize),
		stop:    make(chan struct{}),
		workers: cfg.Workers,
	}
}

// SetSkill wires the skill model in.
func (c *Collector) SetSkill(s SkillUpdater) { c.skill = s }

// SetExperiments wires the experiment registry in.
func (c *Collector) SetExperiments(t Tracker) { c.experiments = t }

// SetCorpus wires the training corpus in.
func (c *Collector) SetCorpus(n CorpusNotifier) { c.corpus = n }

// Start launches the fan-out workers.
func (c *Collector) Start() {
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
}

// Stop drains the workers. Queued work submitted before Stop completes.
func (c *Collector) Stop() {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
}

func (c *Collector) worker() {
	defer c.wg.Done()
	for {
		select {
		case t := <-c.queue:
			ctx, cancel := context.WithTimeout(context.Background(), fanoutTimeout)
			if err := t.run(ctx); err != nil {
				log.Printf("feedback: %s fan-out failed: %v", t.target, err)
				if c.metrics != nil {
					c.metrics.FanoutErrors.WithLabelValues(t.target).Inc()
				}
			}
			cancel()
		case <-c.stop:
			// Drain what is already queued, then exit.
			for {
				select {
				case t := <-c.queue:
					ctx, cancel := context.WithTimeout(context.Background(), fanoutTimeout)
					if err := t.run(ctx); err != nil {
						log.Printf("feedback: %s fan-out failed: %v", t.target, err)
					}
					cancel()
				default:
					return
				}
			}
		}
	}
}

// enqueue submits fan-out work without blocking; a full queue drops the
// work and counts it.
func (c *Collector) enqueue(t task) {
	select {
	case c.queue <- t:
	default:
		log.Printf("feedback: queue full, dropping %s fan-out", t.target)
		if c.metrics != nil {
			c.metrics.FanoutDropped.WithLabelValues(t.target).Inc()
		}
	}
}

func validFeedback(f string) bool {
	switch f {
	case "", models.FeedbackPositive, models.FeedbackNegative, models.FeedbackNeutral:
		return true
	}
	return false
}

// Record persists one interaction and fans it out. Duplicates (same user,
// timestamp, and question) are collapsed silently.
func (c *Collector) Record(ctx context.Context, in *models.Interaction) error {
	if in.Question == "" || in.Response == "" {
		return fmt.Errorf("%w: question and response required", ErrInvalidArgument)
	}
	if !validFeedback(in.Feedback) {
		return fmt.Errorf("%w: unknown feedback %q", ErrInvalidArgument, in.Feedback)
	}
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now().UTC()
	}

	if in.UserID != "" {
		dup, err := c.store.HasInteraction(ctx, in.UserID, in.Timestamp, in.Question)
		if err != nil {
			return fmt.Errorf("failed to check for duplicate: %w", err)
		}
		if dup {
			if c.metrics != nil {
				c.metrics.DuplicatesCollapsed.Inc()
			}
			return nil
		}
	}

	if err := c.store.SaveInteraction(ctx, in); err != nil {
		return fmt.Errorf("failed to save interaction: %w", err)
	}
	if c.metrics != nil {
		c.metrics.InteractionsRecorded.Inc()
	}

	c.fanOut(in)
	return nil
}

// fanOut enqueues the downstream updates for a freshly persisted record.
func (c *Collector) fanOut(in *models.Interaction) {
	rec := *in

	if c.skill != nil && rec.UserID != "" && rec.Score != nil {
		topicID := rec.TopicID
		if topicID == "" {
			topicID = rec.Subject
		}
		if topicID != "" {
			activity := models.ActivityRecord{
				TopicID:         topicID,
				ActivityType:    "tutoring",
				Score:           *rec.Score,
				DurationSeconds: rec.ResponseTimeSeconds,
				Engagement:      engagementFromFeedback(rec.Feedback),
				Completed:       true,
				Timestamp:       rec.Timestamp,
			}
			c.enqueue(task{target: "skill", run: func(ctx context.Context) error {
				_, err := c.skill.Update(ctx, rec.UserID, rec.GradeLevel, activity)
				return err
			}})
		}
	}

	if c.experiments != nil && rec.ExperimentID != "" && rec.VariantID != "" {
		ev := interactionEvent(&rec)
		c.enqueue(task{target: "experiment", run: func(ctx context.Context) error {
			c.experiments.Track(ctx, ev)
			return nil
		}})
	}

	if c.corpus != nil {
		c.enqueue(task{target: "corpus", run: func(ctx context.Context) error {
			c.corpus.Consider(ctx, &rec)
			return nil
		}})
	}
}

// engagementFromFeedback maps feedback polarity onto a coarse engagement
// sample for the skill model.
func engagementFromFeedback(feedback string) float64 {
	switch feedback {
	case models.FeedbackPositive:
		return 0.8
	case models.FeedbackNegative:
		return 0.2
	default:
		return 0.5
	}
}

// interactionEvent shapes the A/B observation for one tutoring turn.
func interactionEvent(in *models.Interaction) *models.ABEvent {
	m := map[string]float64{
		"response_time": in.ResponseTimeSeconds,
		"accuracy":      in.Confidence,
	}
	if in.Feedback == models.FeedbackPositive {
		m["positive"] = 1
	} else {
		m["positive"] = 0
	}
	return &models.ABEvent{
		ExperimentID: in.ExperimentID,
		VariantID:    in.VariantID,
		UserID:       in.UserID,
		EventType:    "interaction",
		Metrics:      m,
		Timestamp:    in.Timestamp,
	}
}

// SubmitFeedback attaches feedback and ratings to an existing record.
// Repeated calls with the same values are idempotent; only the rating
// fields are ever rewritten.
func (c *Collector) SubmitFeedback(ctx context.Context, interactionID, feedback string, ratings *models.Ratings) error {
	if interactionID == "" {
		return fmt.Errorf("%w: interaction id required", ErrInvalidArgument)
	}
	if !validFeedback(feedback) {
		return fmt.Errorf("%w: unknown feedback %q", ErrInvalidArgument, feedback)
	}
	if ratings != nil {
		for _, r := range []int{ratings.Difficulty, ratings.Clarity, ratings.Helpfulness} {
			if r < 0 || r > 5 {
				return fmt.Errorf("%w: ratings must be in [1,5]", ErrInvalidArgument)
			}
		}
	}

	if err := c.store.UpdateInteractionFeedback(ctx, interactionID, feedback, ratings); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to update interaction: %w", err)
	}

	// Late feedback still feeds experiment satisfaction.
	if c.experiments != nil && feedback != "" {
		if in, err := c.store.GetInteraction(ctx, interactionID); err == nil &&
			in.ExperimentID != "" && in.VariantID != "" {
			ev := &models.ABEvent{
				ExperimentID: in.ExperimentID,
				VariantID:    in.VariantID,
				UserID:       in.UserID,
				EventType:    "feedback",
				Metrics:      map[string]float64{"positive": boolTo01(feedback == models.FeedbackPositive)},
			}
			c.enqueue(task{target: "experiment", run: func(ctx context.Context) error {
				c.experiments.Track(ctx, ev)
				return nil
			}})
		}
	}
	return nil
}

func boolTo01(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
