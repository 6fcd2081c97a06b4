// Package store defines the persistence boundary for the tutoring engine
// and provides in-memory and PostgreSQL implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/darasa-ai/darasa/pkg/models"
)

// ErrNotFound is returned when an entity does not exist where an existence
// precondition applies.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface. All invariants are per-student and
// enforced last-writer-wins on a single logical record; the store never
// holds cross-process locks.
type Store interface {
	// Profiles
	GetProfile(ctx context.Context, userID string) (*models.LearningProfile, error)
	SaveProfile(ctx context.Context, profile *models.LearningProfile) error

	// Interactions
	SaveInteraction(ctx context.Context, in *models.Interaction) error
	GetInteraction(ctx context.Context, id string) (*models.Interaction, error)
	// UpdateInteractionFeedback attaches feedback and ratings to an
	// existing record. Only those fields are touched; last write wins.
	UpdateInteractionFeedback(ctx context.Context, id, feedback string, ratings *models.Ratings) error
	// HasInteraction reports whether a record with the same user,
	// timestamp, and question already exists (ingestion dedupe).
	HasInteraction(ctx context.Context, userID string, ts time.Time, question string) (bool, error)
	// ListTrainingCandidates returns unconsumed, successful, positively
	// rated interactions at or above the confidence floor.
	ListTrainingCandidates(ctx context.Context, minConfidence float64, limit int) ([]*models.Interaction, error)
	CountTrainingCandidates(ctx context.Context, minConfidence float64) (int, error)
	// MarkConsumedForTraining flips consumed_for_training once.
	// Returns false when the record was already consumed (or missing).
	MarkConsumedForTraining(ctx context.Context, id string) (bool, error)
	// UnmarkConsumedForTraining returns a consumed record to the pending
	// pool, used when a drain fails after claiming its candidates.
	UnmarkConsumedForTraining(ctx context.Context, id string) error

	// Experiments
	SaveExperiment(ctx context.Context, exp *models.Experiment) error
	GetExperiment(ctx context.Context, id string) (*models.Experiment, error)
	ListActiveExperiments(ctx context.Context) ([]*models.Experiment, error)
	GetAssignment(ctx context.Context, userID, experimentID string) (*models.Assignment, error)
	// SaveAssignment inserts an assignment at most once per
	// (user, experiment) pair and returns the stored row, which is the
	// existing one when the pair was already assigned.
	SaveAssignment(ctx context.Context, a *models.Assignment) (*models.Assignment, error)
	AppendEvent(ctx context.Context, ev *models.ABEvent) error
	ListEvents(ctx context.Context, experimentID string) ([]*models.ABEvent, error)
	ListAllEvents(ctx context.Context) ([]*models.ABEvent, error)

	// Content catalogue
	SaveContent(ctx context.Context, c *models.Content) error
	ListContents(ctx context.Context, subject, topicID string) ([]*models.Content, error)

	// Training jobs
	SaveTrainingJob(ctx context.Context, job *models.TrainingJob) error
	UpdateTrainingJob(ctx context.Context, job *models.TrainingJob) error
	GetTrainingJob(ctx context.Context, id string) (*models.TrainingJob, error)
	LastCompletedTrainingJob(ctx context.Context) (*models.TrainingJob, error)

	Close() error
}

// trainingCandidate reports whether an interaction passes the corpus
// acceptance filter, shared by both implementations.
func trainingCandidate(in *models.Interaction, minConfidence float64) bool {
	return in.Feedback == models.FeedbackPositive &&
		in.Confidence >= minConfidence &&
		in.Success &&
		!in.ConsumedForTraining
}
