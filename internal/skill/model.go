// Package skill maintains per-student learning profiles: topic metrics,
// mastery estimates with transfer to related topics, and bounded activity
// history. It is the single writer of profiles.
package skill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/darasa-ai/darasa/internal/adapt"
	"github.com/darasa-ai/darasa/internal/store"
	"github.com/darasa-ai/darasa/pkg/config"
	"github.com/darasa-ai/darasa/pkg/models"
)

// ErrInvalidArgument is returned when an activity fails validation.
var ErrInvalidArgument = errors.New("invalid argument")

// transferFactor damps mastery growth propagated to related topics.
const transferFactor = 0.3

// Model owns learning profiles. Updates for the same student are serialised;
// different students proceed concurrently.
type Model struct {
	store store.Store
	cfg   config.SkillConfig

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewModel creates a skill model over the given store.
func NewModel(st store.Store, cfg config.SkillConfig) *Model {
	if cfg.GrowthRate <= 0 {
		cfg.GrowthRate = 0.1
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	return &Model{
		store: st,
		cfg:   cfg,
		locks: make(map[string]*sync.Mutex),
	}
}

// userLock returns the mutex serialising updates for one student.
func (m *Model) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[userID] = l
	}
	return l
}

// initialLevel maps a grade level onto a starting difficulty.
func initialLevel(gradeLevel int) models.DifficultyLevel {
	switch {
	case gradeLevel <= 3:
		return models.DifficultyBeginner
	case gradeLevel <= 6:
		return models.DifficultyEasy
	case gradeLevel <= 9:
		return models.DifficultyMedium
	default:
		return models.DifficultyHard
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Update folds one activity into the student's profile and returns the
// adaptations that resulted. The profile is created on first contact.
func (m *Model) Update(ctx context.Context, userID string, gradeLevel int, activity models.ActivityRecord) ([]models.Adaptation, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", ErrInvalidArgument)
	}
	if activity.TopicID == "" {
		return nil, fmt.Errorf("%w: topic id required", ErrInvalidArgument)
	}
	if activity.Score < 0 || activity.Score > 1 {
		return nil, fmt.Errorf("%w: score %v out of range [0,1]", ErrInvalidArgument, activity.Score)
	}
	if activity.Engagement < 0 || activity.Engagement > 1 {
		return nil, fmt.Errorf("%w: engagement %v out of range [0,1]", ErrInvalidArgument, activity.Engagement)
	}

	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	profile, err := m.store.GetProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		profile = &models.LearningProfile{
			UserID:     userID,
			GradeLevel: gradeLevel,
			Level:      initialLevel(gradeLevel),
			Pace:       models.PaceNormal,
			Topics:     make(map[string]*models.TopicMetrics),
			SkillTree:  make(map[string]float64),
			CreatedAt:  now,
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	if gradeLevel > 0 {
		profile.GradeLevel = gradeLevel
	}

	if activity.Timestamp.IsZero() {
		activity.Timestamp = now
	}

	m.applyActivity(profile, activity)

	adaptations := adapt.Evaluate(profile, activity.TopicID)
	if len(adaptations) > 0 {
		adapt.Apply(profile, adaptations)
	}

	profile.UpdatedAt = now
	if err := m.store.SaveProfile(ctx, profile); err != nil {
		return nil, fmt.Errorf("failed to save profile: %w", err)
	}
	return adaptations, nil
}

// applyActivity updates topic metrics, mastery, transfer, and history.
func (m *Model) applyActivity(profile *models.LearningProfile, activity models.ActivityRecord) {
	tm := profile.TopicMetricsFor(activity.TopicID)
	n := float64(tm.AttemptCount)

	tm.SuccessRate = (tm.SuccessRate*n + activity.Score) / (n + 1)
	tm.AverageTimeSeconds = (tm.AverageTimeSeconds*n + activity.DurationSeconds) / (n + 1)
	tm.EngagementScore = (tm.EngagementScore*n + activity.Engagement) / (n + 1)
	tm.AttemptCount++

	if profile.SkillTree == nil {
		profile.SkillTree = make(map[string]float64)
	}

	// Bounded growth: gains shrink as mastery approaches 1.
	before := profile.SkillTree[activity.TopicID]
	growth := m.cfg.GrowthRate * (1 - before) * activity.Score
	after := clamp01(before + growth)
	profile.SkillTree[activity.TopicID] = after
	tm.MasteryLevel = after

	// Transfer a fraction of the gain to related topics.
	for _, rel := range m.cfg.RelatedTopics[activity.TopicID] {
		if rel.TopicID == "" || rel.Strength <= 0 {
			continue
		}
		cur := profile.SkillTree[rel.TopicID]
		profile.SkillTree[rel.TopicID] = clamp01(cur + growth*rel.Strength*transferFactor)
		if related, ok := profile.Topics[rel.TopicID]; ok {
			related.MasteryLevel = profile.SkillTree[rel.TopicID]
		}
	}

	profile.History = append(profile.History, activity)
	if len(profile.History) > m.cfg.HistoryLimit {
		profile.History = profile.History[len(profile.History)-m.cfg.HistoryLimit:]
	}
}

// Snapshot returns the current profile for a student.
func (m *Model) Snapshot(ctx context.Context, userID string) (*models.LearningProfile, error) {
	return m.store.GetProfile(ctx, userID)
}
