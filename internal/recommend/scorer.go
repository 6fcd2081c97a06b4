// Package recommend ranks catalogue content for a student by combining
// weighted signals from their learning profile.
package recommend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/darasa-ai/darasa/internal/store"
	"github.com/darasa-ai/darasa/pkg/models"
)

// Signal weights. They sum to 1.0.
const (
	weightPerformance   = 0.30
	weightPreference    = 0.20
	weightEngagement    = 0.20
	weightTimeSinceLast = 0.15
	weightPrerequisite  = 0.15
)

// reasonThresholdRatio gates which contributions earn a reason line.
const reasonThresholdRatio = 0.6

// Scorer ranks content against a student's profile.
type Scorer struct {
	store store.Store
}

// NewScorer creates a content scorer over the given store.
func NewScorer(st store.Store) *Scorer {
	return &Scorer{store: st}
}

// signals holds one candidate's per-signal values before weighting.
type signals struct {
	performance   float64
	preference    float64
	engagement    float64
	timeSinceLast float64
	prerequisite  float64
}

// Recommend returns up to limit candidates for the subject (and topic, if
// given), best first. An empty catalogue yields an empty list. A student
// without a profile is scored with neutral signals.
func (s *Scorer) Recommend(ctx context.Context, userID, subject, topicID string, limit int) ([]models.Recommendation, error) {
	if limit <= 0 {
		limit = 5
	}

	profile, err := s.store.GetProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		profile = nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	pool, err := s.store.ListContents(ctx, subject, topicID)
	if err != nil {
		return nil, fmt.Errorf("failed to list content: %w", err)
	}

	level := models.DifficultyMedium
	if profile != nil {
		level = profile.Level
	}

	out := make([]models.Recommendation, 0, len(pool))
	for _, c := range pool {
		if !inDifficultyWindow(c.Difficulty, level) {
			continue
		}
		sig := computeSignals(profile, c, time.Now().UTC())
		score, reasons := weigh(sig, c)
		out = append(out, models.Recommendation{Content: c, Score: score, Reasons: reasons})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Content.EstimatedTimeMinutes != out[j].Content.EstimatedTimeMinutes {
			return out[i].Content.EstimatedTimeMinutes < out[j].Content.EstimatedTimeMinutes
		}
		return out[i].Content.ID < out[j].Content.ID
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// inDifficultyWindow keeps content within one rung of the student's level,
// clamped at the ladder's edges.
func inDifficultyWindow(difficulty, level models.DifficultyLevel) bool {
	d, l := difficulty.Rank(), level.Rank()
	if d < 0 || l < 0 {
		return false
	}
	return d >= l-1 && d <= l+1
}

func computeSignals(profile *models.LearningProfile, c *models.Content, now time.Time) signals {
	if profile == nil {
		sig := signals{performance: 0.5, preference: 0.5, engagement: 0.5, timeSinceLast: 0.5, prerequisite: 0.5}
		if len(c.Prerequisites) == 0 {
			sig.prerequisite = 1.0
		}
		return sig
	}

	var sig signals

	if tm, ok := profile.Topics[c.TopicID]; ok && tm.AttemptCount > 0 {
		diff := tm.SuccessRate - 0.7
		if diff < 0 {
			diff = -diff
		}
		sig.performance = 1 - diff
		sig.engagement = tm.EngagementScore
	}

	for rank, mod := range profile.PreferredModalities {
		if mod == c.Modality {
			v := 1 - 0.2*float64(rank)
			if v < 0 {
				v = 0
			}
			sig.preference = v
			break
		}
	}

	sig.timeSinceLast = 1.0
	for i := len(profile.History) - 1; i >= 0; i-- {
		if profile.History[i].TopicID == c.TopicID {
			days := now.Sub(profile.History[i].Timestamp).Hours() / 24
			v := days / 7
			if v > 1 {
				v = 1
			}
			if v < 0 {
				v = 0
			}
			sig.timeSinceLast = v
			break
		}
	}

	sig.prerequisite = 1.0
	for _, p := range c.Prerequisites {
		if m := profile.SkillTree[p]; m < sig.prerequisite {
			sig.prerequisite = m
		}
	}

	return sig
}

// contribution pairs a weighted signal value with its reason phrasing.
type contribution struct {
	value  float64
	weight float64
	reason string
}

func weigh(sig signals, c *models.Content) (float64, []string) {
	contribs := []contribution{
		{sig.performance * weightPerformance, weightPerformance,
			"success rate on this topic is in the productive range"},
		{sig.preference * weightPreference, weightPreference,
			fmt.Sprintf("matches a preferred format (%s)", c.Modality)},
		{sig.engagement * weightEngagement, weightEngagement,
			"the student engages well with this topic"},
		{sig.timeSinceLast * weightTimeSinceLast, weightTimeSinceLast,
			"the topic is due for review"},
		{sig.prerequisite * weightPrerequisite, weightPrerequisite,
			"prerequisites are mastered"},
	}

	score := 0.0
	for _, ct := range contribs {
		score += ct.value
	}

	// Top three contributions that cleared their threshold, biggest first.
	sort.SliceStable(contribs, func(i, j int) bool { return contribs[i].value > contribs[j].value })
	var reasons []string
	for _, ct := range contribs {
		if len(reasons) == 3 {
			break
		}
		if ct.value > ct.weight*reasonThresholdRatio {
			reasons = append(reasons, ct.reason)
		}
	}

	return score, reasons
}
