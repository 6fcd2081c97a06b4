// Package adapt contains the pure rules that decide profile adjustments
// from accumulated metrics. Evaluate proposes, Apply mutates; both move
// levels by at most one rung per call.
package adapt

import (
	"fmt"
	"time"

	"github.com/darasa-ai/darasa/pkg/models"
)

const (
	minAttempts = 3

	raiseDifficultyAt = 0.85
	lowerDifficultyAt = 0.60

	paceWindow  = 5
	raisePaceAt = 0.90
	lowerPaceAt = 0.50

	lowEngagementAt = 0.4
)

// Evaluate inspects the profile's metrics for the given topic and returns
// the adjustments that apply. The profile is not modified.
func Evaluate(profile *models.LearningProfile, topicID string) []models.Adaptation {
	var out []models.Adaptation
	now := time.Now().UTC()

	tm, ok := profile.Topics[topicID]
	if !ok {
		return nil
	}

	if tm.AttemptCount >= minAttempts {
		switch {
		case tm.SuccessRate >= raiseDifficultyAt && profile.Level != models.DifficultyExpert:
			out = append(out, models.Adaptation{
				Type:      models.AdaptDifficultyIncrease,
				Reason:    fmt.Sprintf("success rate %.2f on %s over %d attempts", tm.SuccessRate, topicID, tm.AttemptCount),
				Details:   map[string]string{"topic_id": topicID, "to": string(profile.Level.Next())},
				AppliedAt: now,
			})
		case tm.SuccessRate <= lowerDifficultyAt && profile.Level != models.DifficultyBeginner:
			out = append(out, models.Adaptation{
				Type:      models.AdaptDifficultyDecrease,
				Reason:    fmt.Sprintf("success rate %.2f on %s over %d attempts", tm.SuccessRate, topicID, tm.AttemptCount),
				Details:   map[string]string{"topic_id": topicID, "to": string(profile.Level.Prev())},
				AppliedAt: now,
			})
		}
	}

	if avg, ok := recentAverage(profile.History, paceWindow); ok {
		switch {
		case avg >= raisePaceAt && profile.Pace.Rank() < models.PaceFast.Rank():
			out = append(out, models.Adaptation{
				Type:      models.AdaptPaceIncrease,
				Reason:    fmt.Sprintf("recent average score %.2f", avg),
				Details:   map[string]string{"to": string(profile.Pace.Next())},
				AppliedAt: now,
			})
		case avg <= lowerPaceAt && profile.Pace.Rank() > models.PaceSlow.Rank():
			out = append(out, models.Adaptation{
				Type:      models.AdaptPaceDecrease,
				Reason:    fmt.Sprintf("recent average score %.2f", avg),
				Details:   map[string]string{"to": string(profile.Pace.Prev())},
				AppliedAt: now,
			})
		}
	}

	if tm.EngagementScore < lowEngagementAt {
		out = append(out, models.Adaptation{
			Type:      models.AdaptContentTypeChange,
			Reason:    fmt.Sprintf("engagement %.2f on %s", tm.EngagementScore, topicID),
			Details:   map[string]string{"topic_id": topicID},
			AppliedAt: now,
		})
	}

	return out
}

// recentAverage returns the mean score over the last window history entries,
// or false when the history is shorter than the window.
func recentAverage(history []models.ActivityRecord, window int) (float64, bool) {
	if len(history) < window {
		return 0, false
	}
	sum := 0.0
	for _, rec := range history[len(history)-window:] {
		sum += rec.Score
	}
	return sum / float64(window), true
}

// Apply mutates the profile according to the proposed adaptations and
// records them on the profile. A difficulty change restarts the topic's
// measurement window so the student is re-measured at the new level before
// another step can trigger.
func Apply(profile *models.LearningProfile, adaptations []models.Adaptation) {
	for _, a := range adaptations {
		switch a.Type {
		case models.AdaptDifficultyIncrease:
			profile.Level = profile.Level.Next()
			resetWindow(profile, a.Details["topic_id"])
		case models.AdaptDifficultyDecrease:
			profile.Level = profile.Level.Prev()
			resetWindow(profile, a.Details["topic_id"])
		case models.AdaptPaceIncrease:
			profile.Pace = profile.Pace.Next()
		case models.AdaptPaceDecrease:
			profile.Pace = profile.Pace.Prev()
		case models.AdaptContentTypeChange:
			reorderModalities(profile)
		}
	}
	profile.Adaptations = append(profile.Adaptations, adaptations...)
}

func resetWindow(profile *models.LearningProfile, topicID string) {
	if tm, ok := profile.Topics[topicID]; ok {
		tm.AttemptCount = 0
	}
}

// reorderModalities promotes interactive content and demotes game content
// to the end of the preference list.
func reorderModalities(profile *models.LearningProfile) {
	out := []models.Modality{models.ModalityInteractive}
	for _, mod := range profile.PreferredModalities {
		if mod != models.ModalityInteractive && mod != models.ModalityGame {
			out = append(out, mod)
		}
	}
	profile.PreferredModalities = append(out, models.ModalityGame)
}
