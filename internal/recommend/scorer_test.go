package recommend

import (
	"context"
	"testing"
	"time"

	"github.com/darasa-ai/darasa/internal/store"
	"github.com/darasa-ai/darasa/pkg/models"
)

func seedContent(t *testing.T, st store.Store, items ...*models.Content) {
	t.Helper()
	for _, c := range items {
		if err := st.SaveContent(context.Background(), c); err != nil {
			t.Fatalf("SaveContent(%s) error = %v", c.ID, err)
		}
	}
}

func mediumProfile(topics map[string]*models.TopicMetrics) *models.LearningProfile {
	return &models.LearningProfile{
		UserID: "u1",
		Level:  models.DifficultyMedium,
		Pace:   models.PaceNormal,
		Topics: topics,
	}
}

func TestRecommend_DifficultyWindow(t *testing.T) {
	st := store.NewMemory()
	s := NewScorer(st)
	ctx := context.Background()

	if err := st.SaveProfile(ctx, mediumProfile(nil)); err != nil {
		t.Fatal(err)
	}
	seedContent(t, st,
		&models.Content{ID: "c-beg", TopicID: "t", Subject: "math", Modality: models.ModalityText, Difficulty: models.DifficultyBeginner},
		&models.Content{ID: "c-easy", TopicID: "t", Subject: "math", Modality: models.ModalityText, Difficulty: models.DifficultyEasy},
		&models.Content{ID: "c-med", TopicID: "t", Subject: "math", Modality: models.ModalityText, Difficulty: models.DifficultyMedium},
		&models.Content{ID: "c-hard", TopicID: "t", Subject: "math", Modality: models.ModalityText, Difficulty: models.DifficultyHard},
		&models.Content{ID: "c-exp", TopicID: "t", Subject: "math", Modality: models.ModalityText, Difficulty: models.DifficultyExpert},
	)

	recs, err := s.Recommend(ctx, "u1", "math", "", 10)
	if err != nil {
		t.Fatalf("Recommend() error = %v", err)
	}

	got := map[string]bool{}
	for _, r := range recs {
		got[r.Content.ID] = true
	}
	for _, want := range []string{"c-easy", "c-med", "c-hard"} {
		if !got[want] {
			t.Errorf("window excluded %s", want)
		}
	}
	for _, banned := range []string{"c-beg", "c-exp"} {
		if got[banned] {
			t.Errorf("window included %s", banned)
		}
	}
}

func TestRecommend_MonotonicInEngagement(t *testing.T) {
	ctx := context.Background()

	scoreFor := func(engagement float64) float64 {
		st := store.NewMemory()
		s := NewScorer(st)
		p := mediumProfile(map[string]*models.TopicMetrics{
			"t": {SuccessRate: 0.7, AttemptCount: 5, EngagementScore: engagement},
		})
		if err := st.SaveProfile(ctx, p); err != nil {
			t.Fatal(err)
		}
		seedContent(t, st, &models.Content{
			ID: "c1", TopicID: "t", Subject: "math",
			Modality: models.ModalityText, Difficulty: models.DifficultyMedium,
		})
		recs, err := s.Recommend(ctx, "u1", "math", "", 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != 1 {
			t.Fatalf("got %d recommendations, want 1", len(recs))
		}
		return recs[0].Score
	}

	prev := -1.0
	for _, e := range []float64{0.1, 0.4, 0.7, 1.0} {
		score := scoreFor(e)
		if score < prev {
			t.Errorf("score decreased from %v to %v as engagement rose to %v", prev, score, e)
		}
		prev = score
	}
}

func TestRecommend_TieBreaking(t *testing.T) {
	st := store.NewMemory()
	s := NewScorer(st)
	ctx := context.Background()

	if err := st.SaveProfile(ctx, mediumProfile(nil)); err != nil {
		t.Fatal(err)
	}
	// Identical signals; only estimated time and id differ.
	seedContent(t, st,
		&models.Content{ID: "c-b", TopicID: "t", Subject: "math", Modality: models.ModalityText, Difficulty: models.DifficultyMedium, EstimatedTimeMinutes: 10},
		&models.Content{ID: "c-a", TopicID: "t", Subject: "math", Modality: models.ModalityText, Difficulty: models.DifficultyMedium, EstimatedTimeMinutes: 10},
		&models.Content{ID: "c-quick", TopicID: "t", Subject: "math", Modality: models.ModalityText, Difficulty: models.DifficultyMedium, EstimatedTimeMinutes: 5},
	)

	recs, err := s.Recommend(ctx, "u1", "math", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d recommendations, want 3", len(recs))
	}
	wantOrder := []string{"c-quick", "c-a", "c-b"}
	for i, want := range wantOrder {
		if recs[i].Content.ID != want {
			t.Errorf("recs[%d] = %s, want %s", i, recs[i].Content.ID, want)
		}
	}
}

func TestRecommend_EmptyPool(t *testing.T) {
	st := store.NewMemory()
	s := NewScorer(st)

	recs, err := s.Recommend(context.Background(), "u1", "math", "", 5)
	if err != nil {
		t.Fatalf("Recommend() error = %v, want nil on empty pool", err)
	}
	if len(recs) != 0 {
		t.Errorf("got %d recommendations, want 0", len(recs))
	}
}

func TestRecommend_UnknownUserNeutralSignals(t *testing.T) {
	st := store.NewMemory()
	s := NewScorer(st)
	ctx := context.Background()

	seedContent(t, st, &models.Content{
		ID: "c1", TopicID: "t", Subject: "math",
		Modality: models.ModalityText, Difficulty: models.DifficultyMedium,
	})

	recs, err := s.Recommend(ctx, "nobody", "math", "", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d recommendations, want 1", len(recs))
	}
	// All weighted signals at 0.5 except prerequisite (no prerequisites).
	want := 0.5*(weightPerformance+weightPreference+weightEngagement+weightTimeSinceLast) + 1.0*weightPrerequisite
	if diff := recs[0].Score - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("score = %v, want %v", recs[0].Score, want)
	}
}

func TestRecommend_PrerequisiteGatesScore(t *testing.T) {
	st := store.NewMemory()
	s := NewScorer(st)
	ctx := context.Background()

	p := mediumProfile(nil)
	p.SkillTree = map[string]float64{"basics": 0.2}
	if err := st.SaveProfile(ctx, p); err != nil {
		t.Fatal(err)
	}
	seedContent(t, st,
		&models.Content{ID: "c-gated", TopicID: "t", Subject: "math", Modality: models.ModalityText, Difficulty: models.DifficultyMedium, Prerequisites: []string{"basics"}},
		&models.Content{ID: "c-open", TopicID: "t", Subject: "math", Modality: models.ModalityText, Difficulty: models.DifficultyMedium},
	)

	recs, err := s.Recommend(ctx, "u1", "math", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if recs[0].Content.ID != "c-open" {
		t.Errorf("top recommendation = %s, want c-open (unmastered prerequisite should rank lower)", recs[0].Content.ID)
	}
}

func TestRecommend_FreshTopicIsDue(t *testing.T) {
	st := store.NewMemory()
	s := NewScorer(st)
	ctx := context.Background()

	p := mediumProfile(nil)
	p.History = []models.ActivityRecord{{TopicID: "seen", Timestamp: time.Now().UTC()}}
	if err := st.SaveProfile(ctx, p); err != nil {
		t.Fatal(err)
	}
	seedContent(t, st,
		&models.Content{ID: "c-seen", TopicID: "seen", Subject: "math", Modality: models.ModalityText, Difficulty: models.DifficultyMedium},
		&models.Content{ID: "c-new", TopicID: "new", Subject: "math", Modality: models.ModalityText, Difficulty: models.DifficultyMedium},
	)

	recs, err := s.Recommend(ctx, "u1", "math", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if recs[0].Content.ID != "c-new" {
		t.Errorf("top recommendation = %s, want c-new (just-seen topic should score lower)", recs[0].Content.ID)
	}
}
