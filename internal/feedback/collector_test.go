package feedback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darasa-ai/darasa/internal/store"
	"github.com/darasa-ai/darasa/pkg/config"
	"github.com/darasa-ai/darasa/pkg/models"
)

type captureSkill struct {
	mu      sync.Mutex
	updates []models.ActivityRecord
}

func (c *captureSkill) Update(_ context.Context, _ string, _ int, a models.ActivityRecord) ([]models.Adaptation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, a)
	return nil, nil
}

func (c *captureSkill) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.updates)
}

type captureTracker struct {
	mu     sync.Mutex
	events []*models.ABEvent
}

func (c *captureTracker) Track(_ context.Context, ev *models.ABEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureTracker) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func interaction(id, userID string) *models.Interaction {
	return &models.Interaction{
		ID:         id,
		Timestamp:  time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		UserID:     userID,
		GradeLevel: 5,
		Subject:    "math",
		Question:   "what is 2+2?",
		Response:   "4",
		ModelID:    "m1",
		ProviderID: "p1",
		Confidence: 0.9,
		Success:    true,
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestRecord_PersistsAndFansOut(t *testing.T) {
	st := store.NewMemory()
	c := NewCollector(st, config.FeedbackConfig{QueueSize: 16, Workers: 2}, nil)
	sk := &captureSkill{}
	tr := &captureTracker{}
	c.SetSkill(sk)
	c.SetExperiments(tr)
	c.Start()
	defer c.Stop()

	in := interaction("i1", "u1")
	score := 0.8
	in.Score = &score
	in.TopicID = "fractions"
	in.ExperimentID = "exp-1"
	in.VariantID = "a"

	require.NoError(t, c.Record(context.Background(), in))

	stored, err := st.GetInteraction(context.Background(), "i1")
	require.NoError(t, err)
	assert.Equal(t, "what is 2+2?", stored.Question)

	eventually(t, func() bool { return sk.count() == 1 && tr.count() == 1 })
	sk.mu.Lock()
	assert.Equal(t, "fractions", sk.updates[0].TopicID)
	assert.Equal(t, 0.8, sk.updates[0].Score)
	sk.mu.Unlock()
}

func TestRecord_CollapsesDuplicates(t *testing.T) {
	st := store.NewMemory()
	c := NewCollector(st, config.FeedbackConfig{}, nil)
	c.Start()
	defer c.Stop()

	first := interaction("i1", "u1")
	require.NoError(t, c.Record(context.Background(), first))

	// Same user, timestamp, and question under a different id.
	dup := interaction("i2", "u1")
	require.NoError(t, c.Record(context.Background(), dup))

	_, err := st.GetInteraction(context.Background(), "i2")
	assert.ErrorIs(t, err, store.ErrNotFound, "duplicate should not be persisted")
}

func TestRecord_Validation(t *testing.T) {
	c := NewCollector(store.NewMemory(), config.FeedbackConfig{}, nil)

	in := interaction("i1", "u1")
	in.Response = ""
	assert.ErrorIs(t, c.Record(context.Background(), in), ErrInvalidArgument)

	bad := interaction("i2", "u1")
	bad.Feedback = "meh"
	assert.ErrorIs(t, c.Record(context.Background(), bad), ErrInvalidArgument)
}

func TestRecord_FullQueueDropsFanout(t *testing.T) {
	st := store.NewMemory()
	// One-slot queue and no workers running: the second fan-out drops.
	c := NewCollector(st, config.FeedbackConfig{QueueSize: 1, Workers: 1}, nil)
	sk := &captureSkill{}
	c.SetSkill(sk)
	// Deliberately not started; the queue fills and stays full.

	score := 0.5
	for i, id := range []string{"i1", "i2", "i3"} {
		in := interaction(id, "u1")
		in.Timestamp = in.Timestamp.Add(time.Duration(i) * time.Second)
		in.Score = &score
		in.TopicID = "t"
		require.NoError(t, c.Record(context.Background(), in), "persistence must survive saturation")
	}

	for _, id := range []string{"i1", "i2", "i3"} {
		_, err := st.GetInteraction(context.Background(), id)
		assert.NoError(t, err, "record %s must be persisted", id)
	}
}

func TestSubmitFeedback_IdempotentRatings(t *testing.T) {
	st := store.NewMemory()
	c := NewCollector(st, config.FeedbackConfig{}, nil)
	ctx := context.Background()

	require.NoError(t, st.SaveInteraction(ctx, interaction("i1", "u1")))

	r := &models.Ratings{Difficulty: 3, Clarity: 5, Helpfulness: 4}
	require.NoError(t, c.SubmitFeedback(ctx, "i1", models.FeedbackPositive, r))
	require.NoError(t, c.SubmitFeedback(ctx, "i1", models.FeedbackPositive, r))

	stored, err := st.GetInteraction(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, models.FeedbackPositive, stored.Feedback)
	assert.Equal(t, r, stored.Ratings)
	// Everything else stays untouched.
	assert.Equal(t, "4", stored.Response)
	assert.Equal(t, 0.9, stored.Confidence)
}

func TestSubmitFeedback_UnknownInteraction(t *testing.T) {
	c := NewCollector(store.NewMemory(), config.FeedbackConfig{}, nil)

	err := c.SubmitFeedback(context.Background(), "missing", models.FeedbackPositive, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSuggestions_ByPolarity(t *testing.T) {
	assert.NotEmpty(t, Suggestions(models.FeedbackNegative, nil))
	assert.NotEmpty(t, Suggestions(models.FeedbackPositive, nil))

	withRatings := Suggestions(models.FeedbackNeutral, &models.Ratings{Difficulty: 5, Clarity: 1})
	assert.GreaterOrEqual(t, len(withRatings), 3)
}
