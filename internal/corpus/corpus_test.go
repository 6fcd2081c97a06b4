package corpus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/darasa-ai/darasa/internal/store"
	"github.com/darasa-ai/darasa/pkg/models"
)

func testPrompt(gradeLevel int, subject string) string {
	return fmt.Sprintf("tutor grade=%d subject=%s", gradeLevel, subject)
}

func seed(t *testing.T, st store.Store, id string, feedback string, confidence float64, success bool) {
	t.Helper()
	err := st.SaveInteraction(context.Background(), &models.Interaction{
		ID:         id,
		Timestamp:  time.Now().UTC(),
		UserID:     "u-" + id,
		GradeLevel: 6,
		Subject:    "math",
		Question:   "q-" + id,
		Response:   "a-" + id,
		Feedback:   feedback,
		Confidence: confidence,
		Success:    success,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestPending_AcceptanceFilter(t *testing.T) {
	st := store.NewMemory()
	c := New(st, t.TempDir(), 0.85, testPrompt, nil)
	ctx := context.Background()

	seed(t, st, "ok", models.FeedbackPositive, 0.9, true)
	seed(t, st, "neg", models.FeedbackNegative, 0.9, true)
	seed(t, st, "lowconf", models.FeedbackPositive, 0.5, true)
	seed(t, st, "failed", models.FeedbackPositive, 0.9, false)
	seed(t, st, "norating", "", 0.9, true)

	n, err := c.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Pending() = %d, want 1", n)
	}
}

func TestDrain_WritesJSONLAndConsumesOnce(t *testing.T) {
	st := store.NewMemory()
	c := New(st, t.TempDir(), 0.85, testPrompt, nil)
	ctx := context.Background()

	seed(t, st, "one", models.FeedbackPositive, 0.9, true)
	seed(t, st, "two", models.FeedbackPositive, 0.95, true)

	path, count, err := c.Drain(ctx, 100)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
		var ex Example
		if err := json.Unmarshal(scanner.Bytes(), &ex); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines, err)
		}
		if len(ex.Messages) != 3 {
			t.Fatalf("line %d has %d messages, want 3", lines, len(ex.Messages))
		}
		if ex.Messages[0].Role != "system" || ex.Messages[0].Content != testPrompt(6, "math") {
			t.Errorf("system message = %+v, want the rebuilt prompt", ex.Messages[0])
		}
		if ex.Messages[1].Role != "user" || ex.Messages[2].Role != "assistant" {
			t.Errorf("roles = %s/%s, want user/assistant", ex.Messages[1].Role, ex.Messages[2].Role)
		}
	}
	if lines != 2 {
		t.Errorf("file has %d lines, want 2", lines)
	}

	// Everything is consumed; a second drain finds nothing.
	path2, count2, err := c.Drain(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if count2 != 0 || path2 != "" {
		t.Errorf("second Drain() = (%q, %d), want empty", path2, count2)
	}

	n, err := c.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("Pending() after drain = %d, want 0", n)
	}
}

func TestDrain_RespectsMax(t *testing.T) {
	st := store.NewMemory()
	c := New(st, t.TempDir(), 0.85, testPrompt, nil)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		seed(t, st, fmt.Sprintf("i%d", i), models.FeedbackPositive, 0.9, true)
	}

	_, count, err := c.Drain(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if count != 5 {
		t.Errorf("count = %d, want 5", count)
	}

	n, _ := c.Pending(ctx)
	if n != 2 {
		t.Errorf("Pending() = %d, want 2", n)
	}
}

func TestDrain_Empty(t *testing.T) {
	c := New(store.NewMemory(), t.TempDir(), 0.85, testPrompt, nil)

	path, count, err := c.Drain(context.Background(), 100)
	if err != nil {
		t.Fatal(err)
	}
	if path != "" || count != 0 {
		t.Errorf("Drain() = (%q, %d), want no file", path, count)
	}
}

func TestDrain_WriteFailureReleasesCandidates(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	// A regular file where the corpus directory should be makes every
	// write fail.
	blocker := filepath.Join(t.TempDir(), "corpus")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := New(st, blocker, 0.85, testPrompt, nil)

	for i := 0; i < 3; i++ {
		seed(t, st, fmt.Sprintf("i%d", i), models.FeedbackPositive, 0.9, true)
	}

	if _, _, err := c.Drain(ctx, 100); err == nil {
		t.Fatal("Drain() into a blocked directory should fail")
	}

	// Nothing was written, so nothing may stay consumed.
	n, err := c.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("Pending() after failed drain = %d, want 3", n)
	}

	// The released candidates drain normally once the directory works.
	c.dir = t.TempDir()
	_, count, err := c.Drain(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("recovery Drain() count = %d, want 3", count)
	}
}

func TestConsider_KeepsPendingCountWarm(t *testing.T) {
	st := store.NewMemory()
	c := New(st, t.TempDir(), 0.85, testPrompt, nil)
	ctx := context.Background()

	seed(t, st, "a", models.FeedbackPositive, 0.9, true)
	if _, err := c.Pending(ctx); err != nil {
		t.Fatal(err)
	}

	c.Consider(ctx, &models.Interaction{Feedback: models.FeedbackPositive, Confidence: 0.9, Success: true})
	c.Consider(ctx, &models.Interaction{Feedback: models.FeedbackNegative, Confidence: 0.9, Success: true})
	c.Consider(ctx, &models.Interaction{Feedback: models.FeedbackPositive, Confidence: 0.5, Success: true})

	c.mu.Lock()
	got := c.pending
	c.mu.Unlock()
	if got != 2 {
		t.Errorf("cached pending = %d, want 2 (only the accepted record counts)", got)
	}
}

func TestMarkConsumedIsAtMostOnce(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	seed(t, st, "x", models.FeedbackPositive, 0.9, true)

	won, err := st.MarkConsumedForTraining(ctx, "x")
	if err != nil || !won {
		t.Fatalf("first MarkConsumedForTraining() = (%v, %v), want (true, nil)", won, err)
	}
	won, err = st.MarkConsumedForTraining(ctx, "x")
	if err != nil || won {
		t.Fatalf("second MarkConsumedForTraining() = (%v, %v), want (false, nil)", won, err)
	}
}
