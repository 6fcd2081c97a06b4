// Package corpus filters recorded interactions into fine-tuning examples
// and emits corpus files for the training scheduler.
package corpus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/darasa-ai/darasa/internal/metrics"
	"github.com/darasa-ai/darasa/internal/store"
	"github.com/darasa-ai/darasa/pkg/models"
)

// ExampleMessage is one turn of a training example.
type ExampleMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Example is one fine-tuning example, written as a single JSON line.
type Example struct {
	Messages []ExampleMessage `json:"messages"`
}

// PromptFunc rebuilds the system prompt an interaction was served under,
// so training examples match what the tutor actually sent.
type PromptFunc func(gradeLevel int, subject string) string

// Corpus drains accepted interactions into timestamped JSONL files.
type Corpus struct {
	store         store.Store
	dir           string
	minConfidence float64
	prompt        PromptFunc
	metrics       *metrics.Metrics

	mu      sync.Mutex
	pending int // cached count, resynced on Pending
}

// New creates a corpus writing files under dir.
func New(st store.Store, dir string, minConfidence float64, prompt PromptFunc, m *metrics.Metrics) *Corpus {
	if minConfidence <= 0 {
		minConfidence = 0.85
	}
	return &Corpus{
		store:         st,
		dir:           dir,
		minConfidence: minConfidence,
		prompt:        prompt,
		metrics:       m,
	}
}

// accepts applies the training-example acceptance filter. Storage applies
// the same filter at drain time; this copy only feeds the warm counter.
func (c *Corpus) accepts(in *models.Interaction) bool {
	return in.Feedback == models.FeedbackPositive &&
		in.Confidence >= c.minConfidence &&
		in.Success &&
		!in.ConsumedForTraining
}

// Consider is the fan-out hook called for every persisted interaction.
// Accepted records bump the cached pending count and its gauge, so the
// count stays warm between storage scans. Acceptance itself is evaluated
// from storage at drain time, so restarts cannot lose candidates.
func (c *Corpus) Consider(_ context.Context, in *models.Interaction) {
	if !c.accepts(in) {
		return
	}
	c.mu.Lock()
	c.pending++
	n := c.pending
	c.mu.Unlock()
	c.setPendingGauge(n)
}

// Pending counts interactions that currently pass the acceptance filter
// and resyncs the cached count from storage.
func (c *Corpus) Pending(ctx context.Context) (int, error) {
	n, err := c.store.CountTrainingCandidates(ctx, c.minConfidence)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.pending = n
	c.mu.Unlock()
	c.setPendingGauge(n)
	return n, nil
}

func (c *Corpus) setPendingGauge(n int) {
	if c.metrics != nil {
		c.metrics.CorpusPending.Set(float64(n))
	}
}

// Drain consumes up to max accepted interactions and writes them to a new
// corpus file. Each consumed record has its flag flipped exactly once;
// records lost to a concurrent drain are skipped. If the file cannot be
// written, the claimed records are released back to the pending pool.
// Returns the file path and example count; with nothing to drain the path
// is empty.
func (c *Corpus) Drain(ctx context.Context, max int) (string, int, error) {
	if max <= 0 {
		max = 100
	}

	candidates, err := c.store.ListTrainingCandidates(ctx, c.minConfidence, max)
	if err != nil {
		return "", 0, fmt.Errorf("failed to list candidates: %w", err)
	}

	var claimed []string
	var examples []Example
	for _, in := range candidates {
		won, err := c.store.MarkConsumedForTraining(ctx, in.ID)
		if err != nil {
			c.release(ctx, claimed)
			return "", 0, fmt.Errorf("failed to consume interaction %s: %w", in.ID, err)
		}
		if !won {
			continue
		}
		claimed = append(claimed, in.ID)
		examples = append(examples, Example{Messages: []ExampleMessage{
			{Role: "system", Content: c.prompt(in.GradeLevel, in.Subject)},
			{Role: "user", Content: in.Question},
			{Role: "assistant", Content: in.Response},
		}})
	}

	if len(examples) == 0 {
		return "", 0, nil
	}

	path, err := c.writeFile(examples)
	if err != nil {
		c.release(ctx, claimed)
		return "", 0, err
	}

	c.mu.Lock()
	c.pending -= len(examples)
	if c.pending < 0 {
		c.pending = 0
	}
	n := c.pending
	c.mu.Unlock()
	c.setPendingGauge(n)

	if c.metrics != nil {
		c.metrics.CorpusExamples.Add(float64(len(examples)))
	}
	return path, len(examples), nil
}

// writeFile writes the examples to a new timestamped JSONL file and syncs
// it before returning the path.
func (c *Corpus) writeFile(examples []Example) (string, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create corpus dir: %w", err)
	}

	path := filepath.Join(c.dir, fmt.Sprintf("corpus-%s.jsonl", time.Now().UTC().Format("20060102-150405")))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create corpus file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, ex := range examples {
		if err := enc.Encode(ex); err != nil {
			return "", fmt.Errorf("failed to write example: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		return "", err
	}
	return path, nil
}

// release returns claimed records to the pending pool after a failed
// write, so they are picked up by the next drain instead of being lost.
func (c *Corpus) release(ctx context.Context, ids []string) {
	for _, id := range ids {
		if err := c.store.UnmarkConsumedForTraining(ctx, id); err != nil {
			log.Printf("corpus: failed to release interaction %s: %v", id, err)
		}
	}
}
