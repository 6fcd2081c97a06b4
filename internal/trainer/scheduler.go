// Package trainer owns the decision to run fine-tuning: a singleton loop
// that watches satisfaction and corpus size, drives the external trainer
// subprocess, and deploys models that clear the accuracy bar.
package trainer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/darasa-ai/darasa/internal/metrics"
	"github.com/darasa-ai/darasa/internal/store"
	"github.com/darasa-ai/darasa/pkg/config"
	"github.com/darasa-ai/darasa/pkg/models"
)

// ErrJobRunning is returned by Trigger while a training job is active.
var ErrJobRunning = errors.New("a training job is already running")

// ErrNoData is returned by Trigger when the corpus drains empty.
var ErrNoData = errors.New("no training data available")

// errorBackoff delays the next check after a loop failure.
const errorBackoff = time.Hour

// stderrTail bounds how much trainer stderr is kept on failure.
const stderrTail = 1000

// Satisfaction reports recent overall student satisfaction.
type Satisfaction interface {
	OverallSatisfaction(ctx context.Context) (float64, error)
}

// CorpusSource provides pending counts and corpus files.
type CorpusSource interface {
	Pending(ctx context.Context) (int, error)
	Drain(ctx context.Context, max int) (path string, count int, err error)
}

// Deployer installs a newly trained model as the preferred default.
type Deployer interface {
	Deploy(modelID, providerID string) error
}

// Scheduler runs the training loop. At most one job is active at a time,
// process-wide.
type Scheduler struct {
	store        store.Store
	corpus       CorpusSource
	satisfaction Satisfaction
	deployer     Deployer
	cfg          config.TrainingConfig
	metrics      *metrics.Metrics

	mu        sync.Mutex
	running   bool
	activeJob string
	nextCheck time.Time
	stop      chan struct{}
	wg        sync.WaitGroup
	jobWG     sync.WaitGroup
}

// NewScheduler creates a training scheduler. Call Start to begin the loop;
// Trigger works without it.
func NewScheduler(st store.Store, corpus CorpusSource, sat Satisfaction, dep Deployer, cfg config.TrainingConfig, m *metrics.Metrics) *Scheduler {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 24 * time.Hour
	}
	if cfg.TrainingIntervalDays <= 0 {
		cfg.TrainingIntervalDays = 7
	}
	if cfg.MinDataThreshold <= 0 {
		cfg.MinDataThreshold = 100
	}
	if cfg.SatisfactionThreshold <= 0 {
		cfg.SatisfactionThreshold = 0.7
	}
	if cfg.DeployThreshold <= 0 {
		cfg.DeployThreshold = 0.85
	}
	if cfg.DeployProvider == "" {
		cfg.DeployProvider = "local"
	}
	return &Scheduler{
		store:        st,
		corpus:       corpus,
		satisfaction: sat,
		deployer:     dep,
		cfg:          cfg,
		metrics:      m,
	}
}

// Start launches the scheduler loop. Starting twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.nextCheck = time.Now().Add(s.cfg.CheckInterval)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()
	log.Printf("trainer: scheduler started, checking every %s", s.cfg.CheckInterval)
}

// Stop halts the loop and waits for any active job goroutine to finish
// updating its record. The trainer subprocess itself is not killed.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	s.jobWG.Wait()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	timer := time.NewTimer(s.cfg.CheckInterval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			delay := s.cfg.CheckInterval
			if err := s.check(context.Background()); err != nil {
				log.Printf("trainer: check failed, backing off %s: %v", errorBackoff, err)
				delay = errorBackoff
			}
			s.mu.Lock()
			s.nextCheck = time.Now().Add(delay)
			s.mu.Unlock()
			timer.Reset(delay)
		case <-s.stop:
			return
		}
	}
}

// check runs one loop iteration: gather state, decide, maybe trigger.
func (s *Scheduler) check(ctx context.Context) error {
	s.mu.Lock()
	busy := s.activeJob != ""
	s.mu.Unlock()
	if busy {
		return nil
	}

	pending, err := s.corpus.Pending(ctx)
	if err != nil {
		return fmt.Errorf("failed to count pending corpus: %w", err)
	}
	if pending < s.cfg.MinDataThreshold {
		return nil
	}

	sat, err := s.satisfaction.OverallSatisfaction(ctx)
	if err != nil {
		return fmt.Errorf("failed to read satisfaction: %w", err)
	}

	daysSinceLast := float64(s.cfg.TrainingIntervalDays) // no prior job counts as due
	if last, err := s.store.LastCompletedTrainingJob(ctx); err == nil && last.CompletedAt != nil {
		daysSinceLast = time.Since(*last.CompletedAt).Hours() / 24
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to read last job: %w", err)
	}

	switch {
	case sat < s.cfg.SatisfactionThreshold:
		log.Printf("trainer: triggering, satisfaction %.2f below %.2f with %d pending", sat, s.cfg.SatisfactionThreshold, pending)
	case daysSinceLast >= float64(s.cfg.TrainingIntervalDays):
		log.Printf("trainer: triggering, %.1f days since last run with %d pending", daysSinceLast, pending)
	default:
		return nil
	}

	if _, err := s.Trigger(ctx); err != nil && !errors.Is(err, ErrJobRunning) {
		return err
	}
	return nil
}

// Trigger drains the corpus and starts a training job, returning its id.
// A second call while a job is active returns ErrJobRunning.
func (s *Scheduler) Trigger(ctx context.Context) (string, error) {
	jobID := uuid.New().String()

	s.mu.Lock()
	if s.activeJob != "" {
		s.mu.Unlock()
		return "", ErrJobRunning
	}
	s.activeJob = jobID
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		s.activeJob = ""
		s.mu.Unlock()
	}

	dataFile, count, err := s.corpus.Drain(ctx, 100)
	if err != nil {
		release()
		return "", fmt.Errorf("failed to drain corpus: %w", err)
	}
	if count == 0 {
		release()
		return "", ErrNoData
	}

	job := &models.TrainingJob{
		ID:        jobID,
		Status:    models.JobPending,
		DataFile:  dataFile,
		DataCount: count,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.SaveTrainingJob(ctx, job); err != nil {
		release()
		return "", fmt.Errorf("failed to save training job: %w", err)
	}

	s.jobWG.Add(1)
	go func() {
		defer s.jobWG.Done()
		defer release()
		s.runJob(job)
	}()

	log.Printf("trainer: job %s started with %d examples (%s)", job.ID, count, dataFile)
	return job.ID, nil
}

// runJob drives the external trainer for one job, from running to a
// terminal state. It deliberately has no timeout; training may take hours.
func (s *Scheduler) runJob(job *models.TrainingJob) {
	ctx := context.Background()

	now := time.Now().UTC()
	job.Status = models.JobRunning
	job.StartedAt = &now
	if err := s.store.UpdateTrainingJob(ctx, job); err != nil {
		log.Printf("trainer: failed to mark job %s running: %v", job.ID, err)
	}

	args := append(append([]string{}, s.cfg.TrainerCommand[1:]...),
		"--data-path", job.DataFile, "--auto-mode", "--no-interaction")
	cmd := exec.Command(s.cfg.TrainerCommand[0], args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	done := time.Now().UTC()
	job.CompletedAt = &done

	if err != nil {
		job.Status = models.JobFailed
		job.Error = fmt.Sprintf("trainer exited: %v; stderr: %s", err, tail(stderr.Bytes(), stderrTail))
		s.finishJob(ctx, job)
		return
	}

	modelID, accuracy, parsed := parseTrainerOutput(stdout.String())
	job.Status = models.JobCompleted
	job.ModelID = modelID
	if parsed {
		job.Metrics = map[string]float64{"accuracy": accuracy}
	}
	s.finishJob(ctx, job)

	if !parsed || modelID == "" {
		log.Printf("trainer: job %s completed but output was not parseable, skipping deployment", job.ID)
		return
	}
	if accuracy < s.cfg.DeployThreshold {
		log.Printf("trainer: job %s accuracy %.2f below %.2f, not deploying %s", job.ID, accuracy, s.cfg.DeployThreshold, modelID)
		return
	}

	if err := s.deployer.Deploy(modelID, s.cfg.DeployProvider); err != nil {
		log.Printf("trainer: failed to deploy model %s: %v", modelID, err)
		return
	}
	if s.metrics != nil {
		s.metrics.ModelsDeployed.Inc()
	}
	log.Printf("trainer: deployed model %s at priority 1 (accuracy %.2f)", modelID, accuracy)
}

func (s *Scheduler) finishJob(ctx context.Context, job *models.TrainingJob) {
	if err := s.store.UpdateTrainingJob(ctx, job); err != nil {
		log.Printf("trainer: failed to persist job %s: %v", job.ID, err)
	}
	if s.metrics != nil {
		s.metrics.TrainingJobs.WithLabelValues(string(job.Status)).Inc()
	}
	log.Printf("trainer: job %s finished with status %s", job.ID, job.Status)
}

// parseTrainerOutput scans stdout for "Model: <id>" and "Accuracy: <f>".
func parseTrainerOutput(out string) (modelID string, accuracy float64, parsed bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "Model:"); ok {
			modelID = strings.TrimSpace(v)
		} else if v, ok := strings.CutPrefix(line, "Accuracy:"); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				accuracy = f
				parsed = true
			}
		}
	}
	return modelID, accuracy, parsed && modelID != ""
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}

// Status is the scheduler's externally visible state.
type Status struct {
	SchedulerRunning bool                `json:"scheduler_running"`
	ActiveJobID      string              `json:"active_job_id,omitempty"`
	LastJob          *models.TrainingJob `json:"last_job,omitempty"`
	NextCheck        *time.Time          `json:"next_check,omitempty"`
	PendingCount     int                 `json:"pending_count"`
}

// Status reports the loop state, the last completed job, and the pending
// corpus size.
func (s *Scheduler) Status(ctx context.Context) (*Status, error) {
	s.mu.Lock()
	st := &Status{
		SchedulerRunning: s.running,
		ActiveJobID:      s.activeJob,
	}
	if s.running {
		next := s.nextCheck
		st.NextCheck = &next
	}
	s.mu.Unlock()

	pending, err := s.corpus.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending corpus: %w", err)
	}
	st.PendingCount = pending

	last, err := s.store.LastCompletedTrainingJob(ctx)
	if err == nil {
		st.LastJob = last
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to read last job: %w", err)
	}

	return st, nil
}
