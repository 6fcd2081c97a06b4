package trainer

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

type fakeCorpus struct {
	mu      sync.Mutex
	pending int
	drained bool
}

func (f *fakeCorpus) Pending(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeCorpus) Drain(context.Context, int) (string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drained = true
	return "corpus-test.jsonl", f.pending, nil
}

func (f *fakeCorpus) wasDrained() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drained
}

type fakeSatisfaction struct{ value float64 }

func (f fakeSatisfaction) OverallSatisfaction(context.Context) (float64, error) {
	return f.value, nil
}

type fakeDeployer struct {
	mu       sync.Mutex
	modelID  string
	provider string
	calls    int
}

func (f *fakeDeployer) Deploy(modelID, providerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modelID = modelID
	f.provider = providerID
	f.calls = f.calls + 1
	return nil
}

func (f *fakeDeployer) deployed() (string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modelID, f.calls
}

func trainerCfg(cmd []string) config.TrainingConfig {
	return config.TrainingConfig{
		CheckInterval:         time.Hour,
		TrainingIntervalDays:  7,
		MinDataThreshold:      100,
		SatisfactionThreshold: 0.7,
		DeployThreshold:       0.85,
		MinConfidence:         0.85,
		TrainerCommand:        cmd,
		DeployProvider:        "local",
	}
}

func shCmd(script string) []string {
	return []string{"/bin/sh", "-c", script}
}

func seedCompletedJob(t *testing.T, st store.Store, completedAt time.Time) {
	t.Helper()
	err := st.SaveTrainingJob(context.Background(), &models.TrainingJob{
		ID:          "prior",
		Status:      models.JobCompleted,
		CreatedAt:   completedAt.Add(-time.Hour),
		CompletedAt: &completedAt,
	})
	require.NoError(t, err)
}

func waitForTerminalJob(t *testing.T, st store.Store, id string) *models.TrainingJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := st.GetTrainingJob(context.Background(), id)
		require.NoError(t, err)
		if job.Status == models.JobCompleted || job.Status == models.JobFailed {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return nil
}

func TestCheck_TriggersOnPoorSatisfaction(t *testing.T) {
	st := store.NewMemory()
	corpus := &fakeCorpus{pending: 150}
	dep := &fakeDeployer{}
	s := NewScheduler(st, corpus, fakeSatisfaction{0.65}, dep,
		trainerCfg(shCmd(`printf 'Model: m1\nAccuracy: 0.90\n'`)), nil)
	seedCompletedJob(t, st, time.Now().Add(-48*time.Hour))

	require.NoError(t, s.check(context.Background()))
	assert.True(t, corpus.wasDrained(), "low satisfaction with enough data should trigger")
	s.jobWG.Wait()
}

func TestCheck_SkipsBelowDataThreshold(t *testing.T) {
	st := store.NewMemory()
	corpus := &fakeCorpus{pending: 80}
	s := NewScheduler(st, corpus, fakeSatisfaction{0.65}, &fakeDeployer{},
		trainerCfg(shCmd(`printf 'Model: m1\nAccuracy: 0.90\n'`)), nil)
	seedCompletedJob(t, st, time.Now().Add(-48*time.Hour))

	require.NoError(t, s.check(context.Background()))
	assert.False(t, corpus.wasDrained(), "80 pending is below the 100 threshold")
}

func TestCheck_TriggersOnStaleModel(t *testing.T) {
	st := store.NewMemory()
	corpus := &fakeCorpus{pending: 120}
	s := NewScheduler(st, corpus, fakeSatisfaction{0.9}, &fakeDeployer{},
		trainerCfg(shCmd(`printf 'Model: m1\nAccuracy: 0.90\n'`)), nil)
	seedCompletedJob(t, st, time.Now().Add(-8*24*time.Hour))

	require.NoError(t, s.check(context.Background()))
	assert.True(t, corpus.wasDrained(), "8 days since last run should trigger")
	s.jobWG.Wait()
}

func TestCheck_SkipsWhenFreshAndSatisfied(t *testing.T) {
	st := store.NewMemory()
	corpus := &fakeCorpus{pending: 200}
	s := NewScheduler(st, corpus, fakeSatisfaction{0.9}, &fakeDeployer{},
		trainerCfg(shCmd(`printf 'Model: m1\nAccuracy: 0.90\n'`)), nil)
	seedCompletedJob(t, st, time.Now().Add(-24*time.Hour))

	require.NoError(t, s.check(context.Background()))
	assert.False(t, corpus.wasDrained())
}

func TestTrigger_DeploysAboveThreshold(t *testing.T) {
	st := store.NewMemory()
	dep := &fakeDeployer{}
	s := NewScheduler(st, &fakeCorpus{pending: 120}, fakeSatisfaction{0.9}, dep,
		trainerCfg(shCmd(`printf 'Model: m-tuned\nAccuracy: 0.87\n'`)), nil)

	jobID, err := s.Trigger(context.Background())
	require.NoError(t, err)

	job := waitForTerminalJob(t, st, jobID)
	s.jobWG.Wait()

	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, "m-tuned", job.ModelID)
	assert.InDelta(t, 0.87, job.Metrics["accuracy"], 1e-9)

	modelID, calls := dep.deployed()
	assert.Equal(t, 1, calls)
	assert.Equal(t, "m-tuned", modelID)
}

func TestTrigger_NoDeployBelowThreshold(t *testing.T) {
	st := store.NewMemory()
	dep := &fakeDeployer{}
	s := NewScheduler(st, &fakeCorpus{pending: 120}, fakeSatisfaction{0.9}, dep,
		trainerCfg(shCmd(`printf 'Model: m-tuned\nAccuracy: 0.80\n'`)), nil)

	jobID, err := s.Trigger(context.Background())
	require.NoError(t, err)

	job := waitForTerminalJob(t, st, jobID)
	s.jobWG.Wait()

	assert.Equal(t, models.JobCompleted, job.Status)
	_, calls := dep.deployed()
	assert.Equal(t, 0, calls, "0.80 accuracy must not deploy")
}

func TestTrigger_FailedTrainerKeepsStderr(t *testing.T) {
	st := store.NewMemory()
	dep := &fakeDeployer{}
	s := NewScheduler(st, &fakeCorpus{pending: 120}, fakeSatisfaction{0.9}, dep,
		trainerCfg(shCmd(`echo boom >&2; exit 3`)), nil)

	jobID, err := s.Trigger(context.Background())
	require.NoError(t, err)

	job := waitForTerminalJob(t, st, jobID)
	s.jobWG.Wait()

	assert.Equal(t, models.JobFailed, job.Status)
	assert.Contains(t, job.Error, "boom")
	_, calls := dep.deployed()
	assert.Equal(t, 0, calls)
}

func TestTrigger_UnparseableOutputCompletesWithoutDeploy(t *testing.T) {
	st := store.NewMemory()
	dep := &fakeDeployer{}
	s := NewScheduler(st, &fakeCorpus{pending: 120}, fakeSatisfaction{0.9}, dep,
		trainerCfg(shCmd(`echo training went fine`)), nil)

	jobID, err := s.Trigger(context.Background())
	require.NoError(t, err)

	job := waitForTerminalJob(t, st, jobID)
	s.jobWG.Wait()

	assert.Equal(t, models.JobCompleted, job.Status)
	_, calls := dep.deployed()
	assert.Equal(t, 0, calls)
}

func TestTrigger_SecondCallWhileRunning(t *testing.T) {
	st := store.NewMemory()
	s := NewScheduler(st, &fakeCorpus{pending: 120}, fakeSatisfaction{0.9}, &fakeDeployer{},
		trainerCfg(shCmd(`sleep 1; printf 'Model: m1\nAccuracy: 0.90\n'`)), nil)

	jobID, err := s.Trigger(context.Background())
	require.NoError(t, err)

	_, err = s.Trigger(context.Background())
	assert.ErrorIs(t, err, ErrJobRunning)

	waitForTerminalJob(t, st, jobID)
	s.jobWG.Wait()
}

func TestTrigger_EmptyCorpus(t *testing.T) {
	s := NewScheduler(store.NewMemory(), &fakeCorpus{pending: 0}, fakeSatisfaction{0.9}, &fakeDeployer{},
		trainerCfg(shCmd(`true`)), nil)

	_, err := s.Trigger(context.Background())
	assert.ErrorIs(t, err, ErrNoData)

	// The active-job slot is released; a later trigger is not blocked.
	_, err = s.Trigger(context.Background())
	assert.ErrorIs(t, err, ErrNoData)
	assert.NotErrorIs(t, err, ErrJobRunning)
}

func TestParseTrainerOutput(t *testing.T) {
	tests := []struct {
		name      string
		out       string
		wantModel string
		wantAcc   float64
		wantOK    bool
	}{
		{"both lines", "Model: m1\nAccuracy: 0.87\n", "m1", 0.87, true},
		{"extra noise", "epoch 1 done\nModel:   m2  \nAccuracy: 0.91\nbye\n", "m2", 0.91, true},
		{"missing accuracy", "Model: m1\n", "m1", 0, false},
		{"missing model", "Accuracy: 0.9\n", "", 0.9, false},
		{"garbage", "all good\n", "", 0, false},
	}

	for _, tt := range tests {
		model, acc, ok := parseTrainerOutput(tt.out)
		if model != tt.wantModel || acc != tt.wantAcc || ok != tt.wantOK {
			t.Errorf("%s: parseTrainerOutput() = (%q, %v, %v), want (%q, %v, %v)",
				tt.name, model, acc, ok, tt.wantModel, tt.wantAcc, tt.wantOK)
		}
	}
}

func TestStatus(t *testing.T) {
	st := store.NewMemory()
	corpus := &fakeCorpus{pending: 42}
	s := NewScheduler(st, corpus, fakeSatisfaction{0.9}, &fakeDeployer{},
		trainerCfg(shCmd(`true`)), nil)
	completed := time.Now().Add(-time.Hour)
	seedCompletedJob(t, st, completed)

	status, err := s.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, status.SchedulerRunning)
	assert.Empty(t, status.ActiveJobID)
	assert.Equal(t, 42, status.PendingCount)
	require.NotNil(t, status.LastJob)
	assert.Equal(t, "prior", status.LastJob.ID)

	s.Start()
	defer s.Stop()

	status, err = s.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.SchedulerRunning)
	assert.NotNil(t, status.NextCheck)
}
