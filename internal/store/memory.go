package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/darasa-ai/darasa/pkg/models"
)

// Memory provides in-memory storage for single-node deployments and tests.
type Memory struct {
	mu           sync.RWMutex
	profiles     map[string]*models.LearningProfile
	interactions map[string]*models.Interaction
	interOrder   []string // insertion order, timestamps are monotonic per user
	dedupe       map[string]string
	experiments  map[string]*models.Experiment
	assignments  map[string]*models.Assignment // userID|experimentID
	events       []*models.ABEvent
	contents     map[string]*models.Content
	jobs         map[string]*models.TrainingJob
	jobOrder     []string
}

// NewMemory creates a new in-memory store.
func NewMemory() *Memory {
	return &Memory{
		profiles:     make(map[string]*models.LearningProfile),
		interactions: make(map[string]*models.Interaction),
		dedupe:       make(map[string]string),
		experiments:  make(map[string]*models.Experiment),
		assignments:  make(map[string]*models.Assignment),
		contents:     make(map[string]*models.Content),
		jobs:         make(map[string]*models.TrainingJob),
	}
}

func assignmentKey(userID, experimentID string) string {
	return userID + "|" + experimentID
}

func dedupeKey(userID string, ts time.Time, question string) string {
	return userID + "|" + ts.UTC().Format(time.RFC3339Nano) + "|" + question
}

// cloneProfile copies a profile including its maps and slices, so callers
// and the store never share mutable state. The skill model mutates
// profiles in place while the scorer reads snapshots concurrently.
func cloneProfile(p *models.LearningProfile) *models.LearningProfile {
	cp := *p
	if p.Topics != nil {
		cp.Topics = make(map[string]*models.TopicMetrics, len(p.Topics))
		for id, tm := range p.Topics {
			t := *tm
			cp.Topics[id] = &t
		}
	}
	if p.SkillTree != nil {
		cp.SkillTree = make(map[string]float64, len(p.SkillTree))
		for id, m := range p.SkillTree {
			cp.SkillTree[id] = m
		}
	}
	cp.PreferredModalities = append([]models.Modality(nil), p.PreferredModalities...)
	cp.History = append([]models.ActivityRecord(nil), p.History...)
	cp.Adaptations = append([]models.Adaptation(nil), p.Adaptations...)
	return &cp
}

// Profiles

func (m *Memory) GetProfile(_ context.Context, userID string) (*models.LearningProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, exists := m.profiles[userID]
	if !exists {
		return nil, ErrNotFound
	}
	return cloneProfile(p), nil
}

func (m *Memory) SaveProfile(_ context.Context, profile *models.LearningProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.profiles[profile.UserID] = cloneProfile(profile)
	return nil
}

// Interactions

func (m *Memory) SaveInteraction(_ context.Context, in *models.Interaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *in
	if _, exists := m.interactions[in.ID]; !exists {
		m.interOrder = append(m.interOrder, in.ID)
	}
	m.interactions[in.ID] = &cp
	m.dedupe[dedupeKey(in.UserID, in.Timestamp, in.Question)] = in.ID
	return nil
}

func (m *Memory) GetInteraction(_ context.Context, id string) (*models.Interaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	in, exists := m.interactions[id]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *in
	return &cp, nil
}

func (m *Memory) UpdateInteractionFeedback(_ context.Context, id, feedback string, ratings *models.Ratings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, exists := m.interactions[id]
	if !exists {
		return ErrNotFound
	}
	if feedback != "" {
		in.Feedback = feedback
	}
	if ratings != nil {
		r := *ratings
		in.Ratings = &r
	}
	return nil
}

func (m *Memory) HasInteraction(_ context.Context, userID string, ts time.Time, question string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.dedupe[dedupeKey(userID, ts, question)]
	return exists, nil
}

func (m *Memory) ListTrainingCandidates(_ context.Context, minConfidence float64, limit int) ([]*models.Interaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Interaction, 0)
	for _, id := range m.interOrder {
		in := m.interactions[id]
		if !trainingCandidate(in, minConfidence) {
			continue
		}
		cp := *in
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) CountTrainingCandidates(_ context.Context, minConfidence float64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, in := range m.interactions {
		if trainingCandidate(in, minConfidence) {
			count++
		}
	}
	return count, nil
}

func (m *Memory) MarkConsumedForTraining(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, exists := m.interactions[id]
	if !exists || in.ConsumedForTraining {
		return false, nil
	}
	in.ConsumedForTraining = true
	return true, nil
}

func (m *Memory) UnmarkConsumedForTraining(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, exists := m.interactions[id]
	if !exists {
		return ErrNotFound
	}
	in.ConsumedForTraining = false
	return nil
}

// Experiments

func (m *Memory) SaveExperiment(_ context.Context, exp *models.Experiment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *exp
	m.experiments[exp.ID] = &cp
	return nil
}

func (m *Memory) GetExperiment(_ context.Context, id string) (*models.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exp, exists := m.experiments[id]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *exp
	return &cp, nil
}

func (m *Memory) ListActiveExperiments(_ context.Context) ([]*models.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Experiment, 0)
	for _, exp := range m.experiments {
		if exp.Status == models.ExperimentActive {
			cp := *exp
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetAssignment(_ context.Context, userID, experimentID string) (*models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, exists := m.assignments[assignmentKey(userID, experimentID)]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) SaveAssignment(_ context.Context, a *models.Assignment) (*models.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := assignmentKey(a.UserID, a.ExperimentID)
	if existing, exists := m.assignments[key]; exists {
		cp := *existing
		return &cp, nil
	}

	cp := *a
	m.assignments[key] = &cp
	if exp, ok := m.experiments[a.ExperimentID]; ok {
		exp.Participants++
	}
	out := cp
	return &out, nil
}

func (m *Memory) AppendEvent(_ context.Context, ev *models.ABEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *ev
	m.events = append(m.events, &cp)
	return nil
}

func (m *Memory) ListEvents(_ context.Context, experimentID string) ([]*models.ABEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.ABEvent, 0)
	for _, ev := range m.events {
		if ev.ExperimentID == experimentID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) ListAllEvents(_ context.Context) ([]*models.ABEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.ABEvent, 0, len(m.events))
	for _, ev := range m.events {
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

// Content catalogue

func (m *Memory) SaveContent(_ context.Context, c *models.Content) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *c
	m.contents[c.ID] = &cp
	return nil
}

func (m *Memory) ListContents(_ context.Context, subject, topicID string) ([]*models.Content, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Content, 0)
	for _, c := range m.contents {
		if subject != "" && c.Subject != subject {
			continue
		}
		if topicID != "" && c.TopicID != topicID {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Training jobs

func (m *Memory) SaveTrainingJob(_ context.Context, job *models.TrainingJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *job
	if _, exists := m.jobs[job.ID]; !exists {
		m.jobOrder = append(m.jobOrder, job.ID)
	}
	m.jobs[job.ID] = &cp
	return nil
}

func (m *Memory) UpdateTrainingJob(_ context.Context, job *models.TrainingJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.ID]; !exists {
		return ErrNotFound
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *Memory) GetTrainingJob(_ context.Context, id string) (*models.TrainingJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, exists := m.jobs[id]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *Memory) LastCompletedTrainingJob(_ context.Context) (*models.TrainingJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Job ids are monotonic by creation time; walk newest first.
	for i := len(m.jobOrder) - 1; i >= 0; i-- {
		job := m.jobs[m.jobOrder[i]]
		if job.Status == models.JobCompleted {
			cp := *job
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}
