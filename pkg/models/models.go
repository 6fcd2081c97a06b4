package models

import "time"

// DifficultyLevel is an ordered difficulty label for students and content.
type DifficultyLevel string

const (
	DifficultyBeginner DifficultyLevel = "beginner"
	DifficultyEasy     DifficultyLevel = "easy"
	DifficultyMedium   DifficultyLevel = "medium"
	DifficultyHard     DifficultyLevel = "hard"
	DifficultyExpert   DifficultyLevel = "expert"
)

// difficultyOrder maps each level onto its rung, lowest first.
var difficultyOrder = []DifficultyLevel{
	DifficultyBeginner,
	DifficultyEasy,
	DifficultyMedium,
	DifficultyHard,
	DifficultyExpert,
}

// Rank returns the level's position in the difficulty ladder, or -1 for an
// unknown label.
func (d DifficultyLevel) Rank() int {
	for i, l := range difficultyOrder {
		if l == d {
			return i
		}
	}
	return -1
}

// Next returns the level one rung up, clamped at expert.
func (d DifficultyLevel) Next() DifficultyLevel {
	r := d.Rank()
	if r < 0 || r >= len(difficultyOrder)-1 {
		return difficultyOrder[len(difficultyOrder)-1]
	}
	return difficultyOrder[r+1]
}

// Prev returns the level one rung down, clamped at beginner.
func (d DifficultyLevel) Prev() DifficultyLevel {
	r := d.Rank()
	if r <= 0 {
		return difficultyOrder[0]
	}
	return difficultyOrder[r-1]
}

// DifficultyFromRank returns the level at the given rung, clamped to the
// ladder's edges.
func DifficultyFromRank(rank int) DifficultyLevel {
	if rank < 0 {
		rank = 0
	}
	if rank >= len(difficultyOrder) {
		rank = len(difficultyOrder) - 1
	}
	return difficultyOrder[rank]
}

// Pace is an ordered category for how fast a student absorbs material.
type Pace string

const (
	PaceVerySlow Pace = "very_slow"
	PaceSlow     Pace = "slow"
	PaceNormal   Pace = "normal"
	PaceFast     Pace = "fast"
	PaceVeryFast Pace = "very_fast"
)

var paceOrder = []Pace{PaceVerySlow, PaceSlow, PaceNormal, PaceFast, PaceVeryFast}

// Rank returns the pace's position in the ladder, or -1 for an unknown label.
func (p Pace) Rank() int {
	for i, v := range paceOrder {
		if v == p {
			return i
		}
	}
	return -1
}

// Next returns the pace one rung up, clamped at very_fast.
func (p Pace) Next() Pace {
	r := p.Rank()
	if r < 0 || r >= len(paceOrder)-1 {
		return paceOrder[len(paceOrder)-1]
	}
	return paceOrder[r+1]
}

// Prev returns the pace one rung down, clamped at very_slow.
func (p Pace) Prev() Pace {
	r := p.Rank()
	if r <= 0 {
		return paceOrder[0]
	}
	return paceOrder[r-1]
}

// Modality identifies a content delivery format.
type Modality string

const (
	ModalityVideo       Modality = "video"
	ModalityText        Modality = "text"
	ModalityInteractive Modality = "interactive"
	ModalityQuiz        Modality = "quiz"
	ModalityPractice    Modality = "practice"
	ModalityGame        Modality = "game"
	ModalityProject     Modality = "project"
)

// TopicMetrics tracks a student's accumulated performance on one topic.
type TopicMetrics struct {
	SuccessRate        float64 `json:"success_rate"`
	AverageTimeSeconds float64 `json:"average_time_seconds"`
	AttemptCount       int     `json:"attempt_count"`
	EngagementScore    float64 `json:"engagement_score"`
	MasteryLevel       float64 `json:"mastery_level"` // 0..1
}

// ActivityRecord is one entry in a profile's bounded history.
type ActivityRecord struct {
	TopicID         string    `json:"topic_id"`
	ActivityType    string    `json:"activity_type,omitempty"`
	Score           float64   `json:"score"`
	DurationSeconds float64   `json:"duration_seconds"`
	Engagement      float64   `json:"engagement"`
	Completed       bool      `json:"completed"`
	Timestamp       time.Time `json:"timestamp"`
}

// Adaptation records a single adjustment applied to a student's profile.
type Adaptation struct {
	Type      string            `json:"type"`
	Reason    string            `json:"reason"`
	Details   map[string]string `json:"details,omitempty"`
	AppliedAt time.Time         `json:"applied_at"`
}

// Adaptation types emitted by the arbiter.
const (
	AdaptDifficultyIncrease = "difficulty_increase"
	AdaptDifficultyDecrease = "difficulty_decrease"
	AdaptPaceIncrease       = "pace_increase"
	AdaptPaceDecrease       = "pace_decrease"
	AdaptContentTypeChange  = "content_type_change"
)

// LearningProfile is the per-student adaptive state. It is owned by the
// skill model and only updated through the feedback path.
type LearningProfile struct {
	UserID              string                   `json:"user_id"`
	GradeLevel          int                      `json:"grade_level"`
	Level               DifficultyLevel          `json:"level"`
	Pace                Pace                     `json:"pace"`
	PreferredModalities []Modality               `json:"preferred_modalities"`
	Topics              map[string]*TopicMetrics `json:"topics"`
	SkillTree           map[string]float64       `json:"skill_tree"` // topic_id -> mastery 0..1
	History             []ActivityRecord         `json:"history"`
	Adaptations         []Adaptation             `json:"adaptations,omitempty"`
	CreatedAt           time.Time                `json:"created_at"`
	UpdatedAt           time.Time                `json:"updated_at"`
}

// TopicMetricsFor returns the metrics entry for a topic, creating a
// zero-initialised one when the topic has never been seen.
func (p *LearningProfile) TopicMetricsFor(topicID string) *TopicMetrics {
	if p.Topics == nil {
		p.Topics = make(map[string]*TopicMetrics)
	}
	m, ok := p.Topics[topicID]
	if !ok {
		m = &TopicMetrics{}
		p.Topics[topicID] = m
	}
	return m
}

// Feedback polarity on an interaction.
const (
	FeedbackPositive = "positive"
	FeedbackNegative = "negative"
	FeedbackNeutral  = "neutral"
)

// Ratings are optional 1..5 scores attached to an interaction after the fact.
type Ratings struct {
	Difficulty  int `json:"difficulty,omitempty"`
	Clarity     int `json:"clarity,omitempty"`
	Helpfulness int `json:"helpfulness,omitempty"`
}

// Interaction is one recorded tutoring turn. Immutable once written, except
// for feedback/rating attachment and the consumed_for_training flag.
type Interaction struct {
	ID                  string    `json:"id"`
	Timestamp           time.Time `json:"timestamp"`
	UserID              string    `json:"user_id,omitempty"`
	GradeLevel          int       `json:"grade_level"`
	Subject             string    `json:"subject"`
	TopicID             string    `json:"topic_id,omitempty"`
	Question            string    `json:"question"`
	Response            string    `json:"response"`
	Feedback            string    `json:"feedback,omitempty"`
	ModelID             string    `json:"model_id"`
	ProviderID          string    `json:"provider_id"`
	ResponseTimeSeconds float64   `json:"response_time_seconds"`
	Confidence          float64   `json:"confidence"` // 0..1
	Success             bool      `json:"success"`
	Score               *float64  `json:"score,omitempty"` // set when the turn carries a graded activity
	Ratings             *Ratings  `json:"ratings,omitempty"`
	ExperimentID        string    `json:"experiment_id,omitempty"`
	VariantID           string    `json:"variant_id,omitempty"`
	ConsumedForTraining bool      `json:"consumed_for_training"`
}

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

const (
	ExperimentActive    ExperimentStatus = "active"
	ExperimentCompleted ExperimentStatus = "completed"
)

// ControlVariant is the reserved variant returned when no assignment can be
// made.
const ControlVariant = "control"

// Variant is one alternative model configuration inside an experiment.
type Variant struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ModelID    string `json:"model_id"`
	ProviderID string `json:"provider_id"`
}

// Experiment is a process-wide A/B test over tutor model configurations.
// TrafficSplit is walked in Variants order when bucketing users.
type Experiment struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	Status        ExperimentStatus   `json:"status"`
	StartedAt     time.Time          `json:"started_at"`
	EndsAt        time.Time          `json:"ends_at"`
	Variants      []Variant          `json:"variants"`
	TrafficSplit  map[string]float64 `json:"traffic_split"` // variant_id -> weight, sum 1.0
	TargetMetrics []string           `json:"target_metrics,omitempty"`
	Participants  int                `json:"participants"`
}

// Variant returns the variant with the given id, or nil.
func (e *Experiment) Variant(id string) *Variant {
	for i := range e.Variants {
		if e.Variants[i].ID == id {
			return &e.Variants[i]
		}
	}
	return nil
}

// ABEvent is one append-only experiment observation.
type ABEvent struct {
	ExperimentID string             `json:"experiment_id"`
	VariantID    string             `json:"variant_id"`
	UserID       string             `json:"user_id"`
	EventType    string             `json:"event_type"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
}

// Assignment pins a user to a variant for the lifetime of an experiment.
type Assignment struct {
	UserID       string    `json:"user_id"`
	ExperimentID string    `json:"experiment_id"`
	VariantID    string    `json:"variant_id"`
	AssignedAt   time.Time `json:"assigned_at"`
}

// Content is a read-mostly catalogue entry served to students.
type Content struct {
	ID                   string          `json:"id"`
	TopicID              string          `json:"topic_id"`
	Subject              string          `json:"subject"`
	Title                string          `json:"title,omitempty"`
	Modality             Modality        `json:"modality"`
	Difficulty           DifficultyLevel `json:"difficulty"`
	EstimatedTimeMinutes int             `json:"estimated_time_minutes"`
	Prerequisites        []string        `json:"prerequisites,omitempty"`
	LearningObjectives   []string        `json:"learning_objectives,omitempty"`
	URL                  string          `json:"url,omitempty"`
}

// Recommendation pairs a content item with its score and reasons.
type Recommendation struct {
	Content *Content `json:"content"`
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons"`
}

// TrainingJobStatus is the lifecycle state of one fine-tuning run.
type TrainingJobStatus string

const (
	JobPending   TrainingJobStatus = "pending"
	JobRunning   TrainingJobStatus = "running"
	JobCompleted TrainingJobStatus = "completed"
	JobFailed    TrainingJobStatus = "failed"
)

// TrainingJob tracks one external trainer invocation. Created by the
// scheduler, updated once at start and once at terminal state.
type TrainingJob struct {
	ID          string             `json:"id"`
	Status      TrainingJobStatus  `json:"status"`
	DataFile    string             `json:"data_file"`
	DataCount   int                `json:"data_count"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	ModelID     string             `json:"resulting_model_id,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Error       string             `json:"error,omitempty"`
}
