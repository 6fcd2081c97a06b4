package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/darasa-ai/darasa/pkg/models"
)

// rebind converts ? placeholders to $1, $2, ... for PostgreSQL.
func rebind(query string) string {
	n := 1
	out := strings.Builder{}
	for _, ch := range query {
		if ch == '?' {
			out.WriteString(fmt.Sprintf("$%d", n))
			n++
		} else {
			out.WriteRune(ch)
		}
	}
	return out.String()
}

// Postgres is a Store backed by PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a PostgreSQL-backed store and initializes the schema.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	p := &Postgres{db: db}
	if err := p.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return p, nil
}

func (p *Postgres) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		user_id TEXT PRIMARY KEY,
		doc JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS interactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		ts TIMESTAMPTZ NOT NULL,
		grade_level INTEGER NOT NULL DEFAULT 0,
		subject TEXT NOT NULL DEFAULT '',
		topic_id TEXT NOT NULL DEFAULT '',
		question TEXT NOT NULL,
		response TEXT NOT NULL,
		feedback TEXT NOT NULL DEFAULT '',
		model_id TEXT NOT NULL DEFAULT '',
		provider_id TEXT NOT NULL DEFAULT '',
		response_time_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		success BOOLEAN NOT NULL DEFAULT FALSE,
		score DOUBLE PRECISION,
		ratings JSONB,
		experiment_id TEXT NOT NULL DEFAULT '',
		variant_id TEXT NOT NULL DEFAULT '',
		consumed_for_training BOOLEAN NOT NULL DEFAULT FALSE
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_user_ts ON interactions(user_id, ts);
	CREATE INDEX IF NOT EXISTS idx_interactions_candidates
		ON interactions(consumed_for_training, feedback, success);

	CREATE TABLE IF NOT EXISTS experiments (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ends_at TIMESTAMPTZ NOT NULL,
		doc JSONB NOT NULL,
		participants INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status);

	CREATE TABLE IF NOT EXISTS assignments (
		user_id TEXT NOT NULL,
		experiment_id TEXT NOT NULL,
		variant_id TEXT NOT NULL,
		assigned_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (user_id, experiment_id)
	);

	CREATE TABLE IF NOT EXISTS ab_events (
		id BIGSERIAL PRIMARY KEY,
		experiment_id TEXT NOT NULL,
		variant_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		metrics JSONB,
		ts TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ab_events_experiment ON ab_events(experiment_id);

	CREATE TABLE IF NOT EXISTS contents (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL DEFAULT '',
		topic_id TEXT NOT NULL DEFAULT '',
		doc JSONB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_contents_subject ON contents(subject);

	CREATE TABLE IF NOT EXISTS training_jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		data_file TEXT NOT NULL DEFAULT '',
		data_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		model_id TEXT NOT NULL DEFAULT '',
		metrics JSONB,
		error TEXT NOT NULL DEFAULT ''
	);
	`
	if _, err := p.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Profiles

func (p *Postgres) GetProfile(ctx context.Context, userID string) (*models.LearningProfile, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, rebind(`SELECT doc FROM profiles WHERE user_id = ?`), userID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var profile models.LearningProfile
	if err := json.Unmarshal(doc, &profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return &profile, nil
}

func (p *Postgres) SaveProfile(ctx context.Context, profile *models.LearningProfile) error {
	doc, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}

	_, err = p.db.ExecContext(ctx, rebind(`
		INSERT INTO profiles (user_id, doc, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`),
		profile.UserID, doc, time.Now().UTC(),
	)
	return err
}

// Interactions

func (p *Postgres) SaveInteraction(ctx context.Context, in *models.Interaction) error {
	var ratings []byte
	if in.Ratings != nil {
		var err error
		ratings, err = json.Marshal(in.Ratings)
		if err != nil {
			return err
		}
	}

	var score sql.NullFloat64
	if in.Score != nil {
		score = sql.NullFloat64{Float64: *in.Score, Valid: true}
	}

	_, err := p.db.ExecContext(ctx, rebind(`
		INSERT INTO interactions (
			id, user_id, ts, grade_level, subject, topic_id, question, response,
			feedback, model_id, provider_id, response_time_seconds, confidence,
			success, score, ratings, experiment_id, variant_id, consumed_for_training
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		in.ID, in.UserID, in.Timestamp, in.GradeLevel, in.Subject, in.TopicID,
		in.Question, in.Response, in.Feedback, in.ModelID, in.ProviderID,
		in.ResponseTimeSeconds, in.Confidence, in.Success, score, nullBytes(ratings),
		in.ExperimentID, in.VariantID, in.ConsumedForTraining,
	)
	return err
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

const interactionColumns = `id, user_id, ts, grade_level, subject, topic_id, question, response,
	feedback, model_id, provider_id, response_time_seconds, confidence, success,
	score, ratings, experiment_id, variant_id, consumed_for_training`

func scanInteraction(row interface{ Scan(...interface{}) error }) (*models.Interaction, error) {
	var in models.Interaction
	var score sql.NullFloat64
	var ratings []byte

	err := row.Scan(&in.ID, &in.UserID, &in.Timestamp, &in.GradeLevel, &in.Subject,
		&in.TopicID, &in.Question, &in.Response, &in.Feedback, &in.ModelID,
		&in.ProviderID, &in.ResponseTimeSeconds, &in.Confidence, &in.Success,
		&score, &ratings, &in.ExperimentID, &in.VariantID, &in.ConsumedForTraining)
	if err != nil {
		return nil, err
	}

	if score.Valid {
		v := score.Float64
		in.Score = &v
	}
	if len(ratings) > 0 {
		var r models.Ratings
		if err := json.Unmarshal(ratings, &r); err != nil {
			return nil, fmt.Errorf("failed to decode ratings: %w", err)
		}
		in.Ratings = &r
	}
	return &in, nil
}

func (p *Postgres) GetInteraction(ctx context.Context, id string) (*models.Interaction, error) {
	row := p.db.QueryRowContext(ctx, rebind(`SELECT `+interactionColumns+` FROM interactions WHERE id = ?`), id)
	in, err := scanInteraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return in, err
}

func (p *Postgres) UpdateInteractionFeedback(ctx context.Context, id, feedback string, ratings *models.Ratings) error {
	var ratingsDoc []byte
	if ratings != nil {
		var err error
		ratingsDoc, err = json.Marshal(ratings)
		if err != nil {
			return err
		}
	}

	res, err := p.db.ExecContext(ctx, rebind(`
		UPDATE interactions
		SET feedback = CASE WHEN ? = '' THEN feedback ELSE ? END,
		    ratings = COALESCE(?, ratings)
		WHERE id = ?`),
		feedback, feedback, nullBytes(ratingsDoc), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) HasInteraction(ctx context.Context, userID string, ts time.Time, question string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, rebind(`
		SELECT EXISTS (SELECT 1 FROM interactions WHERE user_id = ? AND ts = ? AND question = ?)`),
		userID, ts, question,
	).Scan(&exists)
	return exists, err
}

func (p *Postgres) ListTrainingCandidates(ctx context.Context, minConfidence float64, limit int) ([]*models.Interaction, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := p.db.QueryContext(ctx, rebind(`
		SELECT `+interactionColumns+` FROM interactions
		WHERE consumed_for_training = FALSE
		  AND feedback = ?
		  AND success = TRUE
		  AND confidence >= ?
		ORDER BY ts ASC
		LIMIT ?`),
		models.FeedbackPositive, minConfidence, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Interaction
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (p *Postgres) CountTrainingCandidates(ctx context.Context, minConfidence float64) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, rebind(`
		SELECT COUNT(*) FROM interactions
		WHERE consumed_for_training = FALSE
		  AND feedback = ?
		  AND success = TRUE
		  AND confidence >= ?`),
		models.FeedbackPositive, minConfidence,
	).Scan(&count)
	return count, err
}

func (p *Postgres) MarkConsumedForTraining(ctx context.Context, id string) (bool, error) {
	// Compare-and-swap on the consumed flag; at most one caller wins.
	res, err := p.db.ExecContext(ctx, rebind(`
		UPDATE interactions SET consumed_for_training = TRUE
		WHERE id = ? AND consumed_for_training = FALSE`),
		id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *Postgres) UnmarkConsumedForTraining(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, rebind(`
		UPDATE interactions SET consumed_for_training = FALSE
		WHERE id = ?`),
		id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Experiments

// experimentDoc carries the JSON-encoded parts of an experiment row.
type experimentDoc struct {
	Variants      []models.Variant   `json:"variants"`
	TrafficSplit  map[string]float64 `json:"traffic_split"`
	TargetMetrics []string           `json:"target_metrics,omitempty"`
}

func (p *Postgres) SaveExperiment(ctx context.Context, exp *models.Experiment) error {
	doc, err := json.Marshal(experimentDoc{
		Variants:      exp.Variants,
		TrafficSplit:  exp.TrafficSplit,
		TargetMetrics: exp.TargetMetrics,
	})
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, rebind(`
		INSERT INTO experiments (id, name, status, started_at, ends_at, doc, participants)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, status = EXCLUDED.status,
			started_at = EXCLUDED.started_at, ends_at = EXCLUDED.ends_at,
			doc = EXCLUDED.doc, participants = EXCLUDED.participants`),
		exp.ID, exp.Name, string(exp.Status), exp.StartedAt, exp.EndsAt, doc, exp.Participants,
	)
	return err
}

func scanExperiment(row interface{ Scan(...interface{}) error }) (*models.Experiment, error) {
	var exp models.Experiment
	var status string
	var doc []byte

	err := row.Scan(&exp.ID, &exp.Name, &status, &exp.StartedAt, &exp.EndsAt, &doc, &exp.Participants)
	if err != nil {
		return nil, err
	}

	exp.Status = models.ExperimentStatus(status)
	var d experimentDoc
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("failed to decode experiment: %w", err)
	}
	exp.Variants = d.Variants
	exp.TrafficSplit = d.TrafficSplit
	exp.TargetMetrics = d.TargetMetrics
	return &exp, nil
}

func (p *Postgres) GetExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	row := p.db.QueryRowContext(ctx, rebind(`
		SELECT id, name, status, started_at, ends_at, doc, participants
		FROM experiments WHERE id = ?`), id)
	exp, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return exp, err
}

func (p *Postgres) ListActiveExperiments(ctx context.Context) ([]*models.Experiment, error) {
	rows, err := p.db.QueryContext(ctx, rebind(`
		SELECT id, name, status, started_at, ends_at, doc, participants
		FROM experiments WHERE status = ? ORDER BY id`),
		string(models.ExperimentActive),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

func (p *Postgres) GetAssignment(ctx context.Context, userID, experimentID string) (*models.Assignment, error) {
	var a models.Assignment
	err := p.db.QueryRowContext(ctx, rebind(`
		SELECT user_id, experiment_id, variant_id, assigned_at
		FROM assignments WHERE user_id = ? AND experiment_id = ?`),
		userID, experimentID,
	).Scan(&a.UserID, &a.ExperimentID, &a.VariantID, &a.AssignedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *Postgres) SaveAssignment(ctx context.Context, a *models.Assignment) (*models.Assignment, error) {
	res, err := p.db.ExecContext(ctx, rebind(`
		INSERT INTO assignments (user_id, experiment_id, variant_id, assigned_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, experiment_id) DO NOTHING`),
		a.UserID, a.ExperimentID, a.VariantID, a.AssignedAt,
	)
	if err != nil {
		return nil, err
	}

	if n, err := res.RowsAffected(); err == nil && n == 1 {
		_, _ = p.db.ExecContext(ctx, rebind(`
			UPDATE experiments SET participants = participants + 1 WHERE id = ?`),
			a.ExperimentID)
		cp := *a
		return &cp, nil
	}

	// Lost the race or already assigned; the stored row wins.
	return p.GetAssignment(ctx, a.UserID, a.ExperimentID)
}

func (p *Postgres) AppendEvent(ctx context.Context, ev *models.ABEvent) error {
	var metrics []byte
	if len(ev.Metrics) > 0 {
		var err error
		metrics, err = json.Marshal(ev.Metrics)
		if err != nil {
			return err
		}
	}

	_, err := p.db.ExecContext(ctx, rebind(`
		INSERT INTO ab_events (experiment_id, variant_id, user_id, event_type, metrics, ts)
		VALUES (?, ?, ?, ?, ?, ?)`),
		ev.ExperimentID, ev.VariantID, ev.UserID, ev.EventType, nullBytes(metrics), ev.Timestamp,
	)
	return err
}

func (p *Postgres) listEvents(ctx context.Context, query string, args ...interface{}) ([]*models.ABEvent, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ABEvent
	for rows.Next() {
		var ev models.ABEvent
		var metrics []byte
		if err := rows.Scan(&ev.ExperimentID, &ev.VariantID, &ev.UserID, &ev.EventType, &metrics, &ev.Timestamp); err != nil {
			return nil, err
		}
		if len(metrics) > 0 {
			if err := json.Unmarshal(metrics, &ev.Metrics); err != nil {
				return nil, fmt.Errorf("failed to decode event metrics: %w", err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (p *Postgres) ListEvents(ctx context.Context, experimentID string) ([]*models.ABEvent, error) {
	return p.listEvents(ctx, rebind(`
		SELECT experiment_id, variant_id, user_id, event_type, metrics, ts
		FROM ab_events WHERE experiment_id = ? ORDER BY id`), experimentID)
}

func (p *Postgres) ListAllEvents(ctx context.Context) ([]*models.ABEvent, error) {
	return p.listEvents(ctx, `
		SELECT experiment_id, variant_id, user_id, event_type, metrics, ts
		FROM ab_events ORDER BY id`)
}

// Content catalogue

func (p *Postgres) SaveContent(ctx context.Context, c *models.Content) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, rebind(`
		INSERT INTO contents (id, subject, topic_id, doc) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			subject = EXCLUDED.subject, topic_id = EXCLUDED.topic_id, doc = EXCLUDED.doc`),
		c.ID, c.Subject, c.TopicID, doc,
	)
	return err
}

func (p *Postgres) ListContents(ctx context.Context, subject, topicID string) ([]*models.Content, error) {
	query := `SELECT doc FROM contents WHERE 1=1`
	var args []interface{}
	if subject != "" {
		query += ` AND subject = ?`
		args = append(args, subject)
	}
	if topicID != "" {
		query += ` AND topic_id = ?`
		args = append(args, topicID)
	}
	query += ` ORDER BY id`

	rows, err := p.db.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Content
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var c models.Content
		if err := json.Unmarshal(doc, &c); err != nil {
			return nil, fmt.Errorf("failed to decode content: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// Training jobs

func (p *Postgres) saveJob(ctx context.Context, job *models.TrainingJob, upsert bool) error {
	var metrics []byte
	if len(job.Metrics) > 0 {
		var err error
		metrics, err = json.Marshal(job.Metrics)
		if err != nil {
			return err
		}
	}

	query := `
		INSERT INTO training_jobs (id, status, data_file, data_count, created_at,
			started_at, completed_at, model_id, metrics, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if upsert {
		query += `
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, data_file = EXCLUDED.data_file,
			data_count = EXCLUDED.data_count, started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at, model_id = EXCLUDED.model_id,
			metrics = EXCLUDED.metrics, error = EXCLUDED.error`
	}

	_, err := p.db.ExecContext(ctx, rebind(query),
		job.ID, string(job.Status), job.DataFile, job.DataCount, job.CreatedAt,
		job.StartedAt, job.CompletedAt, job.ModelID, nullBytes(metrics), job.Error,
	)
	return err
}

func (p *Postgres) SaveTrainingJob(ctx context.Context, job *models.TrainingJob) error {
	return p.saveJob(ctx, job, true)
}

func (p *Postgres) UpdateTrainingJob(ctx context.Context, job *models.TrainingJob) error {
	return p.saveJob(ctx, job, true)
}

func scanJob(row interface{ Scan(...interface{}) error }) (*models.TrainingJob, error) {
	var job models.TrainingJob
	var status string
	var started, completed sql.NullTime
	var metrics []byte

	err := row.Scan(&job.ID, &status, &job.DataFile, &job.DataCount, &job.CreatedAt,
		&started, &completed, &job.ModelID, &metrics, &job.Error)
	if err != nil {
		return nil, err
	}

	job.Status = models.TrainingJobStatus(status)
	if started.Valid {
		t := started.Time
		job.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		job.CompletedAt = &t
	}
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &job.Metrics); err != nil {
			return nil, fmt.Errorf("failed to decode job metrics: %w", err)
		}
	}
	return &job, nil
}

const jobColumns = `id, status, data_file, data_count, created_at, started_at, completed_at, model_id, metrics, error`

func (p *Postgres) GetTrainingJob(ctx context.Context, id string) (*models.TrainingJob, error) {
	row := p.db.QueryRowContext(ctx, rebind(`SELECT `+jobColumns+` FROM training_jobs WHERE id = ?`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func (p *Postgres) LastCompletedTrainingJob(ctx context.Context) (*models.TrainingJob, error) {
	row := p.db.QueryRowContext(ctx, rebind(`
		SELECT `+jobColumns+` FROM training_jobs
		WHERE status = ? ORDER BY created_at DESC LIMIT 1`),
		string(models.JobCompleted),
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// Close closes the database connection.
func (p *Postgres) Close() error {
	return p.db.Close()
}
