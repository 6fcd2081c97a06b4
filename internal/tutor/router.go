// Package tutor routes tutoring turns across chat-completion providers with
// a fallback chain that ends in a static backup answer.
package tutor

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/darasa-ai/darasa/internal/metrics"
	"github.com/darasa-ai/darasa/internal/modelconfig"
	"github.com/darasa-ai/darasa/internal/provider"
	"github.com/darasa-ai/darasa/pkg/config"
	"github.com/darasa-ai/darasa/pkg/models"
)

// ErrServiceUnavailable is returned only when the static backup itself is
// unavailable; with a backup configured a turn always produces an answer.
var ErrServiceUnavailable = errors.New("tutoring service unavailable")

// Confidence attached to answers by source. Provider answers clear the
// training-corpus floor; backup answers never do.
const (
	providerConfidence = 0.9
	backupConfidence   = 0.3
)

const recordTimeout = 10 * time.Second

// Recorder receives the interaction produced by a successful turn. The
// router posts to it asynchronously; a turn never blocks on recording.
type Recorder interface {
	Record(ctx context.Context, in *models.Interaction) error
}

// Experiments resolves per-request model overrides from active A/B tests.
type Experiments interface {
	Assign(ctx context.Context, userID, experimentID string) string
	Variant(ctx context.Context, experimentID, variantID string) *models.Variant
}

// Request is one tutoring turn.
type Request struct {
	Prompt       string
	GradeLevel   int
	Subject      string
	Context      string // prepended to the user message, not the system prompt
	History      []provider.ChatMessage
	UserID       string
	StudentName  string
	ExperimentID string
}

// Response is the answer plus the metadata callers attach feedback to.
type Response struct {
	InteractionID string  `json:"interaction_id"`
	Text          string  `json:"text"`
	ModelID       string  `json:"model_id"`
	ProviderID    string  `json:"provider_id"`
	Tokens        int     `json:"tokens,omitempty"`
	Confidence    float64 `json:"confidence"`
	VariantID     string  `json:"variant_id,omitempty"`
	FromBackup    bool    `json:"from_backup,omitempty"`
}

// Router selects a model, walks the provider fallback chain, and emits the
// resulting interaction.
type Router struct {
	providers   *provider.Registry
	models      *modelconfig.Store
	backup      *Backup
	cfg         config.TutorConfig
	metrics     *metrics.Metrics
	experiments Experiments
	recorder    Recorder
}

// NewRouter creates a tutor router.
func NewRouter(providers *provider.Registry, mc *modelconfig.Store, backup *Backup, cfg config.TutorConfig, m *metrics.Metrics) *Router {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.TurnBudget <= 0 {
		cfg.TurnBudget = 60 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 6
	}
	return &Router{
		providers: providers,
		models:    mc,
		backup:    backup,
		cfg:       cfg,
		metrics:   m,
	}
}

// SetExperiments wires the experiment registry in.
func (r *Router) SetExperiments(e Experiments) { r.experiments = e }

// SetRecorder wires the feedback collector in.
func (r *Router) SetRecorder(rec Recorder) { r.recorder = rec }

// attempt is one rung of the fallback chain.
type attempt struct {
	providerID string
	modelID    string // empty means the provider's default model
}

// Respond serves one tutoring turn. Provider errors are swallowed and the
// chain traversed in order; the static backup answers when everything else
// fails.
func (r *Router) Respond(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	turnCtx, cancel := context.WithTimeout(ctx, r.cfg.TurnBudget)
	defer cancel()

	selection, haveDefault := r.models.SelectDefault()

	// An active experiment may override the model for this call only.
	variantID := ""
	if req.ExperimentID != "" && req.UserID != "" && r.experiments != nil {
		variantID = r.experiments.Assign(turnCtx, req.UserID, req.ExperimentID)
		if v := r.experiments.Variant(turnCtx, req.ExperimentID, variantID); v != nil && v.ModelID != "" {
			selection = modelconfig.Selection{ModelID: v.ModelID, ProviderID: v.ProviderID}
			haveDefault = true
		}
	}

	messages := r.buildMessages(req)

	var chain []attempt
	if haveDefault && selection.ProviderID != "" {
		chain = append(chain, attempt{providerID: selection.ProviderID, modelID: selection.ModelID})
	}
	for _, p := range r.providers.ListEnabled() {
		if haveDefault && p.Config.ID == selection.ProviderID {
			continue
		}
		chain = append(chain, attempt{providerID: p.Config.ID})
	}

	mcfg := r.models.Current()
	for _, at := range chain {
		if turnCtx.Err() != nil {
			break
		}
		text, modelID, tokens, ok := r.try(turnCtx, at, messages, mcfg)
		if !ok {
			continue
		}

		resp := &Response{
			InteractionID: uuid.New().String(),
			Text:          text,
			ModelID:       modelID,
			ProviderID:    at.providerID,
			Tokens:        tokens,
			Confidence:    providerConfidence,
			VariantID:     variantID,
		}
		r.observeTurn(at.providerID, modelID, "provider", time.Since(start))
		r.recordAsync(req, resp, time.Since(start))
		return resp, nil
	}

	if r.backup == nil {
		return nil, ErrServiceUnavailable
	}

	resp := &Response{
		InteractionID: uuid.New().String(),
		Text:          r.backup.Answer(req.GradeLevel, req.Subject),
		ModelID:       BackupModelID,
		ProviderID:    "backup",
		Confidence:    backupConfidence,
		VariantID:     variantID,
		FromBackup:    true,
	}
	if r.metrics != nil {
		r.metrics.BackupAnswers.Inc()
	}
	r.observeTurn("backup", BackupModelID, "backup", time.Since(start))
	r.recordAsync(req, resp, time.Since(start))
	return resp, nil
}

// try runs one provider attempt under the per-attempt timeout. An empty
// completion counts as a failure.
func (r *Router) try(ctx context.Context, at attempt, messages []provider.ChatMessage, mcfg *modelconfig.Config) (text, modelID string, tokens int, ok bool) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
	defer cancel()

	creq := &provider.ChatCompletionRequest{
		Model:       at.modelID,
		Messages:    messages,
		Temperature: mcfg.Temperature,
		MaxTokens:   mcfg.MaxTokens,
	}

	started := time.Now()
	cresp, err := r.providers.SendChatCompletion(attemptCtx, at.providerID, creq)
	latency := time.Since(started).Seconds()

	if err != nil {
		log.Printf("tutor: provider %s failed, trying next: %v", at.providerID, err)
		if r.metrics != nil {
			r.metrics.RecordProviderRequest(at.providerID, creq.Model, false, latency, 0)
			r.metrics.ProviderErrors.WithLabelValues(at.providerID, "request").Inc()
		}
		return "", "", 0, false
	}

	text = cresp.Text()
	if text == "" {
		log.Printf("tutor: provider %s returned an empty completion, trying next", at.providerID)
		if r.metrics != nil {
			r.metrics.RecordProviderRequest(at.providerID, creq.Model, false, latency, 0)
			r.metrics.ProviderErrors.WithLabelValues(at.providerID, "empty").Inc()
		}
		return "", "", 0, false
	}

	modelID = cresp.Model
	if modelID == "" {
		modelID = creq.Model
	}
	if r.metrics != nil {
		r.metrics.RecordProviderRequest(at.providerID, modelID, true, latency, int64(cresp.Usage.TotalTokens))
	}
	return text, modelID, cresp.Usage.TotalTokens, true
}

// buildMessages shapes the prompt: fixed system template, truncated
// history, context prepended to the user message.
func (r *Router) buildMessages(req *Request) []provider.ChatMessage {
	history := req.History
	if len(history) > r.cfg.HistoryLimit {
		history = history[len(history)-r.cfg.HistoryLimit:]
	}

	messages := make([]provider.ChatMessage, 0, len(history)+2)
	messages = append(messages, provider.ChatMessage{
		Role:    "system",
		Content: SystemPrompt(req.GradeLevel, req.Subject, req.StudentName),
	})
	messages = append(messages, history...)

	userContent := req.Prompt
	if req.Context != "" {
		userContent = req.Context + "\n\n" + req.Prompt
	}
	messages = append(messages, provider.ChatMessage{Role: "user", Content: userContent})
	return messages
}

func (r *Router) observeTurn(providerID, modelID, source string, elapsed time.Duration) {
	if r.metrics == nil {
		return
	}
	r.metrics.TurnsTotal.WithLabelValues(providerID, modelID, source).Inc()
	r.metrics.TurnDuration.WithLabelValues(source).Observe(elapsed.Seconds())
}

// recordAsync posts the interaction to the collector without blocking the
// turn.
func (r *Router) recordAsync(req *Request, resp *Response, elapsed time.Duration) {
	if r.recorder == nil {
		return
	}

	in := &models.Interaction{
		ID:                  resp.InteractionID,
		Timestamp:           time.Now().UTC(),
		UserID:              req.UserID,
		GradeLevel:          req.GradeLevel,
		Subject:             req.Subject,
		Question:            req.Prompt,
		Response:            resp.Text,
		ModelID:             resp.ModelID,
		ProviderID:          resp.ProviderID,
		ResponseTimeSeconds: elapsed.Seconds(),
		Confidence:          resp.Confidence,
		Success:             !resp.FromBackup,
		ExperimentID:        req.ExperimentID,
		VariantID:           resp.VariantID,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := r.recorder.Record(ctx, in); err != nil {
			log.Printf("tutor: failed to record interaction %s: %v", in.ID, err)
		}
	}()
}
