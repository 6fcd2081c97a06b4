// Package experiment manages A/B tests over tutor model configurations:
// deterministic variant assignment, append-only event tracking, and
// result aggregation.
package experiment

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/darasa-ai/darasa/internal/cache"
	"github.com/darasa-ai/darasa/internal/metrics"
	"github.com/darasa-ai/darasa/internal/store"
	"github.com/darasa-ai/darasa/pkg/models"
)

// ErrInvalidArgument is returned when an experiment definition fails
// validation.
var ErrInvalidArgument = errors.New("invalid argument")

const (
	splitTolerance      = 1e-9
	defaultDurationDays = 14

	// Conclusiveness thresholds for Results.
	minEventsPerVariant = 100
	satisfactionSpread  = 0.05
)

// Registry owns experiments, assignments, and the event log.
type Registry struct {
	store    store.Store
	cache    cache.Backend
	cacheTTL time.Duration
	metrics  *metrics.Metrics
}

// NewRegistry creates an experiment registry. The cache holds active
// experiment metadata only; assignments always go to storage.
func NewRegistry(st store.Store, c cache.Backend, ttl time.Duration, m *metrics.Metrics) *Registry {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Registry{store: st, cache: c, cacheTTL: ttl, metrics: m}
}

// Create validates and persists a new active experiment. A nil traffic
// split is distributed evenly across the variants.
func (r *Registry) Create(ctx context.Context, name string, variants []models.Variant, trafficSplit map[string]float64, durationDays int) (*models.Experiment, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name required", ErrInvalidArgument)
	}
	if len(variants) == 0 {
		return nil, fmt.Errorf("%w: at least one variant required", ErrInvalidArgument)
	}
	seen := make(map[string]bool, len(variants))
	for _, v := range variants {
		if v.ID == "" {
			return nil, fmt.Errorf("%w: variant id required", ErrInvalidArgument)
		}
		if seen[v.ID] {
			return nil, fmt.Errorf("%w: duplicate variant %q", ErrInvalidArgument, v.ID)
		}
		seen[v.ID] = true
	}

	if trafficSplit == nil {
		trafficSplit = make(map[string]float64, len(variants))
		for _, v := range variants {
			trafficSplit[v.ID] = 1.0 / float64(len(variants))
		}
	}
	sum := 0.0
	for id, w := range trafficSplit {
		if !seen[id] {
			return nil, fmt.Errorf("%w: traffic split references unknown variant %q", ErrInvalidArgument, id)
		}
		if w < 0 {
			return nil, fmt.Errorf("%w: negative traffic weight for %q", ErrInvalidArgument, id)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > splitTolerance {
		return nil, fmt.Errorf("%w: traffic split sums to %v, want 1.0", ErrInvalidArgument, sum)
	}

	if durationDays <= 0 {
		durationDays = defaultDurationDays
	}

	now := time.Now().UTC()
	digest := md5.Sum([]byte(name + now.Format(time.RFC3339Nano)))
	exp := &models.Experiment{
		ID:           "exp-" + hex.EncodeToString(digest[:])[:12],
		Name:         name,
		Status:       models.ExperimentActive,
		StartedAt:    now,
		EndsAt:       now.AddDate(0, 0, durationDays),
		Variants:     variants,
		TrafficSplit: trafficSplit,
	}

	if err := r.store.SaveExperiment(ctx, exp); err != nil {
		return nil, fmt.Errorf("failed to save experiment: %w", err)
	}
	return exp, nil
}

// bucket maps a user id onto [0,1) deterministically across processes.
func bucket(userID string) float64 {
	digest := md5.Sum([]byte(userID))
	mod := 0
	for _, b := range digest {
		mod = (mod*256 + int(b)) % 100
	}
	return float64(mod) / 100
}

// Assign returns the variant id pinned to (user, experiment). A missing,
// inactive, or unreachable experiment yields the reserved control variant;
// Assign never returns an error on the tutoring path.
func (r *Registry) Assign(ctx context.Context, userID, experimentID string) string {
	if userID == "" || experimentID == "" {
		return models.ControlVariant
	}

	if a, err := r.store.GetAssignment(ctx, userID, experimentID); err == nil {
		return a.VariantID
	} else if !errors.Is(err, store.ErrNotFound) {
		log.Printf("experiment: assignment lookup failed for %s/%s: %v", userID, experimentID, err)
		return models.ControlVariant
	}

	exp, err := r.experiment(ctx, experimentID)
	if err != nil || exp.Status != models.ExperimentActive {
		return models.ControlVariant
	}

	b := bucket(userID)
	variantID := models.ControlVariant
	cumulative := 0.0
	for _, v := range exp.Variants {
		cumulative += exp.TrafficSplit[v.ID]
		if cumulative > b {
			variantID = v.ID
			break
		}
	}

	stored, err := r.store.SaveAssignment(ctx, &models.Assignment{
		UserID:       userID,
		ExperimentID: experimentID,
		VariantID:    variantID,
		AssignedAt:   time.Now().UTC(),
	})
	if err != nil {
		log.Printf("experiment: failed to save assignment for %s/%s: %v", userID, experimentID, err)
		return models.ControlVariant
	}

	if r.metrics != nil {
		r.metrics.Assignments.WithLabelValues(experimentID, stored.VariantID).Inc()
	}
	return stored.VariantID
}

// Variant resolves a variant id to its model configuration, or nil when the
// experiment or variant is unknown. Control resolves to nil so the caller
// keeps the default model.
func (r *Registry) Variant(ctx context.Context, experimentID, variantID string) *models.Variant {
	if experimentID == "" || variantID == "" || variantID == models.ControlVariant {
		return nil
	}
	exp, err := r.experiment(ctx, experimentID)
	if err != nil {
		return nil
	}
	return exp.Variant(variantID)
}

// Track appends one observation to the event log. Failures are logged and
// swallowed; tracking loss never propagates to the tutoring turn.
func (r *Registry) Track(ctx context.Context, ev *models.ABEvent) {
	if ev.ExperimentID == "" || ev.VariantID == "" {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := r.store.AppendEvent(ctx, ev); err != nil {
		log.Printf("experiment: failed to track event for %s: %v", ev.ExperimentID, err)
		return
	}
	if r.metrics != nil {
		r.metrics.ExperimentEvents.WithLabelValues(ev.ExperimentID, ev.EventType).Inc()
	}
}

// experiment loads experiment metadata through the TTL cache.
func (r *Registry) experiment(ctx context.Context, id string) (*models.Experiment, error) {
	key := "experiment:" + id
	if r.cache != nil {
		if raw, ok := r.cache.Get(ctx, key); ok {
			var exp models.Experiment
			if err := json.Unmarshal(raw, &exp); err == nil {
				return &exp, nil
			}
		}
	}

	exp, err := r.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if raw, err := json.Marshal(exp); err == nil {
			_ = r.cache.Set(ctx, key, raw, r.cacheTTL)
		}
	}
	return exp, nil
}

// VariantResult aggregates the event log for one variant.
type VariantResult struct {
	VariantID          string  `json:"variant_id"`
	Events             int     `json:"events"`
	Satisfaction       float64 `json:"satisfaction"`
	AvgResponseSeconds float64 `json:"avg_response_seconds"`
	AvgEngagement      float64 `json:"avg_engagement"`
	AvgAccuracy        float64 `json:"avg_accuracy"`
}

// Results is the derived outcome of an experiment.
type Results struct {
	ExperimentID   string                  `json:"experiment_id"`
	Name           string                  `json:"name"`
	Status         models.ExperimentStatus `json:"status"`
	Participants   int                     `json:"participants"`
	Variants       []VariantResult         `json:"variants"`
	Conclusive     bool                    `json:"conclusive"`
	Winner         string                  `json:"winner,omitempty"`
	ImprovementPct float64                 `json:"improvement_pct"`
}

// Results aggregates the event log by variant and decides conclusiveness.
func (r *Registry) Results(ctx context.Context, experimentID string) (*Results, error) {
	exp, err := r.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	events, err := r.store.ListEvents(ctx, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	type agg struct {
		events      int
		positives   int
		respSum     float64
		respCount   int
		engageSum   float64
		engageCount int
		accuracySum float64
		accuracyCnt int
	}
	byVariant := make(map[string]*agg)
	for _, ev := range events {
		a, ok := byVariant[ev.VariantID]
		if !ok {
			a = &agg{}
			byVariant[ev.VariantID] = a
		}
		a.events++
		if ev.Metrics["positive"] >= 1 {
			a.positives++
		}
		if v, ok := ev.Metrics["response_time"]; ok {
			a.respSum += v
			a.respCount++
		}
		if v, ok := ev.Metrics["engagement"]; ok {
			a.engageSum += v
			a.engageCount++
		}
		if v, ok := ev.Metrics["accuracy"]; ok {
			a.accuracySum += v
			a.accuracyCnt++
		}
	}

	// Defined variants first, then any extra ids seen only in events.
	order := make([]string, 0, len(byVariant))
	for _, v := range exp.Variants {
		order = append(order, v.ID)
	}
	var extras []string
	for id := range byVariant {
		if exp.Variant(id) == nil {
			extras = append(extras, id)
		}
	}
	sort.Strings(extras)
	order = append(order, extras...)

	res := &Results{
		ExperimentID: exp.ID,
		Name:         exp.Name,
		Status:       exp.Status,
		Participants: exp.Participants,
	}
	for _, id := range order {
		a := byVariant[id]
		if a == nil {
			res.Variants = append(res.Variants, VariantResult{VariantID: id})
			continue
		}
		vr := VariantResult{VariantID: id, Events: a.events}
		vr.Satisfaction = float64(a.positives) / float64(a.events)
		if a.respCount > 0 {
			vr.AvgResponseSeconds = a.respSum / float64(a.respCount)
		}
		if a.engageCount > 0 {
			vr.AvgEngagement = a.engageSum / float64(a.engageCount)
		}
		if a.accuracyCnt > 0 {
			vr.AvgAccuracy = a.accuracySum / float64(a.accuracyCnt)
		}
		res.Variants = append(res.Variants, vr)
	}

	// Conclusiveness considers only variants with enough traffic.
	minSat, maxSat := math.Inf(1), math.Inf(-1)
	winner := ""
	qualified := 0
	for _, vr := range res.Variants {
		if vr.Events < minEventsPerVariant {
			continue
		}
		qualified++
		if vr.Satisfaction < minSat {
			minSat = vr.Satisfaction
		}
		if vr.Satisfaction > maxSat {
			maxSat = vr.Satisfaction
			winner = vr.VariantID
		}
	}
	if qualified >= 2 && maxSat-minSat > satisfactionSpread {
		res.Conclusive = true
		res.Winner = winner
		for _, vr := range res.Variants {
			if vr.VariantID == models.ControlVariant && vr.Satisfaction > 0 {
				res.ImprovementPct = (maxSat - vr.Satisfaction) / vr.Satisfaction * 100
			}
		}
	}

	return res, nil
}

// OverallSatisfaction returns the share of positively rated events across
// all experiments. With no events it reports full satisfaction so the
// training scheduler does not fire on an empty system.
func (r *Registry) OverallSatisfaction(ctx context.Context) (float64, error) {
	events, err := r.store.ListAllEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list events: %w", err)
	}
	if len(events) == 0 {
		return 1.0, nil
	}
	positives := 0
	for _, ev := range events {
		if ev.Metrics["positive"] >= 1 {
			positives++
		}
	}
	return float64(positives) / float64(len(events)), nil
}
