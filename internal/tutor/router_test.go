package tutor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/darasa-ai/darasa/internal/modelconfig"
	"github.com/darasa-ai/darasa/internal/provider"
	"github.com/darasa-ai/darasa/pkg/config"
	"github.com/darasa-ai/darasa/pkg/models"
)

// fakeProtocol scripts one provider's behaviour.
type fakeProtocol struct {
	mu       sync.Mutex
	text     string
	err      error
	requests []*provider.ChatCompletionRequest
}

func (f *fakeProtocol) CreateChatCompletion(_ context.Context, req *provider.ChatCompletionRequest) (*provider.ChatCompletionResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	resp := &provider.ChatCompletionResponse{Model: req.Model}
	resp.Choices = append(resp.Choices, struct {
		Index   int                  `json:"index"`
		Message provider.ChatMessage `json:"message"`
		Finish  string               `json:"finish_reason"`
	}{Message: provider.ChatMessage{Role: "assistant", Content: f.text}})
	return resp, nil
}

func (f *fakeProtocol) Models(context.Context) ([]provider.Model, error) {
	return nil, nil
}

func (f *fakeProtocol) lastRequest() *provider.ChatCompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

// captureRecorder collects posted interactions.
type captureRecorder struct {
	mu   sync.Mutex
	recs []*models.Interaction
	done chan struct{}
}

func newCaptureRecorder() *captureRecorder {
	return &captureRecorder{done: make(chan struct{}, 8)}
}

func (c *captureRecorder) Record(_ context.Context, in *models.Interaction) error {
	c.mu.Lock()
	c.recs = append(c.recs, in)
	c.mu.Unlock()
	c.done <- struct{}{}
	return nil
}

func (c *captureRecorder) wait(t *testing.T) *models.Interaction {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the interaction record")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recs[len(c.recs)-1]
}

func registerFake(t *testing.T, reg *provider.Registry, id string, enabled bool, f *fakeProtocol) {
	t.Helper()
	err := reg.RegisterProtocol(&provider.Config{
		ID: id, Name: id, Type: "custom", Model: id + "-model", Enabled: enabled,
	}, f)
	if err != nil {
		t.Fatalf("RegisterProtocol(%s) error = %v", id, err)
	}
}

func testModelStore(t *testing.T, entries map[string]modelconfig.ModelEntry) *modelconfig.Store {
	t.Helper()
	s, err := modelconfig.NewStore(filepath.Join(t.TempDir(), "models.json"))
	if err != nil {
		t.Fatal(err)
	}
	cfg := modelconfig.Default()
	cfg.Models = entries
	if err := s.Save(cfg); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRespond_FallbackChain(t *testing.T) {
	reg := provider.NewRegistry()
	p1 := &fakeProtocol{err: errors.New("connection refused")}
	p2 := &fakeProtocol{text: ""} // structurally valid but empty
	p3 := &fakeProtocol{text: "ok"}
	registerFake(t, reg, "p1", true, p1)
	registerFake(t, reg, "p2", true, p2)
	registerFake(t, reg, "p3", true, p3)

	mc := testModelStore(t, map[string]modelconfig.ModelEntry{
		"m1": {Name: "m1", Enabled: true, Priority: 1, Provider: "p1"},
	})

	r := NewRouter(reg, mc, NewBackup(), config.TutorConfig{}, nil)
	rec := newCaptureRecorder()
	r.SetRecorder(rec)

	resp, err := r.Respond(context.Background(), &Request{
		Prompt: "what is 2+2?", GradeLevel: 3, Subject: "math",
	})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if resp.Text != "ok" {
		t.Errorf("text = %q, want %q", resp.Text, "ok")
	}
	if resp.ProviderID != "p3" {
		t.Errorf("provider = %q, want p3", resp.ProviderID)
	}
	if resp.FromBackup {
		t.Error("answer marked as backup, want provider")
	}

	in := rec.wait(t)
	if in.ProviderID != "p3" || in.Response != "ok" {
		t.Errorf("recorded interaction = %+v, want p3/ok", in)
	}
	if in.Confidence != providerConfidence {
		t.Errorf("confidence = %v, want %v", in.Confidence, providerConfidence)
	}
}

func TestRespond_AllProvidersDownUsesBackup(t *testing.T) {
	reg := provider.NewRegistry()
	registerFake(t, reg, "p1", false, &fakeProtocol{text: "unused"})
	registerFake(t, reg, "p2", false, &fakeProtocol{text: "unused"})

	mc := testModelStore(t, map[string]modelconfig.ModelEntry{
		"m1": {Name: "m1", Enabled: true, Priority: 1, Provider: "p1"},
	})

	r := NewRouter(reg, mc, NewBackup(), config.TutorConfig{}, nil)

	resp, err := r.Respond(context.Background(), &Request{
		Prompt: "what is 2+2?", GradeLevel: 3, Subject: "math",
	})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if !resp.FromBackup {
		t.Fatal("expected the static backup to answer")
	}
	if resp.Text != NewBackup().Answer(3, "math") {
		t.Errorf("text = %q, want the elementary math backup answer", resp.Text)
	}
	if resp.ModelID != BackupModelID {
		t.Errorf("model = %q, want %q", resp.ModelID, BackupModelID)
	}
}

func TestRespond_NoBackupRaises(t *testing.T) {
	reg := provider.NewRegistry()
	mc := testModelStore(t, nil)

	r := NewRouter(reg, mc, nil, config.TutorConfig{}, nil)

	_, err := r.Respond(context.Background(), &Request{Prompt: "q", GradeLevel: 5, Subject: "math"})
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Errorf("Respond() error = %v, want ErrServiceUnavailable", err)
	}
}

func TestRespond_PromptShaping(t *testing.T) {
	reg := provider.NewRegistry()
	p1 := &fakeProtocol{text: "answer"}
	registerFake(t, reg, "p1", true, p1)

	mc := testModelStore(t, map[string]modelconfig.ModelEntry{
		"m1": {Name: "m1", Enabled: true, Priority: 1, Provider: "p1"},
	})

	r := NewRouter(reg, mc, NewBackup(), config.TutorConfig{HistoryLimit: 2}, nil)

	history := []provider.ChatMessage{
		{Role: "user", Content: "old-1"},
		{Role: "assistant", Content: "old-2"},
		{Role: "user", Content: "recent-1"},
		{Role: "assistant", Content: "recent-2"},
	}
	_, err := r.Respond(context.Background(), &Request{
		Prompt:      "next question",
		GradeLevel:  7,
		Subject:     "science",
		Context:     "We were discussing photosynthesis.",
		History:     history,
		StudentName: "Asha",
	})
	if err != nil {
		t.Fatal(err)
	}

	req := p1.lastRequest()
	if req == nil {
		t.Fatal("provider never called")
	}

	// system + truncated history (2) + user
	if len(req.Messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(req.Messages))
	}
	if req.Messages[0].Role != "system" || !strings.Contains(req.Messages[0].Content, "grade 7") {
		t.Errorf("system message = %+v, want grade 7 template", req.Messages[0])
	}
	if !strings.Contains(req.Messages[0].Content, "Asha") {
		t.Error("system message missing the student name")
	}
	if req.Messages[1].Content != "recent-1" || req.Messages[2].Content != "recent-2" {
		t.Errorf("history not truncated to the last turns: %+v", req.Messages[1:3])
	}
	last := req.Messages[len(req.Messages)-1]
	if !strings.HasPrefix(last.Content, "We were discussing photosynthesis.") ||
		!strings.Contains(last.Content, "next question") {
		t.Errorf("user message = %q, want context prepended to the prompt", last.Content)
	}
}

// fakeExperiments pins every caller to one variant.
type fakeExperiments struct {
	variant models.Variant
}

func (f *fakeExperiments) Assign(context.Context, string, string) string { return f.variant.ID }
func (f *fakeExperiments) Variant(context.Context, string, string) *models.Variant {
	return &f.variant
}

func TestRespond_ExperimentOverridesModel(t *testing.T) {
	reg := provider.NewRegistry()
	p1 := &fakeProtocol{text: "from p1"}
	p2 := &fakeProtocol{text: "from p2"}
	registerFake(t, reg, "p1", true, p1)
	registerFake(t, reg, "p2", true, p2)

	mc := testModelStore(t, map[string]modelconfig.ModelEntry{
		"m1": {Name: "m1", Enabled: true, Priority: 1, Provider: "p1"},
	})

	r := NewRouter(reg, mc, NewBackup(), config.TutorConfig{}, nil)
	r.SetExperiments(&fakeExperiments{variant: models.Variant{ID: "a", ModelID: "tuned", ProviderID: "p2"}})

	resp, err := r.Respond(context.Background(), &Request{
		Prompt: "q", GradeLevel: 5, Subject: "math",
		UserID: "u1", ExperimentID: "exp-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ProviderID != "p2" {
		t.Errorf("provider = %q, want p2 (variant override)", resp.ProviderID)
	}
	if resp.VariantID != "a" {
		t.Errorf("variant = %q, want a", resp.VariantID)
	}
	if req := p2.lastRequest(); req == nil || req.Model != "tuned" {
		t.Errorf("p2 request = %+v, want model tuned", req)
	}

	// The default selection must be untouched.
	if sel, ok := mc.SelectDefault(); !ok || sel.ModelID != "m1" {
		t.Errorf("default selection = %+v, want m1", sel)
	}
}
