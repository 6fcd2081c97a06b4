package provider

import (
	"context"
	"fmt"
	"sync"
)

// Config represents the configuration for a registered provider.
type Config struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"` // openai, anthropic, local, custom, ollama
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key,omitempty"`
	Model    string `json:"model,omitempty"` // default model when a request names none
	Enabled  bool   `json:"enabled"`
}

// Registry manages registered chat-completion providers. Adding a provider
// is adding one entry; the tutor router walks enabled entries in its
// fallback order.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Registered
	order     []string // registration order, used for stable listings
}

// Registered wraps a provider with its configuration and protocol.
type Registered struct {
	Config   *Config
	Protocol Protocol
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]*Registered),
	}
}

// protocolFor builds the wire protocol for a provider type.
func protocolFor(cfg *Config) (Protocol, error) {
	switch cfg.Type {
	case "openai", "anthropic", "local", "custom":
		// All use OpenAI-compatible protocol
		return NewOpenAIProvider(cfg.Endpoint, cfg.APIKey), nil
	case "ollama":
		return NewOllamaProvider(cfg.Endpoint), nil
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", cfg.Type)
	}
}

// Register registers a new provider
func (r *Registry) Register(cfg *Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[cfg.ID]; exists {
		return fmt.Errorf("provider %s already registered", cfg.ID)
	}

	protocol, err := protocolFor(cfg)
	if err != nil {
		return err
	}

	r.providers[cfg.ID] = &Registered{Config: cfg, Protocol: protocol}
	r.order = append(r.order, cfg.ID)
	return nil
}

// RegisterProtocol registers a provider with an explicit protocol
// implementation. Used by tests and by embedded fake providers.
func (r *Registry) RegisterProtocol(cfg *Config, protocol Protocol) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[cfg.ID]; exists {
		return fmt.Errorf("provider %s already registered", cfg.ID)
	}

	r.providers[cfg.ID] = &Registered{Config: cfg, Protocol: protocol}
	r.order = append(r.order, cfg.ID)
	return nil
}

// Unregister removes a provider from the registry
func (r *Registry) Unregister(providerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[providerID]; !exists {
		return fmt.Errorf("provider %s not found", providerID)
	}

	delete(r.providers, providerID)
	for i, id := range r.order {
		if id == providerID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get retrieves a registered provider
func (r *Registry) Get(providerID string) (*Registered, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.providers[providerID]
	if !exists {
		return nil, fmt.Errorf("provider %s not found", providerID)
	}
	return p, nil
}

// SetEnabled flips a provider's enabled flag.
func (r *Registry) SetEnabled(providerID string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.providers[providerID]
	if !exists {
		return fmt.Errorf("provider %s not found", providerID)
	}
	p.Config.Enabled = enabled
	return nil
}

// List returns all registered providers in registration order.
func (r *Registry) List() []*Registered {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := make([]*Registered, 0, len(r.providers))
	for _, id := range r.order {
		if p, ok := r.providers[id]; ok {
			providers = append(providers, p)
		}
	}
	return providers
}

// ListEnabled returns enabled providers in registration order.
func (r *Registry) ListEnabled() []*Registered {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := make([]*Registered, 0, len(r.providers))
	for _, id := range r.order {
		if p, ok := r.providers[id]; ok && p.Config.Enabled {
			providers = append(providers, p)
		}
	}
	return providers
}

// SendChatCompletion sends a chat completion request to a provider
func (r *Registry) SendChatCompletion(ctx context.Context, providerID string, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	p, err := r.Get(providerID)
	if err != nil {
		return nil, err
	}
	if !p.Config.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", providerID)
	}

	if req.Model == "" {
		req.Model = p.Config.Model
	}

	return p.Protocol.CreateChatCompletion(ctx, req)
}

// GetModels retrieves available models from a provider
func (r *Registry) GetModels(ctx context.Context, providerID string) ([]Model, error) {
	p, err := r.Get(providerID)
	if err != nil {
		return nil, err
	}
	return p.Protocol.Models(ctx)
}
