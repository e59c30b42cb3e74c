package registry

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/llm-router/internal/provider"
	"github.com/vnmchuo/llm-router/internal/provider/claude"
	"github.com/vnmchuo/llm-router/internal/provider/gemini"
	"github.com/vnmchuo/llm-router/internal/provider/openai"
)

const (
	KindOpenAI = "openai"
	KindClaude = "claude"
	KindGemini = "gemini"
)

var ErrNoCandidates = errors.New("no eligible provider")

// ProviderConfig is the static description of one provider. A zero limit
// means the dimension is not enforced.
type ProviderConfig struct {
	Name              string        `yaml:"name"`
	Kind              string        `yaml:"kind"`
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	DefaultModel      string        `yaml:"default_model"`
	Models            []string      `yaml:"models"`
	MaxTokens         int           `yaml:"max_tokens"`
	Temperature       float64       `yaml:"temperature"`
	Priority          int           `yaml:"priority"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	TokensPerMinute   int           `yaml:"tokens_per_minute"`
	DailyCostLimit    float64       `yaml:"daily_cost_limit"`
	Timeout           time.Duration `yaml:"timeout"`
	InputCostPerMTok  float64       `yaml:"input_cost_per_mtok"`
	OutputCostPerMTok float64       `yaml:"output_cost_per_mtok"`
	Enabled           *bool         `yaml:"enabled"`
}

func (c ProviderConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Supports reports whether the provider may serve model. Without an
// allow-list only the default model matches, unless there is no default
// either. An empty model matches everything.
func (c ProviderConfig) Supports(model string) bool {
	if model == "" {
		return true
	}
	if len(c.Models) == 0 {
		return c.DefaultModel == "" || c.DefaultModel == model
	}
	return slices.Contains(c.Models, model)
}

func (c ProviderConfig) Validate() error {
	if c.Name == "" {
		return errors.New("provider name is required")
	}
	switch c.Kind {
	case KindOpenAI, KindClaude, KindGemini:
	default:
		return fmt.Errorf("provider %s: unknown kind %q", c.Name, c.Kind)
	}
	if c.RequestsPerMinute < 0 || c.TokensPerMinute < 0 || c.DailyCostLimit < 0 {
		return fmt.Errorf("provider %s: limits must not be negative", c.Name)
	}
	if c.InputCostPerMTok < 0 || c.OutputCostPerMTok < 0 {
		return fmt.Errorf("provider %s: pricing must not be negative", c.Name)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("provider %s: timeout must be positive", c.Name)
	}
	return nil
}

// NewAdapter constructs the backend adapter for cfg.Kind.
func NewAdapter(cfg ProviderConfig, client provider.HTTPDoer) (provider.Adapter, error) {
	opts := provider.Options{
		Name:    cfg.Name,
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Pricing: provider.Pricing{
			InputPerMTok:  cfg.InputCostPerMTok,
			OutputPerMTok: cfg.OutputCostPerMTok,
		},
		HTTPClient: client,
	}
	switch cfg.Kind {
	case KindOpenAI:
		return openai.New(opts), nil
	case KindClaude:
		return claude.New(opts), nil
	case KindGemini:
		return gemini.New(opts), nil
	}
	return nil, fmt.Errorf("provider %s: unknown kind %q", cfg.Name, cfg.Kind)
}

type Entry struct {
	Config  ProviderConfig
	Adapter provider.Adapter
}

// HealthView is the part of the health monitor the registry orders by.
type HealthView interface {
	IsAvailable(name string) bool
	Latency(name string) time.Duration
}

// Registry holds the configured providers. The set is fixed at construction;
// only disqualifications change afterwards.
type Registry struct {
	entries []*Entry
	byName  map[string]*Entry
	health  HealthView
	logger  *zap.Logger

	mu           sync.RWMutex
	disqualified map[string]provider.Kind
}

func New(entries []Entry, health HealthView, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		byName:       make(map[string]*Entry, len(entries)),
		health:       health,
		logger:       logger,
		disqualified: make(map[string]provider.Kind),
	}
	for i := range entries {
		e := entries[i]
		if e.Adapter == nil {
			return nil, fmt.Errorf("provider %s: adapter is nil", e.Config.Name)
		}
		if _, dup := r.byName[e.Config.Name]; dup {
			return nil, fmt.Errorf("duplicate provider name %q", e.Config.Name)
		}
		r.entries = append(r.entries, &e)
		r.byName[e.Config.Name] = &e
	}
	return r, nil
}

// Build constructs adapters for every enabled config.
func Build(configs []ProviderConfig, health HealthView, client provider.HTTPDoer, logger *zap.Logger) (*Registry, error) {
	var entries []Entry
	for _, cfg := range configs {
		if !cfg.IsEnabled() {
			continue
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		adapter, err := NewAdapter(cfg, client)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Config: cfg, Adapter: adapter})
	}
	return New(entries, health, logger)
}

func (r *Registry) Get(name string) (*Entry, bool) {
	e, ok := r.byName[name]
	return e, ok
}

// Entries returns every configured provider in configuration order.
func (r *Registry) Entries() []*Entry {
	out := make([]*Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// ListCandidates returns the providers eligible for req, highest priority
// first and faster providers first among equal priorities. Circuit-open and
// disqualified providers are left out entirely.
func (r *Registry) ListCandidates(req *provider.Request) ([]*Entry, error) {
	var candidates []*Entry
	for _, e := range r.entries {
		if req.Stream {
			if _, ok := e.Adapter.(provider.StreamAdapter); !ok {
				continue
			}
		}
		if !e.Config.Supports(req.Model) {
			continue
		}
		if r.Disqualified(e.Config.Name) {
			continue
		}
		if r.health != nil && !r.health.IsAvailable(e.Config.Name) {
			continue
		}
		candidates = append(candidates, e)
	}

	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	latency := make(map[string]time.Duration, len(candidates))
	if r.health != nil {
		for _, e := range candidates {
			latency[e.Config.Name] = r.health.Latency(e.Config.Name)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].Config, candidates[j].Config
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return latency[a.Name] < latency[b.Name]
	})

	if req.PreferredProvider != "" {
		for i, e := range candidates {
			if e.Config.Name == req.PreferredProvider {
				copy(candidates[1:i+1], candidates[:i])
				candidates[0] = e
				break
			}
		}
	}
	return candidates, nil
}

// Disqualify removes a provider for the rest of the process lifetime.
func (r *Registry) Disqualify(name string, kind provider.Kind) {
	r.mu.Lock()
	_, already := r.disqualified[name]
	if !already {
		r.disqualified[name] = kind
	}
	r.mu.Unlock()

	if !already {
		r.logger.Error("provider disqualified",
			zap.String("provider", name),
			zap.String("kind", string(kind)),
		)
	}
}

func (r *Registry) Disqualified(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.disqualified[name]
	return ok
}

// DisqualifiedReason returns the failure kind that disqualified name.
func (r *Registry) DisqualifiedReason(name string) (provider.Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.disqualified[name]
	return k, ok
}
