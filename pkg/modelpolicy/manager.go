// Package modelpolicy selects a model per execution phase and tracks what the
// session has spent.
package modelpolicy

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"taskorch/pkg/config"
)

// Phase is the kind of work a model is selected for.
type Phase string

const (
	PhasePlanning       Phase = "PLANNING"
	PhaseImplementation Phase = "IMPLEMENTATION"
	PhaseQualityCheck   Phase = "QUALITY_CHECK"
)

// ErrNoModel is returned when no registered model satisfies a selection.
var ErrNoModel = errors.New("no model satisfies selection")

// profileCategories maps profile and phase to a model tier.
//
//nolint:gochecknoglobals // read-only lookup table
var profileCategories = map[string]map[Phase]string{
	config.ProfileStable: {
		PhasePlanning:       config.CategoryAdvanced,
		PhaseImplementation: config.CategoryStandard,
		PhaseQualityCheck:   config.CategoryStandard,
	},
	config.ProfileCheap: {
		PhasePlanning:       config.CategoryStandard,
		PhaseImplementation: config.CategoryLight,
		PhaseQualityCheck:   config.CategoryLight,
	},
	config.ProfileFast: {
		PhasePlanning:       config.CategoryStandard,
		PhaseImplementation: config.CategoryLight,
		PhaseQualityCheck:   config.CategoryLight,
	},
}

// SelectionContext narrows a selection.
type SelectionContext struct {
	PinnedModel     string // from the task's settings snapshot; bypasses the profile
	PinnedProvider  string
	EstimatedTokens int // minimum context window required
}

// Selection is the chosen model.
type Selection struct {
	Info     config.ModelInfo `json:"-"`
	Model    string           `json:"model"`
	Provider string           `json:"provider"`
	Category string           `json:"category"`
	Reason   string           `json:"reason"`
	Pinned   bool             `json:"pinned"`
}

// UsageRecord is one executor call's token usage.
type UsageRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Phase     Phase     `json:"phase"`
	Model     string    `json:"model"`
	Provider  string    `json:"provider"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	Cost      float64   `json:"cost"`
}

// CostStatus compares the session total against the configured thresholds.
type CostStatus struct {
	Total            float64 `json:"total"`
	Limit            float64 `json:"limit"`
	WarningThreshold float64 `json:"warning_threshold"`
	Warn             bool    `json:"warn"`
	Exceeded         bool    `json:"exceeded"`
}

// Usage aggregates records.
type Usage struct {
	Calls     int     `json:"calls"`
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	Cost      float64 `json:"cost"`
}

func (u *Usage) add(r UsageRecord) {
	u.Calls++
	u.TokensIn += r.TokensIn
	u.TokensOut += r.TokensOut
	u.Cost += r.Cost
}

// UsageSummary is the session's usage broken down by model and phase.
type UsageSummary struct {
	ByModel map[string]Usage `json:"by_model"`
	ByPhase map[Phase]Usage  `json:"by_phase"`
	Total   Usage            `json:"total"`
}

// Manager selects models and accounts for usage. One Manager is one session.
type Manager struct {
	registry  *config.Registry
	cfg       config.ModelsConfig
	providers map[string]bool
	now       func() time.Time

	mu      sync.Mutex
	profile string
	records []UsageRecord
	total   float64
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now for usage timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a session manager over the default registry plus cfg.Registry overrides.
func New(cfg config.ModelsConfig, opts ...Option) *Manager {
	m := &Manager{
		registry: config.NewRegistry(cfg.Registry),
		cfg:      cfg,
		now:      time.Now,
		profile:  cfg.Profile,
	}
	if len(cfg.Providers) > 0 {
		m.providers = make(map[string]bool, len(cfg.Providers))
		for _, p := range cfg.Providers {
			m.providers[p] = true
		}
	}
	if _, ok := profileCategories[m.profile]; !ok {
		m.profile = config.ProfileStable
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry exposes the model registry.
func (m *Manager) Registry() *config.Registry { return m.registry }

// Profile returns the active profile.
func (m *Manager) Profile() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}

// SetProfile switches the profile for subsequent selections.
func (m *Manager) SetProfile(profile string) error {
	if _, ok := profileCategories[profile]; !ok {
		return fmt.Errorf("unknown model profile %q", profile)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profile = profile
	return nil
}

// CategoryFor returns the tier the active profile uses for phase.
func (m *Manager) CategoryFor(phase Phase) (string, error) {
	categories := profileCategories[m.Profile()]
	category, ok := categories[phase]
	if !ok {
		return "", fmt.Errorf("unknown phase %q", phase)
	}
	return category, nil
}

// Select picks a model for phase. A pinned model always wins; otherwise the profile's
// tier is filtered by enabled providers and context size, then ranked: stable prefers
// the tier default, cheap the lowest price, fast the lowest latency rank.
func (m *Manager) Select(phase Phase, sc SelectionContext) (Selection, error) {
	category, err := m.CategoryFor(phase)
	if err != nil {
		return Selection{}, err
	}

	if sc.PinnedModel != "" {
		info, _ := m.registry.Lookup(sc.PinnedModel)
		provider := sc.PinnedProvider
		if provider == "" {
			provider = m.ProviderForModel(sc.PinnedModel)
		}
		if info.Category != "" {
			category = info.Category
		}
		return Selection{
			Model:    sc.PinnedModel,
			Provider: provider,
			Category: category,
			Info:     info,
			Reason:   "pinned by task settings",
			Pinned:   true,
		}, nil
	}

	candidates := m.candidates(category, sc.EstimatedTokens)
	if len(candidates) == 0 {
		return Selection{}, fmt.Errorf("%w: phase %s, category %s, %d tokens", ErrNoModel, phase, category, sc.EstimatedTokens)
	}

	profile := m.Profile()
	var chosen string
	var reason string
	switch profile {
	case config.ProfileCheap:
		chosen, reason = cheapest(m.registry, candidates), "lowest cost in "+category
	case config.ProfileFast:
		chosen, reason = fastest(m.registry, candidates), "lowest latency in "+category
	default:
		if def := m.cfg.TierDefaults[category]; contains(candidates, def) {
			chosen, reason = def, "tier default for "+category
		} else {
			chosen, reason = cheapest(m.registry, candidates), "tier default unavailable, lowest cost in "+category
		}
	}

	info, _ := m.registry.Lookup(chosen)
	return Selection{
		Model:    chosen,
		Provider: info.Provider,
		Category: category,
		Info:     info,
		Reason:   reason,
	}, nil
}

// candidates returns sorted model names in category that are enabled and fit tokens.
func (m *Manager) candidates(category string, tokens int) []string {
	var out []string
	for _, name := range m.registry.Names() {
		info, _ := m.registry.Lookup(name)
		if info.Category != category {
			continue
		}
		if m.providers != nil && !m.providers[info.Provider] {
			continue
		}
		if tokens > 0 && info.MaxContextTokens > 0 && info.MaxContextTokens < tokens {
			continue
		}
		out = append(out, name)
	}
	return out
}

func cheapest(r *config.Registry, names []string) string {
	best := names[0]
	bestInfo, _ := r.Lookup(best)
	for _, name := range names[1:] {
		info, _ := r.Lookup(name)
		if info.InputCPM+info.OutputCPM < bestInfo.InputCPM+bestInfo.OutputCPM {
			best, bestInfo = name, info
		}
	}
	return best
}

func fastest(r *config.Registry, names []string) string {
	best := names[0]
	bestInfo, _ := r.Lookup(best)
	for _, name := range names[1:] {
		info, _ := r.Lookup(name)
		cost, bestCost := info.InputCPM+info.OutputCPM, bestInfo.InputCPM+bestInfo.OutputCPM
		if info.LatencyRank < bestInfo.LatencyRank || (info.LatencyRank == bestInfo.LatencyRank && cost < bestCost) {
			best, bestInfo = name, info
		}
	}
	return best
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// EscalateModel returns the model in current's tier with the smallest context window
// strictly larger than current's. Disabled providers are skipped.
func (m *Manager) EscalateModel(current string) (string, bool) {
	info, ok := m.registry.Lookup(current)
	if !ok {
		return "", false
	}
	best := ""
	bestCtx := 0
	for _, name := range m.candidates(info.Category, info.MaxContextTokens+1) {
		cand, _ := m.registry.Lookup(name)
		if cand.MaxContextTokens <= info.MaxContextTokens {
			continue
		}
		if best == "" || cand.MaxContextTokens < bestCtx {
			best, bestCtx = name, cand.MaxContextTokens
		}
	}
	return best, best != ""
}

// ProviderForModel resolves the provider by registry entry, name prefix, then the
// configured fallback.
func (m *Manager) ProviderForModel(model string) string {
	if p := m.registry.InferProvider(model); p != "" {
		return p
	}
	return m.cfg.FallbackProvider
}

// RecordUsage appends a usage record. Unknown models cost nothing.
func (m *Manager) RecordUsage(phase Phase, model string, tokensIn, tokensOut int) UsageRecord {
	rec := UsageRecord{
		Phase:     phase,
		Model:     model,
		Provider:  m.ProviderForModel(model),
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Cost:      m.registry.CalculateCost(model, tokensIn, tokensOut),
		Timestamp: m.now(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	m.total += rec.Cost
	return rec
}

// CheckCostLimit compares the running total against the absolute USD thresholds.
// A zero threshold disables that check.
func (m *Manager) CheckCostLimit() CostStatus {
	m.mu.Lock()
	total := m.total
	m.mu.Unlock()

	return CostStatus{
		Total:            total,
		Limit:            m.cfg.CostLimit,
		WarningThreshold: m.cfg.CostWarningThreshold,
		Exceeded:         m.cfg.CostLimit > 0 && total >= m.cfg.CostLimit,
		Warn:             m.cfg.CostWarningThreshold > 0 && total >= m.cfg.CostWarningThreshold,
	}
}

// Records returns a copy of the usage log.
func (m *Manager) Records() []UsageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]UsageRecord, len(m.records))
	copy(out, m.records)
	return out
}

// UsageSummary aggregates the usage log.
func (m *Manager) UsageSummary() UsageSummary {
	return Summarize(m.Records())
}

// Summarize aggregates any set of records.
func Summarize(records []UsageRecord) UsageSummary {
	s := UsageSummary{ByModel: make(map[string]Usage), ByPhase: make(map[Phase]Usage)}
	for _, r := range records {
		s.Total.add(r)
		byModel := s.ByModel[r.Model]
		byModel.add(r)
		s.ByModel[r.Model] = byModel
		byPhase := s.ByPhase[r.Phase]
		byPhase.add(r)
		s.ByPhase[r.Phase] = byPhase
	}
	return s
}

// Models lists registry names by tier, for display.
func (m *Manager) Models() map[string][]string {
	out := make(map[string][]string)
	for _, name := range m.registry.Names() {
		info, _ := m.registry.Lookup(name)
		out[info.Category] = append(out[info.Category], name)
	}
	for _, names := range out {
		sort.Strings(names)
	}
	return out
}
