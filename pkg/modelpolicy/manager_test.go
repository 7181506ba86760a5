package modelpolicy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskorch/pkg/config"
)

func newTestManager(mutate func(*config.ModelsConfig)) *Manager {
	cfg := config.Default().Models
	if mutate != nil {
		mutate(&cfg)
	}
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return New(cfg, WithClock(func() time.Time { return fixed }))
}

func TestSelectByProfile(t *testing.T) {
	tests := []struct {
		profile string
		phase   Phase
		want    string
	}{
		{config.ProfileStable, PhasePlanning, "claude-opus-4-5"},
		{config.ProfileStable, PhaseImplementation, "claude-sonnet-4-5"},
		{config.ProfileStable, PhaseQualityCheck, "claude-sonnet-4-5"},
		{config.ProfileCheap, PhasePlanning, "gemini-2.5-flash"},
		{config.ProfileCheap, PhaseImplementation, "llama3.1"},
		{config.ProfileFast, PhaseImplementation, "gemini-2.0-flash"},
		{config.ProfileFast, PhasePlanning, "gemini-2.5-flash"},
	}
	for _, tt := range tests {
		t.Run(tt.profile+"/"+string(tt.phase), func(t *testing.T) {
			m := newTestManager(nil)
			require.NoError(t, m.SetProfile(tt.profile))
			sel, err := m.Select(tt.phase, SelectionContext{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, sel.Model, sel.Reason)
			assert.False(t, sel.Pinned)
		})
	}
}

func TestSelectFiltersByContextAndProvider(t *testing.T) {
	m := newTestManager(nil)
	sel, err := m.Select(PhaseImplementation, SelectionContext{EstimatedTokens: 300000})
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-flash", sel.Model)
	assert.Equal(t, config.ProviderGoogle, sel.Provider)

	openaiOnly := newTestManager(func(c *config.ModelsConfig) { c.Providers = []string{config.ProviderOpenAI} })
	sel, err = openaiOnly.Select(PhaseImplementation, SelectionContext{})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", sel.Model)

	_, err = openaiOnly.Select(PhaseImplementation, SelectionContext{EstimatedTokens: 500000})
	assert.ErrorIs(t, err, ErrNoModel)
}

func TestSelectPinnedModel(t *testing.T) {
	m := newTestManager(nil)
	sel, err := m.Select(PhasePlanning, SelectionContext{PinnedModel: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.True(t, sel.Pinned)
	assert.Equal(t, "gpt-4o-mini", sel.Model)
	assert.Equal(t, config.ProviderOpenAI, sel.Provider)
	assert.Equal(t, config.CategoryLight, sel.Category)

	sel, err = m.Select(PhasePlanning, SelectionContext{PinnedModel: "my-finetune"})
	require.NoError(t, err)
	assert.Equal(t, config.ProviderAnthropic, sel.Provider, "falls back to the configured provider")
}

func TestSetProfileRejectsUnknown(t *testing.T) {
	m := newTestManager(nil)
	assert.Error(t, m.SetProfile("turbo"))
	assert.Equal(t, config.ProfileStable, m.Profile())

	fallback := newTestManager(func(c *config.ModelsConfig) { c.Profile = "bogus" })
	assert.Equal(t, config.ProfileStable, fallback.Profile())
}

func TestEscalateModel(t *testing.T) {
	m := newTestManager(nil)

	next, ok := m.EscalateModel("gpt-4o-mini")
	require.True(t, ok)
	assert.Equal(t, "claude-haiku-4-5", next, "smallest strictly larger window in LIGHT")

	next, ok = m.EscalateModel("llama3.1")
	require.True(t, ok)
	assert.Equal(t, "gpt-4o-mini", next)

	_, ok = m.EscalateModel("gemini-3-pro-preview")
	assert.False(t, ok, "largest in tier")

	_, ok = m.EscalateModel("unknown")
	assert.False(t, ok)
}

func TestProviderForModel(t *testing.T) {
	m := newTestManager(func(c *config.ModelsConfig) { c.FallbackProvider = config.ProviderOllama })
	assert.Equal(t, config.ProviderOpenAI, m.ProviderForModel("gpt-4o"))
	assert.Equal(t, config.ProviderAnthropic, m.ProviderForModel("claude-3-7-sonnet"))
	assert.Equal(t, config.ProviderOllama, m.ProviderForModel("mystery"))
}

func TestUsageAndCostLimit(t *testing.T) {
	m := newTestManager(func(c *config.ModelsConfig) {
		c.CostLimit = 1.0
		c.CostWarningThreshold = 0.5
	})

	rec := m.RecordUsage(PhaseImplementation, "claude-sonnet-4-5", 100000, 10000)
	assert.InDelta(t, 0.45, rec.Cost, 1e-9)
	assert.Equal(t, config.ProviderAnthropic, rec.Provider)
	status := m.CheckCostLimit()
	assert.False(t, status.Warn)
	assert.False(t, status.Exceeded)

	m.RecordUsage(PhaseQualityCheck, "unknown-model", 1000000, 1000000)
	assert.InDelta(t, 0.45, m.CheckCostLimit().Total, 1e-9, "unknown models cost nothing")

	m.RecordUsage(PhasePlanning, "claude-opus-4-5", 2000, 1000)
	status = m.CheckCostLimit()
	assert.True(t, status.Warn)
	assert.False(t, status.Exceeded)

	m.RecordUsage(PhaseImplementation, "claude-sonnet-4-5", 100000, 10000)
	status = m.CheckCostLimit()
	assert.True(t, status.Exceeded)
	assert.InDelta(t, 1.005, status.Total, 1e-9)

	summary := m.UsageSummary()
	assert.Equal(t, 4, summary.Total.Calls)
	assert.Equal(t, 2, summary.ByModel["claude-sonnet-4-5"].Calls)
	assert.Equal(t, 200000, summary.ByPhase[PhaseImplementation].TokensIn)
	assert.Len(t, m.Records(), 4)
}

func TestNoLimitNeverExceeds(t *testing.T) {
	m := newTestManager(nil)
	m.RecordUsage(PhasePlanning, "claude-opus-4-5", 10000000, 1000000)
	status := m.CheckCostLimit()
	assert.False(t, status.Exceeded)
	assert.False(t, status.Warn)
}
