package plan

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResolver_Defaults(t *testing.T) {
	r, err := NewResolver(DefaultPlans())
	require.NoError(t, err)

	plans := r.Plans()
	require.Len(t, plans, 4)
	assert.Equal(t, "core", plans[0].ID)
	assert.Equal(t, "team-pro", plans[3].ID)
}

func TestResolver_Resolve(t *testing.T) {
	r, err := NewResolver([]Plan{
		{ID: "core", Category: CategoryIndividual, TokenLimit: 3_000_000, ReportLimit: 10, PriceIDs: []string{"price_core_m", "price_core_y"}},
		{ID: "team-pro", Category: CategoryTeam, TokenLimit: 25_000_000, ReportLimit: 150},
	})
	require.NoError(t, err)

	tests := []struct {
		name       string
		identifier string
		wantPlan   string
		wantLimit  int64
	}{
		{"by price id", "price_core_m", "core", 3_000_000},
		{"by second price id", "price_core_y", "core", 3_000_000},
		{"by plan id", "team-pro", "team-pro", 25_000_000},
		{"trims whitespace", " core ", "core", 3_000_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := r.Resolve(tt.identifier)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPlan, p.ID)
			assert.Equal(t, tt.wantLimit, p.TokenLimit)
		})
	}
}

func TestResolver_FailsClosed(t *testing.T) {
	r, err := NewResolver(DefaultPlans())
	require.NoError(t, err)

	for _, identifier := range []string{"price_unknown", ""} {
		p, err := r.Resolve(identifier)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnknownPrice)
		assert.Zero(t, p.TokenLimit)

		var cfgErr *ConfigurationError
		require.True(t, errors.As(err, &cfgErr))
		assert.Equal(t, identifier, cfgErr.Identifier)
	}
}

func TestNewResolver_RejectsBadTables(t *testing.T) {
	tests := []struct {
		name  string
		plans []Plan
	}{
		{"empty id", []Plan{{ID: " ", Category: CategoryIndividual}}},
		{"negative token limit", []Plan{{ID: "a", Category: CategoryIndividual, TokenLimit: -1}}},
		{"negative report limit", []Plan{{ID: "a", Category: CategoryIndividual, ReportLimit: -1}}},
		{"unknown category", []Plan{{ID: "a", Category: "enterprise"}}},
		{"duplicate plan id", []Plan{
			{ID: "a", Category: CategoryIndividual},
			{ID: "a", Category: CategoryTeam},
		}},
		{"price shared by two plans", []Plan{
			{ID: "a", Category: CategoryIndividual, PriceIDs: []string{"price_x"}},
			{ID: "b", Category: CategoryIndividual, PriceIDs: []string{"price_x"}},
		}},
		{"price shadows another plan id", []Plan{
			{ID: "a", Category: CategoryIndividual},
			{ID: "b", Category: CategoryIndividual, PriceIDs: []string{"a"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewResolver(tt.plans)
			assert.Error(t, err)
		})
	}
}

func TestResolver_PlansIsACopy(t *testing.T) {
	r, err := NewResolver(DefaultPlans())
	require.NoError(t, err)

	plans := r.Plans()
	plans[0].TokenLimit = 1

	p, err := r.Resolve("core")
	require.NoError(t, err)
	assert.Equal(t, int64(3_000_000), p.TokenLimit)
}
