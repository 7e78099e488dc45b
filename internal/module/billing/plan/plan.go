package plan

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Category groups plans by who owns the subscription.
type Category string

const (
	CategoryIndividual Category = "individual"
	CategoryTeam       Category = "team"
)

// Plan is a named subscription tier with its per-period allowance.
type Plan struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Category    Category `json:"category"`
	TokenLimit  int64    `json:"token_limit"`
	ReportLimit int      `json:"report_limit"`
	PriceIDs    []string `json:"price_ids,omitempty"`
}

// ErrUnknownPrice is matched by every ConfigurationError.
var ErrUnknownPrice = errors.New("unknown price identifier")

// ConfigurationError reports a provider identifier missing from the plan
// table. It is an operator defect and must never fall back to a default limit.
type ConfigurationError struct {
	Identifier string
}

func (e *ConfigurationError) Error() string {
	if e.Identifier == "" {
		return "plan configuration: empty price identifier"
	}
	return fmt.Sprintf("plan configuration: no plan for price identifier %q", e.Identifier)
}

// Is makes errors.Is(err, ErrUnknownPrice) hold.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrUnknownPrice
}

// Resolver maps provider price identifiers to plans. It is immutable after
// construction and safe for concurrent use.
type Resolver struct {
	byIdentifier map[string]Plan
	plans        []Plan
}

// NewResolver indexes plans by id and by every price identifier. It rejects
// tables with empty ids, negative limits, unknown categories or identifiers
// claimed by two plans.
func NewResolver(plans []Plan) (*Resolver, error) {
	r := &Resolver{byIdentifier: make(map[string]Plan)}
	seen := make(map[string]struct{}, len(plans))

	for _, p := range plans {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return nil, errors.New("plan table: plan with empty id")
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("plan table: duplicate plan id %q", id)
		}
		seen[id] = struct{}{}
		if p.TokenLimit < 0 || p.ReportLimit < 0 {
			return nil, fmt.Errorf("plan table: plan %q has a negative limit", id)
		}
		switch p.Category {
		case CategoryIndividual, CategoryTeam:
		default:
			return nil, fmt.Errorf("plan table: plan %q has unknown category %q", id, p.Category)
		}

		p.ID = id
		p.PriceIDs = append([]string(nil), p.PriceIDs...)
		r.plans = append(r.plans, p)

		// The plan id doubles as a lookup key.
		identifiers := append([]string{id}, p.PriceIDs...)
		for _, ident := range identifiers {
			ident = strings.TrimSpace(ident)
			if ident == "" {
				continue
			}
			if other, dup := r.byIdentifier[ident]; dup && other.ID != id {
				return nil, fmt.Errorf("plan table: identifier %q maps to both %q and %q", ident, other.ID, id)
			}
			r.byIdentifier[ident] = p
		}
	}

	sort.Slice(r.plans, func(i, j int) bool { return r.plans[i].ID < r.plans[j].ID })
	return r, nil
}

// Resolve returns the plan for a price id, lookup key or plan id.
func (r *Resolver) Resolve(identifier string) (Plan, error) {
	p, ok := r.byIdentifier[strings.TrimSpace(identifier)]
	if !ok {
		return Plan{}, &ConfigurationError{Identifier: identifier}
	}
	return p, nil
}

// Plans returns a copy of the table sorted by plan id.
func (r *Resolver) Plans() []Plan {
	out := make([]Plan, len(r.plans))
	copy(out, r.plans)
	return out
}

// DefaultPlans is the built-in price table used when configuration supplies none.
func DefaultPlans() []Plan {
	return []Plan{
		{ID: "core", Name: "Core", Category: CategoryIndividual, TokenLimit: 3_000_000, ReportLimit: 10},
		{ID: "individual-pro", Name: "Individual Pro", Category: CategoryIndividual, TokenLimit: 6_000_000, ReportLimit: 25},
		{ID: "team-core", Name: "Team Core", Category: CategoryTeam, TokenLimit: 10_000_000, ReportLimit: 50},
		{ID: "team-pro", Name: "Team Pro", Category: CategoryTeam, TokenLimit: 25_000_000, ReportLimit: 150},
	}
}
