package rules

import (
	"math"
)

// Cost category of an endpoint. Selects tier multipliers and the failure
// policy when the ledger store is unreachable.
type Category string

const (
	CategoryAI      Category = "ai"
	CategoryExport  Category = "export"
	CategoryBulk    Category = "bulk"
	CategorySpam    Category = "spam"
	CategoryCompute Category = "compute"
)

// DefaultEndpoint is the registry entry used for endpoints without their own rule.
const DefaultEndpoint = "default"

// DefaultTier is the tier used when an unknown tier name is supplied.
const DefaultTier = "free"

// Base limits for a single endpoint. Immutable after registry construction.
type Rule struct {
	Endpoint      string   `json:"endpoint"`
	Category      Category `json:"category"`
	MaxPerDay     int64    `json:"max_per_day"`
	MaxPerMinute  int64    `json:"max_per_minute"`
	SlidingWindow bool     `json:"sliding_window"`
}

// Per-tier multipliers, one per category.
type TierMultiplier struct {
	Tier        string               `json:"tier"`
	PerCategory map[Category]float64 `json:"per_category"`
}

// A rule's base limits scaled by a tier multiplier.
type EffectiveLimit struct {
	MaxPerDay    int64 `json:"max_per_day"`
	MaxPerMinute int64 `json:"max_per_minute"`
}

// Registry holds the rule table and tier multipliers. Built once at startup,
// read-only afterwards, safe for unsynchronized concurrent reads.
type Registry struct {
	rules map[string]Rule
	tiers map[string]map[Category]float64
}

func NewRegistry(entries []Rule, tiers []TierMultiplier) *Registry {
	if len(entries) == 0 {
		entries = DefaultRules()
	}
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}

	r := &Registry{
		rules: make(map[string]Rule, len(entries)),
		tiers: make(map[string]map[Category]float64, len(tiers)),
	}

	for _, entry := range entries {
		r.rules[entry.Endpoint] = entry
	}

	for _, tier := range tiers {
		perCategory := make(map[Category]float64, len(tier.PerCategory))
		for category, mult := range tier.PerCategory {
			perCategory[category] = mult
		}
		r.tiers[tier.Tier] = perCategory
	}

	return r
}

// Resolve returns the rule for an endpoint, falling back to the default entry.
func (r *Registry) Resolve(endpoint string) Rule {
	if rule, ok := r.rules[endpoint]; ok {
		return rule
	}
	return r.rules[DefaultEndpoint]
}

// Adjust scales an endpoint's base limits by the tier's multiplier for the
// endpoint's category. Unknown tiers get the free tier's multipliers.
func (r *Registry) Adjust(endpoint, tier string) EffectiveLimit {
	rule := r.Resolve(endpoint)

	perCategory, ok := r.tiers[tier]
	if !ok {
		perCategory = r.tiers[DefaultTier]
	}

	mult, ok := perCategory[rule.Category]
	if !ok {
		mult = 1.0
	}

	return EffectiveLimit{
		MaxPerDay:    int64(math.Floor(float64(rule.MaxPerDay) * mult)),
		MaxPerMinute: int64(math.Floor(float64(rule.MaxPerMinute) * mult)),
	}
}

// DefaultRules returns the built-in endpoint table used when the config file
// does not supply one.
func DefaultRules() []Rule {
	return []Rule{
		{Endpoint: "ai-message-assist", Category: CategoryAI, MaxPerDay: 100, MaxPerMinute: 6},
		{Endpoint: "ai-schedule-suggest", Category: CategoryAI, MaxPerDay: 50, MaxPerMinute: 6},
		{Endpoint: "ai-expense-summary", Category: CategoryAI, MaxPerDay: 30, MaxPerMinute: 4},
		{Endpoint: "export-pdf", Category: CategoryExport, MaxPerDay: 20, MaxPerMinute: 2},
		{Endpoint: "export-calendar", Category: CategoryExport, MaxPerDay: 30, MaxPerMinute: 3},
		{Endpoint: "email-send", Category: CategorySpam, MaxPerDay: 200, MaxPerMinute: 10},
		{Endpoint: "bulk-read", Category: CategoryBulk, MaxPerDay: 2000, MaxPerMinute: 120},
		{Endpoint: "report-generate", Category: CategoryCompute, MaxPerDay: 50, MaxPerMinute: 5},
		{Endpoint: DefaultEndpoint, Category: CategoryCompute, MaxPerDay: 500, MaxPerMinute: 60},
	}
}

// DefaultTiers returns the built-in tier multiplier table.
func DefaultTiers() []TierMultiplier {
	return []TierMultiplier{
		{
			Tier: "free",
			PerCategory: map[Category]float64{
				CategoryAI:      0.5,
				CategoryExport:  0.5,
				CategoryBulk:    1.0,
				CategorySpam:    0.5,
				CategoryCompute: 1.0,
			},
		},
		{
			Tier: "plus",
			PerCategory: map[Category]float64{
				CategoryAI:      0.75,
				CategoryExport:  1.0,
				CategoryBulk:    1.0,
				CategorySpam:    1.0,
				CategoryCompute: 1.0,
			},
		},
		{
			Tier: "power",
			PerCategory: map[Category]float64{
				CategoryAI:      1.0,
				CategoryExport:  1.5,
				CategoryBulk:    2.0,
				CategorySpam:    1.5,
				CategoryCompute: 1.5,
			},
		},
	}
}
