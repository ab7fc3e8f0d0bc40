// Package tier maps a service tier to its features, trading limits and assistant personality.
// Lookups are pure: the table is fixed at compile time and every call returns a fresh copy.
package tier

import (
	"errors"
	"fmt"
	"math"

	"github.com/Checker-Finance/sync-coordinator/pkg/model"
)

// Unlimited is the limit sentinel for the top tier. It keeps TradingLimits a plain int64 pair.
const Unlimited int64 = math.MaxInt64

// ErrUnknownTier is returned for tiers outside the table.
var ErrUnknownTier = errors.New("unknown tier")

// Profile is everything a platform needs to know about a tier.
type Profile struct {
	Tier          model.Tier
	Features      []string
	TradingLimits model.TradingLimits
	Personality   string
	ServiceLevel  string
}

// BaselineFeatures are granted to every tier.
func BaselineFeatures() []string {
	return []string{"secure_messaging", "portfolio_dashboard", "butler_assistant", "hardware_key_auth"}
}

type entry struct {
	extra       []string
	limits      model.TradingLimits
	personality string
	level       string
}

var table = map[model.Tier]entry{
	model.TierOnyx: {
		extra:       []string{"curated_opportunities"},
		limits:      model.TradingLimits{Daily: 1_000_000, Monthly: 10_000_000},
		personality: "sterling",
		level:       "priority",
	},
	model.TierObsidian: {
		extra:       []string{"curated_opportunities", "dark_pool_access", "private_aviation"},
		limits:      model.TradingLimits{Daily: 10_000_000, Monthly: 100_000_000},
		personality: "ashford",
		level:       "dedicated",
	},
	model.TierVoid: {
		extra: []string{
			"curated_opportunities", "dark_pool_access", "private_aviation",
			"quantum_vault", "zero_knowledge_identity", "emergency_extraction",
		},
		limits:      model.TradingLimits{Daily: Unlimited, Monthly: Unlimited},
		personality: "nyx",
		level:       "sovereign",
	},
}

// Lookup returns the profile for t.
func Lookup(t model.Tier) (Profile, error) {
	e, ok := table[t]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownTier, t)
	}

	features := BaselineFeatures()
	features = append(features, e.extra...)

	return Profile{
		Tier:          t,
		Features:      features,
		TradingLimits: e.limits,
		Personality:   e.personality,
		ServiceLevel:  e.level,
	}, nil
}

// Has reports whether the profile includes feature.
func (p Profile) Has(feature string) bool {
	for _, f := range p.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// All returns every tier in ascending order.
func All() []model.Tier {
	return model.AllTiers()
}
