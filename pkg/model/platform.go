package model

// Platform identifies one of the three backends kept in sync.
type Platform string

const (
	PlatformPortal  Platform = "black_portal"
	PlatformTrading Platform = "trading_platform"
	PlatformSupport Platform = "support_portal"
)

// AllPlatforms returns the platforms in their canonical order.
func AllPlatforms() []Platform {
	return []Platform{PlatformPortal, PlatformTrading, PlatformSupport}
}

// IsValid reports whether p is one of the known platforms.
func (p Platform) IsValid() bool {
	switch p {
	case PlatformPortal, PlatformTrading, PlatformSupport:
		return true
	}
	return false
}

// Short returns the label used in metrics and log fields.
func (p Platform) Short() string {
	switch p {
	case PlatformPortal:
		return "portal"
	case PlatformTrading:
		return "trading"
	case PlatformSupport:
		return "support"
	}
	return string(p)
}

// Others returns every platform except p, in canonical order.
func (p Platform) Others() []Platform {
	out := make([]Platform, 0, 2)
	for _, candidate := range AllPlatforms() {
		if candidate != p {
			out = append(out, candidate)
		}
	}
	return out
}

// Tier is a discrete service level.
type Tier string

const (
	TierOnyx     Tier = "onyx"
	TierObsidian Tier = "obsidian"
	TierVoid     Tier = "void"
)

// AllTiers returns the tiers from lowest to highest.
func AllTiers() []Tier {
	return []Tier{TierOnyx, TierObsidian, TierVoid}
}

func (t Tier) IsValid() bool {
	switch t {
	case TierOnyx, TierObsidian, TierVoid:
		return true
	}
	return false
}
