package model

// TradingLimits bounds what a user may trade per day and per month.
type TradingLimits struct {
	Daily   int64 `json:"daily"`
	Monthly int64 `json:"monthly"`
}

// PortalState is the portal's view of a synced user.
type PortalState struct {
	Active       bool     `json:"active"`
	AnonymousID  string   `json:"anonymousId"`
	Features     []string `json:"features"`
	HardwareLock bool     `json:"hardwareLock"`
}

// TradingState is the trading platform's view of a synced user.
type TradingState struct {
	Active              bool          `json:"active"`
	AccountID           string        `json:"accountId"`
	TradingLimits       TradingLimits `json:"tradingLimits"`
	PortfolioEncryption string        `json:"portfolioEncryption"`
}

// SupportState is the support backend's view of a synced user.
type SupportState struct {
	Active            bool   `json:"active"`
	ButlerPersonality string `json:"butlerPersonality"`
	ConciergeID       string `json:"conciergeId,omitempty"`
	ServiceLevel      string `json:"serviceLevel"`
}

// PlatformStates groups the three per-platform states.
type PlatformStates struct {
	Portal  PortalState  `json:"portal"`
	Trading TradingState `json:"trading"`
	Support SupportState `json:"support"`
}

// SyncStatus summarises the outcome of a completed sync.
type SyncStatus struct {
	Health         string `json:"health"`
	PendingChanges int    `json:"pendingChanges"`
}

// SyncResult is only ever built after all three platforms accepted the user.
type SyncResult struct {
	UserID      string         `json:"userId"`
	Tier        Tier           `json:"tier"`
	AnonymousID string         `json:"anonymousId"`
	Platforms   PlatformStates `json:"platforms"`
	SyncStatus  SyncStatus     `json:"syncStatus"`
}

// QueuedSync is a deferred user sync waiting for the flush tick.
type QueuedSync struct {
	UserID   string   `json:"userId"`
	Tier     Tier     `json:"tier,omitempty"`
	Source   Platform `json:"source,omitempty"`
	BatchID  string   `json:"batchId,omitempty"`
	Attempts int      `json:"attempts"`
}
