// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package budget

import (
	"sync"
	"time"
)

// =============================================================================
// TIER TYPE
// =============================================================================

// Tier is the spend-to-cap state: ok -> warning -> critical -> exceeded.
type Tier int

const (
	// TierOK means spend is below 80% of every cap.
	TierOK Tier = iota
	// TierWarning means spend reached 80% of some cap.
	TierWarning
	// TierCritical means spend reached 95% of some cap.
	TierCritical
	// TierExceeded means some cap is spent in full.
	TierExceeded
)

// Threshold ratios for tier transitions.
const (
	warningRatio  = 0.80
	criticalRatio = 0.95
)

// String returns the human-readable name of the tier.
func (t Tier) String() string {
	switch t {
	case TierOK:
		return "ok"
	case TierWarning:
		return "warning"
	case TierCritical:
		return "critical"
	case TierExceeded:
		return "exceeded"
	default:
		return "unknown"
	}
}

// =============================================================================
// GOVERNOR
// =============================================================================

// Caps configures the spending limits in USD. Zero disables a cap.
type Caps struct {
	SessionUSD float64
	DailyUSD   float64
	MonthlyUSD float64
}

// Governor is the budget gate for provider calls. Record is serialized by a
// single mutex so near-simultaneous completions from fan-out rounds never
// lose updates. The tier is monotonic within each budget period: it can only
// step up until the period rolls over (daily/monthly) or the session ends.
type Governor struct {
	mu sync.Mutex

	caps Caps

	sessionSpent float64
	daily        map[string]float64 // keyed by UTC day "2006-01-02"
	monthly      map[string]float64 // keyed by UTC month "2006-01"

	// Monotonic tier floors per period.
	sessionTier Tier
	dayTier     Tier
	dayKey      string
	monthTier   Tier
	monthKey    string

	killed bool

	store *Store // optional persistence, may be nil

	// onTierChange fires outside the lock when the effective tier rises.
	onTierChange func(Tier)
	// onKill fires once when the kill switch trips.
	onKill func()

	// now is replaceable for tests.
	now func() time.Time
}

// NewGovernor creates a governor with the given caps and no persistence.
func NewGovernor(caps Caps) *Governor {
	g := &Governor{
		caps:    caps,
		daily:   make(map[string]float64),
		monthly: make(map[string]float64),
		now:     time.Now,
	}
	g.dayKey = g.utcDay()
	g.monthKey = g.utcMonth()
	return g
}

// NewGovernorWithStore creates a governor whose daily and monthly buckets are
// loaded from and written through to the store.
func NewGovernorWithStore(caps Caps, store *Store) (*Governor, error) {
	g := NewGovernor(caps)
	g.store = store

	day, err := store.Load(periodDay, g.dayKey)
	if err != nil {
		return nil, err
	}
	month, err := store.Load(periodMonth, g.monthKey)
	if err != nil {
		return nil, err
	}
	g.daily[g.dayKey] = day
	g.monthly[g.monthKey] = month
	g.refreshTiersLocked()
	return g, nil
}

// SetTierCallback registers a listener for tier transitions.
func (g *Governor) SetTierCallback(fn func(Tier)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onTierChange = fn
}

// SetKillCallback registers a listener for the kill switch.
func (g *Governor) SetKillCallback(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onKill = fn
}

// =============================================================================
// GATING
// =============================================================================

// TryReserve reports whether the next provider call may proceed. It returns
// false once any cap is fully spent. The call that pushes spend past a cap is
// the last one admitted: spend can exceed a cap by at most one in-flight
// call's cost.
func (g *Governor) TryReserve() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.killed {
		return false
	}
	g.rolloverLocked()

	if g.caps.SessionUSD > 0 && g.sessionSpent >= g.caps.SessionUSD {
		return false
	}
	if g.caps.DailyUSD > 0 && g.daily[g.dayKey] >= g.caps.DailyUSD {
		return false
	}
	if g.caps.MonthlyUSD > 0 && g.monthly[g.monthKey] >= g.caps.MonthlyUSD {
		return false
	}
	return true
}

// Record accumulates the cost of a completed call into the session spend and
// the current UTC day and month buckets.
func (g *Governor) Record(costUSD float64) {
	if costUSD <= 0 {
		return
	}

	g.mu.Lock()
	g.rolloverLocked()

	g.sessionSpent += costUSD
	g.daily[g.dayKey] += costUSD
	g.monthly[g.monthKey] += costUSD

	before := g.effectiveTierLocked()
	g.refreshTiersLocked()
	after := g.effectiveTierLocked()

	notify := g.onTierChange
	store := g.store
	dayKey, daySpent := g.dayKey, g.daily[g.dayKey]
	monthKey, monthSpent := g.monthKey, g.monthly[g.monthKey]
	g.mu.Unlock()

	if store != nil {
		// Persistence is advisory; a write failure never blocks accounting.
		_ = store.Save(periodDay, dayKey, daySpent)
		_ = store.Save(periodMonth, monthKey, monthSpent)
	}

	if after > before && notify != nil {
		notify(after)
	}
}

// KillSwitch clamps every cap to the current spend so all subsequent
// TryReserve calls fail, and notifies the registered kill listener.
func (g *Governor) KillSwitch() {
	g.mu.Lock()
	if g.killed {
		g.mu.Unlock()
		return
	}
	g.killed = true
	g.caps.SessionUSD = g.sessionSpent
	g.caps.DailyUSD = g.daily[g.dayKey]
	g.caps.MonthlyUSD = g.monthly[g.monthKey]
	g.sessionTier = TierExceeded
	notify := g.onKill
	g.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// =============================================================================
// INSPECTION
// =============================================================================

// SpentUSD returns the cumulative session spend.
func (g *Governor) SpentUSD() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessionSpent
}

// CurrentTier returns the effective tier: the highest tier reached across
// the session, current-day, and current-month periods.
func (g *Governor) CurrentTier() Tier {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked()
	return g.effectiveTierLocked()
}

// Exceeded reports whether any cap is fully spent.
func (g *Governor) Exceeded() bool {
	return g.CurrentTier() == TierExceeded
}

// =============================================================================
// INTERNAL STATE
// =============================================================================

// rolloverLocked resets the day/month tier floors when the UTC period
// changes. Caller must hold the lock.
func (g *Governor) rolloverLocked() {
	if day := g.utcDay(); day != g.dayKey {
		g.dayKey = day
		g.dayTier = TierOK
	}
	if month := g.utcMonth(); month != g.monthKey {
		g.monthKey = month
		g.monthTier = TierOK
	}
}

// refreshTiersLocked raises each period's tier floor to match its current
// spend ratio. Floors never lower within a period.
func (g *Governor) refreshTiersLocked() {
	if t := ratioTier(g.sessionSpent, g.caps.SessionUSD); t > g.sessionTier {
		g.sessionTier = t
	}
	if t := ratioTier(g.daily[g.dayKey], g.caps.DailyUSD); t > g.dayTier {
		g.dayTier = t
	}
	if t := ratioTier(g.monthly[g.monthKey], g.caps.MonthlyUSD); t > g.monthTier {
		g.monthTier = t
	}
}

// effectiveTierLocked returns the max tier across all periods.
func (g *Governor) effectiveTierLocked() Tier {
	tier := g.sessionTier
	if g.dayTier > tier {
		tier = g.dayTier
	}
	if g.monthTier > tier {
		tier = g.monthTier
	}
	return tier
}

// ratioTier maps a spend/cap ratio onto a tier. A zero cap never constrains.
func ratioTier(spent, cap float64) Tier {
	if cap <= 0 {
		return TierOK
	}
	ratio := spent / cap
	switch {
	case ratio >= 1.0:
		return TierExceeded
	case ratio >= criticalRatio:
		return TierCritical
	case ratio >= warningRatio:
		return TierWarning
	default:
		return TierOK
	}
}

func (g *Governor) utcDay() string {
	return g.now().UTC().Format("2006-01-02")
}

func (g *Governor) utcMonth() string {
	return g.now().UTC().Format("2006-01")
}
