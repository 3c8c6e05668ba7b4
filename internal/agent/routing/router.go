package routing

import (
	"fmt"
	"sync"
	"time"
)

// Budget caps spend per run and over rolling windows. Zero means no cap.
type Budget struct {
	MaxCostPerRun  float64
	MaxCostPerHour float64
	MaxCostPerDay  float64
}

// ErrBudgetExceeded is returned by CheckBudget when a cap would be blown.
type ErrBudgetExceeded struct {
	Window    string // "run", "hour", or "day"
	Projected float64
	Cap       float64
}

func (e *ErrBudgetExceeded) Error() string {
	return fmt.Sprintf("projected cost $%.4f exceeds %s budget $%.4f", e.Projected, e.Window, e.Cap)
}

// Summary reports cumulative router spend.
type Summary struct {
	TotalSpent    float64 `json:"total_spent"`
	SpentLastHour float64 `json:"spent_last_hour"`
	SpentLastDay  float64 `json:"spent_last_day"`
	Runs          int     `json:"runs"`
}

type spend struct {
	at   time.Time
	cost float64
}

// Router selects models by capability and score and enforces spend caps.
// The ledger is shared across concurrent runs; RecordCost and CheckBudget
// are serialized on the internal mutex.
type Router struct {
	catalog     *Catalog
	estimator   *Estimator
	budget      Budget
	preferLocal bool

	mu     sync.Mutex
	ledger []spend
	total  float64
	runs   int

	now func() time.Time
}

// NewRouter creates a router over the catalog with the given budget.
func NewRouter(catalog *Catalog, budget Budget, preferLocal bool) *Router {
	if catalog == nil {
		catalog = NewCatalog()
	}
	return &Router{
		catalog:     catalog,
		estimator:   NewEstimator(catalog),
		budget:      budget,
		preferLocal: preferLocal,
		now:         time.Now,
	}
}

// Estimator returns the router's estimator.
func (r *Router) Estimator() *Estimator { return r.estimator }

// Catalog returns the router's catalog.
func (r *Router) Catalog() *Catalog { return r.catalog }

// SelectModel picks the best catalog model for a task profile. Candidates
// failing a capability gate are excluded; survivors are scored on latency,
// cost, reasoning, and locality. When preferLocal is set, a local model
// within 80% of the top score wins.
func (r *Router) SelectModel(profile *TaskProfile) (*Model, error) {
	if profile == nil {
		profile = &TaskProfile{Complexity: ComplexitySimple}
	}

	type scored struct {
		model *Model
		score float64
	}
	var candidates []scored
	for _, m := range r.catalog.List() {
		if profile.NeedsVision && !m.HasCapability(CapVision) {
			continue
		}
		if profile.NeedsTools && !m.HasCapability(CapTools) {
			continue
		}
		if profile.NeedsLongContext && m.ContextWindow < 100000 {
			continue
		}
		candidates = append(candidates, scored{m, r.score(m, profile)})
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no model satisfies task requirements %+v", *profile)
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.score > best.score {
			best = c
		}
	}

	if r.preferLocal && !best.model.Local() {
		var bestLocal *scored
		for i := range candidates {
			if candidates[i].model.Local() {
				if bestLocal == nil || candidates[i].score > bestLocal.score {
					bestLocal = &candidates[i]
				}
			}
		}
		if bestLocal != nil && bestLocal.score >= 0.8*best.score {
			return bestLocal.model, nil
		}
	}
	return best.model, nil
}

func (r *Router) score(m *Model, profile *TaskProfile) float64 {
	latency := latencyScore(m.Tier)
	cost := 1.0
	if !m.Local() {
		// Normalize against the most expensive catalog tier (~$90/1M combined).
		combined := m.InputPer1M + m.OutputPer1M
		cost = 1.0 - combined/90.0
		if cost < 0 {
			cost = 0
		}
	}
	reasoning := 0.3
	if m.HasCapability(CapReasoning) {
		reasoning = 1.0
	} else if m.Tier == TierFlagship || m.Tier == TierStandard {
		reasoning = 0.7
	}
	locality := 0.0
	if m.Local() {
		locality = 1.0
	}

	wLatency, wCost, wReasoning, wLocal := 0.2, 0.3, 0.3, 0.2
	if profile.NeedsSpeed {
		wLatency, wReasoning = 0.4, 0.1
	}
	if profile.NeedsReasoning {
		wReasoning, wCost = 0.5, 0.1
	}
	wCost += 0.2 * profile.CostSensitivity

	return wLatency*latency + wCost*cost + wReasoning*reasoning + wLocal*locality
}

func latencyScore(t Tier) float64 {
	switch t {
	case TierMini:
		return 1.0
	case TierFast:
		return 0.9
	case TierLocal:
		return 0.7
	case TierStandard:
		return 0.6
	default:
		return 0.4
	}
}

// CheckBudget refuses a projected cost that would exceed the per-run cap or
// push a rolling window over its cap.
func (r *Router) CheckBudget(projected float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.budget.MaxCostPerRun > 0 && projected > r.budget.MaxCostPerRun {
		return &ErrBudgetExceeded{Window: "run", Projected: projected, Cap: r.budget.MaxCostPerRun}
	}
	hour, day := r.windowsLocked()
	if r.budget.MaxCostPerHour > 0 && hour+projected > r.budget.MaxCostPerHour {
		return &ErrBudgetExceeded{Window: "hour", Projected: hour + projected, Cap: r.budget.MaxCostPerHour}
	}
	if r.budget.MaxCostPerDay > 0 && day+projected > r.budget.MaxCostPerDay {
		return &ErrBudgetExceeded{Window: "day", Projected: day + projected, Cap: r.budget.MaxCostPerDay}
	}
	return nil
}

// RecordCost adds one run's actual cost to the ledger.
func (r *Router) RecordCost(cost float64) {
	if cost < 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ledger = append(r.ledger, spend{at: r.now(), cost: cost})
	r.total += cost
	r.runs++
	r.pruneLocked()
}

// GetSummary reports cumulative and windowed spend.
func (r *Router) GetSummary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	hour, day := r.windowsLocked()
	return Summary{TotalSpent: r.total, SpentLastHour: hour, SpentLastDay: day, Runs: r.runs}
}

func (r *Router) windowsLocked() (hour, day float64) {
	now := r.now()
	for _, s := range r.ledger {
		age := now.Sub(s.at)
		if age <= 24*time.Hour {
			day += s.cost
			if age <= time.Hour {
				hour += s.cost
			}
		}
	}
	return hour, day
}

// pruneLocked drops ledger entries older than the day window. Totals keep
// accumulating.
func (r *Router) pruneLocked() {
	cutoff := r.now().Add(-24 * time.Hour)
	kept := r.ledger[:0]
	for _, s := range r.ledger {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	r.ledger = kept
}
