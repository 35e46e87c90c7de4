package segment

import (
	"sync"

	"github.com/dashkv/dash/internal/model"
)

// TierPolicy controls how many checkpoint cycles a tenant's segments may
// go untouched before they age from hot to warm to cold: hot within the
// current cycle, warm after WarmAfterCycles untouched, cold after
// ColdAfterCycles.
type TierPolicy struct {
	WarmAfterCycles int
	ColdAfterCycles int
}

func DefaultTierPolicy() TierPolicy {
	return TierPolicy{WarmAfterCycles: 1, ColdAfterCycles: 2}
}

// TierTracker reports a tenant's Tier from how many checkpoint cycles
// have elapsed since that tenant was last published (TierFor); a publish
// itself always uses hot (Touch).
type TierTracker struct {
	mu           sync.Mutex
	policy       TierPolicy
	cycle        int
	lastTouched  map[string]int
}

func NewTierTracker(policy TierPolicy) *TierTracker {
	return &TierTracker{policy: policy, lastTouched: make(map[string]int)}
}

// BumpCycle advances the global checkpoint-cycle counter, called once per
// completed checkpoint.
func (t *TierTracker) BumpCycle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cycle++
}

// TierFor returns tenant's current tier without marking it touched.
func (t *TierTracker) TierFor(tenant string) model.Tier {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tierForLocked(tenant)
}

func (t *TierTracker) tierForLocked(tenant string) model.Tier {
	last, ok := t.lastTouched[tenant]
	if !ok {
		return model.TierHot
	}
	elapsed := t.cycle - last
	switch {
	case elapsed >= t.policy.ColdAfterCycles:
		return model.TierCold
	case elapsed >= t.policy.WarmAfterCycles:
		return model.TierWarm
	default:
		return model.TierHot
	}
}

// Touch records tenant as published in the current cycle and returns the
// tier that publish should use — always hot, since a tenant just
// published is by definition current.
func (t *TierTracker) Touch(tenant string) model.Tier {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastTouched[tenant] = t.cycle
	return model.TierHot
}
