// Package transient implements the delay-suspend quota engine: short grants
// of background runtime, metered per package against a decaying budget.
package transient

import "time"

// Quota limits and timings, all in milliseconds except where noted.
const (
	// MaxRequestsPerPkg caps concurrently outstanding delay requests.
	MaxRequestsPerPkg = 3
	// MinAllowQuotaMS is the floor below which no new grant is issued.
	MinAllowQuotaMS = 16_000
	// WatchdogDelayMS is the margin between the advance-warning callback
	// and the hard removal of an expired request.
	WatchdogDelayMS = 6_000
	// DefaultQuotaCeilingMS is the per-package budget restored on reset.
	DefaultQuotaCeilingMS = 10 * 60 * 1000
	// DefaultDelayMS is the nominal duration of one grant.
	DefaultDelayMS = 3 * 60 * 1000
	// DefaultExemptedQuotaMS is the fixed grant for exempted packages when
	// no override is configured.
	DefaultExemptedQuotaMS = 10_000
)

// Quota is the decaying runtime budget of one package. Time spent counts
// against the budget only while accounting is on, which tracks the package
// being in the background with at least one live request.
type Quota struct {
	quotaMS        int32
	ceilingMS      int32
	baseMS         int64
	counting       bool
	exemptOffsetMS int32
}

// NewQuota creates a full budget with the given ceiling.
func NewQuota(ceilingMS int32) *Quota {
	if ceilingMS <= 0 {
		ceilingMS = DefaultQuotaCeilingMS
	}
	return &Quota{quotaMS: ceilingMS, ceilingMS: ceilingMS}
}

// SetExemptOffset installs the exemption overlay: a fixed offset subtracted
// from elapsed time whenever spend is settled, stretching the budget of
// exempted packages. Zero disables it.
func (q *Quota) SetExemptOffset(ms int32) {
	if ms < 0 {
		ms = 0
	}
	q.exemptOffsetMS = ms
}

// StartAccounting begins charging the budget from now.
func (q *Quota) StartAccounting(now time.Time) {
	if q.counting {
		return
	}
	q.baseMS = now.UnixMilli()
	q.counting = true
}

// StopAccounting settles the spend since accounting started and stops
// charging.
func (q *Quota) StopAccounting(now time.Time) {
	if !q.counting {
		return
	}
	q.Update(now, false)
	q.counting = false
}

// Update settles accumulated spend into the budget. With reset, the budget
// returns to its ceiling instead.
func (q *Quota) Update(now time.Time, reset bool) {
	if reset {
		q.quotaMS = q.ceilingMS
		q.baseMS = now.UnixMilli()
		return
	}
	var spend int64
	if q.counting {
		spend = now.UnixMilli() - q.baseMS - int64(q.exemptOffsetMS)
		if spend < 0 {
			spend = 0
		}
	}
	remain := int64(q.quotaMS) - spend
	if remain < 0 {
		remain = 0
	}
	q.quotaMS = int32(remain)
	q.baseMS = now.UnixMilli()
}

// Remaining returns the budget left as of now, without mutating state.
func (q *Quota) Remaining(now time.Time) int32 {
	remain := int64(q.quotaMS)
	if q.counting {
		spend := now.UnixMilli() - q.baseMS - int64(q.exemptOffsetMS)
		if spend > 0 {
			remain -= spend
		}
	}
	if remain < 0 {
		return 0
	}
	return int32(remain)
}

// Counting reports whether the budget is being charged.
func (q *Quota) Counting() bool {
	return q.counting
}
