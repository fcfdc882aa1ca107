package config

import "sync/atomic"

// LivePolicy is a policy holder that can be swapped atomically on reload.
// The validator and the delay engine read through it, so a config watcher
// can replace the policy without restarting either.
type LivePolicy struct {
	current atomic.Pointer[Policy]
}

// NewLivePolicy wraps an initial policy.
func NewLivePolicy(p *Policy) *LivePolicy {
	lp := &LivePolicy{}
	if p == nil {
		p = &Policy{}
	}
	lp.current.Store(p)
	return lp
}

// Reload replaces the active policy.
func (lp *LivePolicy) Reload(p *Policy) {
	if p == nil {
		p = &Policy{}
	}
	lp.current.Store(p)
}

func (lp *LivePolicy) TaskKeepingEnabled() bool {
	return lp.current.Load().TaskKeepingEnabled()
}

func (lp *LivePolicy) TaskKeepingExempted(bundle string) bool {
	return lp.current.Load().TaskKeepingExempted(bundle)
}

func (lp *LivePolicy) TransientExempted(bundle string) bool {
	return lp.current.Load().TransientExempted(bundle)
}

func (lp *LivePolicy) ExemptedQuotaMS() int32 {
	return lp.current.Load().ExemptedQuotaMS()
}
