package transient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/bgtaskd/internal/bgtask"
	"github.com/basket/bgtaskd/internal/identity"
	"github.com/basket/bgtaskd/internal/subscriber"
)

// Policy exposes the transient exemption slice of broker policy.
type Policy interface {
	TransientExempted(bundle string) bool
	ExemptedQuotaMS() int32
}

// Callback receives the advance warning before a granted delay expires.
// The application is expected to cancel the request in response; the
// watchdog removes it otherwise.
type Callback interface {
	Expired(id int32)
}

// DelayInfo describes one granted delay request.
type DelayInfo struct {
	ID            int32     `json:"requestId"`
	UID           int32     `json:"uid"`
	Bundle        string    `json:"bundle"`
	Reason        string    `json:"reason"`
	ActualDelayMS int32     `json:"actualDelayTime"`
	GrantedAt     time.Time `json:"grantedAt"`
}

// PkgSnapshot is the dump view of one package's delay state.
type PkgSnapshot struct {
	UID         int32       `json:"uid"`
	Bundle      string      `json:"bundle"`
	RemainingMS int32       `json:"remainingQuota"`
	Background  bool        `json:"background"`
	Requests    []DelayInfo `json:"requests"`
}

type request struct {
	info      DelayInfo
	cb        Callback
	warnTimer *time.Timer
	killTimer *time.Timer
}

type pkgState struct {
	uid        int32
	bundle     string
	quota      *Quota
	background bool
	requests   map[int32]*request
}

// NotifyFunc forwards a delay event for subscriber fan-out. The manager
// supplies a closure that reposts onto its own dispatch loop.
type NotifyFunc func(evType subscriber.EventType, uid int32, bundle string, id int32)

// Manager is the transient delay engine. All state mutations run on its
// dispatch goroutine; the exported methods submit onto it and wait.
type Manager struct {
	logger    *slog.Logger
	policy    Policy
	notify    NotifyFunc
	now       func() time.Time
	ceilingMS int32

	ops  chan func()
	done chan struct{}
	wg   sync.WaitGroup

	nextID int32
	pkgs   map[string]*pkgState
}

// Config holds the dependencies for the delay manager.
type Config struct {
	Logger  *slog.Logger
	Policy  Policy
	Notify  NotifyFunc
	Clock   func() time.Time
	Ceiling int32 // quota ceiling in ms; zero uses the default
}

// NewManager creates a stopped delay manager. Call Start before use.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	notify := cfg.Notify
	if notify == nil {
		notify = func(subscriber.EventType, int32, string, int32) {}
	}
	ceiling := cfg.Ceiling
	if ceiling <= 0 {
		ceiling = DefaultQuotaCeilingMS
	}
	return &Manager{
		logger:    logger.With("component", "transient"),
		policy:    cfg.Policy,
		notify:    notify,
		now:       clock,
		ceilingMS: ceiling,
		ops:       make(chan func(), 64),
		done:      make(chan struct{}),
		pkgs:      make(map[string]*pkgState),
	}
}

// Start runs the dispatch loop until ctx is canceled.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(m.done)
		for {
			select {
			case <-ctx.Done():
				m.stopAllTimers()
				return
			case fn := <-m.ops:
				fn()
			}
		}
	}()
}

// Wait blocks until the dispatch loop has exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) submit(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case m.ops <- func() { errc <- fn() }:
	case <-m.done:
		return bgtask.ErrSysNotReady
	}
	select {
	case err := <-errc:
		return err
	case <-m.done:
		return bgtask.ErrSysNotReady
	}
}

func (m *Manager) post(fn func()) {
	select {
	case m.ops <- fn:
	case <-m.done:
	}
}

func pkgKey(uid int32, bundle string) string {
	return fmt.Sprintf("%d_%s", uid, bundle)
}

func (m *Manager) pkg(uid int32, bundle string) *pkgState {
	key := pkgKey(uid, bundle)
	st, ok := m.pkgs[key]
	if !ok {
		st = &pkgState{
			uid:      uid,
			bundle:   bundle,
			quota:    NewQuota(m.ceilingMS),
			requests: make(map[int32]*request),
		}
		m.pkgs[key] = st
	}
	// Policy is reloadable, so the exemption overlay is refreshed on every
	// lookup rather than pinned at creation.
	st.quota.SetExemptOffset(m.exemptOffset(bundle))
	return st
}

// exemptOffset returns the configured exempted budget for bundle, or zero
// when it is not on the exemption list.
func (m *Manager) exemptOffset(bundle string) int32 {
	if m.policy == nil || !m.policy.TransientExempted(bundle) {
		return 0
	}
	q := m.policy.ExemptedQuotaMS()
	if q <= 0 {
		q = DefaultExemptedQuotaMS
	}
	return q
}

// RequestDelay grants a new transient delay to the caller, or explains why
// not. The advance-warning callback fires shortly before the grant runs out.
func (m *Manager) RequestDelay(caller identity.Caller, reason string, cb Callback) (DelayInfo, error) {
	var out DelayInfo
	err := m.submit(func() error {
		st := m.pkg(caller.UID, caller.Bundle)
		if len(st.requests) >= MaxRequestsPerPkg {
			return bgtask.ErrExceedsThreshold
		}
		now := m.now()
		delay, err := m.grantDuration(st, now)
		if err != nil {
			return err
		}

		m.nextID++
		id := m.nextID
		req := &request{
			info: DelayInfo{
				ID:            id,
				UID:           caller.UID,
				Bundle:        caller.Bundle,
				Reason:        reason,
				ActualDelayMS: delay,
				GrantedAt:     now,
			},
			cb: cb,
		}
		key := pkgKey(caller.UID, caller.Bundle)
		req.warnTimer = time.AfterFunc(time.Duration(delay)*time.Millisecond, func() {
			m.post(func() { m.handleExpired(key, id) })
		})
		st.requests[id] = req

		if st.background {
			st.quota.StartAccounting(now)
		}
		m.notify(subscriber.EventDelayStart, caller.UID, caller.Bundle, id)
		m.logger.Info("delay granted",
			"uid", caller.UID, "bundle", caller.Bundle,
			"request_id", id, "delay_ms", delay, "reason", reason)
		out = req.info
		return nil
	})
	return out, err
}

func (m *Manager) grantDuration(st *pkgState, now time.Time) (int32, error) {
	// Settle elapsed spend before reading the budget, then apply the grant
	// floor. The floor binds exempted packages too; their overlay only
	// stretches decay and pads the grant, it does not suspend accounting.
	st.quota.Update(now, false)
	remaining := st.quota.Remaining(now)
	if remaining < MinAllowQuotaMS {
		return 0, bgtask.ErrTimeInsufficient
	}
	if off := m.exemptOffset(st.bundle); off > 0 {
		return off + WatchdogDelayMS, nil
	}
	if remaining < DefaultDelayMS {
		return remaining, nil
	}
	return DefaultDelayMS, nil
}

// CancelDelay releases a granted delay.
func (m *Manager) CancelDelay(caller identity.Caller, id int32) error {
	return m.submit(func() error {
		st, ok := m.pkgs[pkgKey(caller.UID, caller.Bundle)]
		if !ok {
			return bgtask.ErrObjectNotExist
		}
		req, ok := st.requests[id]
		if !ok {
			return bgtask.ErrObjectNotExist
		}
		m.removeRequest(st, req)
		m.logger.Info("delay canceled", "uid", caller.UID, "bundle", caller.Bundle, "request_id", id)
		return nil
	})
}

// RemainingDelayTime returns what is left of one grant, in milliseconds.
func (m *Manager) RemainingDelayTime(caller identity.Caller, id int32) (int32, error) {
	var out int32
	err := m.submit(func() error {
		st, ok := m.pkgs[pkgKey(caller.UID, caller.Bundle)]
		if !ok {
			return bgtask.ErrObjectNotExist
		}
		req, ok := st.requests[id]
		if !ok {
			return bgtask.ErrObjectNotExist
		}
		elapsed := m.now().Sub(req.info.GrantedAt).Milliseconds()
		remain := int64(req.info.ActualDelayMS) - elapsed
		if remain < 0 {
			remain = 0
		}
		out = int32(remain)
		return nil
	})
	return out, err
}

// handleExpired fires the advance warning and arms the watchdog. A stale
// timer for an already-removed request is a no-op.
func (m *Manager) handleExpired(key string, id int32) {
	st, ok := m.pkgs[key]
	if !ok {
		return
	}
	req, ok := st.requests[id]
	if !ok {
		return
	}
	m.logger.Info("delay expiring", "uid", st.uid, "bundle", st.bundle, "request_id", id)
	if req.cb != nil {
		go req.cb.Expired(id)
	}
	req.killTimer = time.AfterFunc(WatchdogDelayMS*time.Millisecond, func() {
		m.post(func() {
			st, ok := m.pkgs[key]
			if !ok {
				return
			}
			req, ok := st.requests[id]
			if !ok {
				return
			}
			m.logger.Warn("delay watchdog fired", "uid", st.uid, "bundle", st.bundle, "request_id", id)
			m.removeRequest(st, req)
		})
	})
}

// removeRequest drops a request and settles accounting when the package's
// request list empties.
func (m *Manager) removeRequest(st *pkgState, req *request) {
	if req.warnTimer != nil {
		req.warnTimer.Stop()
	}
	if req.killTimer != nil {
		req.killTimer.Stop()
	}
	delete(st.requests, req.info.ID)
	if len(st.requests) == 0 {
		st.quota.StopAccounting(m.now())
	}
	m.notify(subscriber.EventDelayEnd, st.uid, st.bundle, req.info.ID)
}

// OnAppBackground starts charging quota for the package's live requests.
func (m *Manager) OnAppBackground(uid int32, bundle string) {
	m.post(func() {
		st := m.pkg(uid, bundle)
		st.background = true
		if len(st.requests) > 0 {
			st.quota.StartAccounting(m.now())
		}
	})
}

// OnAppForeground stops charging quota.
func (m *Manager) OnAppForeground(uid int32, bundle string) {
	m.post(func() {
		st, ok := m.pkgs[pkgKey(uid, bundle)]
		if !ok {
			return
		}
		st.background = false
		st.quota.StopAccounting(m.now())
	})
}

// ResetQuota restores the package's budget to its ceiling.
func (m *Manager) ResetQuota(uid int32, bundle string) {
	m.post(func() {
		st := m.pkg(uid, bundle)
		st.quota.Update(m.now(), true)
		m.logger.Info("delay quota reset", "uid", uid, "bundle", bundle)
	})
}

// OnAppStopped drops every outstanding request owned by uid.
func (m *Manager) OnAppStopped(uid int32) {
	m.post(func() {
		for _, st := range m.pkgs {
			if st.uid != uid {
				continue
			}
			for _, req := range st.requests {
				m.removeRequest(st, req)
			}
		}
	})
}

// Snapshot returns the dump view of every tracked package.
func (m *Manager) Snapshot() []PkgSnapshot {
	var out []PkgSnapshot
	_ = m.submit(func() error {
		now := m.now()
		for _, st := range m.pkgs {
			snap := PkgSnapshot{
				UID:         st.uid,
				Bundle:      st.bundle,
				RemainingMS: st.quota.Remaining(now),
				Background:  st.background,
			}
			for _, req := range st.requests {
				snap.Requests = append(snap.Requests, req.info)
			}
			out = append(out, snap)
		}
		return nil
	})
	return out
}

func (m *Manager) stopAllTimers() {
	for _, st := range m.pkgs {
		for _, req := range st.requests {
			if req.warnTimer != nil {
				req.warnTimer.Stop()
			}
			if req.killTimer != nil {
				req.killTimer.Stop()
			}
		}
	}
}
