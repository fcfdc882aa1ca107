package manager

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/basket/bgtaskd/internal/bgmode"
	"github.com/basket/bgtaskd/internal/bgtask"
	"github.com/basket/bgtaskd/internal/identity"
	"github.com/basket/bgtaskd/internal/notify"
	"github.com/basket/bgtaskd/internal/record"
)

// OnAppStopped retracts every grant of a uid whose process group exited.
func (m *Manager) OnAppStopped(uid int32) {
	m.post(func() {
		if !m.ready {
			return
		}
		for _, snap := range m.tasks.ByUID(uid) {
			if rec := m.tasks.Get(snap.Key()); rec != nil {
				m.stopLocked(context.Background(), rec, record.CancelAppStopped)
			}
		}
	})
}

// OnAppFrozen parks the uid's grants when its application subscriber can
// survive a suspension, and retracts them otherwise.
func (m *Manager) OnAppFrozen(uid int32) {
	m.post(func() {
		if !m.ready {
			return
		}
		suspendable := m.subs.SupportsSuspend(uid)
		for _, snap := range m.tasks.ByUID(uid) {
			rec := m.tasks.Get(snap.Key())
			if rec == nil {
				continue
			}
			if suspendable {
				m.suspendLocked(context.Background(), rec, record.SuspendByFreeze)
			} else {
				m.stopLocked(context.Background(), rec, record.CancelFreeze)
			}
		}
	})
}

// OnAppUnfrozen resumes the uid's suspended grants.
func (m *Manager) OnAppUnfrozen(uid int32) {
	m.post(func() {
		if !m.ready {
			return
		}
		for _, snap := range m.tasks.ByUID(uid) {
			rec := m.tasks.Get(snap.Key())
			if rec == nil || !rec.Suspended {
				continue
			}
			if err := m.resumeLocked(context.Background(), rec); err != nil {
				m.logger.Error("resume after unfreeze", "key", rec.Key(), "error", err)
			}
		}
	})
}

// OnBundleDataCleared retracts a uid's grants after its package data was
// wiped; the declared mode mask may no longer hold.
func (m *Manager) OnBundleDataCleared(uid int32) {
	m.post(func() {
		if !m.ready {
			return
		}
		for _, snap := range m.tasks.ByUID(uid) {
			if rec := m.tasks.Get(snap.Key()); rec != nil {
				m.stopLocked(context.Background(), rec, record.CancelDataCleared)
			}
		}
	})
}

// OnAccountsChanged retracts grants whose owning os account is no longer
// active.
func (m *Manager) OnAccountsChanged(activeUserIDs []int32) {
	m.post(func() {
		if !m.ready {
			return
		}
		active := make(map[int32]bool, len(activeUserIDs))
		for _, id := range activeUserIDs {
			active[id] = true
		}
		for _, snap := range m.tasks.All() {
			if active[snap.UserID] {
				continue
			}
			if rec := m.tasks.Get(snap.Key()); rec != nil {
				m.stopLocked(context.Background(), rec, record.CancelAccountRemoved)
			}
		}
	})
}

// OnSystemAbilityRemoved retracts grants that depended on a departed system
// service: VoIP webview tasks when the call service goes away, workout tasks
// when health tracking does.
func (m *Manager) OnSystemAbilityRemoved(saUID int32) {
	m.post(func() {
		if !m.ready {
			return
		}
		for _, snap := range m.tasks.All() {
			rec := m.tasks.Get(snap.Key())
			if rec == nil {
				continue
			}
			switch saUID {
			case identity.VoIPServiceUID:
				if rec.FromWebview && rec.HasMode(bgmode.VoIP) {
					m.stopLocked(context.Background(), rec, record.CancelCapabilityRevoked)
				}
			case identity.HealthSportUID:
				if rec.FromInner && rec.HasMode(bgmode.Workout) {
					m.stopLocked(context.Background(), rec, record.CancelCapabilityRevoked)
				}
			}
		}
	})
}

// OnLocaleChanged swaps the notification language and republishes every live
// notification. A failed republish keeps the old text rather than killing
// the grant.
func (m *Manager) OnLocaleChanged(locale string) {
	m.post(func() {
		m.bridge.Locale = locale
		if !m.ready {
			return
		}
		for _, snap := range m.tasks.All() {
			rec := m.tasks.Get(snap.Key())
			if rec == nil || rec.Suspended || rec.NotificationID == record.NoNotification {
				continue
			}
			if err := m.applyNotification(rec); err != nil {
				m.logger.Error("refresh notification text", "key", rec.Key(), "locale", locale, "error", err)
			}
		}
		m.logger.Info("locale changed", "locale", locale)
	})
}

// OnStringsChanged swaps the notification string table after an overlay
// reload and refreshes live notification text.
func (m *Manager) OnStringsChanged(strings *notify.StringTable) {
	m.post(func() {
		m.bridge.Strings = strings
		if !m.ready {
			return
		}
		for _, snap := range m.tasks.All() {
			rec := m.tasks.Get(snap.Key())
			if rec == nil || rec.Suspended || rec.NotificationID == record.NoNotification {
				continue
			}
			if err := m.applyNotification(rec); err != nil {
				m.logger.Error("refresh notification text", "key", rec.Key(), "error", err)
			}
		}
	})
}

// OnPolicyChanged swaps the validation policy after a config reload.
func (m *Manager) OnPolicyChanged(policy bgmode.Policy) {
	m.post(func() {
		m.validate.Policy = policy
		m.logger.Info("task keeping policy reloaded")
	})
}

// AVSessionNotify records whether a uid has a media session published and
// refreshes the audio playback notifications that depend on it. Only the
// media session service may report this.
func (m *Manager) AVSessionNotify(ctx context.Context, uid int32, published bool) error {
	caller, ok := identity.CallerFrom(ctx)
	if !ok || caller.UID != identity.AVSessionServiceUID {
		return bgtask.ErrPermissionDenied
	}
	return m.submit(func() error {
		if !m.ready {
			return bgtask.ErrSysNotReady
		}
		if m.avPublished[uid] == published {
			return nil
		}
		if published {
			m.avPublished[uid] = true
		} else {
			delete(m.avPublished, uid)
		}
		for _, snap := range m.tasks.ByUID(uid) {
			rec := m.tasks.Get(snap.Key())
			if rec == nil || rec.Suspended || !rec.HasMode(bgmode.AudioPlayback) {
				continue
			}
			if err := m.applyNotification(rec); err != nil {
				m.logger.Error("refresh notification after av session change", "key", rec.Key(), "error", err)
			}
		}
		return nil
	})
}

// restore reloads the persisted task table. Records whose process died
// while the broker was down are dropped, alive ones get their
// notifications republished. Runs on the dispatch goroutine before the
// ready flag flips.
func (m *Manager) restore(ctx context.Context) {
	maxTask, maxNotif, err := m.archive.MaxCounters(ctx)
	if err != nil {
		m.logger.Error("load id counters", "error", err)
	}
	m.taskSeq = maxTask
	m.notifSeq = maxNotif

	recs, err := m.archive.LoadTasks(ctx)
	if err != nil {
		m.logger.Error("load persisted tasks", "error", err)
		return
	}
	for _, rec := range recs {
		if m.procs != nil && !m.procs.Alive(rec.PID) {
			m.logger.Info("dropping stale task", "key", rec.Key(), "pid", rec.PID)
			if err := m.archive.DeleteTask(ctx, rec.Key()); err != nil {
				m.logger.Error("delete stale task", "key", rec.Key(), "error", err)
			}
			continue
		}
		m.tasks.Insert(rec)
		if !rec.Suspended && rec.NotificationID != record.NoNotification {
			if err := m.applyNotification(rec); err != nil {
				m.logger.Error("republish notification", "key", rec.Key(), "error", err)
			}
		}
	}
}

// Dump renders the task table for the diagnostic surface.
func (m *Manager) Dump(ctx context.Context) (string, error) {
	var out string
	err := m.submit(func() error {
		if !m.ready {
			return bgtask.ErrSysNotReady
		}
		recs := m.tasks.All()
		sort.Slice(recs, func(i, j int) bool { return recs[i].TaskID < recs[j].TaskID })
		var b strings.Builder
		fmt.Fprintf(&b, "continuous tasks: %d\n", len(recs))
		for _, rec := range recs {
			state := "active"
			if rec.Suspended {
				state = fmt.Sprintf("suspended(%d)", rec.SuspendReason)
			}
			fmt.Fprintf(&b, "  %s id=%d bundle=%s modes=%v subModes=%v state=%s notification=%d\n",
				rec.Key(), rec.TaskID, rec.Bundle, rec.Modes, rec.SubModes, state, rec.NotificationID)
		}
		fmt.Fprintf(&b, "subscribers: %d\n", m.subs.Len())
		out = b.String()
		return nil
	})
	return out, err
}
