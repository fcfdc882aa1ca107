// Package manager owns the continuous task table. Every mutation runs on a
// single dispatch goroutine: operations with results submit onto it and
// wait, system event handlers post and return. Nothing else touches the
// table, the subscriber registry or the id counters.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/bgtaskd/internal/bgmode"
	"github.com/basket/bgtaskd/internal/bgtask"
	"github.com/basket/bgtaskd/internal/bus"
	"github.com/basket/bgtaskd/internal/identity"
	"github.com/basket/bgtaskd/internal/notify"
	"github.com/basket/bgtaskd/internal/otel"
	"github.com/basket/bgtaskd/internal/persistence"
	"github.com/basket/bgtaskd/internal/record"
	"github.com/basket/bgtaskd/internal/store"
	"github.com/basket/bgtaskd/internal/subscriber"
)

// Archive is the durable side of the task table, implemented by
// persistence.Store.
type Archive interface {
	UpsertTask(ctx context.Context, rec *record.ContinuousTaskRecord) error
	DeleteTask(ctx context.Context, key string) error
	LoadTasks(ctx context.Context) ([]*record.ContinuousTaskRecord, error)
	AppendEvent(ctx context.Context, e persistence.JournalEntry) error
	MaxCounters(ctx context.Context) (int32, int32, error)
}

// ProcessDirectory answers whether a pid is still alive. Restored records
// whose process died while the broker was down are dropped.
type ProcessDirectory interface {
	Alive(pid int32) bool
}

// BundleDirectory resolves bundle metadata for mode validation.
type BundleDirectory interface {
	DeclaredModeMask(uid int32, bundle string) (uint32, error)
	AppName(uid int32, bundle string) string
}

// DependencyProbe reports whether the services the broker needs (the
// notification front end above all) are up. Startup polls it before
// restoring state and accepting requests.
type DependencyProbe interface {
	Ready() bool
}

// TaskInfo is the caller-visible outcome of a grant.
type TaskInfo struct {
	TaskID         int32 `json:"continuousTaskId"`
	NotificationID int32 `json:"notificationId"`
}

// StartParams are the caller-supplied inputs of a start request.
type StartParams struct {
	AbilityName string            `json:"abilityName"`
	AbilityID   int32             `json:"abilityId"`
	IsNewAPI    bool              `json:"isNewApi"`
	IsBatch     bool              `json:"isBatchApi"`
	Mode        uint32            `json:"bgModeId"`
	Modes       []uint32          `json:"bgModeIds"`
	SubModes    []uint32          `json:"bgSubModeIds"`
	Want        *record.WantAgent `json:"wantAgent,omitempty"`
}

// UpdateParams are the caller-supplied inputs of an update request.
type UpdateParams struct {
	AbilityName string   `json:"abilityName"`
	AbilityID   int32    `json:"abilityId"`
	Modes       []uint32 `json:"bgModeIds"`
	SubModes    []uint32 `json:"bgSubModeIds"`
}

// Config holds the manager's dependencies.
type Config struct {
	Logger   *slog.Logger
	Archive  Archive
	Bus      *bus.Bus
	Bridge   *notify.Bridge
	Notifier notify.Notifier
	Validate *bgmode.Validator
	Bundles  BundleDirectory
	Procs    ProcessDirectory
	Probe    DependencyProbe
	Metrics  *otel.Metrics

	// ReadyRetry is the backoff between dependency probes during startup.
	ReadyRetry time.Duration
}

// Manager is the continuous task broker.
type Manager struct {
	logger   *slog.Logger
	archive  Archive
	bus      *bus.Bus
	bridge   *notify.Bridge
	notifier notify.Notifier
	validate *bgmode.Validator
	bundles  BundleDirectory
	procs    ProcessDirectory
	probe    DependencyProbe
	metrics  *otel.Metrics

	readyRetry time.Duration

	ops  chan func()
	done chan struct{}
	wg   sync.WaitGroup

	// Loop-owned state. Only dispatch goroutine code below this line.
	tasks       *store.TaskRecordStore
	subs        *subscriber.Registry
	avPublished map[int32]bool
	taskSeq     int32
	notifSeq    int32
	ready       bool
}

// New creates a stopped manager. Call Start before use.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	readyRetry := cfg.ReadyRetry
	if readyRetry <= 0 {
		readyRetry = 2 * time.Second
	}
	return &Manager{
		logger:      logger.With("component", "manager"),
		archive:     cfg.Archive,
		bus:         cfg.Bus,
		bridge:      cfg.Bridge,
		notifier:    cfg.Notifier,
		validate:    cfg.Validate,
		bundles:     cfg.Bundles,
		procs:       cfg.Procs,
		probe:       cfg.Probe,
		metrics:     cfg.Metrics,
		readyRetry:  readyRetry,
		ops:         make(chan func(), 128),
		done:        make(chan struct{}),
		tasks:       store.New(),
		subs:        subscriber.NewRegistry(),
		avPublished: make(map[int32]bool),
	}
}

// Start runs the dispatch loop and the startup sequence: wait for
// dependencies, restore persisted records, then accept requests.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(m.done)
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-m.ops:
				fn()
			}
		}
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for m.probe != nil && !m.probe.Ready() {
			m.logger.Warn("dependencies not ready, retrying", "backoff", m.readyRetry)
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.readyRetry):
			}
		}
		_ = m.submit(func() error {
			m.restore(ctx)
			m.ready = true
			if m.bus != nil {
				m.bus.Publish(bus.TopicServiceReady, nil)
			}
			m.logger.Info("service ready", "restored_tasks", m.tasks.Len())
			return nil
		})
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

// StartTask grants a continuous task to the caller, publishing its
// notification as a side effect. Starting an existing suspended task resumes
// it; starting an existing active task fails with ObjectExists.
func (m *Manager) StartTask(ctx context.Context, params StartParams) (TaskInfo, error) {
	caller, ok := identity.CallerFrom(ctx)
	if !ok {
		return TaskInfo{}, bgtask.ErrInvalidParam
	}
	var out TaskInfo
	err := m.submit(func() error {
		if !m.ready {
			return bgtask.ErrSysNotReady
		}
		info, err := m.startTaskLocked(ctx, caller, params)
		if err != nil {
			return err
		}
		out = info
		return nil
	})
	return out, err
}

func (m *Manager) startTaskLocked(ctx context.Context, caller identity.Caller, params StartParams) (TaskInfo, error) {
	if params.AbilityName == "" || params.AbilityID < 0 {
		return TaskInfo{}, bgtask.ErrInvalidParam
	}
	if params.IsNewAPI && params.Want == nil {
		return TaskInfo{}, bgtask.ErrCheckTaskParam
	}
	if err := m.validate.CheckPermission(caller); err != nil {
		return TaskInfo{}, err
	}
	modes := params.Modes
	if !params.IsNewAPI {
		modes = []uint32{params.Mode}
	}
	if len(modes) == 0 {
		return TaskInfo{}, bgtask.ErrBgModeNull
	}

	key := record.MakeKey(caller.UID, params.AbilityName, params.AbilityID)
	if existing := m.tasks.Get(key); existing != nil {
		if existing.Suspended {
			// A start against a suspended grant is a resume.
			if err := m.resumeLocked(ctx, existing); err != nil {
				return TaskInfo{}, err
			}
			return TaskInfo{TaskID: existing.TaskID, NotificationID: existing.NotificationID}, nil
		}
		return TaskInfo{}, bgtask.ErrObjectExists
	}

	declaredMask, err := m.bundles.DeclaredModeMask(caller.UID, caller.Bundle)
	if err != nil {
		return TaskInfo{}, fmt.Errorf("resolve declared modes for %s: %w", caller.Bundle, err)
	}
	for _, raw := range modes {
		if err := m.validate.CheckStart(declaredMask, bgmode.Mode(raw), params.IsNewAPI, caller); err != nil {
			return TaskInfo{}, err
		}
	}
	if err := m.validate.CheckSubModes(modes, params.SubModes); err != nil {
		return TaskInfo{}, err
	}

	m.taskSeq++
	rec := &record.ContinuousTaskRecord{
		UID:            caller.UID,
		PID:            caller.PID,
		UserID:         caller.UserID,
		Bundle:         caller.Bundle,
		AppName:        m.bundles.AppName(caller.UID, caller.Bundle),
		AbilityName:    params.AbilityName,
		AbilityID:      params.AbilityID,
		TokenID:        caller.TokenID,
		FullTokenID:    caller.FullTokenID,
		IsNewAPI:       params.IsNewAPI,
		IsBatchAPI:     params.IsBatch,
		Mode:           modes[0],
		Modes:          append([]uint32(nil), modes...),
		SubModes:       append([]uint32(nil), params.SubModes...),
		TaskID:         m.taskSeq,
		NotificationID: record.NoNotification,
		Want:           params.Want,
	}

	// The notification is part of the grant: a publish failure aborts it.
	if err := m.applyNotification(rec); err != nil {
		m.taskSeq--
		return TaskInfo{}, err
	}

	m.tasks.Insert(rec)
	m.persist(ctx, rec)
	m.journal(ctx, rec, "task.started", 0)
	m.subs.NotifyStart(rec.Clone())
	m.publishLifecycle(ctx, bus.TopicTaskStarted, rec, 0)
	if m.metrics != nil {
		m.metrics.TaskStarts.Add(ctx, 1)
		m.metrics.ActiveTasks.Add(ctx, 1)
	}
	m.logger.Info("task started",
		"key", rec.Key(), "task_id", rec.TaskID, "uid", rec.UID,
		"bundle", rec.Bundle, "modes", rec.Modes, "trace_id", identity.TraceID(ctx))
	return TaskInfo{TaskID: rec.TaskID, NotificationID: rec.NotificationID}, nil
}

// innerCallerAllowed admits the fixed system services and self-requests over
// the inner surface. The voip and health services request on behalf of apps;
// everything else may only target its own uid.
func innerCallerAllowed(callingUID, targetUID int32) bool {
	return callingUID == identity.VoIPServiceUID ||
		callingUID == identity.HealthSportUID ||
		callingUID == targetUID
}

// StartInnerTask grants a task on behalf of a privileged system component.
// Inner grants carry no notification and synthesize their ability name from
// the mode.
func (m *Manager) StartInnerTask(ctx context.Context, uid int32, mode uint32) error {
	caller, _ := identity.CallerFrom(ctx)
	return m.submit(func() error {
		if !m.ready {
			return bgtask.ErrSysNotReady
		}
		if !innerCallerAllowed(caller.UID, uid) {
			return bgtask.ErrCheckTaskParam
		}
		if err := m.validate.CheckInner(bgmode.Mode(mode)); err != nil {
			return err
		}
		abilityName := fmt.Sprintf("Webview%d", mode)
		key := record.MakeKey(uid, abilityName, -1)
		if m.tasks.Get(key) != nil {
			return bgtask.ErrObjectExists
		}
		m.taskSeq++
		rec := &record.ContinuousTaskRecord{
			UID:            uid,
			PID:            caller.PID,
			UserID:         caller.UserID,
			Bundle:         caller.Bundle,
			AbilityName:    abilityName,
			AbilityID:      -1,
			IsNewAPI:       true,
			Mode:           mode,
			Modes:          []uint32{mode},
			TaskID:         m.taskSeq,
			NotificationID: record.NoNotification,
			FromInner:      true,
			FromWebview:    bgmode.Mode(mode) == bgmode.VoIP || bgmode.Mode(mode) == bgmode.AudioPlayback,
		}
		m.tasks.Insert(rec)
		m.persist(ctx, rec)
		m.journal(ctx, rec, "task.started", 0)
		m.subs.NotifyStart(rec.Clone())
		m.publishLifecycle(ctx, bus.TopicTaskStarted, rec, 0)
		if m.metrics != nil {
			m.metrics.TaskStarts.Add(ctx, 1)
			m.metrics.ActiveTasks.Add(ctx, 1)
		}
		m.logger.Info("inner task started", "key", rec.Key(), "uid", uid, "mode", mode)
		return nil
	})
}

// StopInnerTask retracts an inner grant by uid and mode.
func (m *Manager) StopInnerTask(ctx context.Context, uid int32, mode uint32) error {
	caller, _ := identity.CallerFrom(ctx)
	return m.submit(func() error {
		if !m.ready {
			return bgtask.ErrSysNotReady
		}
		if !innerCallerAllowed(caller.UID, uid) {
			return bgtask.ErrCheckTaskParam
		}
		key := record.MakeKey(uid, fmt.Sprintf("Webview%d", mode), -1)
		rec := m.tasks.Get(key)
		if rec == nil {
			return bgtask.ErrObjectNotExist
		}
		m.stopLocked(ctx, rec, record.CancelSystem)
		return nil
	})
}

// UpdateTask replaces the mode list of an existing grant. An update with an
// identical mode set succeeds without side effects; an update of a suspended
// grant resumes it.
func (m *Manager) UpdateTask(ctx context.Context, params UpdateParams) (TaskInfo, error) {
	caller, ok := identity.CallerFrom(ctx)
	if !ok {
		return TaskInfo{}, bgtask.ErrInvalidParam
	}
	var out TaskInfo
	err := m.submit(func() error {
		if !m.ready {
			return bgtask.ErrSysNotReady
		}
		if err := m.validate.CheckPermission(caller); err != nil {
			return err
		}
		if len(params.Modes) == 0 {
			return bgtask.ErrBgModeNull
		}
		key := record.MakeKey(caller.UID, params.AbilityName, params.AbilityID)
		rec := m.tasks.Get(key)
		if rec == nil {
			return bgtask.ErrObjectNotExist
		}

		sameModes := bgmode.SameSet(rec.Modes, params.Modes)
		if sameModes && !rec.Suspended {
			out = TaskInfo{TaskID: rec.TaskID, NotificationID: rec.NotificationID}
			return nil
		}

		declaredMask, err := m.bundles.DeclaredModeMask(caller.UID, caller.Bundle)
		if err != nil {
			return fmt.Errorf("resolve declared modes for %s: %w", caller.Bundle, err)
		}
		for _, raw := range params.Modes {
			if err := m.validate.CheckStart(declaredMask, bgmode.Mode(raw), true, caller); err != nil {
				return err
			}
		}
		subModes := params.SubModes
		if !bgmode.Contains(params.Modes, bgmode.BluetoothInteraction) {
			// Sub-modes ride on bluetooth interaction; they leave with it.
			subModes = nil
		}
		if err := m.validate.CheckSubModes(params.Modes, subModes); err != nil {
			return err
		}

		// A data transfer notification carries progress the app manages;
		// keep it when data transfer is in both the old and new sets.
		keepNotification := rec.HasMode(bgmode.DataTransfer) &&
			bgmode.Contains(params.Modes, bgmode.DataTransfer)

		// Snapshot everything the update mutates so a failed publish leaves
		// the record exactly as it was.
		oldMode, oldModes, oldSubModes := rec.Mode, rec.Modes, rec.SubModes
		restore := func() {
			rec.Mode, rec.Modes, rec.SubModes = oldMode, oldModes, oldSubModes
		}
		rec.Modes = append([]uint32(nil), params.Modes...)
		rec.SubModes = append([]uint32(nil), subModes...)
		rec.Mode = params.Modes[0]

		if !keepNotification {
			if err := m.applyNotification(rec); err != nil {
				restore()
				return err
			}
		}
		if rec.Suspended {
			if err := m.resumeLocked(ctx, rec); err != nil {
				restore()
				return err
			}
		}

		m.persist(ctx, rec)
		m.journal(ctx, rec, "task.updated", 0)
		m.subs.NotifyUpdate(rec.Clone())
		m.publishLifecycle(ctx, bus.TopicTaskUpdated, rec, 0)
		m.logger.Info("task updated", "key", rec.Key(), "modes", rec.Modes, "trace_id", identity.TraceID(ctx))
		out = TaskInfo{TaskID: rec.TaskID, NotificationID: rec.NotificationID}
		return nil
	})
	return out, err
}

// StopTask retracts the caller's own grant.
func (m *Manager) StopTask(ctx context.Context, abilityName string, abilityID int32) error {
	caller, ok := identity.CallerFrom(ctx)
	if !ok {
		return bgtask.ErrInvalidParam
	}
	return m.submit(func() error {
		if !m.ready {
			return bgtask.ErrSysNotReady
		}
		key := record.MakeKey(caller.UID, abilityName, abilityID)
		rec := m.tasks.Get(key)
		if rec == nil {
			return bgtask.ErrObjectNotExist
		}
		m.stopLocked(ctx, rec, record.CancelUser)
		return nil
	})
}

// StopTaskByUser retracts a grant because its notification was dismissed.
// The owning application is told, unlike other system-initiated stops.
func (m *Manager) StopTaskByUser(ctx context.Context, key string) error {
	return m.submit(func() error {
		if !m.ready {
			return bgtask.ErrSysNotReady
		}
		rec := m.tasks.Get(key)
		if rec == nil {
			return bgtask.ErrObjectNotExist
		}
		m.stopLocked(ctx, rec, record.CancelDismissNotification)
		return nil
	})
}

// StopTasksByMode retracts every grant of uid running under modeType.
// AllModes matches everything.
func (m *Manager) StopTasksByMode(ctx context.Context, uid int32, modeType uint32, reason int32) error {
	return m.submit(func() error {
		if !m.ready {
			return bgtask.ErrSysNotReady
		}
		for _, snap := range m.tasks.ByUID(uid) {
			if modeType != bgmode.AllModes && !bgmode.ContainsValue(snap.Modes, modeType) {
				continue
			}
			if rec := m.tasks.Get(snap.Key()); rec != nil {
				m.stopLocked(ctx, rec, reason)
			}
		}
		return nil
	})
}

// QueryTasks returns snapshots of the grants owned by uid, or all grants
// when uid is negative.
func (m *Manager) QueryTasks(ctx context.Context, uid int32) ([]*record.ContinuousTaskRecord, error) {
	var out []*record.ContinuousTaskRecord
	err := m.submit(func() error {
		if !m.ready {
			return bgtask.ErrSysNotReady
		}
		if uid < 0 {
			out = m.tasks.All()
		} else {
			out = m.tasks.ByUID(uid)
		}
		return nil
	})
	return out, err
}

// Subscribe registers a lifecycle subscriber and returns its handle id.
// The entry is purged automatically when its sink reports death.
func (m *Manager) Subscribe(ctx context.Context, uid int32, isApp bool, flags subscriber.Flag, sink subscriber.Sink) (string, error) {
	id := uuid.NewString()
	err := m.submit(func() error {
		entry := &subscriber.Entry{ID: id, UID: uid, IsApp: isApp, Flags: flags, Sink: sink}
		if !m.subs.Add(entry) {
			return bgtask.ErrObjectExists
		}
		if m.metrics != nil {
			m.metrics.Subscribers.Add(ctx, 1)
		}
		m.logger.Info("subscriber added", "subscriber_id", id, "uid", uid, "is_app", isApp)
		return nil
	})
	if err != nil {
		return "", err
	}
	go func() {
		select {
		case <-sink.Done():
			m.post(func() { m.purgeSubscriber(id, "died") })
		case <-m.done:
		}
	}()
	return id, nil
}

// Unsubscribe removes a subscriber by handle id.
func (m *Manager) Unsubscribe(ctx context.Context, id string) error {
	return m.submit(func() error {
		if m.subs.Remove(id) == nil {
			return bgtask.ErrCallerNotSubscriber
		}
		if m.metrics != nil {
			m.metrics.Subscribers.Add(ctx, -1)
		}
		m.logger.Info("subscriber removed", "subscriber_id", id)
		return nil
	})
}

// NotifyDelayEvent reposts a transient delay event onto the dispatch loop so
// the registry fan-out runs on its owning goroutine. The delay manager calls
// this from its own loop.
func (m *Manager) NotifyDelayEvent(evType subscriber.EventType, uid int32, bundle string, delayID int32) {
	m.post(func() {
		m.subs.NotifyDelay(evType, uid, bundle, delayID)
		if m.bus != nil {
			topic := bus.TopicDelayGranted
			if evType == subscriber.EventDelayEnd {
				topic = bus.TopicDelayEnded
			}
			m.bus.Publish(topic, bus.DelayEvent{RequestID: delayID, UID: uid, Bundle: bundle})
		}
	})
}

func (m *Manager) purgeSubscriber(id, why string) {
	if m.subs.Remove(id) != nil {
		if m.metrics != nil {
			m.metrics.Subscribers.Add(context.Background(), -1)
		}
		m.logger.Info("subscriber purged", "subscriber_id", id, "why", why)
	}
}

// stopLocked retracts one record: notification, table, archive, fan-out.
func (m *Manager) stopLocked(ctx context.Context, rec *record.ContinuousTaskRecord, reason int32) {
	rec.CancelReason = reason
	m.cancelNotification(rec)
	m.tasks.Remove(rec.Key())
	if err := m.archive.DeleteTask(ctx, rec.Key()); err != nil {
		m.logger.Error("delete persisted task", "key", rec.Key(), "error", err)
	}
	m.journal(ctx, rec, "task.stopped", reason)
	m.subs.NotifyStop(rec.Clone(), reason)
	m.publishLifecycle(ctx, bus.TopicTaskStopped, rec, reason)
	if m.metrics != nil {
		m.metrics.TaskStops.Add(ctx, 1)
		m.metrics.ActiveTasks.Add(ctx, -1)
	}
	m.logger.Info("task stopped", "key", rec.Key(), "reason", reason, "trace_id", identity.TraceID(ctx))
	m.ownerStopIfIdle(rec.UID, rec.Bundle)
}

// suspendLocked parks one record without retracting the grant.
func (m *Manager) suspendLocked(ctx context.Context, rec *record.ContinuousTaskRecord, reason int32) {
	if rec.Suspended {
		return
	}
	rec.Suspended = true
	rec.SuspendReason = reason
	m.cancelNotification(rec)
	m.persist(ctx, rec)
	m.journal(ctx, rec, "task.suspended", reason)
	m.subs.NotifySuspend(rec.Clone(), reason)
	m.publishLifecycle(ctx, bus.TopicTaskSuspended, rec, reason)
	if m.metrics != nil {
		m.metrics.TaskSuspends.Add(ctx, 1)
	}
	m.logger.Info("task suspended", "key", rec.Key(), "reason", reason)
	m.ownerStopIfIdle(rec.UID, rec.Bundle)
}

// resumeLocked reactivates a suspended record and republishes its
// notification.
func (m *Manager) resumeLocked(ctx context.Context, rec *record.ContinuousTaskRecord) error {
	if !rec.Suspended {
		return nil
	}
	reason := rec.SuspendReason
	rec.Suspended = false
	rec.SuspendReason = 0
	if err := m.applyNotification(rec); err != nil {
		rec.Suspended = true
		rec.SuspendReason = reason
		return err
	}
	m.persist(ctx, rec)
	m.journal(ctx, rec, "task.resumed", 0)
	m.subs.NotifyActive(rec.Clone())
	m.publishLifecycle(ctx, bus.TopicTaskResumed, rec, 0)
	if m.metrics != nil {
		m.metrics.TaskResumes.Add(ctx, 1)
	}
	m.logger.Info("task resumed", "key", rec.Key())
	return nil
}

// ownerStopIfIdle tells system subscribers when a uid has no active grants
// left.
func (m *Manager) ownerStopIfIdle(uid int32, bundle string) {
	for _, rec := range m.tasks.ByUID(uid) {
		if !rec.Suspended {
			return
		}
	}
	m.subs.NotifyOwnerStop(uid, bundle)
}

// applyNotification computes and carries out the record's notification plan,
// assigning a notification id on first publish.
func (m *Manager) applyNotification(rec *record.ContinuousTaskRecord) error {
	opts := notify.Options{
		AVPublished: m.avPublished[rec.UID],
		SystemApp:   identity.Caller{FullTokenID: rec.FullTokenID}.IsSystemApp(),
	}
	plan, err := m.bridge.PlanFor(rec, opts)
	if err != nil {
		return err
	}
	switch plan.Action {
	case notify.ActionPublish:
		if rec.NotificationID == record.NoNotification {
			m.notifSeq++
			rec.NotificationID = m.notifSeq
			rec.NotificationLabel = notify.MakeLabel(rec.UID, rec.TaskID)
		}
		if err := m.notifier.Publish(rec.NotificationLabel, rec.NotificationID, rec.UID, m.bridge.Title(rec), plan.Text); err != nil {
			return fmt.Errorf("publish notification %s: %w", rec.NotificationLabel, err)
		}
		if m.metrics != nil {
			m.metrics.NotifyPublishes.Add(context.Background(), 1)
		}
	case notify.ActionCancel:
		m.cancelNotification(rec)
	}
	return nil
}

func (m *Manager) cancelNotification(rec *record.ContinuousTaskRecord) {
	if rec.NotificationID == record.NoNotification {
		return
	}
	if err := m.notifier.Cancel(rec.NotificationLabel, rec.NotificationID); err != nil {
		m.logger.Error("cancel notification", "label", rec.NotificationLabel, "error", err)
	}
	rec.NotificationID = record.NoNotification
	rec.NotificationLabel = ""
}

func (m *Manager) persist(ctx context.Context, rec *record.ContinuousTaskRecord) {
	if err := m.archive.UpsertTask(ctx, rec); err != nil {
		m.logger.Error("persist task", "key", rec.Key(), "error", err)
	}
}

func (m *Manager) journal(ctx context.Context, rec *record.ContinuousTaskRecord, eventType string, reason int32) {
	err := m.archive.AppendEvent(ctx, persistence.JournalEntry{
		TaskKey:   rec.Key(),
		UID:       rec.UID,
		Bundle:    rec.Bundle,
		EventType: eventType,
		Reason:    reason,
		ModeMask:  rec.ModeMask(),
		TraceID:   identity.TraceID(ctx),
	})
	if err != nil {
		m.logger.Error("journal event", "key", rec.Key(), "event", eventType, "error", err)
	}
}

func (m *Manager) publishLifecycle(ctx context.Context, topic string, rec *record.ContinuousTaskRecord, reason int32) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(topic, bus.TaskLifecycleEvent{
		Key:     rec.Key(),
		UID:     rec.UID,
		Bundle:  rec.Bundle,
		TaskID:  rec.TaskID,
		Modes:   append([]uint32(nil), rec.Modes...),
		Reason:  reason,
		TraceID: identity.TraceID(ctx),
	})
}
