package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/basket/bgtaskd/internal/bgmode"
	"github.com/basket/bgtaskd/internal/bgtask"
	"github.com/basket/bgtaskd/internal/identity"
	"github.com/basket/bgtaskd/internal/notify"
	"github.com/basket/bgtaskd/internal/persistence"
	"github.com/basket/bgtaskd/internal/record"
	"github.com/basket/bgtaskd/internal/subscriber"
)

type fakeArchive struct {
	mu     sync.Mutex
	tasks  map[string]*record.ContinuousTaskRecord
	events []persistence.JournalEntry
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{tasks: make(map[string]*record.ContinuousTaskRecord)}
}

func (a *fakeArchive) UpsertTask(_ context.Context, rec *record.ContinuousTaskRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tasks[rec.Key()] = rec.Clone()
	return nil
}

func (a *fakeArchive) DeleteTask(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tasks, key)
	return nil
}

func (a *fakeArchive) LoadTasks(_ context.Context) ([]*record.ContinuousTaskRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*record.ContinuousTaskRecord, 0, len(a.tasks))
	for _, rec := range a.tasks {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (a *fakeArchive) AppendEvent(_ context.Context, e persistence.JournalEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func (a *fakeArchive) MaxCounters(_ context.Context) (int32, int32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var maxTask, maxNotif int32
	for _, rec := range a.tasks {
		if rec.TaskID > maxTask {
			maxTask = rec.TaskID
		}
		if rec.NotificationID > maxNotif {
			maxNotif = rec.NotificationID
		}
	}
	return maxTask, maxNotif, nil
}

type fakeBundles struct {
	masks map[string]uint32
}

func (b *fakeBundles) DeclaredModeMask(_ int32, bundle string) (uint32, error) {
	return b.masks[bundle], nil
}

func (b *fakeBundles) AppName(_ int32, bundle string) string { return bundle }

type fakeProcs struct {
	mu   sync.Mutex
	dead map[int32]bool
}

func (p *fakeProcs) Alive(pid int32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.dead[pid]
}

type readyProbe struct{}

func (readyProbe) Ready() bool { return true }

type fakeNotifier struct {
	mu          sync.Mutex
	published   []string
	canceled    []string
	failPublish error
}

func (n *fakeNotifier) Publish(label string, _ int32, _ int32, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failPublish != nil {
		return n.failPublish
	}
	n.published = append(n.published, label)
	return nil
}

func (n *fakeNotifier) setFailPublish(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failPublish = err
}

func (n *fakeNotifier) Cancel(label string, _ int32) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.canceled = append(n.canceled, label)
	return nil
}

func (n *fakeNotifier) publishCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.published)
}

func (n *fakeNotifier) cancelCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.canceled)
}

type openPolicy struct{}

func (openPolicy) TaskKeepingEnabled() bool        { return true }
func (openPolicy) TaskKeepingExempted(string) bool { return false }

type grantAll struct{}

func (grantAll) Verify(uint64, string) bool { return true }

type denyAll struct{}

func (denyAll) Verify(uint64, string) bool { return false }

type memSink struct {
	mu     sync.Mutex
	events []subscriber.Event
	done   chan struct{}
}

func newMemSink() *memSink { return &memSink{done: make(chan struct{})} }

func (s *memSink) Send(ev subscriber.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *memSink) Done() <-chan struct{} { return s.done }

type fixture struct {
	mgr      *Manager
	archive  *fakeArchive
	bundles  *fakeBundles
	procs    *fakeProcs
	notifier *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithPerms(t, grantAll{})
}

func newFixtureWithPerms(t *testing.T, perms bgmode.PermissionChecker) *fixture {
	t.Helper()
	f := &fixture{
		archive:  newFakeArchive(),
		bundles:  &fakeBundles{masks: map[string]uint32{"com.demo.maps": 0xFF}},
		procs:    &fakeProcs{dead: make(map[int32]bool)},
		notifier: &fakeNotifier{},
	}
	f.mgr = New(Config{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Archive:    f.archive,
		Bridge:     &notify.Bridge{Strings: notify.NewStringTable(), Locale: notify.DefaultLocale},
		Notifier:   f.notifier,
		Validate:   &bgmode.Validator{Policy: openPolicy{}, Perms: perms},
		Bundles:    f.bundles,
		Procs:      f.procs,
		Probe:      readyProbe{},
		ReadyRetry: 10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		f.mgr.Wait()
	})
	f.mgr.Start(ctx)
	waitReady(t, f.mgr)
	return f
}

func waitReady(t *testing.T, m *Manager) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := m.QueryTasks(context.Background(), -1); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("manager never became ready")
}

// barrier flushes the dispatch queue so posted handlers have run.
func barrier(t *testing.T, m *Manager) {
	t.Helper()
	if _, err := m.QueryTasks(context.Background(), -1); err != nil {
		t.Fatalf("barrier query: %v", err)
	}
}

func testWant() *record.WantAgent {
	return &record.WantAgent{Bundle: "com.demo.maps", Ability: "NavAbility"}
}

func callerCtx(uid int32, bundle string) context.Context {
	return identity.WithCaller(context.Background(), identity.Caller{
		UID: uid, PID: 4242, UserID: 100, Bundle: bundle, TokenID: 9, FullTokenID: 9,
	})
}

func TestStartTaskGrantsAndRejectsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := callerCtx(20010042, "com.demo.maps")

	info, err := f.mgr.StartTask(ctx, StartParams{
		AbilityName: "NavAbility", IsNewAPI: true, Want: testWant(),
		Modes: []uint32{uint32(bgmode.Location)},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if info.TaskID != 1 {
		t.Fatalf("task id = %d, want 1", info.TaskID)
	}
	if info.NotificationID == record.NoNotification {
		t.Fatal("expected a notification id")
	}
	if f.notifier.publishCount() != 1 {
		t.Fatalf("publish count = %d, want 1", f.notifier.publishCount())
	}

	_, err = f.mgr.StartTask(ctx, StartParams{
		AbilityName: "NavAbility", IsNewAPI: true, Want: testWant(),
		Modes: []uint32{uint32(bgmode.Location)},
	})
	if bgtask.CodeOf(err) != bgtask.CodeOf(bgtask.ErrObjectExists) {
		t.Fatalf("duplicate start error = %v", err)
	}
}

func TestStartRejectsUndeclaredMode(t *testing.T) {
	f := newFixture(t)
	f.bundles.masks["com.demo.maps"] = bgmode.Location.Bit()
	ctx := callerCtx(20010042, "com.demo.maps")

	_, err := f.mgr.StartTask(ctx, StartParams{
		AbilityName: "NavAbility", IsNewAPI: true, Want: testWant(),
		Modes: []uint32{uint32(bgmode.AudioPlayback)},
	})
	if bgtask.CodeOf(err) != bgtask.CodeOf(bgtask.ErrBgModeInvalid) {
		t.Fatalf("error = %v, want mode invalid", err)
	}
}

func TestStartLegacyNeedsAnyDeclaration(t *testing.T) {
	f := newFixture(t)
	f.bundles.masks["com.demo.bare"] = 0
	ctx := callerCtx(20010050, "com.demo.bare")

	_, err := f.mgr.StartTask(ctx, StartParams{
		AbilityName: "MainAbility", Mode: uint32(bgmode.Location),
	})
	if bgtask.CodeOf(err) != bgtask.CodeOf(bgtask.ErrBgModeNull) {
		t.Fatalf("error = %v, want mode null", err)
	}
}

func TestUpdateSameModesIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := callerCtx(20010042, "com.demo.maps")
	modes := []uint32{uint32(bgmode.Location), uint32(bgmode.AudioPlayback)}

	if _, err := f.mgr.StartTask(ctx, StartParams{AbilityName: "NavAbility", IsNewAPI: true, Want: testWant(), Modes: modes}); err != nil {
		t.Fatalf("start: %v", err)
	}
	before := f.notifier.publishCount()

	if _, err := f.mgr.UpdateTask(ctx, UpdateParams{AbilityName: "NavAbility", Modes: modes}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if f.notifier.publishCount() != before {
		t.Fatal("idempotent update republished the notification")
	}
}

func TestUpdateKeepsDataTransferNotification(t *testing.T) {
	f := newFixture(t)
	ctx := callerCtx(20010042, "com.demo.maps")

	_, err := f.mgr.StartTask(ctx, StartParams{
		AbilityName: "SyncAbility", IsNewAPI: true, Want: testWant(),
		Modes: []uint32{uint32(bgmode.DataTransfer), uint32(bgmode.Location)},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	before := f.notifier.publishCount()

	_, err = f.mgr.UpdateTask(ctx, UpdateParams{
		AbilityName: "SyncAbility",
		Modes:       []uint32{uint32(bgmode.DataTransfer), uint32(bgmode.AudioRecording)},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if f.notifier.publishCount() != before {
		t.Fatal("data transfer update should keep the app-managed notification")
	}
}

func TestUpdateClearsSubModesWhenBluetoothLeaves(t *testing.T) {
	f := newFixture(t)
	ctx := callerCtx(20010042, "com.demo.maps")

	_, err := f.mgr.StartTask(ctx, StartParams{
		AbilityName: "KeyAbility", IsNewAPI: true, Want: testWant(),
		Modes:    []uint32{uint32(bgmode.BluetoothInteraction)},
		SubModes: []uint32{bgmode.SubModeCarKey},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err = f.mgr.UpdateTask(ctx, UpdateParams{
		AbilityName: "KeyAbility",
		Modes:       []uint32{uint32(bgmode.Location)},
		SubModes:    []uint32{bgmode.SubModeCarKey},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	recs, _ := f.mgr.QueryTasks(context.Background(), 20010042)
	if len(recs) != 1 || len(recs[0].SubModes) != 0 {
		t.Fatalf("sub modes = %v, want empty", recs[0].SubModes)
	}
}

func TestStopRetractsAndCancelsNotification(t *testing.T) {
	f := newFixture(t)
	ctx := callerCtx(20010042, "com.demo.maps")

	if _, err := f.mgr.StartTask(ctx, StartParams{AbilityName: "NavAbility", IsNewAPI: true, Want: testWant(), Modes: []uint32{uint32(bgmode.Location)}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.mgr.StopTask(ctx, "NavAbility", 0); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if f.notifier.cancelCount() != 1 {
		t.Fatalf("cancel count = %d, want 1", f.notifier.cancelCount())
	}
	recs, _ := f.mgr.QueryTasks(context.Background(), 20010042)
	if len(recs) != 0 {
		t.Fatalf("tasks after stop = %d, want 0", len(recs))
	}
	if err := f.mgr.StopTask(ctx, "NavAbility", 0); bgtask.CodeOf(err) != bgtask.CodeOf(bgtask.ErrObjectNotExist) {
		t.Fatalf("second stop error = %v", err)
	}
}

func TestFreezeSuspendsWhenSubscriberSupportsIt(t *testing.T) {
	f := newFixture(t)
	ctx := callerCtx(20010042, "com.demo.maps")

	sink := newMemSink()
	if _, err := f.mgr.Subscribe(context.Background(), 20010042, true, subscriber.FlagTaskSuspend, sink); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := f.mgr.StartTask(ctx, StartParams{AbilityName: "NavAbility", IsNewAPI: true, Want: testWant(), Modes: []uint32{uint32(bgmode.Location)}}); err != nil {
		t.Fatalf("start: %v", err)
	}

	f.mgr.OnAppFrozen(20010042)
	barrier(t, f.mgr)

	recs, _ := f.mgr.QueryTasks(context.Background(), 20010042)
	if len(recs) != 1 || !recs[0].Suspended {
		t.Fatal("expected the grant to be suspended, not retracted")
	}
	if recs[0].SuspendReason != record.SuspendByFreeze {
		t.Fatalf("suspend reason = %d", recs[0].SuspendReason)
	}

	f.mgr.OnAppUnfrozen(20010042)
	barrier(t, f.mgr)
	recs, _ = f.mgr.QueryTasks(context.Background(), 20010042)
	if recs[0].Suspended {
		t.Fatal("expected the grant to resume after unfreeze")
	}
}

func TestFreezeStopsWithoutSuspendSubscriber(t *testing.T) {
	f := newFixture(t)
	ctx := callerCtx(20010042, "com.demo.maps")

	if _, err := f.mgr.StartTask(ctx, StartParams{AbilityName: "NavAbility", IsNewAPI: true, Want: testWant(), Modes: []uint32{uint32(bgmode.Location)}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.mgr.OnAppFrozen(20010042)
	barrier(t, f.mgr)

	recs, _ := f.mgr.QueryTasks(context.Background(), 20010042)
	if len(recs) != 0 {
		t.Fatal("expected the grant to be retracted")
	}
}

func TestStartOnSuspendedResumes(t *testing.T) {
	f := newFixture(t)
	ctx := callerCtx(20010042, "com.demo.maps")

	sink := newMemSink()
	if _, err := f.mgr.Subscribe(context.Background(), 20010042, true, subscriber.FlagTaskSuspend, sink); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	info, err := f.mgr.StartTask(ctx, StartParams{AbilityName: "NavAbility", IsNewAPI: true, Want: testWant(), Modes: []uint32{uint32(bgmode.Location)}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.mgr.OnAppFrozen(20010042)
	barrier(t, f.mgr)

	again, err := f.mgr.StartTask(ctx, StartParams{AbilityName: "NavAbility", IsNewAPI: true, Want: testWant(), Modes: []uint32{uint32(bgmode.Location)}})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if again.TaskID != info.TaskID {
		t.Fatalf("resume changed the task id: %d != %d", again.TaskID, info.TaskID)
	}
	recs, _ := f.mgr.QueryTasks(context.Background(), 20010042)
	if recs[0].Suspended {
		t.Fatal("start on a suspended grant must resume it")
	}
}

func TestStopTasksByModeWildcard(t *testing.T) {
	f := newFixture(t)
	ctx := callerCtx(20010042, "com.demo.maps")

	for _, ability := range []string{"A", "B"} {
		if _, err := f.mgr.StartTask(ctx, StartParams{AbilityName: ability, IsNewAPI: true, Want: testWant(), Modes: []uint32{uint32(bgmode.Location)}}); err != nil {
			t.Fatalf("start %s: %v", ability, err)
		}
	}
	if err := f.mgr.StopTasksByMode(context.Background(), 20010042, bgmode.AllModes, record.CancelSystem); err != nil {
		t.Fatalf("stop by mode: %v", err)
	}
	recs, _ := f.mgr.QueryTasks(context.Background(), 20010042)
	if len(recs) != 0 {
		t.Fatalf("tasks left = %d, want 0", len(recs))
	}
}

func TestRestoreDropsDeadProcessesAndContinuesCounters(t *testing.T) {
	archive := newFakeArchive()
	alive := &record.ContinuousTaskRecord{
		UID: 1, PID: 100, Bundle: "com.demo.maps", AbilityName: "A",
		Modes: []uint32{uint32(bgmode.Location)}, TaskID: 7,
		NotificationID: 30, NotificationLabel: "bgmode_1_7",
	}
	dead := &record.ContinuousTaskRecord{
		UID: 2, PID: 200, Bundle: "com.demo.maps", AbilityName: "B",
		Modes: []uint32{uint32(bgmode.Location)}, TaskID: 12,
		NotificationID: record.NoNotification,
	}
	_ = archive.UpsertTask(context.Background(), alive)
	_ = archive.UpsertTask(context.Background(), dead)

	procs := &fakeProcs{dead: map[int32]bool{200: true}}
	notifier := &fakeNotifier{}
	m := New(Config{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Archive:    archive,
		Bridge:     &notify.Bridge{Strings: notify.NewStringTable(), Locale: notify.DefaultLocale},
		Notifier:   notifier,
		Validate:   &bgmode.Validator{Policy: openPolicy{}, Perms: grantAll{}},
		Bundles:    &fakeBundles{masks: map[string]uint32{"com.demo.maps": 0xFF}},
		Procs:      procs,
		Probe:      readyProbe{},
		ReadyRetry: 10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		m.Wait()
	})
	m.Start(ctx)
	waitReady(t, m)

	recs, _ := m.QueryTasks(context.Background(), -1)
	if len(recs) != 1 || recs[0].Key() != alive.Key() {
		t.Fatalf("restored tasks = %v", recs)
	}
	if notifier.publishCount() != 1 {
		t.Fatalf("republish count = %d, want 1", notifier.publishCount())
	}

	info, err := m.StartTask(callerCtx(3, "com.demo.maps"), StartParams{
		AbilityName: "C", IsNewAPI: true, Want: testWant(), Modes: []uint32{uint32(bgmode.Location)},
	})
	if err != nil {
		t.Fatalf("start after restore: %v", err)
	}
	if info.TaskID != 13 {
		t.Fatalf("task id after restore = %d, want 13", info.TaskID)
	}
}

func TestAVSessionNotifyRequiresServiceUID(t *testing.T) {
	f := newFixture(t)
	ctx := identity.WithCaller(context.Background(), identity.Caller{UID: 1234})
	err := f.mgr.AVSessionNotify(ctx, 20010042, true)
	if bgtask.CodeOf(err) != bgtask.CodeOf(bgtask.ErrPermissionDenied) {
		t.Fatalf("error = %v, want permission denied", err)
	}
}

func TestAVSessionSuppressesSoloAudioNotification(t *testing.T) {
	f := newFixture(t)
	uid := int32(20010042)
	svc := identity.WithCaller(context.Background(), identity.Caller{UID: identity.AVSessionServiceUID})
	if err := f.mgr.AVSessionNotify(svc, uid, true); err != nil {
		t.Fatalf("av notify: %v", err)
	}

	info, err := f.mgr.StartTask(callerCtx(uid, "com.demo.maps"), StartParams{
		AbilityName: "PlayerAbility", IsNewAPI: true, Want: testWant(),
		Modes: []uint32{uint32(bgmode.AudioPlayback)},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if info.NotificationID != record.NoNotification {
		t.Fatal("solo audio playback with a live media session must not publish")
	}
	if f.notifier.publishCount() != 0 {
		t.Fatalf("publish count = %d, want 0", f.notifier.publishCount())
	}
}

func TestInnerTaskLifecycle(t *testing.T) {
	f := newFixture(t)
	svc := identity.WithCaller(context.Background(), identity.Caller{UID: identity.VoIPServiceUID, Bundle: "callkit"})

	if err := f.mgr.StartInnerTask(svc, 20010042, uint32(bgmode.Workout)); err != nil {
		t.Fatalf("inner start: %v", err)
	}
	if err := f.mgr.StartInnerTask(svc, 20010042, uint32(bgmode.Workout)); bgtask.CodeOf(err) != bgtask.CodeOf(bgtask.ErrObjectExists) {
		t.Fatalf("duplicate inner start error = %v", err)
	}
	recs, _ := f.mgr.QueryTasks(context.Background(), 20010042)
	if len(recs) != 1 || !recs[0].FromInner {
		t.Fatalf("inner record missing: %v", recs)
	}
	if f.notifier.publishCount() != 0 {
		t.Fatal("inner grants carry no notification")
	}
	if err := f.mgr.StopInnerTask(svc, 20010042, uint32(bgmode.Workout)); err != nil {
		t.Fatalf("inner stop: %v", err)
	}
	if err := f.mgr.StopInnerTask(svc, 20010042, uint32(bgmode.Workout)); bgtask.CodeOf(err) != bgtask.CodeOf(bgtask.ErrObjectNotExist) {
		t.Fatalf("second inner stop error = %v", err)
	}
}

func TestStartAndUpdateRequirePermission(t *testing.T) {
	f := newFixtureWithPerms(t, denyAll{})
	ctx := callerCtx(20010042, "com.demo.maps")

	_, err := f.mgr.StartTask(ctx, StartParams{
		AbilityName: "NavAbility", IsNewAPI: true, Want: testWant(),
		Modes: []uint32{uint32(bgmode.Location)},
	})
	if bgtask.CodeOf(err) != bgtask.CodeOf(bgtask.ErrPermissionDenied) {
		t.Fatalf("start error = %v, want permission denied", err)
	}
	_, err = f.mgr.UpdateTask(ctx, UpdateParams{
		AbilityName: "NavAbility",
		Modes:       []uint32{uint32(bgmode.Location)},
	})
	if bgtask.CodeOf(err) != bgtask.CodeOf(bgtask.ErrPermissionDenied) {
		t.Fatalf("update error = %v, want permission denied", err)
	}
	recs, _ := f.mgr.QueryTasks(context.Background(), 20010042)
	if len(recs) != 0 {
		t.Fatalf("tasks granted without permission: %v", recs)
	}
}

func TestStartNewAPIRequiresWantAgent(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.StartTask(callerCtx(20010042, "com.demo.maps"), StartParams{
		AbilityName: "NavAbility", IsNewAPI: true,
		Modes: []uint32{uint32(bgmode.Location)},
	})
	if bgtask.CodeOf(err) != bgtask.CodeOf(bgtask.ErrCheckTaskParam) {
		t.Fatalf("error = %v, want task param check failure", err)
	}
}

func TestInnerTaskRejectsForeignCaller(t *testing.T) {
	f := newFixture(t)
	target := int32(20010042)

	stranger := identity.WithCaller(context.Background(), identity.Caller{UID: 999, Bundle: "com.demo.rogue"})
	if err := f.mgr.StartInnerTask(stranger, target, uint32(bgmode.VoIP)); bgtask.CodeOf(err) != bgtask.CodeOf(bgtask.ErrCheckTaskParam) {
		t.Fatalf("foreign inner start error = %v", err)
	}

	// An application may still request for itself.
	self := identity.WithCaller(context.Background(), identity.Caller{UID: target, Bundle: "com.demo.maps"})
	if err := f.mgr.StartInnerTask(self, target, uint32(bgmode.VoIP)); err != nil {
		t.Fatalf("self inner start: %v", err)
	}
	if err := f.mgr.StopInnerTask(stranger, target, uint32(bgmode.VoIP)); bgtask.CodeOf(err) != bgtask.CodeOf(bgtask.ErrCheckTaskParam) {
		t.Fatalf("foreign inner stop error = %v", err)
	}
	if err := f.mgr.StopInnerTask(self, target, uint32(bgmode.VoIP)); err != nil {
		t.Fatalf("self inner stop: %v", err)
	}
}

func TestUpdateRollsBackOnPublishFailure(t *testing.T) {
	f := newFixture(t)
	ctx := callerCtx(20010042, "com.demo.maps")

	if _, err := f.mgr.StartTask(ctx, StartParams{
		AbilityName: "NavAbility", IsNewAPI: true, Want: testWant(),
		Modes: []uint32{uint32(bgmode.Location)},
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	f.notifier.setFailPublish(errors.New("ans unavailable"))
	_, err := f.mgr.UpdateTask(ctx, UpdateParams{
		AbilityName: "NavAbility",
		Modes:       []uint32{uint32(bgmode.AudioRecording)},
		SubModes:    []uint32{},
	})
	if err == nil {
		t.Fatal("update should fail when the notification cannot publish")
	}

	recs, _ := f.mgr.QueryTasks(context.Background(), 20010042)
	if len(recs) != 1 {
		t.Fatalf("tasks = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Mode != uint32(bgmode.Location) {
		t.Fatalf("primary mode = %d, want %d", rec.Mode, uint32(bgmode.Location))
	}
	if len(rec.Modes) != 1 || rec.Modes[0] != uint32(bgmode.Location) {
		t.Fatalf("modes = %v, want [%d]", rec.Modes, uint32(bgmode.Location))
	}
	if len(rec.SubModes) != 0 {
		t.Fatalf("sub modes = %v, want empty", rec.SubModes)
	}
}

func TestUpdateOfSuspendedTaskResumes(t *testing.T) {
	f := newFixture(t)
	uid := int32(20010042)
	ctx := callerCtx(uid, "com.demo.maps")

	sink := newMemSink()
	if _, err := f.mgr.Subscribe(context.Background(), uid, true, subscriber.FlagTaskSuspend, sink); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := f.mgr.StartTask(ctx, StartParams{
		AbilityName: "NavAbility", IsNewAPI: true, Want: testWant(),
		Modes: []uint32{uint32(bgmode.Location)},
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.mgr.OnAppFrozen(uid)
	barrier(t, f.mgr)

	if _, err := f.mgr.UpdateTask(ctx, UpdateParams{
		AbilityName: "NavAbility",
		Modes:       []uint32{uint32(bgmode.Location), uint32(bgmode.AudioRecording)},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	recs, _ := f.mgr.QueryTasks(context.Background(), uid)
	if len(recs) != 1 || recs[0].Suspended {
		t.Fatal("update of a suspended grant must resume it")
	}
	if !bgmode.Contains(recs[0].Modes, bgmode.AudioRecording) {
		t.Fatalf("modes after update = %v", recs[0].Modes)
	}
}

func TestOwnerStopWaitsForLastGrant(t *testing.T) {
	f := newFixture(t)
	uid := int32(20010042)
	ctx := callerCtx(uid, "com.demo.maps")

	sys := newMemSink()
	if _, err := f.mgr.Subscribe(context.Background(), 0, false, 0, sys); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for _, ability := range []string{"A", "B"} {
		if _, err := f.mgr.StartTask(ctx, StartParams{
			AbilityName: ability, IsNewAPI: true, Want: testWant(),
			Modes: []uint32{uint32(bgmode.Location)},
		}); err != nil {
			t.Fatalf("start %s: %v", ability, err)
		}
	}

	ownerStops := func() int {
		sys.mu.Lock()
		defer sys.mu.Unlock()
		n := 0
		for _, ev := range sys.events {
			if ev.Type == subscriber.EventOwnerStop {
				n++
			}
		}
		return n
	}

	if err := f.mgr.StopTask(ctx, "A", 0); err != nil {
		t.Fatalf("stop A: %v", err)
	}
	barrier(t, f.mgr)
	if n := ownerStops(); n != 0 {
		t.Fatalf("owner stop fired with a grant remaining: %d", n)
	}

	if err := f.mgr.StopTask(ctx, "B", 0); err != nil {
		t.Fatalf("stop B: %v", err)
	}
	barrier(t, f.mgr)
	if n := ownerStops(); n != 1 {
		t.Fatalf("owner stop count after last grant = %d, want 1", n)
	}
}

func TestSubscriberFanOutOnStop(t *testing.T) {
	f := newFixture(t)
	uid := int32(20010042)

	sysSink := newMemSink()
	if _, err := f.mgr.Subscribe(context.Background(), 0, false, 0, sysSink); err != nil {
		t.Fatalf("subscribe system: %v", err)
	}
	appSink := newMemSink()
	if _, err := f.mgr.Subscribe(context.Background(), uid, true, 0, appSink); err != nil {
		t.Fatalf("subscribe app: %v", err)
	}

	ctx := callerCtx(uid, "com.demo.maps")
	if _, err := f.mgr.StartTask(ctx, StartParams{AbilityName: "NavAbility", IsNewAPI: true, Want: testWant(), Modes: []uint32{uint32(bgmode.Location)}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	key := record.MakeKey(uid, "NavAbility", 0)
	if err := f.mgr.StopTaskByUser(context.Background(), key); err != nil {
		t.Fatalf("stop by user: %v", err)
	}
	barrier(t, f.mgr)

	sysSink.mu.Lock()
	sysTypes := make([]subscriber.EventType, 0, len(sysSink.events))
	for _, ev := range sysSink.events {
		sysTypes = append(sysTypes, ev.Type)
	}
	sysSink.mu.Unlock()
	if len(sysTypes) != 3 {
		t.Fatalf("system events = %v, want start, stop, owner stop", sysTypes)
	}

	// A dismiss-initiated stop is echoed to the owning application.
	appSink.mu.Lock()
	defer appSink.mu.Unlock()
	if len(appSink.events) != 1 || appSink.events[0].Type != subscriber.EventTaskStop {
		t.Fatalf("app events = %v, want one stop", appSink.events)
	}
}

func TestDeadSinkIsPurged(t *testing.T) {
	f := newFixture(t)
	sink := newMemSink()
	id, err := f.mgr.Subscribe(context.Background(), 20010042, true, 0, sink)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	close(sink.done)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := f.mgr.Unsubscribe(context.Background(), id); bgtask.CodeOf(err) == bgtask.CodeOf(bgtask.ErrCallerNotSubscriber) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("dead sink was never purged")
}
