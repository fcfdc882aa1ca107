package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/bgtaskd/internal/bgmode"
	"github.com/basket/bgtaskd/internal/bgtask"
	"github.com/basket/bgtaskd/internal/config"
	"github.com/basket/bgtaskd/internal/manager"
	"github.com/basket/bgtaskd/internal/notify"
	"github.com/basket/bgtaskd/internal/persistence"
	"github.com/basket/bgtaskd/internal/record"
	"github.com/basket/bgtaskd/internal/subscriber"
	"github.com/basket/bgtaskd/internal/transient"
)

const testToken = "t0ken"

type nullArchive struct{}

func (nullArchive) UpsertTask(context.Context, *record.ContinuousTaskRecord) error { return nil }
func (nullArchive) DeleteTask(context.Context, string) error                       { return nil }
func (nullArchive) LoadTasks(context.Context) ([]*record.ContinuousTaskRecord, error) {
	return nil, nil
}
func (nullArchive) AppendEvent(context.Context, persistence.JournalEntry) error { return nil }
func (nullArchive) MaxCounters(context.Context) (int32, int32, error)           { return 0, 0, nil }

type nullNotifier struct{}

func (nullNotifier) Publish(string, int32, int32, string, string) error { return nil }
func (nullNotifier) Cancel(string, int32) error                         { return nil }

type openBundles struct{}

func (openBundles) DeclaredModeMask(int32, string) (uint32, error) { return 0xFF, nil }
func (openBundles) AppName(_ int32, bundle string) string          { return bundle }

type allAlive struct{}

func (allAlive) Alive(int32) bool { return true }

type upProbe struct{}

func (upProbe) Ready() bool { return true }

type openPolicy struct{}

func (openPolicy) TaskKeepingEnabled() bool        { return true }
func (openPolicy) TaskKeepingExempted(string) bool { return false }
func (openPolicy) TransientExempted(string) bool   { return false }
func (openPolicy) ExemptedQuotaMS() int32          { return 0 }

type grantAll struct{}

func (grantAll) Verify(uint64, string) bool { return true }

func testWant() *record.WantAgent {
	return &record.WantAgent{Bundle: "com.demo.maps", Ability: "NavAbility"}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tasks := manager.New(manager.Config{
		Logger:     logger,
		Archive:    nullArchive{},
		Bridge:     &notify.Bridge{Strings: notify.NewStringTable(), Locale: notify.DefaultLocale},
		Notifier:   nullNotifier{},
		Validate:   &bgmode.Validator{Policy: openPolicy{}, Perms: grantAll{}},
		Bundles:    openBundles{},
		Procs:      allAlive{},
		Probe:      upProbe{},
		ReadyRetry: 10 * time.Millisecond,
	})
	delays := transient.NewManager(transient.Config{
		Logger: logger,
		Policy: openPolicy{},
		Notify: tasks.NotifyDelayEvent,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		tasks.Wait()
		delays.Wait()
	})
	tasks.Start(ctx)
	delays.Start(ctx)

	srv := New(Config{
		Logger:    logger,
		Tasks:     tasks,
		Delays:    delays,
		AuthToken: testToken,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	// Wait for the manager's startup restore to finish.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := tasks.QueryTasks(context.Background(), -1); err == nil {
			return ts
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("manager never became ready")
	return nil
}

func doReq(t *testing.T, ts *httptest.Server, method, path string, uid int32, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set(HeaderUID, fmt.Sprint(uid))
	req.Header.Set(HeaderPID, "777")
	req.Header.Set(HeaderUserID, "100")
	req.Header.Set(HeaderBundle, "com.demo.maps")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp, raw
}

func TestRejectsMissingBearer(t *testing.T) {
	ts := newTestServer(t)
	resp, err := ts.Client().Get(ts.URL + "/v1/tasks")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHealthzIsOpen(t *testing.T) {
	ts := newTestServer(t)
	resp, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	uid := int32(20010042)

	resp, raw := doReq(t, ts, http.MethodPost, "/v1/task/start", uid, manager.StartParams{
		AbilityName: "NavAbility", IsNewAPI: true, Want: testWant(),
		Modes: []uint32{uint32(bgmode.Location)},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d: %s", resp.StatusCode, raw)
	}
	var info manager.TaskInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		t.Fatalf("decode start response: %v", err)
	}
	if info.TaskID != 1 {
		t.Fatalf("task id = %d, want 1", info.TaskID)
	}

	resp, raw = doReq(t, ts, http.MethodGet, fmt.Sprintf("/v1/tasks?uid=%d", uid), uid, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var list struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(raw, &list); err != nil || list.Total != 1 {
		t.Fatalf("list = %s (err %v), want total 1", raw, err)
	}

	resp, _ = doReq(t, ts, http.MethodPost, "/v1/task/stop", uid, map[string]any{"abilityName": "NavAbility"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d", resp.StatusCode)
	}

	resp, raw = doReq(t, ts, http.MethodPost, "/v1/task/stop", uid, map[string]any{"abilityName": "NavAbility"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second stop status = %d, want 404", resp.StatusCode)
	}
	var eb errorBody
	if err := json.Unmarshal(raw, &eb); err != nil || eb.Code != bgtask.CodeOf(bgtask.ErrObjectNotExist) {
		t.Fatalf("error body = %s", raw)
	}
}

func TestDuplicateStartConflicts(t *testing.T) {
	ts := newTestServer(t)
	params := manager.StartParams{
		AbilityName: "NavAbility", IsNewAPI: true, Want: testWant(),
		Modes: []uint32{uint32(bgmode.Location)},
	}
	if resp, _ := doReq(t, ts, http.MethodPost, "/v1/task/start", 7, params); resp.StatusCode != http.StatusOK {
		t.Fatalf("first start status = %d", resp.StatusCode)
	}
	resp, _ := doReq(t, ts, http.MethodPost, "/v1/task/start", 7, params)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate start status = %d, want 409", resp.StatusCode)
	}
}

func TestDelayRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	uid := int32(20010042)

	resp, raw := doReq(t, ts, http.MethodPost, "/v1/delay/request", uid, map[string]any{"reason": "flush"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("request status = %d: %s", resp.StatusCode, raw)
	}
	var info transient.DelayInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		t.Fatalf("decode delay info: %v", err)
	}
	if info.ActualDelayMS <= 0 {
		t.Fatalf("granted delay = %d, want > 0", info.ActualDelayMS)
	}

	resp, raw = doReq(t, ts, http.MethodGet, fmt.Sprintf("/v1/delay/remaining?requestId=%d", info.ID), uid, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remaining status = %d: %s", resp.StatusCode, raw)
	}

	resp, _ = doReq(t, ts, http.MethodPost, "/v1/delay/cancel", uid, map[string]any{"requestId": info.ID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	resp, _ = doReq(t, ts, http.MethodPost, "/v1/delay/cancel", uid, map[string]any{"requestId": info.ID})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second cancel status = %d, want 404", resp.StatusCode)
	}
}

func TestDelayRequestCapReturns429(t *testing.T) {
	ts := newTestServer(t)
	uid := int32(20010042)
	for i := 0; i < transient.MaxRequestsPerPkg; i++ {
		resp, raw := doReq(t, ts, http.MethodPost, "/v1/delay/request", uid, map[string]any{"reason": "flush"})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d: %s", i, resp.StatusCode, raw)
		}
	}
	resp, _ := doReq(t, ts, http.MethodPost, "/v1/delay/request", uid, map[string]any{"reason": "flush"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("over-cap status = %d, want 429", resp.StatusCode)
	}
}

func TestDumpSections(t *testing.T) {
	ts := newTestServer(t)
	if resp, _ := doReq(t, ts, http.MethodPost, "/v1/task/start", 5, manager.StartParams{
		AbilityName: "A", IsNewAPI: true, Want: testWant(), Modes: []uint32{uint32(bgmode.Location)},
	}); resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}

	resp, raw := doReq(t, ts, http.MethodGet, "/v1/dump?section=tasks", 5, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(raw), "continuous tasks: 1") {
		t.Fatalf("tasks dump = %d %s", resp.StatusCode, raw)
	}
	resp, _ = doReq(t, ts, http.MethodGet, "/v1/dump?section=delays", 5, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delays dump status = %d", resp.StatusCode)
	}
	resp, _ = doReq(t, ts, http.MethodGet, "/v1/dump?section=nope", 5, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad section status = %d, want 400", resp.StatusCode)
	}
}

func TestSubscribeStreamsTaskEvents(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/subscribe"
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+testToken)
	hdr.Set(HeaderUID, "0")
	hdr.Set(HeaderPID, "1")
	hdr.Set(HeaderUserID, "0")
	hdr.Set(HeaderBundle, "resource_schedule")
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	if resp, raw := doReq(t, ts, http.MethodPost, "/v1/task/start", 42, manager.StartParams{
		AbilityName: "NavAbility", IsNewAPI: true, Want: testWant(), Modes: []uint32{uint32(bgmode.Location)},
	}); resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d: %s", resp.StatusCode, raw)
	}

	var ev subscriber.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != subscriber.EventTaskStart || ev.Task == nil || ev.Task.UID != 42 {
		t.Fatalf("event = %+v, want task start for uid 42", ev)
	}
}

func TestSystemEventEndpoint(t *testing.T) {
	ts := newTestServer(t)
	uid := int32(9)
	if resp, _ := doReq(t, ts, http.MethodPost, "/v1/task/start", uid, manager.StartParams{
		AbilityName: "A", IsNewAPI: true, Want: testWant(), Modes: []uint32{uint32(bgmode.Location)},
	}); resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}

	// Without a suspend-capable subscriber a freeze retracts the grant.
	resp, _ := doReq(t, ts, http.MethodPost, "/v1/system/event", 0, map[string]any{
		"type": "app_frozen", "uid": uid,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("event status = %d", resp.StatusCode)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, raw := doReq(t, ts, http.MethodGet, fmt.Sprintf("/v1/tasks?uid=%d", uid), 0, nil)
		var list struct {
			Total int `json:"total"`
		}
		if json.Unmarshal(raw, &list) == nil && list.Total == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("freeze never retracted the grant: %s", raw)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// AV session reports are gated on the media session service uid.
	resp, _ = doReq(t, ts, http.MethodPost, "/v1/system/event", 0, map[string]any{
		"type": "avsession", "uid": uid, "published": true,
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("avsession from uid 0 status = %d, want 403", resp.StatusCode)
	}

	resp, _ = doReq(t, ts, http.MethodPost, "/v1/system/event", 0, map[string]any{"type": "nonsense"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown event status = %d, want 400", resp.StatusCode)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         2,
	})
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := rl.Wrap(inner)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
		req.Header.Set(HeaderBundle, "com.demo.maps")
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	req.Header.Set(HeaderBundle, "com.demo.maps")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over-burst status = %d, want 429", rec.Code)
	}

	// A different bundle has its own bucket.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	req.Header.Set(HeaderBundle, "com.demo.music")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("other bundle status = %d", rec.Code)
	}

	// Health checks bypass the limiter.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(HeaderBundle, "com.demo.maps")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
}

func TestRateLimitEviction(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 5})
	h := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	req.Header.Set(HeaderBundle, "com.demo.maps")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if rl.BucketCount() != 1 {
		t.Fatalf("bucket count = %d, want 1", rl.BucketCount())
	}
	rl.EvictStale(0)
	if rl.BucketCount() != 0 {
		t.Fatalf("bucket count after eviction = %d, want 0", rl.BucketCount())
	}
}
