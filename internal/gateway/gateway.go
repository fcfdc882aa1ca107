// Package gateway exposes the broker over HTTP. Callers identify themselves
// through X-Bgtask-* headers; a trusted front end is expected to have
// verified them, the same way the kernel vouches for binder caller ids.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/bgtaskd/internal/bgmode"
	"github.com/basket/bgtaskd/internal/bgtask"
	"github.com/basket/bgtaskd/internal/identity"
	"github.com/basket/bgtaskd/internal/manager"
	"github.com/basket/bgtaskd/internal/otel"
	"github.com/basket/bgtaskd/internal/record"
	"github.com/basket/bgtaskd/internal/transient"
)

// Identity headers. The gateway trusts them as-is.
const (
	HeaderUID       = "X-Bgtask-Uid"
	HeaderPID       = "X-Bgtask-Pid"
	HeaderUserID    = "X-Bgtask-User"
	HeaderBundle    = "X-Bgtask-Bundle"
	HeaderTokenID   = "X-Bgtask-Token"
	HeaderFullToken = "X-Bgtask-Full-Token"
)

// Config holds the gateway's dependencies.
type Config struct {
	Logger  *slog.Logger
	Tasks   *manager.Manager
	Delays  *transient.Manager
	Metrics *otel.Metrics
	Tracer  trace.Tracer

	// AuthToken guards every endpoint except /healthz. Empty disables the
	// gateway entirely on authorize, matching the fail-closed default.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WebSocket
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config, exposed on
	// /healthz so operators can tell which config a node runs.
	ConfigFingerprint string
}

// Server is the HTTP face of the broker.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger.With("component", "gateway")}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/subscribe", s.handleSubscribe)

	mux.HandleFunc("/v1/task/start", s.handleTaskStart)
	mux.HandleFunc("/v1/task/update", s.handleTaskUpdate)
	mux.HandleFunc("/v1/task/stop", s.handleTaskStop)
	mux.HandleFunc("/v1/task/inner", s.handleTaskInner)
	mux.HandleFunc("/v1/task/cancel", s.handleTaskCancel)
	mux.HandleFunc("/v1/task/cancel_all", s.handleTaskCancelAll)
	mux.HandleFunc("/v1/tasks", s.handleTaskList)

	mux.HandleFunc("/v1/delay/request", s.handleDelayRequest)
	mux.HandleFunc("/v1/delay/cancel", s.handleDelayCancel)
	mux.HandleFunc("/v1/delay/remaining", s.handleDelayRemaining)

	mux.HandleFunc("/v1/system/event", s.handleSystemEvent)

	mux.HandleFunc("/v1/dump", s.handleDump)
	return s.withMetrics(mux)
}

func (s *Server) withMetrics(next http.Handler) http.Handler {
	if s.cfg.Metrics == nil && s.cfg.Tracer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Tracer != nil {
			ctx, span := otel.StartServerSpan(r.Context(), s.cfg.Tracer, "gateway.request",
				otel.AttrEndpoint.String(r.URL.Path))
			defer span.End()
			r = r.WithContext(ctx)
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(r.Context(), time.Since(start).Seconds())
		}
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

// callerContext parses the identity headers into the request context.
func (s *Server) callerContext(r *http.Request) (*http.Request, error) {
	uid, err := headerInt32(r, HeaderUID)
	if err != nil {
		return nil, err
	}
	pid, _ := headerInt32(r, HeaderPID)
	userID, _ := headerInt32(r, HeaderUserID)
	tokenID, _ := strconv.ParseUint(r.Header.Get(HeaderTokenID), 10, 64)
	fullToken, _ := strconv.ParseUint(r.Header.Get(HeaderFullToken), 10, 64)
	caller := identity.Caller{
		UID:         uid,
		PID:         pid,
		UserID:      userID,
		Bundle:      r.Header.Get(HeaderBundle),
		TokenID:     tokenID,
		FullTokenID: fullToken,
	}
	ctx := identity.WithCaller(r.Context(), caller)
	ctx = identity.WithTraceID(ctx, identity.NewTraceID())
	return r.WithContext(ctx), nil
}

func headerInt32(r *http.Request, name string) (int32, error) {
	raw := r.Header.Get(name)
	if raw == "" {
		return 0, fmt.Errorf("missing %s header", name)
	}
	v, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad %s header: %w", name, err)
	}
	return int32(v), nil
}

// guard runs the shared per-endpoint plumbing: method check, bearer auth,
// identity headers, request metrics.
func (s *Server) guard(w http.ResponseWriter, r *http.Request, method string) (*http.Request, bool) {
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}
	if !s.authorize(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return nil, false
	}
	req, err := s.callerContext(r)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", bgtask.ErrInvalidParam, err))
		return nil, false
	}
	return req, true
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"healthy":            true,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleTaskStart(w http.ResponseWriter, r *http.Request) {
	r, ok := s.guard(w, r, http.MethodPost)
	if !ok {
		return
	}
	var params manager.StartParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeError(w, r, bgtask.ErrInvalidParam)
		return
	}
	info, err := s.cfg.Tasks.StartTask(r.Context(), params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	r, ok := s.guard(w, r, http.MethodPost)
	if !ok {
		return
	}
	var params manager.UpdateParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeError(w, r, bgtask.ErrInvalidParam)
		return
	}
	info, err := s.cfg.Tasks.UpdateTask(r.Context(), params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleTaskStop(w http.ResponseWriter, r *http.Request) {
	r, ok := s.guard(w, r, http.MethodPost)
	if !ok {
		return
	}
	var body struct {
		AbilityName string `json:"abilityName"`
		AbilityID   int32  `json:"abilityId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, bgtask.ErrInvalidParam)
		return
	}
	if err := s.cfg.Tasks.StopTask(r.Context(), body.AbilityName, body.AbilityID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTaskInner(w http.ResponseWriter, r *http.Request) {
	r, ok := s.guard(w, r, http.MethodPost)
	if !ok {
		return
	}
	var body struct {
		UID   int32  `json:"uid"`
		Mode  uint32 `json:"bgModeId"`
		Start bool   `json:"start"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, bgtask.ErrInvalidParam)
		return
	}
	var err error
	if body.Start {
		err = s.cfg.Tasks.StartInnerTask(r.Context(), body.UID, body.Mode)
	} else {
		err = s.cfg.Tasks.StopInnerTask(r.Context(), body.UID, body.Mode)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleTaskCancel retracts a grant by key on behalf of the user, as if its
// notification was dismissed.
func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	r, ok := s.guard(w, r, http.MethodPost)
	if !ok {
		return
	}
	var body struct {
		TaskKey string `json:"taskKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TaskKey == "" {
		s.writeError(w, r, bgtask.ErrInvalidParam)
		return
	}
	if err := s.cfg.Tasks.StopTaskByUser(r.Context(), body.TaskKey); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleTaskCancelAll retracts every grant of a uid under a mode, or all of
// them when bgModeType is omitted.
func (s *Server) handleTaskCancelAll(w http.ResponseWriter, r *http.Request) {
	r, ok := s.guard(w, r, http.MethodPost)
	if !ok {
		return
	}
	var body struct {
		UID      int32  `json:"uid"`
		ModeType uint32 `json:"bgModeType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, bgtask.ErrInvalidParam)
		return
	}
	if body.ModeType == 0 {
		body.ModeType = bgmode.AllModes
	}
	if err := s.cfg.Tasks.StopTasksByMode(r.Context(), body.UID, body.ModeType, record.CancelSystem); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	r, ok := s.guard(w, r, http.MethodGet)
	if !ok {
		return
	}
	uid := int32(-1)
	if v := r.URL.Query().Get("uid"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			s.writeError(w, r, bgtask.ErrInvalidParam)
			return
		}
		uid = int32(n)
	}
	recs, err := s.cfg.Tasks.QueryTasks(r.Context(), uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": recs, "total": len(recs)})
}

func (s *Server) handleDelayRequest(w http.ResponseWriter, r *http.Request) {
	r, ok := s.guard(w, r, http.MethodPost)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, bgtask.ErrInvalidParam)
		return
	}
	caller, _ := identity.CallerFrom(r.Context())
	info, err := s.cfg.Delays.RequestDelay(caller, body.Reason, expiryEcho{s.cfg.Tasks, caller})
	if err != nil {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.DelayRejects.Add(r.Context(), 1)
		}
		s.writeError(w, r, err)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.DelayGrants.Add(r.Context(), 1)
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDelayCancel(w http.ResponseWriter, r *http.Request) {
	r, ok := s.guard(w, r, http.MethodPost)
	if !ok {
		return
	}
	var body struct {
		RequestID int32 `json:"requestId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, bgtask.ErrInvalidParam)
		return
	}
	caller, _ := identity.CallerFrom(r.Context())
	if err := s.cfg.Delays.CancelDelay(caller, body.RequestID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDelayRemaining(w http.ResponseWriter, r *http.Request) {
	r, ok := s.guard(w, r, http.MethodGet)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.URL.Query().Get("requestId"), 10, 32)
	if err != nil {
		s.writeError(w, r, bgtask.ErrInvalidParam)
		return
	}
	caller, _ := identity.CallerFrom(r.Context())
	remaining, err := s.cfg.Delays.RemainingDelayTime(caller, int32(id))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requestId": id, "remainingTime": remaining})
}

// handleSystemEvent is the front door for OS-level transitions: process
// death, freezer activity, account and locale changes, media session state.
// On a device these arrive over privileged IPC; here the trusted front end
// relays them.
func (s *Server) handleSystemEvent(w http.ResponseWriter, r *http.Request) {
	r, ok := s.guard(w, r, http.MethodPost)
	if !ok {
		return
	}
	var body struct {
		Type      string  `json:"type"`
		UID       int32   `json:"uid,omitempty"`
		Bundle    string  `json:"bundle,omitempty"`
		UserIDs   []int32 `json:"userIds,omitempty"`
		SaUID     int32   `json:"saUid,omitempty"`
		Locale    string  `json:"locale,omitempty"`
		Published bool    `json:"published,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, bgtask.ErrInvalidParam)
		return
	}
	var err error
	switch body.Type {
	case "app_stopped":
		s.cfg.Tasks.OnAppStopped(body.UID)
		s.cfg.Delays.OnAppStopped(body.UID)
	case "app_frozen":
		s.cfg.Tasks.OnAppFrozen(body.UID)
	case "app_unfrozen":
		s.cfg.Tasks.OnAppUnfrozen(body.UID)
	case "app_background":
		s.cfg.Delays.OnAppBackground(body.UID, body.Bundle)
	case "app_foreground":
		s.cfg.Delays.OnAppForeground(body.UID, body.Bundle)
	case "quota_reset":
		s.cfg.Delays.ResetQuota(body.UID, body.Bundle)
	case "bundle_data_cleared":
		s.cfg.Tasks.OnBundleDataCleared(body.UID)
	case "accounts_changed":
		s.cfg.Tasks.OnAccountsChanged(body.UserIDs)
	case "system_ability_removed":
		s.cfg.Tasks.OnSystemAbilityRemoved(body.SaUID)
	case "locale_changed":
		s.cfg.Tasks.OnLocaleChanged(body.Locale)
	case "avsession":
		err = s.cfg.Tasks.AVSessionNotify(r.Context(), body.UID, body.Published)
	default:
		err = bgtask.ErrInvalidParam
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	r, ok := s.guard(w, r, http.MethodGet)
	if !ok {
		return
	}
	switch r.URL.Query().Get("section") {
	case "", "tasks":
		text, err := s.cfg.Tasks.Dump(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(text))
	case "delays":
		writeJSON(w, http.StatusOK, map[string]any{"packages": s.cfg.Delays.Snapshot()})
	default:
		s.writeError(w, r, bgtask.ErrInvalidParam)
	}
}

// errorBody is the wire shape of a failed call.
type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := bgtask.CodeOf(err)
	status := http.StatusInternalServerError
	var be *bgtask.Error
	if errors.As(err, &be) {
		status = httpStatusFor(code)
	}
	s.logger.Warn("request failed",
		"path", r.URL.Path, "code", code, "error", err, "trace_id", identity.TraceID(r.Context()))
	writeJSON(w, status, errorBody{Code: code, Message: err.Error()})
}

func httpStatusFor(code int) int {
	switch code {
	case bgtask.CodeOf(bgtask.ErrPermissionDenied), bgtask.CodeOf(bgtask.ErrNotSystemApp):
		return http.StatusForbidden
	case bgtask.CodeOf(bgtask.ErrInvalidParam), bgtask.CodeOf(bgtask.ErrCheckTaskParam):
		return http.StatusBadRequest
	case bgtask.CodeOf(bgtask.ErrObjectNotExist):
		return http.StatusNotFound
	case bgtask.CodeOf(bgtask.ErrObjectExists):
		return http.StatusConflict
	case bgtask.CodeOf(bgtask.ErrSysNotReady):
		return http.StatusServiceUnavailable
	case bgtask.CodeOf(bgtask.ErrExceedsThreshold):
		return http.StatusTooManyRequests
	default:
		return http.StatusUnprocessableEntity
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
