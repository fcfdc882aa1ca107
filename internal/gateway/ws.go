package gateway

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/bgtaskd/internal/identity"
	"github.com/basket/bgtaskd/internal/manager"
	"github.com/basket/bgtaskd/internal/subscriber"
)

// expiryEcho forwards a transient delay expiry warning to the requester's
// subscription stream.
type expiryEcho struct {
	tasks  *manager.Manager
	caller identity.Caller
}

func (e expiryEcho) Expired(id int32) {
	e.tasks.NotifyDelayEvent(subscriber.EventDelayExpired, e.caller.UID, e.caller.Bundle, id)
}

// wsSink adapts one websocket connection into a subscriber sink. Sends are
// serialized; a write failure closes the connection and trips Done, which
// makes the manager purge the entry.
type wsSink struct {
	conn *websocket.Conn
	ctx  context.Context

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

func newWSSink(ctx context.Context, conn *websocket.Conn) *wsSink {
	return &wsSink{conn: conn, ctx: ctx, done: make(chan struct{})}
}

func (s *wsSink) Send(ev subscriber.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err := wsjson.Write(s.ctx, s.conn, ev); err != nil {
		s.closeLocked()
	}
}

func (s *wsSink) Done() <-chan struct{} { return s.done }

func (s *wsSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *wsSink) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// handleSubscribe upgrades to a websocket and streams lifecycle events until
// the peer goes away. Query params: flags (bitmask), app (subscribe as the
// calling application rather than as a system listener).
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	r, err := s.callerContext(r)
	if err != nil {
		http.Error(w, `{"error":"missing identity headers"}`, http.StatusBadRequest)
		return
	}
	caller, _ := identity.CallerFrom(r.Context())

	isApp := r.URL.Query().Get("app") == "true"
	var flags subscriber.Flag
	if v := r.URL.Query().Get("flags"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			http.Error(w, `{"error":"bad flags"}`, http.StatusBadRequest)
			return
		}
		flags = subscriber.Flag(n)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	sink := newWSSink(r.Context(), conn)
	id, err := s.cfg.Tasks.Subscribe(r.Context(), caller.UID, isApp, flags, sink)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	s.logger.Info("subscriber connected", "subscriber_id", id, "uid", caller.UID, "is_app", isApp, "flags", flags)
	defer func() {
		sink.close()
		s.logger.Info("subscriber disconnected", "subscriber_id", id)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// Drain the read side so pings are answered and the close frame is
	// noticed. Subscribers never send application data.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}
