package realtime

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/mickamy/grievance/events"
	"github.com/mickamy/grievance/outbox"
)

// HandlerOptions configure the websocket endpoint.
type HandlerOptions struct {
	Session SessionOptions
	// CheckOrigin defaults to allowing every origin.
	CheckOrigin func(r *http.Request) bool
	Logger      outbox.Logger
}

// Handler upgrades requests to websocket sessions. Identity comes from the
// userId and role query parameters; the session joins its own topic on open.
type Handler struct {
	registry *Registry
	upgrader websocket.Upgrader
	opts     HandlerOptions
	active   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

func NewHandler(registry *Registry, opts HandlerOptions) *Handler {
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	if opts.Session.Logger == nil {
		opts.Session.Logger = opts.Logger
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		registry: registry,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Close ends every open session. http.Server.Shutdown does not reach
// hijacked connections.
func (h *Handler) Close() {
	h.cancel()
}

// Active is the number of open sessions.
func (h *Handler) Active() int64 { return h.active.Load() }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	role := events.Role(r.URL.Query().Get("role"))
	userID := r.URL.Query().Get("userId")
	if !role.Valid() || userID == "" {
		http.Error(w, "userId and a valid role are required", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.opts.Logger.Warn(r.Context(), "ws upgrade failed: %v", err)
		return
	}
	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()

	s := NewSession(ws, h.registry, role, userID, h.opts.Session)
	h.active.Add(1)
	defer h.active.Add(-1)
	if _, err := s.Subscribe(""); err != nil {
		h.opts.Logger.Error(ctx, "session %s: join own topic: %v", s.ID(), err)
		_ = s.Close()
		return
	}
	h.opts.Logger.Info(ctx, "ws opened session=%s role=%s user=%s", s.ID(), role, userID)

	err = s.Run(ctx)
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		h.opts.Logger.Warn(ctx, "session %s ended: %v", s.ID(), err)
		return
	}
	h.opts.Logger.Info(ctx, "ws closed session=%s", s.ID())
}
