// Package daemon serves the local admin API: health, session listing and a
// websocket feed of scheduler events.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/beanpuppy/retrobot/internal/api"
	"github.com/beanpuppy/retrobot/internal/config"
	"github.com/beanpuppy/retrobot/internal/emulator"
	"github.com/beanpuppy/retrobot/internal/model"
	"github.com/beanpuppy/retrobot/internal/scheduler"
)

const (
	watchBuffer       = 64
	watchWriteTimeout = 5 * time.Second
)

type SessionSource interface {
	List(ctx context.Context) ([]model.Session, error)
	Get(ctx context.Context, sessionID string) (model.Session, error)
}

type TurnState interface {
	Snapshot() map[string]scheduler.SlotStatus
}

type WarmSet interface {
	Contains(sessionID string) bool
	Len() int
}

type EngineStatus interface {
	Status() emulator.PoolStatus
}

type EventFeed interface {
	Subscribe(buffer int) (<-chan scheduler.TurnEvent, func())
}

type Deps struct {
	Sessions SessionSource
	Turns    TurnState
	Warm     WarmSet
	Engine   EngineStatus
	Events   EventFeed
	Logger   *zap.Logger
}

type Server struct {
	cfg       config.Config
	deps      Deps
	logger    *zap.Logger
	router    chi.Router
	httpSrv   *http.Server
	upgrader  websocket.Upgrader
	streamID  string
	sequence  atomic.Int64
	startedAt time.Time
	now       func() time.Time

	mu          sync.Mutex
	listener    net.Listener
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    logger.Named("admin"),
		streamID:  uuid.NewString(),
		startedAt: time.Now().UTC(),
		now:       time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, model.ErrCodeMethodNotAllowed, "method not allowed")
	})
	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/health", s.healthHandler)
		v1.Get("/sessions", s.sessionsHandler)
		v1.Get("/sessions/{sessionID}", s.sessionByIDHandler)
		if deps.Events != nil {
			v1.Get("/watch", s.watchHandler)
		}
	})
	s.router = r
	s.httpSrv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the admin address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.AdminAddr)
	if err != nil {
		return fmt.Errorf("listen admin %s: %w", s.cfg.AdminAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("admin api listening", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve admin: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	now := s.now().UTC()
	resp := api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   now,
		Status:        "ok",
		UptimeSeconds: int64(now.Sub(s.startedAt).Seconds()),
		Store:         s.cfg.Store,
		TurnPolicy:    s.cfg.TurnPolicy,
	}
	if s.deps.Warm != nil {
		resp.WarmCores = s.deps.Warm.Len()
	}
	if s.deps.Engine != nil {
		st := s.deps.Engine.Status()
		resp.Engine = api.EngineHealth{
			Status:              string(st.Health.Current),
			ConsecutiveFailures: st.Health.ConsecutiveFailures,
			Running:             st.Running,
			Workers:             st.Workers,
		}
		if !st.Health.LastTransitionAt.IsZero() {
			at := st.Health.LastTransitionAt.UTC()
			resp.Engine.LastTransitionAt = &at
		}
		if st.Health.Current != emulator.HealthOK {
			resp.Status = "degraded"
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.deps.Sessions.List(r.Context())
	if err != nil {
		s.logger.Error("list sessions", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, model.ErrCodeStoreUnavailable, "session store unavailable")
		return
	}
	busy := s.snapshot()
	items := make([]api.SessionItem, 0, len(sessions))
	summary := api.ListSummary{ByPlatform: map[string]int{}, ByState: map[string]int{}}
	for _, session := range sessions {
		item := s.toSessionItem(session, busy)
		summary.ByPlatform[item.Platform]++
		summary.ByState[item.State]++
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].SessionID < items[j].SessionID })
	s.writeJSON(w, http.StatusOK, api.SessionsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		Sessions:      items,
		Summary:       summary,
	})
}

func (s *Server) sessionByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	session, err := s.deps.Sessions.Get(r.Context(), id)
	if errors.Is(err, model.ErrUnknownSession) {
		s.writeError(w, http.StatusNotFound, model.ErrCodeSessionNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("get session", zap.String("session", id), zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, model.ErrCodeStoreUnavailable, "session store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, api.SessionEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		Session:       s.toSessionItem(session, s.snapshot()),
	})
}

func (s *Server) snapshot() map[string]scheduler.SlotStatus {
	if s.deps.Turns == nil {
		return nil
	}
	return s.deps.Turns.Snapshot()
}

func (s *Server) toSessionItem(session model.Session, busy map[string]scheduler.SlotStatus) api.SessionItem {
	item := api.SessionItem{
		SessionID: session.ID,
		Platform:  string(session.Platform),
		Game:      session.Game,
		GuildID:   session.GuildID,
		ChannelID: session.ChannelID,
		State:     "idle",
	}
	if !session.CreatedAt.IsZero() {
		item.CreatedAt = session.CreatedAt.UTC().Format(time.RFC3339)
	}
	if slot, ok := busy[session.ID]; ok {
		started := slot.StartedAt.UTC()
		item.State = "running"
		item.CurrentLabel = slot.Label
		item.TurnStarted = &started
		item.Queued = slot.Queued
	}
	if s.deps.Warm != nil {
		item.Warm = s.deps.Warm.Contains(session.ID)
	}
	return item
}

func (s *Server) nextSequence() int64 {
	return s.sequence.Add(1)
}

func (s *Server) watchLine(kind string, ev *scheduler.TurnEvent) api.WatchLine {
	seq := s.nextSequence()
	line := api.WatchLine{
		SchemaVersion: api.SchemaVersion,
		EmittedAt:     s.now().UTC(),
		StreamID:      s.streamID,
		Cursor:        fmt.Sprintf("%s:%d", s.streamID, seq),
		Sequence:      seq,
		Type:          kind,
	}
	if ev != nil {
		line.Event = &api.TurnEventItem{
			Kind:       string(ev.Kind),
			SessionID:  ev.SessionID,
			Label:      ev.Label,
			Multiplier: ev.Multiplier,
			Actor:      ev.Actor,
			Seq:        ev.Seq,
			Error:      ev.Error,
			At:         ev.At,
		}
	}
	return line
}

// watchHandler upgrades to a websocket and pushes every scheduler event
// until the client goes away.
func (s *Server) watchHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events, cancel := s.deps.Events.Subscribe(watchBuffer)
	defer cancel()

	// The reader only exists to notice the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(line api.WatchLine) error {
		_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
		return conn.WriteJSON(line)
	}
	if err := write(s.watchLine("hello", nil)); err != nil {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := write(s.watchLine("event", &ev)); err != nil {
				s.logger.Debug("watch client write failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}
