package overlay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"chatalert/internal/alerts"
	"chatalert/internal/eventbus"
	"chatalert/internal/runtime/supervisor"
	"chatalert/internal/storage"
	logx "chatalert/pkg/logx"
)

// Config controls the renderer bridge.
type Config struct {
	Enabled bool
	Address string
	// Debug mounts net/http/pprof under /debug.
	Debug bool
	// AllowedOrigins restricts websocket and REST (CORS) origins. Empty allows
	// any origin; the listener is expected to be loopback-only.
	AllowedOrigins []string
}

const (
	DefaultAddress      = "127.0.0.1:7465"
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// History is the read side of the highlight store.
type History interface {
	RecentHighlights(ctx context.Context, limit int) ([]storage.Highlight, error)
}

type errorResponse struct {
	Error string `json:"error"`
}

type dataResponse struct {
	Data any `json:"data"`
}

// Server serves the websocket bridge and a small REST API.
type Server struct {
	cfg     Config
	log     logx.Logger
	hub     *Hub
	alerts  Alerts
	history History

	upgrader websocket.Upgrader

	mu   sync.Mutex
	sup  *supervisor.Supervisor
	srv  *http.Server
	addr string
}

// New builds the server. history may be nil when storage is disabled.
func New(cfg Config, a Alerts, bus eventbus.Bus, activity ActivitySink, history History, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "overlay"))
	if strings.TrimSpace(cfg.Address) == "" {
		cfg.Address = DefaultAddress
	}
	s := &Server{
		cfg:     cfg,
		log:     log,
		hub:     NewHub(a, bus, activity, log),
		alerts:  a,
		history: history,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if strings.EqualFold(strings.TrimSpace(o), origin) {
			return true
		}
	}
	return false
}

// Handler returns the router. It is exposed for tests and embedding.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "Origin"},
			MaxAge:         300,
		}))
		r.Use(chimiddleware.Timeout(10 * time.Second))
		r.Get("/alerts", s.handleAlerts)
		r.Post("/alerts/clear", s.handleClear)
		r.Post("/alerts/{id}/activate", s.handleActivate)
		r.Post("/alerts/{id}/close", s.handleClose)
		r.Get("/highlights", s.handleHighlights)
	})

	if s.cfg.Debug {
		r.Mount("/debug", chimiddleware.Profiler())
	}
	return r
}

// Start listens on the configured address and runs the hub. It returns once
// the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("overlay: already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.srv = srv
	s.addr = ln.Addr().String()
	s.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(s.log))
	s.sup.Go("overlay.hub", s.hub.Run)
	s.sup.Go("overlay.http", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.log.Info("overlay listening", logx.String("addr", s.addr), logx.Bool("debug", s.cfg.Debug))
	return nil
}

// Stop shuts the listener down and disconnects every renderer.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("overlay shutdown error", logx.Err(err))
	}
	if serr := sup.Stop(ctx); serr != nil && err == nil {
		err = serr
	}
	s.log.Info("overlay stopped")
	return err
}

// Addr reports the bound listen address while running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Hub exposes the renderer hub.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}
	c := newClient(s.hub, conn)
	select {
	case s.hub.register <- c:
	case <-s.hub.done:
		_ = conn.Close()
		return
	case <-r.Context().Done():
		_ = conn.Close()
		return
	}
	go c.writePump()
	c.readPump(context.WithoutCancel(r.Context()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"renderers": s.hub.Clients(r.Context()),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	st, err := s.alerts.Snapshot(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, dataResponse{Data: st})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.alerts.ClearAll(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	if err := s.alerts.Activate(r.Context(), alertID(r)); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := s.alerts.Close(r.Context(), alertID(r)); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHighlights(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusNotFound, storage.ErrDisabled.Error())
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	items, err := s.history.RecentHighlights(r.Context(), limit)
	if err != nil {
		s.log.Warn("highlight history failed", logx.Err(err))
		respondError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if items == nil {
		items = []storage.Highlight{}
	}
	respondJSON(w, http.StatusOK, dataResponse{Data: items})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}

func alertID(r *http.Request) alerts.AlertID {
	return alerts.AlertID(chi.URLParam(r, "id"))
}
