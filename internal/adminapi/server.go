// Package adminapi is the read-only operator status surface (§2 component
// K, narrowed: this is not the bot's chat front-end, only a view onto
// mastership, host status, and recent audit activity). Structure and auth
// machinery are adapted from nixfleet's dashboard package; the route set
// is cut down to status/read endpoints plus a login/logout pair.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dcsfleet/control/internal/coordinator"
	"github.com/dcsfleet/control/internal/host"
	"github.com/dcsfleet/control/internal/registry"
	"github.com/dcsfleet/control/internal/store"
)

// Snapshot is one host's read-only view, the shape sent to both the REST
// endpoint and the websocket stream.
type Snapshot struct {
	Name         string `json:"name"`
	NodeName     string `json:"node_name"`
	Status       string `json:"status"`
	Maintenance  bool   `json:"maintenance"`
	Players      int    `json:"players"`
	MissionName  string `json:"mission_name,omitempty"`
	RestartQueue bool   `json:"restart_pending"`
}

// Server is the admin HTTP surface for one node.
type Server struct {
	cfg   Config
	auth  *AuthService
	reg   *registry.Registry
	coord *coordinator.Coordinator
	st    *store.Store
	log   zerolog.Logger

	router   chi.Router
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// Config holds the admin surface's own settings, independent of the
// node's core configuration tree.
type Config struct {
	GuildID int64
	Listen  string // e.g. ":8089"
}

// New constructs a Server and wires its router; call Run to serve.
func New(cfg Config, auth *AuthService, reg *registry.Registry, coord *coordinator.Coordinator, st *store.Store, log zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		auth:     auth,
		reg:      reg,
		coord:    coord,
		st:       st,
		log:      log.With().Str("component", "adminapi").Logger(),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		clients:  make(map[*websocket.Conn]bool),
	}
	s.router = s.setupRouter()
	return s
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	r.Get("/health", s.handleHealth)
	r.Post("/login", s.handleLogin)
	r.Get("/ws", s.handleWebsocket)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/logout", s.handleLogout)

		r.Route("/api", func(r chi.Router) {
			r.Get("/hosts", s.handleHosts)
			r.Get("/hosts/{name}", s.handleHost)
			r.Get("/nodes", s.handleNodes)
			r.Get("/audit", s.handleAudit)
			r.Get("/status", s.handleStatus)
		})
	})

	return r
}

func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookie)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		sess, ok := s.auth.Get(cookie.Value)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), sessionCtxKey{}, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type sessionCtxKey struct{}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type loginRequest struct {
	Password string `json:"password"`
	TOTPCode string `json:"totp_code"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !s.auth.CheckPassword(req.Password) || !s.auth.CheckTOTP(req.TOTPCode) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	sess, err := s.auth.CreateSession()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	setSessionCookie(w, sess)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		s.auth.Delete(cookie.Value)
	}
	clearSessionCookie(w)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHosts(w http.ResponseWriter, r *http.Request) {
	hosts := s.reg.All()
	out := make([]Snapshot, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, snapshotOf(h))
	}
	writeJSON(w, out)
}

func (s *Server) handleHost(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	h, ok := s.reg.Get(name)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, snapshotOf(h))
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.st.ActiveNodes(r.Context(), s.cfg.GuildID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, nodes)
}

// statusResponse reports this node's own view of mastership alongside a
// host count, the minimal "is this thing alive and who's in charge" check
// an operator needs before digging into /api/hosts.
type statusResponse struct {
	IsMaster  bool `json:"is_master"`
	HostCount int  `json:"host_count"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, statusResponse{
		IsMaster:  s.coord.IsMaster(),
		HostCount: len(s.reg.All()),
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.st.RecentAudit(r.Context(), s.cfg.GuildID, 200)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, entries)
}

// handleWebsocket upgrades and registers a client on the broadcast stream;
// it never reads from the client beyond the handshake — this surface is
// read-only all the way down.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	// Drain control frames (pings/close) until the client disconnects;
	// any data frame received is ignored rather than acted on.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast pushes snap to every connected operator client, dropping slow
// or dead connections rather than blocking the caller.
func (s *Server) Broadcast(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := c.WriteJSON(snap); err != nil {
			_ = c.Close()
			delete(s.clients, c)
		}
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Listen, Handler: s.router}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func snapshotOf(h *host.Host) Snapshot {
	missionName := ""
	if h.CurrentMission != nil {
		missionName = h.CurrentMission.DisplayName
	}
	return Snapshot{
		Name:         h.Name,
		NodeName:     h.NodeName,
		Status:       string(h.Status()),
		Maintenance:  h.InMaintenance(),
		Players:      h.ActivePlayerCount(),
		MissionName:  missionName,
		RestartQueue: h.RestartPending,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
