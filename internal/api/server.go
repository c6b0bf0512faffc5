// Package api serves the read API: status, actions, events, sessions and
// the block-list, plus the two administrative operations.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"ghostwall/internal/blocklist"
	"ghostwall/internal/config"
	gwerrors "ghostwall/internal/errors"
	"ghostwall/internal/event"
	"ghostwall/internal/middleware"
	"ghostwall/internal/policy"
	"ghostwall/internal/scoring"
	"ghostwall/internal/storage"
	"ghostwall/internal/telemetry"
)

const (
	defaultLimit    = 50
	defaultTimeline = 300
	maxLimit        = 1000
)

// ActionSource returns the most recent actions, newest first.
type ActionSource interface {
	Recent(limit int) []event.Action
}

// BlockListReader lists block entries.
type BlockListReader interface {
	Entries() []blocklist.Entry
}

// Resetter resets the threat score.
type Resetter interface {
	Reset() scoring.Status
}

// TimelineSource returns recent score points, oldest first.
type TimelineSource interface {
	Timeline(limit int) []scoring.Point
}

// Unblocker removes an address from the block-list and the firewall.
type Unblocker interface {
	Unblock(ctx context.Context, addr netip.Addr, actor string) error
}

// Deps are the components the API reads from.
type Deps struct {
	Snapshot  func() telemetry.Snapshot
	Actions   ActionSource
	Store     storage.Store
	BlockList BlockListReader
	Scorer    Resetter
	Timeline  TimelineSource
	Policy    Unblocker
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Server is the read API HTTP server.
type Server struct {
	cfg     config.ServerConfig
	deps    Deps
	logger  *slog.Logger
	limiter *middleware.RateLimiter
	handler http.Handler
	srv     *http.Server
	now     func() time.Time
}

// New builds the API server. Admin routes answer 403 when no admin key
// hash is configured.
func New(cfg config.ServerConfig, rl config.RateLimitConfig, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With("component", "api"),
		limiter: middleware.NewRateLimiter(rl, logger),
		now:     time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/actions", s.handleActions)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/sessions", s.handleSessions)
	mux.HandleFunc("GET /v1/blocklist", s.handleBlockList)
	mux.HandleFunc("GET /v1/timeline", s.handleTimeline)
	mux.Handle("POST /v1/reset", s.requireAdmin(http.HandlerFunc(s.handleReset)))
	mux.Handle("DELETE /v1/blocklist/{ip}", s.requireAdmin(http.HandlerFunc(s.handleUnblock)))
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	s.handler = middleware.SecurityHeaders(middleware.DefaultSecurityHeadersConfig())(
		s.limiter.Middleware(mux),
	)
	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       2 * s.cfg.ReadTimeout,
	}

	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve(ln) }()
	s.logger.Info("read API listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		s.limiter.Stop()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := s.srv.Shutdown(shutdownCtx)
	s.limiter.Stop()
	return err
}

// requireAdmin checks X-Admin-Key against the configured bcrypt hash.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminKeyHash == "" {
			writeError(w, http.StatusForbidden, errors.New("forbidden: admin operations are disabled"))
			return
		}
		key := r.Header.Get("X-Admin-Key")
		if key == "" || bcrypt.CompareHashAndPassword([]byte(s.cfg.AdminKeyHash), []byte(key)) != nil {
			s.logger.Warn("admin authentication failed",
				"audit", true,
				"client", middleware.ClientIP(r, false),
				"path", r.URL.Path,
			)
			writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// actor identifies an admin caller in audit logs without the key itself.
func actor(r *http.Request) string {
	sum := sha256.Sum256([]byte(r.Header.Get("X-Admin-Key")))
	return fmt.Sprintf("api:%s:%x", middleware.ClientIP(r, false), sum[:4])
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   s.now().UTC(),
	})
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	telemetry.Snapshot
	RecentActions []event.Action `json:"recent_actions"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Snapshot: s.deps.Snapshot()}
	resp.RecentActions = s.recent(s.cfg.RecentActions)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) recent(limit int) []event.Action {
	if s.deps.Actions == nil {
		return []event.Action{}
	}
	actions := s.deps.Actions.Recent(limit)
	if actions == nil {
		actions = []event.Action{}
	}
	return actions
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": s.recent(limit)})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	limit := defaultTimeline
	if r.URL.Query().Has("limit") {
		n, err := parseLimit(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		limit = n
	}
	points := []scoring.Point{}
	if s.deps.Timeline != nil {
		points = append(points, s.deps.Timeline.Timeline(limit)...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"points": points})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q, err := s.eventQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	events, err := s.deps.Store.Events(r.Context(), q)
	if err != nil {
		s.logger.Error("events query failed", "error", err)
		writeError(w, storeStatus(err), err)
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// storeStatus is 503 while the store is unreachable or closed.
func storeStatus(err error) int {
	if storage.IsConnectionError(err) || errors.Is(err, storage.ErrDatabaseClosed) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) eventQuery(r *http.Request) (storage.EventQuery, error) {
	var q storage.EventQuery
	var err error
	if q.Limit, err = parseLimit(r); err != nil {
		return q, err
	}
	if q.Since, err = parseSince(r, s.now()); err != nil {
		return q, err
	}
	if t := r.URL.Query().Get("type"); t != "" {
		q.Type = event.Type(t)
		if !q.Type.IsValid() {
			return q, fmt.Errorf("invalid query: unknown event type %q", t)
		}
	}
	if ip := r.URL.Query().Get("src_ip"); ip != "" {
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return q, fmt.Errorf("invalid address %q", ip)
		}
		q.SrcIP = addr.Unmap().String()
	}
	return q, nil
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	var q storage.SessionQuery
	var err error
	if q.Limit, err = parseLimit(r); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if q.Since, err = parseSince(r, s.now()); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sessions, err := s.deps.Store.Sessions(r.Context(), q)
	if err != nil {
		s.logger.Error("sessions query failed", "error", err)
		writeError(w, storeStatus(err), err)
		return
	}
	if sessions == nil {
		sessions = []storage.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleBlockList(w http.ResponseWriter, r *http.Request) {
	entries := s.deps.BlockList.Entries()
	if entries == nil {
		entries = []blocklist.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Scorer.Reset()
	s.logger.Warn("threat score reset via API", "audit", true, "actor", actor(r))
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("ip")
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid address %q", raw))
		return
	}
	addr = addr.Unmap()

	err = s.deps.Policy.Unblock(r.Context(), addr, actor(r))
	switch {
	case errors.Is(err, policy.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Errorf("not blocked: %s", addr))
		return
	case err != nil:
		// The list entry is gone; only the firewall rule removal failed.
		s.logger.Error("unblock incomplete", "src_ip", addr.String(), "error", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"src_ip": addr.String(), "unblocked": true})
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid query: limit must be a positive integer")
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

// parseSince accepts an RFC 3339 timestamp or a duration back from now.
func parseSince(r *http.Request, now time.Time) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("since"))
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return time.Time{}, fmt.Errorf("invalid query: since must be RFC 3339 or a positive duration")
	}
	return now.Add(-d), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": gwerrors.SafeErrorMessage(err)})
}
