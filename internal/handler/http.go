package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/streak-league/internal/domain"
	"github.com/streak-league/internal/metrics"
	"github.com/streak-league/internal/scheduler"
	"github.com/streak-league/internal/websocket"
)

// RankingAPI is the ranking engine as seen by the leaderboard UI
type RankingAPI interface {
	GetRanking(ctx context.Context, userID string) (*domain.RankingRecord, error)
	TrackActivity(ctx context.Context, userID, surface string, minutes float64)
	GetLeagueTopUsers(ctx context.Context, league domain.League, limit int) ([]domain.LeagueStanding, error)
}

// SchedulerAPI is the scheduler facade as seen by trigger callers
type SchedulerAPI interface {
	CheckAndRunDailyUpdate(ctx context.Context) (scheduler.Outcome, error)
	CheckAndRunMonthlyPromotion(ctx context.Context) (scheduler.Outcome, error)
	ForceUpdateRanks(ctx context.Context) (scheduler.Outcome, error)
	ForcePromotion(ctx context.Context) (scheduler.Outcome, error)
}

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler provides HTTP handlers for the ranking API
type Handler struct {
	rankings      RankingAPI
	scheduler     SchedulerAPI
	executor      scheduler.Executor
	executorToken string
	readiness     map[string]Pinger
	hub           *websocket.Hub
	logger        *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(rankings RankingAPI, sched SchedulerAPI, hub *websocket.Hub, logger *slog.Logger) *Handler {
	return &Handler{
		rankings:  rankings,
		scheduler: sched,
		readiness: map[string]Pinger{},
		hub:       hub,
		logger:    logger,
	}
}

// SetExecutor serves the executor endpoints with exec, guarded by a bearer
// token. Without a token the endpoints answer 404.
func (h *Handler) SetExecutor(exec scheduler.Executor, token string) {
	h.executor = exec
	h.executorToken = token
}

// AddReadinessCheck registers a dependency checked by /ready
func (h *Handler) AddReadinessCheck(name string, p Pinger) {
	h.readiness[name] = p
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)
	r.Use(metricsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/users/{userID}/ranking", h.GetRanking)
		r.Post("/activity", h.TrackActivity)
		r.Get("/leagues/{league}/top", h.GetLeagueTop)

		r.Post("/scheduler/daily", h.CheckDaily)
		r.Post("/scheduler/monthly", h.CheckMonthly)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/ranks", h.ForceRanks)
			r.Post("/promotion", h.ForcePromotion)
		})

		r.Route("/executor", func(r chi.Router) {
			r.Use(h.requireExecutorToken)
			r.Post("/daily", h.ExecuteDaily)
			r.Post("/monthly", h.ExecuteMonthly)
		})

		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records request counts and durations by route pattern
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		metrics.RecordHTTPRequest(r.Method, route, ww.Status(), time.Since(start))
	})
}

func (h *Handler) requireExecutorToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.executor == nil || h.executorToken == "" {
			h.writeError(w, http.StatusNotFound, domain.ErrExecutorNotFound)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.executorToken)) != 1 {
			h.writeError(w, http.StatusUnauthorized, domain.ErrExecutorUnauthenticated)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// writeServiceError maps a service error to a status code
func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidLeague):
		h.writeError(w, http.StatusBadRequest, err)
	case domain.IsNotFoundError(err):
		h.writeError(w, http.StatusNotFound, err)
	default:
		h.logger.Error("request failed", "operation", op, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, h.hub.Stats())
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck pings every registered dependency
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for name, p := range h.readiness {
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", "dependency", name, "error", err)
			h.writeJSON(w, http.StatusServiceUnavailable, APIResponse{
				Success: false,
				Error:   name + " unavailable",
			})
			return
		}
	}
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// GetRanking returns a user's ranking record
func (h *Handler) GetRanking(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	rec, err := h.rankings.GetRanking(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "get ranking", err)
		return
	}
	h.writeSuccess(w, rec)
}

// TrackActivity accepts a page activity report. Tracking failures are never
// reported back to the caller.
func (h *Handler) TrackActivity(w http.ResponseWriter, r *http.Request) {
	var ev domain.ActivityEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	if ev.UserID == "" || ev.Surface == "" || ev.Minutes < 0 {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	h.rankings.TrackActivity(context.WithoutCancel(r.Context()), ev.UserID, ev.Surface, ev.Minutes)

	h.writeJSON(w, http.StatusAccepted, APIResponse{
		Success: true,
		Data:    map[string]string{"status": "accepted"},
	})
}

// GetLeagueTop returns the top users of a league
func (h *Handler) GetLeagueTop(w http.ResponseWriter, r *http.Request) {
	league, err := domain.ParseLeague(chi.URLParam(r, "league"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 0 {
			h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
			return
		}
	}

	standings, err := h.rankings.GetLeagueTopUsers(r.Context(), league, limit)
	if err != nil {
		h.writeServiceError(w, "get league top", err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{
		"league":    league,
		"standings": standings,
	})
}

func (h *Handler) runOutcome(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context) (scheduler.Outcome, error)) {
	out, err := fn(context.WithoutCancel(r.Context()))
	if err != nil {
		h.writeServiceError(w, op, err)
		return
	}
	h.writeSuccess(w, out)
}

// CheckDaily runs the gated daily update
func (h *Handler) CheckDaily(w http.ResponseWriter, r *http.Request) {
	h.runOutcome(w, r, "daily check", h.scheduler.CheckAndRunDailyUpdate)
}

// CheckMonthly runs the gated monthly promotion
func (h *Handler) CheckMonthly(w http.ResponseWriter, r *http.Request) {
	h.runOutcome(w, r, "monthly check", h.scheduler.CheckAndRunMonthlyPromotion)
}

// ForceRanks runs the daily update ignoring the gate
func (h *Handler) ForceRanks(w http.ResponseWriter, r *http.Request) {
	h.runOutcome(w, r, "force ranks", h.scheduler.ForceUpdateRanks)
}

// ForcePromotion runs the monthly promotion ignoring the gate
func (h *Handler) ForcePromotion(w http.ResponseWriter, r *http.Request) {
	h.runOutcome(w, r, "force promotion", h.scheduler.ForcePromotion)
}

// ExecuteDaily runs the daily update on behalf of a remote facade
func (h *Handler) ExecuteDaily(w http.ResponseWriter, r *http.Request) {
	if err := h.executor.RunDailyUpdate(context.WithoutCancel(r.Context())); err != nil {
		h.writeServiceError(w, "execute daily", err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "completed"})
}

// ExecuteMonthly runs the monthly promotion on behalf of a remote facade
func (h *Handler) ExecuteMonthly(w http.ResponseWriter, r *http.Request) {
	if err := h.executor.RunMonthlyPromotion(context.WithoutCancel(r.Context())); err != nil {
		h.writeServiceError(w, "execute monthly", err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "completed"})
}
