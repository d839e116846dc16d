// Package api is the HTTP surface: health, metrics, room inspection and the
// two WebSocket endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"roomcast/internal/logging"
	"roomcast/internal/websocket"
	"roomcast/pkg/types"
)

// HealthChecker reports store health
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HistoryReader serves recent room history
type HistoryReader interface {
	History(ctx context.Context, roomID string, limit int) ([]*types.ChatMessage, error)
}

// Config tunes the HTTP surface
type Config struct {
	// HandshakeRateLimit is the per-IP upgrade budget per HandshakeRateWindow; 0 disables it
	HandshakeRateLimit  int
	HandshakeRateWindow time.Duration
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	config  Config
	store   HealthChecker
	history HistoryReader
	chat    *websocket.Handler
	signal  *websocket.Handler
	router  chi.Router
	started time.Time
}

// NewServer builds the router. history may be nil, in which case the history route is not mounted.
func NewServer(cfg Config, store HealthChecker, history HistoryReader, chat, signal *websocket.Handler) *Server {
	s := &Server{
		config:  cfg,
		store:   store,
		history: history,
		chat:    chat,
		signal:  signal,
		router:  chi.NewRouter(),
		started: time.Now(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger)
	r.Use(corsMiddleware)

	r.Group(func(r chi.Router) {
		r.Use(jsonMiddleware)

		r.Get("/health", s.healthCheck)
		r.Get("/api/rooms", s.listRooms)
		if s.history != nil {
			r.Get("/api/rooms/{roomId}/messages", s.roomMessages)
		}
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if s.config.HandshakeRateLimit > 0 {
			r.Use(httprate.LimitByIP(s.config.HandshakeRateLimit, s.config.HandshakeRateWindow))
		}
		r.Handle("/ws", s.chat)
		r.Handle("/ws/signal", s.signal)
	})
}

// FUNCTIONAL DISCOVERY: Implement http.Handler interface for integration with standard HTTP server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status      string                    `json:"status"`
	Timestamp   time.Time                 `json:"timestamp"`
	Database    string                    `json:"database"`
	Connections map[string]map[string]int `json:"connections"`
	System      map[string]interface{}    `json:"system"`
}

type RoomInfo struct {
	RoomID  string `json:"roomId"`
	Members int    `json:"members"`
}

type RoomsResponse struct {
	Chat   []RoomInfo `json:"chat"`
	Signal []RoomInfo `json:"signal"`
}

type MessagesResponse struct {
	RoomID   string               `json:"roomId"`
	Messages []*types.ChatMessage `json:"messages"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /health - 503 when the store is unhealthy
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Database:  dbStatus,
		Connections: map[string]map[string]int{
			s.chat.Name():   s.chat.Registry().GetStats(),
			s.signal.Name(): s.signal.Registry().GetStats(),
		},
		System: map[string]interface{}{
			"goroutines":     runtime.NumGoroutine(),
			"heap_alloc":     mem.HeapAlloc,
			"uptime_seconds": int64(time.Since(s.started).Seconds()),
		},
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, response)
}

// GET /api/rooms
func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, RoomsResponse{
		Chat:   roomInfo(s.chat.Registry()),
		Signal: roomInfo(s.signal.Registry()),
	})
}

func roomInfo(registry *websocket.Registry) []RoomInfo {
	sizes := registry.RoomSizes()
	rooms := make([]RoomInfo, 0, len(sizes))
	for roomID, members := range sizes {
		rooms = append(rooms, RoomInfo{RoomID: roomID, Members: members})
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].RoomID < rooms[j].RoomID })
	return rooms
}

// GET /api/rooms/{roomId}/messages?limit=N
func (s *Server) roomMessages(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")
	if roomID == "" || len(roomID) > 128 {
		s.sendError(w, "Invalid room id", http.StatusBadRequest)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.sendError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	msgs, err := s.history.History(r.Context(), roomID, limit)
	if err != nil {
		logging.Error().Err(err).Str("room_id", roomID).Msg("History lookup failed")
		s.sendError(w, "History unavailable", http.StatusServiceUnavailable)
		return
	}
	if msgs == nil {
		msgs = []*types.ChatMessage{}
	}
	s.writeJSON(w, http.StatusOK, MessagesResponse{RoomID: roomID, Messages: msgs})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug().Err(err).Msg("Failed to write response")
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs completed requests at debug level
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logging.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
