package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/shizukutanaka/okura/internal/backup"
	"github.com/shizukutanaka/okura/internal/config"
	"github.com/shizukutanaka/okura/internal/monitoring"
	"github.com/shizukutanaka/okura/internal/status"
)

// Backend is the slice of the backup engine the API exposes. Mutating
// operations stay CLI-only except garbage collection, which is safe to
// trigger remotely.
type Backend interface {
	GetBackupInfo() []backup.Info
	GetCorruptedBackups() []backup.BackupID
	LatestBackupID() backup.BackupID
	GarbageCollect() error
}

// Response is the uniform API envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Time    time.Time   `json:"time"`
}

// Server is the read-mostly HTTP status server: backup listing,
// corruption report, garbage collection trigger and Prometheus metrics.
type Server struct {
	logger  *zap.Logger
	cfg     config.APIConfig
	router  *mux.Router
	server  *http.Server
	backend Backend
	limiter *IPRateLimiter
	metrics *monitoring.Metrics
}

// NewServer wires the routes. metrics may be nil, in which case the
// /metrics endpoint is omitted.
func NewServer(cfg config.APIConfig, logger *zap.Logger, backend Backend, metrics *monitoring.Metrics) *Server {
	s := &Server{
		logger:  logger.Named("api"),
		cfg:     cfg,
		router:  mux.NewRouter(),
		backend: backend,
		metrics: metrics,
	}
	if cfg.RateLimit > 0 {
		s.limiter = NewIPRateLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.throttle)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/backups", s.handleListBackups).Methods(http.MethodGet)
	v1.HandleFunc("/backups/latest", s.handleLatest).Methods(http.MethodGet)
	v1.HandleFunc("/backups/corrupted", s.handleCorrupted).Methods(http.MethodGet)
	v1.HandleFunc("/gc", s.handleGarbageCollect).Methods(http.MethodPost)

	if s.metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(
			s.metrics.Registry(), promhttp.HandlerOpts{},
		)).Methods(http.MethodGet)
	}
}

// Start begins serving; it returns once the listener is running.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Timeout,
		WriteTimeout: s.cfg.Timeout,
	}
	go func() {
		s.logger.Info("api server listening", zap.String("addr", s.cfg.ListenAddr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router exposes the handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow(r.RemoteAddr) {
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, Response{Success: true, Time: time.Now()})
}

type backupEntry struct {
	ID             int64     `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Size           uint64    `json:"size"`
	FileCount      int       `json:"file_count"`
	SequenceNumber uint64    `json:"sequence_number"`
}

func (s *Server) handleListBackups(w http.ResponseWriter, _ *http.Request) {
	infos := s.backend.GetBackupInfo()
	entries := make([]backupEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, backupEntry{
			ID:             int64(info.ID),
			Timestamp:      info.Timestamp,
			Size:           info.Size,
			FileCount:      info.FileCount,
			SequenceNumber: info.SequenceNumber,
		})
	}
	s.writeJSON(w, http.StatusOK, Response{Success: true, Data: entries, Time: time.Now()})
}

func (s *Server) handleLatest(w http.ResponseWriter, _ *http.Request) {
	latest := s.backend.LatestBackupID()
	if latest == 0 {
		s.writeError(w, http.StatusNotFound, "no backups available")
		return
	}
	s.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]int64{"id": int64(latest)},
		Time:    time.Now(),
	})
}

func (s *Server) handleCorrupted(w http.ResponseWriter, _ *http.Request) {
	ids := s.backend.GetCorruptedBackups()
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		out = append(out, int64(id))
	}
	s.writeJSON(w, http.StatusOK, Response{Success: true, Data: out, Time: time.Now()})
}

func (s *Server) handleGarbageCollect(w http.ResponseWriter, _ *http.Request) {
	if err := s.backend.GarbageCollect(); err != nil {
		code := http.StatusInternalServerError
		if status.IsInvalidArgument(err) {
			code = http.StatusBadRequest
		}
		s.writeError(w, code, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, Response{Success: true, Time: time.Now()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("response encoding failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, Response{Success: false, Error: msg, Time: time.Now()})
}
