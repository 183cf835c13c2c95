package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/nhirsama/Goster-Solar/src/inter"
	"github.com/rs/zerolog"
)

// MonitorServer 运维监控 HTTP 服务：只读暴露接入服务的运行状态。
// 不承载任何业务写入，与设备链路完全隔离。
type MonitorServer struct {
	addr      string
	router    *mux.Router
	server    *http.Server
	registry  inter.SessionRegistry
	logger    zerolog.Logger
	startTime time.Time
}

// NewMonitorServer 创建监控服务实例
func NewMonitorServer(addr string, registry inter.SessionRegistry, logger zerolog.Logger) *MonitorServer {
	s := &MonitorServer{
		addr:      addr,
		router:    mux.NewRouter(),
		registry:  registry,
		logger:    logger.With().Str("component", "monitor").Logger(),
		startTime: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *MonitorServer) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/sessions", s.handleSessions).Methods("GET")
	api.HandleFunc("/sessions/{serial}", s.handleSession).Methods("GET")
}

// Handler 暴露路由器，测试直接挂 httptest 使用
func (s *MonitorServer) Handler() http.Handler {
	return s.router
}

// Run 启动监控服务并阻塞直到上下文取消
func (s *MonitorServer) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("监控服务已启动")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// handleStatus 服务概览
func (s *MonitorServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":   "ok",
		"uptime":   time.Since(s.startTime).String(),
		"sessions": s.registry.Count(),
	}, http.StatusOK)
}

// handleSessions 全部活跃会话快照
func (s *MonitorServer) handleSessions(w http.ResponseWriter, _ *http.Request) {
	snaps := s.registry.Snapshot()
	s.writeJSON(w, map[string]any{
		"count":    len(snaps),
		"sessions": snaps,
	}, http.StatusOK)
}

// handleSession 按设备序列号查询单个会话
func (s *MonitorServer) handleSession(w http.ResponseWriter, r *http.Request) {
	serial := mux.Vars(r)["serial"]
	for _, snap := range s.registry.Snapshot() {
		if strconv.FormatUint(uint64(snap.Serial), 10) == serial {
			s.writeJSON(w, snap, http.StatusOK)
			return
		}
	}
	s.writeJSON(w, map[string]any{"error": "session not found"}, http.StatusNotFound)
}

func (s *MonitorServer) writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("响应序列化失败")
	}
}
