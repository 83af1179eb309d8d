// Package httpserver 会话日志查看与控制的 HTTP API
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"AIHubRealtime/internal/aiclient"
	"AIHubRealtime/internal/logstore"
	"AIHubRealtime/internal/metrics"
)

// Session 服务端需要的会话能力
type Session interface {
	Client() aiclient.AIClient
	CanSend() bool
	SendText(text string) bool
	Muted() bool
	SetMuted(muted bool) error
	Volume() float64
	Transcript() string
	AudioActive() bool
	FramesActive() bool
}

// APIResponse 统一响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// StateData 会话状态
type StateData struct {
	Provider     string  `json:"provider"`
	State        string  `json:"state"`
	SessionID    string  `json:"session_id,omitempty"`
	CanSend      bool    `json:"can_send"`
	Muted        bool    `json:"muted"`
	Volume       float64 `json:"volume"`
	AudioActive  bool    `json:"audio_active"`
	FramesActive bool    `json:"frames_active"`
	Transcript   string  `json:"transcript"`
	LogEntries   int     `json:"log_entries"`
	Viewers      int     `json:"viewers"`
}

// APIServer 日志查看服务
type APIServer struct {
	router  *mux.Router
	server  *http.Server
	store   *logstore.Store
	stream  *logstore.Stream
	session Session
	metrics *metrics.Collector

	listener net.Listener
	running  bool

	// 统计信息
	requestCount int64
	errorCount   int64
	startTime    time.Time
	mu           sync.RWMutex
}

// NewAPIServer 创建服务，session 与 m 可为空
func NewAPIServer(addr string, store *logstore.Store, session Session, m *metrics.Collector) *APIServer {
	server := &APIServer{
		router:    mux.NewRouter(),
		store:     store,
		stream:    logstore.NewStream(store),
		session:   session,
		metrics:   m,
		startTime: time.Now(),
	}

	server.setupRoutes()

	// 设置CORS
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})

	server.server = &http.Server{
		Addr:        addr,
		Handler:     c.Handler(server.router),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return server
}

// Handler 路由处理器，用于测试
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

// setupRoutes 设置路由
func (s *APIServer) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.countingMiddleware)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.healthCheckHandler).Methods("GET")
	api.HandleFunc("/logs", s.getLogsHandler).Methods("GET")
	api.HandleFunc("/logs/export", s.exportLogsHandler).Methods("GET")
	api.HandleFunc("/state", s.getStateHandler).Methods("GET")
	api.HandleFunc("/send", s.sendTextHandler).Methods("POST")
	api.HandleFunc("/mute", s.muteHandler).Methods("POST")
	api.HandleFunc("/stats", s.statsHandler).Methods("GET")

	s.router.Handle("/ws/logs", s.stream)

	if reg := s.metrics.Registry(); reg != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
}

// 中间件
func (s *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s %v", r.Method, r.RequestURI, r.RemoteAddr, time.Since(start))
	})
}

func (s *APIServer) countingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requestCount++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *APIServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	s.writeSuccessResponse(w, map[string]string{"status": "ok"})
}

func (s *APIServer) getLogsHandler(w http.ResponseWriter, r *http.Request) {
	kind, err := logstore.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}

	entries := s.store.Filtered(kind)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeErrorResponse(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		if limit < len(entries) {
			entries = entries[len(entries)-limit:]
		}
	}

	s.writeSuccessResponse(w, entries)
}

func (s *APIServer) exportLogsHandler(w http.ResponseWriter, r *http.Request) {
	kind, err := logstore.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}

	format := r.URL.Query().Get("format")
	switch format {
	case "", logstore.FormatJSON:
		w.Header().Set("Content-Type", "application/json")
	case logstore.FormatYAML:
		w.Header().Set("Content-Type", "application/yaml")
	default:
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_format", "format must be json or yaml")
		return
	}

	if err := s.store.Export(w, format, kind); err != nil {
		log.Printf("Export logs failed: %v", err)
	}
}

func (s *APIServer) getStateHandler(w http.ResponseWriter, r *http.Request) {
	data := StateData{
		State:      aiclient.StateIdle.String(),
		LogEntries: s.store.Len(),
		Viewers:    s.stream.Viewers(),
	}
	if s.session != nil {
		client := s.session.Client()
		data.Provider = string(client.Provider())
		data.State = client.State().String()
		data.SessionID = client.SessionID()
		data.CanSend = s.session.CanSend()
		data.Muted = s.session.Muted()
		data.Volume = s.session.Volume()
		data.AudioActive = s.session.AudioActive()
		data.FramesActive = s.session.FramesActive()
		data.Transcript = s.session.Transcript()
	}
	s.writeSuccessResponse(w, data)
}

func (s *APIServer) sendTextHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if s.session == nil || !s.session.SendText(req.Text) {
		s.writeErrorResponse(w, http.StatusConflict, "send_disabled", "not connected or empty text")
		return
	}
	s.writeSuccessResponse(w, map[string]bool{"sent": true})
}

func (s *APIServer) muteHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Muted bool `json:"muted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if s.session == nil {
		s.writeErrorResponse(w, http.StatusConflict, "no_session", "no active session")
		return
	}
	if err := s.session.SetMuted(req.Muted); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, aiclient.ErrDevice) {
			status = http.StatusServiceUnavailable
		}
		s.writeErrorResponse(w, status, "device_error", err.Error())
		return
	}
	s.writeSuccessResponse(w, map[string]bool{"muted": req.Muted})
}

func (s *APIServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.GetStats()
	stats["logs"] = s.store.GetStats()
	s.writeSuccessResponse(w, stats)
}

func (s *APIServer) writeSuccessResponse(w http.ResponseWriter, data interface{}) {
	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	s.writeJSONResponse(w, http.StatusOK, response)
}

func (s *APIServer) writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	s.mu.Lock()
	s.errorCount++
	s.mu.Unlock()

	response := APIResponse{
		Success:   false,
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UnixMilli(),
	}
	s.writeJSONResponse(w, statusCode, response)
}

func (s *APIServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// Start 监听并服务，直到 Stop
func (s *APIServer) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.running = true
	s.mu.Unlock()

	go s.stream.Run()

	log.Printf("Starting log viewer on %s", ln.Addr())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr 实际监听地址
func (s *APIServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Stop 停止服务器
func (s *APIServer) Stop(ctx context.Context) error {
	log.Printf("Stopping log viewer")
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()
	if running {
		s.stream.Stop()
	}
	return s.server.Shutdown(ctx)
}

// GetStats 获取服务器统计信息
func (s *APIServer) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]interface{}{
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"total_requests": s.requestCount,
		"error_count":    s.errorCount,
	}
}
