package testserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"AIHubRealtime/internal/protocol"
)

// 服务端模拟的线上格式
const (
	DialectGemini = "gemini"
	DialectOpenAI = "openai"
)

// ServerConfig 模拟服务器配置
type ServerConfig struct {
	Addr    string
	Dialect string

	SetupDelay      time.Duration // 回复setup确认前的延迟
	SkipSetupAck    bool          // 不回复setup确认，用于超时测试
	EchoText        bool          // 轮次结束时回显用户文本
	ReplyAudio      bool          // 回显时附带一段PCM音频
	RequireKey      string        // 非空时校验密钥，不匹配返回401
	MaxConnections  int
	ReadBufferSize  int
	WriteBufferSize int

	// OnSetup setup确认后在独立协程中调用，send 向该连接发送原始帧
	OnSetup func(connID string, send func(raw []byte) error)
}

// DefaultServerConfig 返回默认配置，addr 为空时使用随机端口
func DefaultServerConfig(addr string) *ServerConfig {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	return &ServerConfig{
		Addr:            addr,
		Dialect:         DialectGemini,
		EchoText:        true,
		MaxConnections:  16,
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
	}
}

// ConnectionStats 连接统计信息
type ConnectionStats struct {
	ConnectedAt      time.Time
	MessagesReceived atomic.Uint64
	MessagesSent     atomic.Uint64
	LastActivity     atomic.Int64 // unix nano
	BytesReceived    atomic.Uint64
	BytesSent        atomic.Uint64
}

// Connection 一个客户端会话
type Connection struct {
	ID    string
	Conn  *websocket.Conn
	Model string
	Stats *ConnectionStats

	stopChan  chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
}

// safeClose 安全关闭连接的stopChan
func (c *Connection) safeClose() {
	c.closeOnce.Do(func() {
		close(c.stopChan)
	})
}

// Frame 服务器收到的一帧客户端消息
type Frame struct {
	ConnID string
	At     time.Time
	Raw    []byte
}

// Server 模拟 Gemini Live / OpenAI Realtime 的WebSocket服务器
type Server struct {
	config   *ServerConfig
	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	connections sync.Map // map[string]*Connection
	connCount   atomic.Int32
	connWg      sync.WaitGroup

	framesMu sync.Mutex
	frames   []Frame
	framesCh chan struct{}

	isRunning        atomic.Bool
	totalConnections atomic.Uint64
	totalMessages    atomic.Uint64
	startTime        time.Time
}

// New 创建模拟服务器
func New(config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig("")
	}
	if config.Dialect == "" {
		config.Dialect = DialectGemini
	}

	server := &Server{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		framesCh:  make(chan struct{}, 1),
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.handleWebSocket)
	mux.HandleFunc("/stats", server.handleStats)
	mux.HandleFunc("/control", server.handleControl)

	server.server = &http.Server{Handler: mux}
	return server
}

// Start 监听并启动服务器，返回后即可连接
func (s *Server) Start() error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("server is already running")
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		s.isRunning.Store(false)
		return fmt.Errorf("listen failed: %w", err)
	}
	s.listener = ln

	log.Printf("Starting mock live server (%s) on %s", s.config.Dialect, ln.Addr())

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Addr 实际监听地址
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// URL WebSocket 连接地址
func (s *Server) URL() string {
	return "ws://" + s.Addr() + "/ws"
}

// Shutdown 关闭服务器
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.isRunning.CompareAndSwap(true, false) {
		return nil
	}

	log.Printf("Shutting down mock live server...")

	s.connections.Range(func(key, value interface{}) bool {
		s.closeConnection(value.(*Connection), websocket.CloseGoingAway, "Server shutdown")
		return true
	})
	s.connWg.Wait()

	return s.server.Shutdown(ctx)
}

// ForceDisconnectAll 发送关闭帧断开所有连接
func (s *Server) ForceDisconnectAll(code int, reason string) {
	log.Printf("Force disconnecting all connections")
	s.connections.Range(func(key, value interface{}) bool {
		s.closeConnection(value.(*Connection), code, reason)
		return true
	})
}

// DropAll 不发送关闭帧直接断开底层连接
func (s *Server) DropAll() {
	s.connections.Range(func(key, value interface{}) bool {
		conn := value.(*Connection)
		conn.mu.Lock()
		conn.Conn.Close()
		conn.mu.Unlock()
		return true
	})
}

// Push 向所有已完成setup的连接推送一条 Gemini 消息
func (s *Server) Push(msg *genai.LiveServerMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal server message failed: %w", err)
	}
	return s.PushRaw(raw)
}

// PushRaw 向所有连接推送原始文本帧
func (s *Server) PushRaw(raw []byte) error {
	var firstErr error
	s.connections.Range(func(key, value interface{}) bool {
		if err := s.sendRaw(value.(*Connection), raw); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// Frames 返回收到的全部客户端帧（含setup）
func (s *Server) Frames() []Frame {
	s.framesMu.Lock()
	defer s.framesMu.Unlock()
	out := make([]Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

// WaitForFrames 等待收到至少 n 帧
func (s *Server) WaitForFrames(n int, timeout time.Duration) ([]Frame, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		frames := s.Frames()
		if len(frames) >= n {
			return frames, true
		}
		select {
		case <-s.framesCh:
		case <-deadline.C:
			return s.Frames(), false
		}
	}
}

// ResetFrames 清空已记录的帧
func (s *Server) ResetFrames() {
	s.framesMu.Lock()
	s.frames = nil
	s.framesMu.Unlock()
}

func (s *Server) recordFrame(conn *Connection, raw []byte) {
	s.framesMu.Lock()
	s.frames = append(s.frames, Frame{ConnID: conn.ID, At: time.Now(), Raw: raw})
	s.framesMu.Unlock()

	select {
	case s.framesCh <- struct{}{}:
	default:
	}
}

// handleWebSocket 处理WebSocket连接
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.connCount.Load() >= int32(s.config.MaxConnections) {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	connID := fmt.Sprintf("conn_%d_%d", time.Now().UnixNano(), s.totalConnections.Add(1))
	conn := &Connection{
		ID:       connID,
		Conn:     wsConn,
		Model:    r.URL.Query().Get("model"),
		Stats:    &ConnectionStats{ConnectedAt: time.Now()},
		stopChan: make(chan struct{}),
	}
	conn.Stats.LastActivity.Store(time.Now().UnixNano())

	s.connections.Store(connID, conn)
	s.connCount.Add(1)

	log.Printf("New connection: %s from %s", connID, r.RemoteAddr)

	s.handleConnection(conn)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.config.RequireKey == "" {
		return true
	}
	if r.URL.Query().Get("key") == s.config.RequireKey {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.config.RequireKey
}

// handleConnection 处理单个连接的生命周期
func (s *Server) handleConnection(conn *Connection) {
	s.connWg.Add(1)
	defer func() {
		s.closeConnection(conn, websocket.CloseNormalClosure, "Connection ended")
		s.connWg.Done()
	}()

	if !s.handleSetup(conn) {
		return
	}
	if s.config.OnSetup != nil {
		go s.config.OnSetup(conn.ID, func(raw []byte) error {
			return s.sendRaw(conn, raw)
		})
	}
	s.messageReadLoop(conn)
}

// handleSetup 读取第一帧setup并按配置回复确认
func (s *Server) handleSetup(conn *Connection) bool {
	conn.Conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	_, raw, err := conn.Conn.ReadMessage()
	if err != nil {
		log.Printf("Read setup message failed: %v", err)
		return false
	}
	conn.Conn.SetReadDeadline(time.Time{})
	s.countReceived(conn, raw)
	s.recordFrame(conn, raw)

	var ack []byte
	switch s.config.Dialect {
	case DialectOpenAI:
		ev := struct {
			Type string `json:"type"`
		}{}
		if err := json.Unmarshal(raw, &ev); err != nil || ev.Type != protocol.OAISessionUpdate {
			log.Printf("Expected session.update, got %s", truncate(raw))
			return false
		}
		ack = mustJSON(map[string]any{"type": protocol.OAISessionUpdated, "event_id": "evt_server_setup"})
	default:
		var msg genai.LiveClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Setup == nil {
			log.Printf("Expected setup message, got %s", truncate(raw))
			return false
		}
		conn.Model = msg.Setup.Model
		ack = mustJSON(&genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{SessionID: conn.ID}})
	}

	if s.config.SkipSetupAck {
		return true
	}
	if s.config.SetupDelay > 0 {
		select {
		case <-time.After(s.config.SetupDelay):
		case <-conn.stopChan:
			return false
		}
	}
	if err := s.sendRaw(conn, ack); err != nil {
		log.Printf("Send setup ack failed: %v", err)
		return false
	}

	log.Printf("Setup complete: %s model=%s", conn.ID, conn.Model)
	return true
}

// messageReadLoop 消息读取循环
func (s *Server) messageReadLoop(conn *Connection) {
	defer conn.safeClose()

	conn.Conn.SetReadLimit(protocol.MaxMessageSize)

	for {
		_, raw, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Connection read error: %v", err)
			}
			return
		}

		s.countReceived(conn, raw)
		s.recordFrame(conn, raw)
		s.handleMessage(conn, raw)
	}
}

func (s *Server) countReceived(conn *Connection, raw []byte) {
	conn.Stats.MessagesReceived.Add(1)
	conn.Stats.BytesReceived.Add(uint64(len(raw)))
	conn.Stats.LastActivity.Store(time.Now().UnixNano())
	s.totalMessages.Add(1)
}

// handleMessage 按线上格式处理客户端消息
func (s *Server) handleMessage(conn *Connection, raw []byte) {
	if !s.config.EchoText {
		return
	}
	switch s.config.Dialect {
	case DialectOpenAI:
		s.handleOpenAIEvent(conn, raw)
	default:
		s.handleGeminiMessage(conn, raw)
	}
}

func (s *Server) handleGeminiMessage(conn *Connection, raw []byte) {
	var msg genai.LiveClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("Decode client message failed: %v", err)
		return
	}
	if msg.ClientContent == nil || !msg.ClientContent.TurnComplete {
		return
	}

	var text strings.Builder
	for _, turn := range msg.ClientContent.Turns {
		text.WriteString(protocol.PartsText(turn.Parts))
	}

	parts := []*genai.Part{genai.NewPartFromText("echo: " + text.String())}
	if s.config.ReplyAudio {
		parts = append(parts, genai.NewPartFromBytes(make([]byte, 320), "audio/pcm;rate=24000"))
	}

	replies := []*genai.LiveServerMessage{
		{ServerContent: &genai.LiveServerContent{ModelTurn: genai.NewContentFromParts(parts, genai.RoleModel)}},
		{ServerContent: &genai.LiveServerContent{TurnComplete: true}},
	}
	for _, reply := range replies {
		if err := s.sendRaw(conn, mustJSON(reply)); err != nil {
			log.Printf("Send reply failed: %v", err)
			return
		}
	}
}

func (s *Server) handleOpenAIEvent(conn *Connection, raw []byte) {
	var ev struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Type != protocol.OAIResponseCreate {
		return
	}

	replies := []map[string]any{
		{"type": protocol.OAIResponseCreated},
		{"type": protocol.OAIResponseTextDelta, "delta": "echo"},
	}
	if s.config.ReplyAudio {
		replies = append(replies, map[string]any{
			"type":  protocol.OAIResponseAudioDelta,
			"delta": base64.StdEncoding.EncodeToString(make([]byte, 320)),
		})
	}
	replies = append(replies, map[string]any{"type": protocol.OAIResponseDone})

	for _, reply := range replies {
		if err := s.sendRaw(conn, mustJSON(reply)); err != nil {
			log.Printf("Send reply failed: %v", err)
			return
		}
	}
}

// sendRaw 发送文本帧给指定连接
func (s *Server) sendRaw(conn *Connection, raw []byte) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	conn.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	err := conn.Conn.WriteMessage(websocket.TextMessage, raw)
	if err == nil {
		conn.Stats.MessagesSent.Add(1)
		conn.Stats.BytesSent.Add(uint64(len(raw)))
	}
	return err
}

// closeConnection 关闭连接
func (s *Server) closeConnection(conn *Connection, code int, reason string) {
	if _, loaded := s.connections.LoadAndDelete(conn.ID); !loaded {
		return
	}
	s.connCount.Add(-1)

	conn.mu.Lock()
	conn.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	conn.Conn.Close()
	conn.mu.Unlock()

	conn.safeClose()

	log.Printf("Connection closed: %s, reason: %s", conn.ID, reason)
}

// handleStats 处理统计信息请求
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.GetStats())
}

// handleControl 处理控制命令
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch r.URL.Query().Get("action") {
	case "disconnect_all":
		s.ForceDisconnectAll(websocket.CloseNormalClosure, "Force disconnect")
		fmt.Fprintf(w, "Disconnected all connections")
	case "drop_all":
		s.DropAll()
		fmt.Fprintf(w, "Dropped all connections")
	case "go_away":
		err := s.Push(&genai.LiveServerMessage{GoAway: &genai.LiveServerGoAway{TimeLeft: 10 * time.Second}})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "GoAway sent")
	default:
		http.Error(w, "Unknown action", http.StatusBadRequest)
	}
}

// GetStats 获取服务器统计信息
func (s *Server) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"running":             s.isRunning.Load(),
		"dialect":             s.config.Dialect,
		"uptime_seconds":      time.Since(s.startTime).Seconds(),
		"current_connections": s.connCount.Load(),
		"total_connections":   s.totalConnections.Load(),
		"total_messages":      s.totalMessages.Load(),
	}
}

// GetConnectionStats 获取连接统计信息
func (s *Server) GetConnectionStats() map[string]*ConnectionStats {
	stats := make(map[string]*ConnectionStats)
	s.connections.Range(func(key, value interface{}) bool {
		stats[key.(string)] = value.(*Connection).Stats
		return true
	})
	return stats
}

func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

func truncate(raw []byte) string {
	if len(raw) > 128 {
		return string(raw[:128]) + "..."
	}
	return string(raw)
}
