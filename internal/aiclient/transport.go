package aiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"AIHubRealtime/internal/logstore"
	"AIHubRealtime/internal/protocol"
)

// dialect 提供方之间的线上格式差异
type dialect interface {
	endpoint(cfg Config) (string, http.Header, error)
	setupFrame(cfg Config) (raw []byte, logged any, err error)
	handleFrame(s *liveSession, raw []byte)
}

// liveSession 一次连接的生命周期，断开后不再复用
type liveSession struct {
	id       string
	ws       *websocket.Conn
	started  time.Time
	setupCh  chan struct{}
	readDone chan struct{}
	readErr  error

	setupOnce  sync.Once
	closeOnce  sync.Once
	closing    atomic.Bool
	inDispatch atomic.Bool
}

func newLiveSession(ws *websocket.Conn) *liveSession {
	return &liveSession{
		id:       uuid.NewString(),
		ws:       ws,
		started:  time.Now(),
		setupCh:  make(chan struct{}),
		readDone: make(chan struct{}),
	}
}

func (s *liveSession) signalSetup() {
	s.setupOnce.Do(func() { close(s.setupCh) })
}

func (s *liveSession) close() {
	s.closeOnce.Do(func() { s.ws.Close() })
}

// transport 两种客户端共享的连接核心：状态机、读循环、串行写入
type transport struct {
	provider Provider
	conn     Connection
	store    *logstore.Store
	events   *Emitter
	opts     Options
	dialect  dialect

	state atomic.Int32

	mu            sync.RWMutex
	session       *liveSession
	cancelConnect context.CancelFunc

	// 专用于WebSocket写入同步
	writeMu sync.Mutex
}

func newTransport(provider Provider, conn Connection, store *logstore.Store, opts []Option, d dialect) *transport {
	if store == nil {
		store = logstore.New()
	}
	t := &transport{
		provider: provider,
		conn:     conn,
		store:    store,
		events:   NewEmitter(),
		opts:     buildOptions(opts),
		dialect:  d,
	}
	t.state.Store(int32(StateIdle))
	return t
}

// Provider 返回提供方
func (t *transport) Provider() Provider { return t.provider }

// State 返回当前连接状态
func (t *transport) State() ConnectionState {
	return ConnectionState(t.state.Load())
}

// SessionID 返回当前会话ID，无会话时为空
func (t *transport) SessionID() string {
	if s := t.current(); s != nil {
		return s.id
	}
	return ""
}

// Events 返回事件分发器
func (t *transport) Events() *Emitter { return t.events }

// On 注册事件监听者
func (t *transport) On(event EventType, fn Listener) ListenerID {
	return t.events.On(event, fn)
}

// Off 注销事件监听者
func (t *transport) Off(event EventType, id ListenerID) {
	t.events.Off(event, id)
}

// Log 以客户端身份写入日志并发出 log 事件
func (t *transport) Log(typ string, message any) {
	t.logFrom(typ, protocol.SourceClient, message)
}

func (t *transport) logFrom(typ, source string, message any) {
	entry, _ := t.store.Append(logstore.StreamingLog{
		Timestamp: time.Now(),
		Type:      typ,
		Source:    source,
		Message:   message,
	})
	t.opts.Metrics.LogAppended()
	t.events.Emit(EventLog, entry)
}

// compareAndSwapState 原子性状态切换，成功时发出 statechange
func (t *transport) compareAndSwapState(oldState, newState ConnectionState) bool {
	if !t.state.CompareAndSwap(int32(oldState), int32(newState)) {
		return false
	}
	t.opts.Metrics.StateChanged(string(t.provider), oldState.String(), newState.String())
	t.events.Emit(EventStateChange, StateChange{Old: oldState, New: newState, At: time.Now()})
	return true
}

func (t *transport) current() *liveSession {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.session
}

func (t *transport) isOpen() bool {
	return t.State() == StateOpen && t.current() != nil
}

// requireOpen 非 open 状态下记录日志并返回 NotConnectedError
func (t *transport) requireOpen(op string) error {
	if t.isOpen() {
		return nil
	}
	err := &NotConnectedError{Op: op, State: t.State()}
	t.logFrom(protocol.LogClientError, protocol.SourceClient, err.Error())
	return err
}

// Connect 拨号、发送setup并等待确认
func (t *transport) Connect(ctx context.Context, cfg Config) error {
	if err := t.conn.Validate(); err != nil {
		t.logFrom(protocol.LogClientError, protocol.SourceClient, err.Error())
		return err
	}
	if err := cfg.Validate(); err != nil {
		t.logFrom(protocol.LogClientError, protocol.SourceClient, err.Error())
		return err
	}

	if !t.beginConnect() {
		return ErrAlreadyConnected
	}

	connectCtx, cancel := context.WithTimeout(ctx, t.opts.SetupTimeout)
	t.mu.Lock()
	t.cancelConnect = cancel
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.cancelConnect = nil
		t.mu.Unlock()
		cancel()
	}()

	start := time.Now()

	endpoint, header, err := t.dialect.endpoint(cfg)
	if err != nil {
		return t.failConnect(nil, "endpoint", err, start)
	}

	ws, err := t.dial(connectCtx, endpoint, header)
	if err != nil {
		return t.failConnect(nil, "dial", contextCause(connectCtx, err), start)
	}
	ws.SetReadLimit(protocol.MaxMessageSize)

	s := newLiveSession(ws)
	t.mu.Lock()
	t.session = s
	t.mu.Unlock()

	// Disconnect 可能在拨号期间发生
	if t.State() != StateConnecting {
		s.closing.Store(true)
		t.teardown(s)
		close(s.readDone)
		return &ConnectionError{Op: "dial", Err: ErrDisconnected}
	}

	t.events.Emit(EventOpen, nil)
	t.logFrom(protocol.LogClientOpen, protocol.SourceClient, redactURL(endpoint))

	go t.readLoop(s)

	raw, logged, err := t.dialect.setupFrame(cfg)
	if err != nil {
		return t.failConnect(s, "setup", err, start)
	}
	if err := t.writeFrame(s, "setup", raw); err != nil {
		return t.failConnect(s, "setup", err, start)
	}
	t.logFrom(protocol.LogClientSend, protocol.SourceClient, logged)

	select {
	case <-s.setupCh:
		t.opts.Metrics.ConnectObserved(string(t.provider), "ok", time.Since(start).Seconds())
		return nil
	case <-s.readDone:
		select {
		case <-s.setupCh:
			return nil
		default:
		}
		cause := s.readErr
		if cause == nil {
			cause = ErrDisconnected
		}
		return t.failConnect(s, "setup", cause, start)
	case <-connectCtx.Done():
		if t.State() == StateOpen {
			return nil
		}
		return t.failConnect(s, "setup", contextCause(connectCtx, connectCtx.Err()), start)
	}
}

// beginConnect 从 idle/closed/errored 切换到 connecting
func (t *transport) beginConnect() bool {
	for {
		cur := t.State()
		if !cur.canConnect() {
			return false
		}
		if t.compareAndSwapState(cur, StateConnecting) {
			return true
		}
	}
}

// dial 在连接时限内按指数退避重试拨号，4xx 拒绝不重试
func (t *transport) dial(ctx context.Context, endpoint string, header http.Header) (*websocket.Conn, error) {
	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = t.opts.DialBackoff
	backOff.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(backOff, uint64(t.opts.DialRetries)), ctx)

	var ws *websocket.Conn
	err := backoff.Retry(func() error {
		conn, resp, err := t.opts.Dialer.DialContext(ctx, endpoint, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(fmt.Errorf("handshake rejected: %s: %w", resp.Status, err))
			}
			return fmt.Errorf("dial failed: %w", err)
		}
		ws = conn
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// failConnect 连接失败：connecting 转入 errored 并发出 close 与 log
func (t *transport) failConnect(s *liveSession, op string, cause error, start time.Time) error {
	st := t.State()
	if st == StateClosing || st == StateClosed {
		cause = ErrDisconnected
	}
	cerr := &ConnectionError{Op: op, Err: cause}
	t.opts.Metrics.ConnectObserved(string(t.provider), "error", time.Since(start).Seconds())

	if t.compareAndSwapState(StateConnecting, StateErrored) {
		if s != nil {
			s.closing.Store(true)
			t.teardown(s)
		}
		t.logFrom(protocol.LogClientError, protocol.SourceClient, cerr.Error())
		t.events.Emit(EventClose, CloseEvent{Reason: cerr.Error(), Err: cerr})
	} else if s != nil && t.State() != StateOpen {
		t.teardown(s)
	}
	return cerr
}

// teardown 关闭底层连接并解除会话绑定
func (t *transport) teardown(s *liveSession) {
	s.close()
	t.mu.Lock()
	if t.session == s {
		t.session = nil
	}
	t.mu.Unlock()
}

// Disconnect 关闭连接，任意状态下可调用
func (t *transport) Disconnect() error {
	for {
		cur := t.State()
		if cur == StateIdle || cur == StateClosing || cur == StateClosed || cur == StateErrored {
			return nil
		}
		if t.compareAndSwapState(cur, StateClosing) {
			break
		}
	}

	t.mu.RLock()
	s := t.session
	cancel := t.cancelConnect
	t.mu.RUnlock()

	if cancel != nil {
		cancel()
	}

	if s != nil {
		s.closing.Store(true)

		t.writeMu.Lock()
		s.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = s.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"))
		t.writeMu.Unlock()

		t.teardown(s)

		// 在事件回调中调用时读循环无法先退出
		if !s.inDispatch.Load() {
			<-s.readDone
		}
	}

	t.compareAndSwapState(StateClosing, StateClosed)
	t.logFrom(protocol.LogClientClose, protocol.SourceClient, "client disconnect")
	if s != nil {
		t.events.Emit(EventClose, CloseEvent{Code: websocket.CloseNormalClosure, Reason: "client disconnect"})
	}
	return nil
}

// readLoop 每个会话一个读协程，按到达顺序分发
func (t *transport) readLoop(s *liveSession) {
	defer close(s.readDone)

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			s.readErr = err
			t.handleReadError(s, err)
			return
		}
		if s.closing.Load() {
			return
		}

		t.observe(s, "in", raw)

		s.inDispatch.Store(true)
		t.dialect.handleFrame(s, raw)
		s.inDispatch.Store(false)
	}
}

// handleReadError 对端关闭走 closing→closed，其余错误转入 errored
func (t *transport) handleReadError(s *liveSession, err error) {
	if s.closing.Load() {
		return
	}

	// 1006 表示底层连接中断，按传输错误处理
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure &&
		t.compareAndSwapState(StateOpen, StateClosing) {
		t.teardown(s)
		t.compareAndSwapState(StateClosing, StateClosed)
		t.logFrom(protocol.LogServerClose, protocol.SourceServer,
			fmt.Sprintf("code %d: %s", closeErr.Code, closeErr.Text))
		t.events.Emit(EventClose, CloseEvent{Code: closeErr.Code, Reason: closeErr.Text})
		return
	}

	t.failTransport(s, "read", err)
}

// failTransport 传输错误：当前会话转入 errored
func (t *transport) failTransport(s *liveSession, op string, err error) {
	if s.closing.Load() {
		return
	}
	cur := t.State()
	if cur != StateOpen && cur != StateConnecting {
		return
	}
	if !t.compareAndSwapState(cur, StateErrored) {
		return
	}

	s.closing.Store(true)
	t.teardown(s)

	cerr := &ConnectionError{Op: op, Err: err}
	event := CloseEvent{Reason: err.Error(), Err: cerr}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		event.Code = closeErr.Code
		event.Reason = closeErr.Text
	}
	t.logFrom(protocol.LogServerError, protocol.SourceServer, cerr.Error())
	t.events.Emit(EventClose, event)
}

// writeFrame 串行写入一帧
func (t *transport) writeFrame(s *liveSession, kind string, raw []byte) error {
	t.writeMu.Lock()
	t.observe(s, "out", raw)
	s.ws.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	err := s.ws.WriteMessage(websocket.TextMessage, raw)
	t.writeMu.Unlock()

	if err != nil {
		t.failTransport(s, "write", err)
		return &ConnectionError{Op: "write", Err: err}
	}

	t.opts.Metrics.FrameSent(string(t.provider), kind, len(raw))
	return nil
}

// write 写入当前会话
func (t *transport) write(kind string, raw []byte) error {
	s := t.current()
	if s == nil {
		return &NotConnectedError{Op: kind, State: t.State()}
	}
	return t.writeFrame(s, kind, raw)
}

func (t *transport) observe(s *liveSession, direction string, raw []byte) {
	if t.opts.Observer != nil {
		t.opts.Observer.OnFrame(s.id, direction, raw)
	}
}

// emit 会话关闭中不再发出事件
func (t *transport) emit(s *liveSession, event EventType, payload any) {
	if s.closing.Load() {
		return
	}
	t.events.Emit(event, payload)
}

// dropRealtime 非 open 状态或写入失败时丢弃实时输入，只记一条日志
func (t *transport) dropRealtime(chunks []Chunk) {
	t.opts.Metrics.Dropped(string(t.provider), "not_connected")
	t.logFrom(protocol.LogClientRealtimeInput, protocol.SourceClient,
		fmt.Sprintf("dropped %s: not connected (state=%s)", describeChunks(chunks), t.State()))
}

// describeChunks 概括分片类型
func describeChunks(chunks []Chunk) string {
	var hasAudio, hasVideo bool
	for _, ch := range chunks {
		switch {
		case isAudioMIME(ch.MIMEType):
			hasAudio = true
		case isImageMIME(ch.MIMEType):
			hasVideo = true
		}
	}
	switch {
	case hasAudio && hasVideo:
		return "audio + video"
	case hasAudio:
		return "audio"
	case hasVideo:
		return "video"
	case len(chunks) == 0:
		return "empty chunk list"
	default:
		return "unknown"
	}
}

func isAudioMIME(m string) bool { return len(m) >= 6 && m[:6] == "audio/" }
func isImageMIME(m string) bool { return len(m) >= 6 && m[:6] == "image/" }

// contextCause 超时统一为 ErrSetupTimeout
func contextCause(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrSetupTimeout, err)
	}
	return err
}

// redactURL 去掉查询参数，避免密钥进入日志
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "connected"
	}
	u.RawQuery = ""
	return "connected to " + u.String()
}

func truncate(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}
