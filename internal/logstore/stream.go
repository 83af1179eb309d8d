package logstore

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// viewer 一个日志流观察者
type viewer struct {
	conn        *websocket.Conn
	filter      func(StreamingLog) bool
	send        chan StreamingLog
	unsubscribe func()

	mu     sync.Mutex
	closed bool
}

// deliver 由存储的订阅回调调用，观察者跟不上时丢弃
func (v *viewer) deliver(entry StreamingLog, _ bool) {
	if !v.filter(entry) {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	select {
	case v.send <- entry:
	default:
		log.Printf("Log viewer too slow, dropping entry")
	}
}

func (v *viewer) close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	if v.unsubscribe != nil {
		v.unsubscribe()
	}
	close(v.send)
}

// Stream 将日志实时推送给WebSocket观察者
type Stream struct {
	store      *Store
	viewers    map[*viewer]bool
	register   chan *viewer
	unregister chan *viewer
	stopCh     chan struct{}
	doneCh     chan struct{}
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

// NewStream 创建日志流
func NewStream(store *Store) *Stream {
	return &Stream{
		store:      store,
		viewers:    make(map[*viewer]bool),
		register:   make(chan *viewer),
		unregister: make(chan *viewer),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Run 管理观察者登记，直到 Stop
func (s *Stream) Run() {
	defer func() {
		s.mu.Lock()
		for v := range s.viewers {
			delete(s.viewers, v)
			v.close()
		}
		s.mu.Unlock()
		close(s.doneCh)
	}()

	for {
		select {
		case <-s.stopCh:
			return

		case v := <-s.register:
			s.mu.Lock()
			s.viewers[v] = true
			n := len(s.viewers)
			s.mu.Unlock()
			log.Printf("Log viewer connected, viewers: %d", n)

		case v := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.viewers[v]; ok {
				delete(s.viewers, v)
				v.close()
			}
			n := len(s.viewers)
			s.mu.Unlock()
			log.Printf("Log viewer disconnected, viewers: %d", n)
		}
	}
}

// Stop 停止分发并断开所有观察者
func (s *Stream) Stop() {
	select {
	case <-s.stopCh:
		return
	default:
		close(s.stopCh)
	}
	<-s.doneCh
}

// Viewers 当前观察者数量
func (s *Stream) Viewers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.viewers)
}

// ServeHTTP 升级为WebSocket，先回放已有日志再推送新日志
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	kind, err := ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Log stream upgrade failed: %v", err)
		return
	}

	v := &viewer{
		conn:   conn,
		filter: Filter(kind),
		send:   make(chan StreamingLog, 256),
	}
	// 快照与订阅之间没有空档，回放期间的新条目先缓存在 send 中
	snapshot, unsubscribe := s.store.SubscribeFrom(kind, v.deliver)
	v.mu.Lock()
	v.unsubscribe = unsubscribe
	v.mu.Unlock()

	select {
	case s.register <- v:
	case <-s.stopCh:
		v.close()
		conn.Close()
		return
	}

	go s.writeLoop(v, snapshot)

	// 读循环只用于感知断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Log stream read error: %v", err)
			}
			break
		}
	}

	select {
	case s.unregister <- v:
	case <-s.stopCh:
	}
}

func (s *Stream) writeLoop(v *viewer, snapshot []StreamingLog) {
	defer v.conn.Close()

	for _, entry := range snapshot {
		v.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := v.conn.WriteJSON(entry); err != nil {
			log.Printf("Replay log entry failed: %v", err)
			return
		}
	}

	for entry := range v.send {
		v.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := v.conn.WriteJSON(entry); err != nil {
			log.Printf("Write log entry failed: %v", err)
			return
		}
	}
	v.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"),
		time.Now().Add(time.Second))
}
