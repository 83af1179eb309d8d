package aiclient

import (
	"log"
	"sync"

	"google.golang.org/genai"

	"AIHubRealtime/internal/logstore"
)

// EventType 事件名称
type EventType string

const (
	EventOpen                 EventType = "open"
	EventLog                  EventType = "log"
	EventClose                EventType = "close"
	EventAudio                EventType = "audio"
	EventContent              EventType = "content"
	EventInterrupted          EventType = "interrupted"
	EventSetupComplete        EventType = "setupcomplete"
	EventTurnComplete         EventType = "turncomplete"
	EventToolCall             EventType = "toolcall"
	EventToolCallCancellation EventType = "toolcallcancellation"
	EventStateChange          EventType = "statechange"
)

// Listener 事件回调，payload 类型由事件决定
type Listener func(payload any)

// ListenerID 注册返回的句柄，用于 Off
type ListenerID uint64

type listenerEntry struct {
	id ListenerID
	fn Listener
}

// Emitter 每个事件可注册多个监听者，按注册顺序同步调用
type Emitter struct {
	mu        sync.RWMutex
	listeners map[EventType][]listenerEntry
	nextID    ListenerID
}

// NewEmitter 创建事件分发器
func NewEmitter() *Emitter {
	return &Emitter{
		listeners: make(map[EventType][]listenerEntry),
	}
}

// On 注册监听者
func (e *Emitter) On(event EventType, fn Listener) ListenerID {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	e.listeners[event] = append(e.listeners[event], listenerEntry{id: id, fn: fn})
	return id
}

// Off 注销监听者，重复注销无副作用
func (e *Emitter) Off(event EventType, id ListenerID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries := e.listeners[event]
	for i, entry := range entries {
		if entry.id == id {
			next := make([]listenerEntry, 0, len(entries)-1)
			next = append(next, entries[:i]...)
			next = append(next, entries[i+1:]...)
			e.listeners[event] = next
			return
		}
	}
}

// RemoveAll 注销全部监听者
func (e *Emitter) RemoveAll() {
	e.mu.Lock()
	e.listeners = make(map[EventType][]listenerEntry)
	e.mu.Unlock()
}

// ListenerCount 返回事件的监听者数量
func (e *Emitter) ListenerCount(event EventType) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[event])
}

// Emit 同步分发事件；监听者中的panic会被记录，不影响其他监听者
func (e *Emitter) Emit(event EventType, payload any) {
	e.mu.RLock()
	entries := e.listeners[event]
	e.mu.RUnlock()

	for _, entry := range entries {
		e.call(event, entry.fn, payload)
	}
}

func (e *Emitter) call(event EventType, fn Listener, payload any) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Listener for %s panicked: %v", event, r)
		}
	}()
	fn(payload)
}

// 类型化的注册方法

func (e *Emitter) OnOpen(fn func()) ListenerID {
	return e.On(EventOpen, func(any) { fn() })
}

func (e *Emitter) OnSetupComplete(fn func()) ListenerID {
	return e.On(EventSetupComplete, func(any) { fn() })
}

func (e *Emitter) OnInterrupted(fn func()) ListenerID {
	return e.On(EventInterrupted, func(any) { fn() })
}

func (e *Emitter) OnTurnComplete(fn func()) ListenerID {
	return e.On(EventTurnComplete, func(any) { fn() })
}

func (e *Emitter) OnClose(fn func(CloseEvent)) ListenerID {
	return e.On(EventClose, func(p any) { fn(p.(CloseEvent)) })
}

func (e *Emitter) OnLog(fn func(logstore.StreamingLog)) ListenerID {
	return e.On(EventLog, func(p any) { fn(p.(logstore.StreamingLog)) })
}

func (e *Emitter) OnAudio(fn func([]byte)) ListenerID {
	return e.On(EventAudio, func(p any) { fn(p.([]byte)) })
}

func (e *Emitter) OnContent(fn func(*genai.LiveServerContent)) ListenerID {
	return e.On(EventContent, func(p any) { fn(p.(*genai.LiveServerContent)) })
}

func (e *Emitter) OnToolCall(fn func(*genai.LiveServerToolCall)) ListenerID {
	return e.On(EventToolCall, func(p any) { fn(p.(*genai.LiveServerToolCall)) })
}

func (e *Emitter) OnToolCallCancellation(fn func(*genai.LiveServerToolCallCancellation)) ListenerID {
	return e.On(EventToolCallCancellation, func(p any) { fn(p.(*genai.LiveServerToolCallCancellation)) })
}

func (e *Emitter) OnStateChange(fn func(StateChange)) ListenerID {
	return e.On(EventStateChange, func(p any) { fn(p.(StateChange)) })
}
