package websocket

import (
	"sync"

	osd "github.com/bjoelf/osd-realtime/adapter"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Listener receives connection lifecycle and order stream notifications.
// Callbacks run on the client's event loop and must not block.
// *osd.OrderBoard implements it.
type Listener interface {
	OnConnected()
	OnDisconnected()
	OnError(message string)
	OnNewOrder(order osd.Order)
	OnOrderReady(id string)
	OnOrderServed(id string)
	OnOrderRestored(id string, target osd.OrderStatus)
	OnDataRefreshRequested()
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Connected            func()
	Disconnected         func()
	Error                func(message string)
	NewOrder             func(order osd.Order)
	OrderReady           func(id string)
	OrderServed          func(id string)
	OrderRestored        func(id string, target osd.OrderStatus)
	DataRefreshRequested func()
}

func (f ListenerFuncs) OnConnected() {
	if f.Connected != nil {
		f.Connected()
	}
}

func (f ListenerFuncs) OnDisconnected() {
	if f.Disconnected != nil {
		f.Disconnected()
	}
}

func (f ListenerFuncs) OnError(message string) {
	if f.Error != nil {
		f.Error(message)
	}
}

func (f ListenerFuncs) OnNewOrder(order osd.Order) {
	if f.NewOrder != nil {
		f.NewOrder(order)
	}
}

func (f ListenerFuncs) OnOrderReady(id string) {
	if f.OrderReady != nil {
		f.OrderReady(id)
	}
}

func (f ListenerFuncs) OnOrderServed(id string) {
	if f.OrderServed != nil {
		f.OrderServed(id)
	}
}

func (f ListenerFuncs) OnOrderRestored(id string, target osd.OrderStatus) {
	if f.OrderRestored != nil {
		f.OrderRestored(id, target)
	}
}

func (f ListenerFuncs) OnDataRefreshRequested() {
	if f.DataRefreshRequested != nil {
		f.DataRefreshRequested()
	}
}

type listenerEntry struct {
	id       string
	listener Listener
}

// listenerRegistry fans notifications out in registration order. A panicking
// listener is logged and does not stop delivery to the others.
type listenerRegistry struct {
	mu      sync.RWMutex
	entries []listenerEntry
	logger  *zap.Logger
}

func newListenerRegistry(logger *zap.Logger) *listenerRegistry {
	return &listenerRegistry{logger: logger}
}

func (r *listenerRegistry) add(l Listener) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.entries = append(r.entries, listenerEntry{id: id, listener: l})
	r.mu.Unlock()
	return id
}

func (r *listenerRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.id == id {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return
		}
	}
}

func (r *listenerRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *listenerRegistry) each(callback string, fn func(Listener)) {
	r.mu.RLock()
	entries := make([]listenerEntry, len(r.entries))
	copy(entries, r.entries)
	r.mu.RUnlock()

	for _, e := range entries {
		r.invoke(callback, e, fn)
	}
}

func (r *listenerRegistry) invoke(callback string, e listenerEntry, fn func(Listener)) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Listener panicked",
				zap.String("function", "invoke"),
				zap.String("callback", callback),
				zap.String("listener_id", e.id),
				zap.Any("panic", rec))
		}
	}()
	fn(e.listener)
}

func (r *listenerRegistry) connected() {
	r.each("OnConnected", func(l Listener) { l.OnConnected() })
}

func (r *listenerRegistry) disconnected() {
	r.each("OnDisconnected", func(l Listener) { l.OnDisconnected() })
}

func (r *listenerRegistry) error(message string) {
	r.each("OnError", func(l Listener) { l.OnError(message) })
}

func (r *listenerRegistry) newOrder(order osd.Order) {
	r.each("OnNewOrder", func(l Listener) { l.OnNewOrder(order) })
}

func (r *listenerRegistry) orderReady(id string) {
	r.each("OnOrderReady", func(l Listener) { l.OnOrderReady(id) })
}

func (r *listenerRegistry) orderServed(id string) {
	r.each("OnOrderServed", func(l Listener) { l.OnOrderServed(id) })
}

func (r *listenerRegistry) orderRestored(id string, target osd.OrderStatus) {
	r.each("OnOrderRestored", func(l Listener) { l.OnOrderRestored(id, target) })
}

func (r *listenerRegistry) dataRefreshRequested() {
	r.each("OnDataRefreshRequested", func(l Listener) { l.OnDataRefreshRequested() })
}
