package osd

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// OrderBoard is the display's local order list. Real-time events are applied
// optimistically; the list is replaced wholesale whenever a refresh is requested.
type OrderBoard struct {
	storeID   string
	refresher Refresher
	timeout   time.Duration
	logger    *zap.Logger

	mu        sync.RWMutex
	orders    map[string]Order
	connected bool
	lastError string
	refreshed time.Time
	seq       uint64
	onChange  func()
}

// NewOrderBoard creates a board for storeID that refreshes through refresher.
func NewOrderBoard(storeID string, refresher Refresher, logger *zap.Logger) *OrderBoard {
	return &OrderBoard{
		storeID:   storeID,
		refresher: refresher,
		timeout:   15 * time.Second,
		logger:    orNop(logger).Named("board"),
		orders:    make(map[string]Order),
	}
}

// OnChange registers a hook called after every mutation.
func (b *OrderBoard) OnChange(fn func()) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Replace swaps the whole list for an authoritative snapshot.
func (b *OrderBoard) Replace(orders []Order) {
	b.mu.Lock()
	b.orders = make(map[string]Order, len(orders))
	for _, o := range orders {
		b.orders[o.ID] = o
	}
	b.refreshed = time.Now()
	b.mu.Unlock()
	b.changed()
}

// NowCooking lists pending and preparing orders, oldest first.
func (b *OrderBoard) NowCooking() []Order {
	return b.filter(func(o Order) bool {
		return o.Status == StatusPending || o.Status == StatusPreparing
	})
}

// Ready lists orders waiting for pickup, oldest first.
func (b *OrderBoard) Ready() []Order {
	return b.filter(func(o Order) bool { return o.Status == StatusReady })
}

// Get returns the order with id.
func (b *OrderBoard) Get(id string) (Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.orders[id]
	return o, ok
}

// Connected reports the last connection state seen.
func (b *OrderBoard) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// LastError returns the most recent error surfaced by the connection.
func (b *OrderBoard) LastError() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastError
}

func (b *OrderBoard) filter(keep func(Order) bool) []Order {
	b.mu.RLock()
	out := make([]Order, 0, len(b.orders))
	for _, o := range b.orders {
		if keep(o) {
			out = append(out, o)
		}
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (b *OrderBoard) changed() {
	b.mu.RLock()
	fn := b.onChange
	b.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (b *OrderBoard) OnConnected() {
	b.mu.Lock()
	b.connected = true
	b.lastError = ""
	b.mu.Unlock()
	b.changed()
}

func (b *OrderBoard) OnDisconnected() {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	b.changed()
}

func (b *OrderBoard) OnError(message string) {
	b.mu.Lock()
	b.lastError = message
	b.mu.Unlock()
	b.changed()
}

// OnNewOrder inserts the order. A partial stand-in never overwrites what is
// already known about the same order.
func (b *OrderBoard) OnNewOrder(order Order) {
	b.mu.Lock()
	existing, ok := b.orders[order.ID]
	switch {
	case order.ID == "":
	case ok && order.Partial:
	case ok && order.Status.Rank() < existing.Status.Rank():
	default:
		if order.CreatedAt.IsZero() {
			order.CreatedAt = time.Now()
		}
		b.orders[order.ID] = order
	}
	b.mu.Unlock()
	b.changed()
}

func (b *OrderBoard) OnOrderReady(id string) { b.setStatus(id, StatusReady) }

// OnOrderServed removes the order from the display.
func (b *OrderBoard) OnOrderServed(id string) {
	b.mu.Lock()
	delete(b.orders, id)
	b.mu.Unlock()
	b.changed()
}

func (b *OrderBoard) OnOrderRestored(id string, target OrderStatus) { b.setStatus(id, target) }

func (b *OrderBoard) setStatus(id string, status OrderStatus) {
	if id == "" {
		return
	}
	b.mu.Lock()
	o, ok := b.orders[id]
	if !ok {
		o = Order{ID: id, CreatedAt: time.Now(), Partial: true}
	}
	o.Status = status
	o.UpdatedAt = time.Now()
	b.orders[id] = o
	b.mu.Unlock()
	b.changed()
}

// OnDataRefreshRequested pulls the authoritative list in the background; a
// slower, older refresh never overwrites a newer one.
func (b *OrderBoard) OnDataRefreshRequested() {
	if b.refresher == nil {
		return
	}
	b.mu.Lock()
	b.seq++
	seq := b.seq
	b.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()

		orders, err := b.refresher.ListActiveOrders(ctx, b.storeID)
		if err != nil {
			b.logger.Error("Order refresh failed",
				zap.String("function", "OnDataRefreshRequested"),
				zap.Error(err))
			b.OnError("order refresh failed: " + err.Error())
			return
		}

		b.mu.RLock()
		stale := seq != b.seq
		b.mu.RUnlock()
		if stale {
			return
		}
		b.Replace(orders)
		b.logger.Info("Order board refreshed",
			zap.String("function", "OnDataRefreshRequested"),
			zap.Int("orders", len(orders)))
	}()
}
