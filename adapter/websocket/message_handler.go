package websocket

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	osd "github.com/bjoelf/osd-realtime/adapter"
	"github.com/bjoelf/osd-realtime/adapter/metrics"
	"go.uber.org/zap"
)

// emitFunc sends one outbound event on the current socket.
type emitFunc func(name string, payload interface{}) error

var (
	messageIDKeys   = []string{"_messageId", "messageId", "message_id"}
	requiresAckKeys = []string{"_requiresAck", "requiresAck", "requires_ack"}
)

// MessageHandler turns inbound order events into listener callbacks and
// acknowledges delivery when the backend asks for it.
type MessageHandler struct {
	deviceID  string
	listeners *listenerRegistry
	metrics   *metrics.Collector
	logger    *zap.Logger
	now       func() time.Time
}

// NewMessageHandler creates a dispatcher that acknowledges as deviceID.
func NewMessageHandler(deviceID string, listeners *listenerRegistry, m *metrics.Collector, logger *zap.Logger) *MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageHandler{
		deviceID:  deviceID,
		listeners: listeners,
		metrics:   m,
		logger:    logger.Named("dispatcher"),
		now:       time.Now,
	}
}

// envelope is what every order event carries besides the order itself.
type envelope struct {
	messageID   json.RawMessage
	requiresAck bool
	body        map[string]any
	orderID     string
}

func decodeEnvelope(raw json.RawMessage) envelope {
	var env envelope
	if len(raw) == 0 {
		return env
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		// Some notifications carry the bare order id.
		var id string
		if json.Unmarshal(raw, &id) == nil {
			env.orderID = id
		}
		return env
	}

	for _, key := range messageIDKeys {
		if v, ok := fields[key]; ok && string(v) != "null" {
			env.messageID = v
			break
		}
	}
	for _, key := range requiresAckKeys {
		if v, ok := fields[key]; ok {
			env.requiresAck = isTruthy(v)
			break
		}
	}

	if err := json.Unmarshal(raw, &env.body); err == nil {
		env.orderID = safeOrderID(env.body)
	}
	return env
}

func isTruthy(raw json.RawMessage) bool {
	var b bool
	if json.Unmarshal(raw, &b) == nil {
		return b
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.EqualFold(s, "true")
	}
	return false
}

func safeOrderID(body map[string]any) (id string) {
	defer func() {
		if recover() != nil {
			id = ""
		}
	}()
	id, _ = osd.OrderID(body)
	return id
}

func safeNormalize(body map[string]any, logger *zap.Logger) (order osd.Order, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("normalize panicked: %v", rec)
		}
	}()
	if body == nil {
		return osd.Order{}, osd.ErrNoOrderID
	}
	return osd.NormalizeOrder(body, logger)
}

func safeTargetStatus(body map[string]any) (status osd.OrderStatus) {
	defer func() {
		if recover() != nil {
			status = osd.StatusPending
		}
	}()
	if body == nil {
		return osd.StatusPending
	}
	return osd.TargetStatus(body)
}

// IsOrderEvent reports whether name is routed through Dispatch.
func IsOrderEvent(name string) bool {
	switch name {
	case eventOrderCreated, eventOrderReady, eventOrderServed, eventOrderRestored, eventError:
		return true
	default:
		return false
	}
}

// Dispatch routes one inbound event. Listener callbacks are always invoked,
// with a minimal stand-in order when the payload cannot be parsed, and an
// acknowledgement is emitted afterwards whenever the envelope requests one.
func (mh *MessageHandler) Dispatch(name string, raw json.RawMessage, emit emitFunc) bool {
	if !IsOrderEvent(name) {
		return false
	}
	mh.metrics.Event(name)

	env := decodeEnvelope(raw)

	defer func() {
		if rec := recover(); rec != nil {
			mh.logger.Error("Recovered from panic in event dispatch",
				zap.String("function", "Dispatch"),
				zap.String("event", name),
				zap.Any("panic", rec))
		}
	}()
	defer mh.acknowledge(name, env, emit)

	switch name {
	case eventOrderCreated:
		mh.handleOrderCreated(env)
	case eventOrderReady:
		mh.logger.Info("Order ready",
			zap.String("function", "Dispatch"),
			zap.String("order_id", env.orderID))
		mh.listeners.orderReady(env.orderID)
	case eventOrderServed:
		mh.logger.Info("Order served",
			zap.String("function", "Dispatch"),
			zap.String("order_id", env.orderID))
		mh.listeners.orderServed(env.orderID)
	case eventOrderRestored:
		target := safeTargetStatus(env.body)
		mh.logger.Info("Order restored",
			zap.String("function", "Dispatch"),
			zap.String("order_id", env.orderID),
			zap.String("target_status", string(target)))
		mh.listeners.orderRestored(env.orderID, target)
	case eventError:
		msg := errorMessage(raw)
		if msg == "" {
			msg = "server error"
		}
		mh.logger.Warn("Server reported error",
			zap.String("function", "Dispatch"),
			zap.String("message", msg))
		mh.listeners.error(msg)
	}
	return true
}

func (mh *MessageHandler) handleOrderCreated(env envelope) {
	order, err := safeNormalize(env.body, mh.logger)
	if err != nil {
		mh.logger.Warn("Unparseable order, delivering stand-in",
			zap.String("function", "handleOrderCreated"),
			zap.String("order_id", env.orderID),
			zap.Error(err))
		order = osd.MinimalOrder(env.orderID)
	} else {
		mh.logger.Info("New order",
			zap.String("function", "handleOrderCreated"),
			zap.String("order_id", order.ID),
			zap.String("call_number", order.CallNumber),
			zap.String("status", string(order.Status)))
	}
	mh.listeners.newOrder(order)
}

func (mh *MessageHandler) acknowledge(name string, env envelope, emit emitFunc) {
	if !env.requiresAck || len(env.messageID) == 0 || emit == nil {
		return
	}
	ack := ackPayload{
		MessageID: env.messageID,
		DeviceID:  mh.deviceID,
		Status:    "received",
		Timestamp: isoTimestamp(mh.now()),
	}
	if err := emit(emitMessageAck, ack); err != nil {
		mh.logger.Warn("Failed to acknowledge message",
			zap.String("function", "acknowledge"),
			zap.String("event", name),
			zap.ByteString("message_id", env.messageID),
			zap.Error(err))
		return
	}
	mh.metrics.Acked()
}
