package osd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Historical field spellings, most recent first.
var (
	idKeys           = []string{"id", "_id", "orderId", "order_id"}
	callNumberKeys   = []string{"callNumber", "call_number", "orderNumber", "order_number"}
	statusKeys       = []string{"status", "orderStatus", "order_status"}
	targetStatusKeys = []string{"targetStatus", "target_status", "newStatus", "new_status", "status"}
	storeKeys        = []string{"storeId", "store_id"}
	customerKeys     = []string{"customerName", "customer_name", "name"}
	createdKeys      = []string{"createdAt", "created_at"}
	updatedKeys      = []string{"updatedAt", "updated_at"}
	nestedKeys       = []string{"order", "data", "payload"}
)

// ErrNoOrderID means no identifier could be found under any known spelling.
var ErrNoOrderID = errors.New("order id not found")

// Unwrap descends through data/order/payload wrappers until it reaches an
// object that carries an order identifier, returning the innermost object seen.
func Unwrap(obj map[string]any) map[string]any {
	current := obj
	for depth := 0; depth < 4; depth++ {
		if _, ok := FirstString(current, idKeys...); ok {
			return current
		}
		next, ok := nestedObject(current)
		if !ok {
			return current
		}
		current = next
	}
	return current
}

func nestedObject(obj map[string]any) (map[string]any, bool) {
	for _, key := range nestedKeys {
		if inner, ok := obj[key].(map[string]any); ok {
			return inner, true
		}
	}
	return nil, false
}

// OrderID extracts the order identifier from a possibly nested payload.
func OrderID(obj map[string]any) (string, bool) {
	return FirstString(Unwrap(obj), idKeys...)
}

// TargetStatus extracts the status an order is restored to.
func TargetStatus(obj map[string]any) OrderStatus {
	if s, ok := FirstString(obj, targetStatusKeys...); ok {
		return ParseOrderStatus(s)
	}
	if s, ok := FirstString(Unwrap(obj), targetStatusKeys...); ok {
		return ParseOrderStatus(s)
	}
	return StatusPending
}

// NormalizeOrder maps every known field variant onto Order. It fails only when
// the identifier is missing. Timestamps that do not parse are logged and left
// at their zero value.
func NormalizeOrder(obj map[string]any, logger *zap.Logger) (Order, error) {
	inner := Unwrap(obj)
	id, ok := FirstString(inner, idKeys...)
	if !ok {
		return Order{}, ErrNoOrderID
	}

	order := Order{ID: id, Status: StatusPending}
	if v, ok := FirstString(inner, callNumberKeys...); ok {
		order.CallNumber = v
	}
	if v, ok := FirstString(inner, statusKeys...); ok {
		order.Status = ParseOrderStatus(v)
	}
	if v, ok := FirstString(inner, storeKeys...); ok {
		order.StoreID = v
	}
	if v, ok := FirstString(inner, customerKeys...); ok {
		order.CustomerName = v
	}
	order.CreatedAt = optionalTimestamp(inner, id, "createdAt", createdKeys, logger)
	order.UpdatedAt = optionalTimestamp(inner, id, "updatedAt", updatedKeys, logger)
	return order, nil
}

func optionalTimestamp(obj map[string]any, id, field string, keys []string, logger *zap.Logger) time.Time {
	v, ok := FirstString(obj, keys...)
	if !ok {
		return time.Time{}
	}
	t, err := parseTimestamp(v)
	if err != nil {
		orNop(logger).Warn("Ignoring unparsable order timestamp",
			zap.String("function", "NormalizeOrder"),
			zap.String("order_id", id),
			zap.String("field", field),
			zap.Error(err))
		return time.Time{}
	}
	return t
}

// FirstString returns the first non-empty value among keys, rendering numbers
// as strings.
func FirstString(obj map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		switch v := obj[key].(type) {
		case string:
			if v != "" {
				return v, true
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		case json.Number:
			return v.String(), true
		}
	}
	return "", false
}

func parseTimestamp(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognised timestamp %q", v)
	}
	return epochToTime(n), nil
}
