package osd

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func decodeObject(t *testing.T, raw string) map[string]any {
	t.Helper()
	var obj map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &obj))
	return obj
}

func TestNormalizeOrder_CurrentShape(t *testing.T) {
	obj := decodeObject(t, `{
		"id": "o-1",
		"callNumber": "42",
		"status": "preparing",
		"storeId": "store-1",
		"customerName": "Ada",
		"createdAt": "2024-05-01T10:00:00Z",
		"updatedAt": "2024-05-01T10:05:00Z"
	}`)

	order, err := NormalizeOrder(obj, nil)
	require.NoError(t, err)
	assert.Equal(t, "o-1", order.ID)
	assert.Equal(t, "42", order.CallNumber)
	assert.Equal(t, StatusPreparing, order.Status)
	assert.Equal(t, "store-1", order.StoreID)
	assert.Equal(t, "Ada", order.CustomerName)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), order.CreatedAt.UTC())
	assert.False(t, order.Partial)
}

func TestNormalizeOrder_LegacySpellings(t *testing.T) {
	obj := decodeObject(t, `{
		"_id": "o-2",
		"order_number": 17,
		"order_status": "completed",
		"store_id": "store-9",
		"created_at": 1714557600
	}`)

	order, err := NormalizeOrder(obj, nil)
	require.NoError(t, err)
	assert.Equal(t, "o-2", order.ID)
	assert.Equal(t, "17", order.CallNumber)
	assert.Equal(t, StatusReady, order.Status)
	assert.Equal(t, "store-9", order.StoreID)
	assert.Equal(t, int64(1714557600), order.CreatedAt.Unix())
}

func TestNormalizeOrder_Nested(t *testing.T) {
	obj := decodeObject(t, `{"data": {"order": {"orderId": "o-3", "status": "ready"}}}`)

	order, err := NormalizeOrder(obj, nil)
	require.NoError(t, err)
	assert.Equal(t, "o-3", order.ID)
	assert.Equal(t, StatusReady, order.Status)
}

func TestNormalizeOrder_Errors(t *testing.T) {
	_, err := NormalizeOrder(decodeObject(t, `{"status": "ready"}`), nil)
	assert.ErrorIs(t, err, ErrNoOrderID)
}

func TestNormalizeOrder_BadTimestampKeepsOrder(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	obj := decodeObject(t, `{"id": "o-4", "status": "ready", "callNumber": "12", "createdAt": "yesterday", "updated_at": "soon"}`)

	order, err := NormalizeOrder(obj, zap.New(core))
	require.NoError(t, err)
	assert.Equal(t, "o-4", order.ID)
	assert.Equal(t, StatusReady, order.Status)
	assert.Equal(t, "12", order.CallNumber)
	assert.True(t, order.CreatedAt.IsZero())
	assert.True(t, order.UpdatedAt.IsZero())
	assert.False(t, order.Partial)
	assert.Equal(t, 2, logs.FilterMessage("Ignoring unparsable order timestamp").Len())
}

func TestNormalizeOrder_DefaultsToPending(t *testing.T) {
	order, err := NormalizeOrder(decodeObject(t, `{"id": "o-5"}`), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, order.Status)
}

func TestOrderIDAndTargetStatus(t *testing.T) {
	id, ok := OrderID(decodeObject(t, `{"payload": {"order_id": 99}}`))
	require.True(t, ok)
	assert.Equal(t, "99", id)

	_, ok = OrderID(decodeObject(t, `{"reason": "none"}`))
	assert.False(t, ok)

	assert.Equal(t, StatusPreparing, TargetStatus(decodeObject(t, `{"orderId": "o", "targetStatus": "in_progress"}`)))
	assert.Equal(t, StatusReady, TargetStatus(decodeObject(t, `{"data": {"id": "o", "new_status": "ready"}}`)))
	assert.Equal(t, StatusPending, TargetStatus(decodeObject(t, `{"orderId": "o"}`)))
}

func TestParseOrderStatus(t *testing.T) {
	tests := map[string]OrderStatus{
		"pending":     StatusPending,
		" NEW ":       StatusPending,
		"in_progress": StatusPreparing,
		"Cooking":     StatusPreparing,
		"ready":       StatusReady,
		"completed":   StatusReady,
		"picked_up":   StatusServed,
		"canceled":    StatusCancelled,
		"mystery":     StatusPending,
		"":            StatusPending,
	}
	for raw, want := range tests {
		assert.Equal(t, want, ParseOrderStatus(raw), raw)
	}
}

func TestOrderStatusRank(t *testing.T) {
	assert.Less(t, StatusPending.Rank(), StatusPreparing.Rank())
	assert.Less(t, StatusPreparing.Rank(), StatusReady.Rank())
	assert.Less(t, StatusReady.Rank(), StatusServed.Rank())
	assert.Equal(t, StatusServed.Rank(), StatusCancelled.Rank())
}

func TestMinimalOrder(t *testing.T) {
	o := MinimalOrder("o-6")
	assert.Equal(t, "o-6", o.ID)
	assert.Equal(t, StatusPending, o.Status)
	assert.True(t, o.Partial)
}
