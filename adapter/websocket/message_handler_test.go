package websocket

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	osd "github.com/bjoelf/osd-realtime/adapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sentEvent struct {
	name    string
	payload interface{}
}

func newTestHandler(t *testing.T) (*MessageHandler, *recorder, *[]sentEvent, emitFunc) {
	t.Helper()
	reg := newListenerRegistry(zap.NewNop())
	rec := &recorder{}
	reg.add(rec)
	mh := NewMessageHandler("device-1", reg, nil, zap.NewNop())
	mh.now = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }

	var sent []sentEvent
	emit := func(name string, payload interface{}) error {
		sent = append(sent, sentEvent{name: name, payload: payload})
		return nil
	}
	return mh, rec, &sent, emit
}

func TestDispatch_OrderCreatedAcknowledged(t *testing.T) {
	mh, rec, sent, emit := newTestHandler(t)

	handled := mh.Dispatch(eventOrderCreated, json.RawMessage(`{
		"_messageId": "m-9",
		"_requiresAck": true,
		"data": {"id": "o-9", "callNumber": 12, "status": "ready", "customer_name": "Ada"}
	}`), emit)
	require.True(t, handled)

	require.Len(t, rec.orders, 1)
	order := rec.orders[0]
	assert.Equal(t, "o-9", order.ID)
	assert.Equal(t, "12", order.CallNumber)
	assert.Equal(t, osd.StatusReady, order.Status)
	assert.Equal(t, "Ada", order.CustomerName)

	require.Len(t, *sent, 1)
	assert.Equal(t, emitMessageAck, (*sent)[0].name)
	ack := (*sent)[0].payload.(ackPayload)
	assert.JSONEq(t, `"m-9"`, string(ack.MessageID))
	assert.Equal(t, "device-1", ack.DeviceID)
	assert.Equal(t, "received", ack.Status)
	assert.Equal(t, "2024-05-01T10:00:00.000Z", ack.Timestamp)
}

func TestDispatch_BadTimestampKeepsFullOrder(t *testing.T) {
	mh, rec, sent, emit := newTestHandler(t)

	mh.Dispatch(eventOrderCreated, json.RawMessage(`{
		"_messageId": "m-3",
		"_requiresAck": true,
		"id": "o-3",
		"status": "ready",
		"callNumber": "31",
		"createdAt": "not a time"
	}`), emit)

	require.Len(t, rec.orders, 1)
	order := rec.orders[0]
	assert.False(t, order.Partial)
	assert.Equal(t, osd.StatusReady, order.Status)
	assert.Equal(t, "31", order.CallNumber)
	assert.True(t, order.CreatedAt.IsZero())
	assert.Len(t, *sent, 1)
}

func TestDispatch_NoAckUnlessRequested(t *testing.T) {
	mh, rec, sent, emit := newTestHandler(t)

	mh.Dispatch(eventOrderReady, json.RawMessage(`{"_messageId":"m-1","orderId":"o-1"}`), emit)
	mh.Dispatch(eventOrderReady, json.RawMessage(`{"_requiresAck":true,"orderId":"o-2"}`), emit)

	assert.Equal(t, []string{"o-1", "o-2"}, rec.ready)
	assert.Empty(t, *sent)
}

func TestDispatch_RequiresAckAsString(t *testing.T) {
	mh, _, sent, emit := newTestHandler(t)

	mh.Dispatch(eventOrderServed, json.RawMessage(`{"messageId":"m-1","requiresAck":"true","order_id":"o-1"}`), emit)

	require.Len(t, *sent, 1)
}

func TestDispatch_UnparseableOrderDeliversStandIn(t *testing.T) {
	mh, rec, sent, emit := newTestHandler(t)

	mh.Dispatch(eventOrderCreated, json.RawMessage(`{"_messageId":1,"_requiresAck":true,"orderNumber":"A1"}`), emit)
	mh.Dispatch(eventOrderCreated, json.RawMessage(`"not an object"`), emit)
	mh.Dispatch(eventOrderCreated, nil, emit)

	require.Len(t, rec.orders, 3)
	for _, o := range rec.orders {
		assert.True(t, o.Partial)
		assert.Equal(t, osd.StatusPending, o.Status)
	}
	assert.Equal(t, "not an object", rec.orders[1].ID)
	assert.Len(t, *sent, 1)
}

func TestDispatch_AckSurvivesPanickingListener(t *testing.T) {
	mh, _, sent, emit := newTestHandler(t)
	mh.listeners.add(ListenerFuncs{NewOrder: func(osd.Order) { panic("boom") }})

	assert.NotPanics(t, func() {
		mh.Dispatch(eventOrderCreated, json.RawMessage(`{"_messageId":"m","_requiresAck":true,"id":"o"}`), emit)
	})
	assert.Len(t, *sent, 1)
}

func TestDispatch_AckFailureIsLogged(t *testing.T) {
	mh, rec, _, _ := newTestHandler(t)
	failing := func(string, interface{}) error { return errors.New("socket gone") }

	assert.NotPanics(t, func() {
		mh.Dispatch(eventOrderReady, json.RawMessage(`{"_messageId":"m","_requiresAck":true,"id":"o"}`), failing)
	})
	assert.Equal(t, []string{"o"}, rec.ready)
}

func TestDispatch_RestoredDefaultsToPending(t *testing.T) {
	mh, rec, _, emit := newTestHandler(t)

	mh.Dispatch(eventOrderRestored, json.RawMessage(`{"order":{"id":"o-1"}}`), emit)
	mh.Dispatch(eventOrderRestored, json.RawMessage(`{"id":"o-2","new_status":"preparing"}`), emit)

	assert.Equal(t, osd.StatusPending, rec.restored["o-1"])
	assert.Equal(t, osd.StatusPreparing, rec.restored["o-2"])
}

func TestDispatch_ErrorEvent(t *testing.T) {
	mh, rec, _, emit := newTestHandler(t)

	mh.Dispatch(eventError, json.RawMessage(`"rate limited"`), emit)
	mh.Dispatch(eventError, nil, emit)

	assert.Equal(t, []string{"rate limited", "server error"}, rec.errors)
}

func TestDispatch_IgnoresOtherEvents(t *testing.T) {
	mh, rec, sent, emit := newTestHandler(t)

	assert.False(t, mh.Dispatch("menu_updated", json.RawMessage(`{"_requiresAck":true,"_messageId":"x"}`), emit))
	assert.False(t, mh.Dispatch(eventHeartbeatAck, nil, emit))
	assert.Empty(t, rec.orders)
	assert.Empty(t, *sent)
}
