package websocket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Engine.IO v4 packet types (first byte of every frame).
const (
	engineOpen    byte = '0'
	engineClose   byte = '1'
	enginePing    byte = '2'
	enginePong    byte = '3'
	engineMessage byte = '4'
	engineUpgrade byte = '5'
	engineNoop    byte = '6'
)

// Socket.IO v5 packet types (second byte of an Engine.IO message).
const (
	socketConnect      byte = '0'
	socketDisconnect   byte = '1'
	socketEvent        byte = '2'
	socketAck          byte = '3'
	socketConnectError byte = '4'
)

var (
	pongFrame       = []byte{enginePong}
	connectFrame    = []byte{engineMessage, socketConnect}
	disconnectFrame = []byte{engineMessage, socketDisconnect}
)

// packet is one decoded frame.
//
// Frame layout: <engine type>[<socket type>[/<namespace>,][<ack id>]<json>]
type packet struct {
	Engine    byte
	Socket    byte
	Namespace string
	AckID     int64
	Data      json.RawMessage
}

// openPayload is the Engine.IO handshake body.
type openPayload struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
	MaxPayload   int    `json:"maxPayload"`
}

// inboundEvent is a decoded Socket.IO EVENT.
type inboundEvent struct {
	Name string
	Args []json.RawMessage
}

// Arg returns the first argument or nil.
func (e *inboundEvent) Arg() json.RawMessage {
	if len(e.Args) == 0 {
		return nil
	}
	return e.Args[0]
}

func parsePacket(frame []byte) (*packet, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	p := &packet{Engine: frame[0], AckID: -1}
	rest := frame[1:]

	if p.Engine != engineMessage {
		if len(rest) > 0 {
			p.Data = json.RawMessage(rest)
		}
		return p, nil
	}

	if len(rest) == 0 {
		return nil, fmt.Errorf("message frame without socket packet type")
	}
	p.Socket = rest[0]
	rest = rest[1:]

	if len(rest) > 0 && rest[0] == '/' {
		end := bytes.IndexByte(rest, ',')
		if end < 0 {
			p.Namespace = string(rest)
			return p, nil
		}
		p.Namespace = string(rest[:end])
		rest = rest[end+1:]
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.ParseInt(string(rest[:digits]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ack id: %w", err)
		}
		p.AckID = id
		rest = rest[digits:]
	}

	if len(rest) > 0 {
		if !json.Valid(rest) {
			return nil, fmt.Errorf("invalid packet payload")
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

func (p *packet) event() (*inboundEvent, error) {
	if p.Engine != engineMessage || p.Socket != socketEvent {
		return nil, fmt.Errorf("not an event packet")
	}
	var items []json.RawMessage
	if err := json.Unmarshal(p.Data, &items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("event without name")
	}
	var name string
	if err := json.Unmarshal(items[0], &name); err != nil {
		return nil, fmt.Errorf("event name is not a string: %w", err)
	}
	return &inboundEvent{Name: name, Args: items[1:]}, nil
}

// errorMessage extracts the message of a CONNECT_ERROR or error payload.
func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		return obj.Error
	}
	return string(raw)
}

func encodeEvent(name string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal([]interface{}{name, payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	frame := make([]byte, 0, len(body)+2)
	frame = append(frame, engineMessage, socketEvent)
	return append(frame, body...), nil
}
