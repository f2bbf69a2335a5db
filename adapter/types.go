package osd

import (
	"errors"
	"strings"
	"time"
)

// DeviceType identifies this client class to the backend.
const DeviceType = "osd"

var (
	// ErrTokenIssuance is returned when the token endpoint could not mint a credential.
	ErrTokenIssuance = errors.New("token issuance failed")
	// ErrNoUsableCredential means issuance failed and no unexpired cached credential exists.
	ErrNoUsableCredential = errors.New("no usable credential")
)

// OrderStatus is the preparation state shown on the display.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusPreparing OrderStatus = "preparing"
	StatusReady     OrderStatus = "ready"
	StatusServed    OrderStatus = "served"
	StatusCancelled OrderStatus = "cancelled"
)

// ParseOrderStatus maps backend spellings onto a canonical status.
// Unknown values fall back to pending.
func ParseOrderStatus(raw string) OrderStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "new", "received", "created":
		return StatusPending
	case "preparing", "in_progress", "inprogress", "cooking", "processing":
		return StatusPreparing
	case "ready", "completed", "complete", "ready_for_pickup":
		return StatusReady
	case "served", "picked_up", "pickedup", "delivered":
		return StatusServed
	case "cancelled", "canceled", "void":
		return StatusCancelled
	default:
		return StatusPending
	}
}

// Rank orders statuses along the preparation pipeline.
func (s OrderStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusPreparing:
		return 1
	case StatusReady:
		return 2
	case StatusServed, StatusCancelled:
		return 3
	default:
		return 0
	}
}

// Order is the canonical order entity. Partial marks a stand-in built from an
// event whose payload could not be parsed; only ID is trustworthy then.
type Order struct {
	ID           string      `json:"id"`
	CallNumber   string      `json:"callNumber,omitempty"`
	Status       OrderStatus `json:"status"`
	StoreID      string      `json:"storeId,omitempty"`
	CustomerName string      `json:"customerName,omitempty"`
	CreatedAt    time.Time   `json:"createdAt,omitempty"`
	UpdatedAt    time.Time   `json:"updatedAt,omitempty"`
	Partial      bool        `json:"-"`
}

// MinimalOrder is the stand-in used when an event payload is unusable.
func MinimalOrder(id string) Order {
	return Order{ID: id, Status: StatusPending, Partial: true}
}

// TokenRequest identifies the display a credential is minted for.
type TokenRequest struct {
	StoreID        string `json:"storeId"`
	DeviceID       string `json:"deviceId"`
	OrganizationID string `json:"organizationId"`
	DeviceType     string `json:"deviceType"`
	DisplayID      string `json:"displayId,omitempty"`
}

func (r TokenRequest) cacheKey() string {
	return r.StoreID + "|" + r.DeviceID + "|" + r.OrganizationID + "|" + r.DisplayID
}
