package models

import (
	"strconv"
	"time"
)

// Notification event names pushed to subscribers
const (
	EventOrderStatusUpdated = "orderStatusUpdated"
	EventNewOrder           = "newOrder"
)

// Notification groups
const (
	GroupAdmins = "admins"
)

// UserGroup returns the subscription group of a single user.
func UserGroup(userID int64) string {
	return "user_" + strconv.FormatInt(userID, 10)
}

// FulfillmentJob is the envelope carried by the fulfillment queue. Status is
// the order status when the job was enqueued; consumers re-read the order.
type FulfillmentJob struct {
	JobID      string      `json:"job_id"`
	OrderID    int64       `json:"order_id"`
	Status     OrderStatus `json:"status"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

// OrderStatusUpdatedEvent is sent to the owner's group on every transition
type OrderStatusUpdatedEvent struct {
	OrderID int64       `json:"order_id"`
	Status  OrderStatus `json:"status"`
}

// NewOrderEvent is sent to the admins group when an order is created
type NewOrderEvent struct {
	OrderID int64 `json:"order_id"`
}

// Notification is one event addressed to a group
type Notification struct {
	EventID string      `json:"event_id"`
	Group   string      `json:"group"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
	SentAt  time.Time   `json:"sent_at"`
}
