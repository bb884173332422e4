package models

import "strings"

type OrderStatus string

// Order statuses
const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusCompleted  OrderStatus = "COMPLETED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

var validNext = map[OrderStatus]map[OrderStatus]bool{
	OrderStatusPending:    {OrderStatusProcessing: true, OrderStatusCancelled: true},
	OrderStatusProcessing: {OrderStatusCompleted: true, OrderStatusCancelled: true},
	OrderStatusCompleted:  {},
	OrderStatusCancelled:  {},
}

// ParseOrderStatus accepts any letter case ("processing", "PROCESSING").
func ParseOrderStatus(s string) (OrderStatus, bool) {
	st := OrderStatus(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := validNext[st]
	return st, ok
}

func (s OrderStatus) Valid() bool {
	_, ok := validNext[s]
	return ok
}

func (s OrderStatus) Terminal() bool {
	return s.Valid() && len(validNext[s]) == 0
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to OrderStatus) bool {
	return validNext[from][to]
}
