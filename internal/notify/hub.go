// Package notify delivers best-effort, fire-and-forget events to subscriber
// groups. There is no replay: a subscriber sees only events published while
// it is connected.
package notify

import (
	"context"
	"sync"
	"time"

	"order-fulfillment/internal/models"
	"order-fulfillment/internal/ports"
	"order-fulfillment/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultBuffer = 32

// Subscription receives the events of its groups on C until closed
type Subscription struct {
	ID     string
	Groups []string
	C      <-chan models.Notification

	ch  chan models.Notification
	hub *Hub
}

// Close unsubscribes and closes C
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Hub fans notifications out to the local subscribers of a group
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[string]*Subscription
	buffer int
	logger *zap.Logger
	now    func() time.Time
}

var _ ports.Notifier = (*Hub)(nil)

func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer < 1 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		groups: make(map[string]map[string]*Subscription),
		buffer: buffer,
		logger: logger,
		now:    time.Now,
	}
}

// Subscribe registers a subscriber in every given group
func (h *Hub) Subscribe(groups ...string) *Subscription {
	ch := make(chan models.Notification, h.buffer)
	sub := &Subscription{
		ID:     uuid.New().String(),
		Groups: groups,
		C:      ch,
		ch:     ch,
		hub:    h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, g := range groups {
		members, ok := h.groups[g]
		if !ok {
			members = make(map[string]*Subscription)
			h.groups[g] = members
		}
		members[sub.ID] = sub
	}
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	registered := false
	for _, g := range sub.Groups {
		if members, ok := h.groups[g]; ok {
			if _, ok := members[sub.ID]; ok {
				registered = true
				delete(members, sub.ID)
			}
			if len(members) == 0 {
				delete(h.groups, g)
			}
		}
	}
	if registered {
		close(sub.ch)
	}
}

// CloseAll closes every subscription, ending the streams that read them
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := make(map[string]*Subscription)
	for _, members := range h.groups {
		for id, sub := range members {
			subs[id] = sub
		}
	}
	h.groups = make(map[string]map[string]*Subscription)

	for _, sub := range subs {
		close(sub.ch)
	}
	if len(subs) > 0 {
		h.logger.Info("Closed notification subscriptions", zap.Int("count", len(subs)))
	}
}

// Publish addresses an event to a group. Having no subscribers is not an error.
func (h *Hub) Publish(_ context.Context, group, event string, payload interface{}) error {
	h.Deliver(NewNotification(group, event, payload, h.now()))
	return nil
}

// Deliver hands an already built notification to the group's subscribers.
// Subscribers whose buffer is full miss the event.
func (h *Hub) Deliver(n models.Notification) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, sub := range h.groups[n.Group] {
		select {
		case sub.ch <- n:
			delivered++
		default:
			util.NotificationsDroppedTotal.Inc()
			h.logger.Warn("Dropping notification for slow subscriber",
				zap.String("subscriber", sub.ID),
				zap.String("group", n.Group),
				zap.String("event", n.Event))
		}
	}
	util.NotificationsPublishedTotal.WithLabelValues(n.Event).Inc()
	return delivered
}

// Subscribers returns the number of subscribers of a group
func (h *Hub) Subscribers(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

func NewNotification(group, event string, payload interface{}, at time.Time) models.Notification {
	return models.Notification{
		EventID: uuid.New().String(),
		Group:   group,
		Event:   event,
		Payload: payload,
		SentAt:  at.UTC(),
	}
}
