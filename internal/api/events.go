package api

import (
	"io"
	"time"

	"order-fulfillment/internal/models"

	"github.com/gin-gonic/gin"
)

// streamEvents subscribes the caller to its user group (and admins, for
// admins) and streams notifications as Server-Sent Events until the client
// goes away.
func (h *Handler) streamEvents(c *gin.Context) {
	principal := principalFrom(c)

	groups := []string{models.UserGroup(principal.UserID)}
	if principal.IsAdmin() {
		groups = append(groups, models.GroupAdmins)
	}

	sub := h.hub.Subscribe(groups...)
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.SSEvent("connected", gin.H{"subscription_id": sub.ID, "groups": groups})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case n, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(n.Event, n)
			return true
		case t := <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"time": t.Unix()})
			return true
		}
	})
}
