package api

import (
	"strconv"
	"strings"
	"time"

	"order-fulfillment/internal/apperr"
	"order-fulfillment/internal/authz"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/util"

	"github.com/gin-gonic/gin"
)

// Identity headers set by the upstream gateway
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

const principalKey = "principal"

// authenticate resolves the principal from the gateway headers
func authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := principalFromHeaders(c)
		if err != nil {
			respondError(c, err)
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

func principalFromHeaders(c *gin.Context) (models.Principal, error) {
	raw := strings.TrimSpace(c.GetHeader(HeaderUserID))
	if raw == "" {
		return models.Principal{}, apperr.Unauthorized("missing %s header", HeaderUserID)
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		return models.Principal{}, apperr.Unauthorized("invalid %s header", HeaderUserID)
	}

	role := models.RoleUser
	if r := strings.ToUpper(strings.TrimSpace(c.GetHeader(HeaderUserRole))); r != "" {
		role = models.Role(r)
		if role != models.RoleUser && role != models.RoleAdmin {
			return models.Principal{}, apperr.Unauthorized("invalid %s header", HeaderUserRole)
		}
	}
	return models.Principal{UserID: userID, Role: role}, nil
}

func principalFrom(c *gin.Context) models.Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(models.Principal); ok {
			return p
		}
	}
	return models.Principal{}
}

// authorize checks the role of the principal against the RBAC policy
func authorize(enforcer *authz.Enforcer, obj, act string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := principalFrom(c)
		allowed, err := enforcer.Allowed(principal.Role, obj, act)
		if err != nil {
			respondError(c, apperr.Infra(err))
			return
		}
		if !allowed {
			respondError(c, apperr.Forbidden("role %s may not %s %s", principal.Role, act, obj))
			return
		}
		c.Next()
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Inc()
	}
}
