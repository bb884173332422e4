package api

import (
	"net/http"
	"time"

	"order-fulfillment/internal/apperr"
	"order-fulfillment/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Response is the success envelope
type Response struct {
	StatusCode int         `json:"status_code"`
	Message    string      `json:"message"`
	Data       interface{} `json:"data"`
}

// ErrorResponse is the error envelope
type ErrorResponse struct {
	StatusCode int    `json:"status_code"`
	Error      string `json:"error"`
	Message    string `json:"message"`
	Path       string `json:"path"`
	Timestamp  string `json:"timestamp"`
}

func respond(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, Response{StatusCode: status, Message: message, Data: data})
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindInsufficientStock, apperr.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError maps err to its status and aborts the chain. Infrastructure
// causes are logged, never sent.
func respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)

	if status >= http.StatusInternalServerError {
		util.GetLogger().Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
	}

	c.AbortWithStatusJSON(status, ErrorResponse{
		StatusCode: status,
		Error:      string(kind),
		Message:    apperr.Message(err),
		Path:       c.Request.URL.Path,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}
