// Package apierror renders service errors as HTTP responses.
package apierror

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	registrystore "inbox-service/internal/registry/store"
)

// Status returns the HTTP status for an error kind.
func Status(kind registrystore.Kind) int {
	switch kind {
	case registrystore.KindInvalidInput, registrystore.KindInvalidCursor:
		return http.StatusBadRequest
	case registrystore.KindForbidden:
		return http.StatusForbidden
	case registrystore.KindNotFound:
		return http.StatusNotFound
	case registrystore.KindConflict:
		return http.StatusConflict
	case registrystore.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	case registrystore.KindUpstreamUnavailable:
		return http.StatusBadGateway
	case registrystore.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the client-facing text for err. Infrastructure failures get a
// fixed message; the underlying cause is only logged.
func Message(kind registrystore.Kind, err error) string {
	switch kind {
	case registrystore.KindStorageUnavailable:
		return "storage is temporarily unavailable"
	case registrystore.KindUpstreamUnavailable:
		return "attachment could not be fetched"
	case registrystore.KindTimeout:
		return "request timed out"
	case registrystore.KindInternal:
		return "internal server error"
	case registrystore.KindInvalidCursor:
		return "invalid cursor; restart pagination from the beginning"
	default:
		return err.Error()
	}
}

// Write renders err as {"code": kind, "error": message} and aborts the request.
func Write(c *gin.Context, err error) {
	kind := registrystore.KindOf(err)
	status := Status(kind)
	logFailure(c, kind, status, err)

	body := gin.H{"code": string(kind), "error": Message(kind, err)}
	var validation *registrystore.ValidationError
	var conflict *registrystore.ConflictError
	switch {
	case errors.As(err, &validation):
		body["field"] = validation.Field
	case errors.As(err, &conflict) && conflict.Code != "":
		body["reason"] = conflict.Code
	}
	c.AbortWithStatusJSON(status, body)
}

// WriteText renders err as a plain-text response for endpoints that stream
// non-JSON bodies.
func WriteText(c *gin.Context, err error) {
	kind := registrystore.KindOf(err)
	status := Status(kind)
	logFailure(c, kind, status, err)
	c.Abort()
	c.String(status, Message(kind, err))
}

func logFailure(c *gin.Context, kind registrystore.Kind, status int, err error) {
	if status < http.StatusInternalServerError {
		return
	}
	log.Error("Request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "code", kind, "err", err)
}
