package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/muandane/special-stack/pagekit/internal/envelope"
)

// NotFoundError is a route or resource the endpoint does not serve.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// ValidationError is a request the endpoint refuses to process.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// respond writes a success envelope around data.
func respond[T any](c *gin.Context, data T) {
	c.JSON(http.StatusOK, envelope.Envelope[T]{Code: 0, Msg: "ok", Data: data})
}

// fail maps err to an HTTP status and writes a failure envelope whose code
// mirrors that status.
func fail(c *gin.Context, logger *slog.Logger, err error) {
	var (
		notFound   *NotFoundError
		validation *ValidationError
		code       int
		message    string
	)
	switch {
	case errors.As(err, &validation):
		code = http.StatusBadRequest
		message = validation.Message
	case errors.As(err, &notFound):
		code = http.StatusNotFound
		message = err.Error()
	default:
		code = http.StatusInternalServerError
		message = "internal server error"
	}

	logger.Error("request failed",
		"error", err,
		"code", code,
		"path", c.Request.URL.Path,
	)
	c.AbortWithStatusJSON(code, envelope.Envelope[any]{Code: code, Msg: message})
}

// NoRoute answers unknown paths on the gin engine.
func NoRoute(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		fail(c, logger, &NotFoundError{Resource: "route", ID: c.Request.URL.Path})
	}
}
