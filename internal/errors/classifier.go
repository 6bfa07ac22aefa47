package errors

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
)

// Classified is the sanitized view of a failure handed back to callers.
// ClientMessage is safe to render verbatim; Err is for logs only and must
// never reach the UI layer.
type Classified struct {
	Kind          Kind
	Retryable     bool
	StatusCode    int
	ClientMessage string
	Err           error
}

func (c *Classified) Error() string {
	if c.Err != nil {
		return c.Kind.String() + ": " + c.Err.Error()
	}
	return c.Kind.String() + ": " + c.ClientMessage
}

func (c *Classified) Unwrap() error { return c.Err }

// Classifier maps raw transport and security errors onto the error taxonomy.
type Classifier struct {
	logger *slog.Logger
}

func NewClassifier(logger *slog.Logger) *Classifier {
	return &Classifier{logger: logger}
}

// Classify buckets err, optionally informed by an HTTP status code
// (statusCode 0 means no response was received).
func (c *Classifier) Classify(err error, statusCode int) *Classified {
	classified := &Classified{Err: err, StatusCode: statusCode}

	switch {
	case errors.Is(err, ErrSecurityViolation):
		classified.Kind = KindSecurity
		classified.ClientMessage = "A security check failed. The request was blocked."
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden,
		errors.Is(err, ErrUnauthorized), errors.Is(err, ErrForbidden):
		classified.Kind = KindAuth
		classified.ClientMessage = "Your session needs to be refreshed."
	case statusCode >= 500:
		classified.Kind = KindServer
		classified.Retryable = true
		classified.ClientMessage = "The service is temporarily unavailable. Please try again."
	case statusCode >= 400:
		classified.Kind = KindValidation
		classified.ClientMessage = "The request could not be processed."
	case isNetworkError(err):
		classified.Kind = KindNetwork
		classified.Retryable = true
		classified.ClientMessage = "A network problem occurred. Please check your connection."
	default:
		classified.Kind = KindUnknown
		classified.ClientMessage = "An unexpected error occurred."
	}

	return classified
}

// LogAndSanitize records the full error internally and returns the classified
// error for propagation. Security violations are logged at ERROR regardless
// of caller handling.
func (c *Classifier) LogAndSanitize(ctx context.Context, classified *Classified, operation string) *Classified {
	level := slog.LevelWarn
	if classified.Kind == KindSecurity {
		level = slog.LevelError
	}
	c.logger.Log(ctx, level, "request failed",
		"operation", operation,
		"kind", classified.Kind.String(),
		"retryable", classified.Retryable,
		"status", classified.StatusCode,
		"error", errString(classified.Err),
	)
	return classified
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnection) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
