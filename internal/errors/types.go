package errors

import "errors"

var (
	ErrTimeout           = errors.New("request timed out")
	ErrConnection        = errors.New("connection failed")
	ErrServer            = errors.New("server error")
	ErrUnauthorized      = errors.New("authentication required")
	ErrForbidden         = errors.New("access forbidden")
	ErrValidation        = errors.New("request validation failed")
	ErrSecurityViolation = errors.New("security violation")
	ErrSessionExpired    = errors.New("session expired")
	ErrCircuitOpen       = errors.New("circuit breaker is open")
	ErrRetriesExhausted  = errors.New("retries exhausted")
)

// Kind buckets every error the pipeline can see. The bucket decides whether
// the retry queue may touch the request and whether the breaker counts it.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindServer
	KindAuth
	KindValidation
	KindSecurity
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindSecurity:
		return "security"
	default:
		return "unknown"
	}
}
