// Package apierr defines the error kinds the core recognises and their
// mapping onto HTTP status codes and WS error frames.
package apierr

import "fmt"

// Kind is one of the error classes named in the error handling design.
type Kind string

const (
	KindAuth           Kind = "auth"            // missing/invalid/expired credential -> 401
	KindAuthorization  Kind = "authorization"   // role lacks permission -> 403
	KindNotFound       Kind = "not_found"       // unknown session/user -> 404
	KindConflict       Kind = "conflict"        // duplicate registration -> 400 (per spec.md register table)
	KindValidation     Kind = "validation"      // malformed request -> 422
	KindSessionMissing Kind = "no_session"      // 400
	KindSessionMismatch Kind = "session_mismatch" // 400
	KindRateLimit      Kind = "rate_limit"      // 429
	KindUpstream       Kind = "upstream"        // breaker open -> 503, non-5xx upstream -> 502
	KindInternal       Kind = "internal"        // 500
)

// Error is the uniform error type propagated out of the core. Request-scoped
// code converts it into {error, detail, status_code, path} (the envelope
// carries no timestamp); background tasks log it and continue.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Code    string // e.g. "HTTP_404", "CIRCUIT_BREAKER_OPEN"
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func newErr(kind Kind, status int, msg string) *Error {
	return &Error{Kind: kind, Status: status, Message: msg}
}

func Auth(msg string) *Error            { return newErr(KindAuth, 401, msg) }
func AuthExpired(msg string) *Error     { return &Error{Kind: KindAuth, Status: 401, Message: msg, Code: "expired"} }
func Authorization(msg string) *Error   { return newErr(KindAuthorization, 403, msg) }
func NotFound(msg string) *Error        { return newErr(KindNotFound, 404, msg) }
func Conflict(msg string) *Error        { return newErr(KindConflict, 400, msg) }
func Validation(msg string) *Error      { return newErr(KindValidation, 422, msg) }
func NoSession(msg string) *Error       { return newErr(KindSessionMissing, 400, msg) }
func SessionMismatch(msg string) *Error { return newErr(KindSessionMismatch, 400, msg) }
func RateLimit(msg string) *Error       { return newErr(KindRateLimit, 429, msg) }

func UpstreamBreakerOpen(msg string) *Error {
	return &Error{Kind: KindUpstream, Status: 503, Message: msg, Code: "CIRCUIT_BREAKER_OPEN"}
}

func UpstreamStatus(code int, msg string) *Error {
	return &Error{Kind: KindUpstream, Status: 502, Message: msg, Code: fmt.Sprintf("HTTP_%d", code)}
}

func Internal(msg string, cause error) *Error {
	return &Error{Kind: KindInternal, Status: 500, Message: msg, cause: cause}
}

// As extracts an *Error from any error, falling back to an internal error.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return Internal("unexpected error", err)
}
