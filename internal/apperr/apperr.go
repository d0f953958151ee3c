// Package apperr — единая таксономия ошибок и их маппинг на HTTP.
package apperr

import (
	"errors"
	"net/http"
)

// Kinds. Сравнивать через errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrBadRequest      = errors.New("bad request")
	ErrRateLimited     = errors.New("rate limited")
	ErrPolicyDenied    = errors.New("policy denied")
	ErrCAUninitialized = errors.New("certificate authority not initialized")
	ErrRemoteSync      = errors.New("remote sync failure")
	ErrConflict        = errors.New("conflict")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrConsistency     = errors.New("consistency fault")
)

// Error несёт kind, человекочитаемое сообщение и (опционально) причину.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.Error()
	}
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func E(kind error, msg string) error { return &Error{Kind: kind, Msg: msg} }

func Wrap(kind, err error, msg string) error { return &Error{Kind: kind, Msg: msg, Err: err} }

// Message — текст для клиента (без обёрток причины).
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Status — HTTP-код для ошибки; неизвестные ошибки → 500.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrPolicyDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrCAUninitialized):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrRemoteSync):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Title — короткий заголовок problem+json.
func Title(status int) string {
	if t := http.StatusText(status); t != "" {
		return t
	}
	return "Error"
}
