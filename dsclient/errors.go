package dsclient

import (
	"errors"
	"fmt"
)

// TransportError — временная сетевая/серверная ошибка (5xx, 429, таймаут).
// Подлежит повтору согласно RetryPolicy.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("dsclient: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError — отказ аутентификации/авторизации (401/403). Не повторяется.
type AuthError struct {
	Op         string
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("dsclient: %s: authentication rejected (HTTP %d)", e.Op, e.StatusCode)
}

// QueryError — неповторяемый отказ запроса (прочие 4xx, некорректное тело).
type QueryError struct {
	Op         string
	StatusCode int
	Reason     string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("dsclient: %s: query failed (HTTP %d): %s", e.Op, e.StatusCode, e.Reason)
}

// IsRetryable сообщает, имеет ли смысл повторять операцию.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
