package apiclient

import (
	"errors"
	"fmt"
	"net/http"
)

// Errors
var (
	ErrNetwork  = errors.New("apiclient: network error")
	ErrConflict = errors.New("apiclient: conflicting concurrent update")
	ErrNotFound = errors.New("apiclient: not found")

	ErrInvalidResponse = errors.New("apiclient: invalid response")
)

// ResponseError reports a successful response whose content cannot be
// used. It is not a NetworkError: asking again returns the same data.
type ResponseError struct {
	Op  string
	Err error
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("apiclient: %s: invalid response: %v", e.Op, e.Err)
}

func (e *ResponseError) Unwrap() error { return e.Err }

// Is makes every ResponseError match ErrInvalidResponse.
func (e *ResponseError) Is(target error) bool { return target == ErrInvalidResponse }

// NetworkError reports a failed request. StatusCode is zero when the
// request never produced a response.
type NetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("apiclient: %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("apiclient: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Is makes every NetworkError match ErrNetwork.
func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// Temporary reports whether retrying the same request may succeed.
func (e *NetworkError) Temporary() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

func statusError(op string, code int, body string) *NetworkError {
	var err error
	switch code {
	case http.StatusConflict:
		err = ErrConflict
	case http.StatusNotFound:
		err = ErrNotFound
	default:
		err = errors.New(http.StatusText(code))
	}
	if body != "" {
		err = fmt.Errorf("%w: %s", err, body)
	}
	return &NetworkError{Op: op, StatusCode: code, Err: err}
}
