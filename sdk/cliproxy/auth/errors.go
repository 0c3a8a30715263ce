package auth

import "net/http"

// Error is returned by selectors and the manager.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// StatusCode maps the error to an HTTP status.
func (e *Error) StatusCode() int {
	if e == nil || e.HTTPStatus == 0 {
		return http.StatusInternalServerError
	}
	return e.HTTPStatus
}

var (
	errNotFound = &Error{Code: "auth_not_found", Message: "no auth available", HTTPStatus: http.StatusNotFound}
	errNoID     = &Error{Code: "invalid_auth", Message: "auth id is required", HTTPStatus: http.StatusBadRequest}
)
