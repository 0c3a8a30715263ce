package util

import "fmt"

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

// NewStatusError builds a StatusError with a summarized body.
func NewStatusError(code int, body []byte) *StatusError {
	return &StatusError{Code: code, Body: SummarizePayload(body)}
}
