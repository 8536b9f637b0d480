// Package httputil translates domain errors into HTTP responses.
package httputil

import (
	"context"
	"errors"
	"net/http"
)

// HTTPErrorInfo is the status and public message chosen for an error.
type HTTPErrorInfo struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
}

// ErrorMapping binds a sentinel error to a response.
type ErrorMapping struct {
	Error   error
	Status  int
	Message string
}

// ErrorMapper maps domain errors to HTTP status codes and messages.
// Mappings are checked in registration order after the context errors; the first match wins.
type ErrorMapper struct {
	mappings []ErrorMapping
	fallback HTTPErrorInfo
}

// NewErrorMapper returns a mapper that knows the context errors and answers 500 otherwise.
func NewErrorMapper() *ErrorMapper {
	return &ErrorMapper{
		mappings: []ErrorMapping{
			{Error: context.DeadlineExceeded, Status: http.StatusGatewayTimeout, Message: "request timeout"},
			{Error: context.Canceled, Status: http.StatusServiceUnavailable, Message: "request cancelled"},
		},
		fallback: HTTPErrorInfo{Status: http.StatusInternalServerError, Message: "internal server error"},
	}
}

// WithMapping adds an error mapping to the mapper.
func (m *ErrorMapper) WithMapping(err error, status int, message string) *ErrorMapper {
	m.mappings = append(m.mappings, ErrorMapping{Error: err, Status: status, Message: message})
	return m
}

// WithDefault sets the response for unmatched errors.
func (m *ErrorMapper) WithDefault(status int, message string) *ErrorMapper {
	m.fallback = HTTPErrorInfo{Status: status, Message: message}
	return m
}

// Map converts an error to HTTP status and message. A nil error maps to 200.
func (m *ErrorMapper) Map(err error) HTTPErrorInfo {
	if err == nil {
		return HTTPErrorInfo{Status: http.StatusOK}
	}
	for _, mapping := range m.mappings {
		if errors.Is(err, mapping.Error) {
			return HTTPErrorInfo{Status: mapping.Status, Message: mapping.Message}
		}
	}
	return m.fallback
}
