// Copyright 2024 Yojana AI Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ErrorResponse is the body of every non-2xx API response
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorCode is the machine-readable half of an ErrorResponse
type ErrorCode string

const (
	ErrorCodeBadRequest      ErrorCode = "BAD_REQUEST"
	ErrorCodeUnauthorized    ErrorCode = "UNAUTHORIZED"
	ErrorCodeForbidden       ErrorCode = "FORBIDDEN"
	ErrorCodeTooManyRequests ErrorCode = "TOO_MANY_REQUESTS"

	ErrorCodeInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrorCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrorCodeTimeout            ErrorCode = "TIMEOUT"
	ErrorCodeDependencyFailure  ErrorCode = "DEPENDENCY_FAILURE"
)

// ServiceError pairs a message that is safe to show callers with the
// status it maps to. Internal is logged, never returned.
type ServiceError struct {
	Message    string
	Code       ErrorCode
	StatusCode int
	Internal   error
}

func (e *ServiceError) Error() string { return e.Message }

func (e *ServiceError) Unwrap() error { return e.Internal }

// ToErrorResponse renders the error for the wire
func (e *ServiceError) ToErrorResponse(requestID string) ErrorResponse {
	return ErrorResponse{
		Error:     e.Message,
		Code:      string(e.Code),
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
	}
}

func newServiceError(message string, code ErrorCode, status int, internal error) *ServiceError {
	return &ServiceError{Message: message, Code: code, StatusCode: status, Internal: internal}
}

// NewBadRequestError creates a 400 for input the caller must fix
func NewBadRequestError(message string, internal error) *ServiceError {
	return newServiceError(message, ErrorCodeBadRequest, http.StatusBadRequest, internal)
}

// NewUnauthorizedError creates a 401 for a missing or invalid ID token
func NewUnauthorizedError(message string, internal error) *ServiceError {
	return newServiceError(message, ErrorCodeUnauthorized, http.StatusUnauthorized, internal)
}

// NewForbiddenError creates a 403 for authenticated callers without access
func NewForbiddenError(message string, internal error) *ServiceError {
	return newServiceError(message, ErrorCodeForbidden, http.StatusForbidden, internal)
}

// NewTooManyRequestsError creates a 429 when a rate limit quota is spent
func NewTooManyRequestsError(message string, internal error) *ServiceError {
	return newServiceError(message, ErrorCodeTooManyRequests, http.StatusTooManyRequests, internal)
}

// NewInternalError creates a 500
func NewInternalError(message string, internal error) *ServiceError {
	return newServiceError(message, ErrorCodeInternalError, http.StatusInternalServerError, internal)
}

// NewServiceUnavailableError creates a 503, used while the LLM circuit is open
// or the index is not usable
func NewServiceUnavailableError(message string, internal error) *ServiceError {
	return newServiceError(message, ErrorCodeServiceUnavailable, http.StatusServiceUnavailable, internal)
}

// NewTimeoutError creates a 504
func NewTimeoutError(message string, internal error) *ServiceError {
	return newServiceError(message, ErrorCodeTimeout, http.StatusGatewayTimeout, internal)
}

// NewDependencyFailureError creates a 502 for upstream failures and unusable
// upstream output
func NewDependencyFailureError(message string, internal error) *ServiceError {
	return newServiceError(message, ErrorCodeDependencyFailure, http.StatusBadGateway, internal)
}

// AsServiceError reports whether err wraps a ServiceError
func AsServiceError(err error, target **ServiceError) bool {
	return err != nil && errors.As(err, target)
}

// ErrorHandler classifies errors that reached the HTTP layer without a
// ServiceError attached
type ErrorHandler struct {
	logger *zap.Logger
}

func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ErrorHandler{logger: logger}
}

// WrapError returns err unchanged if it already carries a ServiceError.
// Otherwise the error is classified, logged, and given a generic message
// naming operation.
func (eh *ErrorHandler) WrapError(err error, operation string) *ServiceError {
	if err == nil {
		return nil
	}
	var serviceErr *ServiceError
	if AsServiceError(err, &serviceErr) {
		return serviceErr
	}

	code, status := categorizeError(err)
	message := userMessage(code, operation)
	eh.logger.Error("Unclassified error",
		zap.String("operation", operation),
		zap.String("error_code", string(code)),
		zap.Error(err))
	return newServiceError(message, code, status, err)
}

func userMessage(code ErrorCode, operation string) string {
	switch code {
	case ErrorCodeTimeout:
		return "The request took too long. Please try again."
	case ErrorCodeServiceUnavailable:
		return "The recommendation service is temporarily unavailable. Please try again in a few minutes."
	case ErrorCodeDependencyFailure:
		return "An upstream service failed. Please try again later."
	case ErrorCodeTooManyRequests:
		return "Too many requests. Please wait a moment and try again."
	}
	return fmt.Sprintf("An error occurred while %s. Please try again.", operation)
}

func categorizeError(err error) (ErrorCode, int) {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorCodeTimeout, http.StatusGatewayTimeout
	case errors.Is(err, ErrCircuitBreakerOpen):
		return ErrorCodeServiceUnavailable, http.StatusServiceUnavailable
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return ErrorCodeDependencyFailure, http.StatusBadGateway
	case errors.As(err, &netErr) && netErr.Timeout():
		return ErrorCodeTimeout, http.StatusGatewayTimeout
	}

	// Upstream SDKs report throttling only in the message text
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"):
		return ErrorCodeDependencyFailure, http.StatusBadGateway
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return ErrorCodeTooManyRequests, http.StatusTooManyRequests
	}
	return ErrorCodeInternalError, http.StatusInternalServerError
}
