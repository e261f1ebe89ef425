// Package apperror содержит ошибки API со стабильными кодами и их JSON-представление.
package apperror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Code задаёт машинно-читаемый код ошибки, возвращаемый клиенту.
type Code string

const (
	CodeMissingFields           Code = "MISSING_FIELDS"
	CodeValidationFailed        Code = "VALIDATION_FAILED"
	CodeInvalidContentType      Code = "INVALID_CONTENT_TYPE"
	CodeInvalidToken            Code = "INVALID_TOKEN"
	CodeInvalidEmail            Code = "INVALID_EMAIL"
	CodeStepOutOfOrder          Code = "STEP_OUT_OF_ORDER"
	CodePaymentRequired         Code = "PAYMENT_REQUIRED"
	CodePaymentMismatch         Code = "PAYMENT_MISMATCH"
	CodePaymentAlreadyCompleted Code = "PAYMENT_ALREADY_COMPLETED"
	CodeSessionNotFound         Code = "SESSION_NOT_FOUND"
	CodeTierNotFound            Code = "TIER_NOT_FOUND"
	CodeReportNotFound          Code = "REPORT_NOT_FOUND"
	CodeReportExpired           Code = "REPORT_EXPIRED"
	CodeReportNotReady          Code = "REPORT_NOT_READY"
	CodeNotFound                Code = "NOT_FOUND"
	CodeMethodNotAllowed        Code = "METHOD_NOT_ALLOWED"
	CodeRateLimit               Code = "RATE_LIMIT"
	CodeDBInsertFailed          Code = "DB_INSERT_FAILED"
	CodeDBUpdateFailed          Code = "DB_UPDATE_FAILED"
	CodePaymentVerification     Code = "PAYMENT_VERIFICATION_FAILED"
	CodeInternal                Code = "INTERNAL_ERROR"
)

// Error описывает ошибку API. Internal хранит исходную ошибку для логов и клиенту не отдаётся.
type Error struct {
	Status   int    `json:"-"`
	Code     Code   `json:"code"`
	Message  string `json:"message"`
	Details  any    `json:"details,omitempty"`
	Internal error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Internal
}

// New создаёт ошибку с указанным HTTP-статусом и кодом.
func New(status int, code Code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// WithDetails возвращает копию ошибки с дополнительными деталями.
func (e *Error) WithDetails(details any) *Error {
	c := *e
	c.Details = details
	return &c
}

// Wrap создаёт ошибку уровня 500, сохраняя исходную ошибку во Internal.
func Wrap(code Code, message string, err error) *Error {
	return &Error{
		Status:   http.StatusInternalServerError,
		Code:     code,
		Message:  message,
		Internal: err,
	}
}

// FieldError описывает ошибку валидации отдельного поля.
type FieldError struct {
	Field   string `json:"field"`
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// MissingFields создаёт ошибку об отсутствующих обязательных полях.
func MissingFields(fields ...string) *Error {
	return New(http.StatusBadRequest, CodeMissingFields, "required fields are missing").
		WithDetails(map[string][]string{"fields": fields})
}

// Validation создаёт ошибку валидации со списком ошибок по полям.
func Validation(errs []FieldError) *Error {
	return New(http.StatusBadRequest, CodeValidationFailed, "request validation failed").
		WithDetails(map[string][]FieldError{"errors": errs})
}

// From приводит произвольную ошибку к *Error. Неизвестные ошибки становятся INTERNAL_ERROR.
func From(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(CodeInternal, "an unexpected error occurred", err)
}

// Write отправляет ошибку клиенту в виде {code, message, details?}.
func Write(w http.ResponseWriter, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(e)
}
