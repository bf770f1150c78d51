// Package generr 定义编排引擎对外暴露的错误分类
package generr

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/brightming/genflow/pkg/model"
)

// Code 稳定的机器可读原因码
type Code string

const (
	CodeValidation          Code = "validation_error"
	CodeQuotaExceeded       Code = "quota_exceeded"
	CodeProviderUnavailable Code = "provider_unavailable"
	CodeSafetyRejected      Code = "safety_rejected"
	CodeTimeout             Code = "timeout"
	CodeInternal            Code = "internal_error"
	CodeNotFound            Code = "not_found"
	CodeForbidden           Code = "forbidden"
	CodeInvalidState        Code = "invalid_state"
	CodeCancelled           Code = "cancelled"
	CodeConcurrencyLimited  Code = "concurrency_limited"
)

// Error 编排引擎错误
type Error struct {
	Code            Code
	Message         string
	Err             error
	ResetAt         *time.Time
	Concerns        []model.Concern
	FailedProviders int
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is 按原因码比较，便于 errors.Is(err, generr.ErrNotFound)
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	return t.Code == e.Code
}

// Failure 转换为持久化的失败原因
func (e *Error) Failure() *model.Failure {
	if e == nil {
		return nil
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return &model.Failure{
		Code:            string(e.Code),
		Message:         msg,
		ResetAt:         e.ResetAt,
		Concerns:        e.Concerns,
		FailedProviders: e.FailedProviders,
	}
}

// 用于 errors.Is 的哨兵
var (
	ErrValidation          = &Error{Code: CodeValidation}
	ErrQuotaExceeded       = &Error{Code: CodeQuotaExceeded}
	ErrProviderUnavailable = &Error{Code: CodeProviderUnavailable}
	ErrSafetyRejected      = &Error{Code: CodeSafetyRejected}
	ErrTimeout             = &Error{Code: CodeTimeout}
	ErrInternal            = &Error{Code: CodeInternal}
	ErrNotFound            = &Error{Code: CodeNotFound}
	ErrForbidden           = &Error{Code: CodeForbidden}
	ErrInvalidState        = &Error{Code: CodeInvalidState}
	ErrCancelled           = &Error{Code: CodeCancelled}
	ErrConcurrencyLimited  = &Error{Code: CodeConcurrencyLimited}
)

func Validation(format string, args ...interface{}) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func QuotaExceeded(resetAt time.Time) *Error {
	t := resetAt.UTC()
	return &Error{Code: CodeQuotaExceeded, Message: "quota exhausted", ResetAt: &t}
}

func ProviderUnavailable(failed int, last error) *Error {
	return &Error{
		Code:            CodeProviderUnavailable,
		Message:         fmt.Sprintf("all providers exhausted after %d failed attempts", failed),
		Err:             last,
		FailedProviders: failed,
	}
}

func SafetyRejected(concerns []model.Concern) *Error {
	return &Error{Code: CodeSafetyRejected, Message: "content rejected by safety policy", Concerns: concerns}
}

func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: "unexpected fault", Err: err}
}

func NotFound(what, id string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s not found: %s", what, id)}
}

func Forbidden(format string, args ...interface{}) *Error {
	return &Error{Code: CodeForbidden, Message: fmt.Sprintf(format, args...)}
}

func InvalidState(op string, status model.Status) *Error {
	return &Error{Code: CodeInvalidState, Message: fmt.Sprintf("%s not allowed in state %s", op, status)}
}

// CodeOf 取错误的原因码，非 *Error 视为内部错误
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return CodeInternal
}

// As 把任意错误规整为 *Error
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return Internal(err)
}

// HTTPStatus 原因码对应的HTTP状态码
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeQuotaExceeded, CodeConcurrencyLimited:
		return http.StatusTooManyRequests
	case CodeSafetyRejected:
		return http.StatusUnprocessableEntity
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeInvalidState:
		return http.StatusConflict
	case CodeProviderUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
