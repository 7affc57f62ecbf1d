// Package errors carries the platform-wide error taxonomy. Core packages
// return these typed errors; the API layer renders them as RFC 7807
// problem documents.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes returned by the trading core.
const (
	CodeInvalidOrder           = "INVALID_ORDER"
	CodeInsufficientBalance    = "INSUFFICIENT_BALANCE"
	CodeWouldMatch             = "WOULD_MATCH"
	CodeExcessiveSlippageRisk  = "EXCESSIVE_SLIPPAGE_RISK"
	CodeSettlementFailed       = "SETTLEMENT_FAILED"
	CodeReconciliationConflict = "RECONCILIATION_CONFLICT"
	CodeOrderNotFound          = "ORDER_NOT_FOUND"
	CodeMarketNotFound         = "MARKET_NOT_FOUND"
	CodeInternal               = "INTERNAL"
)

// Error is a typed platform error with a stable machine-readable code.
type Error struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
	cause  error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches two platform errors by code, so sentinel comparisons like
// errors.Is(err, ErrInsufficientBalance) work regardless of detail text.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// New creates a typed error with a code and formatted detail.
func New(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code string, cause error) *Error {
	return &Error{Code: code, Detail: cause.Error(), cause: cause}
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidOrder           = &Error{Code: CodeInvalidOrder}
	ErrInsufficientBalance    = &Error{Code: CodeInsufficientBalance}
	ErrWouldMatch             = &Error{Code: CodeWouldMatch}
	ErrExcessiveSlippageRisk  = &Error{Code: CodeExcessiveSlippageRisk}
	ErrSettlementFailed       = &Error{Code: CodeSettlementFailed}
	ErrReconciliationConflict = &Error{Code: CodeReconciliationConflict}
	ErrOrderNotFound          = &Error{Code: CodeOrderNotFound}
	ErrMarketNotFound         = &Error{Code: CodeMarketNotFound}
)

// Code extracts the platform code from any error chain.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error code to an HTTP status for the API layer.
func HTTPStatus(code string) int {
	switch code {
	case CodeInvalidOrder, CodeExcessiveSlippageRisk:
		return http.StatusBadRequest
	case CodeInsufficientBalance, CodeWouldMatch:
		return http.StatusUnprocessableEntity
	case CodeOrderNotFound, CodeMarketNotFound:
		return http.StatusNotFound
	case CodeSettlementFailed, CodeReconciliationConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ProblemDetails is an RFC 7807 problem document.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// Problem renders an error as an RFC 7807 document for the given request path.
func Problem(err error, instance string) *ProblemDetails {
	code := Code(err)
	status := HTTPStatus(code)
	detail := ""
	var e *Error
	if errors.As(err, &e) {
		detail = e.Detail
	} else if err != nil {
		detail = err.Error()
	}
	return &ProblemDetails{
		Type:     "https://velora.exchange/errors/" + code,
		Title:    code,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	}
}
