package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a failure so callers can decide whether to retry, surface or drop it.
type Kind string

const (
	KindTransient     Kind = "transient"
	KindAuth          Kind = "auth"
	KindNotFound      Kind = "not_found"
	KindDataIntegrity Kind = "data_integrity"
	KindConfiguration Kind = "configuration"
	KindBudget        Kind = "budget"
	KindInvalid       Kind = "invalid"
	KindConflict      Kind = "conflict"
	KindInternal      Kind = "internal"
)

var kindStatus = map[Kind]int{
	KindTransient:     http.StatusServiceUnavailable,
	KindAuth:          http.StatusUnauthorized,
	KindNotFound:      http.StatusNotFound,
	KindDataIntegrity: http.StatusInternalServerError,
	KindConfiguration: http.StatusInternalServerError,
	KindBudget:        http.StatusGatewayTimeout,
	KindInvalid:       http.StatusBadRequest,
	KindConflict:      http.StatusConflict,
	KindInternal:      http.StatusInternalServerError,
}

type CustomizedError struct {
	cause   error
	message string
	trace   []string
	wrap    error
	code    int
	kind    Kind
	data    map[string]interface{}
}

func (e *CustomizedError) WithData(data map[string]interface{}) *CustomizedError {
	e.data = data
	return e
}

func (e *CustomizedError) Data() map[string]interface{} {
	return e.data
}

func (e *CustomizedError) Code(c int) *CustomizedError {
	e.code = c
	return e
}

func (e *CustomizedError) GetCode() int {
	return e.code
}

// WithKind sets the kind and, unless a code was set explicitly, the matching http status.
func (e *CustomizedError) WithKind(k Kind) *CustomizedError {
	e.kind = k
	if e.code == 0 || e.code == http.StatusInternalServerError {
		if status, ok := kindStatus[k]; ok {
			e.code = status
		}
	}
	return e
}

func (e *CustomizedError) Kind() Kind {
	if e.kind == "" {
		return KindInternal
	}
	return e.kind
}

func New(trace, message string, err error) *CustomizedError {
	ce := &CustomizedError{
		cause:   err,
		message: message,
		trace:   []string{trace},
		code:    http.StatusInternalServerError,
	}
	if k := kindFromCause(err); k != "" {
		ce.WithKind(k)
	}
	return ce
}

func (e *CustomizedError) Trace(trace string) *CustomizedError {
	e.trace = append(e.trace, trace)
	return e
}

func Wrap(err error, trace, message string) *CustomizedError {
	ce := &CustomizedError{
		cause:   err,
		message: message,
		trace:   []string{trace},
		wrap:    err,
		kind:    kindFromCause(err),
	}
	if income, ok := err.(*CustomizedError); ok {
		ce.code = income.code
		ce.kind = income.kind
	}
	return ce
}

func Trace(trace string, err error) *CustomizedError {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*CustomizedError); ok {
		ce.trace = append(ce.trace, trace)
		return ce
	}
	return Wrap(err, trace, err.Error())
}

func (e *CustomizedError) Message() string {
	if e.message == "" && e.cause != nil {
		return e.cause.Error()
	}
	return e.message
}

func (e *CustomizedError) Unwrap() error {
	return e.cause
}

func (e *CustomizedError) Error() string {
	otherDetails := `""`
	if ce, ok := e.wrap.(*CustomizedError); ok {
		otherDetails = ce.Error()
	} else if e.wrap != nil {
		otherDetails = fmt.Sprint("\"", e.wrap.Error(), "\"")
	}
	return fmt.Sprintf(`{"trace":"%s","kind":"%s","code":%d,"msg":"%s","error":"%v","wrapd":%s}`,
		strings.Join(e.trace, "->"), e.Kind(), e.code, e.message, e.cause, otherDetails)
}

// KindOf reports the kind of any error, looking through wrapped chains.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *CustomizedError
	if stderrors.As(err, &ce) {
		return ce.Kind()
	}
	return kindFromCause(err)
}

// Is reports whether err is of kind k.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}

func kindFromCause(err error) Kind {
	switch {
	case err == nil:
		return ""
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(err, context.Canceled):
		return KindBudget
	}
	var ce *CustomizedError
	if stderrors.As(err, &ce) {
		return ce.kind
	}
	var k interface{ ErrorKind() Kind }
	if stderrors.As(err, &k) {
		return k.ErrorKind()
	}
	return KindInternal
}

// Retryable reports whether an operation that failed with err may be attempted again.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// NewKind is a shortcut for New(...).WithKind(k).
func NewKind(trace string, k Kind, message string, err error) *CustomizedError {
	return New(trace, message, err).WithKind(k)
}

// MessageOf is the user facing message of err: the outermost customized
// message, or the error text.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var ce *CustomizedError
	if stderrors.As(err, &ce) {
		return ce.Message()
	}
	return err.Error()
}

// StatusOf is the http status a failure of kind k is reported with.
func StatusOf(k Kind) int {
	if status, ok := kindStatus[k]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func As(err error, target any) bool {
	return stderrors.As(err, target)
}
