package errors

import (
	stderrors "errors"
	"fmt"
)

type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches another *AppError by code, so errors.Is(err, errors.New(code, "", nil))
// works through wrapping.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func New(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CodeOf returns the code of the outermost AppError in err's chain, or "".
func CodeOf(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// HasCode reports whether any AppError in err's chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var appErr *AppError
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

const (
	ErrConfigLoad      = "CONFIG_LOAD_ERROR"
	ErrConfigInvalid   = "CONFIG_INVALID_ERROR"
	ErrDatabaseConnect = "DATABASE_CONNECT_ERROR"
	ErrDatabaseWrite   = "DATABASE_WRITE_ERROR"
	ErrRPConnect       = "RPC_CONNECT_ERROR"
	ErrBlockFetch      = "BLOCK_FETCH_ERROR"
	ErrEventParse      = "EVENT_PARSE_ERROR"

	ErrValidation        = "VALIDATION"
	ErrTransient         = "TRANSIENT"
	ErrInsufficientFunds = "INSUFFICIENT_FUNDS"
	ErrReverted          = "REVERTED"
	ErrRetriesExhausted  = "RETRIES_EXHAUSTED"
	ErrUnhealthyContract = "UNHEALTHY_CONTRACT"
)

// IsFatal reports errors that need operator action and must not be retried.
func IsFatal(err error) bool {
	return HasCode(err, ErrInsufficientFunds) || HasCode(err, ErrReverted)
}

// IsTransient reports errors whose outcome is unknown or retryable.
func IsTransient(err error) bool {
	return HasCode(err, ErrTransient) || HasCode(err, ErrRetriesExhausted)
}
