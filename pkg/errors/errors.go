package errors

import "fmt"

// AppError is the error type returned across component boundaries. Op names
// the primitive that failed (for example "encrypt") when one applies.
type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Op      string `json:"op,omitempty"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Op)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *AppError) Unwrap() error { return e.Cause }

// Is matches on code and message so wrapped instances compare equal to the
// sentinel they were built from.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == e.Message
}

// Constructors
func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func InvalidArg(msg string) error {
	return New(CodeInvalidArgument, msg)
}

func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

func Internal(msg string) error {
	return New(CodeInternal, msg)
}

func FailedPrecondition(msg string) error {
	return New(CodeFailedPrecondition, msg)
}

func Unauthorized(msg string) error {
	return New(CodeUnauthenticated, msg)
}

// CodeOf returns the code carried by err, or CodeUnknown.
func CodeOf(err error) Code {
	for err != nil {
		if ae, ok := err.(*AppError); ok {
			return ae.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return CodeUnknown
}
