package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound        = errors.New("device not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrIllegalState    = errors.New("illegal state")
	// ErrFatal marks a corrupted roster. It is not recoverable and should end the process.
	ErrFatal = errors.New("fatal")
)

// Result is the outcome kind of a command as reported to external callers.
type Result string

const (
	ResultOk              Result = "ok"
	ResultNotFound        Result = "not_found"
	ResultInvalidArgument Result = "invalid_argument"
	ResultIllegalState    Result = "illegal_state"
	ResultFatal           Result = "fatal"
)

// ResultOf maps err to one of the result kinds. A nil error is ResultOk.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return ResultOk
	case errors.Is(err, ErrNotFound):
		return ResultNotFound
	case errors.Is(err, ErrInvalidArgument):
		return ResultInvalidArgument
	case errors.Is(err, ErrIllegalState):
		return ResultIllegalState
	default:
		return ResultFatal
	}
}

// ErrorFor turns a reported result back into an error matching the sentinels.
func ErrorFor(result Result, msg string) error {
	var sentinel error
	switch result {
	case ResultOk:
		return nil
	case ResultNotFound:
		sentinel = ErrNotFound
	case ResultInvalidArgument:
		sentinel = ErrInvalidArgument
	case ResultIllegalState:
		sentinel = ErrIllegalState
	default:
		sentinel = ErrFatal
	}
	msg = strings.TrimPrefix(msg, sentinel.Error()+": ")
	if msg == "" || msg == sentinel.Error() {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}
