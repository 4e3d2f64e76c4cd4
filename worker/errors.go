package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/ggoodman/toolsessions-go/protocol"
)

var (
	// ErrRequestPending is returned by Sample or Elicit when a request of the
	// same kind is already outstanding for the call.
	ErrRequestPending = errors.New("worker: request already pending")
	// ErrHostGone is the cancellation cause when the host side of the
	// transport hangs up while a tool is running.
	ErrHostGone = errors.New("worker: host disconnected")
	// ErrCancelled is the cancellation cause when the host sends cancel.
	ErrCancelled = errors.New("worker: session cancelled")
)

// ErrorNameInvalidParams names errors raised when tool params fail to decode.
const ErrorNameInvalidParams = "InvalidParams"

// Named is implemented by errors that carry a stable name. The runner uses
// the name of the first Named error in a chain for the error message it
// sends.
type Named interface {
	error
	Name() string
}

// Error is a Named error.
type Error struct {
	name    string
	message string
	cause   error
}

// NewError returns an error with the given stable name.
func NewError(name, message string) *Error {
	return &Error{name: name, message: message}
}

// WrapError returns an error with the given name that wraps cause.
func WrapError(name string, cause error) *Error {
	return &Error{name: name, message: cause.Error(), cause: cause}
}

func (e *Error) Error() string { return e.message }
func (e *Error) Name() string  { return e.name }
func (e *Error) Unwrap() error { return e.cause }

// Is matches other Errors by name.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.name == e.name
	}
	return false
}

var (
	errCapabilityUnsupported = NewError(protocol.ErrorCapabilityUnsupported, "")
	errBranchDepthExceeded   = NewError(protocol.ErrorBranchDepthExceeded, "")
	errTokenBudgetExceeded   = NewError(protocol.ErrorTokenBudgetExceeded, "")
	errBranchTimeout         = NewError(protocol.ErrorBranchTimeout, "")
)

// IsCapabilityUnsupported reports whether err was raised because the host
// cannot serve a sample or elicit request.
func IsCapabilityUnsupported(err error) bool { return errors.Is(err, errCapabilityUnsupported) }

func capabilityUnsupported(capability string) error {
	return NewError(protocol.ErrorCapabilityUnsupported, fmt.Sprintf("%s is not supported by this session", capability))
}

// BranchDepthExceeded reports that a tool exceeded its allowed nesting depth.
func BranchDepthExceeded(depth, limit int) error {
	return NewError(protocol.ErrorBranchDepthExceeded, fmt.Sprintf("branch depth %d exceeds limit %d", depth, limit))
}

// TokenBudgetExceeded reports that a tool spent more tokens than allowed.
func TokenBudgetExceeded(used, budget int) error {
	return NewError(protocol.ErrorTokenBudgetExceeded, fmt.Sprintf("used %d tokens of a %d token budget", used, budget))
}

// BranchTimeout reports that a branch ran longer than allowed.
func BranchTimeout(limit time.Duration) error {
	return NewError(protocol.ErrorBranchTimeout, fmt.Sprintf("branch exceeded %s", limit))
}

func IsBranchDepthExceeded(err error) bool { return errors.Is(err, errBranchDepthExceeded) }
func IsTokenBudgetExceeded(err error) bool { return errors.Is(err, errTokenBudgetExceeded) }
func IsBranchTimeout(err error) bool       { return errors.Is(err, errBranchTimeout) }

// panicError carries a recovered panic and the stack where it happened.
type panicError struct {
	value any
	stack string
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }
func (p *panicError) Name() string  { return protocol.ErrorToolPanic }

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// describe turns an error returned by a tool into the fields of an error
// message.
func describe(err error) (name, message, stack string) {
	name = protocol.ErrorTool
	var named Named
	if errors.As(err, &named) {
		name = named.Name()
	} else if errors.Is(err, context.Canceled) {
		name = protocol.ErrorCancelled
	}
	var pe *panicError
	if errors.As(err, &pe) {
		return protocol.ErrorToolPanic, pe.Error(), pe.stack
	}
	var st stackTracer
	if errors.As(err, &st) {
		stack = fmt.Sprintf("%+v", st.StackTrace())
	}
	return name, err.Error(), stack
}
