package hwpipe

import (
	"errors"
	"fmt"

	"github.com/qvirt/hwpipe/internal/mmio"
)

// StatusCode categorizes a PipeError against the wire status codes the
// command engine deposits in RegStatus (spec §6.3), so callers can
// distinguish "this failed for a guest-visible reason that belongs on
// the wire" from "device construction or configuration failed outright".
type StatusCode int32

const (
	StatusInval StatusCode = StatusCode(mmio.StatusErrInval)
	StatusIO    StatusCode = StatusCode(mmio.StatusErrIO)
	StatusAgain StatusCode = StatusCode(mmio.StatusErrAgain)
	StatusNoMem StatusCode = StatusCode(mmio.StatusErrNoMem)
)

func (c StatusCode) String() string {
	switch c {
	case StatusInval:
		return "PIPE_ERROR_INVAL"
	case StatusIO:
		return "PIPE_ERROR_IO"
	case StatusAgain:
		return "PIPE_ERROR_AGAIN"
	case StatusNoMem:
		return "PIPE_ERROR_NOMEM"
	default:
		return fmt.Sprintf("PIPE_ERROR(%d)", int32(c))
	}
}

// PipeError is a structured error carrying the command that failed, the
// channel it failed on (0 if not applicable), a wire status category,
// and an optionally wrapped lower-level error.
type PipeError struct {
	Op      string
	Channel uint64
	Code    StatusCode
	Inner   error
}

func (e *PipeError) Error() string {
	if e.Channel != 0 {
		return fmt.Sprintf("hwpipe: %s: channel=%#x: %s", e.Op, e.Channel, e.Code)
	}
	return fmt.Sprintf("hwpipe: %s: %s", e.Op, e.Code)
}

// Unwrap supports errors.Is/As against the wrapped cause.
func (e *PipeError) Unwrap() error {
	return e.Inner
}

// Is reports whether target is a *PipeError with the same Code, so
// errors.Is matches two PipeErrors by status category regardless of
// their Op or Channel.
func (e *PipeError) Is(target error) bool {
	te, ok := target.(*PipeError)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// NewPipeError constructs a PipeError for op against channel.
func NewPipeError(op string, channel uint64, code StatusCode) *PipeError {
	return &PipeError{Op: op, Channel: channel, Code: code}
}

// WrapPipeError wraps inner with op/channel context, preserving its
// status code if inner is already a *PipeError, otherwise defaulting to
// StatusIO.
func WrapPipeError(op string, channel uint64, inner error) *PipeError {
	if inner == nil {
		return nil
	}
	code := StatusIO
	var pe *PipeError
	if errors.As(inner, &pe) {
		code = pe.Code
	}
	return &PipeError{Op: op, Channel: channel, Code: code, Inner: inner}
}

// IsStatus reports whether err is a *PipeError carrying code.
func IsStatus(err error, code StatusCode) bool {
	var pe *PipeError
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}

// ConfigError is returned by New/Config.Validate for a device
// misconfiguration -- something the caller's own code got wrong at
// construction time, not a guest-triggerable runtime condition. It is
// deliberately a distinct type from PipeError: a caller must never be
// able to route a bad MMIOWindowSize into the STATUS register the same
// way a bad channel id does.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("hwpipe: invalid config: %s: %s", e.Field, e.Msg)
}
