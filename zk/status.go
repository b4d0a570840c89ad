package zk

import "fmt"

// Status is a kernel status code. The zero value is OK. Status implements
// error so callers can wrap and match codes with errors.Is.
type Status int32

const (
	StatusOK Status = 0

	StatusInternal     Status = -1
	StatusNotSupported Status = -2
	StatusNoMemory     Status = -4
	StatusInvalidArgs  Status = -10
	StatusBadHandle    Status = -11
	StatusWrongType    Status = -12
	StatusBadState     Status = -20
	StatusTimedOut     Status = -21
	StatusShouldWait   Status = -22
	StatusPeerClosed   Status = -24
	StatusNotFound     Status = -25
	StatusAlreadyBound Status = -26
	StatusNoSpace      Status = -28
	StatusAccessDenied Status = -30
	StatusOutOfRange   Status = -33
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusInternal:
		return "INTERNAL"
	case StatusNotSupported:
		return "NOT_SUPPORTED"
	case StatusNoMemory:
		return "NO_MEMORY"
	case StatusInvalidArgs:
		return "INVALID_ARGS"
	case StatusBadHandle:
		return "BAD_HANDLE"
	case StatusWrongType:
		return "WRONG_TYPE"
	case StatusBadState:
		return "BAD_STATE"
	case StatusTimedOut:
		return "TIMED_OUT"
	case StatusShouldWait:
		return "SHOULD_WAIT"
	case StatusPeerClosed:
		return "PEER_CLOSED"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusAlreadyBound:
		return "ALREADY_BOUND"
	case StatusNoSpace:
		return "NO_SPACE"
	case StatusAccessDenied:
		return "ACCESS_DENIED"
	case StatusOutOfRange:
		return "OUT_OF_RANGE"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// Error implements error. StatusOK is never returned as an error by this
// package; its Error string exists only so Status always satisfies the
// interface.
func (s Status) Error() string {
	return "zk: " + s.String()
}
