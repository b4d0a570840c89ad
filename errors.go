package procz

import (
	"errors"
	"fmt"

	"github.com/tinyrange/procz/zk"
)

// ErrorKind tags the failure class of a builder operation.
type ErrorKind int

const (
	KindInvalidArg ErrorKind = iota + 1
	KindBadHandle
	KindCreateProcess
	KindCreateThread
	KindProcessStart
	KindElfParse
	KindElfLoad
	KindProcessargs
	KindGenericStatus
	KindInternal
	KindLoaderMissing
	KindLoadDynamicLinker
	KindLoadDynamicLinkerTimeout
	KindWriteBootstrapMessage
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidArg:
		return "InvalidArg"
	case KindBadHandle:
		return "BadHandle"
	case KindCreateProcess:
		return "CreateProcess"
	case KindCreateThread:
		return "CreateThread"
	case KindProcessStart:
		return "ProcessStart"
	case KindElfParse:
		return "ElfParse"
	case KindElfLoad:
		return "ElfLoad"
	case KindProcessargs:
		return "Processargs"
	case KindGenericStatus:
		return "GenericStatus"
	case KindInternal:
		return "Internal"
	case KindLoaderMissing:
		return "LoaderMissing"
	case KindLoadDynamicLinker:
		return "LoadDynamicLinker"
	case KindLoadDynamicLinkerTimeout:
		return "LoadDynamicLinkerTimeout"
	case KindWriteBootstrapMessage:
		return "WriteBootstrapMessage"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is the error type returned by all builder operations. Kind
// identifies the failure class; Op is a short description of what failed;
// Err, when non-nil, is the underlying cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return e.Op + ": " + e.Err.Error()
	case e.Op != "":
		return e.Op
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Status maps the error deterministically to a single kernel status code,
// for callers that report one.
func (e *Error) Status() zk.Status {
	switch e.Kind {
	case KindInvalidArg, KindLoaderMissing:
		return zk.StatusInvalidArgs
	case KindBadHandle:
		return zk.StatusBadHandle
	case KindLoadDynamicLinker:
		return zk.StatusNotFound
	case KindLoadDynamicLinkerTimeout:
		return zk.StatusTimedOut
	case KindInternal:
		return zk.StatusInternal
	case KindCreateProcess, KindCreateThread, KindProcessStart,
		KindGenericStatus, KindWriteBootstrapMessage:
		var s zk.Status
		if errors.As(e.Err, &s) {
			return s
		}
		return zk.StatusInternal
	case KindElfParse, KindElfLoad, KindProcessargs:
		var s zk.Status
		if errors.As(e.Err, &s) {
			return s
		}
		return zk.StatusInvalidArgs
	default:
		return zk.StatusInternal
	}
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the ErrorKind from an error returned by this package, or
// zero if err is not a builder error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
