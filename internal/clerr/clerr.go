// Package clerr defines the OpenCL error taxonomy used across the engine:
// standard OpenCL status codes plus the dcl-specific extension codes.
package clerr

import "fmt"

// Code is an OpenCL status code. Negative values are errors; zero is
// success. The engine never invents new positive codes.
type Code int32

// Standard OpenCL 1.2 error codes the engine produces or forwards.
const (
	Success                  Code = 0
	DeviceNotFound           Code = -1
	DeviceNotAvailable       Code = -2
	OutOfResources           Code = -5
	OutOfHostMemory          Code = -6
	MemObjectAllocationFail  Code = -4
	InvalidValue             Code = -30
	InvalidContext           Code = -34
	InvalidCommandQueue      Code = -36
	InvalidMemObject         Code = -38
	InvalidEvent             Code = -58
	InvalidEventWaitList     Code = -57
	InvalidOperation         Code = -59
	InvalidKernel            Code = -48
	InvalidKernelArgs        Code = -52
	InvalidBufferSize        Code = -61
	InvalidHostPTR           Code = -37
	MapFailure               Code = -12
	ExecStatusErrorForEvents Code = -14 // EXEC_STATUS_ERROR_FOR_EVENTS_IN_WAIT_LIST
)

// dcl extension codes.
const (
	InvalidNodeFile Code = -2001
	InvalidNodeName Code = -2002
	InvalidNode     Code = -2003
	ConnectionError Code = -2004
	IOError         Code = -2005
	ProtocolError   Code = -2006
)

var names = map[Code]string{
	Success:                  "CL_SUCCESS",
	DeviceNotFound:           "CL_DEVICE_NOT_FOUND",
	DeviceNotAvailable:       "CL_DEVICE_NOT_AVAILABLE",
	OutOfResources:           "CL_OUT_OF_RESOURCES",
	OutOfHostMemory:          "CL_OUT_OF_HOST_MEMORY",
	MemObjectAllocationFail:  "CL_MEM_OBJECT_ALLOCATION_FAILURE",
	InvalidValue:             "CL_INVALID_VALUE",
	InvalidContext:           "CL_INVALID_CONTEXT",
	InvalidCommandQueue:      "CL_INVALID_COMMAND_QUEUE",
	InvalidMemObject:         "CL_INVALID_MEM_OBJECT",
	InvalidEvent:             "CL_INVALID_EVENT",
	InvalidEventWaitList:     "CL_INVALID_EVENT_WAIT_LIST",
	InvalidOperation:         "CL_INVALID_OPERATION",
	InvalidKernel:            "CL_INVALID_KERNEL",
	InvalidKernelArgs:        "CL_INVALID_KERNEL_ARGS",
	InvalidBufferSize:        "CL_INVALID_BUFFER_SIZE",
	InvalidHostPTR:           "CL_INVALID_HOST_PTR",
	MapFailure:               "CL_MAP_FAILURE",
	ExecStatusErrorForEvents: "CL_EXEC_STATUS_ERROR_FOR_EVENTS_IN_WAIT_LIST",
	InvalidNodeFile:          "CL_INVALID_NODE_FILE",
	InvalidNodeName:          "CL_INVALID_NODE_NAME",
	InvalidNode:              "CL_INVALID_NODE",
	ConnectionError:          "CL_CONNECTION_ERROR",
	IOError:                  "CL_IO_ERROR",
	ProtocolError:            "CL_PROTOCOL_ERROR",
}

func (c Code) String() string {
	if name, ok := names[c]; ok {
		return name
	}
	return fmt.Sprintf("CL_ERROR(%d)", int32(c))
}

// Error wraps a Code so it satisfies the error interface while still being
// inspectable by callers that need the numeric status (e.g. to fill in an
// OpenCL error response or an event's negative execution status).
type Error struct {
	Code  Code
	Cause error
}

// New builds an Error for code with no further detail.
func New(code Code) *Error {
	return &Error{Code: code}
}

// Wrap attaches code to an underlying cause, e.g. a transport failure that
// is surfaced to the caller as CL_IO_ERROR.
func Wrap(code Code, cause error) *Error {
	return &Error{Code: code, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// As extracts the Code from err if err is (or wraps) an *Error.
func As(err error) (Code, bool) {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if ce, ok := err.(*Error); ok {
			return ce.Code, true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return Success, false
		}
		err = u.Unwrap()
	}
	return Success, false
}

// IsTerminalStatus reports whether status (as used on events/commands)
// represents COMPLETE or any negative error status — the two states from
// which no further transition is possible.
func IsTerminalStatus(status int32) bool {
	return status <= 0
}
