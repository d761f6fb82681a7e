package client

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinels for errors.Is. Connection teardown reports the cause that
// ended the generation: ErrConnectionClosed, ErrKernelExited or
// ErrHeartbeatLost.
var (
	ErrNotConnected     = errors.New("connection is not established")
	ErrAlreadyConnected = errors.New("connection is already established")
	ErrConnectionClosed = errors.New("connection closed")
	ErrKernelExited     = errors.New("kernel process exited")
	ErrHeartbeatLost    = errors.New("kernel stopped answering heartbeats")
	ErrRequestTimeout   = errors.New("request timed out")
	ErrTransportFailure = errors.New("transport failure")
	ErrKernelError      = errors.New("kernel reported error")
	ErrCancelled        = errors.New("operation was cancelled")
)

// ClientError is the base error type for client errors
type ClientError struct {
	Message string
	Cause   error
}

// Error implements the error interface
func (e *ClientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause
func (e *ClientError) Unwrap() error {
	return e.Cause
}

// TransportError is a failed write on one channel socket. Transport names
// the channel.
type TransportError struct {
	ClientError
	Transport string
}

// Error implements the error interface
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error (%s): %s", e.Transport, e.ClientError.Error())
}

// ConnectionError is a failed connect. Endpoint is the shell address.
type ConnectionError struct {
	ClientError
	Endpoint string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error (%s): %s", e.Endpoint, e.ClientError.Error())
}

// TimeoutError is a request turn that outlived RequestTimeout. Operation
// is the request's msg_type.
type TimeoutError struct {
	ClientError
	Operation string
	Timeout   time.Duration
}

// Error implements the error interface
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %v during %s: %s", e.Timeout, e.Operation, e.ClientError.Error())
}

// KernelError is a reply whose status is "error". The collected messages of
// the turn are still available through the Reply that carried it.
type KernelError struct {
	MsgType   string
	EName     string
	EValue    string
	Traceback []string
}

// Error implements the error interface
func (e *KernelError) Error() string {
	if e.EName == "" && e.EValue == "" {
		return fmt.Sprintf("kernel error in %s", e.MsgType)
	}
	return fmt.Sprintf("kernel error in %s: %s: %s", e.MsgType, e.EName, e.EValue)
}

// Is makes errors.Is(err, ErrKernelError) true for every KernelError.
func (e *KernelError) Is(target error) bool {
	return target == ErrKernelError
}

// TracebackText joins the traceback lines.
func (e *KernelError) TracebackText() string {
	return strings.Join(e.Traceback, "\n")
}

// NewTransportError creates a new TransportError
func NewTransportError(transport, message string, cause error) error {
	return &TransportError{
		ClientError: ClientError{
			Message: message,
			Cause:   cause,
		},
		Transport: transport,
	}
}

// NewConnectionError creates a new ConnectionError
func NewConnectionError(endpoint, message string, cause error) error {
	return &ConnectionError{
		ClientError: ClientError{
			Message: message,
			Cause:   cause,
		},
		Endpoint: endpoint,
	}
}

// NewTimeoutError creates a new TimeoutError
func NewTimeoutError(operation string, timeout time.Duration, cause error) error {
	return &TimeoutError{
		ClientError: ClientError{
			Message: fmt.Sprintf("operation timed out after %v", timeout),
			Cause:   cause,
		},
		Operation: operation,
		Timeout:   timeout,
	}
}

// IsTimeoutError checks if an error is a timeout error
func IsTimeoutError(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr) || errors.Is(err, ErrRequestTimeout)
}

// IsTransportError checks if an error is a transport error
func IsTransportError(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr) || errors.Is(err, ErrTransportFailure)
}

// IsConnectionError checks if an error is a connection error
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrAlreadyConnected) ||
		errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrKernelExited) ||
		errors.Is(err, ErrHeartbeatLost)
}

// IsKernelError checks if an error is an error reply from the kernel
func IsKernelError(err error) bool {
	var kernelErr *KernelError
	return errors.As(err, &kernelErr)
}
