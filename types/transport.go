// Package types defines core interfaces and common types used across the gokernel library.
package types

import (
	"context"
)

// Transport defines one socket between the client and a kernel.
// It moves opaque frames; encoding and signing happen above it.
type Transport interface {
	// Send transmits a frame over the transport.
	// It returns an error if the frame could not be written.
	Send(ctx context.Context, data []byte) error

	// Receive blocks until a frame is received, the context is done or
	// the transport is closed.
	Receive(ctx context.Context) ([]byte, error)

	// Close terminates the transport connection.
	// After Close is called, the transport should not be used.
	Close() error

	// IsClosed reports whether Close has been called or the peer went away.
	IsClosed() bool
}

// TransportOptions contains configuration options for creating a Transport.
// Different transport implementations may use different fields.
type TransportOptions struct {
	// BufferSize specifies the size of the read/write buffers.
	BufferSize int

	// Logger is used for logging transport-related events.
	Logger Logger

	// Custom options can be provided as key-value pairs.
	Custom map[string]interface{}
}
