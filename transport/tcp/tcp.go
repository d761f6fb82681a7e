// Package tcp provides a types.Transport implementation using TCP (or unix) sockets,
// one socket per kernel channel, with newline-delimited JSON frames.
package tcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/localrivet/gokernel/logx"
	"github.com/localrivet/gokernel/types"
)

// DefaultMaxFrameSize bounds a single frame so a misbehaving peer cannot exhaust memory.
const DefaultMaxFrameSize = 64 << 20

// ErrFrameTooLarge is returned when a peer sends a line longer than the frame limit.
var ErrFrameTooLarge = errors.New("tcp: frame exceeds maximum size")

// TCPTransport implements the Transport interface using a net.Conn.
type TCPTransport struct {
	conn       net.Conn
	reader     *bufio.Reader
	writer     *bufio.Writer
	writeMutex sync.Mutex
	readMutex  sync.Mutex
	logger     types.Logger
	closed     bool
	closeMutex sync.Mutex
	maxFrame   int
}

// Ensure TCPTransport implements types.Transport
var _ types.Transport = (*TCPTransport)(nil)

// NewTCPTransport creates a new TCPTransport wrapping an existing net.Conn.
func NewTCPTransport(conn net.Conn, opts types.TransportOptions) *TCPTransport {
	logger := opts.Logger
	if logger == nil {
		logger = logx.Nop()
	}

	bufferSize := 4096
	if opts.BufferSize > 0 {
		bufferSize = opts.BufferSize
	}
	maxFrame := DefaultMaxFrameSize
	if v, ok := opts.Custom["maxFrameSize"].(int); ok && v > 0 {
		maxFrame = v
	}

	logger.Debug("TCPTransport: wrapping connection %s -> %s", conn.LocalAddr(), conn.RemoteAddr())

	return &TCPTransport{
		conn:     conn,
		reader:   bufio.NewReaderSize(conn, bufferSize),
		writer:   bufio.NewWriterSize(conn, bufferSize),
		logger:   logger,
		maxFrame: maxFrame,
	}
}

// Send writes one frame followed by a newline, respecting the context deadline.
func (t *TCPTransport) Send(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if t.IsClosed() {
		return fmt.Errorf("transport is closed")
	}
	if len(data) == 0 {
		return fmt.Errorf("cannot send empty message")
	}
	if bytes.IndexByte(data, '\n') >= 0 {
		return fmt.Errorf("frame must not contain a newline")
	}

	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetWriteDeadline(deadline); err != nil {
			t.logger.Warn("TCPTransport: Failed to set write deadline from context: %v", err)
		}
		defer t.conn.SetWriteDeadline(time.Time{})
	}

	if _, err := t.writer.Write(data); err != nil {
		_ = t.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := t.writer.WriteByte('\n'); err != nil {
		_ = t.Close()
		return fmt.Errorf("failed to write delimiter: %w", err)
	}
	if err := t.writer.Flush(); err != nil {
		_ = t.Close()
		return fmt.Errorf("failed to flush writer: %w", err)
	}
	return nil
}

// Receive reads the next newline-delimited frame. Cancelling ctx interrupts the
// read without closing the transport.
func (t *TCPTransport) Receive(ctx context.Context) ([]byte, error) {
	if t.IsClosed() {
		return nil, fmt.Errorf("transport is closed")
	}

	t.readMutex.Lock()
	defer t.readMutex.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetReadDeadline(deadline); err != nil {
			t.logger.Warn("TCPTransport: Failed to set read deadline from context: %v", err)
		}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.SetReadDeadline(time.Now())
	})
	defer func() {
		stop()
		_ = t.conn.SetReadDeadline(time.Time{})
	}()

	for {
		line, err := t.readLine(ctx)
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) > 0 {
			return line, nil
		}
	}
}

// readLine assembles one line from the buffered reader, enforcing the frame limit.
func (t *TCPTransport) readLine(ctx context.Context) ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := t.reader.ReadLine()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, context.DeadlineExceeded
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				t.logger.Debug("TCPTransport: Connection closed while reading: %v", err)
				_ = t.Close()
				return nil, io.EOF
			}
			_ = t.Close()
			return nil, fmt.Errorf("failed to read message line: %w", err)
		}
		line = append(line, chunk...)
		if len(line) > t.maxFrame {
			_ = t.Close()
			return nil, ErrFrameTooLarge
		}
		if !isPrefix {
			return line, nil
		}
	}
}

// Close closes the underlying connection. Subsequent calls are no-ops.
func (t *TCPTransport) Close() error {
	t.closeMutex.Lock()
	defer t.closeMutex.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	err := t.conn.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		t.logger.Warn("TCPTransport: Error closing connection: %v", err)
		return err
	}
	return nil
}

// IsClosed returns true if the transport connection is closed.
func (t *TCPTransport) IsClosed() bool {
	t.closeMutex.Lock()
	defer t.closeMutex.Unlock()
	return t.closed
}

// RemoteAddr returns the remote network address.
func (t *TCPTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// LocalAddr returns the local network address.
func (t *TCPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}
