// Package websocket provides a types.Transport implementation using WebSockets.
//
// A kernel gateway multiplexes every channel of a kernel over one WebSocket;
// each text frame is a complete JSON message naming its own channel.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/localrivet/gokernel/logx"
	"github.com/localrivet/gokernel/types"
)

const (
	defaultWriteTimeout = 30 * time.Second
	closeFrameTimeout   = 2 * time.Second
	frameBacklog        = 64
)

// WebSocketTransport implements the types.Transport interface using WebSockets.
type WebSocketTransport struct {
	conn       net.Conn
	reader     io.Reader
	state      ws.State
	writeMutex sync.Mutex
	logger     types.Logger

	frames   chan []byte
	closed   chan struct{}
	readDone chan struct{}
	readErr  error

	closeOnce sync.Once
	closeErr  error
}

// Ensure WebSocketTransport implements types.Transport
var _ types.Transport = (*WebSocketTransport)(nil)

// NewWebSocketTransport wraps an established WebSocket connection and starts its read loop.
// reader may carry bytes buffered during the handshake; nil reads straight from conn.
func NewWebSocketTransport(conn net.Conn, reader io.Reader, state ws.State, opts types.TransportOptions) *WebSocketTransport {
	logger := opts.Logger
	if logger == nil {
		logger = logx.Nop()
	}
	if reader == nil {
		reader = conn
	}

	t := &WebSocketTransport{
		conn:     conn,
		reader:   reader,
		state:    state,
		logger:   logger,
		frames:   make(chan []byte, frameBacklog),
		closed:   make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// lockedWriter serializes control-frame replies written by wsutil with Send.
type lockedWriter struct {
	t *WebSocketTransport
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.t.writeMutex.Lock()
	defer w.t.writeMutex.Unlock()
	return w.t.conn.Write(p)
}

func (t *WebSocketTransport) readLoop() {
	defer close(t.readDone)

	rw := struct {
		io.Reader
		io.Writer
	}{t.reader, lockedWriter{t}}

	for {
		var (
			data []byte
			op   ws.OpCode
			err  error
		)
		if t.state == ws.StateServerSide {
			data, op, err = wsutil.ReadClientData(rw)
		} else {
			data, op, err = wsutil.ReadServerData(rw)
		}
		if err != nil {
			t.readErr = mapReadError(err)
			t.logger.Debug("WebSocketTransport: read loop finished: %v", err)
			_ = t.Close()
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		select {
		case t.frames <- data:
		case <-t.closed:
			return
		}
	}
}

func mapReadError(err error) error {
	var closedErr wsutil.ClosedError
	switch {
	case errors.As(err, &closedErr):
		return io.EOF
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return io.EOF
	}
	return fmt.Errorf("websocket read error: %w", err)
}

// Send writes data as one text frame.
func (t *WebSocketTransport) Send(ctx context.Context, data []byte) error {
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

	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		t.logger.Warn("WebSocketTransport: Failed to set write deadline: %v", err)
	}
	defer t.conn.SetWriteDeadline(time.Time{})

	if err := wsutil.WriteMessage(t.conn, t.state, ws.OpText, data); err != nil {
		t.logger.Error("WebSocketTransport: Failed to write message: %v", err)
		go t.Close()
		return fmt.Errorf("failed to write websocket message: %w", err)
	}
	return nil
}

// Receive returns the next data frame. Cancelling ctx abandons the wait but
// leaves the transport open.
func (t *WebSocketTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.frames:
		return data, nil
	default:
	}

	select {
	case data := <-t.frames:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.readDone:
		if t.readErr != nil {
			return nil, t.readErr
		}
		return nil, io.EOF
	case <-t.closed:
		return nil, io.EOF
	}
}

// Close sends a normal closure frame (best effort) and closes the connection.
// Subsequent calls are no-ops.
func (t *WebSocketTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)

		t.writeMutex.Lock()
		_ = t.conn.SetWriteDeadline(time.Now().Add(closeFrameTimeout))
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		if err := wsutil.WriteMessage(t.conn, t.state, ws.OpClose, body); err != nil {
			t.logger.Debug("WebSocketTransport: Failed to write close frame: %v", err)
		}
		t.writeMutex.Unlock()

		if err := t.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			t.logger.Warn("WebSocketTransport: Error closing underlying connection: %v", err)
			t.closeErr = err
		}
	})
	return t.closeErr
}

// IsClosed returns true if the transport connection is closed.
func (t *WebSocketTransport) IsClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// RemoteAddr returns the remote network address.
func (t *WebSocketTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// LocalAddr returns the local network address.
func (t *WebSocketTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}
