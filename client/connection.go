package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/localrivet/gokernel/hooks"
	"github.com/localrivet/gokernel/protocol"
	"github.com/localrivet/gokernel/transport"
	"github.com/localrivet/gokernel/transport/tcp"
	"github.com/localrivet/gokernel/types"
)

// drainGrace bounds how long a generation whose kernel went away keeps
// reading from its remaining sockets.
const drainGrace = 250 * time.Millisecond

// Connection owns the channel sockets to one kernel. Each successful Connect
// starts a new generation with its own session id and Bus; Dispose ends it.
type Connection struct {
	factory transport.Factory
	opts    Options
	logger  types.Logger

	mu  sync.RWMutex
	gen *generation
}

// generation is the state of one Connect/Dispose cycle.
type generation struct {
	params  protocol.ConnectionParameters
	session string
	codec   *protocol.Codec
	bus     *Bus
	sockets *transport.Set
	cancel  context.CancelFunc
	logger  types.Logger
	loops   sync.WaitGroup

	mu       sync.Mutex
	disposed bool
	lost     error
}

// NewConnection creates a disconnected Connection. A nil factory uses
// per-channel TCP sockets (or the factory given by WithTransportFactory).
func NewConnection(factory transport.Factory, opts ...Option) *Connection {
	o := buildOptions(opts)
	if factory == nil {
		factory = o.Transport
	}
	if factory == nil {
		factory = tcp.NewFactory(types.TransportOptions{Logger: o.Logger})
	}
	return &Connection{
		factory: factory,
		opts:    o,
		logger:  o.Logger,
	}
}

// Connect opens every channel described by params and starts receiving.
// Either all sockets open or none stay open.
func (c *Connection) Connect(ctx context.Context, params protocol.ConnectionParameters) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != nil && !c.gen.isDisposed() {
		return ErrAlreadyConnected
	}

	endpoint := params.IP
	if err := params.Validate(); err != nil {
		return NewConnectionError(endpoint, "invalid connection parameters", err)
	}
	codec, err := protocol.NewCodec(params.Key, params.SignatureScheme)
	if err != nil {
		return NewConnectionError(endpoint, "invalid signing configuration", err)
	}

	session := uuid.NewString()
	sockets, err := c.factory.Open(ctx, params, session)
	if err != nil {
		c.logger.Error("Connection: failed to open channels to %s: %v", endpoint, err)
		return NewConnectionError(endpoint, "failed to open channels", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	g := &generation{
		params:  params,
		session: session,
		codec:   codec,
		bus:     NewBus(),
		sockets: sockets,
		cancel:  cancel,
		logger:  c.logger,
	}
	for _, b := range sockets.Bindings() {
		g.loops.Add(1)
		go c.receiveLoop(loopCtx, g, b)
	}
	c.gen = g
	c.logger.Info("Connection: connected to %s (session %s)", endpoint, session)
	return nil
}

// Send writes msg on its channel without waiting for any reply. After
// Dispose, Send is a no-op returning nil.
func (c *Connection) Send(msg *protocol.Message) error {
	return c.SendContext(context.Background(), msg)
}

// SendContext is Send with a context bounding the write.
func (c *Connection) SendContext(ctx context.Context, msg *protocol.Message) error {
	return c.send(ctx, c.current(), msg)
}

// send writes msg on the sockets of generation g. A nil or disposed g drops msg.
func (c *Connection) send(ctx context.Context, g *generation, msg *protocol.Message) error {
	if g == nil || g.isDisposed() {
		c.logger.Debug("Connection: dropping %s, connection is disposed", msg)
		return nil
	}

	if msg.Header.Session == "" {
		msg.Header.Session = g.session
	}
	if msg.Header.Username == "" {
		msg.Header.Username = c.opts.Username
	}
	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}

	hookCtx := hooks.HookContext{Ctx: ctx, Session: g.session, Channel: msg.Channel}
	if err := c.opts.Hooks.RunBeforeSend(hookCtx, msg); err != nil {
		return err
	}

	socket, ok := g.sockets.Socket(msg.Channel)
	if !ok {
		return fmt.Errorf("no socket bound to channel %q", msg.Channel)
	}
	data, err := g.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Header.MsgType, err)
	}

	if c.opts.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.SendTimeout)
		defer cancel()
	}
	if err := socket.Send(ctx, data); err != nil {
		if g.isDisposed() {
			return nil
		}
		return NewTransportError(string(msg.Channel), "failed to send "+msg.Header.MsgType, err)
	}
	c.logger.Debug("Connection: sent %s", msg)
	return nil
}

// Dispose closes every socket and the bus. Pending requests fail with
// ErrConnectionClosed. Dispose is idempotent.
func (c *Connection) Dispose() {
	c.disposeWithCause(ErrConnectionClosed)
}

// disposeWithCause ends the current generation, failing pending requests with cause.
func (c *Connection) disposeWithCause(cause error) {
	if g := c.current(); g != nil {
		g.dispose(cause)
	}
}

// lose ends the current generation after the kernel went away. Frames the
// kernel wrote before leaving are still read and published first.
func (c *Connection) lose(cause error) {
	if g := c.current(); g != nil {
		g.lose(cause)
	}
}

// Bus returns the bus of the current generation, or nil before the first Connect.
func (c *Connection) Bus() *Bus {
	if g := c.current(); g != nil {
		return g.bus
	}
	return nil
}

// Session returns the session id of the current generation.
func (c *Connection) Session() string {
	if g := c.current(); g != nil {
		return g.session
	}
	return ""
}

// IsConnected reports whether a generation is live.
func (c *Connection) IsConnected() bool {
	g := c.current()
	return g != nil && !g.isDisposed()
}

// Params returns the parameters of the current generation.
func (c *Connection) Params() protocol.ConnectionParameters {
	if g := c.current(); g != nil {
		return g.params
	}
	return protocol.ConnectionParameters{}
}

func (c *Connection) current() *generation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

func (c *Connection) receiveLoop(ctx context.Context, g *generation, b transport.Binding) {
	defer g.loops.Done()
	for {
		data, err := b.Socket.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("Connection: %s socket closed: %v", socketName(b), err)
			g.lose(ErrConnectionClosed)
			return
		}

		msg, err := g.codec.Decode(data)
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidSignature) {
				c.logger.Warn("Connection: dropping frame with invalid signature on %s", socketName(b))
			} else {
				c.logger.Warn("Connection: dropping undecodable frame on %s: %v", socketName(b), err)
			}
			continue
		}
		if b.Channel != "" {
			msg.Channel = b.Channel
		} else if !msg.Channel.Valid() {
			c.logger.Warn("Connection: dropping %s with unknown channel %q", msg.Header.MsgType, msg.Channel)
			continue
		}

		c.opts.Hooks.RunOnReceive(hooks.HookContext{Ctx: ctx, Session: g.session, Channel: msg.Channel}, msg)
		c.logger.Debug("Connection: received %s", msg)
		g.bus.Publish(msg)
	}
}

func socketName(b transport.Binding) string {
	if b.Channel == "" {
		return "multiplexed"
	}
	return string(b.Channel)
}

// isDisposed reports whether the generation is closed or closing.
func (g *generation) isDisposed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disposed || g.lost != nil
}

// lose disposes g once every receive loop has ended, or after drainGrace.
// A later cause replaces ErrConnectionClosed, so a process exit noticed
// after the sockets closed is still reported as ErrKernelExited.
func (g *generation) lose(cause error) {
	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return
	}
	first := g.lost == nil
	if first || errors.Is(g.lost, ErrConnectionClosed) {
		g.lost = cause
	}
	g.mu.Unlock()
	if !first {
		return
	}

	go func() {
		drained := make(chan struct{})
		go func() {
			g.loops.Wait()
			close(drained)
		}()
		timer := time.NewTimer(drainGrace)
		defer timer.Stop()
		select {
		case <-drained:
		case <-timer.C:
		}

		g.mu.Lock()
		cause := g.lost
		g.mu.Unlock()
		g.dispose(cause)
	}()
}

func (g *generation) dispose(cause error) {
	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return
	}
	g.disposed = true
	g.mu.Unlock()

	g.cancel()
	if err := g.sockets.Close(); err != nil {
		g.logger.Debug("Connection: error closing sockets: %v", err)
	}
	g.bus.Close(cause)
	g.logger.Info("Connection: session %s closed: %v", g.session, cause)
}
