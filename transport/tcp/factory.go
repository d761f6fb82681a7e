package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/localrivet/gokernel/logx"
	"github.com/localrivet/gokernel/protocol"
	"github.com/localrivet/gokernel/transport"
	"github.com/localrivet/gokernel/types"
)

// DefaultDialTimeout is the default timeout for establishing one channel socket.
const DefaultDialTimeout = 10 * time.Second

// Dialer opens raw connections. *net.Dialer and tunnel.SSHTunnel satisfy it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Factory dials one socket per channel of a connection file.
type Factory struct {
	Dialer      Dialer
	DialTimeout time.Duration
	Options     types.TransportOptions
}

// NewFactory creates a Factory using a plain net.Dialer.
func NewFactory(opts types.TransportOptions) *Factory {
	return &Factory{
		Dialer:      &net.Dialer{},
		DialTimeout: DefaultDialTimeout,
		Options:     opts,
	}
}

// WithDialer returns a copy of f that dials through d (an SSH tunnel, for instance).
func (f *Factory) WithDialer(d Dialer) *Factory {
	cp := *f
	cp.Dialer = d
	return &cp
}

// Open implements transport.Factory. Either every channel is connected or none is.
func (f *Factory) Open(ctx context.Context, params protocol.ConnectionParameters, session string) (*transport.Set, error) {
	logger := f.Options.Logger
	if logger == nil {
		logger = logx.Nop()
	}
	timeout := f.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	set := transport.NewSet()
	for _, ch := range protocol.Channels {
		address := params.Address(ch)
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		conn, err := f.Dialer.DialContext(dialCtx, params.Network(), address)
		cancel()
		if err != nil {
			closeErr := set.Close()
			logger.Error("TCPTransport: Failed to dial %s channel at %s: %v", ch, address, err)
			return nil, errors.Join(fmt.Errorf("failed to dial %s channel at %s: %w", ch, address, err), closeErr)
		}
		logger.Debug("TCPTransport: %s channel connected to %s", ch, address)
		set.Bind(ch, NewTCPTransport(conn, f.Options))
	}
	return set, nil
}

var _ transport.Factory = (*Factory)(nil)

// Listener wraps a net.Listener to accept connections and create TCPTransports.
type Listener struct {
	listener net.Listener
	opts     types.TransportOptions
	logger   types.Logger
}

// Listen starts a listener on the given address.
func Listen(network, address string, opts types.TransportOptions) (*Listener, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logx.Nop()
	}

	l, err := net.Listen(network, address)
	if err != nil {
		logger.Error("TCPTransport: Failed to listen on %s: %v", address, err)
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	logger.Debug("TCPTransport: Listening on %s", l.Addr().String())

	return &Listener{
		listener: l,
		opts:     opts,
		logger:   logger,
	}, nil
}

// Accept waits for and returns the next connection to the listener as a TCPTransport.
func (l *Listener) Accept() (*TCPTransport, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		return nil, fmt.Errorf("failed to accept connection: %w", err)
	}
	l.logger.Debug("TCPTransport Listener: Accepted connection from %s", conn.RemoteAddr().String())
	return NewTCPTransport(conn, l.opts), nil
}

// Close stops listening for new connections.
func (l *Listener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Port returns the bound TCP port, or 0 for non-TCP listeners.
func (l *Listener) Port() uint16 {
	if addr, ok := l.listener.Addr().(*net.TCPAddr); ok {
		return uint16(addr.Port)
	}
	return 0
}
