// Package transport provides the socket layer between a kernel client and a kernel.
//
// A Factory opens a Set for one connection generation. A Set binds every
// protocol channel to a socket; per-channel transports (tcp) bind one socket
// per channel while multiplexed transports (websocket) bind every channel to
// the same socket.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/localrivet/gokernel/protocol"
	"github.com/localrivet/gokernel/types"
)

// Factory opens the sockets of one connection generation.
type Factory interface {
	// Open dials every channel described by params. On failure no socket is left open.
	Open(ctx context.Context, params protocol.ConnectionParameters, session string) (*Set, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context, params protocol.ConnectionParameters, session string) (*Set, error)

// Open implements Factory.
func (f FactoryFunc) Open(ctx context.Context, params protocol.ConnectionParameters, session string) (*Set, error) {
	return f(ctx, params, session)
}

// Binding is one distinct socket of a Set. Channel is empty for multiplexed sockets,
// whose frames name their own channel.
type Binding struct {
	Channel protocol.Channel
	Socket  types.Transport
}

// Set maps channels to sockets.
type Set struct {
	mu        sync.Mutex
	byChannel map[protocol.Channel]types.Transport
	bindings  []Binding
	closed    bool
}

// NewSet creates an empty socket set.
func NewSet() *Set {
	return &Set{byChannel: make(map[protocol.Channel]types.Transport)}
}

// Bind dedicates socket to a single channel.
func (s *Set) Bind(ch protocol.Channel, socket types.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byChannel[ch] = socket
	s.bindings = append(s.bindings, Binding{Channel: ch, Socket: socket})
}

// Multiplex binds every channel in chans to one shared socket.
func (s *Set) Multiplex(socket types.Transport, chans ...protocol.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range chans {
		s.byChannel[ch] = socket
	}
	s.bindings = append(s.bindings, Binding{Socket: socket})
}

// Socket returns the socket carrying ch.
func (s *Set) Socket(ch protocol.Channel) (types.Transport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byChannel[ch]
	return t, ok
}

// Bindings returns each distinct socket once.
func (s *Set) Bindings() []Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Binding, len(s.bindings))
	copy(out, s.bindings)
	return out
}

// Close closes every distinct socket once and returns the joined errors.
// Subsequent calls are no-ops.
func (s *Set) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	bindings := s.bindings
	s.mu.Unlock()

	var errs []error
	for _, b := range bindings {
		if err := b.Socket.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
