package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/localrivet/gokernel/protocol"
	"github.com/localrivet/gokernel/types"
)

// Reply is the outcome of one request turn.
type Reply struct {
	Request *protocol.Message
	// Messages holds every message attributed to the turn, in arrival order.
	Messages []*protocol.Message
}

// Reply returns the last message of the expected reply type, or nil when the
// turn ended without one (a shutdown_reply ends every turn). Requests of an
// unknown type expect no reply, so Reply is always nil for them.
func (r *Reply) Reply() *protocol.Message {
	expected := protocol.ReplyType(r.Request.Header.MsgType)
	if expected == protocol.MsgStatus {
		return nil
	}
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Header.MsgType == expected {
			return r.Messages[i]
		}
	}
	return nil
}

// Find returns the collected messages of type msgType in arrival order.
func (r *Reply) Find(msgType string) []*protocol.Message {
	var out []*protocol.Message
	for _, m := range r.Messages {
		if m.Header.MsgType == msgType {
			out = append(out, m)
		}
	}
	return out
}

// Correlator sends requests over a Connection and decides when each turn is
// complete: the expected reply has arrived and the kernel has reported idle,
// in either order. A shutdown_reply completes a turn at once.
type Correlator struct {
	conn   *Connection
	opts   Options
	logger types.Logger
}

// NewCorrelator creates a Correlator for conn. Options given here override
// the defaults, not the connection's options.
func NewCorrelator(conn *Connection, opts ...Option) *Correlator {
	o := buildOptions(opts)
	return &Correlator{conn: conn, opts: o, logger: o.Logger}
}

// Request sends msg and waits for its turn to complete.
//
// It fails with ErrConnectionClosed or ErrKernelExited when the connection
// goes away, with ErrCancelled when ctx ends, and with a *TimeoutError when
// the request timeout elapses.
func (c *Correlator) Request(ctx context.Context, msg *protocol.Message) (*Reply, error) {
	// The subscription and the send must use the same generation.
	g := c.conn.current()
	if g == nil {
		return nil, ErrNotConnected
	}
	bus := g.bus

	p := newPending(msg, c.opts.Correlation)
	sub := bus.Subscribe(p.observe)
	defer sub.Unsubscribe()

	if err := c.conn.send(ctx, g, msg); err != nil {
		return nil, err
	}

	var timeout <-chan time.Time
	if c.opts.RequestTimeout > 0 {
		timer := time.NewTimer(c.opts.RequestTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case reply := <-p.result:
		return reply, nil
	case <-bus.Done():
		// A reply published just before the close still completes the turn.
		<-sub.Done()
		select {
		case reply := <-p.result:
			return reply, nil
		default:
		}
		err := bus.Err()
		if err == nil {
			err = ErrConnectionClosed
		}
		c.logger.Debug("Correlator: %s abandoned: %v", msg.Header.MsgType, err)
		return nil, err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	case <-timeout:
		return nil, NewTimeoutError(msg.Header.MsgType, c.opts.RequestTimeout, ErrRequestTimeout)
	}
}

// pending is the state of one in-flight request. observe runs only on the
// subscription's delivery goroutine, so the fields need no locking.
type pending struct {
	request  *protocol.Message
	expected string
	policy   CorrelationPolicy

	collected  []*protocol.Message
	idle       bool
	replyFound bool
	resolved   bool

	once   sync.Once
	result chan *Reply
}

func newPending(req *protocol.Message, policy CorrelationPolicy) *pending {
	return &pending{
		request:  req,
		expected: protocol.ReplyType(req.Header.MsgType),
		policy:   policy,
		result:   make(chan *Reply, 1),
	}
}

func (p *pending) related(msg *protocol.Message) bool {
	return p.policy == MatchByType || msg.IsReplyTo(p.request)
}

func (p *pending) observe(msg *protocol.Message) {
	if p.resolved || !p.related(msg) {
		return
	}
	p.collected = append(p.collected, msg)

	if protocol.IsTerminalReply(msg.Header.MsgType) {
		p.resolve()
		return
	}
	if state, ok := msg.ExecutionState(); ok {
		p.idle = state == protocol.ExecutionStateIdle
	}
	if msg.Header.MsgType == p.expected {
		p.replyFound = true
	}
	if p.replyFound && p.idle {
		p.resolve()
	}
}

func (p *pending) resolve() {
	p.resolved = true
	p.once.Do(func() {
		p.result <- &Reply{Request: p.request, Messages: p.collected}
	})
}
