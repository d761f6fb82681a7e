package client

import (
	"sync"
	"time"

	"github.com/localrivet/gokernel/protocol"
	"github.com/localrivet/gokernel/types"
)

// Heartbeat pings the kernel on the heartbeat channel and calls onDead after
// a run of consecutive unanswered pings.
type Heartbeat struct {
	conn     *Connection
	interval time.Duration
	misses   int
	onDead   func()
	logger   types.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewHeartbeat creates a monitor for conn. It does nothing until Start.
func NewHeartbeat(conn *Connection, interval time.Duration, misses int, onDead func(), logger types.Logger) *Heartbeat {
	if misses <= 0 {
		misses = 1
	}
	return &Heartbeat{
		conn:     conn,
		interval: interval,
		misses:   misses,
		onDead:   onDead,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the monitor goroutine.
func (h *Heartbeat) Start() {
	go h.run()
}

// Stop ends the monitor and waits for it. Safe to call more than once.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

func (h *Heartbeat) run() {
	defer close(h.done)
	missed := 0
	for {
		select {
		case <-h.stop:
			return
		default:
		}

		if h.ping() {
			missed = 0
		} else {
			missed++
			h.logger.Warn("Heartbeat: no answer from kernel (%d/%d)", missed, h.misses)
			if missed >= h.misses {
				h.logger.Error("Heartbeat: kernel declared dead")
				if h.onDead != nil {
					h.onDead()
				}
				return
			}
		}
	}
}

// ping sends one heartbeat and waits up to one interval for the echo. A
// successful ping still waits out the interval before returning.
func (h *Heartbeat) ping() bool {
	deadline := time.NewTimer(h.interval)
	defer deadline.Stop()

	bus := h.conn.Bus()
	if bus == nil || !h.conn.IsConnected() {
		select {
		case <-h.stop:
		case <-deadline.C:
		}
		return false
	}

	msg := protocol.NewMessage(protocol.ChannelHeartbeat, protocol.MsgHeartbeat, nil)
	echoed := make(chan struct{}, 1)
	sub := bus.Subscribe(func(m *protocol.Message) {
		if m.Channel == protocol.ChannelHeartbeat && m.Header.MsgID == msg.Header.MsgID {
			select {
			case echoed <- struct{}{}:
			default:
			}
		}
	})
	defer sub.Unsubscribe()

	if err := h.conn.Send(msg); err != nil {
		h.logger.Debug("Heartbeat: send failed: %v", err)
	}

	answered := false
	for {
		select {
		case <-h.stop:
			return true
		case <-echoed:
			answered = true
		case <-deadline.C:
			return answered
		}
	}
}
