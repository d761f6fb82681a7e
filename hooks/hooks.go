// Package hooks lets callers inject logic at the points where kernel
// messages leave or enter a connection.
package hooks

import (
	"context"
	"fmt"
	"sync"

	"github.com/localrivet/gokernel/protocol"
)

// HookContext describes the connection generation a hook runs in.
type HookContext struct {
	Ctx     context.Context
	Session string
	Channel protocol.Channel
}

// BeforeSendHook runs after the session is stamped and before encoding.
// It may modify msg in place. Returning an error vetoes the send.
type BeforeSendHook func(hookCtx HookContext, msg *protocol.Message) error

// OnReceiveHook runs after a frame is decoded and before it is published on the bus.
// Messages must be treated as read-only.
type OnReceiveHook func(hookCtx HookContext, msg *protocol.Message)

// Registry holds the hooks of one connection. The zero value is ready to use.
type Registry struct {
	mu         sync.RWMutex
	beforeSend []BeforeSendHook
	onReceive  []OnReceiveHook
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// AddBeforeSend appends a send hook. Hooks run in registration order.
func (r *Registry) AddBeforeSend(h BeforeSendHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeSend = append(r.beforeSend, h)
}

// AddOnReceive appends a receive hook. Hooks run in registration order.
func (r *Registry) AddOnReceive(h OnReceiveHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReceive = append(r.onReceive, h)
}

// RunBeforeSend runs every send hook and stops at the first error.
func (r *Registry) RunBeforeSend(hookCtx HookContext, msg *protocol.Message) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	hs := r.beforeSend
	r.mu.RUnlock()

	for i, h := range hs {
		if err := h(hookCtx, msg); err != nil {
			return fmt.Errorf("send hook %d rejected %s: %w", i, msg.Header.MsgType, err)
		}
	}
	return nil
}

// RunOnReceive runs every receive hook.
func (r *Registry) RunOnReceive(hookCtx HookContext, msg *protocol.Message) {
	if r == nil {
		return
	}
	r.mu.RLock()
	hs := r.onReceive
	r.mu.RUnlock()

	for _, h := range hs {
		h(hookCtx, msg)
	}
}
