package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/localrivet/gokernel/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryOrderAndVeto(t *testing.T) {
	r := NewRegistry()
	var order []string
	r.AddBeforeSend(func(hc HookContext, msg *protocol.Message) error {
		order = append(order, "first")
		msg.Metadata["tagged"] = true
		return nil
	})
	r.AddBeforeSend(func(hc HookContext, msg *protocol.Message) error {
		order = append(order, "second")
		if msg.Header.MsgType == protocol.MsgShutdownRequest {
			return errors.New("shutdown blocked")
		}
		return nil
	})
	r.AddBeforeSend(func(hc HookContext, msg *protocol.Message) error {
		order = append(order, "third")
		return nil
	})

	hc := HookContext{Ctx: context.Background(), Session: "s", Channel: protocol.ChannelShell}
	msg := protocol.NewMessage(protocol.ChannelShell, protocol.MsgExecuteRequest, nil)
	require.NoError(t, r.RunBeforeSend(hc, msg))
	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Equal(t, true, msg.Metadata["tagged"])

	order = nil
	err := r.RunBeforeSend(hc, protocol.NewMessage(protocol.ChannelControl, protocol.MsgShutdownRequest, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shutdown blocked")
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestRegistryOnReceive(t *testing.T) {
	r := NewRegistry()
	var seen []string
	r.AddOnReceive(func(hc HookContext, msg *protocol.Message) {
		seen = append(seen, string(hc.Channel)+":"+msg.Header.MsgType)
	})
	r.RunOnReceive(HookContext{Channel: protocol.ChannelIOPub}, protocol.NewMessage(protocol.ChannelIOPub, protocol.MsgStatus, nil))
	assert.Equal(t, []string{"iopub:status"}, seen)
}

func TestNilRegistry(t *testing.T) {
	var r *Registry
	assert.NoError(t, r.RunBeforeSend(HookContext{}, protocol.NewMessage(protocol.ChannelShell, protocol.MsgKernelInfoRequest, nil)))
	r.RunOnReceive(HookContext{}, protocol.NewMessage(protocol.ChannelShell, protocol.MsgKernelInfoReply, nil))
}
