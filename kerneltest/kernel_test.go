package kerneltest

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/localrivet/gokernel/protocol"
	"github.com/localrivet/gokernel/transport/tcp"
	"github.com/localrivet/gokernel/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterpreter(t *testing.T) {
	in := newInterpreter()
	ctx := context.Background()

	out := in.run(ctx, "a = 1; a")
	require.Nil(t, out.Err)
	assert.True(t, out.HasVal)
	assert.Equal(t, "1", out.Result)

	out = in.run(ctx, "a = a + 41\nprint(a)")
	require.Nil(t, out.Err)
	assert.False(t, out.HasVal)
	assert.Equal(t, []string{"42\n"}, out.Stdout)

	out = in.run(ctx, "s = 'go' + \"pher\"; s")
	require.Nil(t, out.Err)
	assert.Equal(t, "'gopher'", out.Result)

	out = in.run(ctx, "missing")
	require.NotNil(t, out.Err)
	assert.Equal(t, "NameError", out.Err.EName)

	out = in.run(ctx, "print(1); raise ValueError(\"boom\"); print(2)")
	require.NotNil(t, out.Err)
	assert.Equal(t, "ValueError", out.Err.EName)
	assert.Equal(t, "boom", out.Err.EValue)
	assert.Equal(t, []string{"1\n"}, out.Stdout)

	out = in.run(ctx, "1 + 'x'")
	require.NotNil(t, out.Err)
	assert.Equal(t, "TypeError", out.Err.EName)
}

func TestInterpreterSleepInterrupted(t *testing.T) {
	in := newInterpreter()
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	out := in.run(ctx, "sleep(10000)")
	require.NotNil(t, out.Err)
	assert.Equal(t, "KeyboardInterrupt", out.Err.EName)
}

func TestWordAt(t *testing.T) {
	assert.Equal(t, "abc", wordAt("x = abc", 7))
	assert.Equal(t, "abc", wordAt("abc + 1", 1))
	assert.Equal(t, "a1", wordAt("a1", 2))
	assert.Equal(t, "", wordAt("a + ", 4))
}

// rawClient talks to the kernel without the client package.
type rawClient struct {
	t       *testing.T
	codec   *protocol.Codec
	sockets map[protocol.Channel]*tcp.TCPTransport
}

func dialKernel(t *testing.T, k *Kernel) *rawClient {
	t.Helper()
	params := k.Params()
	codec, err := protocol.NewCodec(params.Key, params.SignatureScheme)
	require.NoError(t, err)

	c := &rawClient{t: t, codec: codec, sockets: make(map[protocol.Channel]*tcp.TCPTransport)}
	for _, ch := range protocol.Channels {
		conn, err := net.Dial("tcp", params.Address(ch))
		require.NoError(t, err)
		c.sockets[ch] = tcp.NewTCPTransport(conn, types.TransportOptions{})
	}
	t.Cleanup(func() {
		for _, s := range c.sockets {
			s.Close()
		}
	})
	return c
}

func (c *rawClient) send(msg *protocol.Message) {
	c.t.Helper()
	msg.Header.Session = "raw"
	data, err := c.codec.Encode(msg)
	require.NoError(c.t, err)
	require.NoError(c.t, c.sockets[msg.Channel].Send(context.Background(), data))
}

func (c *rawClient) recv(ch protocol.Channel) *protocol.Message {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := c.sockets[ch].Receive(ctx)
	require.NoError(c.t, err)
	msg, err := c.codec.Decode(data)
	require.NoError(c.t, err)
	return msg
}

func TestKernelExecuteFlow(t *testing.T) {
	k, err := New(WithKey("secret"))
	require.NoError(t, err)
	defer k.Close()

	c := dialKernel(t, k)
	req := protocol.NewMessage(protocol.ChannelShell, protocol.MsgExecuteRequest, map[string]any{"code": "print('hi'); 1 + 1"})
	c.send(req)

	reply := c.recv(protocol.ChannelShell)
	assert.Equal(t, protocol.MsgExecuteReply, reply.Type())
	assert.True(t, reply.IsReplyTo(req))
	assert.Equal(t, "ok", reply.Content["status"])

	var seen []string
	for {
		msg := c.recv(protocol.ChannelIOPub)
		assert.True(t, msg.IsReplyTo(req))
		seen = append(seen, msg.Type())
		if state, ok := msg.ExecutionState(); ok && state == protocol.ExecutionStateIdle {
			break
		}
	}
	assert.Equal(t, []string{"status", "execute_input", "stream", "execute_result", "status"}, seen)
	require.Len(t, k.Received(), 1)
	assert.Equal(t, req.Header.MsgID, k.Received()[0].Header.MsgID)
}

func TestKernelHeartbeatEcho(t *testing.T) {
	k, err := New()
	require.NoError(t, err)
	defer k.Close()

	c := dialKernel(t, k)
	ping := protocol.NewMessage(protocol.ChannelHeartbeat, protocol.MsgHeartbeat, nil)
	c.send(ping)
	echo := c.recv(protocol.ChannelHeartbeat)
	assert.Equal(t, ping.Header.MsgID, echo.Header.MsgID)
	assert.Empty(t, k.Received())
}

func TestKernelShutdownSkipsIdle(t *testing.T) {
	k, err := New()
	require.NoError(t, err)
	defer k.Close()

	c := dialKernel(t, k)
	req := protocol.NewMessage(protocol.ChannelControl, protocol.MsgShutdownRequest, map[string]any{"restart": false})
	c.send(req)

	reply := c.recv(protocol.ChannelControl)
	assert.Equal(t, protocol.MsgShutdownReply, reply.Type())
	busy := c.recv(protocol.ChannelIOPub)
	state, _ := busy.ExecutionState()
	assert.Equal(t, protocol.ExecutionStateBusy, state)

	select {
	case <-k.ShutdownRequested():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown not signalled")
	}
}

func TestListenUsesConnectionFilePorts(t *testing.T) {
	params, err := protocol.NewConnectionParameters("127.0.0.1")
	require.NoError(t, err)

	k, err := Listen(params)
	require.NoError(t, err)
	defer k.Close()
	assert.Equal(t, params, k.Params())

	c := dialKernel(t, k)
	req := protocol.NewMessage(protocol.ChannelShell, protocol.MsgKernelInfoRequest, nil)
	c.send(req)
	reply := c.recv(protocol.ChannelShell)
	assert.Equal(t, protocol.MsgKernelInfoReply, reply.Type())
	assert.Equal(t, "kerneltest", reply.Content["implementation"])
}
