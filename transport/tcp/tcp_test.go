package tcp

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/localrivet/gokernel/logx"
	"github.com/localrivet/gokernel/protocol"
	"github.com/localrivet/gokernel/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietOptions() types.TransportOptions {
	return types.TransportOptions{Logger: logx.Nop()}
}

// pipePair returns two TCPTransports connected over loopback.
func pipePair(t *testing.T) (*TCPTransport, *TCPTransport) {
	t.Helper()
	l, err := Listen("tcp", "127.0.0.1:0", quietOptions())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	accepted := make(chan *TCPTransport, 1)
	go func() {
		tr, err := l.Accept()
		if err == nil {
			accepted <- tr
		}
		close(accepted)
	}()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	client := NewTCPTransport(conn, quietOptions())
	server, ok := <-accepted
	require.True(t, ok)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestTCPTransportSendReceive(t *testing.T) {
	client, server := pipePair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, client.Send(ctx, []byte(`{"n":1}`)))
	require.NoError(t, client.Send(ctx, []byte(`{"n":2}`)))

	got, err := server.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(got))
	got, err = server.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"n":2}`, string(got))

	require.NoError(t, server.Send(ctx, []byte(`{"reply":true}`)))
	got, err = client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"reply":true}`, string(got))
}

func TestTCPTransportRejectsBadFrames(t *testing.T) {
	client, _ := pipePair(t)
	ctx := context.Background()

	assert.Error(t, client.Send(ctx, nil))
	assert.Error(t, client.Send(ctx, []byte("a\nb")))
	assert.False(t, client.IsClosed())
}

func TestTCPTransportReceiveCancelKeepsSocket(t *testing.T) {
	client, server := pipePair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := server.Receive(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, server.IsClosed())

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.NoError(t, client.Send(ctx2, []byte(`"late"`)))
	got, err := server.Receive(ctx2)
	require.NoError(t, err)
	assert.Equal(t, `"late"`, string(got))
}

func TestTCPTransportPeerCloseReturnsEOF(t *testing.T) {
	client, server := pipePair(t)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := server.Receive(ctx)
	assert.True(t, errors.Is(err, io.EOF))
	assert.True(t, server.IsClosed())
}

func TestTCPTransportFrameLimit(t *testing.T) {
	l, err := Listen("tcp", "127.0.0.1:0", quietOptions())
	require.NoError(t, err)
	defer l.Close()

	go func() {
		conn, err := net.Dial("tcp", l.Addr().String())
		if err != nil {
			return
		}
		defer conn.Close()
		big := make([]byte, 256)
		for i := range big {
			big[i] = 'x'
		}
		conn.Write(append(big, '\n'))
		time.Sleep(100 * time.Millisecond)
	}()

	raw, err := l.listener.Accept()
	require.NoError(t, err)
	opts := quietOptions()
	opts.BufferSize = 16
	opts.Custom = map[string]interface{}{"maxFrameSize": 64}
	server := NewTCPTransport(raw, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = server.Receive(ctx)
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
	assert.True(t, server.IsClosed())
}

func TestFactoryOpenBindsEveryChannel(t *testing.T) {
	params, err := protocol.NewConnectionParameters("127.0.0.1")
	require.NoError(t, err)

	var listeners []*Listener
	for _, ch := range protocol.Channels {
		l, err := Listen("tcp", params.Address(ch), quietOptions())
		require.NoError(t, err)
		listeners = append(listeners, l)
		go func() {
			for {
				tr, err := l.Accept()
				if err != nil {
					return
				}
				t.Cleanup(func() { tr.Close() })
			}
		}()
	}
	defer func() {
		for _, l := range listeners {
			l.Close()
		}
	}()

	set, err := NewFactory(quietOptions()).Open(context.Background(), params, "session")
	require.NoError(t, err)
	defer set.Close()

	assert.Len(t, set.Bindings(), len(protocol.Channels))
	for _, ch := range protocol.Channels {
		sock, ok := set.Socket(ch)
		require.True(t, ok, "channel %s", ch)
		assert.Equal(t, params.Address(ch), sock.(*TCPTransport).RemoteAddr().String())
	}
}

type recordingDialer struct {
	addresses []string
	failOn    string
}

func (d *recordingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.addresses = append(d.addresses, address)
	if address == d.failOn {
		return nil, errors.New("refused")
	}
	client, _ := net.Pipe()
	return client, nil
}

func TestFactoryOpenFailureClosesOpenedSockets(t *testing.T) {
	params, err := protocol.NewConnectionParameters("127.0.0.1")
	require.NoError(t, err)

	dialer := &recordingDialer{failOn: params.Address(protocol.ChannelIOPub)}
	f := NewFactory(quietOptions()).WithDialer(dialer)

	set, err := f.Open(context.Background(), params, "session")
	assert.Nil(t, set)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "iopub")
	assert.Equal(t, []string{
		params.Address(protocol.ChannelShell),
		params.Address(protocol.ChannelControl),
		params.Address(protocol.ChannelIOPub),
	}, dialer.addresses)
}
