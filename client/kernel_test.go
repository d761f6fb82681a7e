package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/localrivet/gokernel/auth"
	"github.com/localrivet/gokernel/kerneltest"
	"github.com/localrivet/gokernel/protocol"
	"github.com/localrivet/gokernel/transport/websocket"
	"github.com/localrivet/gokernel/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helperKernelEnv makes the test binary act as a launched kernel.
const helperKernelEnv = "GOKERNEL_HELPER_KERNEL"

func TestMain(m *testing.M) {
	switch os.Getenv(helperKernelEnv) {
	case "serve":
		if err := kerneltest.Serve(context.Background(), os.Args[len(os.Args)-1]); err != nil {
			os.Exit(2)
		}
		os.Exit(0)
	case "exit":
		os.Exit(1)
	}
	os.Exit(m.Run())
}

func helperSpec(mode string, interruptMode string) LaunchSpec {
	return LaunchSpec{
		Argv:          []string{os.Args[0], ConnectionFilePlaceholder},
		Env:           map[string]string{helperKernelEnv: mode},
		DisplayName:   "helper",
		InterruptMode: interruptMode,
	}
}

func launchRetry() Option {
	return WithLaunchRetry(NewConstantBackoff(50*time.Millisecond, 100))
}

func attach(t *testing.T, k *kerneltest.Kernel, opts ...Option) *Kernel {
	t.Helper()
	kernel, err := Attach(context.Background(), k.Params(), quiet(opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { kernel.Close() })
	return kernel
}

func TestKernelExecute(t *testing.T) {
	kernel := attach(t, startKernel(t))
	ctx := context.Background()

	res, err := kernel.Execute(ctx, "a = 1; a")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, res.Status)
	assert.Equal(t, 1, res.ExecutionCount)
	assert.Equal(t, "1", res.Result)
	assert.Equal(t, "1", res.Data["text/plain"])

	res, err = kernel.Execute(ctx, "a = 2; a")
	require.NoError(t, err)
	assert.Equal(t, "2", res.Result)
	assert.Equal(t, 2, res.ExecutionCount)

	res, err = kernel.Execute(ctx, "print('x'); print(a + 1)")
	require.NoError(t, err)
	assert.Equal(t, "x\n3\n", res.Stdout)
	assert.Empty(t, res.Result)
	assert.Nil(t, res.Error)
}

func TestKernelExecuteError(t *testing.T) {
	kernel := attach(t, startKernel(t))

	res, err := kernel.Execute(context.Background(), `print(1); raise ValueError("bad input")`)
	require.Error(t, err)
	assert.True(t, IsKernelError(err))
	assert.ErrorIs(t, err, ErrKernelError)

	var kerr *KernelError
	require.True(t, errors.As(err, &kerr))
	assert.Equal(t, "ValueError", kerr.EName)
	assert.Equal(t, "bad input", kerr.EValue)
	assert.Contains(t, kerr.TracebackText(), "ValueError")

	require.NotNil(t, res)
	assert.Equal(t, protocol.StatusError, res.Status)
	assert.Same(t, kerr, res.Error)
	assert.Equal(t, "1\n", res.Stdout)
	assert.Len(t, res.Reply.Find(protocol.MsgError), 1)
}

func TestKernelInspectAndInfo(t *testing.T) {
	kernel := attach(t, startKernel(t))
	ctx := context.Background()

	_, err := kernel.Execute(ctx, "answer = 42")
	require.NoError(t, err)

	insp, err := kernel.Inspect(ctx, "answer", 3, 0)
	require.NoError(t, err)
	assert.True(t, insp.Found)
	assert.Equal(t, "answer: 42", insp.Data["text/plain"])

	insp, err = kernel.Inspect(ctx, "nothing", 7, 0)
	require.NoError(t, err)
	assert.False(t, insp.Found)

	info, err := kernel.KernelInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.CurrentProtocolVersion, info.ProtocolVersion)
	assert.Equal(t, "toy", info.LanguageInfo.Name)
}

func TestKernelInterruptByMessage(t *testing.T) {
	kernel := attach(t, startKernel(t))
	ctx := context.Background()

	errs := make(chan error, 1)
	go func() {
		_, err := kernel.Execute(ctx, "sleep(10000)")
		errs <- err
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, kernel.Interrupt(ctx))

	select {
	case err := <-errs:
		var kerr *KernelError
		require.True(t, errors.As(err, &kerr))
		assert.Equal(t, "KeyboardInterrupt", kerr.EName)
	case <-time.After(3 * time.Second):
		t.Fatal("execute not interrupted")
	}
}

func TestKernelReconnectKeepsKernelState(t *testing.T) {
	kernel := attach(t, startKernel(t))
	ctx := context.Background()

	_, err := kernel.Execute(ctx, "a = 7")
	require.NoError(t, err)
	before := kernel.Session()

	require.NoError(t, kernel.Reconnect(ctx))
	assert.NotEqual(t, before, kernel.Session())

	res, err := kernel.Execute(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "7", res.Result)
}

func TestKernelCloseIsIdempotent(t *testing.T) {
	kernel := attach(t, startKernel(t))
	require.NoError(t, kernel.Close())
	require.NoError(t, kernel.Close())
	assert.False(t, kernel.Connection().IsConnected())

	_, err := kernel.Execute(context.Background(), "1")
	assert.True(t, IsConnectionError(err))
}

func TestKernelShutdownAttached(t *testing.T) {
	k := startKernel(t)
	kernel := attach(t, k)

	reply, err := kernel.Shutdown(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, reply.Status)
	assert.False(t, reply.Restart)

	select {
	case <-k.ShutdownRequested():
	case <-time.After(time.Second):
		t.Fatal("kernel did not see the shutdown")
	}
}

func TestKernelOverGateway(t *testing.T) {
	k := startKernel(t)
	cfg := auth.JWTConfig{Secret: []byte("gateway-secret"), Issuer: "gokernel-test", Audience: "gateway"}
	validator, err := auth.NewHMACTokenValidator(cfg)
	require.NoError(t, err)
	tokens, err := auth.NewJWTTokenSource(cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(k.GatewayHandler(validator))
	defer srv.Close()

	factory := websocket.NewFactory(srv.URL, "kernel-1", tokens, types.TransportOptions{})
	kernel := attach(t, k, WithTransportFactory(factory))

	res, err := kernel.Execute(context.Background(), "greeting = 'hi'; print(greeting); greeting + '!'")
	require.NoError(t, err)
	assert.Equal(t, "hi\n", res.Stdout)
	assert.Equal(t, "'hi!'", res.Result)

	// Without a token the gateway refuses the upgrade.
	bad := websocket.NewFactory(srv.URL, "kernel-1", auth.StaticToken("nope"), types.TransportOptions{})
	_, err = Attach(context.Background(), k.Params(), quiet(WithTransportFactory(bad))...)
	assert.True(t, IsConnectionError(err))
}

func TestLaunchExecuteAndShutdown(t *testing.T) {
	dir := t.TempDir()
	kernel, err := Launch(context.Background(), helperSpec("serve", ""), quiet(launchRetry(), WithConnectionDir(dir))...)
	require.NoError(t, err)
	defer kernel.Close()

	connFile := kernel.ConnectionFile()
	assert.Equal(t, dir, filepath.Dir(connFile))
	onDisk, err := protocol.ReadConnectionFile(connFile)
	require.NoError(t, err)
	assert.Equal(t, kernel.Params().ShellPort, onDisk.ShellPort)
	assert.Equal(t, "helper", onDisk.KernelName)

	res, err := kernel.Execute(context.Background(), "a = 1; a")
	require.NoError(t, err)
	assert.Equal(t, "1", res.Result)

	// The helper exits as soon as it has written the shutdown_reply.
	reply, err := kernel.Shutdown(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, reply.Status)
	assert.True(t, kernel.Process().Exited())

	bus := kernel.Connection().Bus()
	select {
	case <-bus.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not disposed after the kernel exited")
	}
	assert.True(t, IsConnectionError(bus.Err()))

	require.NoError(t, kernel.Close())
	_, err = os.Stat(connFile)
	assert.True(t, os.IsNotExist(err))
}

func TestLaunchKernelDeathFailsPendingRequest(t *testing.T) {
	kernel, err := Launch(context.Background(), helperSpec("serve", ""), quiet(launchRetry(), WithKillTimeout(200*time.Millisecond))...)
	require.NoError(t, err)
	defer kernel.Close()
	connFile := kernel.ConnectionFile()

	errs := make(chan error, 1)
	go func() {
		_, err := kernel.Execute(context.Background(), "sleep(10000)")
		errs <- err
	}()
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, kernel.Process().cmd.Process.Kill())

	select {
	case err := <-errs:
		assert.True(t, IsConnectionError(err), "got %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("pending request not failed by kernel death")
	}

	require.NoError(t, kernel.Close())
	_, err = os.Stat(filepath.Dir(connFile))
	assert.True(t, os.IsNotExist(err), "temporary connection directory removed")
}

func TestLaunchInterruptBySignal(t *testing.T) {
	skipOnWindows(t)
	kernel, err := Launch(context.Background(), helperSpec("serve", InterruptModeSignal), quiet(launchRetry())...)
	require.NoError(t, err)
	defer kernel.Close()

	errs := make(chan error, 1)
	go func() {
		_, err := kernel.Execute(context.Background(), "sleep(10000)")
		errs <- err
	}()
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, kernel.Interrupt(context.Background()))

	select {
	case err := <-errs:
		var kerr *KernelError
		require.True(t, errors.As(err, &kerr), "got %v", err)
		assert.Equal(t, "KeyboardInterrupt", kerr.EName)
	case <-time.After(3 * time.Second):
		t.Fatal("execute not interrupted by SIGINT")
	}

	res, err := kernel.Execute(context.Background(), "'still alive'")
	require.NoError(t, err)
	assert.Equal(t, "'still alive'", res.Result)
}

func TestLaunchProcessExitsBeforeConnect(t *testing.T) {
	_, err := Launch(context.Background(), helperSpec("exit", ""), quiet(launchRetry())...)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKernelExited)
}

func TestLaunchWithoutRetryFailsFast(t *testing.T) {
	spec := LaunchSpec{Argv: []string{"/nonexistent/kernel-binary"}}
	_, err := Launch(context.Background(), spec, quiet()...)
	assert.Error(t, err)
}
