package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/localrivet/gokernel/protocol"
	"github.com/localrivet/gokernel/types"
)

// Kernel is a connected kernel, launched by Launch or reached by Attach.
// Its methods are safe for concurrent use; with the default MatchByParent
// policy concurrent requests do not complete each other.
type Kernel struct {
	conn   *Connection
	corr   *Correlator
	opts   Options
	logger types.Logger
	params protocol.ConnectionParameters

	spec     *LaunchSpec
	proc     *Process
	connFile string
	tempDir  string

	mu     sync.Mutex
	hb     *Heartbeat
	closed bool
}

// ExecuteResult is what one execute_request produced.
type ExecuteResult struct {
	Status         string
	ExecutionCount int
	// Result is the text/plain form of the execute_result, if any.
	Result string
	// Data holds every mime type of the execute_result.
	Data   map[string]any
	Stdout string
	Stderr string
	// Displays holds the data of each display_data message.
	Displays []map[string]any
	// Error is set when Status is "error".
	Error *KernelError
	Reply *Reply
}

// Launch writes a connection file, starts the kernel described by spec and
// connects to it. The kernel binds its ports some time after it starts, so
// pass WithLaunchRetry to retry the connect.
func Launch(ctx context.Context, spec LaunchSpec, opts ...Option) (*Kernel, error) {
	o := buildOptions(opts)

	params, err := protocol.NewConnectionParameters("127.0.0.1")
	if err != nil {
		return nil, err
	}
	params.KernelName = spec.DisplayName

	dir, tempDir := o.ConnectionDir, ""
	if dir == "" {
		if dir, err = os.MkdirTemp("", "gokernel-"); err != nil {
			return nil, fmt.Errorf("failed to create connection directory: %w", err)
		}
		tempDir = dir
	}
	connFile := filepath.Join(dir, "kernel-"+uuid.NewString()+".json")
	if err := params.WriteConnectionFile(connFile); err != nil {
		removeLaunchFiles(connFile, tempDir)
		return nil, err
	}

	proc, err := NewSupervisor(spec, opts...).Start(ctx, connFile)
	if err != nil {
		removeLaunchFiles(connFile, tempDir)
		return nil, err
	}

	k := newKernel(params, o, opts)
	k.spec = &spec
	k.proc = proc
	k.connFile = connFile
	k.tempDir = tempDir

	connectCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	proc.OnExit(func(error) {
		cancel()
		k.conn.lose(ErrKernelExited)
	})

	err = retry(connectCtx, o.LaunchRetry, func(attempt int) error {
		err := k.conn.Connect(connectCtx, params)
		if err != nil {
			k.logger.Debug("Kernel: connect attempt %d failed: %v", attempt, err)
		}
		return err
	})
	if err == nil && proc.Exited() {
		err = ErrKernelExited
	}
	if err != nil {
		if proc.Exited() && !errors.Is(err, ErrKernelExited) {
			err = fmt.Errorf("%w: %v", ErrKernelExited, err)
		}
		k.Close()
		return nil, err
	}

	k.startHeartbeat()
	k.logger.Info("Kernel: launched %s (pid %d)", spec.Argv[0], proc.Pid())
	return k, nil
}

// Attach connects to a kernel that is already running. Close disconnects but
// does not stop the kernel.
func Attach(ctx context.Context, params protocol.ConnectionParameters, opts ...Option) (*Kernel, error) {
	k := newKernel(params, buildOptions(opts), opts)
	if err := k.conn.Connect(ctx, params); err != nil {
		return nil, err
	}
	k.startHeartbeat()
	return k, nil
}

func newKernel(params protocol.ConnectionParameters, o Options, opts []Option) *Kernel {
	conn := NewConnection(o.Transport, opts...)
	return &Kernel{
		conn:   conn,
		corr:   NewCorrelator(conn, opts...),
		opts:   o,
		logger: o.Logger,
		params: params,
	}
}

func removeLaunchFiles(connFile, tempDir string) {
	os.Remove(connFile)
	if tempDir != "" {
		os.RemoveAll(tempDir)
	}
}

func (k *Kernel) startHeartbeat() {
	if k.opts.HeartbeatInterval <= 0 {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.hb != nil {
		k.hb.Stop()
	}
	k.hb = NewHeartbeat(k.conn, k.opts.HeartbeatInterval, k.opts.HeartbeatMisses, func() {
		k.conn.disposeWithCause(ErrHeartbeatLost)
	}, k.logger)
	k.hb.Start()
}

func (k *Kernel) stopHeartbeat() {
	k.mu.Lock()
	hb := k.hb
	k.hb = nil
	k.mu.Unlock()
	if hb != nil {
		hb.Stop()
	}
}

// Request sends msg and returns every message of its turn.
func (k *Kernel) Request(ctx context.Context, msg *protocol.Message) (*Reply, error) {
	return k.corr.Request(ctx, msg)
}

// request sends a request of msgType on ch and returns the expected reply.
// A reply with status "error" is returned together with a *KernelError.
func (k *Kernel) request(ctx context.Context, ch protocol.Channel, msgType string, content any) (*Reply, *protocol.Message, error) {
	body, err := protocol.EncodeContent(content)
	if err != nil {
		return nil, nil, err
	}
	reply, err := k.Request(ctx, protocol.NewMessage(ch, msgType, body))
	if err != nil {
		return nil, nil, err
	}
	msg := reply.Reply()
	if msg == nil {
		return reply, nil, fmt.Errorf("%s ended without %s", msgType, protocol.ReplyType(msgType))
	}
	if status, _ := msg.Content["status"].(string); status == protocol.StatusError {
		return reply, msg, kernelError(msg)
	}
	return reply, msg, nil
}

func kernelError(msg *protocol.Message) *KernelError {
	var content protocol.ErrorContent
	if err := protocol.DecodeContent(msg, &content); err != nil {
		return &KernelError{MsgType: msg.Header.MsgType}
	}
	return &KernelError{
		MsgType:   msg.Header.MsgType,
		EName:     content.EName,
		EValue:    content.EValue,
		Traceback: content.Traceback,
	}
}

// Execute runs code and gathers its output. When the kernel reports an
// error the result is returned along with the *KernelError.
func (k *Kernel) Execute(ctx context.Context, code string) (*ExecuteResult, error) {
	return k.ExecuteRequest(ctx, protocol.ExecuteRequest{
		Code:            code,
		StoreHistory:    true,
		StopOnError:     true,
		UserExpressions: map[string]any{},
	})
}

// ExecuteRequest is Execute with full control over the request content.
func (k *Kernel) ExecuteRequest(ctx context.Context, req protocol.ExecuteRequest) (*ExecuteResult, error) {
	if req.UserExpressions == nil {
		req.UserExpressions = map[string]any{}
	}
	reply, msg, err := k.request(ctx, protocol.ChannelShell, protocol.MsgExecuteRequest, req)
	if reply == nil {
		return nil, err
	}

	result := collectExecute(reply)
	if msg != nil {
		var content protocol.ExecuteReply
		if derr := protocol.DecodeContent(msg, &content); derr == nil {
			result.Status = content.Status
			result.ExecutionCount = content.ExecutionCount
		}
	}
	var kerr *KernelError
	if errors.As(err, &kerr) {
		result.Error = kerr
	}
	return result, err
}

func collectExecute(reply *Reply) *ExecuteResult {
	result := &ExecuteResult{Reply: reply}
	var stdout, stderr strings.Builder
	for _, m := range reply.Messages {
		switch m.Header.MsgType {
		case protocol.MsgStream:
			var s protocol.StreamContent
			if protocol.DecodeContent(m, &s) != nil {
				continue
			}
			if s.Name == "stderr" {
				stderr.WriteString(s.Text)
			} else {
				stdout.WriteString(s.Text)
			}
		case protocol.MsgExecuteResult:
			var r protocol.ExecuteResult
			if protocol.DecodeContent(m, &r) == nil && result.Data == nil {
				result.Data = r.Data
				result.Result = r.Text()
			}
		case protocol.MsgDisplayData:
			var r protocol.ExecuteResult
			if protocol.DecodeContent(m, &r) == nil {
				result.Displays = append(result.Displays, r.Data)
			}
		}
	}
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	return result
}

// Inspect asks the kernel about the object at cursorPos in code.
func (k *Kernel) Inspect(ctx context.Context, code string, cursorPos, detailLevel int) (*protocol.InspectReply, error) {
	_, msg, err := k.request(ctx, protocol.ChannelShell, protocol.MsgInspectRequest, map[string]any{
		"code":         code,
		"cursor_pos":   cursorPos,
		"detail_level": detailLevel,
	})
	if err != nil {
		return nil, err
	}
	var out protocol.InspectReply
	if err := protocol.DecodeContent(msg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// KernelInfo returns the kernel's self description.
func (k *Kernel) KernelInfo(ctx context.Context) (*protocol.KernelInfoReply, error) {
	_, msg, err := k.request(ctx, protocol.ChannelShell, protocol.MsgKernelInfoRequest, map[string]any{})
	if err != nil {
		return nil, err
	}
	var out protocol.KernelInfoReply
	if err := protocol.DecodeContent(msg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Interrupt aborts the running cell: with SIGINT for launched kernels whose
// interrupt mode is "signal", otherwise with an interrupt_request on control.
func (k *Kernel) Interrupt(ctx context.Context) error {
	if k.proc != nil && k.spec != nil && k.spec.InterruptMode != InterruptModeMessage {
		return k.proc.Interrupt()
	}
	_, _, err := k.request(ctx, protocol.ChannelControl, protocol.MsgInterruptRequest, map[string]any{})
	return err
}

// Shutdown asks the kernel to shut down, or to restart when restart is true.
// The turn ends with the shutdown_reply. A launched kernel that does not
// exit within the kill timeout is killed.
func (k *Kernel) Shutdown(ctx context.Context, restart bool) (*protocol.ShutdownReply, error) {
	_, msg, err := k.request(ctx, protocol.ChannelControl, protocol.MsgShutdownRequest, map[string]any{"restart": restart})
	if err != nil {
		return nil, err
	}
	var out protocol.ShutdownReply
	if err := protocol.DecodeContent(msg, &out); err != nil {
		return nil, err
	}
	if !restart && k.proc != nil && !waitExited(k.proc, k.opts.KillTimeout) {
		k.logger.Warn("Kernel: pid %d ignored shutdown, killing it", k.proc.Pid())
		k.proc.Kill()
	}
	return &out, nil
}

// Reconnect drops the current connection and connects again with a new
// session. Requests pending on the old connection fail with ErrConnectionClosed.
func (k *Kernel) Reconnect(ctx context.Context) error {
	if k.proc != nil && k.proc.Exited() {
		return ErrKernelExited
	}
	k.stopHeartbeat()
	k.conn.Dispose()
	if err := k.conn.Connect(ctx, k.params); err != nil {
		return err
	}
	k.startHeartbeat()
	return nil
}

// Close disconnects, stops a launched kernel and removes its connection
// file. Errors along the way are logged, not returned. Close is idempotent.
func (k *Kernel) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	k.stopHeartbeat()
	k.conn.Dispose()
	if k.proc != nil {
		k.proc.Kill()
	}
	if k.connFile != "" {
		if err := os.Remove(k.connFile); err != nil && !os.IsNotExist(err) {
			k.logger.Debug("Kernel: failed to remove %s: %v", k.connFile, err)
		}
	}
	if k.tempDir != "" {
		if err := os.RemoveAll(k.tempDir); err != nil {
			k.logger.Debug("Kernel: failed to remove %s: %v", k.tempDir, err)
		}
	}
	return nil
}

// Connection returns the underlying connection.
func (k *Kernel) Connection() *Connection {
	return k.conn
}

// Process returns the kernel process, or nil for attached kernels.
func (k *Kernel) Process() *Process {
	return k.proc
}

// Params returns the connection parameters.
func (k *Kernel) Params() protocol.ConnectionParameters {
	return k.params
}

// ConnectionFile returns the path of the connection file written by Launch.
func (k *Kernel) ConnectionFile() string {
	return k.connFile
}

// Session returns the session id of the current connection.
func (k *Kernel) Session() string {
	return k.conn.Session()
}
