// Package kerneltest provides an in-process kernel that speaks the kernel
// messaging protocol over real sockets, for tests and demos.
//
// The kernel evaluates a toy language: "a = 1; a" yields the result 1,
// print(x) writes to stdout, sleep(ms) blocks until interrupted and
// raise Name("msg") fails the cell.
package kerneltest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/localrivet/gokernel/logx"
	"github.com/localrivet/gokernel/protocol"
	"github.com/localrivet/gokernel/transport/tcp"
	"github.com/localrivet/gokernel/types"
)

// Behavior tweaks how the kernel answers, to provoke the orderings a real
// kernel can produce.
type Behavior struct {
	// Delay is slept before each reply is sent.
	Delay time.Duration
	// ReorderIdle publishes the idle status before the reply.
	ReorderIdle bool
	// DropIdle never publishes the idle status.
	DropIdle bool
	// SilentHeartbeat stops echoing heartbeat pings.
	SilentHeartbeat bool
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithKey sets the signing key. New generates none by default.
func WithKey(key string) Option {
	return func(k *Kernel) {
		k.params.Key = key
	}
}

// WithBehavior sets the initial behavior.
func WithBehavior(b Behavior) Option {
	return func(k *Kernel) {
		k.behavior = b
	}
}

// WithLogger sets the logger.
func WithLogger(logger types.Logger) Option {
	return func(k *Kernel) {
		k.logger = logger
	}
}

// Kernel is a fake kernel. Create it with New or Listen.
type Kernel struct {
	params protocol.ConnectionParameters
	codec  *protocol.Codec
	logger types.Logger

	listeners map[protocol.Channel]*tcp.Listener
	shellJobs chan job
	closed    chan struct{}
	shutdown  chan struct{}
	closeOnce sync.Once
	downOnce  sync.Once

	mu             sync.Mutex
	behavior       Behavior
	peers          map[*peer]struct{}
	live           map[protocol.Channel]int
	liveNotify     chan struct{}
	received       []*protocol.Message
	executionCount int
	interrupt      context.CancelFunc

	evalMu sync.Mutex
	interp *interpreter
}

// peer is one accepted socket. channel is empty for multiplexed gateway peers.
type peer struct {
	socket  types.Transport
	channel protocol.Channel
	mu      sync.Mutex
}

type job struct {
	from *peer
	msg  *protocol.Message
}

// New starts a kernel on free loopback ports.
func New(opts ...Option) (*Kernel, error) {
	params := protocol.ConnectionParameters{
		Transport:       protocol.TransportTCP,
		IP:              "127.0.0.1",
		SignatureScheme: protocol.DefaultSignatureScheme,
		KernelName:      "fake",
		Version:         protocol.CurrentProtocolVersion,
	}
	return start(params, true, opts)
}

// Listen starts a kernel on the ports of params, as a launched kernel does
// with its connection file.
func Listen(params protocol.ConnectionParameters, opts ...Option) (*Kernel, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return start(params, false, opts)
}

func start(params protocol.ConnectionParameters, ephemeral bool, opts []Option) (*Kernel, error) {
	k := &Kernel{
		params:         params,
		logger:         logx.Nop(),
		listeners:      make(map[protocol.Channel]*tcp.Listener),
		shellJobs:      make(chan job, 64),
		closed:         make(chan struct{}),
		shutdown:       make(chan struct{}),
		peers:          make(map[*peer]struct{}),
		live:           make(map[protocol.Channel]int),
		liveNotify:     make(chan struct{}),
		interp:         newInterpreter(),
	}
	for _, opt := range opts {
		opt(k)
	}
	codec, err := protocol.NewCodec(k.params.Key, k.params.SignatureScheme)
	if err != nil {
		return nil, err
	}
	k.codec = codec

	topts := types.TransportOptions{Logger: k.logger}
	for _, ch := range protocol.Channels {
		addr := params.Address(ch)
		if ephemeral {
			addr = net.JoinHostPort(params.IP, "0")
		}
		l, err := tcp.Listen(params.Network(), addr, topts)
		if err != nil {
			k.Close()
			return nil, err
		}
		k.listeners[ch] = l
		if ephemeral {
			k.setPort(ch, l.Port())
		}
	}
	for ch, l := range k.listeners {
		go k.acceptLoop(ch, l)
	}
	go k.shellWorker()
	k.logger.Info("kerneltest: listening on %s", k.params.IP)
	return k, nil
}

func (k *Kernel) setPort(ch protocol.Channel, port uint16) {
	switch ch {
	case protocol.ChannelShell:
		k.params.ShellPort = port
	case protocol.ChannelControl:
		k.params.ControlPort = port
	case protocol.ChannelIOPub:
		k.params.IOPubPort = port
	case protocol.ChannelStdin:
		k.params.StdinPort = port
	case protocol.ChannelHeartbeat:
		k.params.HBPort = port
	}
}

// Params returns the connection parameters clients should use.
func (k *Kernel) Params() protocol.ConnectionParameters {
	return k.params
}

// SetBehavior replaces the behavior for subsequent requests.
func (k *Kernel) SetBehavior(b Behavior) {
	k.mu.Lock()
	k.behavior = b
	k.mu.Unlock()
}

func (k *Kernel) currentBehavior() Behavior {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.behavior
}

// Received returns every request the kernel has read, in arrival order.
// Heartbeat pings are not recorded.
func (k *Kernel) Received() []*protocol.Message {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]*protocol.Message, len(k.received))
	copy(out, k.received)
	return out
}

// ShutdownRequested is closed when a shutdown_request without restart arrives.
func (k *Kernel) ShutdownRequested() <-chan struct{} {
	return k.shutdown
}

// InterruptExecution aborts the running execute_request, which then fails
// with KeyboardInterrupt. It is what SIGINT does to a launched kernel.
func (k *Kernel) InterruptExecution() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.interrupt != nil {
		k.interrupt()
	}
}

// Close stops listening and closes every peer socket. Clients see their
// sockets close, as when a kernel crashes.
func (k *Kernel) Close() error {
	k.closeOnce.Do(func() {
		close(k.closed)
		for _, l := range k.listeners {
			l.Close()
		}
		k.mu.Lock()
		peers := k.peers
		k.peers = make(map[*peer]struct{})
		if k.interrupt != nil {
			k.interrupt()
		}
		k.mu.Unlock()
		for p := range peers {
			p.socket.Close()
		}
	})
	return nil
}

func (k *Kernel) isClosed() bool {
	select {
	case <-k.closed:
		return true
	default:
		return false
	}
}

func (k *Kernel) acceptLoop(ch protocol.Channel, l *tcp.Listener) {
	for {
		socket, err := l.Accept()
		if err != nil {
			if !k.isClosed() {
				k.logger.Warn("kerneltest: accept on %s failed: %v", ch, err)
			}
			return
		}
		p := &peer{socket: socket, channel: ch}
		if !k.addPeer(p) {
			socket.Close()
			return
		}
		go k.serve(p)
	}
}

func (k *Kernel) addPeer(p *peer) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.isClosed() {
		return false
	}
	k.peers[p] = struct{}{}
	if p.channel != "" {
		k.live[p.channel]++
		close(k.liveNotify)
		k.liveNotify = make(chan struct{})
	}
	return true
}

func (k *Kernel) removePeer(p *peer) {
	k.mu.Lock()
	if _, ok := k.peers[p]; ok {
		delete(k.peers, p)
		if p.channel != "" {
			k.live[p.channel]--
		}
	}
	k.mu.Unlock()
	p.socket.Close()
}

// waitIOPub waits until there are at least as many live iopub sockets as
// sockets on ch, so a client's status messages are not published before its
// iopub socket is accepted.
func (k *Kernel) waitIOPub(ch protocol.Channel) {
	deadline := time.After(2 * time.Second)
	for {
		k.mu.Lock()
		ready := k.live[protocol.ChannelIOPub] >= k.live[ch]
		notify := k.liveNotify
		k.mu.Unlock()
		if ready {
			return
		}
		select {
		case <-notify:
		case <-deadline:
			k.logger.Warn("kerneltest: no iopub subscriber for %s client", ch)
			return
		case <-k.closed:
			return
		}
	}
}

func (k *Kernel) serve(p *peer) {
	defer k.removePeer(p)
	for {
		data, err := p.socket.Receive(context.Background())
		if err != nil {
			return
		}
		msg, err := k.codec.Decode(data)
		if err != nil {
			k.logger.Warn("kerneltest: dropping frame: %v", err)
			continue
		}
		if p.channel != "" {
			msg.Channel = p.channel
		}

		switch msg.Channel {
		case protocol.ChannelHeartbeat:
			if !k.currentBehavior().SilentHeartbeat {
				k.sendRaw(p, data)
			}
			continue
		case protocol.ChannelShell:
			k.record(msg)
			select {
			case k.shellJobs <- job{from: p, msg: msg}:
			case <-k.closed:
				return
			}
		case protocol.ChannelControl:
			k.record(msg)
			k.handle(context.Background(), p, msg)
		default:
			k.record(msg)
		}
	}
}

func (k *Kernel) record(msg *protocol.Message) {
	k.mu.Lock()
	k.received = append(k.received, msg)
	k.mu.Unlock()
}

func (k *Kernel) shellWorker() {
	for {
		select {
		case <-k.closed:
			return
		case j := <-k.shellJobs:
			ctx, cancel := context.WithCancel(context.Background())
			k.mu.Lock()
			k.interrupt = cancel
			k.mu.Unlock()

			k.handle(ctx, j.from, j.msg)

			k.mu.Lock()
			k.interrupt = nil
			k.mu.Unlock()
			cancel()
		}
	}
}

// handle runs one request: busy, side effects on iopub, reply, idle.
func (k *Kernel) handle(ctx context.Context, from *peer, req *protocol.Message) {
	if from.channel != "" {
		k.waitIOPub(from.channel)
	}
	b := k.currentBehavior()
	k.publish(req, protocol.MsgStatus, map[string]any{"execution_state": protocol.ExecutionStateBusy})

	var reply *protocol.Message
	terminal := false
	switch req.Header.MsgType {
	case protocol.MsgExecuteRequest:
		reply = k.execute(ctx, req)
	case protocol.MsgKernelInfoRequest:
		reply = k.kernelInfo(req)
	case protocol.MsgInspectRequest:
		reply = k.inspect(req)
	case protocol.MsgInterruptRequest:
		k.InterruptExecution()
		reply = protocol.NewReply(req, req.Channel, protocol.MsgInterruptReply, map[string]any{"status": protocol.StatusOK})
	case protocol.MsgShutdownRequest:
		restart, _ := req.Content["restart"].(bool)
		reply = protocol.NewReply(req, req.Channel, protocol.MsgShutdownReply, map[string]any{
			"status":  protocol.StatusOK,
			"restart": restart,
		})
		terminal = true
		if !restart {
			defer k.downOnce.Do(func() { close(k.shutdown) })
		}
	default:
		// Unknown requests are acknowledged with status messages only.
	}

	if b.Delay > 0 {
		select {
		case <-time.After(b.Delay):
		case <-k.closed:
			return
		}
	}

	idle := !b.DropIdle && !terminal
	if idle && b.ReorderIdle {
		k.publish(req, protocol.MsgStatus, map[string]any{"execution_state": protocol.ExecutionStateIdle})
	}
	if reply != nil {
		k.send(from, reply)
	}
	if idle && !b.ReorderIdle {
		k.publish(req, protocol.MsgStatus, map[string]any{"execution_state": protocol.ExecutionStateIdle})
	}
}

func (k *Kernel) execute(ctx context.Context, req *protocol.Message) *protocol.Message {
	var content protocol.ExecuteRequest
	if err := protocol.DecodeContent(req, &content); err != nil {
		return protocol.NewReply(req, req.Channel, protocol.MsgExecuteReply, map[string]any{
			"status": protocol.StatusError, "ename": "BadRequest", "evalue": err.Error(), "traceback": []any{},
		})
	}

	k.mu.Lock()
	if !content.Silent {
		k.executionCount++
	}
	count := k.executionCount
	k.mu.Unlock()

	k.publish(req, protocol.MsgExecuteInput, map[string]any{"code": content.Code, "execution_count": count})
	k.evalMu.Lock()
	out := k.interp.run(ctx, content.Code)
	k.evalMu.Unlock()

	for _, line := range out.Stdout {
		k.publish(req, protocol.MsgStream, map[string]any{"name": "stdout", "text": line})
	}
	if out.Err != nil {
		traceback := []any{fmt.Sprintf("%s: %s", out.Err.EName, out.Err.EValue)}
		k.publish(req, protocol.MsgError, map[string]any{
			"ename": out.Err.EName, "evalue": out.Err.EValue, "traceback": traceback,
		})
		return protocol.NewReply(req, req.Channel, protocol.MsgExecuteReply, map[string]any{
			"status":          protocol.StatusError,
			"execution_count": count,
			"ename":           out.Err.EName,
			"evalue":          out.Err.EValue,
			"traceback":       traceback,
		})
	}
	if out.HasVal && !content.Silent {
		k.publish(req, protocol.MsgExecuteResult, map[string]any{
			"execution_count": count,
			"data":            map[string]any{"text/plain": out.Result},
			"metadata":        map[string]any{},
		})
	}
	return protocol.NewReply(req, req.Channel, protocol.MsgExecuteReply, map[string]any{
		"status":           protocol.StatusOK,
		"execution_count":  count,
		"user_expressions": map[string]any{},
	})
}

func (k *Kernel) kernelInfo(req *protocol.Message) *protocol.Message {
	content, _ := protocol.EncodeContent(protocol.KernelInfoReply{
		Status:                protocol.StatusOK,
		ProtocolVersion:       protocol.CurrentProtocolVersion,
		Implementation:        "kerneltest",
		ImplementationVersion: "1.0",
		LanguageInfo: protocol.LanguageInfo{
			Name:          "toy",
			Version:       "1.0",
			MimeType:      "text/plain",
			FileExtension: ".toy",
		},
		Banner: "kerneltest fake kernel",
	})
	return protocol.NewReply(req, req.Channel, protocol.MsgKernelInfoReply, content)
}

func (k *Kernel) inspect(req *protocol.Message) *protocol.Message {
	code, _ := req.Content["code"].(string)
	cursor := len(code)
	switch c := req.Content["cursor_pos"].(type) {
	case float64:
		cursor = int(c)
	case int:
		cursor = c
	}
	name := wordAt(code, cursor)

	k.evalMu.Lock()
	value, found := k.interp.lookup(name)
	k.evalMu.Unlock()

	data := map[string]any{}
	if found {
		data["text/plain"] = fmt.Sprintf("%s: %s", name, repr(value))
	}
	return protocol.NewReply(req, req.Channel, protocol.MsgInspectReply, map[string]any{
		"status":   protocol.StatusOK,
		"found":    found,
		"data":     data,
		"metadata": map[string]any{},
	})
}

// publish sends a message parented to req to every iopub subscriber.
func (k *Kernel) publish(req *protocol.Message, msgType string, content map[string]any) {
	msg := protocol.NewReply(req, protocol.ChannelIOPub, msgType, content)
	k.mu.Lock()
	var targets []*peer
	for p := range k.peers {
		if p.channel == protocol.ChannelIOPub || p.channel == "" {
			targets = append(targets, p)
		}
	}
	k.mu.Unlock()
	for _, p := range targets {
		k.send(p, msg)
	}
}

func (k *Kernel) send(p *peer, msg *protocol.Message) {
	data, err := k.codec.Encode(msg)
	if err != nil {
		k.logger.Error("kerneltest: failed to encode %s: %v", msg.Header.MsgType, err)
		return
	}
	k.sendRaw(p, data)
}

func (k *Kernel) sendRaw(p *peer, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.socket.Send(ctx, data); err != nil && !errors.Is(err, net.ErrClosed) {
		k.logger.Debug("kerneltest: send failed: %v", err)
	}
}
