package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/localrivet/gokernel/types"
)

// ConnectionFilePlaceholder is replaced in a kernel's argv by the connection file path.
const ConnectionFilePlaceholder = "{connection_file}"

// Interrupt modes of a kernelspec.
const (
	InterruptModeSignal  = "signal"
	InterruptModeMessage = "message"
)

// LaunchSpec describes how to start a kernel process.
type LaunchSpec struct {
	Argv          []string          `json:"argv" toml:"argv" yaml:"argv"`
	Env           map[string]string `json:"env,omitempty" toml:"env" yaml:"env"`
	Dir           string            `json:"-" toml:"dir" yaml:"dir"`
	DisplayName   string            `json:"display_name,omitempty" toml:"display_name" yaml:"display_name"`
	Language      string            `json:"language,omitempty" toml:"language" yaml:"language"`
	InterruptMode string            `json:"interrupt_mode,omitempty" toml:"interrupt_mode" yaml:"interrupt_mode"`
}

// Command returns argv with the connection file substituted. When argv has no
// placeholder the path is appended.
func (s LaunchSpec) Command(connectionFile string) ([]string, error) {
	if len(s.Argv) == 0 || s.Argv[0] == "" {
		return nil, errors.New("launch spec has an empty argv")
	}
	out := make([]string, 0, len(s.Argv)+1)
	substituted := false
	for _, arg := range s.Argv {
		if strings.Contains(arg, ConnectionFilePlaceholder) {
			arg = strings.ReplaceAll(arg, ConnectionFilePlaceholder, connectionFile)
			substituted = true
		}
		out = append(out, arg)
	}
	if !substituted {
		out = append(out, connectionFile)
	}
	return out, nil
}

// Supervisor starts kernel processes from a LaunchSpec.
type Supervisor struct {
	spec   LaunchSpec
	opts   Options
	logger types.Logger
}

// NewSupervisor creates a Supervisor for spec.
func NewSupervisor(spec LaunchSpec, opts ...Option) *Supervisor {
	o := buildOptions(opts)
	return &Supervisor{spec: spec, opts: o, logger: o.Logger}
}

// Spec returns the launch spec.
func (s *Supervisor) Spec() LaunchSpec {
	return s.spec
}

// Start spawns the kernel with connectionFile substituted into its argv.
// Output on stdout and stderr is logged line by line and never treated as failure.
func (s *Supervisor) Start(ctx context.Context, connectionFile string) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	argv, err := s.spec.Command(connectionFile)
	if err != nil {
		return nil, err
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, argv[0], argv[1:]...)
	cmd.Dir = s.spec.Dir
	cmd.Env = os.Environ()
	for k, v := range s.spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdout = &lineLogger{log: s.logger.Info, prefix: "kernel stdout: "}
	cmd.Stderr = &lineLogger{log: s.logger.Warn, prefix: "kernel stderr: "}
	// Cancelling procCtx interrupts first; WaitDelay escalates to a kill.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = s.opts.KillTimeout
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = time.Second
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start kernel %s: %w", argv[0], err)
	}
	s.logger.Info("Supervisor: started kernel %s (pid %d)", argv[0], cmd.Process.Pid)

	p := &Process{
		cmd:    cmd,
		cancel: cancel,
		logger: s.logger,
		done:   make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

// Process is a running (or exited) kernel process.
type Process struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	logger types.Logger
	done   chan struct{}

	mu        sync.Mutex
	exited    bool
	exitErr   error
	callbacks []func(error)
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.cancel()

	p.mu.Lock()
	p.exited = true
	p.exitErr = err
	callbacks := p.callbacks
	p.callbacks = nil
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("Supervisor: kernel pid %d exited: %v", p.Pid(), err)
	} else {
		p.logger.Info("Supervisor: kernel pid %d exited", p.Pid())
	}
	for _, fn := range callbacks {
		fn(err)
	}
	close(p.done)
}

// OnExit registers fn to run once when the process exits, before Wait returns.
// If it has already exited, fn runs immediately. fn must not wait on p.
func (p *Process) OnExit(fn func(error)) {
	p.mu.Lock()
	if !p.exited {
		p.callbacks = append(p.callbacks, fn)
		p.mu.Unlock()
		return
	}
	err := p.exitErr
	p.mu.Unlock()
	fn(err)
}

// Interrupt sends SIGINT, which kernels with interrupt_mode "signal" treat
// as a request to abort the running cell.
func (p *Process) Interrupt() error {
	if p.Exited() {
		return nil
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to interrupt kernel: %w", err)
	}
	return nil
}

// Kill interrupts the process, kills it if it is still alive after the kill
// timeout, and waits for it to exit. Killing an exited process is a no-op.
func (p *Process) Kill() {
	if p == nil || p.Exited() {
		return
	}
	p.cancel()
	<-p.done
}

// Wait blocks until the process exits and returns its exit error.
func (p *Process) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Done is closed when the process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// lineLogger logs each complete line written to it.
type lineLogger struct {
	log    func(format string, v ...interface{})
	prefix string

	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Write(p)
	for {
		i := bytes.IndexByte(l.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(l.buf.Next(i+1)), "\r\n")
		if line != "" {
			l.log("%s%s", l.prefix, line)
		}
	}
	return len(p), nil
}

// waitExited waits up to d for p to exit.
func waitExited(p *Process, d time.Duration) bool {
	if p == nil {
		return true
	}
	select {
	case <-p.Done():
		return true
	case <-time.After(d):
		return false
	}
}
