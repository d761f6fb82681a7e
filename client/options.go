// Package client launches, connects to and talks with Jupyter-style kernels.
//
// A Connection owns the channel sockets of one connection generation and
// publishes every inbound message on a Bus. A Correlator sends a request and
// collects the messages of its turn until the turn is complete. Kernel ties
// these together with a supervised kernel process.
package client

import (
	"time"

	"github.com/localrivet/gokernel/hooks"
	"github.com/localrivet/gokernel/logx"
	"github.com/localrivet/gokernel/protocol"
	"github.com/localrivet/gokernel/transport"
	"github.com/localrivet/gokernel/types"
)

// CorrelationPolicy selects which messages count towards a request's turn.
type CorrelationPolicy int

const (
	// MatchByParent only counts messages whose parent_header.msg_id is the
	// request's msg_id. Concurrent requests on one connection cannot
	// complete each other. Messages with another parent are also left out
	// of Reply.Messages, so a turn never carries another request's output.
	MatchByParent CorrelationPolicy = iota
	// MatchByType counts any message of the expected reply type and any
	// status message, regardless of parentage. Two requests of the same type
	// in flight at once can resolve each other.
	MatchByType
)

// String returns the policy name.
func (p CorrelationPolicy) String() string {
	if p == MatchByType {
		return "type"
	}
	return "parent"
}

// Options configures connections, correlators, supervisors and kernels.
type Options struct {
	Logger   types.Logger
	Username string
	Hooks    *hooks.Registry

	// Correlation defaults to MatchByParent.
	Correlation CorrelationPolicy
	// RequestTimeout bounds a whole turn. Zero means no built-in timeout.
	RequestTimeout time.Duration
	// SendTimeout bounds a single socket write. Zero means no bound.
	SendTimeout time.Duration

	// Transport opens the channel sockets. Defaults to per-channel TCP.
	Transport transport.Factory
	// LaunchRetry retries the first connect after launching a kernel. Nil
	// means a single attempt.
	LaunchRetry BackoffStrategy
	// ConnectionDir is where launched kernels get their connection file.
	// Empty means a fresh temporary directory.
	ConnectionDir string
	// KillTimeout is how long an interrupted kernel gets before it is killed.
	KillTimeout time.Duration

	HeartbeatInterval time.Duration
	HeartbeatMisses   int
}

// Option is a configuration option.
type Option func(*Options)

// DefaultOptions returns the defaults used when no option overrides them.
func DefaultOptions() Options {
	return Options{
		Logger:          logx.NewDefaultLogger(),
		Username:        protocol.DefaultUsername,
		Correlation:     MatchByParent,
		KillTimeout:     5 * time.Second,
		HeartbeatMisses: 3,
	}
}

func buildOptions(opts []Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = logx.Nop()
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(logger types.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithUsername sets the username stamped on outgoing headers.
func WithUsername(username string) Option {
	return func(o *Options) {
		o.Username = username
	}
}

// WithHooks installs message hooks on the connection.
func WithHooks(registry *hooks.Registry) Option {
	return func(o *Options) {
		o.Hooks = registry
	}
}

// WithCorrelationPolicy selects how messages are attributed to requests.
func WithCorrelationPolicy(policy CorrelationPolicy) Option {
	return func(o *Options) {
		o.Correlation = policy
	}
}

// WithRequestTimeout bounds every request turn. Zero disables the bound.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.RequestTimeout = timeout
	}
}

// WithSendTimeout bounds each socket write.
func WithSendTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.SendTimeout = timeout
	}
}

// WithTransportFactory replaces the default per-channel TCP transport.
func WithTransportFactory(factory transport.Factory) Option {
	return func(o *Options) {
		o.Transport = factory
	}
}

// WithLaunchRetry retries the initial connect to a launched kernel, which
// binds its ports some time after the process starts.
func WithLaunchRetry(strategy BackoffStrategy) Option {
	return func(o *Options) {
		o.LaunchRetry = strategy
	}
}

// WithConnectionDir sets the directory for connection files of launched kernels.
func WithConnectionDir(dir string) Option {
	return func(o *Options) {
		o.ConnectionDir = dir
	}
}

// WithKillTimeout sets the grace period between interrupt and kill.
func WithKillTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.KillTimeout = timeout
	}
}

// WithHeartbeat enables the heartbeat monitor. The kernel is declared dead
// after misses consecutive unanswered pings.
func WithHeartbeat(interval time.Duration, misses int) Option {
	return func(o *Options) {
		o.HeartbeatInterval = interval
		if misses > 0 {
			o.HeartbeatMisses = misses
		}
	}
}
