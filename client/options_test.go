package client

import (
	"testing"
	"time"

	"github.com/localrivet/gokernel/hooks"
	"github.com/localrivet/gokernel/logx"
	"github.com/localrivet/gokernel/protocol"
	"github.com/localrivet/gokernel/transport/tcp"
	"github.com/localrivet/gokernel/types"
	"github.com/stretchr/testify/assert"
)

func TestDefaultOptions(t *testing.T) {
	o := buildOptions(nil)
	assert.NotNil(t, o.Logger)
	assert.Equal(t, protocol.DefaultUsername, o.Username)
	assert.Equal(t, MatchByParent, o.Correlation)
	assert.Zero(t, o.RequestTimeout)
	assert.Equal(t, 5*time.Second, o.KillTimeout)
	assert.Zero(t, o.HeartbeatInterval)
	assert.Equal(t, 3, o.HeartbeatMisses)
	assert.Nil(t, o.LaunchRetry)
	assert.Nil(t, o.Transport)
}

func TestOptionsApply(t *testing.T) {
	registry := hooks.NewRegistry()
	factory := tcp.NewFactory(types.TransportOptions{})
	backoff := NewConstantBackoff(time.Millisecond, 4)

	o := buildOptions([]Option{
		WithLogger(nil),
		WithUsername("ada"),
		WithHooks(registry),
		WithCorrelationPolicy(MatchByType),
		WithRequestTimeout(time.Minute),
		WithSendTimeout(time.Second),
		WithTransportFactory(factory),
		WithLaunchRetry(backoff),
		WithConnectionDir("/run/kernels"),
		WithKillTimeout(time.Second),
		WithHeartbeat(500*time.Millisecond, 0),
	})

	assert.Equal(t, logx.Nop(), o.Logger)
	assert.Equal(t, "ada", o.Username)
	assert.Same(t, registry, o.Hooks)
	assert.Equal(t, MatchByType, o.Correlation)
	assert.Equal(t, time.Minute, o.RequestTimeout)
	assert.Equal(t, time.Second, o.SendTimeout)
	assert.Same(t, factory, o.Transport)
	assert.Same(t, backoff, o.LaunchRetry)
	assert.Equal(t, "/run/kernels", o.ConnectionDir)
	assert.Equal(t, time.Second, o.KillTimeout)
	assert.Equal(t, 500*time.Millisecond, o.HeartbeatInterval)
	assert.Equal(t, 3, o.HeartbeatMisses, "non-positive misses keep the default")
}

func TestCorrelationPolicyString(t *testing.T) {
	assert.Equal(t, "parent", MatchByParent.String())
	assert.Equal(t, "type", MatchByType.String())
}
