package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charlesren/netpriv/connection"
	"github.com/charlesren/netpriv/platform"
)

// withHooks 复制内置定义并替换钩子，内置定义本身保持不变
func withHooks(t *testing.T, onOpen, onClose []platform.Operation) *platform.Definition {
	t.Helper()
	def := *builtin(t, "cisco_nxos")
	def.OnOpen = onOpen
	def.OnClose = onClose
	return &def
}

func TestRunOnOpen(t *testing.T) {
	dev := newFakeDevice(modeExec)
	c := newTestController(t, dev, enableSecret)

	require.NoError(t, NewHookRunner(c).RunOnOpen(context.Background()))
	assert.Equal(t, []string{"enable", "<redacted>", "terminal width 511", "terminal length 0"}, dev.Lines())
	assert.Equal(t, "privilege-exec", c.CurrentLevel())
}

func TestRunOnOpen_FailFast(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := connection.NewPrometheusMetrics(reg)
	def := withHooks(t, []platform.Operation{
		platform.SendCommand("terminal bogus"),
		platform.SendCommand("terminal length 0"),
	}, nil)
	dev := newFakeDevice(modePriv)
	dev.invalid["terminal bogus"] = true
	c, err := NewController(def, dev, nil, WithTimeout(testTimeout), WithMetrics(metrics))
	require.NoError(t, err)

	err = NewHookRunner(c).RunOnOpen(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommandFailure)

	var hookErr *HookError
	require.True(t, errors.As(err, &hookErr))
	assert.Equal(t, PhaseOpen, hookErr.Phase)
	assert.Equal(t, 0, hookErr.Index)
	assert.Equal(t, []string{"terminal bogus"}, dev.Lines(), "remaining operations are skipped")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.HookErrors.WithLabelValues("cisco_nxos", PhaseOpen)))
}

func TestRunOnClose(t *testing.T) {
	dev := newFakeDevice(modeConfig)
	c := newTestController(t, dev, nil)

	require.NoError(t, NewHookRunner(c).RunOnClose(context.Background()))
	assert.Equal(t, []string{"end", "exit"}, dev.Lines())
	assert.True(t, dev.Closed())
}

func TestRunOnClose_FailTolerant(t *testing.T) {
	def := withHooks(t, nil, []platform.Operation{
		platform.SendCommand("show bogus"),
		platform.AcquirePriv("exec"),
		platform.ChannelWrite("exit"),
		platform.ChannelReturn(),
	})
	dev := newFakeDevice(modePriv)
	c, err := NewController(def, dev, nil, WithTimeout(testTimeout))
	require.NoError(t, err)

	err = NewHookRunner(c).RunOnClose(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommandFailure)
	assert.Equal(t, []string{"show bogus", "disable", "exit"}, dev.Lines(), "every operation runs despite the failure")
	assert.True(t, dev.Closed())
}

func TestRunOnClose_CollectsAllErrors(t *testing.T) {
	def := withHooks(t, nil, []platform.Operation{
		platform.SendCommand("show bogus"),
		{Kind: "channel.send-interactive"},
		platform.ChannelReturn(),
	})
	dev := newFakeDevice(modePriv)
	c, err := NewController(def, dev, nil, WithTimeout(testTimeout))
	require.NoError(t, err)

	err = NewHookRunner(c).RunOnClose(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommandFailure)
	assert.ErrorIs(t, err, platform.ErrMalformedDefinition)
	assert.Equal(t, []string{"show bogus", ""}, dev.Lines())
}

func TestRunOnOpen_RedactedWrite(t *testing.T) {
	def := withHooks(t, []platform.Operation{
		{Kind: platform.OpChannelWrite, Input: "hunter2", Redacted: true},
		platform.ChannelReturn(),
	}, nil)
	dev := newFakeDevice(modePriv)
	c, err := NewController(def, dev, nil, WithTimeout(testTimeout))
	require.NoError(t, err)

	require.NoError(t, NewHookRunner(c).RunOnOpen(context.Background()))
	require.Len(t, dev.redacted, 1)
	assert.Equal(t, "hunter2", string(dev.redacted[0]))
}

func TestPolicyString(t *testing.T) {
	assert.Equal(t, "fail-fast", FailFast.String())
	assert.Equal(t, "fail-tolerant", FailTolerant.String())
	assert.Equal(t, "unknown", Policy(9).String())
}
