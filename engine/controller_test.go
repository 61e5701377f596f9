package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charlesren/netpriv/connection"
	"github.com/charlesren/netpriv/platform"
	"github.com/charlesren/netpriv/secret"
)

const testTimeout = 50 * time.Millisecond

func builtin(t *testing.T, name string) *platform.Definition {
	t.Helper()
	reg, err := platform.NewBuiltinRegistry()
	require.NoError(t, err)
	def, err := reg.Get(name)
	require.NoError(t, err)
	return def
}

func newTestController(t *testing.T, dev *fakeDevice, secrets secret.Provider, opts ...Option) *Controller {
	t.Helper()
	opts = append([]Option{WithTimeout(testTimeout), WithHost("switch")}, opts...)
	c, err := NewController(builtin(t, "cisco_nxos"), dev, secrets, opts...)
	require.NoError(t, err)
	return c
}

var enableSecret = secret.Static{"privilege-exec": "s3cret"}

func TestAcquirePriv_ExecToConfiguration(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := connection.NewPrometheusMetrics(reg)
	dev := newFakeDevice(modeExec)
	c := newTestController(t, dev, enableSecret, WithMetrics(metrics))

	require.NoError(t, c.AcquirePriv(context.Background(), "configuration"))

	assert.Equal(t, modeConfig, dev.Mode())
	assert.Equal(t, "configuration", c.CurrentLevel())
	assert.Equal(t, []string{"enable", "<redacted>", "configure terminal"}, dev.Lines())
	require.Len(t, dev.redacted, 1)
	assert.Equal(t, "s3cret", string(dev.redacted[0]), "secret goes through the redacted write path")

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.EscalationSteps.WithLabelValues("cisco_nxos", "escalate", connection.OutcomeOK)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Acquires.WithLabelValues("cisco_nxos", connection.OutcomeOK)))
}

func TestAcquirePriv_AlreadyAtTarget(t *testing.T) {
	dev := newFakeDevice(modePriv)
	c := newTestController(t, dev, nil)

	require.NoError(t, c.AcquirePriv(context.Background(), "privilege-exec"))
	assert.Zero(t, dev.Writes())
	assert.Equal(t, "privilege-exec", c.CurrentLevel())

	// 第二次只依赖记住的提示符
	require.NoError(t, c.AcquirePriv(context.Background(), ""))
	assert.Zero(t, dev.Writes())
}

func TestAcquirePriv_DefaultFromConfiguration(t *testing.T) {
	dev := newFakeDevice(modeConfig)
	c := newTestController(t, dev, nil)

	require.NoError(t, c.AcquirePriv(context.Background(), ""))
	assert.Equal(t, []string{"end"}, dev.Lines())
	assert.Equal(t, modePriv, dev.Mode())
	assert.Equal(t, "privilege-exec", c.CurrentLevel())
}

func TestAcquirePriv_RoundTrip(t *testing.T) {
	dev := newFakeDevice(modeExec)
	c := newTestController(t, dev, enableSecret)
	ctx := context.Background()

	require.NoError(t, c.AcquirePriv(ctx, "configuration"))
	require.NoError(t, c.AcquirePriv(ctx, "exec"))
	assert.Equal(t, modeExec, dev.Mode())
	assert.Equal(t, []string{"enable", "<redacted>", "configure terminal", "end", "disable"}, dev.Lines())
}

func TestAcquirePriv_NoAuthPrompt(t *testing.T) {
	dev := newFakeDevice(modeExec)
	dev.askPassword = false
	c := newTestController(t, dev, nil)

	require.NoError(t, c.AcquirePriv(context.Background(), "privilege-exec"))
	assert.Equal(t, []string{"enable"}, dev.Lines())
	assert.Empty(t, dev.redacted)
}

func TestAcquirePriv_MissingSecretUsesEmpty(t *testing.T) {
	dev := newFakeDevice(modeExec)
	dev.secret = ""
	c := newTestController(t, dev, secret.Static{})

	require.NoError(t, c.AcquirePriv(context.Background(), "privilege-exec"))
	assert.Equal(t, modePriv, dev.Mode())
}

func TestAcquirePriv_AuthenticationFailure(t *testing.T) {
	tests := []struct {
		name  string
		setup func(d *fakeDevice)
	}{
		{name: "rejected", setup: func(d *fakeDevice) {}},
		{name: "asked_again", setup: func(d *fakeDevice) { d.reaskOnReject = true }},
		{name: "marker_instead_of_prompt", setup: func(d *fakeDevice) { d.invalid["enable"] = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newFakeDevice(modeExec)
			tt.setup(dev)
			c := newTestController(t, dev, secret.Static{"privilege-exec": "wrong"})

			err := c.AcquirePriv(context.Background(), "configuration")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrAuthFailure)
			e := GetError(err)
			require.NotNil(t, e)
			assert.Equal(t, "exec", e.Details["last_level"])
			assert.Equal(t, "enable", e.Details["command"])
			assert.NotContains(t, dev.Lines(), "configure terminal")
			assert.Empty(t, c.CurrentLevel())
		})
	}
}

func TestAcquirePriv_Timeout(t *testing.T) {
	dev := newFakeDevice(modePriv)
	dev.hang["configure terminal"] = true
	c := newTestController(t, dev, nil)

	err := c.AcquirePriv(context.Background(), "configuration")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEscalationTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "privilege-exec", GetError(err).Details["last_level"])
}

func TestAcquirePriv_Cancelled(t *testing.T) {
	dev := newFakeDevice(modePriv)
	dev.hang["configure terminal"] = true
	c := newTestController(t, dev, nil, WithTimeout(0))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	err := c.AcquirePriv(ctx, "configuration")
	assert.ErrorIs(t, err, ErrEscalationTimeout)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAcquirePriv_UnknownPrompt(t *testing.T) {
	dev := newFakeDevice(modeExec)
	dev.rawPrompt = "login: "
	dev.pending = []byte("login: ")
	c := newTestController(t, dev, nil)

	err := c.AcquirePriv(context.Background(), "privilege-exec")
	assert.ErrorIs(t, err, ErrUnknownPrivilegeLevel)
	assert.Equal(t, []string{""}, dev.Lines(), "a single bare return is sent to probe")
}

func TestAcquirePriv_InvalidTarget(t *testing.T) {
	dev := newFakeDevice(modePriv)
	c := newTestController(t, dev, nil)

	err := c.AcquirePriv(context.Background(), "shell")
	assert.ErrorIs(t, err, ErrInvalidTarget)
	assert.Zero(t, dev.Writes())
}

func TestAcquirePriv_DetectOnlyLevel(t *testing.T) {
	def := &platform.Definition{
		PlatformType: "detect_only",
		PrivilegeLevels: map[string]*platform.PrivilegeLevel{
			"exec":           {Pattern: `(?im)^switch>\s?$`},
			"privilege-exec": {Pattern: `(?im)^switch#\s?$`, PreviousPriv: "exec", Escalate: "enable", Deescalate: "disable"},
			"maintenance":    {Pattern: `(?im)^switch\(maint\)#\s?$`, PreviousPriv: "privilege-exec", Deescalate: "end"},
		},
		LevelOrder:                   []string{"exec", "privilege-exec", "maintenance"},
		DefaultDesiredPrivilegeLevel: "privilege-exec",
	}
	require.NoError(t, def.Validate())

	dev := newFakeDevice(modePriv)
	c, err := NewController(def, dev, nil, WithTimeout(testTimeout))
	require.NoError(t, err)

	err = c.AcquirePriv(context.Background(), "maintenance")
	assert.ErrorIs(t, err, ErrInvalidTarget)
	assert.Zero(t, dev.Writes(), "nothing is sent when a step has no command")
	assert.Equal(t, "privilege-exec", c.CurrentLevel())
}

func TestAcquirePriv_IdenticalPatterns(t *testing.T) {
	dev := newJunosDevice("exec")
	c, err := NewController(builtin(t, "juniper_junos"), dev, nil, WithTimeout(testTimeout))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.AcquirePriv(ctx, "configuration-exclusive"))
	assert.Equal(t, "configuration-exclusive", dev.Mode())
	assert.Equal(t, "configuration-exclusive", c.CurrentLevel())

	// 三种配置模式提示符相同，切换时仍需先退出再以新模式进入
	require.NoError(t, c.AcquirePriv(ctx, "configuration-private"))
	assert.Equal(t, "configuration-private", dev.Mode())
	assert.Equal(t, "configuration-private", c.CurrentLevel())
	assert.Equal(t, []string{"configure exclusive", "exit configuration-mode", "configure private"}, dev.Lines())

	require.NoError(t, c.AcquirePriv(ctx, "configuration-private"))
	assert.Len(t, dev.Lines(), 3, "known current level is not re-entered")
}

func TestAcquirePriv_IdenticalPatternsUnknownCurrent(t *testing.T) {
	dev := newJunosDevice("configuration-exclusive")
	c, err := NewController(builtin(t, "juniper_junos"), dev, nil, WithTimeout(testTimeout))
	require.NoError(t, err)

	// 没有已知级别时按定义顺序识别为 configuration
	require.NoError(t, c.AcquirePriv(context.Background(), "configuration-private"))
	assert.Equal(t, []string{"exit configuration-mode", "configure private"}, dev.Lines())
	assert.Equal(t, "configuration-private", dev.Mode())
	assert.Equal(t, "configuration-private", c.CurrentLevel())
}

func TestNewController_RequiresValidatedDefinition(t *testing.T) {
	_, err := NewController(&platform.Definition{PlatformType: "raw"}, newFakeDevice(modeExec), nil)
	assert.ErrorIs(t, err, platform.ErrMalformedDefinition)

	_, err = NewController(builtin(t, "cisco_nxos"), nil, nil)
	assert.ErrorIs(t, err, ErrChannel)
}

func TestSendCommand(t *testing.T) {
	dev := newFakeDevice(modePriv)
	c := newTestController(t, dev, nil)

	resp, err := c.SendCommand(context.Background(), "show version")
	require.NoError(t, err)
	assert.Equal(t, "Cisco Nexus Operating System (NX-OS) Software\n  NXOS: version 9.3(8)", resp.Result)
	assert.Equal(t, "show version", resp.Input)
	assert.Equal(t, "switch", resp.Host)
	assert.False(t, resp.Failed)
	assert.Contains(t, string(resp.RawResult), "switch# ")
	assert.False(t, resp.EndTime.Before(resp.StartTime))
	assert.Equal(t, "privilege-exec", c.CurrentLevel())
}

func TestSendCommand_Failure(t *testing.T) {
	dev := newFakeDevice(modePriv)
	c := newTestController(t, dev, nil)

	resp, err := c.SendCommand(context.Background(), "show bogus")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommandFailure)
	require.NotNil(t, resp)
	assert.True(t, resp.Failed)
	assert.Equal(t, "% Invalid input detected", resp.FailedMarker)

	failed, ok := AsCommandFailure(err)
	require.True(t, ok)
	assert.Same(t, resp, failed)
	assert.Equal(t, "show bogus", GetError(err).Details["command"])

	// 命令失败不影响级别
	assert.Equal(t, "privilege-exec", c.CurrentLevel())
}

func TestSendCommand_Timeout(t *testing.T) {
	dev := newFakeDevice(modePriv)
	dev.hang["reload"] = true
	c := newTestController(t, dev, nil)
	require.NoError(t, c.AcquirePriv(context.Background(), ""))

	_, err := c.SendCommand(context.Background(), "reload")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, c.CurrentLevel(), "level is unknown after a timed out command")
}

func TestSendCommand_ClosedChannel(t *testing.T) {
	dev := newFakeDevice(modePriv)
	c := newTestController(t, dev, nil)
	require.NoError(t, c.AcquirePriv(context.Background(), ""))
	require.NoError(t, dev.Close())

	_, err := c.SendCommand(context.Background(), "show version")
	assert.ErrorIs(t, err, ErrChannel)
	assert.ErrorIs(t, err, connection.ErrChannelClosed)
}

func TestSendCommands(t *testing.T) {
	t.Run("stop_on_failed", func(t *testing.T) {
		dev := newFakeDevice(modePriv)
		c := newTestController(t, dev, nil)

		mr, err := c.SendCommands(context.Background(), []string{"show version", "show bogus", "terminal length 0"}, true)
		assert.ErrorIs(t, err, ErrCommandFailure)
		require.Len(t, mr.Responses, 2)
		assert.True(t, mr.Failed)
		assert.NotContains(t, dev.Lines(), "terminal length 0")
	})

	t.Run("continue", func(t *testing.T) {
		dev := newFakeDevice(modePriv)
		c := newTestController(t, dev, nil)

		mr, err := c.SendCommands(context.Background(), []string{"show version", "show bogus", "terminal length 0"}, false)
		require.NoError(t, err)
		require.Len(t, mr.Responses, 3)
		assert.True(t, mr.Failed)
		assert.True(t, mr.Responses[1].Failed)
		assert.Contains(t, mr.JoinedResult(), "NXOS: version 9.3(8)")
	})
}

func TestSendConfigs(t *testing.T) {
	dev := newFakeDevice(modeExec)
	c := newTestController(t, dev, enableSecret)

	mr, err := c.SendConfigs(context.Background(),
		[]string{"interface Ethernet1/1", "description uplink"},
		ConfigOptions{ReturnToDefault: true})
	require.NoError(t, err)
	assert.Len(t, mr.Responses, 2)
	assert.False(t, mr.Failed)
	assert.Equal(t, []string{"enable", "<redacted>", "configure terminal", "interface Ethernet1/1", "description uplink", "end"}, dev.Lines())
	assert.Equal(t, "privilege-exec", c.CurrentLevel())
}

func TestSendConfigs_UnknownLevel(t *testing.T) {
	dev := newFakeDevice(modePriv)
	c := newTestController(t, dev, nil)

	_, err := c.SendConfigs(context.Background(), []string{"x"}, ConfigOptions{PrivilegeLevel: "configuration-exclusive"})
	assert.ErrorIs(t, err, ErrInvalidTarget)
}

func TestGetPrompt(t *testing.T) {
	dev := newFakeDevice(modeConfig)
	c := newTestController(t, dev, nil)

	prompt, err := c.GetPrompt(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "switch(config)#", prompt)
	assert.Equal(t, "configuration", c.CurrentLevel())
}

func TestWriteInvalidatesLevel(t *testing.T) {
	dev := newFakeDevice(modePriv)
	c := newTestController(t, dev, nil)
	require.NoError(t, c.AcquirePriv(context.Background(), ""))

	require.NoError(t, c.Write("terminal length 0", false))
	require.NoError(t, c.Return())
	assert.Empty(t, c.CurrentLevel())
	assert.Equal(t, []string{"terminal length 0"}, dev.Lines())

	// 之后的操作重新识别级别
	require.NoError(t, c.AcquirePriv(context.Background(), ""))
	assert.Equal(t, "privilege-exec", c.CurrentLevel())
}

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("io: read/write on closed pipe")
	err := newError(ErrCodeChannel, "write on %s", "switch").WithCause(cause).AddDetail("command", "show clock")

	assert.Equal(t, "[CHANNEL_ERROR] write on switch: io: read/write on closed pipe", err.Error())
	assert.ErrorIs(t, err, ErrChannel)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrTimeout)

	wrapped := errors.Join(errors.New("hook failed"), err)
	assert.True(t, IsErrorCode(wrapped, ErrCodeChannel))
	assert.Equal(t, ErrCodeChannel, ErrorCodeOf(wrapped))
	assert.Equal(t, ErrorCode(""), ErrorCodeOf(cause))

	_, ok := AsCommandFailure(err)
	assert.False(t, ok)
	assert.Nil(t, err.Response())
}
