package syncer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/charlesren/netpriv/connection"
	"github.com/charlesren/netpriv/manager"
)

type MockSource struct {
	mock.Mock
}

func (m *MockSource) Devices(ctx context.Context) ([]manager.Device, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]manager.Device), args.Error(1)
}

func testDevice(host string, commands ...string) manager.Device {
	return manager.Device{
		Config:   &connection.SessionConfig{Host: host, Username: "admin", Password: "secret", Platform: "cisco_iosxe"},
		Commands: commands,
	}
}

func drain(ch <-chan DeviceChangeEvent) []DeviceChangeEvent {
	var out []DeviceChangeEvent
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestConfigSyncer_DetectChanges(t *testing.T) {
	src := &MockSource{}
	src.On("Devices", mock.Anything).Return([]manager.Device{
		testDevice("192.0.2.1", "show version"),
		testDevice("192.0.2.2"),
	}, nil).Once()
	src.On("Devices", mock.Anything).Return([]manager.Device{
		testDevice("192.0.2.1", "show clock"),
		testDevice("192.0.2.3"),
	}, nil).Once()
	src.On("Devices", mock.Anything).Return([]manager.Device{
		testDevice("192.0.2.1", "show clock"),
		testDevice("192.0.2.3"),
	}, nil).Once()

	cs := NewConfigSyncer(src, 0)
	defer cs.Stop()
	events, cancel := cs.Subscribe()
	defer cancel()

	require.NoError(t, cs.Sync())
	first := drain(events)
	require.Len(t, first, 2)
	for _, e := range first {
		assert.Equal(t, DeviceCreate, e.Type)
		assert.Equal(t, int64(1), e.Version)
	}

	require.NoError(t, cs.Sync())
	second := drain(events)
	require.Len(t, second, 3)
	assert.Equal(t, DeviceUpdate, second[0].Type)
	assert.Equal(t, []string{"show clock"}, second[0].Device.Commands)
	assert.Equal(t, DeviceDelete, second[1].Type)
	assert.Equal(t, "192.0.2.2", second[1].Device.Config.Host)
	assert.Equal(t, DeviceCreate, second[2].Type)
	assert.Equal(t, int64(2), cs.Version())

	require.NoError(t, cs.Sync())
	assert.Empty(t, drain(events), "unchanged list produces no events")
	assert.Equal(t, int64(2), cs.Version())
	assert.False(t, cs.LastSyncTime().IsZero())

	devices := cs.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, "192.0.2.1", devices[0].Config.Host)
	src.AssertExpectations(t)
}

func TestConfigSyncer_SyncErrorKeepsDevices(t *testing.T) {
	src := &MockSource{}
	src.On("Devices", mock.Anything).Return([]manager.Device{testDevice("192.0.2.1"), testDevice("192.0.2.1")}, nil).Once()
	src.On("Devices", mock.Anything).Return(nil, errors.New("config unreadable")).Once()

	cs := NewConfigSyncer(src, 0)
	require.NoError(t, cs.Sync())
	assert.Len(t, cs.Devices(), 1, "duplicates are dropped")

	assert.ErrorContains(t, cs.Sync(), "config unreadable")
	assert.Len(t, cs.Devices(), 1)
	assert.Equal(t, int64(1), cs.Version())
}

func TestConfigSyncer_StopIdempotent(t *testing.T) {
	src := &MockSource{}
	src.On("Devices", mock.Anything).Return([]manager.Device{testDevice("192.0.2.1")}, nil)

	cs := NewConfigSyncer(src, 10*time.Millisecond)
	events, _ := cs.Subscribe()
	done := make(chan struct{})
	go func() {
		cs.Start()
		close(done)
	}()

	select {
	case e := <-events:
		assert.Equal(t, DeviceCreate, e.Type)
	case <-time.After(time.Second):
		t.Fatal("no event from initial sync")
	}

	cs.Stop()
	cs.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
	_, open := <-events
	assert.False(t, open, "subscriber channel is closed on stop")

	late, cancel := cs.Subscribe()
	cancel()
	_, open = <-late
	assert.False(t, open)
	assert.Error(t, cs.Sync())
}

func TestFollow(t *testing.T) {
	src := &MockSource{}
	src.On("Devices", mock.Anything).Return([]manager.Device{testDevice("192.0.2.7")}, nil)

	cs := NewConfigSyncer(src, 0)
	q := manager.NewIntervalQueue(time.Hour)
	defer q.Stop()

	done := make(chan struct{})
	go func() {
		Follow(cs, q)
		close(done)
	}()
	require.Eventually(t, func() bool {
		cs.mu.RLock()
		defer cs.mu.RUnlock()
		return len(cs.subscribers) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, cs.Sync())
	require.Eventually(t, func() bool { return q.Contains("192.0.2.7") }, time.Second, time.Millisecond)

	cs.Stop()
	<-done
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netpriv.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
devices:
  - host: 192.0.2.9
    username: admin
    password: secret
    platform: arista_eos
    commands: ["show version"]
`), 0o600))

	devices, err := FileSource{Path: path}.Devices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "arista_eos", devices[0].Config.Platform)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = FileSource{Path: path}.Devices(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
