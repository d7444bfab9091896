package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const epsilon = 1e-9

func newTestCore(t *testing.T, devices ...string) *SimulationCore {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Devices = nil
	for _, id := range devices {
		cfg.Devices = append(cfg.Devices, DeviceInfo{Id: id, Name: id})
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c
}

func advance(c *SimulationCore, n int) {
	for range n {
		c.Clock().Advance(c.Config().TickInterval)
	}
}

func TestRampScenario(t *testing.T) {
	c := newTestCore(t, "m1")

	snap, err := c.SendCommand("m1", StartCommand())
	require.NoError(t, err)
	assert.Equal(t, Running, snap.Status)

	_, err = c.SendCommand("m1", SetTargetCommand(50))
	require.NoError(t, err)

	advance(c, 10)
	snap, err = c.Read("m1")
	require.NoError(t, err)
	assert.InDelta(t, 10, snap.ActualSpeed, epsilon)

	advance(c, 40)
	snap, _ = c.Read("m1")
	assert.InDelta(t, 50, snap.ActualSpeed, epsilon)

	advance(c, 5)
	snap, _ = c.Read("m1")
	assert.InDelta(t, 50, snap.ActualSpeed, epsilon, "must hold at target")
}

func TestConvergesMonotonicallyWithoutOvershoot(t *testing.T) {
	for _, target := range []float64{0, 0.3, 7.25, 50, 99.99, 100} {
		state := NewDeviceState("m1", "Motor1", 100)
		require.NoError(t, state.StartAt(target))

		prev := state.ActualSpeed()
		for range 2000 {
			state.advance(100*time.Millisecond, 10)
			require.GreaterOrEqual(t, state.ActualSpeed(), prev)
			require.LessOrEqual(t, state.ActualSpeed(), target)
			prev = state.ActualSpeed()
		}
		assert.InDelta(t, target, state.ActualSpeed(), epsilon)
	}
}

func TestStopDecaysToZero(t *testing.T) {
	c := newTestCore(t, "m1")
	_, err := c.SendCommand("m1", StartAtCommand(80))
	require.NoError(t, err)
	advance(c, 100)

	_, err = c.SendCommand("m1", StopCommand())
	require.NoError(t, err)
	snap, _ := c.Read("m1")
	assert.InDelta(t, 80, snap.ActualSpeed, epsilon, "stop is not instantaneous")

	advance(c, 80)
	snap, _ = c.Read("m1")
	assert.Zero(t, snap.ActualSpeed)
	assert.Equal(t, Stopped, snap.Status)
}

func TestFaultedDeviceCoastsDown(t *testing.T) {
	c := newTestCore(t, "m1")
	_, err := c.SendCommand("m1", StartAtCommand(20))
	require.NoError(t, err)
	advance(c, 20)

	_, err = c.InjectFault("m1", "bearing failure")
	require.NoError(t, err)
	advance(c, 20)

	snap, _ := c.Read("m1")
	assert.Equal(t, Faulted, snap.Status)
	assert.Zero(t, snap.ActualSpeed)
	assert.Equal(t, "bearing failure", snap.FaultReason)
}

func TestTwoTicksEqualOneDoubleTick(t *testing.T) {
	steps := []time.Duration{10 * time.Millisecond, 100 * time.Millisecond, 333 * time.Millisecond, time.Second}
	for _, dt := range steps {
		for _, target := range []float64{3, 45, 100} {
			a := NewDeviceState("a", "a", 100)
			b := NewDeviceState("b", "b", 100)
			require.NoError(t, a.StartAt(target))
			require.NoError(t, b.StartAt(target))

			a.advance(dt, 10)
			a.advance(dt, 10)
			b.advance(2*dt, 10)

			assert.InDelta(t, b.ActualSpeed(), a.ActualSpeed(), epsilon, "dt=%s target=%v", dt, target)
		}
	}
}

func TestAdvanceClampsToMaxSpeed(t *testing.T) {
	state := NewDeviceState("m1", "Motor1", 100)
	require.NoError(t, state.StartAt(100))

	state.advance(time.Hour, 10)
	assert.Equal(t, 100.0, state.ActualSpeed())

	require.NoError(t, state.Stop())
	state.advance(time.Hour, 10)
	assert.Zero(t, state.ActualSpeed())
}

func TestClockRunTicksUntilCancelled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	c, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Millisecond, c.Clock().Interval())

	_, err = c.SendCommand("motor0", StartAtCommand(100))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Clock().Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		snap, _ := c.Read("motor0")
		return snap.ActualSpeed > 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("clock did not stop after cancel")
	}
	assert.Positive(t, c.Clock().Ticks())
}

func TestStartAndShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	c, err := New(cfg)
	require.NoError(t, err)

	c.Start()
	c.Start()
	require.Eventually(t, func() bool { return c.Clock().Ticks() > 2 }, 2*time.Second, 5*time.Millisecond)

	c.Shutdown()
	ticks := c.Clock().Ticks()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, ticks, c.Clock().Ticks())
	c.Shutdown()
}
