package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilievs/motorsim/api"
	"github.com/ilievs/motorsim/config"
	"github.com/ilievs/motorsim/core"
	"github.com/ilievs/motorsim/mqtt"
)

func freeAddress(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestRunApplication(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.TickIntervalMs = 10
	cfg.LogLevel = "error"
	cfg.Mqtt.Address = freeAddress(t)
	cfg.Http.Address = freeAddress(t)
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunApplication(ctx, cfg) }()

	var health api.Health
	require.Eventually(t, func() bool {
		res, err := http.Get("http://" + cfg.Http.Address + "/health")
		if err != nil {
			return false
		}
		defer res.Body.Close()
		return json.NewDecoder(res.Body).Decode(&health) == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, len(cfg.Devices), health.Devices)

	dialCtx, cancelDial := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelDial()
	remote, err := mqtt.Dial(dialCtx, mqtt.RemoteConfig{BrokerURL: brokerURL(cfg.Mqtt.Address)})
	require.NoError(t, err)

	id := cfg.Devices[0].Id
	_, err = remote.Send(dialCtx, id, core.StartAtCommand(5))
	require.NoError(t, err)

	states, err := remote.Watch(dialCtx, id)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		select {
		case snap := <-states:
			return snap.ActualSpeed == 5
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond, "the clock drives the device to its target")
	require.NoError(t, remote.Close(context.Background()))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("application did not shut down")
	}
}

func TestRunApplicationFailsOnBusyPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	cfg := config.DefaultConfig()
	cfg.LogLevel = "error"
	cfg.Mqtt.Address = l.Addr().String()
	cfg.Http.Address = ""

	err = RunApplication(context.Background(), cfg)
	assert.ErrorIs(t, err, core.ErrFatal)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitFatal, exitCode(fmt.Errorf("%w: duplicate device motor0", core.ErrFatal)))
	assert.Equal(t, exitFailure, exitCode(fmt.Errorf("%w: speed", core.ErrInvalidArgument)))
	assert.Equal(t, exitFailure, exitCode(errors.New("unknown flag")))
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "mqtt://localhost:1883", brokerURL(":1883"))
	assert.Equal(t, "mqtt://10.0.0.2:1883", brokerURL("10.0.0.2:1883"))
}

func TestSpeedPlot(t *testing.T) {
	snap := core.Snapshot{Id: "motor0", Status: core.Running, TargetSpeed: 30, ActualSpeed: 20}
	graph := speedPlot(snap, []float64{0, 10, 20})
	assert.True(t, strings.Contains(graph, "motor0 running target=30 actual=20"), graph)
}
