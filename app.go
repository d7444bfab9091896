package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/spf13/cobra"

	"github.com/ilievs/motorsim/api"
	"github.com/ilievs/motorsim/config"
	"github.com/ilievs/motorsim/core"
	"github.com/ilievs/motorsim/mqtt"
	"github.com/ilievs/motorsim/system"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var (
		tickMs   int
		mqttAddr string
		httpAddr string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the simulation with its MQTT broker and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile, envFile)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("tick-ms") {
				cfg.TickIntervalMs = tickMs
			}
			if flags.Changed("mqtt-addr") {
				cfg.Mqtt.Address = mqttAddr
			}
			if flags.Changed("http-addr") {
				cfg.Http.Address = httpAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := system.SignalContext(cmd.Context())
			defer stop()
			return RunApplication(ctx, cfg)
		},
	}
	cmd.Flags().IntVar(&tickMs, "tick-ms", 0, "simulation tick interval in milliseconds")
	cmd.Flags().StringVar(&mqttAddr, "mqtt-addr", "", "MQTT listen address")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "HTTP listen address, empty disables the API")
	return cmd
}

// RunApplication serves until ctx is done or a component fails.
func RunApplication(ctx context.Context, cfg *config.Config) error {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log := system.NewLogger(os.Stderr, level, cfg.LogFormat)

	deviceMan, err := core.New(cfg.Core(log))
	if err != nil {
		return err
	}
	deviceMan.Start()
	defer deviceMan.Shutdown()

	server := mqtt.NewServer(log)
	mqttClient := mqtt.NewMochiClient(server)
	sessions := new(mqtt.ClientTrackerHook)

	broker := mqtt.NewMochiBroker(server, mqtt.BrokerOptions{
		Address:  cfg.Mqtt.Address,
		Username: cfg.Mqtt.Username,
		Password: cfg.Mqtt.Password,
	}, log)
	if err := broker.Start(
		[]mochi.Hook{sessions},
		[]any{&mqtt.HookOptions{Logger: log}}); err != nil {
		return fmt.Errorf("%w: %v", core.ErrFatal, err)
	}
	defer broker.Close()

	bridge := mqtt.NewBridge(deviceMan, broker, mqttClient, log)
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("%w: %v", core.ErrFatal, err)
	}
	defer bridge.Stop()

	failed := make(chan error, 1)
	var httpServer *api.Server
	if cfg.Http.Address != "" {
		httpServer = api.NewServer(deviceMan, sessions, log)
		go func() {
			if err := httpServer.Start(cfg.Http.Address); err != nil {
				failed <- fmt.Errorf("%w: http: %v", core.ErrFatal, err)
			}
		}()
	}

	log.Info("motorsim running", "devices", len(deviceMan.ListDevices()),
		"tick", deviceMan.Clock().Interval(), "mqtt", cfg.Mqtt.Address, "http", cfg.Http.Address)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-failed:
		log.Error("component failed", "error", runErr)
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("http shutdown", "error", err)
		}
	}
	return runErr
}
