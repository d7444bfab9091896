// Command mock-operator exercises a running motorsim by sending random
// commands to random motors over MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ilievs/motorsim/core"
	"github.com/ilievs/motorsim/mqtt"
	"github.com/ilievs/motorsim/system"
)

type options struct {
	broker   string
	user     string
	password string
	interval time.Duration
	maxSpeed float64
}

func main() {
	opts := new(options)
	cmd := &cobra.Command{
		Use:          "mock-operator",
		Short:        "send random commands to a running motorsim",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.broker, "broker", "mqtt://localhost:1883", "broker url")
	cmd.Flags().StringVar(&opts.user, "user", "operator", "MQTT username")
	cmd.Flags().StringVar(&opts.password, "password", "operator", "MQTT password")
	cmd.Flags().DurationVar(&opts.interval, "interval", time.Second, "time between commands")
	cmd.Flags().Float64Var(&opts.maxSpeed, "max-speed", 100, "upper bound for random targets")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func (o *options) validate() error {
	if o.maxSpeed < 0 {
		return fmt.Errorf("%w: --max-speed %g is negative", core.ErrInvalidArgument, o.maxSpeed)
	}
	if o.interval <= 0 {
		return fmt.Errorf("%w: --interval %s must be positive", core.ErrInvalidArgument, o.interval)
	}
	return nil
}

func run(parent context.Context, opts *options) error {
	log := system.NewLogger(os.Stderr, slog.LevelInfo, "text")

	// App will run until cancelled by user (e.g. ctrl-c)
	ctx, stop := system.SignalContext(parent)
	defer stop()

	remote, err := mqtt.Dial(ctx, mqtt.RemoteConfig{
		BrokerURL: opts.broker,
		Username:  opts.user,
		Password:  opts.password,
		ClientID:  "mock-operator",
		Logger:    log,
	})
	if err != nil {
		return err
	}
	defer remote.Close(context.Background())
	log.Info("operating motors", "client", remote.ClientId(), "broker", opts.broker)

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		requestCtx, cancel := context.WithTimeout(ctx, opts.interval)
		devices, err := remote.Devices(requestCtx)
		if err != nil || len(devices) == 0 {
			cancel()
			log.Warn("no devices", "error", err)
			continue
		}
		device := devices[rand.Intn(len(devices))]
		command := randomCommand(opts.maxSpeed)

		snap, err := remote.Send(requestCtx, device.Id, command)
		if errors.Is(err, core.ErrIllegalState) {
			command = core.ResetCommand()
			snap, err = remote.Send(requestCtx, device.Id, command)
		}
		cancel()
		if err != nil {
			log.Warn("command failed", "device", device.Id, "command", command.Name, "error", err)
			continue
		}
		log.Info("command applied", "device", device.Id, "command", command.Name,
			"args", command.Arguments, "status", snap.Status, "target", snap.TargetSpeed)
	}
}

func randomCommand(maxSpeed float64) core.Command {
	speed := float64(rand.Intn(int(maxSpeed) + 1))
	switch rand.Intn(4) {
	case 0:
		return core.StopCommand()
	case 1:
		return core.SetTargetCommand(speed)
	default:
		return core.StartAtCommand(speed)
	}
}
