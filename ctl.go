package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"

	"github.com/ilievs/motorsim/config"
	"github.com/ilievs/motorsim/core"
	"github.com/ilievs/motorsim/mqtt"
	"github.com/ilievs/motorsim/system"
)

const plotWidth = 80

type ctlOptions struct {
	broker   string
	username string
	password string
	timeout  time.Duration
}

func newCtlCmd() *cobra.Command {
	opts := new(ctlOptions)
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "operate a running motorsim over MQTT",
	}
	cmd.PersistentFlags().StringVar(&opts.broker, "broker", "", "broker url, defaults to the configured MQTT address")
	cmd.PersistentFlags().StringVar(&opts.username, "user", "", "MQTT username")
	cmd.PersistentFlags().StringVar(&opts.password, "password", "", "MQTT password")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "request timeout")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "list simulated devices",
			Args:  cobra.NoArgs,
			RunE: opts.run(func(ctx context.Context, remote *mqtt.RemoteClient, out io.Writer, args []string) error {
				devices, err := remote.Devices(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME")
				for _, d := range devices {
					fmt.Fprintf(w, "%s\t%s\n", d.Id, d.Name)
				}
				return w.Flush()
			}),
		},
		&cobra.Command{
			Use:   "read <id>",
			Short: "print the latest snapshot of a device",
			Args:  cobra.ExactArgs(1),
			RunE: opts.run(func(ctx context.Context, remote *mqtt.RemoteClient, out io.Writer, args []string) error {
				snap, err := remote.Read(ctx, args[0])
				if err != nil {
					return err
				}
				return printSnapshot(out, snap)
			}),
		},
		opts.commandCmd("start <id> [speed]", "start a device, optionally at a target speed", cobra.RangeArgs(1, 2),
			func(args []string) core.Command {
				return core.Command{Name: core.CommandStart, Arguments: args[1:]}
			}),
		opts.commandCmd("stop <id>", "bring a device to a stop", cobra.ExactArgs(1),
			func(args []string) core.Command { return core.StopCommand() }),
		opts.commandCmd("set <id> <speed>", "set the target speed", cobra.ExactArgs(2),
			func(args []string) core.Command {
				return core.Command{Name: core.CommandSetTarget, Arguments: args[1:]}
			}),
		opts.commandCmd("reset <id>", "clear a fault", cobra.ExactArgs(1),
			func(args []string) core.Command { return core.ResetCommand() }),
		opts.watchCmd(),
	)
	return cmd
}

type ctlFunc func(ctx context.Context, remote *mqtt.RemoteClient, out io.Writer, args []string) error

// run dials the broker around fn. The timeout bounds dialing and fn.
func (o *ctlOptions) run(fn ctlFunc) func(*cobra.Command, []string) error {
	return o.runWithin(true, fn)
}

func (o *ctlOptions) runWithin(bounded bool, fn ctlFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		remoteCfg, err := o.remoteConfig()
		if err != nil {
			return err
		}

		ctx, stop := system.SignalContext(cmd.Context())
		defer stop()

		dialCtx, cancelDial := context.WithTimeout(ctx, o.timeout)
		defer cancelDial()
		remote, err := mqtt.Dial(dialCtx, remoteCfg)
		if err != nil {
			return fmt.Errorf("connect %s: %w", remoteCfg.BrokerURL, err)
		}
		defer remote.Close(context.Background())

		if bounded {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, o.timeout)
			defer cancel()
		}
		return fn(ctx, remote, cmd.OutOrStdout(), args)
	}
}

func (o *ctlOptions) remoteConfig() (mqtt.RemoteConfig, error) {
	cfg, err := config.Load(configFile, envFile)
	if err != nil {
		return mqtt.RemoteConfig{}, err
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return mqtt.RemoteConfig{}, err
	}

	remote := mqtt.RemoteConfig{
		BrokerURL: o.broker,
		Username:  cfg.Mqtt.Username,
		Password:  cfg.Mqtt.Password,
		Logger:    system.NewLogger(os.Stderr, max(level, slog.LevelWarn), cfg.LogFormat),
	}
	if remote.BrokerURL == "" {
		remote.BrokerURL = brokerURL(cfg.Mqtt.Address)
	}
	if o.username != "" {
		remote.Username = o.username
	}
	if o.password != "" {
		remote.Password = o.password
	}
	return remote, nil
}

// brokerURL turns a listen address into something a client can dial.
func brokerURL(address string) string {
	if strings.HasPrefix(address, ":") {
		address = "localhost" + address
	}
	return "mqtt://" + address
}

func (o *ctlOptions) commandCmd(use, short string, args cobra.PositionalArgs, build func([]string) core.Command) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: o.run(func(ctx context.Context, remote *mqtt.RemoteClient, out io.Writer, args []string) error {
			snap, err := remote.Send(ctx, args[0], build(args))
			if err != nil {
				return err
			}
			return printSnapshot(out, snap)
		}),
	}
}

func (o *ctlOptions) watchCmd() *cobra.Command {
	var plot bool
	cmd := &cobra.Command{
		Use:   "watch <id>",
		Short: "follow a device until interrupted",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = o.runWithin(false, func(ctx context.Context, remote *mqtt.RemoteClient, out io.Writer, args []string) error {
		states, err := remote.Watch(ctx, args[0])
		if err != nil {
			return err
		}
		var history []float64
		for snap := range states {
			if !plot {
				fmt.Fprintf(out, "%s rev=%d status=%s target=%g actual=%g\n",
					snap.UpdatedAt.Format(time.TimeOnly), snap.Revision, snap.Status, snap.TargetSpeed, snap.ActualSpeed)
				continue
			}
			history = append(history, snap.ActualSpeed)
			if len(history) > plotWidth {
				history = history[len(history)-plotWidth:]
			}
			fmt.Fprint(out, "\033[H\033[2J")
			fmt.Fprintln(out, speedPlot(snap, history))
		}
		return nil
	})
	cmd.Flags().BoolVar(&plot, "plot", false, "plot actual speed instead of printing snapshots")
	return cmd
}

func speedPlot(snap core.Snapshot, history []float64) string {
	return asciigraph.Plot(history,
		asciigraph.Height(10),
		asciigraph.Width(plotWidth),
		asciigraph.LowerBound(0),
		asciigraph.Caption(fmt.Sprintf("%s %s target=%g actual=%g",
			snap.Id, snap.Status, snap.TargetSpeed, snap.ActualSpeed)))
}

func printSnapshot(out io.Writer, snap core.Snapshot) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
