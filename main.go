package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ilievs/motorsim/core"
)

const (
	exitFailure = 1
	exitFatal   = 2
)

var (
	configFile string
	envFile    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "motorsim",
		Short:         "simulated motor fleet over MQTT and HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "yaml config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with MOTORSIM_ overrides")

	rootCmd.AddCommand(newServeCmd(), newCtlCmd())

	if err := rootCmd.Execute(); err != nil {
		code := exitCode(err)
		if code == exitFatal {
			fmt.Fprintln(os.Stderr, "fatal:", err)
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(code)
	}
}

// exitCode separates a broken simulation from a bad invocation.
func exitCode(err error) int {
	if core.IsFatal(err) {
		return exitFatal
	}
	return exitFailure
}
