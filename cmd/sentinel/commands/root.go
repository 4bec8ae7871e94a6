package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version reported by --version
const Version = "1.0.0"

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Smart-socket power monitor",
	Long: `sentinel polls a smart power-strip controller, forecasts the next hour of load,
raises alerts on overloads and abnormal activity and publishes the result to
operators. When the device is unreachable it keeps serving synthetic data
until the device comes back.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
