// Command bgtaskctl talks to a running bgtaskd over its HTTP gateway. It is
// the operator's window into the grant table and the delay quota engine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "bgtaskctl",
		Short:   "Inspect and manage bgtaskd background task grants",
		Version: Version,
		Long: `bgtaskctl queries a running bgtaskd daemon: list continuous task grants,
cancel them, drive the privileged inner surface, and inspect transient
delay quotas.

The daemon address and bearer token come from flags, then the
BGTASKD_ADDR / BGTASKD_TOKEN environment, then ~/.bgtaskd/gateway.token.`,
	}

	rootCmd.PersistentFlags().String("addr", "", "daemon address (default 127.0.0.1:18710)")
	rootCmd.PersistentFlags().String("token", "", "gateway bearer token")

	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(delayCmd())
	rootCmd.AddCommand(innerCmd())
	rootCmd.AddCommand(dumpCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
