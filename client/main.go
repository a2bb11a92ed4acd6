package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

var client *gridClient

var verbose bool

var gridctlCmd = &cobra.Command{
	Use:   "gridctl",
	Short: "gridctl drives an autogrid control plane.",

	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		remote := lo.Must(cmd.Flags().GetString("remote"))
		timeout := lo.Must(cmd.Flags().GetDuration("timeout"))
		client = newGridClient(remote, timeout)
		return nil
	},
}

func init() {
	gridctlCmd.AddCommand(admitCmd)
	gridctlCmd.AddCommand(capacityCmd)
	gridctlCmd.AddCommand(healthCmd)
	gridctlCmd.AddCommand(releaseCmd)
	gridctlCmd.AddCommand(statusCmd)
	gridctlCmd.AddCommand(versionCmd)

	gridctlCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	gridctlCmd.PersistentFlags().String("remote", lo.Must(lo.Coalesce(os.Getenv("AUTOGRID_REMOTE"), "http://localhost:4444")), "the control plane HTTP address")
	gridctlCmd.PersistentFlags().Duration("timeout", defaultTimeout, "timeout of a single request")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gridctlCmd.SetOut(os.Stdout)
	if err := gridctlCmd.ExecuteContext(ctx); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, color.HiRedString(fmt.Sprint(err))))
		os.Exit(1)
	}
}
