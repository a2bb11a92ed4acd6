package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/gammadia/autogrid/capability"
	"github.com/gammadia/autogrid/registry"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show runs, nodes and periodic tasks",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := client.Status(cmd.Context())
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), status, time.Now())
		return nil
	},
}

var capacityCmd = &cobra.Command{
	Use:   "capacity BROWSER",
	Short: "Show free and busy slots for a browser",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		capacity, err := client.Capacity(cmd.Context(), capability.Profile{
			Browser:  args[0],
			Version:  lo.Must(cmd.Flags().GetString("browser-version")),
			Platform: lo.Must(cmd.Flags().GetString("os")),
		})
		if err != nil {
			return err
		}

		cmd.Printf("%-12s %s\n", "Browser:", color.HiCyanString(capacity.Profile.Browser))
		cmd.Printf("%-12s %d\n", "Free:", capacity.FreeSlots)
		cmd.Printf("%-12s %d\n", "In progress:", capacity.InProgress)
		return nil
	},
}

func init() {
	capacityCmd.Flags().String("browser-version", "", "requested browser version")
	capacityCmd.Flags().String("os", "", "requested platform")
}

func printStatus(w io.Writer, status gridStatus, now time.Time) {
	fmt.Fprintf(w, "%s (%d)\n", color.HiWhiteString("Runs"), len(status.Runs))
	runs := append([]registry.RunRequest(nil), status.Runs...)
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })
	for _, run := range runs {
		fmt.Fprintf(w, "  %-36s  %-18s  %3d thread(s)  %s\n",
			run.ID, run.Profile.Browser, run.Threads, formatAge(now.Sub(run.CreatedAt)))
	}

	fmt.Fprintf(w, "%s (%d, %d pending, %d endpoint(s))\n", color.HiWhiteString("Nodes"), len(status.Nodes), len(status.Pending), status.Endpoints)
	for _, node := range status.Nodes {
		fmt.Fprintf(w, "  %-20s  %-10s  %-18s  %s\n",
			node.InstanceID, nodeStatus(node.Status), node.Browser, formatRemaining(node.EndDate.Sub(now)))
	}
	for _, pending := range status.Pending {
		fmt.Fprintf(w, "  %-20s  %-10s  %-18s  %s\n",
			pending.InstanceID, color.HiBlackString("PENDING"), "", formatAge(now.Sub(pending.RequestedAt)))
	}

	if len(status.Queued) > 0 {
		fmt.Fprintf(w, "%s (%d)\n", color.HiWhiteString("Queued"), len(status.Queued))
		for _, queued := range status.Queued {
			fmt.Fprintf(w, "  %-36s  %-18s  %s\n", queued.ID, queued.Profile.Browser, formatAge(now.Sub(queued.QueuedAt)))
		}
	}

	fmt.Fprintln(w, color.HiWhiteString("Tasks"))
	for _, task := range status.Tasks {
		state := color.HiGreenString("ok")
		if task.LastError != "" {
			state = color.HiRedString(task.LastError)
		} else if task.Runs == 0 {
			state = color.HiBlackString("waiting")
		}
		fmt.Fprintf(w, "  %-16s  every %-6s  %d/%d  %s\n",
			task.Name, task.Delay, task.Runs-task.Failures, task.Runs, state)
	}
}

func nodeStatus(status registry.NodeStatus) string {
	switch status {
	case registry.NodeStatusRunning:
		return color.HiGreenString("%-10s", status)
	case registry.NodeStatusExpired:
		return color.HiYellowString("%-10s", status)
	default:
		return color.HiRedString("%-10s", status)
	}
}

func formatAge(d time.Duration) string {
	return d.Truncate(time.Second).String() + " ago"
}

func formatRemaining(d time.Duration) string {
	if d <= 0 {
		return "cycle over"
	}
	return d.Truncate(time.Second).String() + " left"
}
