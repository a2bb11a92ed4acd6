package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/gammadia/autogrid/admission"
	"github.com/gammadia/autogrid/provisioner"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var admitCmd = &cobra.Command{
	Use:   "admit BROWSER THREADS",
	Short: "Ask the grid for room to run a test suite",
	Args:  cobra.ExactArgs(2),

	RunE: func(cmd *cobra.Command, args []string) error {
		threads, err := parseThreads(args[1])
		if err != nil {
			return err
		}

		request := admission.Request{
			RunID:    lo.Must(cmd.Flags().GetString("uuid")),
			Threads:  threads,
			Browser:  args[0],
			Version:  lo.Must(cmd.Flags().GetString("browser-version")),
			Platform: lo.Must(cmd.Flags().GetString("os")),
		}
		if request.RunID == "" {
			request.RunID = uuid.NewString()
		}

		decision, err := client.Admit(cmd.Context(), request)
		if err != nil {
			return err
		}

		switch decision.Outcome {
		case admission.OutcomeAccepted:
			cmd.PrintErrln(color.HiGreenString("Run '%s' accepted, %d free slot(s)", decision.Run.ID, decision.FreeSlots))
		case admission.OutcomeProvisioning:
			ids := lo.Map(decision.Nodes, func(node provisioner.Instance, _ int) string { return node.ID })
			cmd.PrintErrln(color.HiYellowString("Run '%s' accepted, launching %d node(s): %s", decision.Run.ID, len(ids), strings.Join(ids, ", ")))
		}
		cmd.Println(decision.Run.ID)
		return nil
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release RUN",
	Short: "Forget a run so its reservation stops counting",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.Release(cmd.Context(), args[0]); err != nil {
			return err
		}
		cmd.PrintErrln(color.HiGreenString("Released run '%s'", args[0]))
		return nil
	},
}

func init() {
	admitCmd.Flags().String("uuid", "", "run identifier (random if empty)")
	admitCmd.Flags().String("browser-version", "", "requested browser version")
	admitCmd.Flags().String("os", "", "requested platform")
}

func parseThreads(s string) (int, error) {
	threads, err := strconv.Atoi(s)
	if err != nil || threads <= 0 {
		return 0, fmt.Errorf("invalid thread count '%s'", s)
	}
	return threads, nil
}
