package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the version number of gridctl and of the control plane",

	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Printf("gridctl version %s (%s)\n", version, commit[:min(len(commit), 7)])

		health, err := client.Health(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("server version %s\n", health.Version)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Query the gRPC health service of the control plane",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := checkHealth(cmd.Context(), lo.Must(cmd.Flags().GetString("grpc")), lo.Must(cmd.Flags().GetDuration("timeout")))
		if err != nil {
			return err
		}

		if status != healthpb.HealthCheckResponse_SERVING {
			return fmt.Errorf("control plane is %s", status)
		}
		cmd.Println(color.HiGreenString("%s", status))
		return nil
	},
}

func init() {
	healthCmd.Flags().String("grpc", "localhost:4445", "the control plane gRPC health address")
}

func checkHealth(ctx context.Context, remote string, timeout time.Duration) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(remote, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to dial gRPC: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	response, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check failed: %w", err)
	}
	return response.Status, nil
}
