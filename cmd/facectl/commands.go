package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/face-attendance/internal/grpchealth"
	"github.com/example/face-attendance/pkg/client"
)

func (cli *cliContext) healthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the server is online",
		Long: `Check the HTTP health endpoint. With --grpc-addr (or FACE_GRPC_HEALTH_ADDR)
the gRPC health service of the server is queried as well.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cli.client()
			if err != nil {
				return err
			}
			h, err := c.Health(commandContext(cmd))
			if err != nil {
				return err
			}

			report := healthReport{Health: h}
			if addr := cli.v.GetString("grpc_addr"); addr != "" {
				status, err := grpchealth.Check(commandContext(cmd), addr, grpchealth.ServiceName)
				if err != nil {
					return err
				}
				report.GRPCStatus = status.String()
			}

			if cli.jsonOutput() {
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s, %d registered faces, tolerance %.2f\n",
					h.Service, h.Version, h.Status, h.RegisteredFaces, h.RecognitionTolerance)
				if report.GRPCStatus != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "grpc health: %s\n", report.GRPCStatus)
				}
			}
			if report.GRPCStatus != "" && report.GRPCStatus != healthpb.HealthCheckResponse_SERVING.String() {
				return fmt.Errorf("grpc health status is %s", report.GRPCStatus)
			}
			return nil
		},
	}
	cmd.Flags().String("grpc-addr", "", "gRPC health address of the server (host:port)")
	_ = cli.v.BindPFlag("grpc_addr", cmd.Flags().Lookup("grpc-addr"))
	_ = cli.v.BindEnv("grpc_addr", "FACE_GRPC_HEALTH_ADDR")
	return cmd
}

// healthReport is the --json output of the health command.
type healthReport struct {
	*client.Health
	GRPCStatus string `json:"grpc_status,omitempty"`
}

func (cli *cliContext) registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <user-id> <photo>",
		Short: "Register the face in a photo for a user",
		Long: `Register the single face in <photo> for <user-id>. An existing face of the
user is replaced. Use "-" to read the photo from stdin.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.runRegister(cmd, args[0], args[1], false)
		},
	}
}

func (cli *cliContext) updateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update <user-id> <photo>",
		Short: "Delete and re-register the face of a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.runRegister(cmd, args[0], args[1], true)
		},
	}
}

func (cli *cliContext) runRegister(cmd *cobra.Command, userID, path string, update bool) error {
	photo, err := readPhoto(path, cmd.InOrStdin())
	if err != nil {
		return err
	}
	c, err := cli.client()
	if err != nil {
		return err
	}

	var reg *client.Registration
	if update {
		reg, err = c.Update(commandContext(cmd), userID, photo)
	} else {
		reg, err = c.Register(commandContext(cmd), userID, photo)
	}
	if err != nil {
		return err
	}
	if cli.jsonOutput() {
		return printJSON(cmd.OutOrStdout(), reg)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "registered face for user %s at %s\n", reg.UserID, formatTime(&reg.RegisteredAt))
	return nil
}

func (cli *cliContext) recognizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recognize <photo>",
		Short: "Identify the face in a photo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			photo, err := readPhoto(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			c, err := cli.client()
			if err != nil {
				return err
			}
			rec, err := c.Recognize(commandContext(cmd), photo)
			if errors.Is(err, client.ErrNotRecognized) {
				fmt.Fprintln(cmd.OutOrStdout(), "face not recognized")
				return err
			}
			if err != nil {
				return err
			}
			if cli.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), rec)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s (confidence %.4f)\n", rec.UserID, rec.Confidence)
			return nil
		},
	}
}

func (cli *cliContext) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <user-id>",
		Short: "Show whether a user has a registered face",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cli.client()
			if err != nil {
				return err
			}
			st, err := c.Status(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			if cli.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), st)
			}
			if !st.Registered {
				fmt.Fprintf(cmd.OutOrStdout(), "user %s has no registered face\n", st.UserID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s registered, last updated %s\n", st.UserID, formatTime(st.LastUpdated))
			return nil
		},
	}
}

func (cli *cliContext) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <user-id>",
		Short: "Delete the face data of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cli.client()
			if err != nil {
				return err
			}
			if err := c.Delete(commandContext(cmd), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted face data for user %s\n", args[0])
			return nil
		},
	}
}
