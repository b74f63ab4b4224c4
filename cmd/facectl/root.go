package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/example/face-attendance/internal/logging"
	"github.com/example/face-attendance/pkg/client"
)

const defaultServerURL = "http://localhost:5000"

type cliContext struct {
	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	cli := &cliContext{v: viper.New()}

	root := &cobra.Command{
		Use:   "facectl",
		Short: "Command line client for the face recognition server",
		Long: `facectl talks to a face recognition server over HTTP. It registers,
recognizes and deletes faces and can bulk register a directory of photos.

The server address comes from --server or FACE_SERVER_URL (a .env file in the
working directory is read when present).`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
		},
	}

	root.PersistentFlags().String("server", defaultServerURL, "Face server base URL")
	root.PersistentFlags().Duration("timeout", client.DefaultTimeout, "Per request timeout")
	root.PersistentFlags().Bool("json", false, "Print raw JSON results")
	root.PersistentFlags().String("log-level", "error", "Client log level")

	_ = cli.v.BindPFlag("server", root.PersistentFlags().Lookup("server"))
	_ = cli.v.BindPFlag("timeout", root.PersistentFlags().Lookup("timeout"))
	_ = cli.v.BindPFlag("json", root.PersistentFlags().Lookup("json"))
	_ = cli.v.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))
	_ = cli.v.BindEnv("server", "FACE_SERVER_URL")
	_ = cli.v.BindEnv("timeout", "FACE_SERVER_TIMEOUT")

	root.AddCommand(
		cli.healthCmd(),
		cli.registerCmd(),
		cli.recognizeCmd(),
		cli.statusCmd(),
		cli.deleteCmd(),
		cli.updateCmd(),
		cli.batchCmd(),
	)
	return root
}

func (cli *cliContext) client() (*client.Client, error) {
	logger := zap.NewNop()
	if level := cli.v.GetString("log_level"); level != "" {
		if l, err := logging.NewLogger(level); err == nil {
			logger = l
		}
	}
	return client.New(cli.v.GetString("server"),
		client.WithHTTPClient(&http.Client{Timeout: cli.v.GetDuration("timeout")}),
		client.WithLogger(logger),
	)
}

func (cli *cliContext) jsonOutput() bool {
	return cli.v.GetBool("json")
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readPhoto loads an image file, or stdin for "-", and base64-encodes it.
func readPhoto(path string, stdin io.Reader) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read photo: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("photo %s is empty", path)
	}
	return client.EncodePhoto(data), nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}
