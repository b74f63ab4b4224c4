package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/example/face-attendance/pkg/client"
)

var photoExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".bmp": {}, ".webp": {},
}

// BatchReport is the JSON summary printed by batch --json.
type BatchReport struct {
	Successful int               `json:"successful"`
	Failed     int               `json:"failed"`
	Errors     map[string]string `json:"errors,omitempty"`
}

func (cli *cliContext) batchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch <dir>",
		Short: "Register every photo in a directory",
		Long: `Register every image in <dir>. The file name without extension is the user
id, so "42.jpg" registers user 42. Files are processed in name order.

Examples:
  # Register all employee photos
  facectl batch ./photos

  # JSON output for scripting
  facectl batch ./photos --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := collectPhotos(args[0])
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no photos found in %s", args[0])
			}

			faces := make([]client.Face, 0, len(files))
			for _, f := range files {
				photo, err := readPhoto(f.path, nil)
				if err != nil {
					return err
				}
				faces = append(faces, client.Face{UserID: f.userID, Photo: photo})
			}

			c, err := cli.client()
			if err != nil {
				return err
			}

			var bar *progressbar.ProgressBar
			if !cli.jsonOutput() {
				bar = progressbar.NewOptions(len(faces),
					progressbar.OptionSetWriter(cmd.ErrOrStderr()),
					progressbar.OptionSetDescription("Registering faces"),
					progressbar.OptionShowCount(),
					progressbar.OptionShowIts(),
					progressbar.OptionSetItsString("faces"),
					progressbar.OptionShowElapsedTimeOnFinish(),
					progressbar.OptionSetPredictTime(true),
				)
			}

			res, err := c.Batch(commandContext(cmd), faces, func(client.BatchItem) {
				if bar != nil {
					_ = bar.Add(1)
				}
			})
			if bar != nil {
				_ = bar.Finish()
				fmt.Fprintln(cmd.ErrOrStderr())
			}
			if err != nil {
				return err
			}

			report := BatchReport{Successful: res.Successful, Failed: res.Failed}
			for _, item := range res.Items {
				if item.Err != nil {
					if report.Errors == nil {
						report.Errors = make(map[string]string)
					}
					report.Errors[item.UserID] = item.Err.Error()
				}
			}

			if cli.jsonOutput() {
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%d registered, %d failed\n", report.Successful, report.Failed)
				ids := make([]string, 0, len(report.Errors))
				for id := range report.Errors {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				for _, id := range ids {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s\n", id, report.Errors[id])
				}
			}
			if report.Failed > 0 {
				return fmt.Errorf("%d of %d registrations failed", report.Failed, len(faces))
			}
			return nil
		},
	}
}

type photoFile struct {
	path   string
	userID string
}

func collectPhotos(dir string) ([]photoFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	var files []photoFile
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if _, ok := photoExtensions[ext]; !ok {
			continue
		}
		files = append(files, photoFile{
			path:   filepath.Join(dir, e.Name()),
			userID: strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })
	return files, nil
}
