package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/h8rt3rmin8r/faceforge/internal/app"
	"github.com/h8rt3rmin8r/faceforge/internal/ingest"
	"github.com/h8rt3rmin8r/faceforge/internal/model"
)

var (
	importRecursive bool
	importKind      string
	importThrottle  int
)

var importCmd = &cobra.Command{
	Use:   "import <dir>",
	Short: "Bulk import a directory",
	Long: `Import every file in a directory as a bulk-import job and follow its log.
Companion <file>_meta.json documents are attached as metadata. Ctrl-C
requests cancellation; files already imported stay imported.

Examples:
  faceforge-core import ~/Pictures/people
  faceforge-core import ./scans --recursive=false --kind scan`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	importCmd.Flags().BoolVar(&importRecursive, "recursive", true, "descend into subdirectories")
	importCmd.Flags().StringVar(&importKind, "kind", "", "asset kind recorded for every file")
	importCmd.Flags().IntVar(&importThrottle, "throttle-ms", 0, "pause between files in milliseconds")
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	dir, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	ctx := context.Background()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(30 * time.Second); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()
	if err := a.Start(ctx); err != nil {
		if errors.Is(err, app.ErrHomeInUse) {
			return fmt.Errorf("%w; a running server owns it, submit the import with POST /v1/assets/bulk-import instead", err)
		}
		return err
	}

	recursive := importRecursive
	job, err := a.Jobs.Submit(ctx, ingest.BulkImportJobType, ingest.BulkParams{
		Path:       dir,
		Recursive:  &recursive,
		Kind:       importKind,
		ThrottleMS: importThrottle,
	})
	if err != nil {
		return fmt.Errorf("submit import: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	job, err = followJob(ctx, a, job.ID, cmd.OutOrStdout(), sig)
	if err != nil {
		return err
	}
	printImportSummary(cmd.OutOrStdout(), job)

	switch job.Status {
	case model.JobFailed:
		return fmt.Errorf("import failed: %s", job.Error)
	case model.JobCancelled:
		return errors.New("import cancelled")
	}
	return nil
}

// followJob prints log lines as they arrive until the job is terminal and
// its log is drained. A signal on cancel requests cancellation once.
func followJob(ctx context.Context, a *app.App, id string, out io.Writer, cancel <-chan os.Signal) (model.Job, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var afterSeq int64
	for {
		entries, err := a.Jobs.Log(ctx, id, afterSeq, 500)
		if err != nil {
			return model.Job{}, err
		}
		for _, e := range entries {
			fmt.Fprintf(out, "%s %-5s %s%s\n", e.Timestamp.Local().Format("15:04:05"), e.Level, e.Message, formatLogData(e.Data))
			afterSeq = e.Seq
		}
		job, err := a.Jobs.Get(ctx, id)
		if err != nil {
			return model.Job{}, err
		}
		if job.Status.Terminal() && len(entries) == 0 {
			return job, nil
		}

		select {
		case <-cancel:
			if _, _, err := a.Jobs.Cancel(ctx, id); err != nil {
				return model.Job{}, err
			}
			fmt.Fprintln(out, "cancelling...")
			cancel = nil
		case <-ticker.C:
		}
	}
}

func formatLogData(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return " " + string(raw)
	}
	if f, ok := fields["file"].(string); ok {
		return " " + f
	}
	return " " + string(raw)
}

func printImportSummary(out io.Writer, job model.Job) {
	var res ingest.BulkResult
	if len(job.Result) == 0 || json.Unmarshal(job.Result, &res) != nil {
		fmt.Fprintf(out, "job %s %s\n", job.ID, job.Status)
		return
	}
	fmt.Fprintf(out, "job %s %s: imported %d, already imported %d, empty %d, errors %d\n",
		job.ID, job.Status, res.Imported, res.SkippedExisting, res.SkippedEmpty, res.Errors)
}
