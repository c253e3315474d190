package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudupload-go/internal/upload"
)

// errUploadFailed is returned when a session ends in anything other than
// success or "nothing to upload", so scripts can test the exit status.
var errUploadFailed = errors.New("upload did not complete")

func newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload [paths...]",
		Short: "Upload photos once and print the result code",
		Long: `Run one upload session in the foreground.

With paths, only those files are considered. Without paths, the configured
media roots are scanned. Files already in the upload ledger are skipped.
The result is printed with its numeric code: 0 success, 1 not logged in,
2 credential rejected, 3 no-operation timeout.`,
		RunE: runUpload,
	}
}

// uploadOutput is the JSON schema for `upload --json`.
type uploadOutput struct {
	SessionID  string `json:"session_id"`
	Result     string `json:"result"`
	ResultCode *int   `json:"result_code"`
	Total      int    `json:"total"`
	Uploaded   int    `json:"uploaded"`
	Skipped    int    `json:"skipped"`
	Message    string `json:"message"`
	ElapsedMS  int64  `json:"elapsed_ms"`
}

func runUpload(cmd *cobra.Command, args []string) error {
	logger, closeLog := buildLogger()
	defer closeLog()

	ctx := shutdownContext(cmd.Context(), logger)

	sess, err := NewAgentSession(ctx, resolvedCfg, resolvedCfgPath, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	var res upload.Result
	if len(args) > 0 {
		res = sess.Agent.UploadPaths(ctx, args)
	} else {
		res = sess.Agent.UploadLibrary(ctx)
	}

	logger.Debug("upload command finished",
		slog.String("session", res.SessionID),
		slog.String("result", res.Outcome.String()),
	)

	if flagJSON {
		if err := printUploadJSON(os.Stdout, res); err != nil {
			return err
		}
	} else {
		printUploadText(os.Stdout, res)
	}

	switch res.Outcome {
	case upload.Success, upload.NotReady:
		return nil
	default:
		return fmt.Errorf("%w: %s", errUploadFailed, res.Message())
	}
}

func newUploadOutput(res upload.Result) uploadOutput {
	out := uploadOutput{
		SessionID: res.SessionID,
		Result:    res.Outcome.String(),
		Total:     res.Total,
		Uploaded:  res.Uploaded,
		Skipped:   res.Skipped,
		Message:   res.Message(),
		ElapsedMS: res.EndedAt.Sub(res.StartedAt).Milliseconds(),
	}

	if code := res.Outcome.Code(); code >= 0 {
		out.ResultCode = &code
	}

	return out
}

func printUploadJSON(w io.Writer, res upload.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(newUploadOutput(res)); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

func printUploadText(w io.Writer, res upload.Result) {
	if res.Outcome == upload.NotReady {
		fmt.Fprintln(w, "Nothing to upload.")
		return
	}

	if code := res.Outcome.Code(); code >= 0 {
		fmt.Fprintf(w, "Result: %s (%d)\n", res.Outcome, code)
	} else {
		fmt.Fprintf(w, "Result: %s\n", res.Outcome)
	}

	fmt.Fprintf(w, "Uploaded %d of %d", res.Uploaded, res.Total)

	if res.Skipped > 0 {
		fmt.Fprintf(w, ", %d unreadable", res.Skipped)
	}

	fmt.Fprintf(w, " in %s\n", formatElapsed(res.EndedAt.Sub(res.StartedAt)))

	if res.Err != nil {
		fmt.Fprintf(w, "Error: %s\n", res.Message())
	}
}
