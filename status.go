package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudupload-go/internal/agent"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show login state, upload ledger, and agent settings",
		Long: `Display the stored credential, the number of uploaded items, the
no-operation timeout, and whether a serve process is running.`,
		RunE: runStatus,
	}
}

// statusOutput is the JSON schema for `status --json`.
type statusOutput struct {
	Provider                 string `json:"provider"`
	LoggedIn                 bool   `json:"logged_in"`
	AccountID                string `json:"account_id,omitempty"`
	UploadedCount            int    `json:"uploaded_count"`
	LastUploadAt             string `json:"last_upload_at,omitempty"`
	NoOperationTimeoutMinute int    `json:"no_operation_timeout_minute"`
	AgentPID                 int    `json:"agent_pid,omitempty"`
	ConfigPath               string `json:"config_path"`
	DataDir                  string `json:"data_dir"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	logger, closeLog := buildLogger()
	defer closeLog()

	ctx := cmd.Context()

	sess, err := NewAgentSession(ctx, resolvedCfg, resolvedCfgPath, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	st, err := sess.Agent.Status(ctx)
	if err != nil {
		return err
	}

	out := newStatusOutput(st, runningAgentPID(resolvedCfg.PIDPath()))

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("encoding JSON output: %w", err)
		}

		return nil
	}

	printStatusText(os.Stdout, out, st)

	return nil
}

func newStatusOutput(st agent.Status, pid int) statusOutput {
	out := statusOutput{
		Provider:                 string(st.Provider),
		LoggedIn:                 st.LoggedIn,
		AccountID:                st.AccountID,
		UploadedCount:            st.UploadedCount,
		NoOperationTimeoutMinute: st.TimeoutMinutes,
		AgentPID:                 pid,
		ConfigPath:               resolvedCfgPath,
		DataDir:                  resolvedCfg.EffectiveDataDir(),
	}

	if !st.LastUploadAt.IsZero() {
		out.LastUploadAt = st.LastUploadAt.UTC().Format("2006-01-02T15:04:05Z")
	}

	return out
}

func printStatusText(w io.Writer, out statusOutput, st agent.Status) {
	login := "not logged in"
	if out.LoggedIn {
		login = "logged in"
		if out.AccountID != "" {
			login += " as " + out.AccountID
		}
	}

	agentState := "not running"
	if out.AgentPID != 0 {
		agentState = "running (PID " + strconv.Itoa(out.AgentPID) + ")"
	}

	rows := [][]string{
		{"provider", out.Provider},
		{"login", login},
		{"uploaded", strconv.Itoa(out.UploadedCount)},
		{"last upload", formatTime(st.LastUploadAt)},
		{"no-operation timeout", formatTimeout(out.NoOperationTimeoutMinute)},
		{"agent", agentState},
		{"config", out.ConfigPath},
		{"data dir", out.DataDir},
	}

	printTable(w, []string{"FIELD", "VALUE"}, rows)
}

// formatTimeout renders the no-operation timeout; non-positive disables it.
func formatTimeout(minutes int) string {
	if minutes <= 0 {
		return "disabled"
	}

	if minutes == 1 {
		return "1 minute"
	}

	return strconv.Itoa(minutes) + " minutes"
}
