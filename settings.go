package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the agent's stored settings",
	}

	cmd.AddCommand(newSettingsShowCmd())
	cmd.AddCommand(newSettingsSetTimeoutCmd())

	return cmd
}

func newSettingsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the stored settings",
		RunE:  runSettingsShow,
	}
}

func newSettingsSetTimeoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-timeout MINUTES",
		Short: "Set the no-operation timeout (0 or negative disables it)",
		Long: `Store the no-operation timeout in minutes. A running agent shuts down
after this long without upload activity, and an upload gives up on an item
that has not succeeded within it. A running agent is notified with SIGHUP.`,
		Args: cobra.ExactArgs(1),
		RunE: runSettingsSetTimeout,
	}
}

type settingsOutput struct {
	NoOperationTimeoutMinute int `json:"no_operation_timeout_minute"`
}

func runSettingsShow(cmd *cobra.Command, _ []string) error {
	logger, closeLog := buildLogger()
	defer closeLog()

	ctx := cmd.Context()

	st, err := openStore(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	s, err := st.LoadSettings(ctx)
	if err != nil {
		return err
	}

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(settingsOutput{NoOperationTimeoutMinute: s.NoOperationTimeoutMinutes})
	}

	fmt.Printf("no-operation timeout: %s\n", formatTimeout(s.NoOperationTimeoutMinutes))

	return nil
}

func runSettingsSetTimeout(cmd *cobra.Command, args []string) error {
	minutes, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("timeout must be a whole number of minutes, got %q", args[0])
	}

	logger, closeLog := buildLogger()
	defer closeLog()

	ctx := cmd.Context()

	st, err := openStore(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.SetNoOperationTimeout(ctx, minutes); err != nil {
		return err
	}

	statusf(flagQuiet, "No-operation timeout set to %s\n", formatTimeout(minutes))
	notifyAgent(resolvedCfg.PIDPath(), flagQuiet)

	return nil
}

// notifyAgent sends SIGHUP to a running serve process so it re-reads the
// settings. Non-fatal: if no agent is running, prints a note instead.
func notifyAgent(pidPath string, quiet bool) {
	err := sendSIGHUP(pidPath)

	switch {
	case err == nil:
		statusf(quiet, "Notified running agent\n")
	case errors.Is(err, errNoAgent):
		statusf(quiet, "No running agent; the setting applies when it starts\n")
	default:
		statusf(quiet, "Note: %v\n", err)
	}
}
