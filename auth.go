package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudupload-go/internal/deviceflow"
	"github.com/tonimelisma/cloudupload-go/internal/provider"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authenticate with the photo provider using the device code flow",
		Long: `Request a device code, print it with the verification URL, and wait
until the code is approved on another device, denied, or expires.`,
		RunE: runLogin,
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved credential",
		RunE:  runLogout,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	logger, closeLog := buildLogger()
	defer closeLog()

	ctx := shutdownContext(cmd.Context(), logger)

	sess, err := NewAgentSession(ctx, resolvedCfg, resolvedCfgPath, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	logger.Info("login started", slog.String("provider", string(sess.Client.Kind())))

	auth := sess.Agent.Authorizer()

	info, err := auth.BeginLogin(ctx).Await(ctx, 0)
	if err != nil {
		return fmt.Errorf("requesting device code: %w", err)
	}

	// Device code prompts must always be visible, even with --quiet.
	fmt.Fprintf(os.Stderr, "To sign in, visit: %s\n", info.VerificationURL)
	fmt.Fprintf(os.Stderr, "Enter code: %s\n", info.UserCode)

	if err := waitForLogin(ctx, auth); err != nil {
		return err
	}

	cred, err := sess.Store.LoadCredential(ctx)
	if err != nil {
		return err
	}

	logger.Info("login successful", slog.String("account_id", cred.AccountID))

	if cred.AccountID != "" {
		statusf(flagQuiet, "Login successful (account %s).\n", cred.AccountID)
	} else {
		statusf(flagQuiet, "Login successful.\n")
	}

	return nil
}

// waitForLogin blocks until the device flow worker exits and reports how
// the flow ended.
func waitForLogin(ctx context.Context, auth *deviceflow.Authorizer) error {
	err := auth.Wait(ctx)
	if ctx.Err() != nil {
		auth.CancelLogin()
		return fmt.Errorf("login interrupted: %w", ctx.Err())
	}

	if err == nil {
		return nil
	}

	if snap := auth.Snapshot(); snap.State == deviceflow.Failed {
		return loginFailure(snap)
	}

	return fmt.Errorf("login failed: %w", err)
}

// loginFailure turns a failed flow into a message the user can act on.
func loginFailure(snap deviceflow.Snapshot) error {
	switch snap.Failure {
	case provider.AuthDenied:
		return errors.New("login denied on the verification page")
	case provider.AuthExpired:
		return errors.New("device code expired before it was approved; run login again")
	default:
		if snap.LastError != "" {
			return fmt.Errorf("login failed: %s", snap.LastError)
		}

		return errors.New("login failed")
	}
}

func runLogout(cmd *cobra.Command, _ []string) error {
	logger, closeLog := buildLogger()
	defer closeLog()

	ctx := cmd.Context()

	st, err := openStore(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.ClearCredential(ctx); err != nil {
		return err
	}

	logger.Info("logout successful")
	statusf(flagQuiet, "Logged out.\n")

	return nil
}
