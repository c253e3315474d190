package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/cloudupload-go/internal/agent"
	"github.com/tonimelisma/cloudupload-go/internal/control"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent and its loopback control server",
		Long: `Run the upload agent until it is asked to stop.

The control server listens on server.listen_addr (127.0.0.1:8888 by default)
for the companion UI. The agent exits when /end is requested, when the
no-operation timeout elapses without upload activity, or on SIGINT/SIGTERM.
SIGHUP reloads the config file and the stored settings.`,
		RunE: runServe,
	}

	cmd.Flags().String("listen", "", "control server address (overrides server.listen_addr)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger, closeLog := buildLogger()
	defer closeLog()

	cfg := resolvedCfg
	ctx := shutdownContext(cmd.Context(), logger)

	cleanup, err := writePIDFile(cfg.PIDPath())
	if err != nil {
		return err
	}
	defer cleanup()

	sess, err := NewAgentSession(ctx, cfg, resolvedCfgPath, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.ListenAddr, err)
	}

	srv := control.NewServer(sess.Agent, control.Options{
		RequestRate:        cfg.Server.RequestRate,
		RequestBurst:       cfg.Server.RequestBurst,
		StatusPushInterval: cfg.Server.StatusPushIntervalDuration(),
		Logger:             logger.With(slog.String("component", "control")),
	})

	stopHangup := onHangup(ctx, logger, sess.Agent.Reload)
	defer stopHangup()

	logger.Info("agent starting",
		slog.String("version", version),
		slog.String("listen", ln.Addr().String()),
		slog.String("config", resolvedCfgPath),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sess.Agent.Run(gctx)
	})

	g.Go(func() error {
		return srv.Serve(gctx, ln)
	})

	err = g.Wait()
	if errors.Is(err, agent.ErrShutdownRequested) {
		logger.Info("agent stopped on request")
		return nil
	}

	if err != nil {
		return err
	}

	logger.Info("agent stopped")

	return nil
}
