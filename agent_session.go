package main

import (
	"context"
	"log/slog"

	"github.com/tonimelisma/cloudupload-go/internal/agent"
	"github.com/tonimelisma/cloudupload-go/internal/config"
	"github.com/tonimelisma/cloudupload-go/internal/media"
	"github.com/tonimelisma/cloudupload-go/internal/provider"
	"github.com/tonimelisma/cloudupload-go/internal/store"
)

// AgentSession holds the open database, the provider client, and the agent
// built on them for a single command invocation.
type AgentSession struct {
	Store  *store.Store
	Client provider.Client
	Agent  *agent.Agent
	Holder *config.Holder
}

// NewAgentSession opens the store and assembles an agent from resolved
// config. The caller must Close the session.
func NewAgentSession(ctx context.Context, cfg *config.Config, cfgPath string, logger *slog.Logger) (*AgentSession, error) {
	client, err := newProviderClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	holder := config.NewHolder(cfg, cfgPath)
	src := media.NewSource(cfg.Media.Extensions, cfg.Media.MaxFileSizeBytes(),
		logger.With(slog.String("component", "media")))

	a := agent.New(holder, st, client, src, agent.Options{
		Env:    config.ReadEnvOverrides(),
		Logger: logger,
	})

	logger.Debug("agent session ready",
		slog.String("provider", string(client.Kind())),
		slog.String("db_path", cfg.DatabasePath()),
	)

	return &AgentSession{
		Store:  st,
		Client: client,
		Agent:  a,
		Holder: holder,
	}, nil
}

// Close stops the agent's workers and closes the database.
func (s *AgentSession) Close() error {
	s.Agent.Close()
	return s.Store.Close()
}
