package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agentbond/internal/auth"
	"agentbond/internal/config"
	"agentbond/internal/db"
	"agentbond/internal/escrow"
	"agentbond/internal/events"
	"agentbond/internal/ledger"
	"agentbond/internal/metrics"
	"agentbond/internal/migrate"
	"agentbond/internal/repo"
	"agentbond/internal/reputation"
)

// Services is the wired set of engines over one workspace database.
type Services struct {
	DB         *sql.DB
	Repo       repo.Repo
	Config     *config.Config
	Ledger     ledger.Ledger
	Reputation reputation.Engine
	Escrow     escrow.Engine
	Metrics    *metrics.Recorder
	Logger     *slog.Logger
	Now        func() time.Time
}

type Options struct {
	Workspace string
	Logger    *slog.Logger
	// Now overrides the clock for every engine.
	Now func() time.Time
}

// Open opens and migrates the workspace database, resolves the stored
// config (seeding defaults on first use) and wires the engines.
func Open(ctx context.Context, opts Options) (*Services, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	r := repo.Repo{DB: conn}
	cfg, err := ResolveConfig(ctx, r)
	if err != nil {
		conn.Close()
		return nil, err
	}
	logger.Debug("workspace opened", "path", db.Path(opts.Workspace), "schema_version", version)
	s := Build(conn, cfg, logger)
	if opts.Now != nil {
		s.Reputation.Now = opts.Now
		s.Escrow.Now = opts.Now
		s.Now = opts.Now
	}
	return s, nil
}

// Build wires engines over an already migrated database.
func Build(conn *sql.DB, cfg *config.Config, logger *slog.Logger) *Services {
	if logger == nil {
		logger = slog.Default()
	}
	led := ledger.New(conn, auth.NewTrustedCallers(cfg.Reputation.Admins...))
	rep := reputation.New(conn, auth.NewTrustedCallers(cfg.TrustedCallers()...), logger.With("component", "reputation"))
	esc := escrow.New(conn, cfg.Escrow, led, rep, logger.With("component", "escrow"))
	return &Services{
		DB:         conn,
		Repo:       repo.Repo{DB: conn},
		Config:     cfg,
		Ledger:     led,
		Reputation: rep,
		Escrow:     esc,
		Metrics:    metrics.New(),
		Logger:     logger,
	}
}

func (s *Services) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// IsAdmin reports whether actor is a configured reputation admin.
func (s *Services) IsAdmin(actor string) bool {
	return auth.NewTrustedCallers(s.Config.Reputation.Admins...).Authorize(actor) == nil
}

// ResolveConfig returns the stored config, seeding the default on first use.
func ResolveConfig(ctx context.Context, r repo.Repo) (*config.Config, error) {
	cfg, err := r.GetConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	seed := config.Default()
	if err := r.UpsertConfig(ctx, seed); err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}
	return seed, nil
}

// ImportConfig validates and stores cfg, recording who changed it. Engines
// built before the import keep their old config.
func ImportConfig(ctx context.Context, r repo.Repo, cfg *config.Config, actorID string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.UpsertConfigTx(ctx, tx, cfg); err != nil {
		return err
	}
	if err := (events.Writer{}).Append(ctx, tx, events.ConfigImported, "config", "", actorID, events.EventPayload{
		"arbiter": cfg.Escrow.Arbiter, "fee_bps": cfg.Escrow.FeeBasisPoints,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
