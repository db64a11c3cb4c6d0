package main

import (
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"realmd/internal/config"
	"realmd/internal/logging"
	"realmd/internal/store"
)

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	st, err := store.Open(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns,
		logging.Component(logger, "store"))
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("schema applied", zap.String("dsn", redactDSN(cfg.Database.DSN)))
	return nil
}

// redactDSN strips credentials before the DSN reaches a log line.
func redactDSN(dsn string) string {
	at := strings.LastIndexByte(dsn, '@')
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}
