package dialog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
	"go.uber.org/zap"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS dialog_logs (
	id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL DEFAULT '',
	agent_id BIGINT NOT NULL,
	sender TEXT NOT NULL DEFAULT '',
	user_message TEXT NOT NULL,
	bot_response TEXT NOT NULL DEFAULT '[]',
	intent TEXT NOT NULL DEFAULT '',
	intent_confidence DOUBLE PRECISION,
	intent_source TEXT NOT NULL DEFAULT '',
	entities TEXT NOT NULL DEFAULT '[]',
	success BOOLEAN NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	ts_unix_nano BIGINT NOT NULL,
	processing_time_ms BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_dialog_logs_agent_ts ON dialog_logs(agent_id, ts_unix_nano);
`

func NewPostgresStore(ctx context.Context, connString string, logger *zap.Logger) (Store, error) {
	logger = logger.Named("dialog_store")

	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres unreachable: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating dialog schema: %w", err)
	}

	logger.Info("postgres dialog store initialized")
	return &sqlStore{db: db, placeholder: dollar, logger: logger}, nil
}
