package dialog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS dialog_logs (
	id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL DEFAULT '',
	agent_id INTEGER NOT NULL,
	sender TEXT NOT NULL DEFAULT '',
	user_message TEXT NOT NULL,
	bot_response TEXT NOT NULL DEFAULT '[]',
	intent TEXT NOT NULL DEFAULT '',
	intent_confidence REAL,
	intent_source TEXT NOT NULL DEFAULT '',
	entities TEXT NOT NULL DEFAULT '[]',
	success INTEGER NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	ts_unix_nano INTEGER NOT NULL,
	processing_time_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_dialog_logs_agent_ts ON dialog_logs(agent_id, ts_unix_nano);
`

// NewSQLiteStore открывает (или создает) файл журнала. Каталог создается при необходимости.
func NewSQLiteStore(ctx context.Context, path string, logger *zap.Logger) (Store, error) {
	logger = logger.Named("dialog_store")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating dialog db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening dialog db: %w", err)
	}
	// Один писатель: sqlite не любит конкурентные транзакции
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating dialog schema: %w", err)
	}

	logger.Info("sqlite dialog store initialized", zap.String("path", path))
	return &sqlStore{db: db, placeholder: questionMark, logger: logger}, nil
}
