package dialog

import (
	"context"
	"errors"
	"fmt"

	"github.com/xela07ax/agentlab/internal/domain"
	"go.uber.org/zap"
)

var ErrEntryNotFound = errors.New("dialog entry not found")

// BatchWriter определяет, куда физически будут сохраняться записи журнала
type BatchWriter interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, entries []domain.DialogEntry) error
}

// Store — журнал диалогов: пакетная запись плюс выборки для API.
type Store interface {
	BatchWriter
	// List — записи агента от новых к старым. Limit <= 0 — без ограничения.
	List(ctx context.Context, agentID int64, f domain.DialogFilter) ([]domain.DialogEntry, error)
	Get(ctx context.Context, agentID int64, id string) (*domain.DialogEntry, error)
	Stats(ctx context.Context, agentID int64) (*domain.DialogStats, error)
	// Intents — различные интенты, встречавшиеся в журнале агента.
	Intents(ctx context.Context, agentID int64) ([]string, error)
	// Clear удаляет записи агента и возвращает их количество.
	Clear(ctx context.Context, agentID int64) (int64, error)
	Close() error
}

// Open выбирает реализацию по имени драйвера из конфигурации.
func Open(ctx context.Context, driver, dsn string, logger *zap.Logger) (Store, error) {
	switch driver {
	case "sqlite":
		return NewSQLiteStore(ctx, dsn, logger)
	case "postgres":
		return NewPostgresStore(ctx, dsn, logger)
	default:
		return nil, fmt.Errorf("unknown dialog driver %q", driver)
	}
}
