package dialog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xela07ax/agentlab/internal/domain"
	"go.uber.org/zap"
)

// Количество колонок в таблице dialog_logs
const numFields = 14

const insertColumns = "id, trace_id, agent_id, sender, user_message, bot_response, intent, " +
	"intent_confidence, intent_source, entities, success, error, ts_unix_nano, processing_time_ms"

// sqlStore — общая реализация журнала поверх database/sql.
// Диалекты отличаются только плейсхолдерами и DDL.
type sqlStore struct {
	db          *sql.DB
	placeholder func(n int) string
	logger      *zap.Logger
}

func questionMark(int) string { return "?" }

func dollar(n int) string { return fmt.Sprintf("$%d", n) }

func (s *sqlStore) WriteBatch(ctx context.Context, entries []domain.DialogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	rows := make([]string, 0, len(entries))
	vals := make([]interface{}, 0, len(entries)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range entries {
		p := i * numFields
		ph := make([]string, numFields)
		for j := range ph {
			ph[j] = s.placeholder(p + j + 1)
		}
		rows = append(rows, "("+strings.Join(ph, ", ")+")")

		resp, _ := json.Marshal(nonNilStrings(e.BotResponse))
		ents, _ := json.Marshal(nonNilEntities(e.Entities))

		var confidence sql.NullFloat64
		if e.Confidence != nil {
			confidence = sql.NullFloat64{Float64: *e.Confidence, Valid: true}
		}

		vals = append(vals,
			e.ID, e.TraceID, e.AgentID, e.Sender, e.UserMessage, string(resp), e.Intent,
			confidence, e.IntentSource, string(ents), e.Success, e.Error,
			e.Timestamp.UnixNano(), e.ProcessingTimeMs,
		)
	}

	query := fmt.Sprintf("INSERT INTO dialog_logs (%s) VALUES %s", insertColumns, strings.Join(rows, ", "))
	if _, err := s.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("insert dialog batch: %w", err)
	}
	return nil
}

func (s *sqlStore) List(ctx context.Context, agentID int64, f domain.DialogFilter) ([]domain.DialogEntry, error) {
	query := "SELECT " + insertColumns + " FROM dialog_logs WHERE agent_id = " + s.placeholder(1)
	args := []interface{}{agentID}
	if f.Intent != "" {
		args = append(args, f.Intent)
		query += " AND intent = " + s.placeholder(len(args))
	}
	query += " ORDER BY ts_unix_nano DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += " LIMIT " + s.placeholder(len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dialog logs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.DialogEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *sqlStore) Get(ctx context.Context, agentID int64, id string) (*domain.DialogEntry, error) {
	query := "SELECT " + insertColumns + " FROM dialog_logs WHERE agent_id = " + s.placeholder(1) +
		" AND id = " + s.placeholder(2)
	e, err := scanEntry(s.db.QueryRowContext(ctx, query, agentID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return e, err
}

func (s *sqlStore) Stats(ctx context.Context, agentID int64) (*domain.DialogStats, error) {
	var (
		total int
		last  sql.NullInt64
	)
	query := "SELECT COUNT(*), MAX(ts_unix_nano) FROM dialog_logs WHERE agent_id = " + s.placeholder(1)
	if err := s.db.QueryRowContext(ctx, query, agentID).Scan(&total, &last); err != nil {
		return nil, fmt.Errorf("query dialog stats: %w", err)
	}
	st := &domain.DialogStats{TotalDialogs: total}
	if last.Valid {
		ts := time.Unix(0, last.Int64).UTC()
		st.LastActivity = &ts
	}
	return st, nil
}

func (s *sqlStore) Intents(ctx context.Context, agentID int64) ([]string, error) {
	query := "SELECT DISTINCT intent FROM dialog_logs WHERE agent_id = " + s.placeholder(1) +
		" AND intent <> '' ORDER BY intent"
	rows, err := s.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("query dialog intents: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var intent string
		if err := rows.Scan(&intent); err != nil {
			return nil, err
		}
		out = append(out, intent)
	}
	return out, rows.Err()
}

func (s *sqlStore) Clear(ctx context.Context, agentID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM dialog_logs WHERE agent_id = "+s.placeholder(1), agentID)
	if err != nil {
		return 0, fmt.Errorf("clear dialog logs: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Info("dialog log cleared", zap.Int64("agent_id", agentID), zap.Int64("deleted", n))
	return n, nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*domain.DialogEntry, error) {
	var (
		e          domain.DialogEntry
		resp, ents string
		confidence sql.NullFloat64
		tsNano     int64
	)
	err := row.Scan(
		&e.ID, &e.TraceID, &e.AgentID, &e.Sender, &e.UserMessage, &resp, &e.Intent,
		&confidence, &e.IntentSource, &ents, &e.Success, &e.Error, &tsNano, &e.ProcessingTimeMs,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(resp), &e.BotResponse); err != nil {
		return nil, fmt.Errorf("decode bot_response of %s: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(ents), &e.Entities); err != nil {
		return nil, fmt.Errorf("decode entities of %s: %w", e.ID, err)
	}
	if confidence.Valid {
		c := confidence.Float64
		e.Confidence = &c
	}
	e.Timestamp = time.Unix(0, tsNano).UTC()
	e.BotResponse = nonNilStrings(e.BotResponse)
	e.Entities = nonNilEntities(e.Entities)
	return &e, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilEntities(e []domain.Entity) []domain.Entity {
	if e == nil {
		return []domain.Entity{}
	}
	return e
}
