package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"jumith/internal/domain"
	"jumith/internal/storage"
)

// Store keeps the chat transcript, extracted facts, the tool execution log
// and the audit trail in SQLite.
type Store struct {
	db     *sql.DB
	owned  bool
	logger *slog.Logger
	now    func() time.Time
}

// Open opens a dedicated database. Close releases it.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := storage.Open(dbPath, logger)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, owned: true, logger: logger, now: time.Now}, nil
}

// New wraps a database shared with other stores. Close is a no-op.
func New(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger, now: time.Now}
}

func (s *Store) Init(ctx context.Context) error {
	if err := storage.RunMigrations(s.db, s.logger); err != nil {
		return fmt.Errorf("init memory store: %w", err)
	}
	return nil
}

func (s *Store) SaveMessage(ctx context.Context, role, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (role, content, timestamp) VALUES (?, ?, ?)`,
		role, content, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// GetRecentMessages returns the last limit messages, oldest first.
func (s *Store) GetRecentMessages(ctx context.Context, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, timestamp FROM chat_messages
		 ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		var ts int64
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &ts); err != nil {
			return nil, err
		}
		m.Timestamp = time.UnixMilli(ts)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) ClearMessages(ctx context.Context) (int, error) {
	return s.clear(ctx, "chat_messages")
}

// UpsertFacts inserts or overwrites facts by key in one transaction.
func (s *Store) UpsertFacts(ctx context.Context, facts []domain.Fact) error {
	if len(facts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert facts: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UnixMilli()
	for _, f := range facts {
		if strings.TrimSpace(f.Key) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO facts (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			f.Key, f.Value, now,
		); err != nil {
			return fmt.Errorf("upsert fact %s: %w", f.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert facts: %w", err)
	}
	return nil
}

// SearchFacts returns facts whose key or value contains any of terms,
// case-insensitively, most recently updated first.
func (s *Store) SearchFacts(ctx context.Context, terms []string, limit int) ([]domain.Fact, error) {
	if limit <= 0 {
		limit = 10
	}
	var clauses []string
	var args []any
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		pattern := "%" + escapeLike(t) + "%"
		clauses = append(clauses, `(LOWER(key) LIKE ? ESCAPE '\' OR LOWER(value) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}
	if len(clauses) == 0 {
		return nil, nil
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, updated_at FROM facts
		 WHERE `+strings.Join(clauses, " OR ")+`
		 ORDER BY updated_at DESC, key LIMIT ?`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("search facts: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

func (s *Store) ListFacts(ctx context.Context, limit int) ([]domain.Fact, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, updated_at FROM facts ORDER BY updated_at DESC, key LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

func (s *Store) ClearFacts(ctx context.Context) (int, error) {
	return s.clear(ctx, "facts")
}

func (s *Store) RecordExecution(ctx context.Context, e domain.ExecutionLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_log (id, tool_name, input, output, status, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ToolName, e.Input, e.Output, string(e.Status), e.StartedAt.UnixMilli(), e.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return nil
}

// RecentExecutions returns the newest execution log entries first.
func (s *Store) RecentExecutions(ctx context.Context, limit int) ([]domain.ExecutionLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tool_name, input, output, status, started_at, finished_at
		 FROM execution_log ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent executions: %w", err)
	}
	defer rows.Close()

	var out []domain.ExecutionLog
	for rows.Next() {
		var e domain.ExecutionLog
		var status string
		var started, finished int64
		if err := rows.Scan(&e.ID, &e.ToolName, &e.Input, &e.Output, &status, &started, &finished); err != nil {
			return nil, err
		}
		e.Status = domain.ExecutionStatus(status)
		e.StartedAt = time.UnixMilli(started)
		e.FinishedAt = time.UnixMilli(finished)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) LogAudit(ctx context.Context, entry domain.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (action, tool_name, command, result, details)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.Action, entry.ToolName, entry.Command, entry.Result, entry.Details,
	)
	return err
}

// RecentAudit returns the newest audit entries first.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT action, COALESCE(tool_name, ''), COALESCE(command, ''), COALESCE(result, ''), COALESCE(details, '')
		 FROM audit_log ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent audit: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.Action, &e.ToolName, &e.Command, &e.Result, &e.Details); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func (s *Store) clear(ctx context.Context, table string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table)
	if err != nil {
		return 0, fmt.Errorf("clear %s: %w", table, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanFacts(rows *sql.Rows) ([]domain.Fact, error) {
	var facts []domain.Fact
	for rows.Next() {
		var f domain.Fact
		var ts int64
		if err := rows.Scan(&f.Key, &f.Value, &ts); err != nil {
			return nil, err
		}
		f.UpdatedAt = time.UnixMilli(ts)
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
