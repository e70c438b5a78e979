// Package vault persists operator-entered tool secrets. A secret, once set,
// is immutable until it is explicitly deleted.
package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"jumith/internal/storage"
)

// Key builds the storage key for one tool secret.
func Key(toolName, secretName string) string {
	return toolName + "-" + secretName
}

// Store is a SQLite-backed secret store.
type Store struct {
	db     *sql.DB
	owned  bool
	logger *slog.Logger
	now    func() time.Time
}

// Open opens a dedicated database for secrets. Close releases it.
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

// Init ensures the secrets table exists. It is idempotent.
func (s *Store) Init(ctx context.Context) error {
	if err := storage.RunMigrations(s.db, s.logger); err != nil {
		return fmt.Errorf("init secret store: %w", err)
	}
	return nil
}

// GetSecret returns the stored value and whether it exists.
func (s *Store) GetSecret(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM tool_secrets WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get secret: %w", err)
	}
	return value, true, nil
}

// SetSecretOnce stores value only if key is absent and reports whether this
// call stored it. Repeated or concurrent calls for the same key are no-ops
// after the first success.
func (s *Store) SetSecretOnce(ctx context.Context, key, value string) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, fmt.Errorf("secret key is required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_secrets (key, value, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(key) DO NOTHING`,
		key, value, s.now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("set secret: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set secret: %w", err)
	}
	if n > 0 {
		s.logger.Info("secret stored", "key", key)
	}
	return n > 0, nil
}

// DeleteSecret removes key and reports whether it was present.
func (s *Store) DeleteSecret(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tool_secrets WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("delete secret: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete secret: %w", err)
	}
	return n > 0, nil
}

// ClearAllSecrets removes every secret and returns how many were removed.
func (s *Store) ClearAllSecrets(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tool_secrets`)
	if err != nil {
		return 0, fmt.Errorf("clear secrets: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear secrets: %w", err)
	}
	s.logger.Info("secrets cleared", "count", n)
	return int(n), nil
}

// ClearToolSecrets deletes the named secrets of one tool.
func (s *Store) ClearToolSecrets(ctx context.Context, toolName string, names []string) (int, error) {
	removed := 0
	for _, name := range names {
		ok, err := s.DeleteSecret(ctx, Key(toolName, name))
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
