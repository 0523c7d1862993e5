// Package progress содержит локальные хранилища прогресса просмотра: SQLite-файл устройства и Redis.
package progress

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mmeshcher/attention-credit/internal/errs"
	"github.com/mmeshcher/attention-credit/internal/model"
)

const schema = `CREATE TABLE IF NOT EXISTS watch_progress (
	user_id               INTEGER NOT NULL,
	content_id            TEXT    NOT NULL,
	last_position         REAL    NOT NULL DEFAULT 0,
	segments              TEXT    NOT NULL DEFAULT '[]',
	total_watched_seconds REAL    NOT NULL DEFAULT 0,
	credits_earned        INTEGER NOT NULL DEFAULT 0,
	updated_at            TEXT    NOT NULL,
	PRIMARY KEY (user_id, content_id)
)`

// SQLiteStore хранит прогресс в файле SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite открывает (или создаёт) базу по пути path и применяет схему.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Один писатель: SQLite не допускает параллельной записи.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Load возвращает прогресс или errs.ErrNotFound.
func (s *SQLiteStore) Load(ctx context.Context, userID int64, contentID string) (*model.WatchProgress, error) {
	var (
		p         = model.WatchProgress{UserID: userID, ContentID: contentID}
		segments  string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT last_position, segments, total_watched_seconds, credits_earned, updated_at
		FROM watch_progress
		WHERE user_id = ? AND content_id = ?`, userID, contentID).
		Scan(&p.LastPosition, &segments, &p.TotalWatchedSeconds, &p.CreditsEarned, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select progress: %w", err)
	}

	if err := json.Unmarshal([]byte(segments), &p.Segments); err != nil {
		return nil, fmt.Errorf("decode segments: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &p, nil
}

// Save записывает прогресс целиком.
func (s *SQLiteStore) Save(ctx context.Context, p *model.WatchProgress) error {
	segments, err := json.Marshal(p.Segments)
	if err != nil {
		return fmt.Errorf("encode segments: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO watch_progress (user_id, content_id, last_position, segments, total_watched_seconds, credits_earned, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, content_id) DO UPDATE SET
			last_position = excluded.last_position,
			segments = excluded.segments,
			total_watched_seconds = excluded.total_watched_seconds,
			credits_earned = excluded.credits_earned,
			updated_at = excluded.updated_at`,
		p.UserID, p.ContentID, p.LastPosition, string(segments), p.TotalWatchedSeconds, p.CreditsEarned,
		p.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert progress: %w", err)
	}
	return nil
}

// Delete удаляет прогресс; отсутствие записи не ошибка.
func (s *SQLiteStore) Delete(ctx context.Context, userID int64, contentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM watch_progress WHERE user_id = ? AND content_id = ?`, userID, contentID); err != nil {
		return fmt.Errorf("delete progress: %w", err)
	}
	return nil
}

// Close закрывает базу.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
