package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"scrapebot/internal/model"
	logx "scrapebot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

const taskColumns = `id, user_id, status, seed_url, links, targets, formats, link_range, split, flat,
	topics_created, delivered, current, pause_reason, resume_at, status_chat_id, status_message_id,
	created_at, updated_at`

func (s *sqliteStore) CreateTask(ctx context.Context, in *model.Task) (string, error) {
	t := prepareNew(in)
	links, _ := json.Marshal(t.Links)
	targets, _ := json.Marshal(t.Targets)
	formats, _ := json.Marshal(t.Formats)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(`+taskColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.UserID, string(t.Status), t.SeedURL, string(links), string(targets), string(formats),
		jsonOrNull(t.Range), t.Split, t.Flat, t.TopicsCreated, t.Delivered, jsonOrNull(t.Current),
		nullStr(t.PauseReason), unixMilli(t.ResumeAt), t.StatusMessage.ChatID, t.StatusMessage.MessageID,
		unixMilli(t.CreatedAt), unixMilli(t.UpdatedAt),
	)
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*model.Task, error) {
	var (
		t                               model.Task
		status                          string
		links, targets, formats         string
		linkRange, current, pauseReason sql.NullString
		resumeAt, createdAt, updatedAt  int64
	)
	err := r.Scan(&t.ID, &t.UserID, &status, &t.SeedURL, &links, &targets, &formats, &linkRange,
		&t.Split, &t.Flat, &t.TopicsCreated, &t.Delivered, &current, &pauseReason, &resumeAt,
		&t.StatusMessage.ChatID, &t.StatusMessage.MessageID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = model.Status(status)
	if err := json.Unmarshal([]byte(links), &t.Links); err != nil {
		return nil, fmt.Errorf("task %s links: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(targets), &t.Targets); err != nil {
		return nil, fmt.Errorf("task %s targets: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(formats), &t.Formats); err != nil {
		return nil, fmt.Errorf("task %s formats: %w", t.ID, err)
	}
	if linkRange.Valid {
		t.Range = &model.LinkRange{}
		if err := json.Unmarshal([]byte(linkRange.String), t.Range); err != nil {
			return nil, fmt.Errorf("task %s range: %w", t.ID, err)
		}
	}
	if current.Valid {
		t.Current = &model.Progress{}
		if err := json.Unmarshal([]byte(current.String), t.Current); err != nil {
			return nil, fmt.Errorf("task %s current: %w", t.ID, err)
		}
	}
	t.PauseReason = pauseReason.String
	t.ResumeAt = fromUnixMilli(resumeAt)
	t.CreatedAt = fromUnixMilli(createdAt)
	t.UpdatedAt = fromUnixMilli(updatedAt)
	return &t, nil
}

func (s *sqliteStore) loadCompleted(ctx context.Context, q queryer, t *model.Task) error {
	rows, err := q.QueryContext(ctx, `SELECT link FROM completed_links WHERE task_id = ? ORDER BY seq`, t.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var link string
		if err := rows.Scan(&link); err != nil {
			return err
		}
		t.Completed = append(t.Completed, link)
	}
	return rows.Err()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqliteStore) getTask(ctx context.Context, q queryer, id string) (*model.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadCompleted(ctx, q, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	return s.getTask(ctx, s.db, id)
}

// mutate runs fn over the current task inside a transaction.
func (s *sqliteStore) mutate(ctx context.Context, id string, fn func(tx *sql.Tx, t *model.Task) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	t, err := s.getTask(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := fn(tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, id string, ch model.StatusChange) error {
	return s.mutate(ctx, id, func(tx *sql.Tx, t *model.Task) error {
		if err := t.ApplyStatus(ch, now()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, pause_reason = ?, resume_at = ?, current = ?, updated_at = ? WHERE id = ?`,
			string(t.Status), nullStr(t.PauseReason), unixMilli(t.ResumeAt), jsonOrNull(t.Current), unixMilli(t.UpdatedAt), id,
		)
		return err
	})
}

func (s *sqliteStore) MarkLinkComplete(ctx context.Context, id, link string) error {
	return s.mutate(ctx, id, func(tx *sql.Tx, t *model.Task) error {
		ts := now()
		added, err := t.MarkComplete(link, ts)
		if err != nil {
			return err
		}
		if added {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO completed_links(task_id, link, at) VALUES(?,?,?)`, id, link, unixMilli(ts)); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET current = ?, updated_at = ? WHERE id = ?`,
			jsonOrNull(t.Current), unixMilli(ts), id)
		return err
	})
}

func (s *sqliteStore) IncrementDelivered(ctx context.Context, id string, n int) error {
	if n <= 0 {
		return nil
	}
	return s.mutate(ctx, id, func(tx *sql.Tx, t *model.Task) error {
		t.AddDelivered(n, now())
		_, err := tx.ExecContext(ctx, `UPDATE tasks SET delivered = ?, current = ?, updated_at = ? WHERE id = ?`,
			t.Delivered, jsonOrNull(t.Current), unixMilli(t.UpdatedAt), id)
		return err
	})
}

func (s *sqliteStore) IncrementTopics(ctx context.Context, id string, n int) error {
	return s.exec(ctx, id, `UPDATE tasks SET topics_created = topics_created + ?, updated_at = ? WHERE id = ?`,
		n, unixMilli(now()), id)
}

func (s *sqliteStore) SetProgress(ctx context.Context, id string, p *model.Progress) error {
	return s.exec(ctx, id, `UPDATE tasks SET current = ?, updated_at = ? WHERE id = ?`,
		jsonOrNull(p), unixMilli(now()), id)
}

func (s *sqliteStore) SetStatusMessage(ctx context.Context, id string, ref model.MessageRef) error {
	return s.exec(ctx, id, `UPDATE tasks SET status_chat_id = ?, status_message_id = ?, updated_at = ? WHERE id = ?`,
		ref.ChatID, ref.MessageID, unixMilli(now()), id)
}

// exec runs a single-row update and maps a missing row to ErrNotFound.
func (s *sqliteStore) exec(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) GetActiveTaskForUser(ctx context.Context, userID int64) (*model.Task, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM tasks WHERE user_id = ? AND status IN (?,?,?) ORDER BY created_at DESC LIMIT 1`,
		userID, string(model.StatusPending), string(model.StatusRunning), string(model.StatusPaused),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, id)
}

func (s *sqliteStore) ListTasksByStatus(ctx context.Context, statuses ...model.Status) ([]*model.Task, error) {
	query := `SELECT id FROM tasks`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*model.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *sqliteStore) PutIdentity(ctx context.Context, id model.Identity) error {
	if id.AddedAt.IsZero() {
		id.AddedAt = now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities(user_id, bot_id, username, token, added_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(user_id, bot_id) DO UPDATE SET username=excluded.username, token=excluded.token`,
		id.UserID, id.BotID, nullStr(id.Username), id.Token, unixMilli(id.AddedAt),
	)
	return err
}

func (s *sqliteStore) DeleteIdentity(ctx context.Context, userID, botID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM identities WHERE user_id = ? AND bot_id = ?`, userID, botID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListIdentities(ctx context.Context, userID int64) ([]model.Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, bot_id, username, token, added_at FROM identities WHERE user_id = ? ORDER BY added_at, bot_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Identity
	for rows.Next() {
		var (
			id       model.Identity
			username sql.NullString
			added    int64
		)
		if err := rows.Scan(&id.UserID, &id.BotID, &username, &id.Token, &added); err != nil {
			return nil, err
		}
		id.Username = username.String
		id.AddedAt = fromUnixMilli(added)
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutTarget(ctx context.Context, tg model.SavedTarget) error {
	if tg.AddedAt.IsZero() {
		tg.AddedAt = now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO targets(user_id, name, chat_id, added_at) VALUES(?,?,?,?)
		 ON CONFLICT(user_id, name) DO UPDATE SET chat_id=excluded.chat_id`,
		tg.UserID, tg.Name, tg.ChatID, unixMilli(tg.AddedAt),
	)
	return err
}

func (s *sqliteStore) DeleteTarget(ctx context.Context, userID int64, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM targets WHERE user_id = ? AND name = ?`, userID, name)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListTargets(ctx context.Context, userID int64) ([]model.SavedTarget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, name, chat_id, added_at FROM targets WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SavedTarget
	for rows.Next() {
		var (
			tg    model.SavedTarget
			added int64
		)
		if err := rows.Scan(&tg.UserID, &tg.Name, &tg.ChatID, &added); err != nil {
			return nil, err
		}
		tg.AddedAt = fromUnixMilli(added)
		out = append(out, tg)
	}
	return out, rows.Err()
}

func jsonOrNull[T any](v *T) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
