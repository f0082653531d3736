package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// sqlite caps bound parameters per statement; stay well under it.
const deleteChunkSize = 500

// Database is the SQLite-backed Store.
type Database struct {
	db   *sql.DB
	path string
}

func New(dbPath string) (*Database, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Single writer; pragmas below then hold for every statement.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db, path: dbPath}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS actions (
		room_id TEXT NOT NULL,
		id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (room_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_actions_room_created ON actions(room_id, created_at);
	`

	_, err := db.Exec(schema)
	return err
}

// Path returns the database file location.
func (d *Database) Path() string {
	return d.path
}

func (d *Database) Close() error {
	return d.db.Close()
}

// InsertActions writes a batch in one transaction. Rows already present are
// skipped so a retried batch does not fail or duplicate.
func (d *Database) InsertActions(ctx context.Context, actions []Action) error {
	if len(actions) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR IGNORE INTO actions (room_id, id, user_id, payload, created_at) VALUES (?, ?, ?, ?, ?)",
	)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, a := range actions {
		if _, err := stmt.ExecContext(ctx, a.RoomID, a.ID, a.UserID, a.Payload, a.CreatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("insert action %s: %w", a.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

// DeleteActions removes the given ids from a room and reports how many rows
// went away.
func (d *Database) DeleteActions(ctx context.Context, roomID string, ids []string) (int64, error) {
	var total int64
	for start := 0; start < len(ids); start += deleteChunkSize {
		end := min(start+deleteChunkSize, len(ids))
		chunk := ids[start:end]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, roomID)
		for _, id := range chunk {
			args = append(args, id)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")

		res, err := d.db.ExecContext(ctx,
			"DELETE FROM actions WHERE room_id = ? AND id IN ("+placeholders+")",
			args...,
		)
		if err != nil {
			return total, fmt.Errorf("delete actions: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// ListActions returns a room's actions oldest first. limit <= 0 means all.
func (d *Database) ListActions(ctx context.Context, roomID string, limit int) ([]Action, error) {
	query := "SELECT id, room_id, user_id, payload, created_at FROM actions WHERE room_id = ? ORDER BY created_at ASC, rowid ASC"
	args := []any{roomID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var actions []Action
	for rows.Next() {
		var a Action
		var createdMs int64
		if err := rows.Scan(&a.ID, &a.RoomID, &a.UserID, &a.Payload, &createdMs); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		a.CreatedAt = time.UnixMilli(createdMs).UTC()
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// Stats

func (d *Database) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT room_id) FROM actions").Scan(&s.RoomCount); err != nil {
		return s, err
	}
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM actions").Scan(&s.ActionCount); err != nil {
		return s, err
	}
	return s, nil
}
