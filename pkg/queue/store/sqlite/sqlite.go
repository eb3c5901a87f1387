// Package sqlite is a single-file store backed by modernc.org/sqlite. It
// keeps the same row shape as the postgres store but stores timestamps as
// integer nanoseconds and leans on SQLite's single-writer model: with one
// open connection every statement is serial, which is what makes the
// conditional claim UPDATE atomic.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/uniqueue/uniqueue/pkg/queue"
)

// Ensure *SQLiteStore implements queue.Store at compile time.
var _ queue.Store = (*SQLiteStore)(nil)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS queue_items (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  queue_name   TEXT NOT NULL,
  payload      BLOB NOT NULL,
  unique_token TEXT,
  priority     INTEGER NOT NULL DEFAULT 0,
  created      INTEGER NOT NULL,
  consumer_id  TEXT,
  lock_expires INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS queue_items_token_idx
  ON queue_items(queue_name, unique_token)
  WHERE unique_token IS NOT NULL;
CREATE INDEX IF NOT EXISTS queue_items_claim_idx
  ON queue_items(queue_name, priority DESC, created ASC, id ASC);
CREATE TABLE IF NOT EXISTS queue_names (
  name    TEXT PRIMARY KEY,
  created INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS consumer_ids (
  id INTEGER PRIMARY KEY AUTOINCREMENT
);
`

const (
	sqlEnqueue = `
INSERT INTO queue_items (queue_name, payload, unique_token, priority, created)
VALUES (?, ?, NULLIF(?, ''), ?, ?)
ON CONFLICT (queue_name, unique_token) WHERE unique_token IS NOT NULL
DO UPDATE SET priority = MAX(queue_items.priority, excluded.priority)
RETURNING id, created;`

	sqlSeek = `
SELECT priority FROM queue_items
WHERE queue_name = ? AND unique_token = ?;`

	sqlUpdatePriority = `
UPDATE queue_items SET priority = ?
WHERE queue_name = ? AND unique_token = ? AND priority < ?;`

	sqlPeek = `
SELECT id, queue_name, payload, unique_token, priority, created, consumer_id, lock_expires
FROM queue_items
WHERE queue_name = ?
  AND consumer_id IS NULL
  AND (lock_expires IS NULL OR lock_expires < ?)
  AND (? IS NULL OR priority >= ?)
ORDER BY priority DESC, created ASC, id ASC
LIMIT 1;`

	sqlEstablishLock = `
UPDATE queue_items
SET consumer_id = ?, lock_expires = ?
WHERE queue_name = ? AND id = ?
  AND consumer_id IS NULL
  AND (lock_expires IS NULL OR lock_expires < ?);`

	sqlFreeLocks = `
UPDATE queue_items
SET consumer_id = NULL, lock_expires = NULL
WHERE queue_name = ?
  AND lock_expires IS NOT NULL
  AND lock_expires < ?;`

	sqlItemsLeft = `
SELECT count(*) FROM queue_items
WHERE queue_name = ?
  AND consumer_id IS NULL
  AND (lock_expires IS NULL OR lock_expires < ?)
  AND (? IS NULL OR priority >= ?);`

	sqlDeleteItem = `DELETE FROM queue_items WHERE queue_name = ? AND id = ?;`

	sqlDeleteQueue = `DELETE FROM queue_items WHERE queue_name = ?;`

	sqlListItems = `
SELECT id, queue_name, payload, unique_token, priority, created, consumer_id, lock_expires
FROM queue_items
WHERE queue_name = ?
ORDER BY id ASC;`

	sqlItemPeek = `
SELECT id, queue_name, payload, unique_token, priority, created, consumer_id, lock_expires
FROM queue_items
WHERE queue_name = ? AND unique_token = ?;`

	sqlRegisterQueue = `INSERT OR IGNORE INTO queue_names (name, created) VALUES (?, ?);`

	sqlListQueues = `SELECT name FROM queue_names ORDER BY name ASC;`

	sqlNextConsumerID = `INSERT INTO consumer_ids DEFAULT VALUES;`
)

type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens the database file at dbPath, applies the pragmas and
// schema, and returns a ready store.
func Open(dbPath string) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("sqlite: empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Enqueue(ctx context.Context, it *queue.Item) error {
	var createdNanos int64
	err := s.db.QueryRowContext(ctx, sqlEnqueue,
		it.Queue,
		it.Payload,
		it.UniqueToken,
		it.Priority,
		time.Now().UnixNano(),
	).Scan(&it.ID, &createdNanos)
	if err != nil {
		return err
	}
	it.Created = time.Unix(0, createdNanos)
	return nil
}

func (s *SQLiteStore) Seek(ctx context.Context, queueName, token string, priority int) (queue.SeekState, error) {
	var stored int
	err := s.db.QueryRowContext(ctx, sqlSeek, queueName, token).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return queue.SeekMissing, nil
	}
	if err != nil {
		return queue.SeekMissing, err
	}
	if stored < priority {
		return queue.SeekUpdateRequired, nil
	}
	return queue.SeekMatch, nil
}

func (s *SQLiteStore) UpdatePriority(ctx context.Context, queueName, token string, priority int) error {
	_, err := s.db.ExecContext(ctx, sqlUpdatePriority, priority, queueName, token, priority)
	return err
}

func (s *SQLiteStore) Peek(ctx context.Context, queueName string, minPriority *int) (*queue.Item, error) {
	now := time.Now().UnixNano()
	it, err := scanItem(s.db.QueryRowContext(ctx, sqlPeek, queueName, now, minPriority, minPriority))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return it, err
}

// EstablishLock repeats the claimable predicate inside the UPDATE, so the
// affected-row count tells the caller whether it won.
func (s *SQLiteStore) EstablishLock(ctx context.Context, queueName string, itemID int64, consumerID string, lease time.Duration) (time.Time, bool, error) {
	now := time.Now()
	expires := now.Add(lease)
	res, err := s.db.ExecContext(ctx, sqlEstablishLock,
		consumerID,
		expires.UnixNano(),
		queueName,
		itemID,
		now.UnixNano(),
	)
	if err != nil {
		return time.Time{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, false, err
	}
	if n == 0 {
		return time.Time{}, false, nil
	}
	return expires, true, nil
}

func (s *SQLiteStore) FreeLocks(ctx context.Context, queueName string) (int, error) {
	res, err := s.db.ExecContext(ctx, sqlFreeLocks, queueName, time.Now().UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) NextConsumerID(ctx context.Context) (string, error) {
	res, err := s.db.ExecContext(ctx, sqlNextConsumerID)
	if err != nil {
		return "", err
	}
	n, err := res.LastInsertId()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n, 10), nil
}

func (s *SQLiteStore) DigestToken(raw []byte) string {
	return queue.TokenDigest(raw)
}

func (s *SQLiteStore) ItemsLeft(ctx context.Context, queueName string, minPriority *int) (int, error) {
	now := time.Now().UnixNano()
	var count int
	err := s.db.QueryRowContext(ctx, sqlItemsLeft, queueName, now, minPriority, minPriority).Scan(&count)
	return count, err
}

func (s *SQLiteStore) DeleteItem(ctx context.Context, queueName string, itemID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, sqlDeleteItem, queueName, itemID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) DeleteQueue(ctx context.Context, queueName string) error {
	_, err := s.db.ExecContext(ctx, sqlDeleteQueue, queueName)
	return err
}

func (s *SQLiteStore) ListItems(ctx context.Context, queueName string) ([]queue.Item, error) {
	rows, err := s.db.QueryContext(ctx, sqlListItems, queueName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []queue.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ItemPeek(ctx context.Context, queueName, token string) (*queue.Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx, sqlItemPeek, queueName, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return it, err
}

func (s *SQLiteStore) RegisterQueue(ctx context.Context, queueName string) error {
	_, err := s.db.ExecContext(ctx, sqlRegisterQueue, queueName, time.Now().UnixNano())
	return err
}

func (s *SQLiteStore) ListQueues(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, sqlListQueues)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// scanItem reads one queue_items row. Column order must match the SELECT
// lists above.
func scanItem(row interface{ Scan(dest ...any) error }) (*queue.Item, error) {
	var (
		it           queue.Item
		token        sql.NullString
		createdNanos int64
		consumer     sql.NullString
		lockExpires  sql.NullInt64
	)
	err := row.Scan(
		&it.ID,
		&it.Queue,
		&it.Payload,
		&token,
		&it.Priority,
		&createdNanos,
		&consumer,
		&lockExpires,
	)
	if err != nil {
		return nil, err
	}
	it.Created = time.Unix(0, createdNanos)
	if token.Valid {
		it.UniqueToken = token.String
	}
	if consumer.Valid {
		v := consumer.String
		it.ConsumerID = &v
	}
	if lockExpires.Valid {
		v := time.Unix(0, lockExpires.Int64)
		it.LockExpires = &v
	}
	return &it, nil
}
