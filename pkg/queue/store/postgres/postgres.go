// Package postgres is the reference store. Locks are established with a
// single conditional UPDATE, so two consumers racing for the same item see
// exactly one winner.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/uniqueue/uniqueue/pkg/queue"
)

// Ensure *PostgresStore implements queue.Store at compile time.
var _ queue.Store = (*PostgresStore)(nil)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// helper: convert a Go duration to a Postgres interval literal like "12.500000s".
func toInterval(d time.Duration) string {
	return fmt.Sprintf("%fs", d.Seconds())
}

// SQL templates
const (
	schemaSQL = `
CREATE TABLE IF NOT EXISTS queue_items (
  id           BIGSERIAL PRIMARY KEY,
  queue_name   TEXT NOT NULL,
  payload      BYTEA NOT NULL,
  unique_token TEXT,
  priority     INT NOT NULL DEFAULT 0,
  created      TIMESTAMPTZ NOT NULL DEFAULT now(),
  consumer_id  TEXT,
  lock_expires TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS queue_items_token_idx
  ON queue_items (queue_name, unique_token)
  WHERE unique_token IS NOT NULL;

CREATE INDEX IF NOT EXISTS queue_items_claim_idx
  ON queue_items (queue_name, priority DESC, created ASC, id ASC);

CREATE TABLE IF NOT EXISTS queue_names (
  name    TEXT PRIMARY KEY,
  created TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE SEQUENCE IF NOT EXISTS queue_consumer_ids;`

	// Tokened inserts land on the partial unique index; a conflict only ever
	// raises priority, never replaces the payload.
	sqlEnqueue = `
INSERT INTO queue_items (queue_name, payload, unique_token, priority)
VALUES ($1, $2, NULLIF($3, ''), $4)
ON CONFLICT (queue_name, unique_token) WHERE unique_token IS NOT NULL
DO UPDATE SET priority = GREATEST(queue_items.priority, EXCLUDED.priority)
RETURNING id, created;`

	sqlSeek = `
SELECT priority FROM queue_items
WHERE queue_name = $1 AND unique_token = $2;`

	sqlUpdatePriority = `
UPDATE queue_items SET priority = $3
WHERE queue_name = $1 AND unique_token = $2 AND priority < $3;`

	sqlPeek = `
SELECT id, queue_name, payload, unique_token, priority, created, consumer_id, lock_expires
FROM queue_items
WHERE queue_name = $1
  AND consumer_id IS NULL
  AND (lock_expires IS NULL OR lock_expires < now())
  AND ($2::int IS NULL OR priority >= $2::int)
ORDER BY priority DESC, created ASC, id ASC
LIMIT 1;`

	// The WHERE clause repeats the claimable predicate, so a row claimed
	// between peek and update simply matches nothing.
	sqlEstablishLock = `
UPDATE queue_items
SET consumer_id = $3, lock_expires = now() + $4::interval
WHERE queue_name = $1 AND id = $2
  AND consumer_id IS NULL
  AND (lock_expires IS NULL OR lock_expires < now())
RETURNING lock_expires;`

	sqlFreeLocks = `
UPDATE queue_items
SET consumer_id = NULL, lock_expires = NULL
WHERE queue_name = $1
  AND lock_expires IS NOT NULL
  AND lock_expires < now();`

	sqlNextConsumerID = `SELECT nextval('queue_consumer_ids');`

	sqlItemsLeft = `
SELECT count(*) FROM queue_items
WHERE queue_name = $1
  AND consumer_id IS NULL
  AND (lock_expires IS NULL OR lock_expires < now())
  AND ($2::int IS NULL OR priority >= $2::int);`

	sqlDeleteItem = `DELETE FROM queue_items WHERE queue_name = $1 AND id = $2;`

	sqlDeleteQueue = `DELETE FROM queue_items WHERE queue_name = $1;`

	sqlListItems = `
SELECT id, queue_name, payload, unique_token, priority, created, consumer_id, lock_expires
FROM queue_items
WHERE queue_name = $1
ORDER BY id ASC;`

	sqlItemPeek = `
SELECT id, queue_name, payload, unique_token, priority, created, consumer_id, lock_expires
FROM queue_items
WHERE queue_name = $1 AND unique_token = $2;`

	sqlRegisterQueue = `
INSERT INTO queue_names (name) VALUES ($1)
ON CONFLICT (name) DO NOTHING;`

	sqlListQueues = `SELECT name FROM queue_names ORDER BY name ASC;`
)

// Setup creates the tables, indexes, and consumer-id sequence. Safe to run
// on every start.
func (p *PostgresStore) Setup(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Enqueue inserts the item and backfills its ID and creation time. For a
// tokened item that already exists this is a priority raise on the stored
// row instead.
func (p *PostgresStore) Enqueue(ctx context.Context, it *queue.Item) error {
	return p.pool.QueryRow(ctx, sqlEnqueue,
		it.Queue,
		it.Payload,
		it.UniqueToken,
		it.Priority,
	).Scan(&it.ID, &it.Created)
}

func (p *PostgresStore) Seek(ctx context.Context, queueName, token string, priority int) (queue.SeekState, error) {
	var stored int
	err := p.pool.QueryRow(ctx, sqlSeek, queueName, token).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (p *PostgresStore) UpdatePriority(ctx context.Context, queueName, token string, priority int) error {
	_, err := p.pool.Exec(ctx, sqlUpdatePriority, queueName, token, priority)
	return err
}

// Peek returns the next claimable item without touching it, or nil when the
// queue has nothing to offer.
func (p *PostgresStore) Peek(ctx context.Context, queueName string, minPriority *int) (*queue.Item, error) {
	it, err := scanItem(p.pool.QueryRow(ctx, sqlPeek, queueName, minPriority))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return it, err
}

// EstablishLock is the one atomic operation of the store. The condition and
// the write happen in a single UPDATE, so at most one caller per item gets
// ok=true.
func (p *PostgresStore) EstablishLock(ctx context.Context, queueName string, itemID int64, consumerID string, lease time.Duration) (time.Time, bool, error) {
	var expires time.Time
	err := p.pool.QueryRow(ctx, sqlEstablishLock,
		queueName,
		itemID,
		consumerID,
		toInterval(lease),
	).Scan(&expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return expires, true, nil
}

func (p *PostgresStore) FreeLocks(ctx context.Context, queueName string) (int, error) {
	ct, err := p.pool.Exec(ctx, sqlFreeLocks, queueName)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

func (p *PostgresStore) NextConsumerID(ctx context.Context) (string, error) {
	var n int64
	if err := p.pool.QueryRow(ctx, sqlNextConsumerID).Scan(&n); err != nil {
		return "", err
	}
	return strconv.FormatInt(n, 10), nil
}

func (p *PostgresStore) DigestToken(raw []byte) string {
	return queue.TokenDigest(raw)
}

func (p *PostgresStore) ItemsLeft(ctx context.Context, queueName string, minPriority *int) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx, sqlItemsLeft, queueName, minPriority).Scan(&count)
	return count, err
}

func (p *PostgresStore) DeleteItem(ctx context.Context, queueName string, itemID int64) (bool, error) {
	ct, err := p.pool.Exec(ctx, sqlDeleteItem, queueName, itemID)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (p *PostgresStore) DeleteQueue(ctx context.Context, queueName string) error {
	_, err := p.pool.Exec(ctx, sqlDeleteQueue, queueName)
	return err
}

func (p *PostgresStore) ListItems(ctx context.Context, queueName string) ([]queue.Item, error) {
	rows, err := p.pool.Query(ctx, sqlListItems, queueName)
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

func (p *PostgresStore) ItemPeek(ctx context.Context, queueName, token string) (*queue.Item, error) {
	it, err := scanItem(p.pool.QueryRow(ctx, sqlItemPeek, queueName, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return it, err
}

func (p *PostgresStore) RegisterQueue(ctx context.Context, queueName string) error {
	_, err := p.pool.Exec(ctx, sqlRegisterQueue, queueName)
	return err
}

func (p *PostgresStore) ListQueues(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, sqlListQueues)
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
		it    queue.Item
		token *string
	)
	err := row.Scan(
		&it.ID,
		&it.Queue,
		&it.Payload,
		&token,
		&it.Priority,
		&it.Created,
		&it.ConsumerID,
		&it.LockExpires,
	)
	if err != nil {
		return nil, err
	}
	if token != nil {
		it.UniqueToken = *token
	}
	return &it, nil
}
