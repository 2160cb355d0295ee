package pgqm

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS mq_queues (
	name       TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS mq_messages (
	seq           BIGSERIAL PRIMARY KEY,
	queue_name    TEXT NOT NULL REFERENCES mq_queues (name) ON DELETE CASCADE,
	msg_id        BYTEA NOT NULL,
	correl_id     BYTEA NOT NULL,
	format        TEXT NOT NULL DEFAULT '',
	persistence   SMALLINT NOT NULL,
	expiry        INTEGER NOT NULL,
	reply_to_q    TEXT NOT NULL DEFAULT '',
	reply_to_qmgr TEXT NOT NULL DEFAULT '',
	put_time      TIMESTAMPTZ NOT NULL,
	expires_at    TIMESTAMPTZ,
	body          BYTEA NOT NULL
);

CREATE INDEX IF NOT EXISTS mq_messages_queue_seq_idx ON mq_messages (queue_name, seq);
CREATE INDEX IF NOT EXISTS mq_messages_correl_idx ON mq_messages (queue_name, correl_id);
`

const messageColumns = `seq, msg_id, correl_id, format, persistence, expiry, reply_to_q, reply_to_qmgr, put_time, body`

// Matching treats a NULL identifier argument as "any".
const (
	sqlBrowse = `
SELECT ` + messageColumns + `
FROM mq_messages
WHERE queue_name = $1
  AND seq > $2
  AND (expires_at IS NULL OR expires_at > now())
  AND ($3::bytea IS NULL OR msg_id = $3)
  AND ($4::bytea IS NULL OR correl_id = $4)
ORDER BY seq
LIMIT 1`

	sqlLockNext = `
SELECT ` + messageColumns + `
FROM mq_messages
WHERE queue_name = $1
  AND (expires_at IS NULL OR expires_at > now())
  AND ($2::bytea IS NULL OR msg_id = $2)
  AND ($3::bytea IS NULL OR correl_id = $3)
ORDER BY seq
LIMIT 1
FOR UPDATE SKIP LOCKED`

	sqlDelete = `DELETE FROM mq_messages WHERE seq = $1`

	sqlPurgeExpired = `DELETE FROM mq_messages WHERE queue_name = $1 AND expires_at IS NOT NULL AND expires_at <= now()`

	sqlInsert = `
INSERT INTO mq_messages
	(queue_name, msg_id, correl_id, format, persistence, expiry, reply_to_q, reply_to_qmgr, put_time, expires_at, body)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	sqlQueueExists = `SELECT EXISTS (SELECT 1 FROM mq_queues WHERE name = $1)`

	sqlDefineQueue = `INSERT INTO mq_queues (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`
)

// Migrate creates the queue tables when they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
