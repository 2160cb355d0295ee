// Package pgqm is a queue manager backed by PostgreSQL. Each message is a row ordered by a
// sequence number, so browse cursors are exact and destructive gets lock the row they take.
package pgqm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deliveryhero/asya/asya-mqbridge/internal/mq"
)

// Config holds PostgreSQL specific settings.
type Config struct {
	DSN          string        // connection string; derived from the connect params when empty
	Migrate      bool          // create tables on connect
	AutoDefine   bool          // define unknown queues on open
	PollInterval time.Duration // polling interval while a get waits
}

// Dialer implements mq.Dialer for PostgreSQL.
type Dialer struct {
	cfg Config
}

// NewDialer creates a Dialer.
func NewDialer(cfg Config) *Dialer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	return &Dialer{cfg: cfg}
}

// Dial implements mq.Dialer.
func (d *Dialer) Dial(ctx context.Context, params mq.ConnectParams) (mq.Conn, error) {
	dsn := d.cfg.DSN
	if dsn == "" {
		dsn = connString(params)
	}

	pool, err := newPool(ctx, dsn)
	if err != nil {
		return nil, classify("MQCONNX", err)
	}

	if d.cfg.Migrate {
		if err := Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, classify("MQCONNX", err)
		}
	}
	return &conn{pool: pool, cfg: d.cfg}, nil
}

type conn struct {
	pool *pgxpool.Pool
	cfg  Config

	mu           sync.Mutex
	disconnected bool
}

func (c *conn) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *conn) Open(ctx context.Context, queueName string, mode mq.OpenMode) (mq.Queue, error) {
	if c.isDisconnected() {
		return nil, mq.NewError("MQOPEN", mq.RCHconnError, nil)
	}

	if c.cfg.AutoDefine {
		if _, err := c.pool.Exec(ctx, sqlDefineQueue, queueName); err != nil {
			return nil, classify("MQOPEN", fmt.Errorf("failed to define queue: %w", err))
		}
	} else {
		var exists bool
		if err := c.pool.QueryRow(ctx, sqlQueueExists, queueName).Scan(&exists); err != nil {
			return nil, classify("MQOPEN", fmt.Errorf("failed to look up queue: %w", err))
		}
		if !exists {
			return nil, mq.NewError("MQOPEN", mq.RCUnknownObjectName, fmt.Errorf("queue %q", queueName))
		}
	}

	return &handle{conn: c, name: queueName, mode: mode}, nil
}

func (c *conn) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return mq.NewError("MQDISC", mq.RCHconnError, nil)
	}
	c.disconnected = true
	c.pool.Close()
	return nil
}

type handle struct {
	conn   *conn
	name   string
	mode   mq.OpenMode
	cursor int64 // seq of the last browsed message
	closed bool
}

func (h *handle) check(verb string) error {
	if h.closed {
		return mq.NewError(verb, mq.RCHobjError, nil)
	}
	if h.conn.isDisconnected() {
		return mq.NewError(verb, mq.RCConnectionBroken, nil)
	}
	return nil
}

func (h *handle) Get(ctx context.Context, md *mq.MessageDescriptor, gmo *mq.GetMessageOptions, buf []byte) (int, error) {
	if err := h.check("MQGET"); err != nil {
		return 0, err
	}

	browse := gmo.Has(mq.GMOBrowseFirst) || gmo.Has(mq.GMOBrowseNext)
	switch {
	case browse && h.mode != mq.OpenBrowse:
		return 0, mq.NewError("MQGET", mq.RCNotOpenForBrowse, nil)
	case !browse && h.mode != mq.OpenConsume:
		return 0, mq.NewError("MQGET", mq.RCNotOpenForInput, nil)
	}
	if gmo.Has(mq.GMOBrowseFirst) {
		h.cursor = 0
	}

	var deadline time.Time
	if gmo.Has(mq.GMOWait) && gmo.WaitInterval > 0 {
		deadline = time.Now().Add(gmo.WaitInterval)
	}

	msgID, correlID := matchArgs(gmo, md)
	for {
		var n int
		var err error
		if browse {
			n, err = h.browse(ctx, md, msgID, correlID, buf)
		} else {
			n, err = h.consume(ctx, md, msgID, correlID, buf)
		}
		if !mq.IsNoMessage(err) {
			return n, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, err
		}
		if serr := sleep(ctx, min(remaining, h.conn.cfg.PollInterval)); serr != nil {
			return 0, mq.NewError("MQGET", mq.RCUnexpectedError, serr)
		}
	}
}

func (h *handle) browse(ctx context.Context, md *mq.MessageDescriptor, msgID, correlID []byte, buf []byte) (int, error) {
	row := h.conn.pool.QueryRow(ctx, sqlBrowse, h.name, h.cursor, msgID, correlID)
	seq, got, body, err := scanMessage(row)
	if err != nil {
		return 0, classify("MQGET", err)
	}
	if len(body) > len(buf) {
		return 0, truncated(len(body), len(buf))
	}
	h.cursor = seq
	*md = *got
	return copy(buf, body), nil
}

func (h *handle) consume(ctx context.Context, md *mq.MessageDescriptor, msgID, correlID []byte, buf []byte) (n int, err error) {
	// Expired rows are discarded as they are encountered.
	if _, err := h.conn.pool.Exec(ctx, sqlPurgeExpired, h.name); err != nil {
		return 0, classify("MQGET", fmt.Errorf("failed to purge expired messages: %w", err))
	}

	tx, err := h.conn.pool.Begin(ctx)
	if err != nil {
		return 0, classify("MQGET", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	seq, got, body, err := scanMessage(tx.QueryRow(ctx, sqlLockNext, h.name, msgID, correlID))
	if err != nil {
		return 0, classify("MQGET", err)
	}
	if len(body) > len(buf) {
		return 0, truncated(len(body), len(buf))
	}

	if _, err := tx.Exec(ctx, sqlDelete, seq); err != nil {
		return 0, classify("MQGET", fmt.Errorf("failed to delete message: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, classify("MQGET", fmt.Errorf("failed to commit transaction: %w", err))
	}

	*md = *got
	return copy(buf, body), nil
}

func (h *handle) Put(ctx context.Context, md *mq.MessageDescriptor, pmo *mq.PutMessageOptions, body []byte) error {
	if err := h.check("MQPUT"); err != nil {
		return err
	}
	if h.mode != mq.OpenInsert {
		return mq.NewError("MQPUT", mq.RCNotOpenForOutput, nil)
	}

	if pmo.Has(mq.PMONewMsgID) || mq.IsZeroID(md.MsgID) {
		md.MsgID = mq.NewMessageID()
	}
	if pmo.Has(mq.PMONewCorrelID) {
		md.CorrelID = mq.NewMessageID()
	}
	md.PutTime = time.Now()

	_, err := h.conn.pool.Exec(ctx, sqlInsert,
		h.name,
		padded(md.MsgID),
		padded(md.CorrelID),
		md.Format,
		int16(md.Persistence),
		md.Expiry,
		md.ReplyToQ,
		md.ReplyToQMgr,
		md.PutTime,
		expiresAt(md),
		body,
	)
	if err != nil {
		return classify("MQPUT", fmt.Errorf("failed to insert message: %w", err))
	}
	return nil
}

func (h *handle) Close(ctx context.Context) error {
	if h.closed {
		return mq.NewError("MQCLOSE", mq.RCHobjError, nil)
	}
	h.closed = true
	return nil
}

func scanMessage(row pgx.Row) (int64, *mq.MessageDescriptor, []byte, error) {
	var (
		seq         int64
		persistence int16
		body        []byte
	)
	md := mq.NewMessageDescriptor()
	err := row.Scan(
		&seq,
		&md.MsgID,
		&md.CorrelID,
		&md.Format,
		&persistence,
		&md.Expiry,
		&md.ReplyToQ,
		&md.ReplyToQMgr,
		&md.PutTime,
		&body,
	)
	if err != nil {
		return 0, nil, nil, err
	}
	md.Persistence = mq.Persistence(persistence)
	return seq, md, body, nil
}

// matchArgs returns the identifier arguments of a matching query; nil matches anything.
func matchArgs(gmo *mq.GetMessageOptions, want *mq.MessageDescriptor) (msgID, correlID []byte) {
	if gmo.Matches(mq.MOMatchMsgID) {
		msgID = padded(want.MsgID)
	}
	if gmo.Matches(mq.MOMatchCorrelID) {
		correlID = padded(want.CorrelID)
	}
	return msgID, correlID
}

func padded(id []byte) []byte {
	out := make([]byte, mq.IDLength)
	copy(out, id)
	return out
}

func expiresAt(md *mq.MessageDescriptor) *time.Time {
	if md.Expiry <= 0 {
		return nil
	}
	t := md.PutTime.Add(time.Duration(md.Expiry) * 100 * time.Millisecond)
	return &t
}

func truncated(length, capacity int) *mq.Error {
	return mq.NewError("MQGET", mq.RCTruncatedMsgFailed,
		fmt.Errorf("message length %d exceeds buffer %d", length, capacity))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classify maps database errors onto reason codes.
func classify(verb string, err error) *mq.Error {
	var mqErr *mq.Error
	if errors.As(err, &mqErr) {
		return mqErr
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return mq.NewError(verb, mq.RCNoMsgAvailable, nil)
	}

	reason := mq.RCUnexpectedError
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr):
		switch {
		case pgErr.Code == "28000" || pgErr.Code == "28P01" || pgErr.Code == "42501":
			reason = mq.RCNotAuthorized
		case pgErr.Code == "3D000":
			reason = mq.RCQMgrNameError
		case pgErr.Code == "42P01":
			reason = mq.RCUnknownObjectName
		case pgErr.Code == "57P01" || pgErr.Code == "57P02" || pgErr.Code == "57P03":
			reason = mq.RCQMgrQuiescing
		case strings.HasPrefix(pgErr.Code, "08"):
			reason = mq.RCConnectionBroken
		}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		reason = mq.RCUnexpectedError
	case verb == "MQCONNX":
		reason = mq.RCQMgrNotAvailable
	case pgconn.SafeToRetry(err), pgconn.Timeout(err):
		reason = mq.RCConnectionBroken
	}
	return mq.NewError(verb, reason, err)
}
