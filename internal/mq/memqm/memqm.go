// Package memqm is an in-process queue manager. It keeps messages in memory, supports
// browse cursors, identifier matching, expiry and bounded waits, and is used by the
// "memory" transport and by tests.
package memqm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deliveryhero/asya/asya-mqbridge/internal/mq"
)

type storedMessage struct {
	seq       uint64
	md        mq.MessageDescriptor
	body      []byte
	expiresAt time.Time
}

func (m *storedMessage) expired(now time.Time) bool {
	return !m.expiresAt.IsZero() && now.After(m.expiresAt)
}

// QueueManager holds named queues in memory.
type QueueManager struct {
	mu         sync.Mutex
	name       string
	userID     string
	password   string
	autoDefine bool
	quiescing  bool
	queues     map[string][]*storedMessage
	nextSeq    uint64
	arrived    chan struct{} // closed and replaced on every put
}

// Option configures a QueueManager.
type Option func(*QueueManager)

// WithCredentials requires connections to present the given user and password.
func WithCredentials(userID, password string) Option {
	return func(qm *QueueManager) {
		qm.userID = userID
		qm.password = password
	}
}

// WithQueues predefines queues. Without it every queue name is defined on first open.
func WithQueues(names ...string) Option {
	return func(qm *QueueManager) {
		qm.autoDefine = false
		for _, name := range names {
			qm.queues[name] = nil
		}
	}
}

// New creates an empty queue manager called name.
func New(name string, opts ...Option) *QueueManager {
	qm := &QueueManager{
		name:       name,
		autoDefine: true,
		queues:     make(map[string][]*storedMessage),
		arrived:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(qm)
	}
	return qm
}

// Name returns the queue manager name.
func (qm *QueueManager) Name() string {
	return qm.name
}

// Dial implements mq.Dialer.
func (qm *QueueManager) Dial(ctx context.Context, params mq.ConnectParams) (mq.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, mq.NewError("MQCONNX", mq.RCQMgrNotAvailable, err)
	}
	if params.QueueManagerName != "" && params.QueueManagerName != qm.name {
		return nil, mq.NewError("MQCONNX", mq.RCQMgrNameError,
			fmt.Errorf("queue manager %q not known", params.QueueManagerName))
	}
	if qm.userID != "" && (params.UserID != qm.userID || params.Password != qm.password) {
		return nil, mq.NewError("MQCONNX", mq.RCNotAuthorized, nil)
	}
	return &conn{qm: qm}, nil
}

// Quiesce makes subsequent gets with FAIL_IF_QUIESCING fail.
func (qm *QueueManager) Quiesce() {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	qm.quiescing = true
}

// Depth returns the number of unexpired messages on a queue.
func (qm *QueueManager) Depth(queueName string) int {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	now := time.Now()
	depth := 0
	for _, m := range qm.queues[queueName] {
		if !m.expired(now) {
			depth++
		}
	}
	return depth
}

// Messages returns copies of the descriptors currently on a queue, in arrival order.
func (qm *QueueManager) Messages(queueName string) []mq.MessageDescriptor {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	out := make([]mq.MessageDescriptor, 0, len(qm.queues[queueName]))
	for _, m := range qm.queues[queueName] {
		out = append(out, m.md)
	}
	return out
}

type conn struct {
	qm           *QueueManager
	mu           sync.Mutex
	disconnected bool
}

func (c *conn) Open(ctx context.Context, queueName string, mode mq.OpenMode) (mq.Queue, error) {
	c.mu.Lock()
	disconnected := c.disconnected
	c.mu.Unlock()
	if disconnected {
		return nil, mq.NewError("MQOPEN", mq.RCHconnError, nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, mq.NewError("MQOPEN", mq.RCUnexpectedError, err)
	}

	qm := c.qm
	qm.mu.Lock()
	defer qm.mu.Unlock()

	if _, ok := qm.queues[queueName]; !ok {
		if !qm.autoDefine {
			return nil, mq.NewError("MQOPEN", mq.RCUnknownObjectName, fmt.Errorf("queue %q", queueName))
		}
		qm.queues[queueName] = nil
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
	return nil
}

func (c *conn) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

type handle struct {
	conn   *conn
	name   string
	mode   mq.OpenMode
	cursor uint64 // seq of the last browsed message
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

	var deadline <-chan time.Time
	if gmo.Has(mq.GMOWait) && gmo.WaitInterval > 0 {
		timer := time.NewTimer(gmo.WaitInterval)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		n, arrived, err := h.tryGet(md, gmo, buf, browse)
		if err == nil || !mq.IsNoMessage(err) || deadline == nil {
			return n, err
		}

		select {
		case <-arrived:
		case <-deadline:
			return 0, err
		case <-ctx.Done():
			return 0, mq.NewError("MQGET", mq.RCUnexpectedError, ctx.Err())
		}
	}
}

func (h *handle) tryGet(md *mq.MessageDescriptor, gmo *mq.GetMessageOptions, buf []byte, browse bool) (int, <-chan struct{}, error) {
	qm := h.conn.qm
	qm.mu.Lock()
	defer qm.mu.Unlock()

	if qm.quiescing && gmo.Has(mq.GMOFailIfQuiescing) {
		return 0, nil, mq.NewError("MQGET", mq.RCQMgrQuiescing, nil)
	}

	now := time.Now()
	after := uint64(0)
	if browse && gmo.Has(mq.GMOBrowseNext) {
		after = h.cursor
	}

	messages := qm.queues[h.name]
	live := messages[:0]
	var found *storedMessage
	for _, m := range messages {
		if m.expired(now) {
			continue
		}
		live = append(live, m)
		if found == nil && m.seq > after && mq.Matches(gmo, md, m.md.MsgID, m.md.CorrelID) {
			found = m
		}
	}
	qm.queues[h.name] = live

	if found == nil {
		return 0, qm.arrived, mq.NewError("MQGET", mq.RCNoMsgAvailable, nil)
	}
	if len(found.body) > len(buf) {
		return 0, nil, mq.NewError("MQGET", mq.RCTruncatedMsgFailed,
			fmt.Errorf("message length %d exceeds buffer %d", len(found.body), len(buf)))
	}

	n := copy(buf, found.body)
	copyDescriptor(md, &found.md)

	if browse {
		h.cursor = found.seq
	} else {
		qm.remove(h.name, found.seq)
	}
	return n, nil, nil
}

func (qm *QueueManager) remove(queueName string, seq uint64) {
	messages := qm.queues[queueName]
	for i, m := range messages {
		if m.seq == seq {
			qm.queues[queueName] = append(messages[:i], messages[i+1:]...)
			return
		}
	}
}

func (h *handle) Put(ctx context.Context, md *mq.MessageDescriptor, pmo *mq.PutMessageOptions, body []byte) error {
	if err := h.check("MQPUT"); err != nil {
		return err
	}
	if h.mode != mq.OpenInsert {
		return mq.NewError("MQPUT", mq.RCNotOpenForOutput, nil)
	}
	if err := ctx.Err(); err != nil {
		return mq.NewError("MQPUT", mq.RCUnexpectedError, err)
	}

	if pmo.Has(mq.PMONewMsgID) || mq.IsZeroID(md.MsgID) {
		md.MsgID = mq.NewMessageID()
	}
	if pmo.Has(mq.PMONewCorrelID) {
		md.CorrelID = mq.NewMessageID()
	}
	md.PutTime = time.Now()

	stored := &storedMessage{body: append([]byte(nil), body...)}
	copyDescriptor(&stored.md, md)
	if md.Expiry > 0 {
		stored.expiresAt = md.PutTime.Add(time.Duration(md.Expiry) * 100 * time.Millisecond)
	}

	qm := h.conn.qm
	qm.mu.Lock()
	defer qm.mu.Unlock()

	qm.nextSeq++
	stored.seq = qm.nextSeq
	qm.queues[h.name] = append(qm.queues[h.name], stored)

	close(qm.arrived)
	qm.arrived = make(chan struct{})
	return nil
}

func (h *handle) Close(ctx context.Context) error {
	if h.closed {
		return mq.NewError("MQCLOSE", mq.RCHobjError, nil)
	}
	h.closed = true
	return nil
}

func copyDescriptor(dst, src *mq.MessageDescriptor) {
	*dst = *src
	dst.MsgID = append([]byte(nil), src.MsgID...)
	dst.CorrelID = append([]byte(nil), src.CorrelID...)
}
