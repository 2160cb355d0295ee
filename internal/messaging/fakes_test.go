package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deliveryhero/asya/asya-mqbridge/internal/connection"
	"github.com/deliveryhero/asya/asya-mqbridge/internal/mq"
	"github.com/deliveryhero/asya/asya-mqbridge/internal/mq/memqm"
)

const (
	testQMgr  = "QM1"
	testQueue = "DEV.QUEUE.1"
)

// spy wraps a real connection and records every protocol call, optionally injecting faults.
type spy struct {
	mu sync.Mutex

	opens  int
	closes int
	gets   int
	puts   int

	lastGMO []mq.GetMessageOptions
	lastPMO *mq.PutMessageOptions
	lastMD  *mq.MessageDescriptor

	openErr     error
	getErrAfter int   // fail the get following this many successful gets, when getErr is set
	getErr      error // injected get fault
	putErr      error
	closeErr    error
	blockGet    bool // block gets until the context is done
}

type spyDialer struct {
	inner mq.Dialer
	p     *spy
	err   error
}

func (d *spyDialer) Dial(ctx context.Context, params mq.ConnectParams) (mq.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	c, err := d.inner.Dial(ctx, params)
	if err != nil {
		return nil, err
	}
	return &spyConn{inner: c, p: d.p}, nil
}

type spyConn struct {
	inner mq.Conn
	p     *spy
}

func (c *spyConn) Open(ctx context.Context, queueName string, mode mq.OpenMode) (mq.Queue, error) {
	c.p.mu.Lock()
	openErr := c.p.openErr
	c.p.mu.Unlock()
	if openErr != nil {
		return nil, openErr
	}
	q, err := c.inner.Open(ctx, queueName, mode)
	if err != nil {
		return nil, err
	}
	c.p.mu.Lock()
	c.p.opens++
	c.p.mu.Unlock()
	return &spyQueue{inner: q, p: c.p}, nil
}

func (c *spyConn) Disconnect(ctx context.Context) error {
	return c.inner.Disconnect(ctx)
}

type spyQueue struct {
	inner mq.Queue
	p     *spy
}

func (q *spyQueue) Get(ctx context.Context, md *mq.MessageDescriptor, gmo *mq.GetMessageOptions, buf []byte) (int, error) {
	q.p.mu.Lock()
	q.p.gets++
	q.p.lastGMO = append(q.p.lastGMO, *gmo)
	fail := q.p.getErr != nil && q.p.gets > q.p.getErrAfter
	getErr := q.p.getErr
	block := q.p.blockGet
	q.p.mu.Unlock()

	if block {
		<-ctx.Done()
		return 0, mq.NewError("MQGET", mq.RCUnexpectedError, ctx.Err())
	}
	if fail {
		return 0, getErr
	}
	return q.inner.Get(ctx, md, gmo, buf)
}

func (q *spyQueue) Put(ctx context.Context, md *mq.MessageDescriptor, pmo *mq.PutMessageOptions, body []byte) error {
	q.p.mu.Lock()
	q.p.puts++
	pmoCopy := *pmo
	q.p.lastPMO = &pmoCopy
	putErr := q.p.putErr
	q.p.mu.Unlock()

	if putErr != nil {
		return putErr
	}
	err := q.inner.Put(ctx, md, pmo, body)

	q.p.mu.Lock()
	mdCopy := *md
	q.p.lastMD = &mdCopy
	q.p.mu.Unlock()
	return err
}

func (q *spyQueue) Close(ctx context.Context) error {
	q.p.mu.Lock()
	q.p.closes++
	closeErr := q.p.closeErr
	q.p.mu.Unlock()

	if err := q.inner.Close(ctx); err != nil {
		return err
	}
	return closeErr
}

type fixture struct {
	qm    *memqm.QueueManager
	p     *spy
	conns *connection.Manager
	svc   *Service
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	qm := memqm.New(testQMgr)
	p := &spy{}
	dialer := &spyDialer{inner: qm, p: p}
	conns := connection.NewManager(dialer, mq.ConnectParams{QueueManagerName: testQMgr}, nil)
	require.NotNil(t, conns.Connect(context.Background()))
	if opts.BrowseWait == 0 {
		opts.BrowseWait = 5 * time.Millisecond
	}
	return &fixture{qm: qm, p: p, conns: conns, svc: NewService(conns, opts, nil)}
}

// seed puts a text message directly through the queue manager, bypassing the spy.
func (f *fixture) seed(t *testing.T, body string, correlID []byte) []byte {
	t.Helper()
	ctx := context.Background()
	c, err := f.qm.Dial(ctx, mq.ConnectParams{QueueManagerName: testQMgr})
	require.NoError(t, err)
	q, err := c.Open(ctx, testQueue, mq.OpenInsert)
	require.NoError(t, err)
	defer func() { _ = q.Close(ctx) }()

	md := mq.NewMessageDescriptor()
	md.Format = mq.FormatString
	if correlID != nil {
		md.CorrelID = correlID
	}
	require.NoError(t, q.Put(ctx, md, &mq.PutMessageOptions{Options: mq.PMONewMsgID}, []byte(body)))
	return md.MsgID
}

func (f *fixture) seedBinary(t *testing.T, body []byte) []byte {
	t.Helper()
	ctx := context.Background()
	c, err := f.qm.Dial(ctx, mq.ConnectParams{QueueManagerName: testQMgr})
	require.NoError(t, err)
	q, err := c.Open(ctx, testQueue, mq.OpenInsert)
	require.NoError(t, err)
	defer func() { _ = q.Close(ctx) }()

	md := mq.NewMessageDescriptor()
	require.NoError(t, q.Put(ctx, md, &mq.PutMessageOptions{Options: mq.PMONewMsgID}, body))
	return md.MsgID
}

func (f *fixture) counts() (opens, closes, gets, puts int) {
	f.p.mu.Lock()
	defer f.p.mu.Unlock()
	return f.p.opens, f.p.closes, f.p.gets, f.p.puts
}
