// Package messaging implements the queue session protocol: every logical operation opens a
// queue in the mode it needs, performs its get or put calls, and closes the queue on every
// exit path. Results are always JSON text, either a payload or an error envelope.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/deliveryhero/asya/asya-mqbridge/internal/connection"
	"github.com/deliveryhero/asya/asya-mqbridge/internal/mq"
	"github.com/deliveryhero/asya/asya-mqbridge/pkg/types"
)

// DefaultLimit is the browse cap used when the caller supplies none.
const DefaultLimit = "10000"

// Options tunes the protocol.
type Options struct {
	OperationTimeout time.Duration // overall deadline of one logical operation
	CloseTimeout     time.Duration // bound on the close call, applied even after the deadline
	BrowseWait       time.Duration // wait interval of each browse get
	MaxMessageLength int
}

// DefaultOptions returns the protocol defaults.
func DefaultOptions() Options {
	return Options{
		OperationTimeout: 30 * time.Second,
		CloseTimeout:     5 * time.Second,
		BrowseWait:       100 * time.Millisecond,
		MaxMessageLength: mq.MaxMessageLength,
	}
}

// Recorder receives protocol telemetry. Implementations must be safe for concurrent use.
type Recorder interface {
	ObserveOperation(operation, outcome string, elapsed time.Duration)
	CountCall(verb string, reason int32)
}

type noopRecorder struct{}

func (noopRecorder) ObserveOperation(string, string, time.Duration) {}
func (noopRecorder) CountCall(string, int32)                        {}

// Result is the outcome of one logical operation. Body is always set; Fault is non-nil
// when Body holds an error envelope, and Err is the error it was rendered from. Matched
// counts the messages the operation returned.
type Result struct {
	Body    string
	Fault   *types.ErrorEnvelope
	Err     error
	Matched int
}

// ErrInvalidLimit is returned for a browse limit that is not a non-negative integer.
var ErrInvalidLimit = errors.New("invalid limit")

// Filter narrows which messages a get may return. Identifiers are 48 character hex strings.
type Filter struct {
	CorrelationID string
	MessageID     string
}

// Service runs queue operations over the connection owned by a connection.Manager.
// Operations sharing the connection are serialized.
type Service struct {
	conns    *connection.Manager
	qmgrName string
	opts     Options
	recorder Recorder
	sem      chan struct{}
}

// NewService creates a Service. recorder may be nil.
func NewService(conns *connection.Manager, opts Options, recorder Recorder) *Service {
	defaults := DefaultOptions()
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = defaults.OperationTimeout
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = defaults.CloseTimeout
	}
	if opts.BrowseWait <= 0 {
		opts.BrowseWait = defaults.BrowseWait
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = defaults.MaxMessageLength
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Service{
		conns:    conns,
		qmgrName: conns.Params().QueueManagerName,
		opts:     opts,
		recorder: recorder,
		sem:      make(chan struct{}, 1),
	}
}

// QueueManagerName returns the name reported in error envelopes.
func (s *Service) QueueManagerName() string {
	return s.qmgrName
}

// Reject renders err as an error envelope without contacting the queue manager. Outer
// surfaces use it for requests they refuse before any operation starts.
func (s *Service) Reject(err error) Result {
	return s.fault(nil, err)
}

// run executes fn against a queue opened in mode. The queue is closed exactly once if the
// open succeeded, regardless of how fn returns.
func (s *Service) run(ctx context.Context, operation, queueName string, mode mq.OpenMode, fn func(ctx context.Context, q mq.Queue) Result) (res Result) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if res.Fault != nil {
			outcome = "fault"
		}
		s.recorder.ObserveOperation(operation, outcome, time.Since(start))
	}()

	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return s.fault(nil, ctx.Err())
	}

	conn := s.conns.Connection()
	if conn == nil {
		conn = s.conns.Connect(ctx)
	}
	// Runs after close: a broken session is discarded once its queue handle is released.
	defer func() {
		if mq.IsConnectionBroken(res.Err) {
			s.conns.Drop(context.WithoutCancel(ctx), conn)
		}
	}()

	q, err := s.open(ctx, conn, queueName, mode)
	defer s.close(ctx, queueName, q)
	if err != nil {
		return s.fault(nil, err)
	}
	return fn(ctx, q)
}

func (s *Service) open(ctx context.Context, conn mq.Conn, queueName string, mode mq.OpenMode) (mq.Queue, error) {
	if conn == nil {
		slog.Error("Error opening queue", "queue", queueName, "mode", mode, "error", mq.ErrNotConnected)
		return nil, mq.ErrNotConnected
	}

	q, err := conn.Open(ctx, queueName, mode)
	s.recorder.CountCall("MQOPEN", mq.ReasonOf(err))
	if err != nil {
		slog.Error("Error opening queue", "queue", queueName, "mode", mode, "error", err)
		return nil, err
	}
	slog.Debug("Queue opened", "queue", queueName, "mode", mode)
	return q, nil
}

// close runs on a context detached from the operation deadline so a timed out operation
// still releases its handle.
func (s *Service) close(ctx context.Context, queueName string, q mq.Queue) {
	if q == nil {
		slog.Warn("Error closing queue: queue is not open", "queue", queueName)
		return
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.CloseTimeout)
	defer cancel()

	err := q.Close(closeCtx)
	s.recorder.CountCall("MQCLOSE", mq.ReasonOf(err))
	if err != nil {
		slog.Error("Error closing queue", "queue", queueName, "error", err)
		return
	}
	slog.Debug("Queue closed", "queue", queueName)
}

// fault renders err as an error envelope.
func (s *Service) fault(msgID []byte, err error) Result {
	if msgID == nil {
		msgID = make([]byte, mq.IDLength)
	}
	env := &types.ErrorEnvelope{
		MsgID:    mq.BytesToHex(msgID),
		Message:  err.Error(),
		QmgrName: s.qmgrName,
	}
	var mqErr *mq.Error
	if errors.As(err, &mqErr) {
		cc, rc := mqErr.CompCode, mqErr.Reason
		env.CompletionCode = &cc
		env.ReasonCode = &rc
	}
	return Result{Body: render(env), Fault: env, Err: err}
}

// apply decodes the filter into the request descriptor and match options.
func (f Filter) apply(md *mq.MessageDescriptor, gmo *mq.GetMessageOptions) error {
	gmo.MatchOptions = mq.MONone
	if f.MessageID != "" {
		id, err := mq.HexToBytes(f.MessageID)
		if err != nil {
			return err
		}
		gmo.MatchOptions |= mq.MOMatchMsgID
		md.MsgID = id
	}
	if f.CorrelationID != "" {
		id, err := mq.HexToBytes(f.CorrelationID)
		if err != nil {
			return err
		}
		gmo.MatchOptions |= mq.MOMatchCorrelID
		md.CorrelID = id
	}
	return nil
}

// parseLimit accepts a non-negative decimal; empty means DefaultLimit.
func parseLimit(limit string) (int, error) {
	limit = strings.TrimSpace(limit)
	if limit == "" {
		limit = DefaultLimit
	}
	n, err := strconv.Atoi(limit)
	if err != nil {
		return 0, fmt.Errorf("%w %s", ErrInvalidLimit, strconv.Quote(limit))
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidLimit)
	}
	return n, nil
}

// render serializes v as tab indented JSON without HTML escaping.
func render(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "\t")
	if err := enc.Encode(v); err != nil {
		slog.Error("Failed to render response", "error", err)
		return `""`
	}
	return strings.TrimSuffix(buf.String(), "\n")
}
