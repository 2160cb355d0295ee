// Package amqpqm maps the queue manager protocol onto RabbitMQ.
//
// Each open queue handle leases a channel from a pool. Destructive gets use
// basic.get with an explicit ack. Browsing is emulated by leasing: browsed deliveries stay
// unacknowledged on the handle's channel, which hides them from the next basic.get, and are
// requeued when the handle closes or a new browse starts.
package amqpqm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/deliveryhero/asya/asya-mqbridge/internal/mq"
)

// channel is the subset of *amqp.Channel used by a queue handle.
type channel interface {
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Config holds RabbitMQ specific settings.
type Config struct {
	URL           string        // full amqp:// URL; derived from the connect params when empty
	VHost         string        // virtual host used when URL is empty
	PoolSize      int           // channels per connection
	DialRetries   int           // dial attempts before giving up
	DeclareQueues bool          // declare durable queues on open instead of requiring them
	PollInterval  time.Duration // basic.get polling interval while waiting
}

// Dialer implements mq.Dialer for RabbitMQ.
type Dialer struct {
	cfg Config
}

// NewDialer creates a Dialer.
func NewDialer(cfg Config) *Dialer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	if cfg.VHost == "" {
		cfg.VHost = "/"
	}
	return &Dialer{cfg: cfg}
}

// URL returns the broker URL for params.
func (d *Dialer) URL(params mq.ConnectParams) string {
	if d.cfg.URL != "" {
		return d.cfg.URL
	}
	port := params.Port
	if port == 0 {
		port = 5672
	}
	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     params.Host,
		Port:     port,
		Username: params.UserID,
		Password: params.Password,
		Vhost:    d.cfg.VHost,
	}
	return uri.String()
}

// Dial implements mq.Dialer.
func (d *Dialer) Dial(ctx context.Context, params mq.ConnectParams) (mq.Conn, error) {
	cfg := amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Properties: amqp.Table{
			"connection_name": params.ChannelName,
			"product":         "asya-mqbridge",
		},
	}

	pool, err := newChannelPool(ctx, d.URL(params), cfg, d.cfg.PoolSize, d.cfg.DialRetries)
	if err != nil {
		return nil, classify("MQCONNX", err)
	}
	return &conn{pool: pool, cfg: d.cfg}, nil
}

type conn struct {
	pool *channelPool
	cfg  Config
}

func (c *conn) Open(ctx context.Context, queueName string, mode mq.OpenMode) (mq.Queue, error) {
	ch, err := c.pool.acquire(ctx)
	if err != nil {
		return nil, classify("MQOPEN", err)
	}

	if c.cfg.DeclareQueues {
		_, err = ch.QueueDeclare(queueName, true, false, false, false, nil)
	} else {
		_, err = ch.QueueDeclarePassive(queueName, true, false, false, false, nil)
	}
	if err != nil {
		c.pool.release(ch)
		return nil, classify("MQOPEN", err)
	}

	return newHandle(ch, func() { c.pool.release(ch) }, queueName, mode, c.cfg.PollInterval), nil
}

func (c *conn) Disconnect(ctx context.Context) error {
	if err := c.pool.shutdown(); err != nil {
		return classify("MQDISC", err)
	}
	return nil
}

type handle struct {
	ch           channel
	release      func()
	name         string
	mode         mq.OpenMode
	pollInterval time.Duration
	leased       []uint64 // delivery tags held by a browse
	closed       bool
}

func newHandle(ch channel, release func(), name string, mode mq.OpenMode, pollInterval time.Duration) *handle {
	return &handle{
		ch:           ch,
		release:      release,
		name:         name,
		mode:         mode,
		pollInterval: pollInterval,
	}
}

func (h *handle) Get(ctx context.Context, md *mq.MessageDescriptor, gmo *mq.GetMessageOptions, buf []byte) (n int, err error) {
	if h.closed {
		return 0, mq.NewError("MQGET", mq.RCHobjError, nil)
	}

	browse := gmo.Has(mq.GMOBrowseFirst) || gmo.Has(mq.GMOBrowseNext)
	switch {
	case browse && h.mode != mq.OpenBrowse:
		return 0, mq.NewError("MQGET", mq.RCNotOpenForBrowse, nil)
	case !browse && h.mode != mq.OpenConsume:
		return 0, mq.NewError("MQGET", mq.RCNotOpenForInput, nil)
	}

	if browse && gmo.Has(mq.GMOBrowseFirst) {
		if err := h.requeue(h.leased); err != nil {
			return 0, classify("MQGET", err)
		}
		h.leased = nil
	}

	// Non-matching deliveries seen by a destructive get go back once the get finishes.
	var skipped []uint64
	if !browse {
		defer func() {
			if rerr := h.requeue(skipped); rerr != nil && err == nil {
				err = classify("MQGET", rerr)
			}
		}()
	}

	var deadline time.Time
	if gmo.Has(mq.GMOWait) && gmo.WaitInterval > 0 {
		deadline = time.Now().Add(gmo.WaitInterval)
	}

	for {
		d, ok, err := h.ch.Get(h.name, false)
		if err != nil {
			return 0, classify("MQGET", err)
		}

		if !ok {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return 0, mq.NewError("MQGET", mq.RCNoMsgAvailable, nil)
			}
			if err := sleep(ctx, min(remaining, h.pollInterval)); err != nil {
				return 0, mq.NewError("MQGET", mq.RCUnexpectedError, err)
			}
			continue
		}

		var got mq.MessageDescriptor
		descriptorFrom(d, &got)

		if !mq.Matches(gmo, md, got.MsgID, got.CorrelID) {
			if browse {
				h.leased = append(h.leased, d.DeliveryTag)
			} else {
				skipped = append(skipped, d.DeliveryTag)
			}
			continue
		}

		if len(d.Body) > len(buf) {
			if err := h.ch.Nack(d.DeliveryTag, false, true); err != nil {
				slog.Warn("Failed to requeue oversized message", "queue", h.name, "error", err)
			}
			return 0, mq.NewError("MQGET", mq.RCTruncatedMsgFailed,
				fmt.Errorf("message length %d exceeds buffer %d", len(d.Body), len(buf)))
		}

		if browse {
			h.leased = append(h.leased, d.DeliveryTag)
		} else if err := h.ch.Ack(d.DeliveryTag, false); err != nil {
			return 0, classify("MQGET", err)
		}

		*md = got
		return copy(buf, d.Body), nil
	}
}

func (h *handle) Put(ctx context.Context, md *mq.MessageDescriptor, pmo *mq.PutMessageOptions, body []byte) error {
	if h.closed {
		return mq.NewError("MQPUT", mq.RCHobjError, nil)
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

	// Default exchange routes by queue name.
	if err := h.ch.PublishWithContext(ctx, "", h.name, false, false, publishingFor(md, body)); err != nil {
		return classify("MQPUT", err)
	}
	return nil
}

func (h *handle) Close(ctx context.Context) error {
	if h.closed {
		return mq.NewError("MQCLOSE", mq.RCHobjError, nil)
	}
	h.closed = true

	err := h.requeue(h.leased)
	h.leased = nil
	h.release()
	if err != nil {
		return classify("MQCLOSE", err)
	}
	return nil
}

func (h *handle) requeue(tags []uint64) error {
	var result *multierror.Error
	for _, tag := range tags {
		if err := h.ch.Nack(tag, false, true); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
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

// classify maps broker and client errors onto reason codes.
func classify(verb string, err error) *mq.Error {
	var mqErr *mq.Error
	if errors.As(err, &mqErr) {
		return mqErr
	}

	reason := mq.RCUnexpectedError
	var amqpErr *amqp.Error
	switch {
	case errors.Is(err, amqp.ErrClosed):
		reason = mq.RCConnectionBroken
	case errors.Is(err, errPoolClosed):
		reason = mq.RCHconnError
	case errors.As(err, &amqpErr):
		switch amqpErr.Code {
		case amqp.NotFound:
			reason = mq.RCUnknownObjectName
		case amqp.AccessRefused:
			reason = mq.RCNotAuthorized
		case amqp.ConnectionForced:
			reason = mq.RCQMgrQuiescing
		case amqp.ChannelError, amqp.FrameError:
			reason = mq.RCConnectionBroken
		}
	case verb == "MQCONNX":
		reason = mq.RCQMgrNotAvailable
	}
	return mq.NewError(verb, reason, err)
}
