package messaging

import (
	"context"
	"log/slog"

	"github.com/deliveryhero/asya/asya-mqbridge/internal/mq"
)

// BrowseMessages enumerates up to limit matching messages without removing them and
// renders them in the requested shape. A fault on any get replaces the partial result.
func (s *Service) BrowseMessages(ctx context.Context, queueName string, shape Shape, filter Filter, limit string) Result {
	maxMessages, err := parseLimit(limit)
	if err != nil {
		return s.fault(nil, err)
	}
	// Validate identifiers before the queue is opened.
	if err := filter.apply(mq.NewMessageDescriptor(), &mq.GetMessageOptions{}); err != nil {
		return s.fault(nil, err)
	}

	return s.run(ctx, "browse_"+shape.String(), queueName, mq.OpenBrowse, func(ctx context.Context, q mq.Queue) Result {
		return s.browse(ctx, q, queueName, shape, filter, maxMessages)
	})
}

// ListMessages browses in the LIST shape.
func (s *Service) ListMessages(ctx context.Context, queueName string, filter Filter, limit string) Result {
	return s.BrowseMessages(ctx, queueName, ShapeList, filter, limit)
}

// GetMessage returns the next matching message body without removing it, or "" when the
// queue holds no match.
func (s *Service) GetMessage(ctx context.Context, queueName string, filter Filter) Result {
	return s.BrowseMessages(ctx, queueName, ShapeUnit, filter, "1")
}

func (s *Service) browse(ctx context.Context, q mq.Queue, queueName string, shape Shape, filter Filter, limit int) Result {
	gmo := &mq.GetMessageOptions{
		Options: mq.GMONoSyncpoint |
			mq.GMOWait |
			mq.GMOConvert |
			mq.GMOFailIfQuiescing |
			mq.GMOBrowseFirst,
		WaitInterval: s.opts.BrowseWait,
	}

	buf := make([]byte, s.opts.MaxMessageLength)
	coll := newCollector(shape)
	matched := 0

	for i := 0; i < limit; i++ {
		md := mq.NewMessageDescriptor()
		if err := filter.apply(md, gmo); err != nil {
			return s.fault(nil, err)
		}
		if err := ctx.Err(); err != nil {
			slog.Error("Message listing interrupted", "queue", queueName, "matched", i, "error", err)
			return s.fault(md.MsgID, err)
		}

		n, err := q.Get(ctx, md, gmo, buf)
		s.recorder.CountCall("MQGET", mq.ReasonOf(err))
		if err != nil {
			if mq.IsNoMessage(err) {
				slog.Debug("Message listing finished", "queue", queueName, "matched", i)
				break
			}
			slog.Error("Message listing failed", "queue", queueName, "matched", i, "error", err)
			return s.fault(md.MsgID, err)
		}

		coll.add(decodeMessage(md, buf[:n]))
		matched++

		gmo.Options &^= mq.GMOBrowseFirst
		gmo.Options |= mq.GMOBrowseNext
	}

	return Result{Body: render(coll.result()), Matched: matched}
}
