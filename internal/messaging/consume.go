package messaging

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/deliveryhero/asya/asya-mqbridge/internal/mq"
)

// DeleteMessage destructively reads the next matching message and returns its body, or ""
// when nothing matched. wait is an optional wait interval in milliseconds; without it the
// get does not wait.
func (s *Service) DeleteMessage(ctx context.Context, queueName string, filter Filter, wait string) Result {
	if err := filter.apply(mq.NewMessageDescriptor(), &mq.GetMessageOptions{}); err != nil {
		return s.fault(nil, err)
	}

	gmo := &mq.GetMessageOptions{
		Options: mq.GMONoSyncpoint |
			mq.GMONoWait |
			mq.GMOConvert |
			mq.GMOFailIfQuiescing,
	}
	if interval, ok := parseWait(wait); ok {
		gmo.Options |= mq.GMOWait
		gmo.WaitInterval = interval
	}

	return s.run(ctx, "delete", queueName, mq.OpenConsume, func(ctx context.Context, q mq.Queue) Result {
		md := mq.NewMessageDescriptor()
		if err := filter.apply(md, gmo); err != nil {
			return s.fault(nil, err)
		}

		buf := make([]byte, s.opts.MaxMessageLength)
		coll := newCollector(ShapeUnit)
		matched := 0

		n, err := q.Get(ctx, md, gmo, buf)
		s.recorder.CountCall("MQGET", mq.ReasonOf(err))
		switch {
		case err == nil:
			coll.add(decodeMessage(md, buf[:n]))
			matched = 1
			slog.Debug("Message removed", "queue", queueName, "msgId", mq.BytesToHex(md.MsgID))
		case mq.IsNoMessage(err):
			slog.Debug("No message to remove", "queue", queueName)
		default:
			slog.Error("Message removal failed", "queue", queueName, "error", err)
			return s.fault(md.MsgID, err)
		}

		return Result{Body: render(coll.result()), Matched: matched}
	})
}

// parseWait reads a millisecond wait interval. Invalid values are logged and ignored.
func parseWait(wait string) (time.Duration, bool) {
	wait = strings.TrimSpace(wait)
	if wait == "" {
		return 0, false
	}
	ms, err := strconv.Atoi(wait)
	if err != nil || ms < 0 {
		slog.Warn("Ignoring invalid wait interval", "wait", wait)
		return 0, false
	}
	if ms == 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}
