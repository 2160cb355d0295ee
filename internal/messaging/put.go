package messaging

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/deliveryhero/asya/asya-mqbridge/internal/mq"
)

// Persistence values accepted on insert.
const (
	PersistenceNonPersistent = "nonPersistent"
	PersistencePersistent    = "persistent"
)

// PutRequest carries an insert. All descriptor fields are optional.
type PutRequest struct {
	Body          string
	CorrelationID string // 48 character hex
	Expiry        string // milliseconds
	Persistence   string // nonPersistent | persistent
	ReplyTo       string // queue[@qmgr]
}

// PutMessage inserts a UTF-8 text message. Success renders as the empty string.
func (s *Service) PutMessage(ctx context.Context, queueName string, req PutRequest) Result {
	md, pmo, err := buildPut(req)
	if err != nil {
		return s.fault(nil, err)
	}

	return s.run(ctx, "put", queueName, mq.OpenInsert, func(ctx context.Context, q mq.Queue) Result {
		err := q.Put(ctx, md, pmo, []byte(req.Body))
		s.recorder.CountCall("MQPUT", mq.ReasonOf(err))
		if err != nil {
			slog.Error("Message insert failed", "queue", queueName, "error", err)
			return s.fault(md.MsgID, err)
		}
		slog.Debug("Message inserted", "queue", queueName, "msgId", mq.BytesToHex(md.MsgID))
		return Result{Body: ""}
	})
}

func buildPut(req PutRequest) (*mq.MessageDescriptor, *mq.PutMessageOptions, error) {
	md := mq.NewMessageDescriptor()
	md.Format = mq.FormatString
	pmo := &mq.PutMessageOptions{Options: mq.PMONoSyncpoint | mq.PMONewMsgID}

	if req.Expiry != "" {
		if tenths, err := expiryTenths(req.Expiry); err != nil {
			slog.Warn("Ignoring invalid expiry", "expiry", req.Expiry, "error", err)
		} else {
			md.Expiry = tenths
		}
	}

	if req.ReplyTo != "" {
		parts := strings.Split(req.ReplyTo, "@")
		md.ReplyToQ = parts[0]
		if len(parts) == 2 {
			md.ReplyToQMgr = parts[1]
		}
	}

	switch req.Persistence {
	case PersistenceNonPersistent:
		md.Persistence = mq.NotPersistent
	case PersistencePersistent:
		md.Persistence = mq.Persistent
	default:
		md.Persistence = mq.AsQueueDefault
	}

	if req.CorrelationID != "" {
		id, err := mq.HexToBytes(req.CorrelationID)
		if err != nil {
			return nil, nil, err
		}
		md.CorrelID = id
	} else {
		pmo.Options |= mq.PMONewCorrelID
	}

	return md, pmo, nil
}

var errNonPositiveExpiry = errors.New("expiry must be positive")

// expiryTenths converts a millisecond expiry to the descriptor's tenths of a second.
// Sub-tenth expiries round up to one tenth; values beyond the field are clamped.
func expiryTenths(raw string) (int32, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	if ms <= 0 {
		return 0, errNonPositiveExpiry
	}
	tenths := ms / 100
	switch {
	case tenths == 0:
		return 1, nil
	case tenths > math.MaxInt32:
		return math.MaxInt32, nil
	}
	return int32(tenths), nil
}
