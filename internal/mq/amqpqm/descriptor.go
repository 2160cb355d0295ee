package amqpqm

import (
	"strconv"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/deliveryhero/asya/asya-mqbridge/internal/mq"
)

// formatHeader carries the message format tag across the broker.
const formatHeader = "x-mq-format"

func publishingFor(md *mq.MessageDescriptor, body []byte) amqp.Publishing {
	pub := amqp.Publishing{
		Headers:      amqp.Table{formatHeader: md.Format},
		ContentType:  "application/octet-stream",
		DeliveryMode: deliveryMode(md.Persistence),
		MessageId:    mq.BytesToHex(md.MsgID),
		Timestamp:    md.PutTime,
		Body:         body,
	}
	if md.Format == mq.FormatString {
		pub.ContentType = "text/plain; charset=utf-8"
	}
	if !mq.IsZeroID(md.CorrelID) {
		pub.CorrelationId = mq.BytesToHex(md.CorrelID)
	}
	if md.Expiry > 0 {
		pub.Expiration = strconv.FormatInt(int64(md.Expiry)*100, 10)
	}
	if md.ReplyToQ != "" {
		pub.ReplyTo = md.ReplyToQ
		if md.ReplyToQMgr != "" {
			pub.ReplyTo += "@" + md.ReplyToQMgr
		}
	}
	return pub
}

func deliveryMode(p mq.Persistence) uint8 {
	if p == mq.NotPersistent {
		return amqp.Transient
	}
	return amqp.Persistent
}

// descriptorFrom fills md from a delivery. Identifiers written by other producers that are
// not hex are carried as their raw bytes.
func descriptorFrom(d amqp.Delivery, md *mq.MessageDescriptor) {
	*md = *mq.NewMessageDescriptor()
	md.MsgID = identifier(d.MessageId)
	md.CorrelID = identifier(d.CorrelationId)
	md.PutTime = d.Timestamp

	if format, ok := d.Headers[formatHeader].(string); ok {
		md.Format = format
	} else if strings.HasPrefix(d.ContentType, "text/") {
		md.Format = mq.FormatString
	}

	switch d.DeliveryMode {
	case amqp.Persistent:
		md.Persistence = mq.Persistent
	case amqp.Transient:
		md.Persistence = mq.NotPersistent
	}

	if ms, err := strconv.ParseInt(d.Expiration, 10, 64); err == nil && ms >= 0 {
		md.Expiry = int32(ms / 100)
	}

	if d.ReplyTo != "" {
		q, qmgr, _ := strings.Cut(d.ReplyTo, "@")
		md.ReplyToQ = q
		md.ReplyToQMgr = qmgr
	}
}

func identifier(s string) []byte {
	id := make([]byte, mq.IDLength)
	if s == "" {
		return id
	}
	if decoded, err := mq.HexToBytes(s); err == nil {
		return decoded
	}
	copy(id, s)
	return id
}
