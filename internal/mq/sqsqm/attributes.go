package sqsqm

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/deliveryhero/asya/asya-mqbridge/internal/mq"
)

// Message attributes carrying the descriptor.
const (
	attrMsgID       = "MQMsgId"
	attrCorrelID    = "MQCorrelId"
	attrFormat      = "MQFormat"
	attrPersistence = "MQPersistence"
	attrExpiry      = "MQExpiry"
	attrExpiresAt   = "MQExpiresAt"
	attrReplyTo     = "MQReplyTo"
	attrEncoding    = "MQEncoding"
)

// Body encodings. SQS bodies must be non-empty valid text.
const (
	encodingBase64 = "base64"
	encodingEmpty  = "empty"
	emptyBody      = "-"
)

func stringAttr(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

func numberAttr(v int64) types.MessageAttributeValue {
	return types.MessageAttributeValue{DataType: aws.String("Number"), StringValue: aws.String(strconv.FormatInt(v, 10))}
}

// encode renders a descriptor and body as an SQS message body and attributes.
func encode(md *mq.MessageDescriptor, body []byte) (string, map[string]types.MessageAttributeValue) {
	attrs := map[string]types.MessageAttributeValue{
		attrMsgID:       stringAttr(mq.BytesToHex(md.MsgID)),
		attrPersistence: numberAttr(int64(md.Persistence)),
		attrExpiry:      numberAttr(int64(md.Expiry)),
	}
	if md.Format != "" {
		attrs[attrFormat] = stringAttr(md.Format)
	}
	if !mq.IsZeroID(md.CorrelID) {
		attrs[attrCorrelID] = stringAttr(mq.BytesToHex(md.CorrelID))
	}
	if md.Expiry > 0 {
		expiresAt := md.PutTime.Add(time.Duration(md.Expiry) * 100 * time.Millisecond)
		attrs[attrExpiresAt] = numberAttr(expiresAt.UnixMilli())
	}
	if md.ReplyToQ != "" {
		replyTo := md.ReplyToQ
		if md.ReplyToQMgr != "" {
			replyTo += "@" + md.ReplyToQMgr
		}
		attrs[attrReplyTo] = stringAttr(replyTo)
	}

	switch {
	case len(body) == 0:
		attrs[attrEncoding] = stringAttr(encodingEmpty)
		return emptyBody, attrs
	case md.Format == mq.FormatString && utf8.Valid(body):
		return string(body), attrs
	default:
		attrs[attrEncoding] = stringAttr(encodingBase64)
		return base64.StdEncoding.EncodeToString(body), attrs
	}
}

// decoded is a received message mapped back onto the protocol.
type decoded struct {
	md        mq.MessageDescriptor
	body      []byte
	expiresAt time.Time
}

func (d *decoded) expired(now time.Time) bool {
	return !d.expiresAt.IsZero() && now.After(d.expiresAt)
}

func decode(msg types.Message) (*decoded, error) {
	out := &decoded{md: *mq.NewMessageDescriptor()}
	attrs := msg.MessageAttributes

	out.md.MsgID = identifier(attrValue(attrs, attrMsgID), aws.ToString(msg.MessageId))
	out.md.CorrelID = identifier(attrValue(attrs, attrCorrelID), "")
	out.md.Format = attrValue(attrs, attrFormat)

	if v, err := strconv.ParseInt(attrValue(attrs, attrPersistence), 10, 32); err == nil {
		out.md.Persistence = mq.Persistence(v)
	}
	if v, err := strconv.ParseInt(attrValue(attrs, attrExpiry), 10, 32); err == nil {
		out.md.Expiry = int32(v)
	}
	if v, err := strconv.ParseInt(attrValue(attrs, attrExpiresAt), 10, 64); err == nil {
		out.expiresAt = time.UnixMilli(v)
	}
	if replyTo := attrValue(attrs, attrReplyTo); replyTo != "" {
		out.md.ReplyToQ, out.md.ReplyToQMgr, _ = strings.Cut(replyTo, "@")
	}
	if v, err := strconv.ParseInt(msg.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)], 10, 64); err == nil {
		out.md.PutTime = time.UnixMilli(v)
	}

	body := aws.ToString(msg.Body)
	switch attrValue(attrs, attrEncoding) {
	case encodingEmpty:
		out.body = []byte{}
	case encodingBase64:
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return nil, fmt.Errorf("failed to decode message body: %w", err)
		}
		out.body = raw
	default:
		out.body = []byte(body)
		if _, ok := attrs[attrFormat]; !ok {
			// Plain text from a foreign producer.
			out.md.Format = mq.FormatString
		}
	}
	return out, nil
}

func attrValue(attrs map[string]types.MessageAttributeValue, name string) string {
	v, ok := attrs[name]
	if !ok {
		return ""
	}
	return aws.ToString(v.StringValue)
}

// identifier decodes a hex attribute, falling back to the raw bytes of fallback.
func identifier(hexID, fallback string) []byte {
	if hexID != "" {
		if id, err := mq.HexToBytes(hexID); err == nil {
			return id
		}
		fallback = hexID
	}
	id := make([]byte, mq.IDLength)
	copy(id, fallback)
	return id
}
