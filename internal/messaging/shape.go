package messaging

import (
	"fmt"
	"strings"

	"github.com/deliveryhero/asya/asya-mqbridge/internal/mq"
	"github.com/deliveryhero/asya/asya-mqbridge/pkg/types"
)

// Shape selects how matched messages are rendered.
type Shape int

const (
	// ShapeList renders {messageId, messageFormat, correlationId?} entries.
	ShapeList Shape = iota
	// ShapeRaw renders full entries including the body.
	ShapeRaw
	// ShapeUnit renders the first matched body alone.
	ShapeUnit
)

func (s Shape) String() string {
	switch s {
	case ShapeList:
		return "LIST"
	case ShapeRaw:
		return "RAW"
	case ShapeUnit:
		return "UNIT"
	default:
		return fmt.Sprintf("Shape(%d)", int(s))
	}
}

// ParseShape maps LIST, RAW and UNIT (any case) to a Shape.
func ParseShape(s string) (Shape, error) {
	switch strings.ToUpper(s) {
	case "LIST":
		return ShapeList, nil
	case "RAW":
		return ShapeRaw, nil
	case "UNIT":
		return ShapeUnit, nil
	default:
		return 0, fmt.Errorf("unknown message shape %q", s)
	}
}

// message is a retrieved message with its body decoded by format.
type message struct {
	msgID    []byte
	correlID []byte
	format   string
	body     any
}

func decodeMessage(md *mq.MessageDescriptor, data []byte) message {
	format := strings.TrimRight(md.Format, " ")
	var body any
	if format == mq.FormatString {
		body = string(data)
	} else {
		body = append([]byte(nil), data...)
	}
	return message{
		msgID:    md.MsgID,
		correlID: md.CorrelID,
		format:   format,
		body:     body,
	}
}

// collector accumulates matched messages for one shape. It is chosen once per operation.
type collector interface {
	add(m message)
	result() any
}

func newCollector(shape Shape) collector {
	switch shape {
	case ShapeRaw:
		return &rawCollector{entries: []types.RawEntry{}}
	case ShapeUnit:
		return &unitCollector{}
	default:
		return &listCollector{entries: []types.ListEntry{}}
	}
}

type listCollector struct {
	entries []types.ListEntry
}

func (c *listCollector) add(m message) {
	entry := types.ListEntry{
		MessageID:     mq.BytesToHex(m.msgID),
		MessageFormat: m.format,
	}
	if !mq.IsZeroID(m.correlID) {
		entry.CorrelationID = mq.BytesToHex(m.correlID)
	}
	c.entries = append(c.entries, entry)
}

func (c *listCollector) result() any {
	return types.ListResponse{Messages: c.entries}
}

type rawCollector struct {
	entries []types.RawEntry
}

func (c *rawCollector) add(m message) {
	c.entries = append(c.entries, types.RawEntry{
		MessageID:     mq.BytesToHex(m.msgID),
		MessageFormat: m.format,
		CorrelationID: mq.BytesToHex(m.correlID),
		MessageBody:   m.body,
	})
}

func (c *rawCollector) result() any {
	return types.RawResponse{Messages: c.entries}
}

// unitCollector keeps the first body; nothing matched renders as the empty string.
type unitCollector struct {
	body  any
	found bool
}

func (c *unitCollector) add(m message) {
	if c.found {
		return
	}
	c.body = m.body
	c.found = true
}

func (c *unitCollector) result() any {
	if !c.found {
		return ""
	}
	return c.body
}
