// Package mq defines the queue manager protocol surface used by the bridge: connection and
// queue handles, message descriptors, option flags and reason codes, and the identifier codec.
//
// Backends live in subpackages and implement Dialer, Conn and Queue:
//   - memqm: in-process queue manager
//   - amqpqm: RabbitMQ
//   - sqsqm: AWS SQS
//   - pgqm: PostgreSQL
package mq

import (
	"context"
	"fmt"
)

// ConnectParams identifies a queue manager and the credentials used to reach it.
type ConnectParams struct {
	Host             string
	Port             int
	QueueManagerName string
	ChannelName      string
	UserID           string
	Password         string
}

// ConnectionName renders the client channel address as host(port).
func (p ConnectParams) ConnectionName() string {
	return fmt.Sprintf("%s(%d)", p.Host, p.Port)
}

// Dialer establishes client-bound connections to a queue manager.
type Dialer interface {
	Dial(ctx context.Context, params ConnectParams) (Conn, error)
}

// Conn is a live connection handle.
type Conn interface {
	// Open returns a queue handle for queueName in the given mode.
	Open(ctx context.Context, queueName string, mode OpenMode) (Queue, error)
	// Disconnect releases the connection. Open queue handles become invalid.
	Disconnect(ctx context.Context) error
}

// Queue is an open queue handle. Handles are not safe for concurrent use.
type Queue interface {
	// Get retrieves one message into buf and returns the body length. On return md holds
	// the descriptor of the retrieved message. A NO_MSG_AVAILABLE fault signals exhaustion.
	Get(ctx context.Context, md *MessageDescriptor, gmo *GetMessageOptions, buf []byte) (int, error)
	// Put writes one message. On return md carries any generated identifiers.
	Put(ctx context.Context, md *MessageDescriptor, pmo *PutMessageOptions, body []byte) error
	// Close releases the handle.
	Close(ctx context.Context) error
}
