package amqpqm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var errPoolClosed = errors.New("channel pool is closed")

const (
	defaultPoolSize = 4
	dialBackoffBase = 500 * time.Millisecond
	dialBackoffMax  = 8 * time.Second
)

// dialBroker connects to the broker, doubling the pause between failed attempts.
func dialBroker(ctx context.Context, url string, cfg amqp.Config, attempts int) (*amqp.Connection, error) {
	if attempts < 1 {
		attempts = 1
	}

	pause := dialBackoffBase
	for n := 1; ; n++ {
		conn, err := amqp.DialConfig(url, cfg)
		if err == nil {
			return conn, nil
		}
		if n == attempts {
			return nil, fmt.Errorf("dial broker (%d attempts): %w", attempts, err)
		}

		slog.Warn("Broker dial failed", "attempt", n, "of", attempts, "retryIn", pause, "error", err)
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial broker: %w", ctx.Err())
		case <-timer.C:
		}
		pause = min(2*pause, dialBackoffMax)
	}
}

// channelPool leases AMQP channels of a single connection. A channel is never
// shared between two open handles.
type channelPool struct {
	conn *amqp.Connection
	idle chan *amqp.Channel
	done chan struct{}
	once sync.Once
}

func newChannelPool(ctx context.Context, url string, cfg amqp.Config, size, attempts int) (*channelPool, error) {
	if size <= 0 {
		size = defaultPoolSize
	}

	conn, err := dialBroker(ctx, url, cfg, attempts)
	if err != nil {
		return nil, err
	}

	p := &channelPool{
		conn: conn,
		idle: make(chan *amqp.Channel, size),
		done: make(chan struct{}),
	}
	for len(p.idle) < size {
		ch, err := conn.Channel()
		if err != nil {
			_ = p.shutdown()
			return nil, fmt.Errorf("open channel %d of %d: %w", len(p.idle)+1, size, err)
		}
		p.idle <- ch
	}

	slog.Info("Broker connected", "channels", size)
	return p, nil
}

// acquire leases an idle channel, waiting while all are in use. A leased channel that
// the broker has closed since its last use is swapped for a fresh one.
func (p *channelPool) acquire(ctx context.Context) (*amqp.Channel, error) {
	select {
	case <-p.done:
		return nil, errPoolClosed
	default:
	}

	var ch *amqp.Channel
	select {
	case ch = <-p.idle:
	case <-p.done:
		return nil, errPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if !ch.IsClosed() {
		return ch, nil
	}
	fresh, err := p.conn.Channel()
	if err != nil {
		p.idle <- ch
		return nil, fmt.Errorf("reopen channel: %w", err)
	}
	return fresh, nil
}

// release ends a lease. After shutdown the channel is closed instead.
func (p *channelPool) release(ch *amqp.Channel) {
	if ch == nil {
		return
	}
	select {
	case <-p.done:
		_ = ch.Close()
		return
	default:
	}
	select {
	case p.idle <- ch:
	default:
		_ = ch.Close()
	}
}

// shutdown closes idle channels and the connection. Leased channels are closed as
// they are released.
func (p *channelPool) shutdown() error {
	var err error
	p.once.Do(func() {
		close(p.done)
	drain:
		for {
			select {
			case ch := <-p.idle:
				if !ch.IsClosed() {
					_ = ch.Close()
				}
			default:
				break drain
			}
		}
		if !p.conn.IsClosed() {
			err = p.conn.Close()
		}
	})
	return err
}

