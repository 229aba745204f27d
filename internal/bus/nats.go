package bus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// natsConn is the part of *nats.Conn the publisher uses.
type natsConn interface {
	PublishMsg(m *nats.Msg) error
}

// HeaderMonoTime carries the event's monotonic timestamp in nanoseconds.
const HeaderMonoTime = "Replay-Mono-Time"

// NATSPublisher publishes each message to <prefix>.<channel> with the raw payload as
// body and the monotonic timestamp in a header.
type NATSPublisher struct {
	conn       natsConn
	prefix     string
	maxRetries int
}

var _ natsConn = (*nats.Conn)(nil)

func NewNATSPublisher(conn *nats.Conn, prefix string, maxRetries int) *NATSPublisher {
	return newNATSPublisher(conn, prefix, maxRetries)
}

func newNATSPublisher(conn natsConn, prefix string, maxRetries int) *NATSPublisher {
	return &NATSPublisher{
		conn:       conn,
		prefix:     strings.TrimSuffix(prefix, "."),
		maxRetries: maxRetries,
	}
}

// Subject returns the NATS subject a channel is published on.
func (p *NATSPublisher) Subject(channel string) string {
	if p.prefix == "" {
		return channel
	}
	return p.prefix + "." + channel
}

func (p *NATSPublisher) Publish(ctx context.Context, msg Message) error {
	subject := p.Subject(msg.Channel)
	m := nats.NewMsg(subject)
	m.Data = msg.Data
	for k, v := range msg.Header {
		m.Header.Set(k, v)
	}
	m.Header.Set(HeaderMonoTime, strconv.FormatUint(msg.MonoTime, 10))

	var err error
	for i := 0; i <= p.maxRetries; i++ {
		err = p.conn.PublishMsg(m)
		if err == nil {
			return nil
		}

		// Backoff
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i*100) * time.Millisecond):
		}
	}

	return fmt.Errorf("publish %s failed after %d retries: %w", subject, p.maxRetries, err)
}
