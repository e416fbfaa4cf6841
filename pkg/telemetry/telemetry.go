// Package telemetry publishes per-transaction outcomes for an observing
// process, entirely outside the wire protocol itself: a Host with no
// telemetry attached behaves exactly as if this package didn't exist.
package telemetry

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"

	"github.com/corvid/crowhost/pkg/crow"
)

// record is the CBOR-encoded shape published for each transaction. Field
// names are short since this travels over the wire to any subscriber.
type record struct {
	Addr     int    `cbor:"addr"`
	Port     int    `cbor:"port"`
	Token    int    `cbor:"token"`
	Outcome  string `cbor:"outcome"`
	Bytes    int    `cbor:"bytes"`
	MicrosRT int64  `cbor:"us"`
}

// Publisher implements crow.TransactionObserver by CBOR-encoding each
// Telemetry record and publishing it on a Redis channel, mirroring the
// service's WriteAndPublish* pattern of pairing a CBOR payload with a
// pub/sub announcement.
type Publisher struct {
	client  *redis.Client
	ctx     context.Context
	channel string
}

// NewPublisher returns a Publisher that publishes to channel over the
// Redis server at addr.
func NewPublisher(addr, password string, db int, channel string) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("telemetry: connect to redis: %w", err)
	}
	return &Publisher{client: client, ctx: ctx, channel: channel}, nil
}

// Observe implements crow.TransactionObserver. Publish failures are
// swallowed (telemetry is best-effort and must never fail a transaction);
// Publisher does not report them to its caller in any other way.
func (p *Publisher) Observe(t crow.Telemetry) {
	_ = p.publish(t)
}

func (p *Publisher) publish(t crow.Telemetry) error {
	rec := record{
		Addr:     t.Address,
		Port:     t.Port,
		Token:    t.Token,
		Outcome:  t.Outcome,
		Bytes:    t.Bytes,
		MicrosRT: t.Duration.Microseconds(),
	}
	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("telemetry: marshal: %w", err)
	}
	return p.client.Publish(p.ctx, p.channel, data).Err()
}

// Close closes the underlying Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
