// Package gateway hands settlement callback events to the merchant notifier
// over a message broker.
package gateway

import (
	"context"

	"go.uber.org/zap"
)

// Publisher delivers one encoded callback event. key identifies the
// transaction and is used for routing or partitioning.
type Publisher interface {
	Publish(ctx context.Context, key string, payload []byte) error
	Close() error
}

// LogPublisher writes events to the log instead of a broker. It is used when
// no broker is configured.
type LogPublisher struct{}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{}
}

func (p *LogPublisher) Publish(_ context.Context, key string, payload []byte) error {
	zap.L().Info("callback event published to log", zap.String("transaction_id", key), zap.ByteString("payload", payload))
	return nil
}

func (p *LogPublisher) Close() error { return nil }
