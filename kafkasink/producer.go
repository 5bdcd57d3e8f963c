// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package kafkasink

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/z5labs/pgcdc"
	"github.com/z5labs/pgcdc/concurrent"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"github.com/twmb/franz-go/plugin/kslog"
	"go.opentelemetry.io/otel"
)

// topicHandle amortises per-topic bookkeeping the way §4.7 describes: the
// first Send to a topic allocates it, every later Send and every delivery
// callback (which runs on a franz-go internal goroutine, concurrently with
// Send) shares it.
type topicHandle struct {
	sent   atomic.Int64
	failed atomic.Int64
}

// Producer is a thin wrapper over a franz-go client realizing §4.7's
// send/flush/close contract. Every exported method is safe for
// concurrent use, matching franz-go's own thread-safety guarantees.
type Producer struct {
	client *kgo.Client
	log    *slog.Logger
	topics *concurrent.Cache[string, *topicHandle]
}

// New connects a producer client to cfg.Brokers. No network round trip
// happens here; call TestConnection to probe reachability.
func New(cfg Config) (*Producer, error) {
	cfg.finalize()

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(cfg.Compression...),
		kgo.ProducerBatchMaxBytes(cfg.BatchMaxBytes),
		kgo.ProducerLinger(cfg.Linger),
		kgo.MaxBufferedRecords(cfg.MaxBufferedRecords),
		kgo.WithLogger(kslog.New(humus.Logger("github.com/twmb/franz-go/pkg/kgo"))),
		kgo.WithHooks(
			kotel.NewTracer(
				kotel.TracerProvider(otel.GetTracerProvider()),
				kotel.TracerPropagator(otel.GetTextMapPropagator()),
			),
			kotel.NewMeter(
				kotel.MeterProvider(otel.GetMeterProvider()),
				kotel.WithMergedConnectsMeter(),
			),
		),
	}

	if cfg.TLS != nil {
		tlsCfg, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafkasink: create client: %w", err)
	}

	return &Producer{
		client: client,
		log:    humus.Logger("github.com/z5labs/pgcdc/kafkasink"),
		topics: concurrent.NewCache[string, *topicHandle](),
	}, nil
}

// TestConnection fails if no broker is currently reachable. Call once at
// startup; spec.md §4.7 requires this to fail fast before replication
// begins.
func (p *Producer) TestConnection(ctx context.Context) error {
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafkasink: test connection: %w", err)
	}
	return nil
}

// Send enqueues one record with copy semantics: payload and key are owned
// by the caller and not retained beyond this call's return. Send never
// blocks; delivery failures are logged asynchronously and do not abort the
// batch, per §7's Kafka-errors policy.
func (p *Producer) Send(ctx context.Context, topic, key string, payload []byte) {
	handle, _ := p.topics.GetOr(topic, func() (*topicHandle, error) {
		return &topicHandle{}, nil
	})
	handle.sent.Add(1)

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: append([]byte(nil), payload...),
	}

	p.client.Produce(ctx, record, func(r *kgo.Record, err error) {
		if err == nil {
			return
		}
		failed := handle.failed.Add(1)
		p.log.ErrorContext(ctx, "failed to produce record",
			slog.String("topic", r.Topic),
			slog.Any("error", err),
			slog.Int64("topic_failed_total", failed),
		)
	})
}

// TopicStats returns the number of records sent and failed so far for
// topic, or (0, 0) if nothing has been sent to it yet.
func (p *Producer) TopicStats(topic string) (sent, failed int64) {
	handle, ok := p.topics.Get(topic)
	if !ok {
		return 0, 0
	}
	return handle.sent.Load(), handle.failed.Load()
}

// Flush blocks until every record produced so far has been acknowledged
// or ctx's deadline elapses, whichever comes first.
func (p *Producer) Flush(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("kafkasink: flush: %w", err)
	}
	return nil
}

// Close performs a final bounded flush then releases the client. ctx
// bounds only the flush; the subsequent client teardown is synchronous
// and unbounded, matching kgo.Client.Close's own contract.
func (p *Producer) Close(ctx context.Context) error {
	err := p.Flush(ctx)
	p.client.Close()
	return err
}
