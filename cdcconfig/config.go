// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package cdcconfig defines the configuration surface described in §6: the
// PostgreSQL source, the Kafka sink, the stream routing table, and the
// runtime tunables, layered on top of the queue package's OTel/lifecycle
// configuration.
package cdcconfig

import (
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/z5labs/pgcdc/event"
	"github.com/z5labs/pgcdc/kafkasink"
	"github.com/z5labs/pgcdc/pipeline"
	"github.com/z5labs/pgcdc/queue"
	"github.com/z5labs/pgcdc/routing"
)

// SourceConfig describes the upstream PostgreSQL connection and the subset
// of its tables this agent replicates, per §6.
type SourceConfig struct {
	ConnString      string   `config:"conn_string"`
	SlotName        string   `config:"slot_name"`
	PublicationName string   `config:"publication_name"`
	Tables          []string `config:"tables"`

	// StartLSN is the text-form LSN (§6's "HHHH/HHHH") replication resumes
	// from. Empty means "from the slot's confirmed position" (LSN 0, which
	// pglogrepl and the server both treat as "use the slot's position").
	StartLSN string `config:"start_lsn"`
}

// LSN parses StartLSN, defaulting to 0 when unset.
func (c SourceConfig) LSN() (pglogrepl.LSN, error) {
	if c.StartLSN == "" {
		return 0, nil
	}
	lsn, err := pglogrepl.ParseLSN(c.StartLSN)
	if err != nil {
		return 0, fmt.Errorf("cdcconfig: parse start_lsn %q: %w", c.StartLSN, err)
	}
	return lsn, nil
}

// TLSConfig mirrors [kafkasink.TLSConfig] with config tags for file-backed
// material; PEM-encoded inline material is accepted only programmatically.
type TLSConfig struct {
	CertFile   string `config:"cert_file"`
	KeyFile    string `config:"key_file"`
	CAFile     string `config:"ca_file"`
	ServerName string `config:"server_name"`
}

func (c *TLSConfig) toKafkasink() *kafkasink.TLSConfig {
	if c == nil {
		return nil
	}
	return &kafkasink.TLSConfig{
		CertFile:   c.CertFile,
		KeyFile:    c.KeyFile,
		CAFile:     c.CAFile,
		ServerName: c.ServerName,
	}
}

// SinkConfig describes the downstream Kafka cluster, per §6.
type SinkConfig struct {
	Brokers     []string   `config:"brokers"`
	Compression string     `config:"compression"`
	TLS         *TLSConfig `config:"tls"`
}

func (c SinkConfig) compressionCodec() (kafkasink.CompressionCodec, error) {
	switch c.Compression {
	case "", "none":
		return kafkasink.NoCompression(), nil
	case "gzip":
		return kafkasink.GzipCompression(), nil
	case "snappy":
		return kafkasink.SnappyCompression(), nil
	case "lz4":
		return kafkasink.Lz4Compression(), nil
	case "zstd":
		return kafkasink.ZstdCompression(), nil
	default:
		return kafkasink.CompressionCodec{}, fmt.Errorf("cdcconfig: unknown compression codec %q", c.Compression)
	}
}

// toKafkasink builds a [kafkasink.Config] from c and rt's linger/batch
// knobs, copied as given; zero knobs are defaulted later by kafkasink.New.
func (c SinkConfig) toKafkasink(rt RuntimeConfig) (kafkasink.Config, error) {
	codec, err := c.compressionCodec()
	if err != nil {
		return kafkasink.Config{}, err
	}
	return kafkasink.Config{
		Brokers:            c.Brokers,
		Compression:        []kafkasink.CompressionCodec{codec},
		TLS:                c.TLS.toKafkasink(),
		Linger:             rt.Linger,
		BatchMaxBytes:      rt.BatchMaxBytes,
		MaxBufferedRecords: rt.MaxBufferedRecords,
	}, nil
}

// StreamConfig is one configured route, per §6: which source table's
// operations flow to which Kafka topic, and how the partition key is
// computed.
type StreamConfig struct {
	SourceTable      string   `config:"source_table"`
	Operations       []string `config:"operations"`
	DestinationTopic string   `config:"destination_topic"`
	RoutingKeyField  string   `config:"routing_key_field"`
}

func (c StreamConfig) toRoute() routing.Route {
	ops := make([]event.Op, len(c.Operations))
	for i, op := range c.Operations {
		ops[i] = event.Op(op)
	}
	return routing.Route{
		SourceTable:      c.SourceTable,
		Operations:       ops,
		DestinationTopic: c.DestinationTopic,
		RoutingKeyField:  c.RoutingKeyField,
	}
}

// RuntimeConfig holds the tunables of §6: batch size/wait, flush
// timeout/interval, and the producer's linger/batch-size knobs.
type RuntimeConfig struct {
	BatchSize     int           `config:"batch_size"`
	BatchWait     time.Duration `config:"batch_wait"`
	FlushTimeout  time.Duration `config:"flush_timeout"`
	FlushInterval time.Duration `config:"flush_interval"`

	Linger             time.Duration `config:"linger"`
	BatchMaxBytes      int32         `config:"batch_max_bytes"`
	MaxBufferedRecords int           `config:"max_buffered_records"`
}

func (c RuntimeConfig) toPipeline() pipeline.Config {
	return pipeline.Config{
		BatchSize:     c.BatchSize,
		BatchWait:     c.BatchWait,
		FlushTimeout:  c.FlushTimeout,
		FlushInterval: c.FlushInterval,
	}
}

// Config is the complete configuration surface for the pgcdc core,
// embedding [queue.Config] for OTel/lifecycle per the ambient stack.
type Config struct {
	queue.Config `config:",squash"`

	Source  SourceConfig   `config:"source"`
	Sink    SinkConfig     `config:"sink"`
	Streams []StreamConfig `config:"streams"`
	Runtime RuntimeConfig  `config:"runtime"`
}

// RouteTable builds the [routing.Table] described by Streams.
func (c Config) RouteTable() routing.Table {
	table := make(routing.Table, len(c.Streams))
	for i, s := range c.Streams {
		table[i] = s.toRoute()
	}
	return table
}

// KafkaConfig builds the [kafkasink.Config] described by Sink and Runtime.
func (c Config) KafkaConfig() (kafkasink.Config, error) {
	return c.Sink.toKafkasink(c.Runtime)
}

// PipelineConfig builds the [pipeline.Config] described by Runtime.
func (c Config) PipelineConfig() pipeline.Config {
	return c.Runtime.toPipeline()
}
