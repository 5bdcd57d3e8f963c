// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Command pgcdc tails a PostgreSQL logical replication stream and
// publishes committed row changes onto Kafka topics, per spec.md.
package main

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"

	"github.com/sourcegraph/conc/pool"

	"github.com/z5labs/pgcdc/cdcconfig"
	"github.com/z5labs/pgcdc/kafkasink"
	"github.com/z5labs/pgcdc/pipeline"
	"github.com/z5labs/pgcdc/queue"
	"github.com/z5labs/pgcdc/source"
)

//go:embed config.yaml
var configBytes []byte

func main() {
	queue.Run(bytes.NewReader(configBytes), Init)
}

// Init wires a cdcconfig.Config into a Source, a Kafka producer, and a
// pipeline.Processor. Replication connect and the Kafka metadata probe are
// independent of one another, so they run concurrently through a bounded
// pool — the one place this agent fans out beyond its fixed two-goroutine
// steady state, and only for the duration of startup.
func Init(ctx context.Context, cfg cdcconfig.Config) (*queue.App, error) {
	startLSN, err := cfg.Source.LSN()
	if err != nil {
		return nil, err
	}

	kafkaCfg, err := cfg.KafkaConfig()
	if err != nil {
		return nil, fmt.Errorf("pgcdc: build kafka config: %w", err)
	}

	prod, err := kafkasink.New(kafkaCfg)
	if err != nil {
		return nil, fmt.Errorf("pgcdc: build kafka producer: %w", err)
	}

	src := source.New(cfg.Source.SlotName, cfg.Source.PublicationName, cfg.Source.Tables)
	proc := pipeline.New(src, cfg.RouteTable(), prod, cfg.PipelineConfig())

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		return src.Connect(ctx, cfg.Source.ConnString, startLSN)
	})
	p.Go(func(ctx context.Context) error {
		return proc.Initialize(ctx)
	})
	if err := p.Wait(); err != nil {
		return nil, fmt.Errorf("pgcdc: startup failed: %w", err)
	}

	return queue.NewApp(proc), nil
}
