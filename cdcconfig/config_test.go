// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package cdcconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceConfig_LSN(t *testing.T) {
	t.Run("empty start_lsn defaults to zero", func(t *testing.T) {
		lsn, err := SourceConfig{}.LSN()
		require.NoError(t, err)
		assert.Zero(t, lsn)
	})

	t.Run("parses the HHHH/HHHH text form", func(t *testing.T) {
		lsn, err := SourceConfig{StartLSN: "16/B374D848"}.LSN()
		require.NoError(t, err)
		assert.NotZero(t, lsn)
	})

	t.Run("rejects malformed text", func(t *testing.T) {
		_, err := SourceConfig{StartLSN: "not-an-lsn"}.LSN()
		assert.Error(t, err)
	})
}

func TestSinkConfig_ToKafkasink(t *testing.T) {
	t.Run("unknown compression codec is an error", func(t *testing.T) {
		cfg := SinkConfig{Brokers: []string{"localhost:9092"}, Compression: "bogus"}
		_, err := cfg.toKafkasink(RuntimeConfig{})
		assert.Error(t, err)
	})

	t.Run("carries brokers and runtime-tuned knobs through", func(t *testing.T) {
		cfg := SinkConfig{Brokers: []string{"b1:9092", "b2:9092"}}
		kcfg, err := cfg.toKafkasink(RuntimeConfig{BatchMaxBytes: 1024})
		require.NoError(t, err)
		assert.Equal(t, []string{"b1:9092", "b2:9092"}, kcfg.Brokers)
		assert.EqualValues(t, 1024, kcfg.BatchMaxBytes)
	})
}

func TestConfig_RouteTable(t *testing.T) {
	cfg := Config{
		Streams: []StreamConfig{
			{SourceTable: "users", Operations: []string{"INSERT", "UPDATE"}, DestinationTopic: "topic.users"},
		},
	}

	table := cfg.RouteTable()
	require.Len(t, table, 1)
	assert.Equal(t, "users", table[0].SourceTable)
	assert.Equal(t, "topic.users", table[0].DestinationTopic)
}
