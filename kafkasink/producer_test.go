// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package kafkasink

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/z5labs/pgcdc/concurrent"
)

// newTestProducer builds a Producer with no live kgo.Client, enough to
// exercise the topic-handle cache in isolation from New's network setup.
func newTestProducer() *Producer {
	return &Producer{
		log:    slog.New(slog.DiscardHandler),
		topics: concurrent.NewCache[string, *topicHandle](),
	}
}

func TestProducer_TopicStats(t *testing.T) {
	t.Run("unknown topic reports zero", func(t *testing.T) {
		p := newTestProducer()
		sent, failed := p.TopicStats("topic.never-touched")
		assert.Zero(t, sent)
		assert.Zero(t, failed)
	})

	t.Run("tracks sent and failed counts per topic independently", func(t *testing.T) {
		p := newTestProducer()

		usersHandle, _ := p.topics.GetOr("topic.users", func() (*topicHandle, error) {
			return &topicHandle{}, nil
		})
		usersHandle.sent.Add(3)
		usersHandle.failed.Add(1)

		ordersHandle, _ := p.topics.GetOr("topic.orders", func() (*topicHandle, error) {
			return &topicHandle{}, nil
		})
		ordersHandle.sent.Add(5)

		sent, failed := p.TopicStats("topic.users")
		assert.EqualValues(t, 3, sent)
		assert.EqualValues(t, 1, failed)

		sent, failed = p.TopicStats("topic.orders")
		assert.EqualValues(t, 5, sent)
		assert.Zero(t, failed)
	})

	t.Run("repeated GetOr on the same topic reuses one handle", func(t *testing.T) {
		p := newTestProducer()

		h1, _ := p.topics.GetOr("topic.users", func() (*topicHandle, error) {
			return &topicHandle{}, nil
		})
		h1.sent.Add(1)

		h2, _ := p.topics.GetOr("topic.users", func() (*topicHandle, error) {
			return &topicHandle{}, nil
		})
		h2.sent.Add(1)

		sent, _ := p.TopicStats("topic.users")
		assert.EqualValues(t, 2, sent, "both calls must share the same handle")
	})
}
