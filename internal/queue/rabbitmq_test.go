package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/queuecraft/internal/domain"
)

func TestPublishWhileDisconnected(t *testing.T) {
	b := NewBroker("amqp://127.0.0.1:1/", Topology{Queue: "q"}, time.Millisecond, zaptest.NewLogger(t))
	defer b.Close()
	assert.False(t, b.Connected())
	assert.ErrorIs(t, b.Publish(context.Background(), Message{JobID: "j1"}), domain.ErrBrokerUnavailable)
	_, err := b.Stats(context.Background())
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)
}

func nextDelivery(t *testing.T, ch <-chan amqp.Delivery) amqp.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return amqp.Delivery{}
}

// Runs against a live broker when QUEUECRAFT_TEST_RABBITMQ is set.
func TestBrokerReconnectIntegration(t *testing.T) {
	url := os.Getenv("QUEUECRAFT_TEST_RABBITMQ")
	if url == "" {
		t.Skip("QUEUECRAFT_TEST_RABBITMQ not set")
	}
	suffix := uuid.NewString()[:8]
	top := Topology{
		Queue:         "it-jobs-" + suffix,
		DLXExchange:   "it-dlx-" + suffix,
		DLQName:       "it-dlq-" + suffix,
		DLQRoutingKey: "it-routing-key",
		Prefetch:      1,
	}
	b := NewBroker(url, top, 100*time.Millisecond, zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	require.NoError(t, b.Connect(ctx))
	require.True(t, b.Connected())
	defer func() {
		if ch, err := b.tempChannel(); err == nil {
			_, _ = ch.QueueDelete(top.Queue, false, false, false)
			_, _ = ch.QueueDelete(top.DLQName, false, false, false)
			_ = ch.ExchangeDelete(top.DLXExchange, false, false)
			_ = ch.Close()
		}
		b.Close()
	}()

	consumeCtx, stop := context.WithCancel(ctx)
	deliveries := make(chan amqp.Delivery, 4)
	consumed := make(chan error, 1)
	go func() { consumed <- b.Consume(consumeCtx, func(d amqp.Delivery) { deliveries <- d }) }()
	defer func() {
		stop()
		<-consumed
	}()

	require.NoError(t, b.Publish(ctx, Message{JobID: "it-1", Name: "ok-job", OwnerID: "u1"}))
	first := nextDelivery(t, deliveries)
	m, err := Decode(first)
	require.NoError(t, err)
	assert.Equal(t, "it-1", m.JobID)
	assert.False(t, first.Redelivered)

	// Drop the connection with the first delivery still unacked.
	conn, _, _, _ := b.state()
	require.NoError(t, conn.Close())
	assert.False(t, b.Connected())
	require.Eventually(t, b.Connected, 10*time.Second, 20*time.Millisecond)

	again := nextDelivery(t, deliveries)
	m, err = Decode(again)
	require.NoError(t, err)
	assert.Equal(t, "it-1", m.JobID)
	assert.True(t, again.Redelivered)
	assert.True(t, m.Redelivered)
	require.NoError(t, again.Ack(false))

	require.NoError(t, b.Publish(ctx, Message{JobID: "it-2", Name: "ok-job", OwnerID: "u1", RetryCount: 1}))
	next := nextDelivery(t, deliveries)
	m, err = Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "it-2", m.JobID)
	assert.Equal(t, 1, m.RetryCount)
	require.NoError(t, next.Ack(false))

	require.Eventually(t, func() bool {
		s, err := b.Stats(ctx)
		return err == nil && s.Main.Messages == 0 && s.Main.Consumers == 1
	}, 5*time.Second, 50*time.Millisecond)
}
