package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/queuecraft/internal/domain"
)

type ackCall struct {
	op      string
	requeue bool
}

type fakeAck struct {
	mu    sync.Mutex
	calls []ackCall
}

func (a *fakeAck) record(c ackCall) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, c)
	return nil
}

func (a *fakeAck) Ack(uint64, bool) error { return a.record(ackCall{op: "ack"}) }
func (a *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	return a.record(ackCall{op: "nack", requeue: requeue})
}
func (a *fakeAck) Reject(_ uint64, requeue bool) error {
	return a.record(ackCall{op: "reject", requeue: requeue})
}

func (a *fakeAck) only(t *testing.T) ackCall {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.Len(t, a.calls, 1)
	return a.calls[0]
}

type fakeHandler struct {
	process    error
	retry      error
	deadLetter error

	retried []Message
	dead    []Message
}

func (h *fakeHandler) Process(context.Context, Message) error { return h.process }
func (h *fakeHandler) Retry(_ context.Context, m Message) error {
	h.retried = append(h.retried, m)
	return h.retry
}
func (h *fakeHandler) DeadLetter(_ context.Context, m Message, _ error) error {
	h.dead = append(h.dead, m)
	return h.deadLetter
}

type fakePub struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (p *fakePub) Publish(_ context.Context, m Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, m)
	return nil
}

func (p *fakePub) sent() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.msgs...)
}

type scheduled struct {
	m     Message
	delay time.Duration
}

type fakeDelay struct {
	got []scheduled
	err error
}

func (d *fakeDelay) Schedule(_ context.Context, m Message, delay time.Duration) error {
	if d.err != nil {
		return d.err
	}
	d.got = append(d.got, scheduled{m, delay})
	return nil
}
func (d *fakeDelay) Close() error { return nil }

func delivery(t *testing.T, ack amqp.Acknowledger, m Message) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(m)
	require.NoError(t, err)
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Body:         body,
		Headers:      amqp.Table{HeaderRetryCount: int32(m.RetryCount), HeaderJobID: m.JobID},
	}
}

func newConsumer(t *testing.T, h Handler, pub Publisher, d Delayer) *Consumer {
	return NewConsumer(nil, pub, d, h, Policy{MaxRetries: 3, BaseDelay: 5 * time.Second}, zaptest.NewLogger(t))
}

var execFailed = fmt.Errorf("%w: boom", domain.ErrExecutionFailed)

func TestConsumerOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		h       fakeHandler
		retry   int
		outcome Outcome
		ack     ackCall
	}{
		{"success", fakeHandler{}, 0, Acked, ackCall{op: "ack"}},
		{"stale", fakeHandler{process: domain.ErrStaleDelivery}, 1, Acked, ackCall{op: "ack"}},
		{"failure retried", fakeHandler{process: execFailed}, 0, Retried, ackCall{op: "ack"}},
		{"last retry", fakeHandler{process: execFailed}, 2, Retried, ackCall{op: "ack"}},
		{"exhausted", fakeHandler{process: execFailed}, 3, DeadLettered, ackCall{op: "nack"}},
		{"infra", fakeHandler{process: domain.ErrStoreUnavailable}, 0, Requeued, ackCall{op: "nack", requeue: true}},
		{"retry stale", fakeHandler{process: execFailed, retry: domain.ErrStaleDelivery}, 0, Acked, ackCall{op: "ack"}},
		{"retry infra", fakeHandler{process: execFailed, retry: domain.ErrStoreUnavailable}, 0, Requeued, ackCall{op: "nack", requeue: true}},
		{"dlq stale", fakeHandler{process: execFailed, deadLetter: domain.ErrStaleDelivery}, 3, Acked, ackCall{op: "ack"}},
		{"dlq infra", fakeHandler{process: execFailed, deadLetter: domain.ErrStoreUnavailable}, 3, Requeued, ackCall{op: "nack", requeue: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &fakeAck{}
			delay := &fakeDelay{}
			h := tt.h
			c := newConsumer(t, &h, &fakePub{}, delay)

			got := c.Handle(context.Background(), delivery(t, ack, Message{JobID: "j1", RetryCount: tt.retry}))
			assert.Equal(t, tt.outcome, got)
			assert.Equal(t, tt.ack, ack.only(t))

			if tt.outcome == Retried {
				require.Len(t, delay.got, 1)
				assert.Equal(t, tt.retry+1, delay.got[0].m.RetryCount)
				assert.Equal(t, RetryDelay(5*time.Second, tt.retry), delay.got[0].delay)
			} else {
				assert.Empty(t, delay.got)
			}
		})
	}
}

func TestConsumerBackoffSchedule(t *testing.T) {
	delay := &fakeDelay{}
	c := newConsumer(t, &fakeHandler{process: execFailed}, &fakePub{}, delay)
	for i := 0; i < 3; i++ {
		c.Handle(context.Background(), delivery(t, &fakeAck{}, Message{JobID: "j1", RetryCount: i}))
	}
	require.Len(t, delay.got, 3)
	assert.Equal(t, 5*time.Second, delay.got[0].delay)
	assert.Equal(t, 10*time.Second, delay.got[1].delay)
	assert.Equal(t, 20*time.Second, delay.got[2].delay)
}

func TestConsumerPublishesNowWhenScheduleFails(t *testing.T) {
	pub := &fakePub{}
	c := newConsumer(t, &fakeHandler{process: execFailed}, pub, &fakeDelay{err: errors.New("redis down")})

	got := c.Handle(context.Background(), delivery(t, &fakeAck{}, Message{JobID: "j1"}))
	assert.Equal(t, Retried, got)
	require.Len(t, pub.sent(), 1)
	assert.Equal(t, 1, pub.sent()[0].RetryCount)
}

func TestConsumerRejectsGarbage(t *testing.T) {
	ack := &fakeAck{}
	c := newConsumer(t, &fakeHandler{}, &fakePub{}, &fakeDelay{})
	got := c.Handle(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte("nope")})
	assert.Equal(t, Rejected, got)
	assert.Equal(t, ackCall{op: "reject"}, ack.only(t))
}

type fakeSource struct{ deliveries []amqp.Delivery }

func (s fakeSource) Consume(ctx context.Context, fn func(amqp.Delivery)) error {
	for _, d := range s.deliveries {
		fn(d)
	}
	<-ctx.Done()
	return nil
}

func TestConsumerRunDrainsInFlight(t *testing.T) {
	acks := make([]*fakeAck, 5)
	src := fakeSource{}
	for i := range acks {
		acks[i] = &fakeAck{}
		src.deliveries = append(src.deliveries, delivery(t, acks[i], Message{JobID: fmt.Sprint(i)}))
	}
	c := NewConsumer(src, &fakePub{}, &fakeDelay{}, &fakeHandler{}, Policy{MaxRetries: 3}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	for _, a := range acks {
		assert.Equal(t, ackCall{op: "ack"}, a.only(t))
	}
}
