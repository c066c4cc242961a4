// Package queue integrates with the durable broker: topology, publishing,
// consuming with reconnects, and the retry and dead-letter policy.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/queuecraft/internal/domain"
)

type Topology struct {
	Queue         string
	DLXExchange   string
	DLQName       string
	DLQRoutingKey string
	// Prefetch is the number of unacked deliveries granted to this process.
	Prefetch int
}

type QueueStats struct {
	Name      string `json:"name"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
}

type Stats struct {
	Main       QueueStats `json:"main"`
	DeadLetter QueueStats `json:"deadLetter"`
}

type DeadLetter struct {
	Message Message   `json:"message"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Broker is a RabbitMQ connection that re-establishes itself, re-declares
// its topology and resumes consuming after the connection drops.
type Broker struct {
	url       string
	top       Topology
	reconnect time.Duration
	tag       string
	log       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	conn  *amqp.Connection
	sub   *amqp.Channel // consuming
	pub   *amqp.Channel // publishing
	pubMu sync.Mutex
	ready chan struct{} // closed while connected
}

func NewBroker(url string, top Topology, reconnect time.Duration, log *zap.Logger) *Broker {
	if reconnect <= 0 {
		reconnect = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		url:       url,
		top:       top,
		reconnect: reconnect,
		tag:       "queuecraft-" + uuid.NewString(),
		log:       log.Named("broker"),
		ctx:       ctx,
		cancel:    cancel,
		ready:     make(chan struct{}),
	}
}

// Connect dials until it succeeds or ctx is done.
func (b *Broker) Connect(ctx context.Context) error {
	bo := backoff.WithContext(backoff.NewConstantBackOff(b.reconnect), ctx)
	return backoff.RetryNotify(b.dial, bo, func(err error, wait time.Duration) {
		b.log.Warn("connect failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	})
}

func (b *Broker) dial() error {
	if b.ctx.Err() != nil {
		return backoff.Permanent(b.ctx.Err())
	}
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	sub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("channel: %w", err)
	}
	if err := b.declare(sub); err != nil {
		_ = conn.Close()
		return err
	}
	if err := sub.Qos(b.top.Prefetch, 0, false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("qos: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("channel: %w", err)
	}

	b.mu.Lock()
	b.conn, b.sub, b.pub = conn, sub, pub
	select {
	case <-b.ready:
	default:
		close(b.ready)
	}
	b.mu.Unlock()

	b.log.Info("connected",
		zap.String("queue", b.top.Queue),
		zap.String("dlq", b.top.DLQName),
		zap.Int("prefetch", b.top.Prefetch))
	go b.watch(conn, sub, pub)
	return nil
}

func (b *Broker) declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(b.top.DLXExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", b.top.DLXExchange, err)
	}
	if _, err := ch.QueueDeclare(b.top.DLQName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", b.top.DLQName, err)
	}
	if err := ch.QueueBind(b.top.DLQName, b.top.DLQRoutingKey, b.top.DLXExchange, false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", b.top.DLQName, err)
	}
	_, err := ch.QueueDeclare(b.top.Queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    b.top.DLXExchange,
		"x-dead-letter-routing-key": b.top.DLQRoutingKey,
	})
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", b.top.Queue, err)
	}
	return nil
}

// watch waits for the connection or one of its channels to close, then
// reconnects at a fixed interval.
func (b *Broker) watch(conn *amqp.Connection, chans ...*amqp.Channel) {
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := make(chan *amqp.Error, len(chans))
	for _, ch := range chans {
		c := ch.NotifyClose(make(chan *amqp.Error, 1))
		go func() {
			if err, ok := <-c; ok {
				chClosed <- err
			}
		}()
	}

	var reason *amqp.Error
	select {
	case <-b.ctx.Done():
		return
	case reason = <-closed:
	case reason = <-chClosed:
	}
	_ = conn.Close()

	b.mu.Lock()
	b.conn, b.sub, b.pub = nil, nil, nil
	b.ready = make(chan struct{})
	b.mu.Unlock()

	if b.ctx.Err() != nil {
		return
	}
	b.log.Warn("connection lost, reconnecting", zap.Any("reason", reason), zap.Duration("interval", b.reconnect))
	bo := backoff.WithContext(backoff.NewConstantBackOff(b.reconnect), b.ctx)
	_ = backoff.RetryNotify(b.dial, bo, func(err error, _ time.Duration) {
		b.log.Warn("reconnect failed", zap.Error(err))
	})
}

func (b *Broker) state() (*amqp.Connection, *amqp.Channel, *amqp.Channel, chan struct{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conn, b.sub, b.pub, b.ready
}

// Connected reports whether the broker currently holds a live connection.
func (b *Broker) Connected() bool {
	conn, _, _, _ := b.state()
	return conn != nil && !conn.IsClosed()
}

func (b *Broker) Publish(ctx context.Context, m Message) error {
	_, _, pub, _ := b.state()
	if pub == nil {
		return domain.ErrBrokerUnavailable
	}
	msg, err := m.publishing(time.Now())
	if err != nil {
		return fmt.Errorf("queue: encode: %w", err)
	}
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if err := pub.PublishWithContext(ctx, "", b.top.Queue, false, false, msg); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
	}
	b.log.Debug("published", zap.String("job_id", m.JobID), zap.Int("retry_count", m.RetryCount))
	return nil
}

// Enqueue publishes the first attempt of j.
func (b *Broker) Enqueue(ctx context.Context, j *domain.Job) error {
	return b.Publish(ctx, MessageFor(j))
}

// Consume calls fn for every delivery until ctx is done, resuming after
// reconnects. fn must not block; acknowledgement is up to the caller.
func (b *Broker) Consume(ctx context.Context, fn func(amqp.Delivery)) error {
	for {
		_, sub, _, ready := b.state()
		if sub == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-ready:
				continue
			}
		}

		deliveries, err := sub.ConsumeWithContext(ctx, b.top.Queue, b.tag, false, false, false, false, nil)
		if err != nil {
			b.log.Warn("consume failed", zap.Error(err))
			if !sleep(ctx, b.reconnect) {
				return nil
			}
			continue
		}
		b.log.Info("consuming", zap.String("queue", b.top.Queue), zap.String("tag", b.tag))
		for d := range deliveries {
			fn(d)
		}
		if ctx.Err() != nil {
			return nil
		}
		b.log.Warn("delivery stream closed")
		if !sleep(ctx, b.reconnect) {
			return nil
		}
	}
}

func (b *Broker) Stats(context.Context) (Stats, error) {
	ch, err := b.tempChannel()
	if err != nil {
		return Stats{}, err
	}
	defer ch.Close()

	var s Stats
	for _, q := range []struct {
		name string
		out  *QueueStats
	}{{b.top.Queue, &s.Main}, {b.top.DLQName, &s.DeadLetter}} {
		info, err := ch.QueueDeclarePassive(q.name, true, false, false, false, nil)
		if err != nil {
			return Stats{}, fmt.Errorf("queue: inspect %s: %w", q.name, err)
		}
		*q.out = QueueStats{Name: info.Name, Messages: info.Messages, Consumers: info.Consumers}
	}
	return s, nil
}

// PeekDeadLetters reads up to limit messages from the dead-letter queue
// without removing them: they stay unacked on a throwaway channel whose
// close returns them to the queue.
func (b *Broker) PeekDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	ch, err := b.tempChannel()
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	out := make([]DeadLetter, 0, limit)
	for len(out) < limit && ctx.Err() == nil {
		d, ok, err := ch.Get(b.top.DLQName, false)
		if err != nil {
			return nil, fmt.Errorf("queue: get %s: %w", b.top.DLQName, err)
		}
		if !ok {
			break
		}
		m, err := Decode(d)
		if err != nil {
			b.log.Warn("undecodable dead letter", zap.Error(err))
			continue
		}
		out = append(out, DeadLetter{Message: m, Reason: deathReason(d.Headers), At: d.Timestamp})
	}
	return out, nil
}

func (b *Broker) tempChannel() (*amqp.Channel, error) {
	conn, _, _, _ := b.state()
	if conn == nil {
		return nil, domain.ErrBrokerUnavailable
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
	}
	return ch, nil
}

func (b *Broker) Close() error {
	b.cancel()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	var err error
	for _, ch := range []*amqp.Channel{b.sub, b.pub} {
		if ch != nil {
			if cerr := ch.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
				err = multierr.Append(err, cerr)
			}
		}
	}
	if cerr := b.conn.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
		err = multierr.Append(err, cerr)
	}
	b.conn, b.sub, b.pub = nil, nil, nil
	return err
}

// deathReason reads the reason of the most recent dead-lettering.
func deathReason(h amqp.Table) string {
	deaths, ok := h["x-death"].([]interface{})
	if !ok || len(deaths) == 0 {
		return ""
	}
	first, ok := deaths[0].(amqp.Table)
	if !ok {
		return ""
	}
	reason, _ := first["reason"].(string)
	return reason
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
