package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/SirClappington/queuecraft/internal/domain"
)

type Source interface {
	Consume(ctx context.Context, fn func(amqp.Delivery)) error
}

// Handler runs a delivered job and records lifecycle transitions.
//
// Process returns nil on success, an error wrapping domain.ErrExecutionFailed
// when the job itself failed, domain.ErrStaleDelivery for duplicates, and any
// other error for infrastructure trouble.
type Handler interface {
	Process(ctx context.Context, m Message) error
	Retry(ctx context.Context, m Message) error
	DeadLetter(ctx context.Context, m Message, cause error) error
}

type Policy struct {
	MaxRetries     int
	BaseDelay      time.Duration
	ReconnectDelay time.Duration
}

type Outcome string

const (
	Acked        Outcome = "acked"
	Retried      Outcome = "retried"
	DeadLettered Outcome = "dead-lettered"
	Requeued     Outcome = "requeued"
	Rejected     Outcome = "rejected"
)

// Consumer applies the retry and dead-letter policy to every delivery.
// Each delivery runs in its own goroutine; the broker's prefetch grant is
// the only bound on concurrency.
type Consumer struct {
	src    Source
	pub    Publisher
	delay  Delayer
	h      Handler
	policy Policy
	log    *zap.Logger
	wg     sync.WaitGroup
}

func NewConsumer(src Source, pub Publisher, delay Delayer, h Handler, policy Policy, log *zap.Logger) *Consumer {
	return &Consumer{src: src, pub: pub, delay: delay, h: h, policy: policy, log: log.Named("consumer")}
}

// Run consumes until ctx is done and then waits for in-flight deliveries.
// Handlers are detached from ctx so a shutdown never aborts a job mid-run.
func (c *Consumer) Run(ctx context.Context) error {
	hctx := context.WithoutCancel(ctx)
	err := c.src.Consume(ctx, func(d amqp.Delivery) {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.Handle(hctx, d)
		}()
	})
	c.wg.Wait()
	return err
}

func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) Outcome {
	m, err := Decode(d)
	if err != nil {
		c.log.Error("rejecting undecodable delivery", zap.Uint64("tag", d.DeliveryTag), zap.Error(err))
		c.settle(d.Reject(false), "reject")
		return Rejected
	}
	log := c.log.With(zap.String("job_id", m.JobID), zap.Int("retry_count", m.RetryCount), zap.Bool("redelivered", m.Redelivered))

	err = c.h.Process(ctx, m)
	switch {
	case err == nil:
		c.settle(d.Ack(false), "ack")
		return Acked
	case errors.Is(err, domain.ErrStaleDelivery):
		log.Info("dropping stale delivery", zap.Error(err))
		c.settle(d.Ack(false), "ack")
		return Acked
	case !errors.Is(err, domain.ErrExecutionFailed):
		log.Warn("processing interrupted, requeueing", zap.Error(err))
		return c.requeue(d)
	}

	if m.RetryCount < c.policy.MaxRetries {
		return c.retry(ctx, log, d, m, err)
	}
	return c.deadLetter(ctx, log, d, m, err)
}

func (c *Consumer) retry(ctx context.Context, log *zap.Logger, d amqp.Delivery, m Message, cause error) Outcome {
	if err := c.h.Retry(ctx, m); err != nil {
		if errors.Is(err, domain.ErrStaleDelivery) {
			log.Info("retry already recorded", zap.Error(err))
			c.settle(d.Ack(false), "ack")
			return Acked
		}
		log.Warn("recording retry failed, requeueing", zap.Error(err))
		return c.requeue(d)
	}

	next := m
	next.RetryCount++
	next.Redelivered = false
	wait := RetryDelay(c.policy.BaseDelay, m.RetryCount)
	if err := c.delay.Schedule(ctx, next, wait); err != nil {
		log.Warn("scheduling retry failed, publishing now", zap.Error(err))
		if err := c.pub.Publish(ctx, next); err != nil {
			log.Error("retry publish failed, job left pending", zap.Error(err))
		}
	}
	log.Info("job will be retried", zap.Error(cause), zap.Duration("delay", wait), zap.Int("max_retries", c.policy.MaxRetries))
	c.settle(d.Ack(false), "ack")
	return Retried
}

func (c *Consumer) deadLetter(ctx context.Context, log *zap.Logger, d amqp.Delivery, m Message, cause error) Outcome {
	if err := c.h.DeadLetter(ctx, m, cause); err != nil {
		if errors.Is(err, domain.ErrStaleDelivery) {
			log.Info("dead letter already recorded", zap.Error(err))
			c.settle(d.Ack(false), "ack")
			return Acked
		}
		log.Warn("recording dead letter failed, requeueing", zap.Error(err))
		return c.requeue(d)
	}
	log.Warn("job exhausted retries, dead-lettering", zap.Error(cause), zap.Int("max_retries", c.policy.MaxRetries))
	c.settle(d.Nack(false, false), "nack")
	return DeadLettered
}

func (c *Consumer) requeue(d amqp.Delivery) Outcome {
	if c.policy.ReconnectDelay > 0 {
		time.Sleep(c.policy.ReconnectDelay)
	}
	c.settle(d.Nack(false, true), "nack")
	return Requeued
}

func (c *Consumer) settle(err error, op string) {
	if err != nil {
		c.log.Warn(op+" failed", zap.Error(err))
	}
}
