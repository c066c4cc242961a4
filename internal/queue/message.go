package queue

import (
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/SirClappington/queuecraft/internal/domain"
)

const (
	HeaderRetryCount = "x-retry-count"
	HeaderJobID      = "jobId"
	HeaderTimestamp  = "timestamp"
)

// Message is the body of a job delivery. The x-retry-count header, when
// present, is authoritative for RetryCount.
type Message struct {
	JobID      string `json:"jobId"`
	Name       string `json:"name"`
	OwnerID    string `json:"ownerId"`
	RetryCount int    `json:"retryCount"`

	// Redelivered is set by the broker when a delivery was not acknowledged
	// by a previous consumer.
	Redelivered bool `json:"-"`
}

func MessageFor(j *domain.Job) Message {
	return Message{JobID: j.ID, Name: j.Name, OwnerID: j.OwnerID, RetryCount: j.RetryCount}
}

func (m Message) publishing(now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    now,
		Headers: amqp.Table{
			HeaderRetryCount: int32(m.RetryCount),
			HeaderJobID:      m.JobID,
			HeaderTimestamp:  now.UTC().Format(time.RFC3339),
		},
		Body: body,
	}, nil
}

// Decode reads a Message from a delivery.
func Decode(d amqp.Delivery) (Message, error) {
	var m Message
	if err := json.Unmarshal(d.Body, &m); err != nil {
		return Message{}, fmt.Errorf("queue: decode message: %w", err)
	}
	if n, ok := headerInt(d.Headers[HeaderRetryCount]); ok {
		m.RetryCount = n
	}
	if m.JobID == "" {
		m.JobID, _ = d.Headers[HeaderJobID].(string)
	}
	if m.JobID == "" {
		return Message{}, fmt.Errorf("queue: message without job id")
	}
	m.Redelivered = d.Redelivered
	return m, nil
}

func headerInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// RetryDelay is the wait before attempt retryCount+1: base * 2^retryCount.
func RetryDelay(base time.Duration, retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 20 {
		retryCount = 20
	}
	return base << uint(retryCount)
}
