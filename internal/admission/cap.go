package admission

import (
	"context"
	"fmt"

	"github.com/SirClappington/queuecraft/internal/domain"
)

type ActiveCounter interface {
	CountActive(ctx context.Context, ownerID string) (int64, error)
}

// Cap bounds the number of active jobs per owner.
type Cap struct {
	counter ActiveCounter
	max     int64
}

func NewCap(counter ActiveCounter, max int64) *Cap { return &Cap{counter: counter, max: max} }

// Check returns a RateLimited error when ownerID already has max active jobs.
func (c *Cap) Check(ctx context.Context, ownerID string) error {
	n, err := c.counter.CountActive(ctx, ownerID)
	if err != nil {
		return domain.InternalError("count active jobs", err)
	}
	if n >= c.max {
		return domain.RateLimitedError(fmt.Sprintf("Rate limit exceeded. Maximum %d active jobs allowed.", c.max), 0)
	}
	return nil
}
