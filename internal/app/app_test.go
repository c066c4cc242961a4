package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/queuecraft/internal/admission"
	"github.com/SirClappington/queuecraft/internal/config"
	"github.com/SirClappington/queuecraft/internal/storage/memory"
)

func TestOpenStore(t *testing.T) {
	s, err := OpenStore(context.Background(), config.Config{StoreDriver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, s)

	_, err = OpenStore(context.Background(), config.Config{StoreDriver: "sqlite"})
	assert.Error(t, err)
}

func TestLimiterBackend(t *testing.T) {
	cfg, err := config.Parse(map[string]string{})
	require.NoError(t, err)

	a := &App{Cfg: cfg}
	l, run := a.Limiter()
	assert.IsType(t, &admission.Window{}, l)
	require.NotNil(t, run)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.NoError(t, run(ctx))

	mr := miniredis.RunT(t)
	a.Redis = r.NewClient(&r.Options{Addr: mr.Addr()})
	defer a.Redis.Close()
	a.Cfg.Admission.RateBackend = "redis"
	l, run = a.Limiter()
	assert.IsType(t, &admission.RedisWindow{}, l)
	assert.Nil(t, run)
}
