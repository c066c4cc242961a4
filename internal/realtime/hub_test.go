package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/queuecraft/internal/domain"
	"github.com/SirClappington/queuecraft/internal/events"
)

func TestHubFiltersByOwner(t *testing.T) {
	log := zaptest.NewLogger(t)
	bus := events.NewLocal(log)
	hub := NewHub(bus, log)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, r.URL.Query().Get("owner"))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?owner=u1"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return hub.Connections("u1") == 1 }, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	other := &domain.Job{ID: "j2", OwnerID: "u2", Status: domain.Running}
	mine := &domain.Job{ID: "j1", OwnerID: "u1", Status: domain.Completed}
	require.NoError(t, bus.Publish(ctx, events.New(events.JobStatusUpdated, other, domain.Pending)))
	require.NoError(t, bus.Publish(ctx, events.New(events.JobCompleted, mine, domain.Running)))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got frame
	require.NoError(t, ws.ReadJSON(&got))
	assert.Equal(t, events.JobCompleted, got.Type)
	assert.Equal(t, "j1", got.Data.JobID)
	assert.Equal(t, domain.Completed, got.Data.NewStatus)

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool { return hub.Connections("u1") == 0 && bus.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}
