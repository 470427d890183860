package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingPublisher struct{ err error }

func (f failingPublisher) ReportLifecycleEvent(ctx context.Context, eventType, message string, metadata map[string]string) error {
	return f.err
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	p := NewLogPublisher(logger)

	err := p.ReportLifecycleEvent(context.Background(), EventCrashed, "interpreter process crashed",
		map[string]string{"setting_id": "python", "pid": "42"})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "event=crashed")
	assert.Contains(t, out, "pid=42 setting_id=python")
	assert.Contains(t, out, "component=events")
}

func TestMultiPublisher(t *testing.T) {
	first := errors.New("first")
	second := errors.New("second")
	m := MultiPublisher{failingPublisher{first}, NoopPublisher{}, failingPublisher{second}}

	err := m.ReportLifecycleEvent(context.Background(), EventReady, "ready", nil)
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, second)

	assert.NoError(t, MultiPublisher{NoopPublisher{}}.ReportLifecycleEvent(context.Background(), EventReady, "ready", nil))
}

func TestNATSPublisher(t *testing.T) {
	opts := natstest.DefaultTestOptions
	opts.Port = -1 // Random port
	server := natstest.RunServer(&opts)
	defer server.Shutdown()

	pub, err := ConnectNATS(server.ClientURL(), "", nil)
	require.NoError(t, err)
	defer pub.Close()

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	msgs := make(chan *nats.Msg, 4)
	subscription, err := sub.ChanSubscribe(DefaultSubjectPrefix+".>", msgs)
	require.NoError(t, err)
	defer subscription.Unsubscribe()
	require.NoError(t, sub.Flush())

	err = pub.ReportLifecycleEvent(context.Background(), EventStopped, "interpreter process terminated",
		map[string]string{"setting_id": "python", "group_key": "user1"})
	require.NoError(t, err)

	select {
	case msg := <-msgs:
		assert.Equal(t, "interpd.lifecycle.stopped", msg.Subject)

		var event Event
		require.NoError(t, json.Unmarshal(msg.Data, &event))
		assert.Equal(t, EventStopped, event.Type)
		assert.Equal(t, "user1", event.Metadata["group_key"])
		assert.WithinDuration(t, time.Now(), event.Timestamp, time.Minute)
	case <-time.After(5 * time.Second):
		t.Fatal("event not received")
	}
}

func TestNATSPublisher_ClosedConnection(t *testing.T) {
	opts := natstest.DefaultTestOptions
	opts.Port = -1
	server := natstest.RunServer(&opts)
	defer server.Shutdown()

	conn, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)

	pub := NewNATSPublisher(conn, "custom")
	assert.Equal(t, "custom.ready", pub.Subject(EventReady))
	assert.NoError(t, pub.Close(), "borrowed connection is left alone")

	conn.Close()
	assert.Error(t, pub.ReportLifecycleEvent(context.Background(), EventReady, "ready", nil))
}
