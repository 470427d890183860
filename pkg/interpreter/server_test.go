package interpreter

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func startServer(t *testing.T, isolated bool) (*Server, *Client) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(NewRuntime(), isolated, nil)
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	client, err := Dial(lis.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Eventually(t, func() bool {
		return client.Ping(ctx) == nil
	}, 5*time.Second, 20*time.Millisecond)

	return srv, client
}

func TestServer_ExecuteOverGRPC(t *testing.T) {
	srv, client := startServer(t, false)
	ctx := context.Background()

	res, err := client.Execute(ctx, &Request{
		Session:     "user1",
		NoteID:      "note1",
		ParagraphID: "p1",
		Payload:     "user = \"user1\"\nprint user",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, res.Status)
	assert.Equal(t, "user1", strings.TrimSpace(res.Output))
	assert.Equal(t, int64(1), srv.Executions())
}

func TestServer_EvaluationErrorIsResult(t *testing.T) {
	_, client := startServer(t, false)

	res, err := client.Execute(context.Background(), &Request{Session: "s", Payload: "print nope"})
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.Output, "NameError")
}

func TestServer_SessionNamespacing(t *testing.T) {
	_, client := startServer(t, false)
	ctx := context.Background()

	_, err := client.Execute(ctx, &Request{Session: "user1", NoteID: "n1", Payload: "v = 1"})
	require.NoError(t, err)

	// same session, different note: visible
	res, err := client.Execute(ctx, &Request{Session: "user1", NoteID: "n2", Payload: "print v"})
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, res.Status)

	// other session: not visible
	res, err = client.Execute(ctx, &Request{Session: "user2", NoteID: "n1", Payload: "print v"})
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
}

func TestServer_IsolatedNamespacing(t *testing.T) {
	_, client := startServer(t, true)
	ctx := context.Background()

	_, err := client.Execute(ctx, &Request{Session: "user1", NoteID: "n1", Payload: "v = 1"})
	require.NoError(t, err)

	res, err := client.Execute(ctx, &Request{Session: "user1", NoteID: "n2", Payload: "print v"})
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status, "isolated process must not share state across notes")

	res, err = client.Execute(ctx, &Request{Session: "user1", NoteID: "n1", Payload: "print v"})
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, res.Status)
}

func TestServer_StopFailsPing(t *testing.T) {
	srv, client := startServer(t, false)

	srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, client.Ping(ctx))
}

func TestLocalConn(t *testing.T) {
	conn := NewLocalConn(NewServer(NewRuntime(), false, nil))
	ctx := context.Background()

	require.NoError(t, conn.Ping(ctx))

	res, err := conn.Execute(ctx, &Request{Session: "", Payload: "print 'hi'"})
	require.NoError(t, err)
	assert.Equal(t, "hi", strings.TrimSpace(res.Output))

	require.NoError(t, conn.Close())
	_, err = conn.Execute(ctx, &Request{Payload: "1"})
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Error(t, conn.Ping(ctx))
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("FINISHED")
	require.NoError(t, err)
	assert.True(t, s.Terminal())
	assert.False(t, StatusRunning.Terminal())

	_, err = ParseStatus("DONE")
	assert.Error(t, err)
}
