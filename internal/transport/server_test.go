package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/correlation"
	"github.com/ksi-project/ksid/internal/router"
)

func TestServerDispatchesFrameAndWritesResponse(t *testing.T) {
	rtr := router.New(correlation.NewStore(time.Hour), nil, nil, nil, nil)
	rtr.Register("system:health", func(rctx *router.Context, data map[string]any) (map[string]any, error) {
		return map[string]any{"status": "ok"}, nil
	})

	sockPath := filepath.Join(t.TempDir(), "ksid.sock")
	srv := NewServer(sockPath, rtr, nil, nil)
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop(context.Background(), time.Second)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	req := Frame{ID: "req-1", Event: "system:health", Data: map[string]any{}}
	b, _ := json.Marshal(req)
	_, err = conn.Write(append(b, '\n'))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(line, &resp))
	require.Equal(t, "req-1", resp.ID)
	require.Equal(t, "ok", resp.Result["status"])
}

func TestServerMonitorSubscribeStreamsEvents(t *testing.T) {
	rtr := router.New(correlation.NewStore(time.Hour), nil, nil, nil, nil)

	sockPath := filepath.Join(t.TempDir(), "ksid.sock")
	srv := NewServer(sockPath, rtr, nil, nil)
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop(context.Background(), time.Second)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	sub := Frame{ID: "sub-1", Event: "monitor:subscribe", Data: map[string]any{"patterns": []any{"demo:*"}}}
	b, _ := json.Marshal(sub)
	_, err = conn.Write(append(b, '\n'))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	ackLine, err := reader.ReadBytes('\n')
	require.NoError(t, err)
	var ack Response
	require.NoError(t, json.Unmarshal(ackLine, &ack))
	require.Equal(t, true, ack.Result["subscribed"])

	rtr.Emit(context.Background(), "demo:ping", map[string]any{"n": 1}, nil)

	streamed, err := reader.ReadBytes('\n')
	require.NoError(t, err)
	var streamedMsg map[string]any
	require.NoError(t, json.Unmarshal(streamed, &streamedMsg))
	require.Equal(t, "demo:ping", streamedMsg["event"])
}
