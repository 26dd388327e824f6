package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Paths.Base = t.TempDir()
	cfg.Socket.Path = filepath.Join(t.TempDir(), "ksid.sock")
	cfg.Logging.Level = "error"
	out, err := config.Finalize(cfg)
	require.NoError(t, err)
	return out
}

func sendFrame(t *testing.T, conn net.Conn, reader *bufio.Reader, event string, data map[string]any) map[string]any {
	t.Helper()
	b, err := json.Marshal(map[string]any{"event": event, "data": data})
	require.NoError(t, err)
	_, err = conn.Write(append(b, '\n'))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var resp struct {
		Result map[string]any `json:"result"`
	}
	require.NoError(t, json.Unmarshal(line, &resp))
	return resp.Result
}

func TestDaemonBootHealthShutdown(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(context.Background()) }()

	var conn net.Conn
	require.Eventually(t, func() bool {
		c, err := net.Dial("unix", cfg.Socket.Path)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 5*time.Second, 20*time.Millisecond)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	res := sendFrame(t, conn, reader, "system:health", nil)
	require.Equal(t, "ok", res["status"])

	res = sendFrame(t, conn, reader, "state:set", map[string]any{"key": "boot", "value": "1"})
	require.Equal(t, "set", res["status"])
	res = sendFrame(t, conn, reader, "state:get", map[string]any{"key": "boot"})
	require.Equal(t, true, res["found"])

	res = sendFrame(t, conn, reader, "system:shutdown", map[string]any{"reason": "test"})
	require.Equal(t, "shutting_down", res["status"])

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}

func TestDaemonRejectsMalformedEventName(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(context.Background()) }()
	defer func() {
		d.RequestShutdown("test cleanup")
		<-runErr
	}()

	var conn net.Conn
	require.Eventually(t, func() bool {
		c, err := net.Dial("unix", cfg.Socket.Path)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 5*time.Second, 20*time.Millisecond)
	defer conn.Close()

	res := sendFrame(t, conn, bufio.NewReader(conn), "no-namespace", nil)
	require.Contains(t, res["error"], "invalid event name")
}
