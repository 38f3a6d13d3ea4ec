package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (string, *Server) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "cortexd.sock")
	srv, err := Listen(sock)
	require.NoError(t, err)

	srv.Register("ping", func(context.Context, json.RawMessage) (any, error) {
		return map[string]bool{"pong": true}, nil
	})
	srv.Register("fail", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("handler failed deliberately")
	})
	srv.Register("explode", func(context.Context, json.RawMessage) (any, error) {
		panic("handler panic")
	})
	srv.Register("echo", func(_ context.Context, params json.RawMessage) (any, error) {
		var v map[string]any
		if err := json.Unmarshal(params, &v); err != nil {
			return nil, err
		}
		return v, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop after context cancellation")
		}
	})
	return sock, srv
}

func call(t *testing.T, conn net.Conn, reader *bufio.Reader, method string, params any) Response {
	t.Helper()
	req := map[string]any{"jsonrpc": "2.0", "method": method, "id": "1"}
	if params != nil {
		req["params"] = params
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write(append(data, '\n'))
	require.NoError(t, err)

	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal(line, &resp))
	return resp
}

func dial(t *testing.T, sock string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func TestPing(t *testing.T) {
	sock, _ := startServer(t)
	conn, reader := dial(t, sock)

	resp := call(t, conn, reader, "ping", nil)
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, result["pong"])
}

func TestUnknownMethod(t *testing.T) {
	sock, _ := startServer(t)
	conn, reader := dial(t, sock)

	resp := call(t, conn, reader, "no_such_method", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -1, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "no_such_method")
}

func TestHandlerErrorBecomesErrorObject(t *testing.T) {
	sock, _ := startServer(t)
	conn, reader := dial(t, sock)

	resp := call(t, conn, reader, "fail", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -1, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "deliberately")
}

// TestPanicInHandlerDoesNotKillServer: a panicking handler yields an
// error response on the same connection, and both that connection and
// fresh ones keep working afterward.
func TestPanicInHandlerDoesNotKillServer(t *testing.T) {
	sock, _ := startServer(t)
	conn, reader := dial(t, sock)

	resp := call(t, conn, reader, "explode", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "internal error", resp.Error.Message)

	resp = call(t, conn, reader, "ping", nil)
	require.Nil(t, resp.Error)

	conn2, reader2 := dial(t, sock)
	resp = call(t, conn2, reader2, "ping", nil)
	require.Nil(t, resp.Error)
}

func TestMalformedJSONGetsErrorResponse(t *testing.T) {
	sock, _ := startServer(t)
	conn, reader := dial(t, sock)

	_, err := conn.Write([]byte("this is not json\n"))
	require.NoError(t, err)
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(line, &resp))
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "invalid json-rpc")
}

func TestEchoParamsRoundTrip(t *testing.T) {
	sock, _ := startServer(t)
	conn, reader := dial(t, sock)

	resp := call(t, conn, reader, "echo", map[string]any{"agent_id": "a1"})
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a1", result["agent_id"])
}

func TestConcurrentConnections(t *testing.T) {
	sock, _ := startServer(t)

	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				done <- err
				return
			}
			defer conn.Close()
			reader := bufio.NewReader(conn)
			req := []byte(`{"jsonrpc":"2.0","method":"ping","id":"c"}` + "\n")
			if _, err := conn.Write(req); err != nil {
				done <- err
				return
			}
			_, err = reader.ReadBytes('\n')
			done <- err
		}()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-done)
	}
}
