package server

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/gantry-mcp/gantry/pkg/config"
	"github.com/gantry-mcp/gantry/pkg/core"
	"github.com/gantry-mcp/gantry/pkg/scope"
	"github.com/gantry-mcp/gantry/pkg/tools"
	"github.com/gantry-mcp/gantry/pkg/transport"
)

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":` +
	`{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test-client","version":"1.0"}}}`

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Port = 0
	cfg.Auth.Mode = "anonymous"
	return cfg
}

func echoScope(t *testing.T) *scope.Scope {
	t.Helper()

	s := scope.New("gantry")
	require.NoError(t, s.Tools().Register(&tools.Tool{
		Name: "echo",
		Execute: func(_ context.Context, inv *tools.Invocation) (any, error) {
			return map[string]any{"echo": inv.Input["text"]}, nil
		},
	}))
	return s
}

// startServer runs srv until the test ends and waits for the listener.
func startServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()

	srv, err := New(context.Background(), cfg, echoScope(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("server did not stop")
		}
	})

	select {
	case <-srv.Ready():
	case <-time.After(10 * time.Second):
		t.Fatal("server did not become ready")
	}
	return srv
}

func httpGet(t *testing.T, url string) (*http.Response, string) {
	t.Helper()

	resp, err := http.Get(url) //nolint:gosec // test URL
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, string(body)
}

func httpPost(t *testing.T, url, sessionID, body string) (*http.Response, string) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(transport.HeaderSessionID, sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, string(data)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	t.Parallel()

	srv := startServer(t, testConfig())
	base := "http://" + srv.Address()

	resp, body := httpGet(t, base+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", gjson.Get(body, "status").String())

	resp, _ = httpGet(t, base+"/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_StreamableSessionRoundTrip(t *testing.T) {
	t.Parallel()

	srv := startServer(t, testConfig())
	url := "http://" + srv.Address() + transport.StreamableEndpointPath

	resp, body := httpPost(t, url, "", initializeBody)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	sessionID := resp.Header.Get(transport.HeaderSessionID)
	require.NotEmpty(t, sessionID, "initialize must mint a session id")
	assert.Equal(t, "2025-06-18", gjson.Get(body, "result.protocolVersion").String())
	assert.Equal(t, "gantry", gjson.Get(body, "result.serverInfo.name").String())

	resp, body = httpPost(t, url, sessionID,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "hi", gjson.Get(body, "result.structuredContent.echo").String())

	// Requests without the session header are turned away.
	resp, _ = httpPost(t, url, "", `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_LocalTransport(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Transports.Enabled = []string{"local"}
	srv, err := New(context.Background(), cfg, echoScope(t))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, srv.Stop(context.Background())) })

	lt, err := srv.LocalTransport(context.Background())
	require.NoError(t, err)

	reply := lt.Call(context.Background(), []byte(initializeBody))
	require.NotNil(t, reply)
	require.Nil(t, reply.Message.Error)
	assert.Equal(t, "2025-06-18",
		gjson.GetBytes(reply.Message.Result, "protocolVersion").String())

	reply = lt.Call(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"text":"local"}}}`))
	require.NotNil(t, reply)
	require.Nil(t, reply.Message.Error)
	assert.Equal(t, "local",
		gjson.GetBytes(reply.Message.Result, "structuredContent.echo").String())
}

func TestServer_LocalTransportRequiresProtocol(t *testing.T) {
	t.Parallel()

	srv, err := New(context.Background(), testConfig(), echoScope(t))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, srv.Stop(context.Background())) })

	_, err = srv.LocalTransport(context.Background())
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindCapabilityUnavailable))
}

func TestServer_NewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth.Mode = "oidc"
	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestServer_SealedStoreNeedsKey(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Elicitation.SealKeyEnv = "GANTRY_TEST_SEAL_KEY_THAT_IS_NOT_SET"
	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is unset")
}

func TestServer_SealedStoreFromEnv(t *testing.T) {
	t.Setenv("GANTRY_TEST_SEAL_KEY", strings.Repeat("k", 32))

	cfg := testConfig()
	cfg.Elicitation.SealKeyEnv = "GANTRY_TEST_SEAL_KEY"
	srv, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.NoError(t, srv.Stop(context.Background()))
}

func TestServer_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	srv, err := New(context.Background(), testConfig(), nil)
	require.NoError(t, err)

	require.NoError(t, srv.Stop(context.Background()))
	require.NoError(t, srv.Stop(context.Background()))
}
