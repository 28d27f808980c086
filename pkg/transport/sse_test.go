package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/gantry-mcp/gantry/pkg/core"
	"github.com/gantry-mcp/gantry/pkg/session"
	"github.com/gantry-mcp/gantry/pkg/testkit"
)

// sseClient opens the SSE stream and returns the announced messages URL
// plus a channel of raw stream lines.
func sseClient(t *testing.T, srv *httptest.Server) (messagesURL string, lines <-chan string, closeStream func()) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, srv.URL+SSEEndpointPath, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines = testkit.StreamLines(resp.Body)
	testkit.RequireLine(t, lines, "event: endpoint")
	data := testkit.DataPayload(t, testkit.NextLine(t, lines))
	return data, lines, func() { resp.Body.Close() }
}

func newSSEServer(t *testing.T) (*fixture, *httptest.Server) {
	t.Helper()

	fx := newFixture(t, nil)
	e := NewSSEEndpoint(fx.registry, fx.dispatch, fx.broker)
	mux := http.NewServeMux()
	mux.HandleFunc(SSEEndpointPath, e.ServeSSE)
	mux.HandleFunc(MessagesEndpointPath, e.ServeMessages)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return fx, srv
}

func TestSSEEndpoint_AnnouncesMessagesEndpoint(t *testing.T) {
	t.Parallel()

	fx, srv := newSSEServer(t)
	messagesURL, _, closeStream := sseClient(t, srv)
	defer closeStream()

	assert.Contains(t, messagesURL, MessagesEndpointPath+"?session_id=")
	assert.True(t, strings.HasPrefix(messagesURL, "http://"), "got %q", messagesURL)

	sessionID := messagesURL[strings.Index(messagesURL, "session_id=")+len("session_id="):]
	_, ok := fx.registry.FindBySession(sessionID)
	assert.True(t, ok, "the stream must have registered the session")
}

func TestSSEEndpoint_ResponsesRideTheStream(t *testing.T) {
	t.Parallel()

	_, srv := newSSEServer(t)
	messagesURL, lines, closeStream := sseClient(t, srv)
	defer closeStream()

	resp, err := http.Post(messagesURL, "application/json", strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"text":"over-sse"}}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode, "the POST only acknowledges")

	testkit.RequireLine(t, lines, "event: message")
	data := testkit.DataPayload(t, testkit.NextLine(t, lines))
	assert.Equal(t, "over-sse", gjson.Get(data, "result.structuredContent.echo").String())
	assert.EqualValues(t, 1, gjson.Get(data, "id").Int())
}

func TestSSEEndpoint_UnknownSessionRejected(t *testing.T) {
	t.Parallel()

	_, srv := newSSEServer(t)

	resp, err := http.Post(srv.URL+MessagesEndpointPath+"?session_id=ghost", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSSEEndpoint_MissingSessionParamRejected(t *testing.T) {
	t.Parallel()

	_, srv := newSSEServer(t)

	resp, err := http.Post(srv.URL+MessagesEndpointPath, "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSSEEndpoint_StreamCloseDestroysSession(t *testing.T) {
	t.Parallel()

	fx, srv := newSSEServer(t)
	messagesURL, _, closeStream := sseClient(t, srv)
	sessionID := messagesURL[strings.Index(messagesURL, "session_id=")+len("session_id="):]

	closeStream()

	require.Eventually(t, func() bool {
		_, ok := fx.registry.FindBySession(sessionID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "the session must die with its stream")
	assert.True(t, fx.registry.WasCreated(sessionID))
}

func TestSSEEndpoint_ForwardedProtoShapesEndpointURL(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, SSEEndpointPath, nil)
	req.Host = "gateway.example.com"
	req.Header.Set("X-Forwarded-Proto", "https")
	assert.Equal(t, "https://gateway.example.com", baseURL(req))

	plain := httptest.NewRequest(http.MethodGet, SSEEndpointPath, nil)
	plain.Host = "localhost:8080"
	assert.Equal(t, "http://localhost:8080", baseURL(plain))
}

func TestSSEEndpoint_MethodsEnforced(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	e := NewSSEEndpoint(fx.registry, fx.dispatch, fx.broker)

	rr := httptest.NewRecorder()
	e.ServeSSE(rr, httptest.NewRequest(http.MethodPost, SSEEndpointPath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = httptest.NewRecorder()
	e.ServeMessages(rr, httptest.NewRequest(http.MethodGet, MessagesEndpointPath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestSSEEndpoint_SessionNotSharedAcrossRegistries(t *testing.T) {
	t.Parallel()

	// SSE sessions are stream-bound: a second node must not see them even
	// with a shared store configured.
	store := session.NewLocalStorage()
	fxA := newFixture(t, store)
	key := core.NewTransportKey(core.ProtocolSSE, "tok", "sse-session")
	_, err := fxA.registry.Create(context.Background(), key, newSSEAdapter)
	require.NoError(t, err)

	fxB := newFixture(t, store)
	_, found := fxB.registry.StoredSession(context.Background(), key)
	assert.False(t, found)
	assert.Equal(t, 0, store.Count(), "sse sessions never reach the store")
}
