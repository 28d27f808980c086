package transport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/gantry-mcp/gantry/pkg/dispatch"
	"github.com/gantry-mcp/gantry/pkg/elicit"
	"github.com/gantry-mcp/gantry/pkg/flow"
	"github.com/gantry-mcp/gantry/pkg/provider"
	"github.com/gantry-mcp/gantry/pkg/scope"
	"github.com/gantry-mcp/gantry/pkg/tools"
)

// newLocalFixture wires a scope whose confirm tool elicits through the
// session's Requester, plus a local transport over it.
func newLocalFixture(t *testing.T) (*LocalTransport, *fixture) {
	t.Helper()

	s := scope.New("server")
	require.NoError(t, s.Tools().Register(&tools.Tool{
		Name: "echo",
		Execute: func(_ context.Context, inv *tools.Invocation) (any, error) {
			return map[string]any{"echo": inv.Input["text"]}, nil
		},
	}))
	require.NoError(t, s.Tools().Register(&tools.Tool{
		Name: "confirm",
		Execute: func(ctx context.Context, inv *tools.Invocation) (any, error) {
			requester, err := provider.Resolve[elicit.Requester](ctx, inv.Views, elicit.RequesterToken)
			if err != nil {
				return nil, err
			}
			res, err := requester.RequestElicitation(ctx, elicit.Request{
				Message: "Proceed?",
				Schema: map[string]any{
					"type":       "object",
					"properties": map[string]any{"ok": map[string]any{"type": "boolean"}},
				},
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"action": res.Action, "ok": res.Content["ok"]}, nil
		},
	}))
	p := tools.NewPipeline(s.ToolFinder())
	require.NoError(t, s.Flows().Register(p.CallFlow(), p.ListFlow()))

	engine := flow.NewEngine()
	broker := elicit.NewBroker(elicit.NewMemoryStore(), time.Minute)
	reg := NewRegistry(Options{NodeID: "node-local"})
	require.NoError(t, s.Flows().Register(ElicitFlow(broker, reg)))
	require.NoError(t, s.Use(ElicitationPlugin(engine, s)))
	require.NoError(t, s.Flows().Register(flowOf(dispatch.InitializeFlowName,
		func(_ context.Context, fc *flow.Ctx) error {
			fc.Output = map[string]any{"protocolVersion": "2025-06-18"}
			return nil
		})))
	require.NoError(t, s.Init(context.Background()))

	d := dispatch.New(engine, s)
	lt, err := NewLocalTransport(context.Background(), reg, d, broker)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lt.Close(context.Background()) })

	return lt, &fixture{
		registry: reg,
		broker:   broker,
		dispatch: d,
		elicitor: NewFlowElicitor(engine, s),
	}
}

func TestLocalTransport_CallRoundTrip(t *testing.T) {
	t.Parallel()

	lt, fx := newLocalFixture(t)

	reply := lt.Call(context.Background(), []byte(initializeBody))
	require.NotNil(t, reply)
	require.Nil(t, reply.Message.Error)
	assert.Equal(t, "2025-06-18", gjson.GetBytes(reply.Message.Result, "protocolVersion").String())

	adapter, ok := fx.registry.FindBySession(lt.SessionID())
	require.True(t, ok)
	assert.Equal(t, StateInitialized, adapter.State())

	reply = lt.Call(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"text":"local"}}}`))
	require.NotNil(t, reply)
	require.Nil(t, reply.Message.Error)
	assert.Equal(t, "local", gjson.GetBytes(reply.Message.Result, "structuredContent.echo").String())
}

func TestLocalTransport_NotificationNeedsNoReply(t *testing.T) {
	t.Parallel()

	lt, _ := newLocalFixture(t)
	reply := lt.Call(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	assert.Nil(t, reply)
}

func TestLocalTransport_ToolElicitsThroughEvents(t *testing.T) {
	t.Parallel()

	lt, _ := newLocalFixture(t)
	lt.Call(context.Background(), []byte(initializeBody))

	done := make(chan *dispatch.Reply, 1)
	go func() {
		done <- lt.Call(context.Background(),
			[]byte(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"confirm","arguments":{}}}`))
	}()

	var raw []byte
	select {
	case raw = <-lt.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("no elicitation reached the event stream")
	}
	require.Equal(t, "elicitation/create", gjson.GetBytes(raw, "method").String())
	elicitID := gjson.GetBytes(raw, "params.elicitId").String()
	require.NotEmpty(t, elicitID)

	ack := lt.Call(context.Background(), []byte(fmt.Sprintf(
		`{"jsonrpc":"2.0","method":"elicitation/result","params":{"elicitId":%q,"action":"accept","content":{"ok":true}}}`,
		elicitID)))
	assert.Nil(t, ack, "a notification settles silently")

	select {
	case reply := <-done:
		require.NotNil(t, reply)
		require.Nil(t, reply.Message.Error, "tool must see the accepted result")
		assert.Equal(t, "accept", gjson.GetBytes(reply.Message.Result, "structuredContent.action").String())
		assert.True(t, gjson.GetBytes(reply.Message.Result, "structuredContent.ok").Bool())
	case <-time.After(2 * time.Second):
		t.Fatal("tool call did not settle")
	}
}

func TestLocalTransport_DeclineReachesTool(t *testing.T) {
	t.Parallel()

	lt, _ := newLocalFixture(t)
	lt.Call(context.Background(), []byte(initializeBody))

	done := make(chan *dispatch.Reply, 1)
	go func() {
		done <- lt.Call(context.Background(),
			[]byte(`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"confirm","arguments":{}}}`))
	}()

	var raw []byte
	select {
	case raw = <-lt.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("no elicitation reached the event stream")
	}
	elicitID := gjson.GetBytes(raw, "params.elicitId").String()

	lt.Call(context.Background(), []byte(fmt.Sprintf(
		`{"jsonrpc":"2.0","method":"elicitation/result","params":{"elicitId":%q,"action":"decline"}}`, elicitID)))

	select {
	case reply := <-done:
		require.NotNil(t, reply)
		require.Nil(t, reply.Message.Error)
		assert.Equal(t, "decline", gjson.GetBytes(reply.Message.Result, "structuredContent.action").String())
	case <-time.After(2 * time.Second):
		t.Fatal("tool call did not settle")
	}
}

func TestLocalTransport_CloseDestroysSession(t *testing.T) {
	t.Parallel()

	lt, fx := newLocalFixture(t)
	sessionID := lt.SessionID()
	require.NoError(t, lt.Close(context.Background()))

	_, ok := fx.registry.FindBySession(sessionID)
	assert.False(t, ok)
	assert.True(t, fx.registry.WasCreated(sessionID))
}
