package kit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Endpoint) Endpoint {
			return func(ctx context.Context, req any) (any, error) {
				order = append(order, name+"_before")
				resp, err := next(ctx, req)
				order = append(order, name+"_after")
				return resp, err
			}
		}
	}
	base := func(context.Context, any) (any, error) {
		order = append(order, "endpoint")
		return "ok", nil
	}

	resp, err := Chain(mw("a"), mw("b"), mw("c"))(base)(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.Equal(t, []string{"a_before", "b_before", "c_before", "endpoint", "c_after", "b_after", "a_after"}, order)
}

func TestChain_ErrorPropagation(t *testing.T) {
	errFail := errors.New("fail")
	base := func(context.Context, any) (any, error) { return nil, errFail }
	_, err := Chain(Logging(slog.Default(), "x"))(base)(context.Background(), nil)
	assert.ErrorIs(t, err, errFail)
}

func TestTimeout(t *testing.T) {
	base := func(ctx context.Context, _ any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	_, err := Timeout(10*time.Millisecond)(base)(context.Background(), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "http", GetTransport(ctx))
	assert.Empty(t, GetRequestID(ctx))

	ctx = WithRequestID(WithTransport(ctx, "mcp"), "req_abc")
	assert.Equal(t, "mcp", GetTransport(ctx))
	assert.Equal(t, "req_abc", GetRequestID(ctx))
}

func TestSleep(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

type echoRequest struct {
	Text string `json:"text"`
}

func TestRegisterMCPTool(t *testing.T) {
	impl := &mcp.Implementation{Name: "kit-test", Version: "0.1.0"}
	srv := mcp.NewServer(impl, nil)

	tool := &mcp.Tool{
		Name:        "echo",
		Description: "Echo the text back.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{"text": map[string]any{"type": "string"}}},
	}
	RegisterMCPTool(srv, tool, func(ctx context.Context, req any) (any, error) {
		r := req.(*echoRequest)
		if r.Text == "" {
			return nil, errors.New("text is required")
		}
		return map[string]string{"text": r.Text, "transport": GetTransport(ctx), "rid": GetRequestID(ctx)}, nil
	}, DecodeJSON[echoRequest]())

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()
	session, err := mcp.NewClient(impl, nil).Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: "echo", Arguments: map[string]any{"text": "hi"}})
	require.NoError(t, err)
	require.NoError(t, res.GetError())
	text := res.Content[0].(*mcp.TextContent).Text
	assert.Contains(t, text, `"text":"hi"`)
	assert.Contains(t, text, `"transport":"mcp"`)
	assert.Contains(t, text, `"rid":"req_`)

	res, err = session.CallTool(ctx, &mcp.CallToolParams{Name: "echo", Arguments: map[string]any{}})
	require.NoError(t, err)
	require.Error(t, res.GetError())
	assert.True(t, strings.Contains(res.GetError().Error(), "text is required"))
}
