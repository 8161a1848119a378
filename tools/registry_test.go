package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/workdeck/types"
)

func okSchema(name string) types.ToolSchema {
	return types.ToolSchema{
		Name:        name,
		Description: "test tool " + name,
		Parameters:  json.RawMessage(`{"type":"object"}`),
		Enabled:     true,
	}
}

func okHandler(reply string) Handler {
	return func(ctx context.Context, args json.RawMessage) (string, error) {
		return reply, nil
	}
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)

	require.NoError(t, r.Register(okSchema("alpha"), okHandler("ok")))
	err := r.Register(okSchema("alpha"), okHandler("ok"))
	require.Error(t, err)
	assert.Equal(t, types.ErrDuplicateTool, types.GetErrorCode(err))

	assert.Error(t, r.Register(types.ToolSchema{}, okHandler("ok")), "empty name")
	assert.Error(t, r.Register(okSchema("beta"), nil), "nil handler")
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)

	res := r.Execute(context.Background(), types.ToolCall{ID: "c1", Name: "nope"})
	assert.Equal(t, "Unknown tool: nope", res.Error)
	assert.Equal(t, "c1", res.ToolCallID)
	assert.Empty(t, res.Content)
}

func TestRegistryExecuteHandlerError(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	require.NoError(t, r.Register(okSchema("boom"), func(ctx context.Context, args json.RawMessage) (string, error) {
		return "", errors.New("disk on fire")
	}))

	res := r.Execute(context.Background(), types.ToolCall{ID: "c1", Name: "boom"})
	assert.Equal(t, "disk on fire", res.Error)

	// Failures surface to the model as an error-prefixed tool message.
	msg := res.ToMessage()
	assert.Equal(t, types.RoleTool, msg.Role)
	assert.Equal(t, "Error: disk on fire", msg.Content)
	assert.Equal(t, "c1", msg.ToolCallID)
}

func TestRegistryExecuteRecoversPanic(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	require.NoError(t, r.Register(okSchema("panicky"), func(ctx context.Context, args json.RawMessage) (string, error) {
		panic("lost my head")
	}))

	res := r.Execute(context.Background(), types.ToolCall{Name: "panicky"})
	assert.Contains(t, res.Error, "tool panicked")
	assert.Contains(t, res.Error, "lost my head")
}

func TestRegistryExecuteTimeout(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	require.NoError(t, r.Register(okSchema("slow"), func(ctx context.Context, args json.RawMessage) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
			return "too late", nil
		}
	}, WithTimeout(20*time.Millisecond)))

	res := r.Execute(context.Background(), types.ToolCall{Name: "slow"})
	assert.Contains(t, res.Error, "timeout")
}

func TestRegistryExecuteCancelledBeforeStart(t *testing.T) {
	t.Parallel()
	started := false
	r := NewRegistry(nil)
	require.NoError(t, r.Register(okSchema("never"), func(ctx context.Context, args json.RawMessage) (string, error) {
		started = true
		return "ran", nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := r.Execute(ctx, types.ToolCall{Name: "never"})
	assert.Contains(t, res.Error, "cancelled")
	assert.False(t, started, "handler must not run after cancellation")
}

func TestRegistryExecuteInvalidArguments(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	require.NoError(t, r.Register(okSchema("strict"), okHandler("ok")))

	res := r.Execute(context.Background(), types.ToolCall{
		Name:      "strict",
		Arguments: json.RawMessage(`{not json`),
	})
	assert.Contains(t, res.Error, "not valid JSON")
}

func TestRegistryExecuteRateLimit(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	require.NoError(t, r.Register(okSchema("limited"), okHandler("ok"),
		WithRateLimit(2, time.Hour)))

	ctx := context.Background()
	assert.Empty(t, r.Execute(ctx, types.ToolCall{Name: "limited"}).Error)
	assert.Empty(t, r.Execute(ctx, types.ToolCall{Name: "limited"}).Error)
	res := r.Execute(ctx, types.ToolCall{Name: "limited"})
	assert.Contains(t, res.Error, "rate limit exceeded")
}

func TestRegistryExecuteAllOrder(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	for _, name := range []string{"one", "two", "three"} {
		name := name
		require.NoError(t, r.Register(okSchema(name), func(ctx context.Context, args json.RawMessage) (string, error) {
			return "from " + name, nil
		}))
	}

	calls := []types.ToolCall{
		{ID: "c1", Name: "three"},
		{ID: "c2", Name: "one"},
		{ID: "c3", Name: "two"},
	}
	results := r.ExecuteAll(context.Background(), calls)
	require.Len(t, results, 3)
	assert.Equal(t, "from three", results[0].Content)
	assert.Equal(t, "from one", results[1].Content)
	assert.Equal(t, "from two", results[2].Content)
}

func TestRegistryListFiltersAndOrders(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	require.NoError(t, r.Register(okSchema("b_tool"), okHandler("ok")))
	require.NoError(t, r.Register(okSchema("a_tool"), okHandler("ok")))

	disabled := okSchema("off_tool")
	disabled.Enabled = false
	require.NoError(t, r.Register(disabled, okHandler("ok")))

	// Registration order, not lexical, and disabled tools never appear.
	assert.Equal(t, []string{"b_tool", "a_tool"}, r.ListNames(nil))
	assert.Equal(t, []string{"a_tool"}, r.ListNames([]string{"a_tool", "off_tool"}))
	assert.Empty(t, r.ListNames([]string{}))
	assert.True(t, r.Has("off_tool"))
	assert.False(t, r.Has("ghost"))
}

func TestRegistryConcurrentExecute(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	require.NoError(t, r.Register(okSchema("echo"), func(ctx context.Context, args json.RawMessage) (string, error) {
		return string(args), nil
	}))

	done := make(chan types.ToolResult, 16)
	for i := 0; i < 16; i++ {
		go func(i int) {
			args := json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
			done <- r.Execute(context.Background(), types.ToolCall{Name: "echo", Arguments: args})
		}(i)
	}
	for i := 0; i < 16; i++ {
		res := <-done
		assert.Empty(t, res.Error)
		assert.Contains(t, res.Content, `"n":`)
	}
}
