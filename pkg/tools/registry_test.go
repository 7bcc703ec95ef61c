package tools

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoDefinition() Definition {
	return Definition{
		Name:        "echo",
		Description: "Echo the input back.",
		Parameters: []Parameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(_ context.Context, args map[string]any, _ ExecContext) (Result, error) {
			text, _ := args["text"].(string)
			return Result{Success: true, Output: text}, nil
		},
	}
}

func TestRegistryExecute(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	require.NoError(t, reg.Register(echoDefinition()))

	res := reg.Execute(context.Background(), "echo", map[string]any{"text": "hello"}, ExecContext{})
	assert.True(t, res.Success)
	assert.Equal(t, "hello", res.Output)
}

func TestRegistryUnknownTool(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())

	res := reg.Execute(context.Background(), "missing", nil, ExecContext{})
	assert.False(t, res.Success)
	assert.Equal(t, "unknown tool: missing", res.Output)
}

func TestRegistryValidatesArguments(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	require.NoError(t, reg.Register(echoDefinition()))

	t.Run("missing required", func(t *testing.T) {
		res := reg.Execute(context.Background(), "echo", map[string]any{}, ExecContext{})
		assert.False(t, res.Success)
		assert.Contains(t, res.Output, "invalid arguments")
	})

	t.Run("wrong type", func(t *testing.T) {
		res := reg.Execute(context.Background(), "echo", map[string]any{"text": 42}, ExecContext{})
		assert.False(t, res.Success)
		assert.Contains(t, res.Output, "invalid arguments")
	})
}

func TestRegistryRecoversFromPanic(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	require.NoError(t, reg.Register(Definition{
		Name:        "explode",
		Description: "Always panics.",
		Handler: func(_ context.Context, _ map[string]any, _ ExecContext) (Result, error) {
			panic("boom")
		},
	}))

	res := reg.Execute(context.Background(), "explode", nil, ExecContext{})
	assert.False(t, res.Success)
	assert.Contains(t, res.Output, "boom")
}

func TestRegistryHandlerErrorBecomesFailure(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	require.NoError(t, reg.Register(Definition{
		Name:        "fail",
		Description: "Always errors.",
		Handler: func(_ context.Context, _ map[string]any, _ ExecContext) (Result, error) {
			return Result{}, fmt.Errorf("disk on fire")
		},
	}))

	res := reg.Execute(context.Background(), "fail", nil, ExecContext{})
	assert.False(t, res.Success)
	assert.Equal(t, "disk on fire", res.Output)
}

func TestRegistrySpecsSortedByName(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	for _, name := range []string{"zulu", "alpha", "mike"} {
		def := echoDefinition()
		def.Name = name
		require.NoError(t, reg.Register(def))
	}

	specs := reg.Specs()
	require.Len(t, specs, 3)
	assert.Equal(t, "alpha", specs[0].Function.Name)
	assert.Equal(t, "mike", specs[1].Function.Name)
	assert.Equal(t, "zulu", specs[2].Function.Name)

	assert.Equal(t, "object", specs[0].Function.Parameters["type"])
}

func TestRegisterRejectsBadDefinitions(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())

	assert.Error(t, reg.Register(Definition{Name: "", Handler: func(context.Context, map[string]any, ExecContext) (Result, error) {
		return Result{}, nil
	}}))
	assert.Error(t, reg.Register(Definition{Name: "nohandler"}))

	def := echoDefinition()
	def.Parameters[0].Type = "unicorn"
	assert.Error(t, reg.Register(def))
}
