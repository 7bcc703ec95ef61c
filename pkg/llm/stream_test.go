package llm

import (
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectEvents(t *testing.T, body string) []StreamEvent {
	t.Helper()
	s := newStream(io.NopCloser(strings.NewReader(body)), zerolog.Nop())
	var events []StreamEvent
	for s.Next() {
		events = append(events, s.Event())
	}
	require.NoError(t, s.Err())
	return events
}

func TestStreamTextDeltas(t *testing.T) {
	body := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
		``,
	}, "\n")

	events := collectEvents(t, body)
	require.Len(t, events, 3)
	assert.Equal(t, StreamText, events[0].Type)
	assert.Equal(t, "Hel", events[0].Text)
	assert.Equal(t, "lo", events[1].Text)
	assert.Equal(t, StreamDone, events[2].Type)
	assert.Equal(t, "stop", events[2].FinishReason)
}

func TestStreamToolCallReassembly(t *testing.T) {
	// Arguments arrive split across fragments; only the first fragment for
	// an index carries the id and name.
	body := strings.Join([]string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"read_file","arguments":""}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"pa"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"th\":\"a.txt\"}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: [DONE]`,
		``,
	}, "\n")

	events := collectEvents(t, body)

	var starts, deltas, ends int
	var final *ParsedToolCall
	for _, evt := range events {
		switch evt.Type {
		case StreamToolCallStart:
			starts++
		case StreamToolCallDelta:
			deltas++
		case StreamToolCallEnd:
			ends++
			final = evt.ToolCall
		}
	}
	assert.Equal(t, 1, starts)
	assert.Equal(t, 2, deltas)
	require.Equal(t, 1, ends)
	require.NotNil(t, final)
	assert.Equal(t, "call_1", final.ID)
	assert.Equal(t, "read_file", final.Name)
	assert.Equal(t, map[string]any{"path": "a.txt"}, final.Arguments)
}

func TestStreamMultipleToolCallsFinalizeInIndexOrder(t *testing.T) {
	body := strings.Join([]string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_b","function":{"name":"second","arguments":"{}"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"first","arguments":"{}"}}]}}]}`,
		`data: [DONE]`,
		``,
	}, "\n")

	events := collectEvents(t, body)

	var ends []string
	for _, evt := range events {
		if evt.Type == StreamToolCallEnd {
			ends = append(ends, evt.ToolCall.Name)
		}
	}
	assert.Equal(t, []string{"first", "second"}, ends)
}

func TestStreamMalformedArgumentsYieldEmptyMap(t *testing.T) {
	body := strings.Join([]string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"broken","arguments":"{not json"}}]}}]}`,
		`data: [DONE]`,
		``,
	}, "\n")

	events := collectEvents(t, body)

	var call *ParsedToolCall
	for _, evt := range events {
		if evt.Type == StreamToolCallEnd {
			call = evt.ToolCall
		}
	}
	require.NotNil(t, call, "malformed arguments must not drop the call")
	assert.Equal(t, "broken", call.Name)
	assert.Equal(t, map[string]any{}, call.Arguments)
}

func TestStreamEOFWithoutDoneStillFinalizes(t *testing.T) {
	body := `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"pending","arguments":"{}"}}]}}]}` + "\n"

	events := collectEvents(t, body)

	types := make([]string, 0, len(events))
	for _, evt := range events {
		types = append(types, evt.Type)
	}
	assert.Contains(t, types, StreamToolCallEnd)
	assert.Equal(t, StreamDone, events[len(events)-1].Type)
}

func TestStreamSkipsUnparseableChunks(t *testing.T) {
	body := strings.Join([]string{
		`data: {garbage`,
		`data: {"choices":[{"delta":{"content":"ok"}}]}`,
		`data: [DONE]`,
		``,
	}, "\n")

	events := collectEvents(t, body)
	require.Len(t, events, 2)
	assert.Equal(t, "ok", events[0].Text)
}
