package llm

import (
	"bufio"
	"encoding/json"
	"io"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// maxLineSize bounds a single SSE line; argument fragments are small but a
// non-streamed error body routed through the same reader may not be.
const maxLineSize = 1 << 20

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string          `json:"content"`
			ToolCalls []toolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// toolCallDelta is one fragment of a tool call. Only the first fragment for
// an index carries the id; later fragments are matched positionally.
type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// toolCallBuilder accumulates the fragments of one in-flight tool call.
type toolCallBuilder struct {
	id   string
	name strings.Builder
	args strings.Builder
}

// Stream is the lazy, in-order event sequence of one streaming completion
// request. It is finite and not restartable.
type Stream struct {
	body     io.ReadCloser
	scanner  *bufio.Scanner
	builders map[int]*toolCallBuilder
	queue    []StreamEvent
	current  StreamEvent
	finish   string
	done     bool
	closed   bool
	err      error
	logger   zerolog.Logger
}

func newStream(body io.ReadCloser, logger zerolog.Logger) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Stream{
		body:     body,
		scanner:  scanner,
		builders: make(map[int]*toolCallBuilder),
		logger:   logger,
	}
}

// Next advances to the next event. It returns false once the sequence is
// exhausted; check Err afterwards.
func (s *Stream) Next() bool {
	for {
		if len(s.queue) > 0 {
			s.current = s.queue[0]
			s.queue = s.queue[1:]
			return true
		}
		if s.done {
			return false
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil && s.err == nil {
				s.err = err
			}
			// Stream ended without a [DONE] sentinel; finalize anyway so
			// assembled tool calls are not lost.
			s.complete()
			continue
		}
		s.consumeLine(strings.TrimSpace(s.scanner.Text()))
	}
}

// Event returns the event positioned by the last successful Next.
func (s *Stream) Event() StreamEvent {
	return s.current
}

// Err returns the first error encountered while reading the stream.
func (s *Stream) Err() error {
	return s.err
}

// Close releases the underlying connection.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

func (s *Stream) consumeLine(line string) {
	if !strings.HasPrefix(line, "data: ") {
		return
	}
	payload := strings.TrimPrefix(line, "data: ")
	if payload == "[DONE]" {
		s.complete()
		return
	}

	var chunk streamChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		s.logger.Warn().Err(err).Msg("Skipping unparseable stream chunk")
		return
	}
	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]

	if choice.Delta.Content != "" {
		s.queue = append(s.queue, StreamEvent{Type: StreamText, Text: choice.Delta.Content})
	}

	for _, delta := range choice.Delta.ToolCalls {
		builder, open := s.builders[delta.Index]
		if !open {
			builder = &toolCallBuilder{}
			s.builders[delta.Index] = builder
		}
		if delta.ID != "" {
			builder.id = delta.ID
		}
		if delta.Function.Name != "" {
			builder.name.WriteString(delta.Function.Name)
		}
		if !open {
			s.queue = append(s.queue, StreamEvent{
				Type:  StreamToolCallStart,
				Index: delta.Index,
				ToolCall: &ParsedToolCall{
					ID:   builder.id,
					Name: builder.name.String(),
				},
			})
		}
		if delta.Function.Arguments != "" {
			builder.args.WriteString(delta.Function.Arguments)
			s.queue = append(s.queue, StreamEvent{
				Type:  StreamToolCallDelta,
				Index: delta.Index,
				Text:  delta.Function.Arguments,
			})
		}
	}

	if choice.FinishReason != "" {
		s.finish = choice.FinishReason
	}
}

// complete finalizes every open tool-call builder in positional order and
// terminates the sequence with a StreamDone event.
func (s *Stream) complete() {
	if s.done {
		return
	}
	s.done = true

	indexes := make([]int, 0, len(s.builders))
	for idx := range s.builders {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	for _, idx := range indexes {
		builder := s.builders[idx]
		call := ParsedToolCall{
			ID:        builder.id,
			Name:      builder.name.String(),
			Arguments: map[string]any{},
		}
		args := strings.TrimSpace(builder.args.String())
		if args != "" {
			if err := json.Unmarshal([]byte(args), &call.Arguments); err != nil {
				s.logger.Warn().
					Str("tool", call.Name).
					Err(err).
					Msg("Malformed tool call arguments, passing empty mapping")
				call.Arguments = map[string]any{}
			}
		}
		s.queue = append(s.queue, StreamEvent{
			Type:     StreamToolCallEnd,
			Index:    idx,
			ToolCall: &call,
		})
	}

	s.queue = append(s.queue, StreamEvent{Type: StreamDone, FinishReason: s.finish})
	s.Close()
}
