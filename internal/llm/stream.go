// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/jeranaias/lmchat/internal/util"
)

// =============================================================================
// STREAM EVENTS
// =============================================================================

// EventType tags a StreamEvent.
type EventType int

const (
	// EventDelta carries an incremental fragment of generated text.
	EventDelta EventType = iota

	// EventDone ends the stream normally.
	EventDone

	// EventError ends the stream with a server-reported error.
	EventError
)

// StreamEvent is the decoder's output: Delta(text), Done, or
// Error(message). Each stream yields a finite sequence ending in exactly
// one Done or Error.
type StreamEvent struct {
	Type    EventType
	Text    string // set for EventDelta
	Message string // set for EventError
}

// =============================================================================
// SSE READER
// =============================================================================

// doneSentinel is the terminal payload of the event stream.
var doneSentinel = []byte("[DONE]")

// streamChunk is the parsed form of one data payload.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error json.RawMessage `json:"error,omitempty"`
}

// SSEReader decodes a server-sent-event token stream into StreamEvents.
//
// The reader is lazy, finite, and non-restartable: events are produced as
// bytes arrive, and after the terminal Done or Error event every further
// Next call returns io.EOF.
//
// Malformed data payloads are skipped, not surfaced: partial lines occur
// at chunk boundaries and keep-alive comments are routine, so a parse
// failure must never abort the stream. Skips are logged at debug level
// and counted so callers can detect protocol drift.
type SSEReader struct {
	reader   *bufio.Reader
	logger   *slog.Logger
	finished bool
	events   int
	skipped  int
}

// NewSSEReader creates a reader over an event-stream body.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{
		reader: bufio.NewReader(r),
		logger: slog.Default(),
	}
}

// WithLogger sets the logger used for skipped-line debug output.
func (s *SSEReader) WithLogger(logger *slog.Logger) *SSEReader {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// EventCount returns the number of events emitted so far.
func (s *SSEReader) EventCount() int { return s.events }

// SkippedLines returns the number of unparseable data lines skipped.
// A nonzero count with zero events suggests the server speaks a
// different framing than expected.
func (s *SSEReader) SkippedLines() int { return s.skipped }

// Next returns the next event. Because lines are read whole, a line
// split across transport chunks decodes identically to one delivered in
// a single chunk, and a cancelled read can never surface a torn delta.
//
// After the terminal event, Next returns io.EOF. Transport read errors
// are returned as-is for the client to classify.
func (s *SSEReader) Next() (StreamEvent, error) {
	if s.finished {
		return StreamEvent{}, io.EOF
	}

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				// Process a trailing partial line, then treat EOF as a
				// normal end of stream even without the [DONE] sentinel.
				if ev, ok := s.decodeLine(line); ok {
					if ev.Type != EventDelta {
						s.finished = true
					}
					s.events++
					return ev, nil
				}
				s.finished = true
				return StreamEvent{Type: EventDone}, nil
			}
			return StreamEvent{}, err
		}

		ev, ok := s.decodeLine(line)
		if !ok {
			continue
		}
		if ev.Type != EventDelta {
			s.finished = true
		}
		s.events++
		return ev, nil
	}
}

// decodeLine decodes a single line into an event. Returns ok=false for
// blank lines, non-data fields, empty deltas, and malformed payloads.
func (s *SSEReader) decodeLine(line []byte) (StreamEvent, bool) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return StreamEvent{}, false
	}

	// Only data fields carry payloads; event:, id:, retry:, and comment
	// lines are part of the framing and ignored.
	if !bytes.HasPrefix(line, []byte("data:")) {
		return StreamEvent{}, false
	}
	payload := bytes.TrimSpace(line[len("data:"):])

	if bytes.Equal(payload, doneSentinel) {
		return StreamEvent{Type: EventDone}, true
	}

	var chunk streamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		s.skipped++
		s.logger.Debug("skipping unparseable stream line",
			"payload", util.TruncateString(string(payload), 120),
			"err", err)
		return StreamEvent{}, false
	}

	if len(chunk.Error) > 0 && !bytes.Equal(chunk.Error, []byte("null")) {
		return StreamEvent{Type: EventError, Message: parseErrorPayload(chunk.Error)}, true
	}

	if len(chunk.Choices) > 0 {
		if content := chunk.Choices[0].Delta.Content; content != "" {
			return StreamEvent{Type: EventDelta, Text: content}, true
		}
	}

	// A recognized chunk with no content (role-only delta, finish_reason
	// marker). The [DONE] sentinel still terminates the stream.
	return StreamEvent{}, false
}

// parseErrorPayload extracts a message from an error field that may be
// either an object {"message": ...} or a bare string.
func parseErrorPayload(raw json.RawMessage) string {
	var obj struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	return string(raw)
}
