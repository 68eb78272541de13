// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"io"
	"strings"
	"testing"
)

// chunkedReader delivers its payload n bytes at a time, simulating
// transport chunk boundaries that split lines mid-token.
type chunkedReader struct {
	data []byte
	n    int
	pos  int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	end := r.pos + r.n
	if end > len(r.data) {
		end = len(r.data)
	}
	copied := copy(p, r.data[r.pos:end])
	r.pos += copied
	return copied, nil
}

// drain reads all events until the terminal one, returning the
// concatenated delta text and the terminal event.
func drain(t *testing.T, s *SSEReader) (string, StreamEvent) {
	t.Helper()
	var content strings.Builder
	for {
		ev, err := s.Next()
		if err != nil {
			t.Fatalf("Next returned error before terminal event: %v", err)
		}
		if ev.Type == EventDelta {
			content.WriteString(ev.Text)
			continue
		}
		return content.String(), ev
	}
}

// =============================================================================
// DECODING TESTS
// =============================================================================

func TestSSEReader_BasicStream(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"He\"}}]}\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"llo\"}}]}\n" +
		"data: [DONE]\n"

	reader := NewSSEReader(strings.NewReader(body))
	content, terminal := drain(t, reader)

	if content != "Hello" {
		t.Errorf("Expected content 'Hello', got %q", content)
	}
	if terminal.Type != EventDone {
		t.Errorf("Expected Done terminal event, got %v", terminal.Type)
	}
	if reader.SkippedLines() != 0 {
		t.Errorf("Expected no skipped lines, got %d", reader.SkippedLines())
	}
}

// TestSSEReader_ChunkBoundaries verifies decoding is independent of how
// the body is split across transport reads: delivering the same stream
// one byte at a time must produce identical output.
func TestSSEReader_ChunkBoundaries(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"alpha \"}}]}\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"beta \"}}]}\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"gamma\"}}]}\n" +
		"data: [DONE]\n"

	want, _ := drain(t, NewSSEReader(strings.NewReader(body)))

	for _, chunkSize := range []int{1, 2, 3, 7, 16, 64} {
		reader := NewSSEReader(&chunkedReader{data: []byte(body), n: chunkSize})
		got, terminal := drain(t, reader)
		if got != want {
			t.Errorf("chunk size %d: content %q, want %q", chunkSize, got, want)
		}
		if terminal.Type != EventDone {
			t.Errorf("chunk size %d: terminal %v, want Done", chunkSize, terminal.Type)
		}
		if reader.SkippedLines() != 0 {
			t.Errorf("chunk size %d: skipped %d lines", chunkSize, reader.SkippedLines())
		}
	}
}

func TestSSEReader_CRLFLineEndings(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\r\n" +
		"data: [DONE]\r\n"

	content, terminal := drain(t, NewSSEReader(strings.NewReader(body)))
	if content != "hi" {
		t.Errorf("Expected 'hi', got %q", content)
	}
	if terminal.Type != EventDone {
		t.Errorf("Expected Done, got %v", terminal.Type)
	}
}

// TestSSEReader_MalformedLinesSkipped verifies the leniency policy:
// unparseable data lines are skipped and counted, never fatal.
func TestSSEReader_MalformedLinesSkipped(t *testing.T) {
	body := "data: {not valid json\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n" +
		"data: also broken}\n" +
		"data: [DONE]\n"

	reader := NewSSEReader(strings.NewReader(body))
	content, terminal := drain(t, reader)

	if content != "ok" {
		t.Errorf("Expected 'ok', got %q", content)
	}
	if terminal.Type != EventDone {
		t.Errorf("Expected Done, got %v", terminal.Type)
	}
	if reader.SkippedLines() != 2 {
		t.Errorf("Expected 2 skipped lines, got %d", reader.SkippedLines())
	}
}

func TestSSEReader_NonDataLinesIgnored(t *testing.T) {
	body := ": keep-alive comment\n" +
		"event: message\n" +
		"id: 42\n" +
		"\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n" +
		"data: [DONE]\n"

	reader := NewSSEReader(strings.NewReader(body))
	content, _ := drain(t, reader)

	if content != "x" {
		t.Errorf("Expected 'x', got %q", content)
	}
	// Framing lines are not data payloads; they must not count as skips.
	if reader.SkippedLines() != 0 {
		t.Errorf("Expected 0 skipped lines, got %d", reader.SkippedLines())
	}
}

func TestSSEReader_EmptyDeltasProduceNoEvents(t *testing.T) {
	// Role-only delta and finish_reason marker carry no content.
	body := "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n" +
		"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n" +
		"data: [DONE]\n"

	reader := NewSSEReader(strings.NewReader(body))
	content, terminal := drain(t, reader)

	if content != "" {
		t.Errorf("Expected no content, got %q", content)
	}
	if terminal.Type != EventDone {
		t.Errorf("Expected Done, got %v", terminal.Type)
	}
	if reader.EventCount() != 1 {
		t.Errorf("Expected exactly 1 event (Done), got %d", reader.EventCount())
	}
}

func TestSSEReader_ErrorPayloadObject(t *testing.T) {
	body := "data: {\"error\":{\"message\":\"model not loaded\",\"code\":\"model_error\"}}\n"

	reader := NewSSEReader(strings.NewReader(body))
	ev, err := reader.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if ev.Type != EventError {
		t.Fatalf("Expected Error event, got %v", ev.Type)
	}
	if ev.Message != "model not loaded" {
		t.Errorf("Expected 'model not loaded', got %q", ev.Message)
	}
}

func TestSSEReader_ErrorPayloadBareString(t *testing.T) {
	body := "data: {\"error\":\"out of memory\"}\n"

	reader := NewSSEReader(strings.NewReader(body))
	ev, err := reader.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if ev.Type != EventError {
		t.Fatalf("Expected Error event, got %v", ev.Type)
	}
	if ev.Message != "out of memory" {
		t.Errorf("Expected 'out of memory', got %q", ev.Message)
	}
}

// TestSSEReader_EOFWithoutSentinel verifies the stream is finite even
// when the server closes the connection without sending [DONE].
func TestSSEReader_EOFWithoutSentinel(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n"

	reader := NewSSEReader(strings.NewReader(body))
	content, terminal := drain(t, reader)

	if content != "partial" {
		t.Errorf("Expected 'partial', got %q", content)
	}
	if terminal.Type != EventDone {
		t.Errorf("Expected synthesized Done at EOF, got %v", terminal.Type)
	}
}

// TestSSEReader_TrailingPartialLine verifies a final line without a
// newline is still decoded at EOF.
func TestSSEReader_TrailingPartialLine(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}" // no trailing \n

	content, _ := drain(t, NewSSEReader(strings.NewReader(body)))
	if content != "ab" {
		t.Errorf("Expected 'ab', got %q", content)
	}
}

func TestSSEReader_EOFAfterTerminal(t *testing.T) {
	reader := NewSSEReader(strings.NewReader("data: [DONE]\n"))

	ev, err := reader.Next()
	if err != nil || ev.Type != EventDone {
		t.Fatalf("Expected Done, got %v %v", ev.Type, err)
	}

	for i := 0; i < 3; i++ {
		if _, err := reader.Next(); err != io.EOF {
			t.Errorf("Next after terminal: expected io.EOF, got %v", err)
		}
	}
}

func TestParseErrorPayload(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"object form", `{"message":"boom","code":"x"}`, "boom"},
		{"bare string", `"boom"`, "boom"},
		{"unrecognized", `[1,2]`, "[1,2]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseErrorPayload([]byte(tt.raw)); got != tt.want {
				t.Errorf("parseErrorPayload(%s) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}
