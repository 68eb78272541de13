// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeranaias/lmchat/internal/llm"
	"github.com/jeranaias/lmchat/internal/model"
	"github.com/jeranaias/lmchat/internal/persist"
)

// newTestStore builds a session store backed by temp-dir persistence and
// a client pointed at the given server.
func newTestStore(t *testing.T, baseURL string) (*Store, *persist.Store) {
	t.Helper()
	kv, err := persist.NewFileKV(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileKV failed: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	ps := persist.NewStore(kv)
	client := llm.NewClient(&llm.Config{BaseURL: baseURL, DefaultModel: "test-model"})
	return NewStore(client, ps, Options{}), ps
}

// sseHandler streams the deltas then [DONE].
func sseHandler(deltas ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, d := range deltas {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n", d)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n")
	}
}

// waitForPhase polls until the store reaches the phase or the deadline.
func waitForPhase(t *testing.T, s *Store, want Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Phase() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Store never reached phase %v (at %v)", want, s.Phase())
}

// =============================================================================
// SEND FLOW TESTS
// =============================================================================

func TestStore_SendCompletes(t *testing.T) {
	server := httptest.NewServer(sseHandler("Hel", "lo"))
	defer server.Close()

	store, ps := newTestStore(t, server.URL)

	var streamed atomic.Int32
	_, err := store.Send(context.Background(), "hi there",
		func(_, delta string) { streamed.Add(1) },
		func(err error) { t.Errorf("unexpected error callback: %v", err) })
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	store.Wait()

	if store.Phase() != PhaseIdle {
		t.Errorf("Phase = %v after completion, want Idle", store.Phase())
	}
	if store.LastOutcome() != PhaseCompleted {
		t.Errorf("LastOutcome = %v, want Completed", store.LastOutcome())
	}
	if n := streamed.Load(); n != 2 {
		t.Errorf("Expected 2 delta callbacks, got %d", n)
	}

	msgs := store.Messages()
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != model.RoleUser || msgs[0].Content != "hi there" {
		t.Errorf("Unexpected user message: %+v", msgs[0])
	}
	if msgs[1].Role != model.RoleAssistant || msgs[1].Content != "Hello" {
		t.Errorf("Unexpected assistant message: %+v", msgs[1])
	}
	if msgs[1].Streaming {
		t.Error("Assistant message still marked streaming after completion")
	}

	// Terminal transition persisted the conversation.
	stored, ok := ps.LoadMessages()
	if !ok || len(stored) != 2 {
		t.Fatalf("Expected 2 persisted messages, got %d (ok=%v)", len(stored), ok)
	}
	if stored[1].Content != "Hello" {
		t.Errorf("Persisted assistant content = %q, want 'Hello'", stored[1].Content)
	}
}

func TestStore_SendBusy(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n")
		flusher.Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
		fmt.Fprint(w, "data: [DONE]\n")
	}))
	defer server.Close()

	store, _ := newTestStore(t, server.URL)

	_, err := store.Send(context.Background(), "first", func(_, _ string) {}, nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitForPhase(t, store, PhaseStreaming)

	// One request at a time per session.
	_, err = store.Send(context.Background(), "second", func(_, _ string) {}, nil)
	if !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy for concurrent send, got %v", err)
	}

	close(release)
	store.Wait()

	// Idle again: a new send is accepted.
	if store.Phase() != PhaseIdle {
		t.Errorf("Phase = %v, want Idle", store.Phase())
	}
}

// =============================================================================
// CANCELLATION TESTS
// =============================================================================

// TestStore_CancelPreservesPartialContent verifies the cancel contract:
// the partial reply stays exactly as streamed, no error is reported, and
// the terminal phase is Cancelled.
func TestStore_CancelPreservesPartialContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial answ\"}}]}\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	store, _ := newTestStore(t, server.URL)

	var deltas atomic.Int32
	_, err := store.Send(context.Background(), "question",
		func(_, _ string) {
			deltas.Add(1)
			store.Cancel()
		},
		func(err error) { t.Errorf("cancel must not report an error, got %v", err) })
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	store.Wait()

	if store.LastOutcome() != PhaseCancelled {
		t.Errorf("LastOutcome = %v, want Cancelled", store.LastOutcome())
	}
	if n := deltas.Load(); n != 1 {
		t.Errorf("Expected exactly 1 delta before cancel, got %d", n)
	}

	msgs := store.Messages()
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if msgs[1].Content != "partial answ" {
		t.Errorf("Partial content = %q, want 'partial answ'", msgs[1].Content)
	}
}

func TestStore_CancelIdempotent(t *testing.T) {
	server := httptest.NewServer(sseHandler("done"))
	defer server.Close()

	store, _ := newTestStore(t, server.URL)

	cancel, err := store.Send(context.Background(), "q", func(_, _ string) {}, nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	store.Wait()

	// Cancelling after completion (and repeatedly) is a no-op.
	cancel()
	cancel()
	store.Cancel()

	if store.LastOutcome() != PhaseCompleted {
		t.Errorf("Late cancel changed outcome to %v", store.LastOutcome())
	}
}

// =============================================================================
// FAILURE TESTS
// =============================================================================

func TestStore_SendFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"model crashed"}}`))
	}))
	defer server.Close()

	store, _ := newTestStore(t, server.URL)

	var errCalls atomic.Int32
	_, err := store.Send(context.Background(), "q",
		func(_, _ string) { t.Error("unexpected delta on failure") },
		func(err error) {
			errCalls.Add(1)
			if !llm.IsRequestFailure(err) {
				t.Errorf("Expected request failure, got %v", err)
			}
		})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	store.Wait()

	if store.LastOutcome() != PhaseFailed {
		t.Errorf("LastOutcome = %v, want Failed", store.LastOutcome())
	}
	// The error callback fires exactly once per request.
	if n := errCalls.Load(); n != 1 {
		t.Errorf("Expected 1 error callback, got %d", n)
	}
}

// =============================================================================
// CONTEXT AND HISTORY TESTS
// =============================================================================

// TestStore_ActiveContextsSentAsSystemMessages verifies active saved
// contexts lead the wire history as system turns and inactive ones are
// omitted.
func TestStore_ActiveContextsSentAsSystemMessages(t *testing.T) {
	var captured llm.ChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		sseHandler("ok")(w, r)
	}))
	defer server.Close()

	store, _ := newTestStore(t, server.URL)

	onID := store.AddContext("style", "answer tersely")
	store.AddContext("ignored", "never sent")
	store.SetContextActive(onID, true)

	_, err := store.Send(context.Background(), "question", func(_, _ string) {}, nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	store.Wait()

	if len(captured.Messages) != 2 {
		t.Fatalf("Expected 2 wire messages, got %d: %+v", len(captured.Messages), captured.Messages)
	}
	if captured.Messages[0].Role != "system" || captured.Messages[0].Content != "answer tersely" {
		t.Errorf("Expected active context as leading system turn, got %+v", captured.Messages[0])
	}
	if captured.Messages[1].Role != "user" || captured.Messages[1].Content != "question" {
		t.Errorf("Expected user turn last, got %+v", captured.Messages[1])
	}
}

func TestStore_ContextLifecycle(t *testing.T) {
	server := httptest.NewServer(sseHandler("x"))
	defer server.Close()

	store, ps := newTestStore(t, server.URL)

	id := store.AddContext("notes", "content")
	store.SetContextActive(id, true)

	ctxs, active := store.Contexts()
	if len(ctxs) != 1 || !active[id] {
		t.Fatalf("Unexpected contexts: %+v active=%v", ctxs, active)
	}

	// Each mutation persisted immediately.
	stored, ok := ps.LoadContexts()
	if !ok || len(stored) != 1 {
		t.Errorf("Contexts not persisted: %v (ok=%v)", stored, ok)
	}
	ids, ok := ps.LoadActiveContexts()
	if !ok || len(ids) != 1 || ids[0] != id {
		t.Errorf("Active contexts not persisted: %v (ok=%v)", ids, ok)
	}

	// Removing also deactivates.
	store.RemoveContext(id)
	ctxs, active = store.Contexts()
	if len(ctxs) != 0 || active[id] {
		t.Errorf("Remove left state behind: %+v active=%v", ctxs, active)
	}
}

// =============================================================================
// PERSISTENCE AND HYDRATION TESTS
// =============================================================================

func TestStore_LoadPersisted(t *testing.T) {
	server := httptest.NewServer(sseHandler("answer"))
	defer server.Close()

	kv, err := persist.NewFileKV(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileKV failed: %v", err)
	}
	defer kv.Close()
	ps := persist.NewStore(kv)

	// First session: send a message, pick a model.
	first := NewStore(llm.NewClient(&llm.Config{BaseURL: server.URL}), ps, Options{})
	first.SetModel("llama-3.1-8b")
	if _, err := first.Send(context.Background(), "remember me", func(_, _ string) {}, nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	first.Wait()

	// Second session over the same storage hydrates everything.
	second := NewStore(llm.NewClient(&llm.Config{BaseURL: server.URL}), ps, Options{})
	second.LoadPersisted()

	if second.Model() != "llama-3.1-8b" {
		t.Errorf("Model = %q after hydration, want 'llama-3.1-8b'", second.Model())
	}
	msgs := second.Messages()
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 hydrated messages, got %d", len(msgs))
	}
	if msgs[0].Content != "remember me" || msgs[1].Content != "answer" {
		t.Errorf("Hydrated contents wrong: %q / %q", msgs[0].Content, msgs[1].Content)
	}
}

func TestStore_ClearSession(t *testing.T) {
	server := httptest.NewServer(sseHandler("x"))
	defer server.Close()

	store, ps := newTestStore(t, server.URL)
	if _, err := store.Send(context.Background(), "q", func(_, _ string) {}, nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	store.Wait()

	store.ClearSession()

	if len(store.Messages()) != 0 {
		t.Error("Messages remain after ClearSession")
	}
	stored, ok := ps.LoadMessages()
	if ok && len(stored) != 0 {
		t.Errorf("Persisted messages remain after ClearSession: %v", stored)
	}
}

func TestStore_SetServerUsesFactory(t *testing.T) {
	serverA := httptest.NewServer(sseHandler("from A"))
	defer serverA.Close()
	serverB := httptest.NewServer(sseHandler("from B"))
	defer serverB.Close()

	store, ps := newTestStore(t, serverA.URL)
	store.WithClientFactory(func(baseURL string) *llm.Client {
		return llm.NewClient(&llm.Config{BaseURL: baseURL, DefaultModel: "test-model"})
	})

	store.SetServer(serverB.URL)
	if store.Server() != serverB.URL {
		t.Errorf("Server = %q, want %q", store.Server(), serverB.URL)
	}

	if _, err := store.Send(context.Background(), "q", func(_, _ string) {}, nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	store.Wait()

	msgs := store.Messages()
	if msgs[len(msgs)-1].Content != "from B" {
		t.Errorf("Reply came from wrong server: %q", msgs[len(msgs)-1].Content)
	}

	baseURL, ok := ps.LoadBaseURL()
	if !ok || baseURL != serverB.URL {
		t.Errorf("Base URL not persisted: %q (ok=%v)", baseURL, ok)
	}
}

func TestStore_Phases(t *testing.T) {
	if PhaseIdle.String() != "idle" || PhaseStreaming.String() != "streaming" ||
		PhaseCancelled.String() != "cancelled" {
		t.Error("Phase names wrong")
	}
}
