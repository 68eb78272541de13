// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session owns in-memory conversation state and coordinates the
// inference client with session persistence.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/lmchat/internal/llm"
	"github.com/jeranaias/lmchat/internal/model"
	"github.com/jeranaias/lmchat/internal/persist"
)

// =============================================================================
// PHASES
// =============================================================================

// Phase is the per-request state machine:
// Idle -> Sending -> Streaming -> (Completed | Cancelled | Failed) -> Idle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSending
	PhaseStreaming
	PhaseCompleted
	PhaseCancelled
	PhaseFailed
)

// String returns a short name for the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSending:
		return "sending"
	case PhaseStreaming:
		return "streaming"
	case PhaseCompleted:
		return "completed"
	case PhaseCancelled:
		return "cancelled"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrBusy is returned by Send while a streaming request is in flight.
// Only one request is active at a time per session.
var ErrBusy = errors.New("a streaming request is already in flight")

// =============================================================================
// CALLBACKS
// =============================================================================

// DeltaFunc receives each applied content fragment along with the id of
// the assistant message it was appended to.
type DeltaFunc func(messageID, delta string)

// ErrorFunc receives the single terminal error of a failed request.
// Cancellation never produces a call.
type ErrorFunc func(err error)

// =============================================================================
// OPTIONS
// =============================================================================

// Options configures a session store.
type Options struct {
	// MaxMessages bounds the in-memory conversation (0 = default).
	MaxMessages int

	// MaxHistory is how many recent messages are sent with each request
	// (0 = 20).
	MaxHistory int
}

// ClientFactory builds an inference client for a base URL. Used by
// SetServer so switching servers constructs a fresh client value instead
// of mutating a shared one.
type ClientFactory func(baseURL string) *llm.Client

// =============================================================================
// STORE
// =============================================================================

// Store owns the conversation, applies streamed deltas to the active
// reply, and keeps persisted state in sync with every mutating action.
//
// All state is guarded by one mutex; callbacks are invoked outside the
// lock. Delta application is race-safe against cancellation: the
// cancelled flag is checked before applying each delta, not just before
// the read starts, so a fragment that arrives after cancel is discarded.
type Store struct {
	mu sync.Mutex

	conv    *model.Conversation
	client  *llm.Client
	persist *persist.Store
	factory ClientFactory
	logger  *slog.Logger

	maxHistory int

	// In-flight request state
	phase       Phase
	lastOutcome Phase
	activeID    string
	cancelFn    context.CancelFunc
	cancelled   bool
	doneCh      chan struct{}

	// Session configuration
	modelID  string
	baseURL  string
	contexts []persist.SavedContext
	active   map[string]bool
}

// NewStore creates a session store over a client and a persistence store.
func NewStore(client *llm.Client, ps *persist.Store, opts Options) *Store {
	maxHistory := opts.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 20
	}
	return &Store{
		conv:       model.NewConversationWithLimit(opts.MaxMessages),
		client:     client,
		persist:    ps,
		logger:     slog.Default(),
		maxHistory: maxHistory,
		baseURL:    client.BaseURL(),
		active:     make(map[string]bool),
	}
}

// WithClientFactory enables SetServer to rebuild the client per base URL.
func (s *Store) WithClientFactory(factory ClientFactory) *Store {
	s.factory = factory
	return s
}

// WithLogger sets the store logger.
func (s *Store) WithLogger(logger *slog.Logger) *Store {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// =============================================================================
// PERSISTED STATE HYDRATION
// =============================================================================

// LoadPersisted reads all persisted fields into memory. Called once at
// session start; fields that are absent or were quarantined as corrupt
// simply stay at their defaults.
func (s *Store) LoadPersisted() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msgs, ok := s.persist.LoadMessages(); ok {
		s.conv.Clear()
		for _, sm := range msgs {
			role, ok := model.ParseRole(sm.Role)
			if !ok {
				continue
			}
			msg := model.NewMessage(role, sm.Content)
			msg.ID = sm.ID
			msg.CreatedAt = sm.CreatedAt
			s.conv.Append(msg)
		}
	}
	if ctxs, ok := s.persist.LoadContexts(); ok {
		s.contexts = ctxs
	}
	if ids, ok := s.persist.LoadActiveContexts(); ok {
		s.active = make(map[string]bool, len(ids))
		for _, id := range ids {
			s.active[id] = true
		}
	}
	if id, ok := s.persist.LoadModel(); ok {
		s.modelID = id
	}
	if baseURL, ok := s.persist.LoadBaseURL(); ok && baseURL != s.baseURL {
		s.baseURL = baseURL
		if s.factory != nil {
			s.client = s.factory(baseURL)
		}
	}
}

// =============================================================================
// SENDING
// =============================================================================

// Send submits a user turn and streams the assistant reply.
//
// Returns the cancel function for this request. Cancel is idempotent;
// cancelling stops the transport read promptly, suppresses further delta
// application, and leaves the partial reply exactly as it was. onErr is
// invoked at most once, and never for cancellation. ErrBusy is returned
// if a request is already streaming.
func (s *Store) Send(ctx context.Context, text string, onDelta DeltaFunc, onErr ErrorFunc) (func(), error) {
	s.mu.Lock()

	if s.phase == PhaseSending || s.phase == PhaseStreaming {
		s.mu.Unlock()
		return nil, ErrBusy
	}

	user := model.NewUserMessage(text)
	s.conv.Append(user)

	asst := model.NewAssistantMessage()
	s.conv.Append(asst)

	req := llm.ChatRequest{
		Model:    s.modelID,
		Messages: s.buildHistoryLocked(),
	}

	streamCtx, cancelCtx := context.WithCancel(ctx)
	s.phase = PhaseSending
	s.cancelled = false
	s.cancelFn = cancelCtx
	s.activeID = asst.ID
	s.doneCh = make(chan struct{})
	requestID := asst.ID
	client := s.client
	s.mu.Unlock()

	s.persistMessages()

	stats := model.NewGenStats()
	go func() {
		defer cancelCtx()
		err := client.ChatStream(streamCtx, req, func(delta string) {
			s.applyDelta(requestID, delta, stats, onDelta)
		})
		s.finish(requestID, stats, err, onErr)
	}()

	return func() { s.cancelRequest(requestID) }, nil
}

// Cancel cancels the current in-flight request, if any. Idempotent.
func (s *Store) Cancel() {
	s.mu.Lock()
	id := s.activeID
	s.mu.Unlock()
	if id != "" {
		s.cancelRequest(id)
	}
}

// cancelRequest marks one request cancelled and stops its transport read.
func (s *Store) cancelRequest(id string) {
	s.mu.Lock()
	if s.activeID != id || s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	fn := s.cancelFn
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// applyDelta appends one fragment to the active reply.
//
// The append reads the current message through the conversation rather
// than a pointer captured at stream start, so concurrent code paths that
// touch the same message can never lose updates.
func (s *Store) applyDelta(id, delta string, stats *model.GenStats, onDelta DeltaFunc) {
	s.mu.Lock()

	// Deltas arriving after cancellation (or for a stale request) are
	// discarded before touching any state.
	if s.cancelled || s.activeID != id {
		s.mu.Unlock()
		return
	}

	// First fragment of the response body: Sending -> Streaming.
	if s.phase == PhaseSending {
		s.phase = PhaseStreaming
	}

	msg := s.conv.Get(id)
	if msg == nil {
		s.mu.Unlock()
		return
	}
	msg.AppendDelta(delta)
	stats.RecordDelta()
	s.mu.Unlock()

	// Callback outside the lock.
	if onDelta != nil {
		onDelta(id, delta)
	}
}

// finish moves the request to its terminal phase and back to Idle.
func (s *Store) finish(id string, stats *model.GenStats, err error, onErr ErrorFunc) {
	s.mu.Lock()
	if s.activeID != id {
		s.mu.Unlock()
		return
	}

	outcome := PhaseCompleted
	switch {
	case s.cancelled:
		outcome = PhaseCancelled
		err = nil
	case err != nil:
		outcome = PhaseFailed
	}

	stats.Finalize()
	if msg := s.conv.Get(id); msg != nil {
		// Preserves partial content exactly as streamed on cancel/fail.
		msg.FinalizeStream(stats)
	}

	s.lastOutcome = outcome
	s.phase = PhaseIdle
	s.activeID = ""
	s.cancelFn = nil
	close(s.doneCh)
	s.mu.Unlock()

	s.persistMessages()

	if outcome == PhaseFailed {
		s.logger.Warn("streaming request failed",
			"kind", llm.KindOf(err).String(), "err", err)
		if onErr != nil {
			onErr(err)
		}
	}
}

// buildHistoryLocked assembles the wire history: active saved contexts
// as system turns, then the truncated recent history. Must hold lock.
func (s *Store) buildHistoryLocked() []llm.ChatMessage {
	var history []llm.ChatMessage

	for _, c := range s.contexts {
		if s.active[c.ID] {
			history = append(history, llm.NewSystemMessage(c.Content))
		}
	}

	for _, m := range s.conv.Recent(s.maxHistory) {
		// The freshly added assistant placeholder (and any other empty
		// turn) carries no content for the server.
		if m.Content == "" {
			continue
		}
		history = append(history, llm.ChatMessage{
			Role:    m.Role.String(),
			Content: m.Content,
		})
	}
	return history
}

// =============================================================================
// SESSION STATE ACCESSORS
// =============================================================================

// Phase returns the current request phase.
func (s *Store) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Wait blocks until the most recent request reaches its terminal phase.
// Returns immediately when no request has been sent or it already ended.
func (s *Store) Wait() {
	s.mu.Lock()
	ch := s.doneCh
	s.mu.Unlock()
	if ch != nil {
		<-ch
	}
}

// LastOutcome returns the terminal phase of the most recent request.
func (s *Store) LastOutcome() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOutcome
}

// Messages returns an immutable snapshot of the conversation.
func (s *Store) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Snapshot()
}

// Model returns the selected model id.
func (s *Store) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modelID
}

// Server returns the current base URL.
func (s *Store) Server() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseURL
}

// =============================================================================
// MUTATING ACTIONS (each one persists)
// =============================================================================

// ClearSession discards the conversation, in memory and on disk.
func (s *Store) ClearSession() {
	s.mu.Lock()
	s.conv.Clear()
	s.mu.Unlock()
	s.persistMessages()
}

// SetModel selects the model used for subsequent sends.
func (s *Store) SetModel(id string) {
	s.mu.Lock()
	s.modelID = id
	s.mu.Unlock()
	if err := s.persist.SaveModel(id); err != nil {
		s.logger.Warn("failed to persist model", "err", err)
	}
}

// SetServer switches to a different base URL, constructing a fresh
// client through the factory. No-op without a factory.
func (s *Store) SetServer(baseURL string) {
	s.mu.Lock()
	if s.factory == nil {
		s.mu.Unlock()
		return
	}
	s.baseURL = baseURL
	s.client = s.factory(baseURL)
	s.mu.Unlock()
	if err := s.persist.SaveBaseURL(baseURL); err != nil {
		s.logger.Warn("failed to persist base url", "err", err)
	}
}

// AddContext saves a named context snippet and returns its id.
func (s *Store) AddContext(name, content string) string {
	ctx := persist.SavedContext{
		ID:        uuid.NewString(),
		Name:      name,
		Content:   content,
		CreatedAt: time.Now(),
	}
	s.mu.Lock()
	s.contexts = append(s.contexts, ctx)
	s.mu.Unlock()
	s.persistContexts()
	return ctx.ID
}

// RemoveContext deletes a saved context snippet and deactivates it.
func (s *Store) RemoveContext(id string) {
	s.mu.Lock()
	for i, c := range s.contexts {
		if c.ID == id {
			s.contexts = append(s.contexts[:i], s.contexts[i+1:]...)
			break
		}
	}
	delete(s.active, id)
	s.mu.Unlock()
	s.persistContexts()
	s.persistActive()
}

// SetContextActive toggles whether a saved context is included in sends.
func (s *Store) SetContextActive(id string, isActive bool) {
	s.mu.Lock()
	if isActive {
		s.active[id] = true
	} else {
		delete(s.active, id)
	}
	s.mu.Unlock()
	s.persistActive()
}

// ListModels lists the models the current server offers.
func (s *Store) ListModels(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	return client.ListModels(ctx)
}

// DescribeModel fetches metadata for one model on the current server.
// Returns (nil, nil) when the server does not know the model.
func (s *Store) DescribeModel(ctx context.Context, id string) (*llm.ModelInfo, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	return client.DescribeModel(ctx, id)
}

// Probe checks that the selected model is loaded and responsive.
func (s *Store) Probe(ctx context.Context) bool {
	s.mu.Lock()
	client := s.client
	modelID := s.modelID
	s.mu.Unlock()
	return client.Probe(ctx, modelID)
}

// Export returns a portable snapshot of the persisted session state.
func (s *Store) Export() persist.Snapshot {
	return s.persist.ExportAll()
}

// Contexts returns copies of the saved contexts and the active id set.
func (s *Store) Contexts() ([]persist.SavedContext, map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctxs := make([]persist.SavedContext, len(s.contexts))
	copy(ctxs, s.contexts)
	active := make(map[string]bool, len(s.active))
	for id := range s.active {
		active[id] = true
	}
	return ctxs, active
}

// =============================================================================
// PERSISTENCE HELPERS
// =============================================================================

// persistMessages writes the current conversation. Delta appends during
// streaming are folded into the single write at the terminal transition;
// every discrete mutating action writes immediately.
func (s *Store) persistMessages() {
	s.mu.Lock()
	snap := s.conv.Snapshot()
	s.mu.Unlock()

	stored := make([]persist.StoredMessage, 0, len(snap))
	for _, m := range snap {
		stored = append(stored, persist.StoredMessage{
			ID:        m.ID,
			Role:      m.Role.String(),
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	if err := s.persist.SaveMessages(stored); err != nil {
		s.logger.Warn("failed to persist messages", "err", err)
	}
}

func (s *Store) persistContexts() {
	s.mu.Lock()
	ctxs := make([]persist.SavedContext, len(s.contexts))
	copy(ctxs, s.contexts)
	s.mu.Unlock()

	if err := s.persist.SaveContexts(ctxs); err != nil {
		s.logger.Warn("failed to persist contexts", "err", err)
	}
}

func (s *Store) persistActive() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	if err := s.persist.SaveActiveContexts(ids); err != nil {
		s.logger.Warn("failed to persist active contexts", "err", err)
	}
}
