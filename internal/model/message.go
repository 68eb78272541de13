// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// ParseRole converts a wire-format role string to a Role.
// "developer" is accepted as an alias for the system role, matching
// newer OpenAI-compatible servers.
func ParseRole(s string) (Role, bool) {
	switch s {
	case "user":
		return RoleUser, true
	case "assistant":
		return RoleAssistant, true
	case "system", "developer":
		return RoleSystem, true
	}
	return "", false
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a conversation.
//
// While an assistant message is streaming, content accumulates in an
// internal strings.Builder and Content stays empty; FinalizeStream moves
// the accumulated text into Content. Message is not safe for concurrent
// use; the session store serializes all access.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`

	// Content (immutable once streaming finishes)
	Content string `json:"content"`

	// Streaming state (not persisted)
	// strings.Builder avoids quadratic allocations during streaming
	Streaming     bool            `json:"-"`
	streamContent strings.Builder `json:"-"`

	// Generation statistics (assistant messages only)
	Stats *GenStats `json:"stats,omitempty"`
}

// NewMessage creates a new message with a generated ID.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) *Message {
	return NewMessage(RoleUser, content)
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) *Message {
	return NewMessage(RoleSystem, content)
}

// NewAssistantMessage creates an empty assistant message in streaming state.
func NewAssistantMessage() *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		CreatedAt: time.Now(),
		Streaming: true,
	}
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// AppendDelta appends a streamed content fragment. No-op once streaming
// has been finalized, so a late delta can never corrupt final content.
func (m *Message) AppendDelta(delta string) {
	if m.Streaming {
		m.streamContent.WriteString(delta)
	}
}

// FinalizeStream completes streaming, moving accumulated content into
// Content. Partial content at cancellation time is preserved as-is.
func (m *Message) FinalizeStream(stats *GenStats) {
	if !m.Streaming {
		return
	}
	m.Content = m.streamContent.String()
	m.streamContent.Reset()
	m.Streaming = false
	if stats != nil {
		m.Stats = stats
	}
}

// ContentNow returns the current content, streamed or final.
func (m *Message) ContentNow() string {
	if m.Streaming {
		return m.streamContent.String()
	}
	return m.Content
}

// Snapshot returns an immutable value copy of the message with the
// current content resolved. Callers outside the session store only ever
// see snapshots.
func (m *Message) Snapshot() Message {
	return Message{
		ID:        m.ID,
		Role:      m.Role,
		CreatedAt: m.CreatedAt,
		Content:   m.ContentNow(),
		Streaming: m.Streaming,
		Stats:     m.Stats,
	}
}

// IsEmpty returns true if the message has no content.
func (m *Message) IsEmpty() bool {
	return len(m.Content) == 0 && m.streamContent.Len() == 0
}

// EstimateTokens gives a rough estimate of token count (~4 chars/token).
func (m *Message) EstimateTokens() int {
	return (len(m.ContentNow()) + 3) / 4
}

// =============================================================================
// GENERATION STATISTICS
// =============================================================================

// GenStats holds timing and token information for one generation.
type GenStats struct {
	StartTime      time.Time     `json:"-"`
	TTFT           time.Duration `json:"ttft_ns,omitempty"`
	TotalDuration  time.Duration `json:"total_duration_ns,omitempty"`
	DeltaCount     int           `json:"delta_count,omitempty"`
	TokensPerSec   float64       `json:"tokens_per_sec,omitempty"`
	firstTokenSeen bool
}

// NewGenStats creates stats with the start time set.
func NewGenStats() *GenStats {
	return &GenStats{StartTime: time.Now()}
}

// RecordDelta records the arrival of one content fragment.
func (s *GenStats) RecordDelta() {
	if !s.firstTokenSeen {
		s.firstTokenSeen = true
		s.TTFT = time.Since(s.StartTime)
	}
	s.DeltaCount++
}

// Finalize computes the derived metrics.
func (s *GenStats) Finalize() {
	s.TotalDuration = time.Since(s.StartTime)
	if s.TotalDuration > 0 {
		s.TokensPerSec = float64(s.DeltaCount) / s.TotalDuration.Seconds()
	}
}
