// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "time"

// DefaultMaxMessages bounds conversation history. When exceeded, the
// oldest non-system messages are pruned to prevent unbounded memory growth.
const DefaultMaxMessages = 500

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation holds an ordered chat history.
//
// Conversation is not safe for concurrent use; it is owned exclusively by
// the session store, which serializes access. Snapshot accessors return
// value copies so consumers never alias live streaming state.
type Conversation struct {
	messages    []*Message
	maxMessages int
	updatedAt   time.Time
}

// NewConversation creates an empty conversation with the default bound.
func NewConversation() *Conversation {
	return NewConversationWithLimit(DefaultMaxMessages)
}

// NewConversationWithLimit creates an empty conversation holding at most
// maxMessages messages (0 or negative means the default bound).
func NewConversationWithLimit(maxMessages int) *Conversation {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Conversation{
		messages:    make([]*Message, 0),
		maxMessages: maxMessages,
	}
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// Append adds a message and enforces the history bound.
func (c *Conversation) Append(msg *Message) {
	c.messages = append(c.messages, msg)
	c.updatedAt = time.Now()
	c.prune()
}

// Get returns the live message with the given ID, or nil.
// Only the session store may call this; everyone else gets snapshots.
func (c *Conversation) Get(id string) *Message {
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].ID == id {
			return c.messages[i]
		}
	}
	return nil
}

// Last returns the most recent live message, or nil if empty.
func (c *Conversation) Last() *Message {
	if len(c.messages) == 0 {
		return nil
	}
	return c.messages[len(c.messages)-1]
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	return len(c.messages)
}

// UpdatedAt returns the time of the last mutation.
func (c *Conversation) UpdatedAt() time.Time {
	return c.updatedAt
}

// Clear removes all messages.
func (c *Conversation) Clear() {
	c.messages = c.messages[:0]
	c.updatedAt = time.Now()
}

// Snapshot returns immutable value copies of all messages in order.
func (c *Conversation) Snapshot() []Message {
	out := make([]Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = m.Snapshot()
	}
	return out
}

// Recent returns snapshots of the most recent n messages in order.
// System messages are always included regardless of n.
func (c *Conversation) Recent(n int) []Message {
	if n <= 0 || n >= len(c.messages) {
		return c.Snapshot()
	}

	cutoff := len(c.messages) - n
	out := make([]Message, 0, n)
	for i, m := range c.messages {
		if i < cutoff && m.Role != RoleSystem {
			continue
		}
		out = append(out, m.Snapshot())
	}
	return out
}

// prune drops the oldest non-system messages once over the bound.
func (c *Conversation) prune() {
	for len(c.messages) > c.maxMessages {
		removed := false
		for i, m := range c.messages {
			if m.Role != RoleSystem {
				c.messages = append(c.messages[:i], c.messages[i+1:]...)
				removed = true
				break
			}
		}
		if !removed {
			// Nothing but system messages left; drop the oldest anyway.
			c.messages = c.messages[1:]
		}
	}
}
