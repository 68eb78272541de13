// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// A Message is created on user submit or stream start (assistant
// placeholder with empty content), mutated in place by content appends
// during streaming, and never deleted except by explicit session clear or
// bounded-history eviction. The Conversation owns all live messages;
// consumers receive value snapshots only.
package model
