// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package llm implements the streaming inference client for an
// OpenAI-compatible chat completions server.
//
// The package has three layers, leaves first:
//
//   - transport: plain net/http requests; streaming bodies are read
//     under the caller's context, which doubles as the cancellation
//     token for mid-stream aborts.
//   - SSEReader: decodes the text/event-stream body into a finite
//     sequence of StreamEvents (Delta, Done, Error), tolerating
//     malformed lines at chunk boundaries.
//   - Client: builds chat completion requests, drives transport and
//     decoder, and forwards content fragments and one terminal error to
//     the caller. Failures are classified into the stable Kind set;
//     cancellation is never reported as an error.
//
// Metadata lookups (ListModels, DescribeModel) are idempotent GETs,
// rate-limited and cached through an attached cache.Cache.
package llm
