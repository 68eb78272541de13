// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package persist

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jeranaias/lmchat/internal/model"
)

// =============================================================================
// FIELDS
// =============================================================================

// Field identifies one independently stored slice of session state.
// Each field lives under its own key so a corrupt field can be dropped
// without invalidating the rest.
type Field string

const (
	FieldMessages       Field = "lmchat.messages"
	FieldContexts       Field = "lmchat.contexts"
	FieldActiveContexts Field = "lmchat.active_contexts"
	FieldModel          Field = "lmchat.model"
	FieldBaseURL        Field = "lmchat.base_url"
)

// AllFields lists every persisted field.
var AllFields = []Field{
	FieldMessages,
	FieldContexts,
	FieldActiveContexts,
	FieldModel,
	FieldBaseURL,
}

// =============================================================================
// STORED TYPES
// =============================================================================

// StoredMessage is the persisted form of one conversation turn.
type StoredMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SavedContext is a saved context snippet the user can toggle into the
// conversation.
type SavedContext struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// envelopeVersion is the current storage document version.
const envelopeVersion = 1

// envelope is the self-describing document stored under each key.
type envelope struct {
	Version int             `json:"version"`
	Field   string          `json:"field"`
	SavedAt time.Time       `json:"saved_at"`
	Data    json.RawMessage `json:"data"`
}

// =============================================================================
// VALIDATORS
// =============================================================================

// validator is a field-specific shape predicate run on every load before
// the value is trusted.
type validator func(raw json.RawMessage) error

var validators = map[Field]validator{
	FieldMessages:       validateMessages,
	FieldContexts:       validateContexts,
	FieldActiveContexts: validateActiveContexts,
	FieldModel:          validateNonEmptyString,
	FieldBaseURL:        validateBaseURL,
}

func validateMessages(raw json.RawMessage) error {
	var msgs []StoredMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return err
	}
	for i, m := range msgs {
		if m.ID == "" {
			return fmt.Errorf("message %d: missing id", i)
		}
		if _, ok := model.ParseRole(m.Role); !ok {
			return fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
	}
	return nil
}

func validateContexts(raw json.RawMessage) error {
	var ctxs []SavedContext
	if err := json.Unmarshal(raw, &ctxs); err != nil {
		return err
	}
	for i, c := range ctxs {
		if c.ID == "" {
			return fmt.Errorf("context %d: missing id", i)
		}
		if c.Name == "" {
			return fmt.Errorf("context %d: missing name", i)
		}
	}
	return nil
}

func validateActiveContexts(raw json.RawMessage) error {
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return err
	}
	for i, id := range ids {
		if id == "" {
			return fmt.Errorf("active context %d: empty id", i)
		}
	}
	return nil
}

func validateNonEmptyString(raw json.RawMessage) error {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	if s == "" {
		return fmt.Errorf("empty value")
	}
	return nil
}

func validateBaseURL(raw json.RawMessage) error {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

// =============================================================================
// STORE
// =============================================================================

// Store persists session state field by field.
//
// Corruption in one field never blocks the rest of the session: a value
// that fails to deserialize or validate is removed from storage, logged
// at warn level, and reported as absent. Nothing in this package throws
// corruption back to the caller.
type Store struct {
	kv     KV
	logger *slog.Logger
}

// NewStore creates a persistence store over the given KV backend.
func NewStore(kv KV) *Store {
	return &Store{kv: kv, logger: slog.Default()}
}

// WithLogger sets the store logger.
func (s *Store) WithLogger(logger *slog.Logger) *Store {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Save serializes v and writes it under the field's key.
func (s *Store) Save(field Field, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", field, err)
	}
	doc, err := json.Marshal(envelope{
		Version: envelopeVersion,
		Field:   string(field),
		SavedAt: time.Now(),
		Data:    data,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize %s envelope: %w", field, err)
	}
	return s.kv.Set(string(field), doc)
}

// Load reads, deserializes, and validates the field's value into out
// (a pointer). Returns false when the field is absent or was quarantined
// as corrupt; it never returns corruption as an error.
func (s *Store) Load(field Field, out any) bool {
	raw, ok := s.loadValidated(field)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		s.quarantine(field, err)
		return false
	}
	return true
}

// loadValidated fetches the raw data for a field, enforcing the envelope
// and the field validator. Corrupt values are quarantined.
func (s *Store) loadValidated(field Field) (json.RawMessage, bool) {
	doc, ok, err := s.kv.Get(string(field))
	if err != nil {
		// Read errors are transient I/O, not corruption: keep the key.
		s.logger.Warn("storage read failed", "field", field, "err", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	raw, err := validateDocument(field, doc)
	if err != nil {
		s.quarantine(field, err)
		return nil, false
	}
	return raw, true
}

// quarantine drops a corrupted field and logs the recovery. This is the
// whole StorageCorruption handling path: recovered locally, logged only.
func (s *Store) quarantine(field Field, cause error) {
	s.logger.Warn("discarding corrupted stored field",
		"field", field, "err", cause)
	if err := s.kv.Delete(string(field)); err != nil {
		s.logger.Warn("failed to remove corrupted field", "field", field, "err", err)
	}
}

// validateDocument checks a stored document's envelope and runs the
// field validator, returning the inner data on success.
func validateDocument(field Field, doc []byte) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(doc, &env); err != nil {
		return nil, fmt.Errorf("undecodable document: %w", err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("unsupported document version %d", env.Version)
	}
	if env.Field != string(field) {
		return nil, fmt.Errorf("document field %q does not match key", env.Field)
	}
	validate, ok := validators[field]
	if !ok {
		return nil, fmt.Errorf("unknown field")
	}
	if err := validate(env.Data); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return env.Data, nil
}

// =============================================================================
// TYPED ACCESSORS
// =============================================================================

// SaveMessages persists the conversation messages.
func (s *Store) SaveMessages(msgs []StoredMessage) error {
	return s.Save(FieldMessages, msgs)
}

// LoadMessages returns the persisted messages, or ok=false.
func (s *Store) LoadMessages() ([]StoredMessage, bool) {
	var msgs []StoredMessage
	ok := s.Load(FieldMessages, &msgs)
	return msgs, ok
}

// SaveContexts persists the saved context snippets.
func (s *Store) SaveContexts(ctxs []SavedContext) error {
	return s.Save(FieldContexts, ctxs)
}

// LoadContexts returns the persisted context snippets, or ok=false.
func (s *Store) LoadContexts() ([]SavedContext, bool) {
	var ctxs []SavedContext
	ok := s.Load(FieldContexts, &ctxs)
	return ctxs, ok
}

// SaveActiveContexts persists the set of active context ids.
func (s *Store) SaveActiveContexts(ids []string) error {
	return s.Save(FieldActiveContexts, ids)
}

// LoadActiveContexts returns the persisted active context ids, or ok=false.
func (s *Store) LoadActiveContexts() ([]string, bool) {
	var ids []string
	ok := s.Load(FieldActiveContexts, &ids)
	return ids, ok
}

// SaveModel persists the selected model id.
func (s *Store) SaveModel(id string) error {
	return s.Save(FieldModel, id)
}

// LoadModel returns the persisted model id, or ok=false.
func (s *Store) LoadModel() (string, bool) {
	var id string
	ok := s.Load(FieldModel, &id)
	return id, ok
}

// SaveBaseURL persists the server base URL.
func (s *Store) SaveBaseURL(baseURL string) error {
	return s.Save(FieldBaseURL, baseURL)
}

// LoadBaseURL returns the persisted server base URL, or ok=false.
func (s *Store) LoadBaseURL() (string, bool) {
	var u string
	ok := s.Load(FieldBaseURL, &u)
	return u, ok
}

// =============================================================================
// EXPORT / IMPORT
// =============================================================================

// Snapshot is a portable export of all valid persisted fields.
type Snapshot struct {
	Version    int                       `json:"version"`
	ExportedAt time.Time                 `json:"exported_at"`
	Fields     map[Field]json.RawMessage `json:"fields"`
}

// ExportAll collects every field that is present and valid.
func (s *Store) ExportAll() Snapshot {
	snap := Snapshot{
		Version:    envelopeVersion,
		ExportedAt: time.Now(),
		Fields:     make(map[Field]json.RawMessage),
	}
	for _, field := range AllFields {
		if raw, ok := s.loadValidated(field); ok {
			snap.Fields[field] = raw
		}
	}
	return snap
}

// ImportReport describes the outcome of an ImportAll.
type ImportReport struct {
	Applied  []Field
	Rejected map[Field]string
}

// ImportAll validates every field of the snapshot independently and
// applies only the ones that pass, reporting the rest.
func (s *Store) ImportAll(snap Snapshot) ImportReport {
	report := ImportReport{Rejected: make(map[Field]string)}

	for _, field := range AllFields {
		raw, present := snap.Fields[field]
		if !present {
			continue
		}
		validate, known := validators[field]
		if !known {
			report.Rejected[field] = "unknown field"
			continue
		}
		if err := validate(raw); err != nil {
			report.Rejected[field] = err.Error()
			s.logger.Warn("rejecting snapshot field", "field", field, "err", err)
			continue
		}

		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			report.Rejected[field] = err.Error()
			continue
		}
		if err := s.Save(field, v); err != nil {
			report.Rejected[field] = err.Error()
			continue
		}
		report.Applied = append(report.Applied, field)
	}
	return report
}

// =============================================================================
// HEALTH CHECK
// =============================================================================

// Health summarizes the state of the persisted fields.
type Health struct {
	Healthy bool
	Issues  []string
}

// HealthCheck inspects every stored field without mutating storage.
// A missing field is not an issue; an unreadable or invalid one is.
func (s *Store) HealthCheck() Health {
	var issues []string
	for _, field := range AllFields {
		doc, ok, err := s.kv.Get(string(field))
		if err != nil {
			issues = append(issues, fmt.Sprintf("%s: read failed: %v", field, err))
			continue
		}
		if !ok {
			continue
		}
		if _, err := validateDocument(field, doc); err != nil {
			issues = append(issues, fmt.Sprintf("%s: %v", field, err))
		}
	}
	return Health{Healthy: len(issues) == 0, Issues: issues}
}
