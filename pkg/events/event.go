// Package events defines the immutable, hash-chained event model.
//
// Every state change in the system is one Event. Events are serialized as
// single JSON lines, linked per scope through prev_hash, and hashed over
// their RFC 8785 (JCS) canonical form so two independent implementations
// agree on every hash byte-for-byte.
//
// Unknown event types are first-class: a log written by a newer binary
// parses into Events with Known() == false, and such events survive a
// read-then-write round trip byte-identical (the original line is kept).
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Event is one immutable record of a state change.
//
// The hash covers the JCS-canonical form of the full record with the "hash"
// member removed. Within a scope's log every non-first event's PrevHash
// equals the previous event's Hash; the first event carries an empty
// PrevHash.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	RunID     string         `json:"run_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	ColonyID  string         `json:"colony_id,omitempty"`
	HiveID    string         `json:"hive_id,omitempty"`
	Payload   map[string]any `json:"payload"`
	Parents   []string       `json:"parents"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash,omitempty"`

	// raw is the original line for events that came from disk. Kept so
	// unknown-typed events round-trip byte-identical.
	raw []byte
}

// Option configures optional Event fields at construction.
type Option func(*Event)

// WithRun scopes the event to a Run.
func WithRun(runID string) Option {
	return func(e *Event) { e.RunID = runID }
}

// WithTask associates the event with a Task.
func WithTask(taskID string) Option {
	return func(e *Event) { e.TaskID = taskID }
}

// WithColony associates the event with a Colony.
func WithColony(colonyID string) Option {
	return func(e *Event) { e.ColonyID = colonyID }
}

// WithHive associates the event with a Hive.
func WithHive(hiveID string) Option {
	return func(e *Event) { e.HiveID = hiveID }
}

// WithParents records the causal parent event ids, preserving order.
func WithParents(ids ...string) Option {
	return func(e *Event) { e.Parents = append(e.Parents, ids...) }
}

// New builds an unsealed event: time-ordered unique id, UTC timestamp, and
// a normalized payload. payload may be nil, a map, or any struct with json
// tags; it is converted to a plain map so hashing sees one shape.
//
// The event has no PrevHash or Hash until Seal is called under the owning
// scope's append lock.
func New(eventType, actor string, payload any, opts ...Option) *Event {
	e := &Event{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Payload:   toMap(payload),
		Parents:   []string{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Seal finalizes the event for append: links it to the previous event in
// its scope and computes the content hash.
func (e *Event) Seal(prevHash string) error {
	e.PrevHash = prevHash
	e.Hash = ""
	h, err := ComputeHash(e)
	if err != nil {
		return fmt.Errorf("sealing event %s: %w", e.ID, err)
	}
	e.Hash = h
	return nil
}

// Known reports whether the event's type is in this binary's registry.
func (e *Event) Known() bool {
	return KnownType(e.Type)
}

// MarshalLine serializes the event as one JSON line (no trailing newline).
// Events parsed from disk are re-emitted byte-identical.
func (e *Event) MarshalLine() ([]byte, error) {
	if e.raw != nil {
		return e.raw, nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling event %s: %w", e.ID, err)
	}
	return b, nil
}

// ComputeHash returns the hex SHA-256 of the event's JCS-canonical JSON with
// the "hash" member removed. Deterministic across implementations: JCS fixes
// member order and number form.
func ComputeHash(e *Event) (string, error) {
	doc := e.raw
	if doc == nil {
		b, err := json.Marshal(e)
		if err != nil {
			return "", fmt.Errorf("marshaling event %s: %w", e.ID, err)
		}
		doc = b
	}
	return hashDocument(doc)
}

// hashDocument hashes one serialized event record, ignoring its "hash" member.
func hashDocument(doc []byte) (string, error) {
	var tree map[string]any
	if err := json.Unmarshal(doc, &tree); err != nil {
		return "", fmt.Errorf("decoding event document: %w", err)
	}
	delete(tree, "hash")
	stripped, err := json.Marshal(tree)
	if err != nil {
		return "", fmt.Errorf("re-encoding event document: %w", err)
	}
	canonical, err := jcs.Transform(stripped)
	if err != nil {
		return "", fmt.Errorf("canonicalizing event document: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Parse deserializes one log line.
//
// Malformed JSON or missing identity fields return a *ParseError. A record
// whose declared hash disagrees with its recomputed hash returns the parsed
// event together with a *CorruptionError; the caller decides whether to
// continue (the store stops and marks the scope read-only).
func Parse(line []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, &ParseError{Err: err}
	}
	if e.ID == "" || e.Type == "" {
		return nil, &ParseError{Err: fmt.Errorf("event missing id or type")}
	}
	e.raw = append([]byte(nil), line...)

	want, err := hashDocument(e.raw)
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	if e.Hash != want {
		return &e, &CorruptionError{EventID: e.ID, Declared: e.Hash, Computed: want}
	}
	return &e, nil
}

// DecodePayload unmarshals the event's payload map into a typed payload
// struct. Members the struct does not declare are ignored; members the
// payload lacks stay zero.
func DecodePayload(e *Event, out any) error {
	b, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload of event %s: %w", e.ID, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decoding payload of event %s: %w", e.ID, err)
	}
	return nil
}

// toMap normalizes any payload value to a plain JSON object tree.
func toMap(payload any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	if m, ok := payload.(map[string]any); ok {
		if m == nil {
			return map[string]any{}
		}
		return m
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{}
	}
	return m
}

// ParseError reports a log line that is not a valid event record.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("event parse error: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// CorruptionError reports an event whose stored hash does not match its
// content. Any occurrence means the log was modified after writing.
type CorruptionError struct {
	EventID  string
	Declared string
	Computed string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("event %s corrupt: declared hash %q, computed %q", e.EventID, e.Declared, e.Computed)
}
