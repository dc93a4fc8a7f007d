package store

import (
	"encoding/json"
)

// Message delivery states as reported by upstream status events.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
	StatusUnknown   = "unknown"
)

// knownFields are the JSON keys bound to typed Record fields. Anything
// else in a source event lands in Record.Extra.
var knownFields = []string{"id", "from", "to", "timestamp", "type", "text", "status"}

// Record is the canonical per-message entity. Events sharing an id merge
// into one Record; an event's absent fields never erase stored values.
type Record struct {
	ID        string `json:"id"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Type      string `json:"type,omitempty"`
	// Body keeps the source event's content object (e.g. `text`) as-is.
	Body   json.RawMessage `json:"text,omitempty"`
	Status string          `json:"status,omitempty"`

	// Extra carries source fields this server has no typed column for.
	Extra map[string]json.RawMessage `json:"-"`
}

// Intent describes a field-wise merge against the record keyed by Key().
type Intent interface {
	Key() string
	Apply(*Record)
}

// MessageUpsert creates or merges a full message-creation event.
type MessageUpsert struct {
	Record
}

func (m *MessageUpsert) Key() string { return m.ID }

func (m *MessageUpsert) Apply(dst *Record) {
	dst.ID = m.ID
	if m.From != "" {
		dst.From = m.From
	}
	if m.To != "" {
		dst.To = m.To
	}
	// Status and timestamp are only initialized here, never rolled
	// back: a re-sent creation event must not undo a later status
	// transition, so applying message and status events in either
	// order converges on the same record.
	if m.Timestamp != "" && dst.Timestamp == "" {
		dst.Timestamp = m.Timestamp
	}
	if m.Type != "" {
		dst.Type = m.Type
	}
	if len(m.Body) > 0 {
		dst.Body = m.Body
	}
	if m.Status != "" && dst.Status == "" {
		dst.Status = m.Status
	}
	for k, v := range m.Extra {
		if dst.Extra == nil {
			dst.Extra = make(map[string]json.RawMessage, len(m.Extra))
		}
		dst.Extra[k] = v
	}
}

// StatusUpsert merges a delivery-status transition. When no record with
// the id exists yet the store still creates a minimal one, so a status
// arriving before its message is not lost.
type StatusUpsert struct {
	ID        string
	Status    string
	Timestamp string
}

func (s *StatusUpsert) Key() string { return s.ID }

func (s *StatusUpsert) Apply(dst *Record) {
	dst.ID = s.ID
	if s.Status != "" {
		dst.Status = s.Status
	}
	if s.Timestamp != "" {
		dst.Timestamp = s.Timestamp
	}
}

func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range knownFields {
		delete(raw, k)
	}
	if len(raw) > 0 {
		p.Extra = raw
	}
	*r = Record(p)
	return nil
}

func (r Record) MarshalJSON() ([]byte, error) {
	type plain Record
	data, err := json.Marshal(plain(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return data, nil
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return json.Marshal(out)
}
