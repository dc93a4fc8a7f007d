package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/golang/glog"

	"github.com/chatview/chatview/store"
)

// Document is one webhook payload: a nested batch of changes, each
// carrying either message-creation events or status events. Some
// producers wrap the entry list in a `metaData` envelope; both shapes
// are accepted.
type Document struct {
	MetaData *docEnvelope `json:"metaData,omitempty"`
	Entry    []docEntry   `json:"entry,omitempty"`
}

type docEnvelope struct {
	Entry []docEntry `json:"entry,omitempty"`
}

type docEntry struct {
	Changes []docChange `json:"changes,omitempty"`
}

type docChange struct {
	Value docValue `json:"value"`
}

type docValue struct {
	Metadata *docMetadata      `json:"metadata,omitempty"`
	Messages []json.RawMessage `json:"messages,omitempty"`
	Statuses []statusEvent     `json:"statuses,omitempty"`
}

type docMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number,omitempty"`
}

type statusEvent struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func ParseDocument(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse document: %v", err)
	}
	return &doc, nil
}

func (d *Document) entries() []docEntry {
	if d.MetaData != nil && len(d.MetaData.Entry) > 0 {
		return d.MetaData.Entry
	}
	return d.Entry
}

// Normalize flattens one document into upsert intents, in source order.
// Malformed events are skipped, never fatal to the batch; deduplication
// is left to the store's idempotent upsert.
//
// NOTE: only the first entry of a document is processed, matching the
// upstream producer which sends exactly one. Revisit if multi-entry
// documents show up in the wild.
func Normalize(doc *Document) []store.Intent {
	entries := doc.entries()
	if len(entries) == 0 {
		return nil
	}

	var out []store.Intent
	for _, ch := range entries[0].Changes {
		value := ch.Value

		var display string
		if value.Metadata != nil {
			display = value.Metadata.DisplayPhoneNumber
		}

		switch {
		case len(value.Messages) > 0:
			for _, raw := range value.Messages {
				in, err := normalizeMessage(raw, display)
				if err != nil {
					malformedEvents.Inc()
					glog.Errorf("normalize: skip malformed message event: %v", err)
					continue
				}
				out = append(out, in)
			}
		case len(value.Statuses) > 0:
			for _, st := range value.Statuses {
				if st.ID == "" {
					malformedEvents.Inc()
					glog.Errorf("normalize: skip status event without id")
					continue
				}
				out = append(out, &store.StatusUpsert{
					ID:        st.ID,
					Status:    st.Status,
					Timestamp: st.Timestamp,
				})
			}
		default:
			glog.V(5).Infof("normalize: change without messages or statuses, skipped")
		}
	}
	return out
}

func normalizeMessage(raw json.RawMessage, display string) (*store.MessageUpsert, error) {
	var rec store.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("message event without id: %s", truncate(raw, 120))
	}
	// Inbound events carry no `to`; the batch-advertised display number
	// is the recipient.
	if rec.To == "" && display != "" {
		rec.To = display
	}
	if rec.Status == "" {
		rec.Status = store.StatusSent
	}
	return &store.MessageUpsert{Record: rec}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + " ..."
}
