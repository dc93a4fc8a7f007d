package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/chatview/chatview/store"
)

// ErrEmptyBody rejects submissions whose body is empty or whitespace.
var ErrEmptyBody = errors.New("message body is empty")

// Broadcaster pushes a stored record to connected observers.
type Broadcaster interface {
	Broadcast(event string, rec *store.Record)
}

// Ingestor drives Normalize -> store for bulk and single message
// creation, then triggers the broadcast for live submissions.
type Ingestor struct {
	store store.IRecordStore
	hub   Broadcaster
}

func NewIngestor(s store.IRecordStore, hub Broadcaster) *Ingestor {
	return &Ingestor{store: s, hub: hub}
}

// LoadDir bulk-loads every *.json payload document under dir. It is a
// no-op when the store already holds records, so a restart never
// re-processes a populated store. One bad file does not abort the rest.
func (ing *Ingestor) LoadDir(ctx context.Context, dir string) error {
	n, err := ing.store.Count(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		glog.Infof("store already holds %d records, skipping payload load", n)
		return nil
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read payload dir %s: %v", dir, err)
	}

	var loaded int
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, f.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			glog.Errorf("load: read %s: %v", path, err)
			continue
		}
		if err := ing.ApplyDocument(ctx, raw); err != nil {
			glog.Errorf("load: apply %s: %v", path, err)
			continue
		}
		loaded++
	}
	glog.Infof("payload load complete: %d of %d files", loaded, len(files))
	return nil
}

// ApplyDocument normalizes one raw webhook document and upserts every
// resulting intent, preserving source order. A store failure aborts the
// document (the remaining intents would race a broken store), a
// malformed document never does more than skip itself.
func (ing *Ingestor) ApplyDocument(ctx context.Context, raw []byte) error {
	doc, err := ParseDocument(raw)
	if err != nil {
		return err
	}
	for _, in := range Normalize(doc) {
		if err := ing.store.Upsert(ctx, in); err != nil {
			return err
		}
		appliedIntents.Inc()
	}
	ingestedDocuments.Inc()
	return nil
}

// Submit stores a caller-supplied outbound message and broadcasts it.
// The insert completes before the broadcast, so an observer never sees
// a record a concurrent query cannot find.
func (ing *Ingestor) Submit(ctx context.Context, from, to, body string) (*store.Record, error) {
	if strings.TrimSpace(body) == "" {
		return nil, ErrEmptyBody
	}

	text, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	rec := &store.Record{
		ID:        uuid.New(),
		From:      from,
		To:        to,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Type:      "text",
		Body:      text,
		Status:    store.StatusSent,
	}

	if err := ing.store.Insert(ctx, rec); err != nil {
		return nil, err
	}

	ing.hub.Broadcast("new_message", rec)
	return rec, nil
}

func encodeBody(body string) (json.RawMessage, error) {
	return json.Marshal(struct {
		Body string `json:"body"`
	}{Body: body})
}
