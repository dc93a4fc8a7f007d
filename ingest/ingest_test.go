package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatview/chatview/store"
)

type fakeHub struct {
	events []string
	recs   []*store.Record
}

func (f *fakeHub) Broadcast(event string, rec *store.Record) {
	f.events = append(f.events, event)
	f.recs = append(f.recs, rec)
}

func newTestIngestor(t *testing.T) (*Ingestor, *store.BoltStore, *fakeHub) {
	t.Helper()
	s, err := store.OpenBolt(filepath.Join(t.TempDir(), "chatview.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	hub := &fakeHub{}
	return NewIngestor(s, hub), s, hub
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0600))
}

func TestLoadDir(t *testing.T) {
	ing, s, _ := newTestIngestor(t)
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, dir, "batch1.json", sampleDocument)
	writeFile(t, dir, "broken.json", `{"entry": [`)
	writeFile(t, dir, "notes.txt", "not a payload")

	require.NoError(t, ing.LoadDir(ctx, dir))

	// the broken file was skipped, the good one fully applied.
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	recs, err := s.FindByParticipant(ctx, "1555000222")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, store.StatusDelivered, recs[0].Status)
}

func TestLoadDirSkipsPopulatedStore(t *testing.T) {
	ing, s, _ := newTestIngestor(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, &store.Record{ID: "wamid.existing", From: "A"}))

	dir := t.TempDir()
	writeFile(t, dir, "batch1.json", sampleDocument)

	require.NoError(t, ing.LoadDir(ctx, dir))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSubmit(t *testing.T) {
	ing, s, hub := newTestIngestor(t)
	ctx := context.Background()

	rec, err := ing.Submit(ctx, "1555000222", "1555000111", "hi there")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.NotEmpty(t, rec.Timestamp)
	assert.Equal(t, store.StatusSent, rec.Status)
	assert.JSONEq(t, `{"body":"hi there"}`, string(rec.Body))

	// stored before broadcast, and broadcast carries the stored record.
	recs, err := s.FindByParticipant(ctx, "1555000222")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Len(t, hub.events, 1)
	assert.Equal(t, "new_message", hub.events[0])
	assert.Equal(t, rec.ID, hub.recs[0].ID)
}

func TestSubmitRejectsBlankBody(t *testing.T) {
	ing, s, hub := newTestIngestor(t)
	ctx := context.Background()

	_, err := ing.Submit(ctx, "A", "B", "   ")
	assert.ErrorIs(t, err, ErrEmptyBody)

	// no store mutation, no broadcast.
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, hub.events)
}
