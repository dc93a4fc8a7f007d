package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusMergeKeepsMessageFields(t *testing.T) {
	rec := Record{}

	msg := &MessageUpsert{Record: Record{
		ID:        "wamid.1",
		From:      "1555000222",
		To:        "1555000111",
		Timestamp: "1700000001",
		Body:      json.RawMessage(`{"body":"hello"}`),
		Status:    StatusSent,
	}}
	msg.Apply(&rec)

	st := &StatusUpsert{ID: "wamid.1", Status: StatusDelivered, Timestamp: "1700000002"}
	st.Apply(&rec)

	assert.Equal(t, "1555000222", rec.From)
	assert.Equal(t, "1555000111", rec.To)
	assert.Equal(t, json.RawMessage(`{"body":"hello"}`), rec.Body)
	assert.Equal(t, StatusDelivered, rec.Status)
	assert.Equal(t, "1700000002", rec.Timestamp)
}

func TestStatusMergeWithoutTimestampKeepsOld(t *testing.T) {
	rec := Record{}
	(&MessageUpsert{Record: Record{ID: "wamid.2", Timestamp: "1700000001"}}).Apply(&rec)
	(&StatusUpsert{ID: "wamid.2", Status: StatusRead}).Apply(&rec)

	assert.Equal(t, "1700000001", rec.Timestamp)
	assert.Equal(t, StatusRead, rec.Status)
}

func TestMessageMergeSkipsAbsentFields(t *testing.T) {
	rec := Record{}
	(&MessageUpsert{Record: Record{ID: "wamid.3", From: "A", To: "B", Type: "text"}}).Apply(&rec)
	(&MessageUpsert{Record: Record{ID: "wamid.3", Timestamp: "1700000009"}}).Apply(&rec)

	assert.Equal(t, "A", rec.From)
	assert.Equal(t, "B", rec.To)
	assert.Equal(t, "text", rec.Type)
	assert.Equal(t, "1700000009", rec.Timestamp)
}

func TestRecordJSONPassthrough(t *testing.T) {
	in := []byte(`{"id":"wamid.4","from":"A","type":"image",` +
		`"image":{"mime_type":"image/jpeg","sha256":"xx"},"context":{"forwarded":true}}`)

	var rec Record
	require.NoError(t, json.Unmarshal(in, &rec))
	assert.Equal(t, "wamid.4", rec.ID)
	assert.Equal(t, "image", rec.Type)
	require.Contains(t, rec.Extra, "image")
	require.Contains(t, rec.Extra, "context")

	out, err := json.Marshal(&rec)
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Contains(t, m, "image")
	assert.Contains(t, m, "context")
	assert.NotContains(t, m, "text") // empty body stays omitted
}
