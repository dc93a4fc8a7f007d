// Package chat derives participant lists and time-ordered conversation
// views from the record store.
package chat

import (
	"context"
	"errors"
	"sort"

	"github.com/chatview/chatview/store"
)

// ErrNoConversation reports a participant with zero associated records.
// It is a user-facing condition, not a store fault.
var ErrNoConversation = errors.New("no conversation for participant")

type Conversations struct {
	store store.IRecordStore
}

func NewConversations(s store.IRecordStore) *Conversations {
	return &Conversations{store: s}
}

// Participants returns every distinct from/to value, sorted.
func (c *Conversations) Participants(ctx context.Context) ([]string, error) {
	phones, err := c.store.AllParticipants(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(phones)
	return phones, nil
}

// Conversation returns the participant's records ascending by
// timestamp. A missing timestamp sorts first; ties keep store order.
func (c *Conversations) Conversation(ctx context.Context, phone string) ([]*store.Record, error) {
	recs, err := c.store.FindByParticipant(ctx, phone)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNoConversation
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Timestamp < recs[j].Timestamp
	})
	return recs, nil
}
