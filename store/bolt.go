package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"
)

var messagesBucket = []byte("messages")

// BoltStore keeps canonical records in an embedded bbolt file, one
// key per external message id. Merges run inside a single read-write
// transaction, which gives the per-key atomicity the merge contract
// requires.
type BoltStore struct {
	db *bbolt.DB
}

func OpenBolt(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(messagesBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: create bucket: %v", ErrUnavailable, err)
	}
	glog.Infof("bolt store opened: %s", path)
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Upsert(ctx context.Context, in Intent) error {
	id := in.Key()
	if id == "" {
		return fmt.Errorf("upsert: empty id")
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(messagesBucket)

		rec := Record{ID: id}
		if prev := b.Get([]byte(id)); prev != nil {
			if err := json.Unmarshal(prev, &rec); err != nil {
				// A corrupt row should not wedge the key forever.
				glog.Errorf("bolt: discarding unreadable record %s: %v", id, err)
				rec = Record{ID: id}
			}
		}
		in.Apply(&rec)

		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return fmt.Errorf("%w: upsert %s: %v", ErrUnavailable, id, err)
	}
	return nil
}

func (s *BoltStore) Insert(ctx context.Context, rec *Record) error {
	return s.Upsert(ctx, &MessageUpsert{Record: *rec})
}

func (s *BoltStore) FindByParticipant(ctx context.Context, phone string) ([]*Record, error) {
	var out []*Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(messagesBucket).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				glog.Errorf("bolt: skip unreadable record %s: %v", string(k), err)
				return nil
			}
			if rec.From == phone || rec.To == phone {
				out = append(out, &rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: find by participant: %v", ErrUnavailable, err)
	}
	return out, nil
}

func (s *BoltStore) AllParticipants(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(messagesBucket).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if rec.From != "" {
				seen[rec.From] = struct{}{}
			}
			if rec.To != "" {
				seen[rec.To] = struct{}{}
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: all participants: %v", ErrUnavailable, err)
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	return out, nil
}

func (s *BoltStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(messagesBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrUnavailable, err)
	}
	return n, nil
}
