package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"

	"github.com/chatview/chatview/store"
)

const (
	kafkaReadTimeout = 10 * time.Second

	backoffMinInterval = 1 * time.Second
	backoffMaxInterval = 60 * time.Second
	backoffMultiplier  = 1.5
)

// IKafkaReader abstracts the kafka consumer for tests.
type IKafkaReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// KafkaSource feeds webhook documents from a kafka topic into the
// ingestor. Each message value is one document; a store failure holds
// the offset and retries with backoff, a malformed document is
// committed and dropped.
type KafkaSource struct {
	reader IKafkaReader
	ing    *Ingestor
}

func NewKafkaSource(brokers []string, topic, groupId string, ing *Ingestor) *KafkaSource {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		GroupID: groupId,
		Topic:   topic,
		Dialer: &kafka.Dialer{
			Timeout:   kafkaReadTimeout,
			DualStack: true,
		},
	})
	return &KafkaSource{reader: reader, ing: ing}
}

// Run consumes until ctx is cancelled, then closes the reader and
// notifies stopDoneNotifyC.
func (s *KafkaSource) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	glog.Info("kafka source: consume loop enter")
	defer func() {
		_ = s.reader.Close()
		glog.Info("kafka source: consume loop exited")
		stopDoneNotifyC <- struct{}{}
	}()

	var sleep time.Duration

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			glog.Errorf("kafka source: fetch err: %v", err)
			backoff(&sleep)
			if !sleepOrDone(ctx, sleep) {
				return
			}
			continue
		}
		sleep = 0

		for {
			err := s.ing.ApplyDocument(ctx, msg.Value)
			if err == nil || !errors.Is(err, store.ErrUnavailable) {
				if err != nil {
					// Bad document: committing it back is the only way
					// not to consume it forever.
					glog.Errorf("kafka source: drop malformed document, offset: %d, err: %v", msg.Offset, err)
				}
				break
			}
			glog.Errorf("kafka source: store err, will retry offset %d: %v", msg.Offset, err)
			if errors.Is(err, context.Canceled) {
				return
			}
			backoff(&sleep)
			if !sleepOrDone(ctx, sleep) {
				return
			}
		}

		for {
			if err := s.reader.CommitMessages(ctx, msg); err == nil {
				sleep = 0
				break
			} else {
				// An uncommitted message is re-fetched next time; the
				// idempotent upsert makes the replay harmless.
				glog.Errorf("kafka source: commit err: %v", err)
				if errors.Is(err, context.Canceled) {
					return
				}
				backoff(&sleep)
				if !sleepOrDone(ctx, sleep) {
					return
				}
			}
		}
	}
}

func backoff(d *time.Duration) {
	if *d == 0 {
		*d = backoffMinInterval
	} else {
		*d = time.Duration(float64(*d) * backoffMultiplier)
		if *d > backoffMaxInterval {
			*d = backoffMaxInterval
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
