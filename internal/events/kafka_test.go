package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
)

type recordingWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublish_KeysByTrip(t *testing.T) {
	w := &recordingWriter{}
	p := &KafkaPublisher{writer: w}

	payload := map[string]string{"trip_id": "t1", "to_status": "ACCEPTED"}
	if err := p.Publish(context.Background(), "t1", payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "t1" {
		t.Fatalf("unexpected messages: %+v", w.msgs)
	}
	var got map[string]string
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil || got["to_status"] != "ACCEPTED" {
		t.Fatalf("unexpected value %s (%v)", w.msgs[0].Value, err)
	}
}

func TestPublish_PropagatesWriterError(t *testing.T) {
	p := &KafkaPublisher{writer: &recordingWriter{err: errors.New("leader not available")}}
	if err := p.Publish(context.Background(), "t1", struct{}{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestPublish_NoBrokersIsNoop(t *testing.T) {
	p := NewKafkaPublisher(nil, "trips")
	if err := p.Publish(context.Background(), "t1", struct{}{}); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
