package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublisher_PublishAnalysisCompleted(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{w: w}
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	err := p.PublishAnalysisCompleted(context.Background(), AnalysisCompleted{
		EventID:                "evt-1",
		ImageID:                "img-1",
		PatientID:              "pat-1",
		HealingPercentage:      72,
		FractureClassification: "Le Fort I",
		AnalyzedAt:             at,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}

	msg := w.msgs[0]
	if string(msg.Key) != "pat-1" {
		t.Errorf("expected message keyed by patient id, got %q", msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != TypeAnalysisCompleted {
		t.Errorf("expected event_type header, got %v", msg.Headers)
	}

	var got AnalysisCompleted
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != TypeAnalysisCompleted {
		t.Errorf("expected type to default to %s, got %s", TypeAnalysisCompleted, got.Type)
	}
	if got.HealingPercentage != 72 || !got.AnalyzedAt.Equal(at) {
		t.Errorf("unexpected payload: %+v", got)
	}
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	p := &KafkaPublisher{w: &fakeWriter{err: errors.New("broker down")}}
	err := p.PublishAnalysisCompleted(context.Background(), AnalysisCompleted{PatientID: "p"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestKafkaPublisher_Close(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{w: w}
	if err := p.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !w.closed {
		t.Error("expected writer to be closed")
	}
}

func TestNoop(t *testing.T) {
	var p Publisher = Noop{}
	if err := p.PublishAnalysisCompleted(context.Background(), AnalysisCompleted{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
