// Package events publishes domain events for downstream consumers such as
// notification and reporting services.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

const TypeAnalysisCompleted = "healing.analysis.completed"

// AnalysisCompleted is emitted after an analysis has been committed.
type AnalysisCompleted struct {
	EventID                string    `json:"event_id"`
	Type                   string    `json:"type"`
	ImageID                string    `json:"image_id"`
	PatientID              string    `json:"patient_id"`
	HealingPercentage      float64   `json:"healing_percentage"`
	FractureClassification string    `json:"fracture_classification"`
	AnalyzedAt             time.Time `json:"analyzed_at"`
}

type Publisher interface {
	PublishAnalysisCompleted(ctx context.Context, evt AnalysisCompleted) error
	Close() error
}

// Noop discards events. Used when no brokers are configured.
type Noop struct{}

func (Noop) PublishAnalysisCompleted(context.Context, AnalysisCompleted) error { return nil }

func (Noop) Close() error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes JSON events keyed by patient id, so events for one
// patient stay ordered within a partition.
type KafkaPublisher struct {
	w messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		WriteTimeout:           10 * time.Second,
	}}
}

func (p *KafkaPublisher) PublishAnalysisCompleted(ctx context.Context, evt AnalysisCompleted) error {
	if evt.Type == "" {
		evt.Type = TypeAnalysisCompleted
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(evt.PatientID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.Type)},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s event: %w", evt.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
