package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/louisbranch/standings.live/internal/platform/id"
	"github.com/louisbranch/standings.live/internal/platform/timeouts"
	"github.com/segmentio/kafka-go"
)

// Kafka is a broker-backed bus reaching every service instance.
//
// Each instance consumes with its own group id so every publication fans out
// to every instance rather than being load-balanced across them.
type Kafka struct {
	writer  *kafka.Writer
	brokers []string
	topic   string
	groupID string
}

// NewKafka creates a bus on the given brokers and topic.
func NewKafka(brokers []string, topic string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	instanceID, err := id.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate consumer group id: %w", err)
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}

	return &Kafka{
		writer:  writer,
		brokers: brokers,
		topic:   topic,
		groupID: "standings-" + instanceID,
	}, nil
}

// Publish writes one publication to the shared topic.
func (k *Kafka) Publish(ctx context.Context, event Event) error {
	if k == nil || k.writer == nil {
		return fmt.Errorf("bus is not configured")
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode publication: %w", err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.ParticipantID),
		Value: value,
		Time:  event.OccurredAt,
	}); err != nil {
		return fmt.Errorf("publish to %s: %w", k.topic, err)
	}
	return nil
}

// Subscribe consumes publications until ctx ends. A broken broker connection
// is re-dialed after a pause and consumption resumes at the latest offset;
// publications missed while disconnected are not replayed.
func (k *Kafka) Subscribe(ctx context.Context, handler func(Event)) error {
	if k == nil {
		return fmt.Errorf("bus is not configured")
	}
	if handler == nil {
		return fmt.Errorf("handler is required")
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:     k.brokers,
			Topic:       k.topic,
			GroupID:     k.groupID,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     500 * time.Millisecond,
			StartOffset: kafka.LastOffset,
		})

		for {
			message, err := reader.ReadMessage(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) && ctx.Err() == nil {
					log.Printf("leaderboard: broadcast consume: %v", err)
				}
				break
			}

			var event Event
			if err := json.Unmarshal(message.Value, &event); err != nil {
				// Skip the poison message; the offset is already committed.
				log.Printf("leaderboard: invalid broadcast payload: %v", err)
				continue
			}
			handler(event)
		}
		_ = reader.Close()

		if !waitBusRetry(ctx, timeouts.BusRetry) {
			return nil
		}
	}
}

// Close stops the kafka writer.
func (k *Kafka) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

func waitBusRetry(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = time.Second
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
