package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a writer for the change-feed topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
}

// KafkaPublisher forwards bus events to Kafka. Handle only enqueues; Run
// does the writes so a slow broker never stalls a commit path.
type KafkaPublisher struct {
	w      messageWriter
	queue  chan Event
	logger *slog.Logger
}

// NewKafkaPublisher creates a publisher with a bounded queue.
func NewKafkaPublisher(w messageWriter, buffer int, logger *slog.Logger) *KafkaPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{w: w, queue: make(chan Event, buffer), logger: logger}
}

// Handle is a bus Handler. Events are dropped when the queue is full.
func (p *KafkaPublisher) Handle(e Event) {
	select {
	case p.queue <- e:
	default:
		p.logger.Warn("kafka queue full, dropping event", "kind", e.Kind, "key", e.Key())
	}
}

// Run writes queued events until ctx is cancelled, then drains what is
// left and closes the writer.
func (p *KafkaPublisher) Run(ctx context.Context) error {
	defer p.w.Close()
	for {
		select {
		case e := <-p.queue:
			p.write(ctx, e)
		case <-ctx.Done():
			p.drain()
			return nil
		}
	}
}

func (p *KafkaPublisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case e := <-p.queue:
			p.write(ctx, e)
		default:
			return
		}
	}
}

func (p *KafkaPublisher) write(ctx context.Context, e Event) {
	b, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("encode event", "kind", e.Kind, "error", err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(e.Key()),
		Value: b,
		Time:  e.At,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(e.Kind)},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("publish event", "kind", e.Kind, "key", e.Key(), "error", err)
	}
}
