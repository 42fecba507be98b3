package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const kafkaQueueSize = 256

// KafkaPublisher ships transitions to a Kafka topic, keyed by device so
// per-device ordering survives partitioning. Publishing is decoupled
// from the detection paths through a bounded queue: a slow or dead
// broker drops events instead of stalling ingest or the sweep.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
	queue  chan kafka.Message

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	p := &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		logger: logger,
		queue:  make(chan kafka.Message, kafkaQueueSize),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *KafkaPublisher) run() {
	defer close(p.done)
	for {
		select {
		case <-p.closed:
			// Flush whatever is already buffered, then stop.
			for {
				select {
				case msg := <-p.queue:
					p.write(msg)
				default:
					return
				}
			}
		case msg := <-p.queue:
			p.write(msg)
		}
	}
}

func (p *KafkaPublisher) write(msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warn("Kafka publish failed", zap.Error(err))
	}
}

func (p *KafkaPublisher) PublishTransition(ctx context.Context, ev TransitionEvent) error {
	select {
	case <-p.closed:
		return errors.New("kafka publisher is closed")
	default:
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(ev.DeviceID),
		Value: data,
		Time:  time.Unix(ev.At, 0),
	}
	select {
	case p.queue <- msg:
		return nil
	default:
		return errors.New("kafka publish queue full")
	}
}

// Close flushes the buffered events and releases the writer. The queue
// channel itself is never closed, so a publish racing shutdown degrades
// to an error instead of a panic.
func (p *KafkaPublisher) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	<-p.done
	return p.writer.Close()
}
