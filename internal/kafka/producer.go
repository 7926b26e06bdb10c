package kafka

import (
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
)

// Producer publishes player messages to the submissions topic
type Producer struct {
	producer sarama.SyncProducer
	topic    string
}

// NewProducer connects a synchronous producer to brokers
func NewProducer(brokers []string, topic string) (*Producer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating producer: %w", err)
	}
	return NewProducerWith(p, topic), nil
}

// NewProducerWith wraps an existing sarama producer
func NewProducerWith(p sarama.SyncProducer, topic string) *Producer {
	return &Producer{producer: p, topic: topic}
}

// Send validates and publishes msg keyed by session code
func (p *Producer) Send(msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(msg.Key()),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fmt.Errorf("sending %s message: %w", msg.Type, err)
	}
	return nil
}

// Join publishes a join message
func (p *Producer) Join(code, name string) error {
	return p.Send(Message{Type: MessageTypeJoin, SessionCode: code, PlayerName: name})
}

// Complete publishes a completion message
func (p *Producer) Complete(code, name string, elapsedMs int64) error {
	return p.Send(Message{Type: MessageTypeComplete, SessionCode: code, PlayerName: name, ElapsedMs: &elapsedMs})
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.producer.Close()
}
