package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

// Publisher 事件发布器接口
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	PublishBatch(ctx context.Context, events []*Event) error
	Close() error
}

// PublisherConfig 发布器配置
type PublisherConfig struct {
	Brokers      []string `mapstructure:"brokers"`
	Topic        string   `mapstructure:"topic"`
	RetryMax     int      `mapstructure:"retry_max"`
	RequiredAcks sarama.RequiredAcks
	Compression  sarama.CompressionCodec
}

// DefaultPublisherConfig 默认配置
func DefaultPublisherConfig() *PublisherConfig {
	return &PublisherConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "harvest.events",
		RetryMax:     3,
		RequiredAcks: sarama.WaitForLocal,
		Compression:  sarama.CompressionSnappy,
	}
}

// KafkaPublisher Kafka 事件发布器
type KafkaPublisher struct {
	producer sarama.SyncProducer
	config   *PublisherConfig
}

// NewKafkaPublisher 创建 Kafka 发布器
func NewKafkaPublisher(config *PublisherConfig) (*KafkaPublisher, error) {
	if config == nil {
		config = DefaultPublisherConfig()
	}

	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Return.Errors = true
	kafkaConfig.Producer.RequiredAcks = config.RequiredAcks
	kafkaConfig.Producer.Compression = config.Compression
	kafkaConfig.Producer.Retry.Max = config.RetryMax
	kafkaConfig.Version = sarama.V3_6_0_0

	producer, err := sarama.NewSyncProducer(config.Brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewPublisherWithProducer(producer, config), nil
}

// NewPublisherWithProducer 基于已有 producer 创建发布器
func NewPublisherWithProducer(producer sarama.SyncProducer, config *PublisherConfig) *KafkaPublisher {
	if config == nil {
		config = DefaultPublisherConfig()
	}
	return &KafkaPublisher{producer: producer, config: config}
}

func (p *KafkaPublisher) message(event *Event) (*sarama.ProducerMessage, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Version == "" {
		event.Version = "v1"
	}

	value, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	return &sarama.ProducerMessage{
		Topic: p.config.Topic,
		Key:   sarama.StringEncoder(event.Subject),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
			{Key: []byte("event_id"), Value: []byte(event.ID)},
		},
		Timestamp: event.Timestamp,
	}, nil
}

// Publish 发布事件
func (p *KafkaPublisher) Publish(_ context.Context, event *Event) error {
	msg, err := p.message(event)
	if err != nil {
		return err
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// PublishBatch 批量发布事件
func (p *KafkaPublisher) PublishBatch(_ context.Context, events []*Event) error {
	messages := make([]*sarama.ProducerMessage, 0, len(events))
	for _, event := range events {
		msg, err := p.message(event)
		if err != nil {
			return err
		}
		messages = append(messages, msg)
	}
	return p.producer.SendMessages(messages)
}

// Close 关闭发布器
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// MemoryPublisher 内存发布器，未配置 Kafka 时使用
type MemoryPublisher struct {
	mu     sync.Mutex
	events []*Event
}

// NewMemoryPublisher 创建内存发布器
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish 发布事件
func (m *MemoryPublisher) Publish(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// PublishBatch 批量发布
func (m *MemoryPublisher) PublishBatch(_ context.Context, events []*Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

// Close 关闭
func (m *MemoryPublisher) Close() error {
	return nil
}

// Events 返回已发布事件的副本
func (m *MemoryPublisher) Events() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Event(nil), m.events...)
}
