package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"github.com/go-kratos/kratos/v2/log"
)

// EventHandler 事件处理器接口
type EventHandler interface {
	Handle(ctx context.Context, event *Event) error
	SupportedEventTypes() []string
}

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	GroupID       string   `mapstructure:"group_id"`
	Topics        []string `mapstructure:"topics"`
	AutoCommit    bool     `mapstructure:"auto_commit"`
	InitialOffset int64    `mapstructure:"initial_offset"` // sarama.OffsetNewest or sarama.OffsetOldest
}

// DefaultConsumerConfig 默认配置
func DefaultConsumerConfig(groupID string) *ConsumerConfig {
	return &ConsumerConfig{
		Brokers:       []string{"localhost:9092"},
		GroupID:       groupID,
		Topics:        []string{"package.events"},
		AutoCommit:    true,
		InitialOffset: sarama.OffsetNewest,
	}
}

// KafkaConsumer Kafka 事件消费者
type KafkaConsumer struct {
	client        sarama.ConsumerGroup
	config        *ConsumerConfig
	log           *log.Helper
	handlers      map[string]EventHandler
	handlersMutex sync.RWMutex
	wg            sync.WaitGroup
}

// NewKafkaConsumer 创建 Kafka 消费者
func NewKafkaConsumer(config *ConsumerConfig, logger log.Logger) (*KafkaConsumer, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Version = sarama.V3_6_0_0
	kafkaConfig.Consumer.Return.Errors = true
	kafkaConfig.Consumer.Offsets.Initial = config.InitialOffset
	kafkaConfig.Consumer.Offsets.AutoCommit.Enable = config.AutoCommit
	kafkaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}

	client, err := sarama.NewConsumerGroup(config.Brokers, config.GroupID, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return &KafkaConsumer{
		client:   client,
		config:   config,
		log:      log.NewHelper(log.With(logger, "module", "events/consumer")),
		handlers: make(map[string]EventHandler),
	}, nil
}

// Register 注册处理器
func (c *KafkaConsumer) Register(handler EventHandler) {
	c.handlersMutex.Lock()
	defer c.handlersMutex.Unlock()
	for _, eventType := range handler.SupportedEventTypes() {
		c.handlers[eventType] = handler
	}
}

// Start 启动消费循环，直到 ctx 取消
func (c *KafkaConsumer) Start(ctx context.Context) {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		h := &consumerGroupHandler{consumer: c}
		for ctx.Err() == nil {
			if err := c.client.Consume(ctx, c.config.Topics, h); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.log.Errorf("error consuming: %v", err)
				return
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for err := range c.client.Errors() {
			c.log.Warnf("consumer error: %v", err)
		}
	}()
}

// Close 关闭消费者
func (c *KafkaConsumer) Close() error {
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close consumer: %w", err)
	}
	c.wg.Wait()
	return nil
}

func (c *KafkaConsumer) getHandler(eventType string) (EventHandler, bool) {
	c.handlersMutex.RLock()
	defer c.handlersMutex.RUnlock()
	handler, ok := c.handlers[eventType]
	return handler, ok
}

// dispatch 解码并分发单条消息，未注册类型直接跳过
func (c *KafkaConsumer) dispatch(ctx context.Context, value []byte) error {
	var event Event
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}
	handler, ok := c.getHandler(event.Type)
	if !ok {
		c.log.Debugf("no handler registered for event type: %s", event.Type)
		return nil
	}
	if err := handler.Handle(ctx, &event); err != nil {
		return fmt.Errorf("handler failed: %w", err)
	}
	return nil
}

// consumerGroupHandler Sarama ConsumerGroupHandler 实现
type consumerGroupHandler struct {
	consumer *KafkaConsumer
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim 消费消息，单条失败不阻塞后续消息
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		if err := h.consumer.dispatch(session.Context(), message.Value); err != nil {
			h.consumer.log.Warnf("failed to handle message at offset %d: %v", message.Offset, err)
		}
		session.MarkMessage(message, "")
	}
	return nil
}

// FunctionHandler 函数式事件处理器
type FunctionHandler struct {
	eventTypes []string
	handleFunc func(context.Context, *Event) error
}

// NewFunctionHandler 创建函数式处理器
func NewFunctionHandler(eventTypes []string, fn func(context.Context, *Event) error) *FunctionHandler {
	return &FunctionHandler{
		eventTypes: eventTypes,
		handleFunc: fn,
	}
}

// Handle 处理事件
func (f *FunctionHandler) Handle(ctx context.Context, event *Event) error {
	return f.handleFunc(ctx, event)
}

// SupportedEventTypes 支持的事件类型
func (f *FunctionHandler) SupportedEventTypes() []string {
	return f.eventTypes
}
