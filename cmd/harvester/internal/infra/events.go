package infra

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-kratos/kratos/v2/log"

	"pkgharvest/cmd/harvester/internal/domain"
	"pkgharvest/pkg/events"
)

// CtxEventType 工作单元来自的事件类型
const CtxEventType = "event_type"

// ErrEventSourceClosed 来源已关闭
var ErrEventSourceClosed = errors.New("event source closed")

// EventSource 将包事件转换为工作单元，同时实现 events.EventHandler 与 domain.Source
type EventSource struct {
	ch        chan domain.WorkItem
	done      chan struct{}
	closeOnce sync.Once
	log       *log.Helper
}

// NewEventSource 创建事件来源，buffer 为未被流水线取走前可缓冲的工作单元数
func NewEventSource(buffer int, logger log.Logger) *EventSource {
	if buffer < 0 {
		buffer = 0
	}
	return &EventSource{
		ch:   make(chan domain.WorkItem, buffer),
		done: make(chan struct{}),
		log:  log.NewHelper(log.With(logger, "module", "infra/event-source")),
	}
}

// Name 来源名称
func (s *EventSource) Name() string { return "events" }

// SupportedEventTypes 处理的事件类型
func (s *EventSource) SupportedEventTypes() []string {
	return []string{events.TypePackageUpdated, events.TypePackageRefresh}
}

// ItemFromEvent 将事件载荷转换为工作单元
func ItemFromEvent(e *events.Event) (domain.WorkItem, error) {
	var p events.PackagePayload
	if err := e.Decode(&p); err != nil {
		return domain.WorkItem{}, fmt.Errorf("decode event %s: %w", e.ID, err)
	}
	if p.Name == "" {
		return domain.WorkItem{}, fmt.Errorf("event %s has no package name", e.ID)
	}
	registry := p.Registry
	if registry == "" {
		registry = UpstreamPyPI
	}
	item := domain.NewReleaseItem(registry, p.Name, p.Version)
	item.Context[CtxEventType] = e.Type
	if p.Timestamp > 0 {
		item.Context[domain.CtxTimestamp] = strconv.FormatInt(p.Timestamp, 10)
	}
	return item, nil
}

// Handle 入队，流水线取走前阻塞；无效事件返回错误由消费者记录后跳过
func (s *EventSource) Handle(ctx context.Context, e *events.Event) error {
	item, err := ItemFromEvent(e)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrEventSourceClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrEventSourceClosed
	case s.ch <- item:
		s.log.Debugf("queued %s from %s", item.ID, e.Type)
		return nil
	}
}

// Items 持续转发事件，直到 ctx 取消或来源关闭；关闭时先转发已入队的事件
func (s *EventSource) Items(ctx context.Context, out chan<- domain.WorkItem) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return s.drain(ctx, out)
		case item := <-s.ch:
			if err := emit(ctx, out, item); err != nil {
				return err
			}
		}
	}
}

func (s *EventSource) drain(ctx context.Context, out chan<- domain.WorkItem) error {
	for {
		select {
		case item := <-s.ch:
			if err := emit(ctx, out, item); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// Close 停止接收事件
func (s *EventSource) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
