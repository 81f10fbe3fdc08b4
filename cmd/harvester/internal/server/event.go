package server

import (
	"context"
	"sync"

	"github.com/go-kratos/kratos/v2/log"

	"pkgharvest/cmd/harvester/internal/service"
	"pkgharvest/pkg/events"
)

// EventServer 事件循环，作为 kratos transport.Server 随应用启停
type EventServer struct {
	svc      *service.HarvestService
	consumer *events.KafkaConsumer
	log      *log.Helper

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEventServer 创建事件循环，consumer 为空时不启动
func NewEventServer(svc *service.HarvestService, consumer *events.KafkaConsumer, logger log.Logger) *EventServer {
	return &EventServer{
		svc:      svc,
		consumer: consumer,
		log:      log.NewHelper(log.With(logger, "module", "server/events")),
		done:     make(chan struct{}),
	}
}

// Start 阻塞直到 Stop 或 ctx 取消
func (s *EventServer) Start(ctx context.Context) error {
	if s.consumer == nil {
		s.log.Info("no event brokers configured, event loop disabled")
		close(s.done)
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer close(s.done)

	s.consumer.Start(ctx)
	report, err := s.svc.RunEvents(ctx)
	if report != nil {
		s.log.Infof("event loop stopped: indexed=%d deleted=%d duplicates=%d failed=%d",
			report.Indexed, report.Deleted, report.Duplicates, report.Failed)
	}
	return err
}

// Stop 停止接收事件，等待已入队的工作完成；ctx 到期时取消进行中的工作
func (s *EventServer) Stop(ctx context.Context) error {
	s.svc.StopEvents()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}
