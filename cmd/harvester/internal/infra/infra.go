package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"pkgharvest/cmd/harvester/internal/domain"
	"pkgharvest/pkg/cache"
	"pkgharvest/pkg/events"
	"pkgharvest/pkg/monitoring"
	"pkgharvest/pkg/resilience"
)

// UpstreamsConfig 上游配置
type UpstreamsConfig struct {
	// DefaultInterval 未单独配置的上游使用的请求间隔
	DefaultInterval time.Duration `mapstructure:"default_interval"`
	PyPI            PyPIConfig    `mapstructure:"pypi"`
	Npm             NpmConfig     `mapstructure:"npm"`
	GitHub          GitHubConfig  `mapstructure:"github"`
}

// NewLimiter 按上游配置创建限流器，等待时间写入指标
func NewLimiter(c *UpstreamsConfig) *resilience.IntervalLimiter {
	pypi := c.PyPI.Interval
	if pypi <= 0 {
		pypi = 100 * time.Millisecond
	}
	npm := c.Npm.Interval
	if npm <= 0 {
		npm = 720 * time.Millisecond
	}
	github := c.GitHub.Interval
	if github <= 0 {
		github = 750 * time.Millisecond
	}
	return resilience.NewIntervalLimiter(c.DefaultInterval,
		resilience.WithInterval(UpstreamPyPI, pypi),
		resilience.WithInterval(UpstreamNpm, npm),
		resilience.WithInterval(UpstreamGitHub, github),
		resilience.WithWaitObserver(func(upstream string, wait time.Duration) {
			monitoring.RateLimitWait.WithLabelValues(upstream).Observe(wait.Seconds())
		}),
	)
}

// Upstreams 已注册的上游适配器；GitHub 只用于补充，未启用时为 nil
type Upstreams struct {
	PyPI   *PyPIClient
	Npm    *NpmClient
	GitHub *GitHubClient
}

// NewUpstreams 创建全部上游适配器；npm 包文档缓存使用进程内缓存
func NewUpstreams(c *UpstreamsConfig, limiter *resilience.IntervalLimiter, policy resilience.RetryPolicy, logger log.Logger) *Upstreams {
	packuments := cache.NewMemoryCache(&cache.CacheOptions{KeyPrefix: "npm", DefaultTTL: c.Npm.PackumentTTL})
	u := &Upstreams{
		PyPI: NewPyPIClient(c.PyPI, limiter, policy, logger),
		Npm:  NewNpmClient(c.Npm, limiter, policy, packuments, logger),
	}
	if c.GitHub.Enabled {
		u.GitHub = NewGitHubClient(c.GitHub, limiter, policy, logger)
	}
	return u
}

// Get 按名称查找上游
func (u *Upstreams) Get(name string) (domain.Upstream, error) {
	switch name {
	case "", UpstreamPyPI:
		return u.PyPI, nil
	case UpstreamNpm:
		return u.Npm, nil
	default:
		return nil, fmt.Errorf("unknown upstream %q", name)
	}
}

// Fetch 按工作单元声明的上游分发
func (u *Upstreams) Fetch() domain.FetchFunc {
	return func(ctx context.Context, item domain.WorkItem) (domain.Record, error) {
		up, err := u.Get(item.Upstream())
		if err != nil {
			return nil, resilience.Terminal(err)
		}
		return up.Fetch(ctx, item)
	}
}

// EventsConfig Kafka 事件配置，Brokers 为空时不消费事件、运行通知只保存在内存
type EventsConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
	// Topics 订阅的包事件主题
	Topics []string `mapstructure:"topics"`
	// Topic 运行通知发布主题
	Topic  string `mapstructure:"topic"`
	Buffer int    `mapstructure:"buffer"`
}

// NewPublisher 创建运行通知发布器
func NewPublisher(c *EventsConfig, logger log.Logger) (events.Publisher, func(), error) {
	if len(c.Brokers) == 0 {
		return events.NewMemoryPublisher(), func() {}, nil
	}
	config := events.DefaultPublisherConfig()
	config.Brokers = c.Brokers
	if c.Topic != "" {
		config.Topic = c.Topic
	}
	p, err := events.NewKafkaPublisher(config)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := p.Close(); err != nil {
			log.NewHelper(logger).Warnf("close publisher: %v", err)
		}
	}
	return p, cleanup, nil
}

// NewConsumer 创建包事件消费者并注册事件来源；未配置时返回 nil
func NewConsumer(c *EventsConfig, source *EventSource, logger log.Logger) (*events.KafkaConsumer, func(), error) {
	if len(c.Brokers) == 0 {
		return nil, func() {}, nil
	}
	groupID := c.GroupID
	if groupID == "" {
		groupID = "pkgharvest"
	}
	config := events.DefaultConsumerConfig(groupID)
	config.Brokers = c.Brokers
	if len(c.Topics) > 0 {
		config.Topics = c.Topics
	}
	consumer, err := events.NewKafkaConsumer(config, logger)
	if err != nil {
		return nil, nil, err
	}
	consumer.Register(source)
	cleanup := func() {
		if err := consumer.Close(); err != nil {
			log.NewHelper(logger).Warnf("close consumer: %v", err)
		}
	}
	return consumer, cleanup, nil
}

// NewEventSourceFromConfig 按配置创建事件来源
func NewEventSourceFromConfig(c *EventsConfig, logger log.Logger) *EventSource {
	buffer := c.Buffer
	if buffer <= 0 {
		buffer = 100
	}
	return NewEventSource(buffer, logger)
}
