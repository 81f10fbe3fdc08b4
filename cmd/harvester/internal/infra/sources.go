package infra

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"pkgharvest/cmd/harvester/internal/domain"
	"pkgharvest/pkg/resilience"
)

// SourceFilter 来源过滤条件
type SourceFilter struct {
	// Name 包名需包含的子串
	Name string
	// Classifiers 包至少具有一个以其中某项为前缀的分类器
	Classifiers []string
	// Limit 最多产出的工作单元数，0 表示不限
	Limit int
}

func (f SourceFilter) matchName(name string) bool {
	return f.Name == "" || strings.Contains(name, f.Name)
}

// HasClassifier 是否具有任一前缀匹配的分类器
func HasClassifier(classifiers, prefixes []string) bool {
	for _, c := range classifiers {
		for _, p := range prefixes {
			if strings.HasPrefix(c, p) {
				return true
			}
		}
	}
	return false
}

func releaseItem(name string, r Release) domain.WorkItem {
	item := domain.NewReleaseItem(UpstreamPyPI, name, r.Version)
	if !r.UploadTime.IsZero() {
		item.Context[domain.CtxTimestamp] = strconv.FormatInt(r.UploadTime.Unix(), 10)
	}
	return item
}

func emit(ctx context.Context, out chan<- domain.WorkItem, item domain.WorkItem) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- item:
		return nil
	}
}

// PyPIFullSource 全量来源：遍历 Simple 索引，每个包的每个版本一个工作单元
type PyPIFullSource struct {
	client *PyPIClient
	filter SourceFilter
	log    *log.Helper
}

// NewPyPIFullSource 创建全量来源
func NewPyPIFullSource(client *PyPIClient, filter SourceFilter, logger log.Logger) *PyPIFullSource {
	return &PyPIFullSource{
		client: client,
		filter: filter,
		log:    log.NewHelper(log.With(logger, "module", "infra/pypi-full")),
	}
}

// Name 来源名称
func (s *PyPIFullSource) Name() string { return "pypi-full" }

// Items 读取包列表失败时整体失败；单个包读取失败只跳过该包
func (s *PyPIFullSource) Items(ctx context.Context, out chan<- domain.WorkItem) error {
	names, err := s.client.ProjectNames(ctx)
	if err != nil {
		return err
	}
	count := 0
	for _, name := range names {
		if !s.filter.matchName(name) {
			continue
		}
		project, err := s.client.Project(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if resilience.Classify(err) != resilience.ClassNotFound {
				s.log.Warnf("skip %s: %v", name, err)
			}
			continue
		}
		if len(s.filter.Classifiers) > 0 {
			if !HasClassifier(project.Classifiers, s.filter.Classifiers) {
				continue
			}
			s.log.Infof("found matching package: %s", name)
		}
		for _, r := range project.Releases {
			if s.filter.Limit > 0 && count >= s.filter.Limit {
				return nil
			}
			if err := emit(ctx, out, releaseItem(name, r)); err != nil {
				return err
			}
			count++
		}
	}
	return nil
}

// PyPIUpdatesSource 增量来源：合并两个 RSS feed，每个包只取最新一条
type PyPIUpdatesSource struct {
	client *PyPIClient
	since  time.Time
	filter SourceFilter
	log    *log.Helper
}

// NewPyPIUpdatesSource 创建增量来源，since 之前的条目被忽略，无时间戳的条目保留
func NewPyPIUpdatesSource(client *PyPIClient, since time.Time, filter SourceFilter, logger log.Logger) *PyPIUpdatesSource {
	return &PyPIUpdatesSource{
		client: client,
		since:  since,
		filter: filter,
		log:    log.NewHelper(log.With(logger, "module", "infra/pypi-updates")),
	}
}

// Name 来源名称
func (s *PyPIUpdatesSource) Name() string { return "pypi-updates" }

// Items 产出更新
func (s *PyPIUpdatesSource) Items(ctx context.Context, out chan<- domain.WorkItem) error {
	updates, err := s.client.Updates(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{})
	for _, up := range updates {
		if _, ok := seen[up.Package]; ok {
			continue
		}
		if !up.Timestamp.IsZero() && up.Timestamp.Before(s.since) {
			continue
		}
		if !s.filter.matchName(up.Package) {
			continue
		}
		if s.filter.Limit > 0 && len(seen) >= s.filter.Limit {
			break
		}
		seen[up.Package] = struct{}{}

		item := domain.NewReleaseItem(UpstreamPyPI, up.Package, up.Version)
		if !up.Timestamp.IsZero() {
			item.Context[domain.CtxTimestamp] = strconv.FormatInt(up.Timestamp.Unix(), 10)
		}
		if err := emit(ctx, out, item); err != nil {
			return err
		}
	}
	s.log.Infof("found %d package updates since %s", len(seen), s.since.Format(time.RFC3339))
	return nil
}
