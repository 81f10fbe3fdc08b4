package biz

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"pkgharvest/cmd/harvester/internal/domain"
	"pkgharvest/pkg/cache"
	"pkgharvest/pkg/resilience"
)

// Enricher 抓取之后用外部数据补充记录
type Enricher interface {
	Name() string
	Enrich(ctx context.Context, rec domain.Record) (domain.Record, error)
}

// EnrichFetch 抓取成功后依次执行补充；补充失败只记录日志，记录照常返回
func EnrichFetch(fetch domain.FetchFunc, logger log.Logger, enrichers ...Enricher) domain.FetchFunc {
	if len(enrichers) == 0 {
		return fetch
	}
	helper := log.NewHelper(log.With(logger, "module", "biz/enrich"))
	return func(ctx context.Context, item domain.WorkItem) (domain.Record, error) {
		rec, err := fetch(ctx, item)
		if err != nil {
			return nil, err
		}
		for _, e := range enrichers {
			out, err := e.Enrich(ctx, rec)
			if err != nil {
				helper.Warnf("%s enrichment of %s failed: %v", e.Name(), item.ID, err)
				continue
			}
			rec = out
		}
		return rec, nil
	}
}

var githubRepoRe = regexp.MustCompile(`^(?:https?://|git\+https://|www\.)(?:www\.)?github\.com/([^/\s]+)/([^/\s#?]+)`)

// RepoIdentifier 从记录的主页与项目链接中找出 GitHub 仓库 owner/repo，找不到时返回空串
func RepoIdentifier(rec domain.Record) string {
	urls := []string{rec.String("home_page"), rec.String("project_url"), rec.String("repository_url")}
	if links, ok := rec["project_urls"].(map[string]interface{}); ok {
		for _, v := range links {
			if s, ok := v.(string); ok {
				urls = append(urls, s)
			}
		}
	}
	for _, u := range urls {
		m := githubRepoRe.FindStringSubmatch(strings.TrimSpace(u))
		if m == nil {
			continue
		}
		repo := strings.TrimSuffix(m[2], ".git")
		if repo == "" {
			continue
		}
		return m[1] + "/" + repo
	}
	return ""
}

// GitHubEnricher 为记录补充 github_* 仓库统计字段，查询结果经旁路缓存复用
type GitHubEnricher struct {
	lookup domain.FetchFunc
}

// NewGitHubEnricher 创建 GitHub 补充步骤；抓取缓存未启用时使用进程内缓存
func NewGitHubEnricher(lookup domain.FetchFunc, fc *FetchCache, logger log.Logger) *GitHubEnricher {
	if fc == nil || fc.Cache == nil || fc.TTL <= 0 {
		fc = &FetchCache{Cache: cache.NewMemoryCache(nil), TTL: time.Hour}
	}
	return &GitHubEnricher{lookup: fc.Wrap("github", lookup, logger)}
}

// Name 名称
func (e *GitHubEnricher) Name() string {
	return "github"
}

// Enrich 仓库不存在或记录没有 GitHub 链接时原样返回
func (e *GitHubEnricher) Enrich(ctx context.Context, rec domain.Record) (domain.Record, error) {
	repo := RepoIdentifier(rec)
	if repo == "" {
		return rec, nil
	}
	stats, err := e.lookup(ctx, domain.NewWorkItem(repo, map[string]string{domain.CtxUpstream: "github"}))
	if err != nil {
		if resilience.Classify(err) == resilience.ClassNotFound {
			return rec, nil
		}
		return rec, err
	}
	out := rec.Clone()
	for k, v := range stats {
		out["github_"+k] = v
	}
	return out, nil
}
