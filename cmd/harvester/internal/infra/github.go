package infra

import (
	"context"
	"strings"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"pkgharvest/cmd/harvester/internal/domain"
	"pkgharvest/pkg/resilience"
)

// UpstreamGitHub GitHub 上游名称，同时是限流键
const UpstreamGitHub = "github"

// GitHubConfig GitHub 仓库统计配置，Enabled 为 false 时不做补充
type GitHubConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BaseURL  string        `mapstructure:"base_url"`
	Token    string        `mapstructure:"token"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// GitHubClient GitHub REST API 客户端
type GitHubClient struct {
	httpUpstream
	baseURL string
	log     *log.Helper
}

// NewGitHubClient 创建 GitHub 客户端
func NewGitHubClient(c GitHubConfig, limiter *resilience.IntervalLimiter, policy resilience.RetryPolicy, logger log.Logger) *GitHubClient {
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = "https://api.github.com"
	}
	up := newHTTPUpstream(UpstreamGitHub, c.Timeout, limiter, policy)
	up.headers["X-GitHub-Api-Version"] = "2022-11-28"
	if c.Token != "" {
		up.headers["Authorization"] = "Bearer " + c.Token
	}
	return &GitHubClient{
		httpUpstream: up,
		baseURL:      base,
		log:          log.NewHelper(log.With(logger, "module", "infra/github")),
	}
}

type githubRepo struct {
	StargazersCount  int       `json:"stargazers_count"`
	SubscribersCount int       `json:"subscribers_count"`
	OpenIssuesCount  int       `json:"open_issues_count"`
	Archived         bool      `json:"archived"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// RepoStats 查询仓库统计，item.ID 为 owner/repo；自行限流与重试，仓库不存在时返回 404 错误
func (c *GitHubClient) RepoStats(ctx context.Context, item domain.WorkItem) (domain.Record, error) {
	var repo githubRepo
	if err := c.fetchListingJSON(ctx, c.baseURL+"/repos/"+item.ID, "application/vnd.github+json", &repo); err != nil {
		return nil, err
	}
	c.log.Debugf("repo stats %s: stars=%d", item.ID, repo.StargazersCount)
	return domain.Record{
		"stars":       repo.StargazersCount,
		"watchers":    repo.SubscribersCount,
		"open_issues": repo.OpenIssuesCount,
		"archived":    repo.Archived,
		"updated":     repo.UpdatedAt.Unix(),
	}, nil
}
